package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/session"
	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeWordPress serves the OAuth server endpoints and the REST API.
type fakeWordPress struct {
	mu          sync.Mutex
	server      *httptest.Server
	tokenCalls  int
	revokeCalls int
	tokenStatus int
	userInfo    string
	postsAuth   string
}

func newFakeWordPress(t *testing.T) *fakeWordPress {
	t.Helper()
	wp := &fakeWordPress{
		tokenStatus: http.StatusOK,
		userInfo:    `{"id":1,"email":"a@b.com","name":"A","roles":["administrator"]}`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		wp.mu.Lock()
		wp.tokenCalls++
		status := wp.tokenStatus
		wp.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = io.WriteString(w, `{"error":"server_error"}`)
			return
		}
		_, _ = io.WriteString(w, `{"access_token":"T","token_type":"Bearer","expires_in":3600,"refresh_token":"R"}`)
	})
	mux.HandleFunc("/oauth/me", func(w http.ResponseWriter, r *http.Request) {
		wp.mu.Lock()
		body := wp.userInfo
		wp.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	})
	mux.HandleFunc("/oauth/revoke", func(w http.ResponseWriter, r *http.Request) {
		wp.mu.Lock()
		wp.revokeCalls++
		wp.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/wp-json/wp/v2/posts", func(w http.ResponseWriter, r *http.Request) {
		wp.mu.Lock()
		wp.postsAuth = r.Header.Get("Authorization")
		wp.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"id":7,"slug":"hello","title":{"rendered":"Hello"}}]`)
	})
	wp.server = httptest.NewServer(mux)
	t.Cleanup(wp.server.Close)
	return wp
}

func (wp *fakeWordPress) set(fn func(*fakeWordPress)) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	fn(wp)
}

func (wp *fakeWordPress) counts() (token, revoke int) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.tokenCalls, wp.revokeCalls
}

const (
	sbPassword  = "correct-horse"
	sbJWTSecret = "sb-jwt-secret-0123456789abcdef0123"
)

type sbUser struct {
	id   string
	role string
}

// fakeSupabase serves the GoTrue password flow and the roles table.
type fakeSupabase struct {
	mu      sync.Mutex
	server  *httptest.Server
	users   map[string]sbUser
	tokens  map[string]string
	issued  int
	logouts int
}

func newFakeSupabase(t *testing.T) *fakeSupabase {
	t.Helper()
	sb := &fakeSupabase{
		users: map[string]sbUser{
			"admin@sb.test":  {id: "u-admin", role: "admin"},
			"member@sb.test": {id: "u-member"},
		},
		tokens: make(map[string]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		sb.mu.Lock()
		defer sb.mu.Unlock()
		user, ok := sb.users[in.Email]
		if !ok || in.Password != sbPassword || r.URL.Query().Get("grant_type") != "password" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant","error_description":"Invalid login credentials"}`)
			return
		}
		sb.issued++
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub":   user.id,
			"email": in.Email,
			"jti":   fmt.Sprint(sb.issued),
			"exp":   time.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte(sbJWTSecret))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		sb.tokens[token] = in.Email
		writeTestJSON(w, map[string]any{
			"access_token":  token,
			"token_type":    "bearer",
			"expires_in":    3600,
			"refresh_token": "r-" + user.id,
			"user":          map[string]any{"id": user.id, "email": in.Email},
		})
	})
	mux.HandleFunc("GET /auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
		sb.mu.Lock()
		email, ok := sb.tokens[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
		user := sb.users[email]
		sb.mu.Unlock()
		if !ok {
			http.Error(w, `{"msg":"invalid JWT"}`, http.StatusUnauthorized)
			return
		}
		writeTestJSON(w, map[string]any{"id": user.id, "email": email})
	})
	mux.HandleFunc("POST /auth/v1/logout", func(w http.ResponseWriter, r *http.Request) {
		sb.mu.Lock()
		sb.logouts++
		delete(sb.tokens, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		sb.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /rest/v1/user_roles", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Query().Get("user_id"), "eq.")
		rows := []map[string]string{}
		sb.mu.Lock()
		for _, u := range sb.users {
			if u.id == id && u.role != "" {
				rows = append(rows, map[string]string{"role": u.role})
			}
		}
		sb.mu.Unlock()
		writeTestJSON(w, rows)
	})
	sb.server = httptest.NewServer(mux)
	t.Cleanup(sb.server.Close)
	return sb
}

func (sb *fakeSupabase) logoutCount() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.logouts
}

func writeTestJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type testSite struct {
	app    *App
	server *httptest.Server
	client *http.Client
	wp     *fakeWordPress
	sb     *fakeSupabase
}

func setupTestApp(t *testing.T) *testSite {
	t.Helper()
	wp := newFakeWordPress(t)
	sb := newFakeSupabase(t)

	cfg := DefaultConfig()
	cfg.Server.CookieSecret = strings.Repeat("k", 32)
	cfg.Server.SecretsPath = ""
	cfg.WordPress.SiteURL = wp.server.URL
	cfg.WordPress.ClientID = "client-1234567"
	cfg.WordPress.ClientSecret = "secret-0123456789abcdef"
	cfg.WordPress.RedirectURI = "http://127.0.0.1/auth/wordpress/callback"
	cfg.WordPress.RequestTimeout = 2 * time.Second
	cfg.Supabase.URL = sb.server.URL
	cfg.Supabase.AnonKey = "anon-key"
	cfg.Supabase.JWTSecret = sbJWTSecret

	app, err := NewApp(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("NewApp returned error: %v", err)
	}
	srv := httptest.NewServer(app.Routes())
	t.Cleanup(func() {
		srv.Close()
		app.Close(context.Background())
	})

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &testSite{app: app, server: srv, client: client, wp: wp, sb: sb}
}

func (s *testSite) do(t *testing.T, method, path string, form url.Values) (*http.Response, string) {
	t.Helper()
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequest(method, s.server.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp, string(raw)
}

// login starts a sign-in and returns the state the provider would echo.
func (s *testSite) login(t *testing.T) string {
	t.Helper()
	resp, _ := s.do(t, http.MethodGet, "/login", nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if !strings.HasSuffix(loc.Path, "/oauth/authorize") {
		t.Fatalf("unexpected authorize url %s", loc)
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Fatal("authorize url carries no state")
	}
	return state
}

// signInWordPress completes the provider flow with the fake's current user info.
func (s *testSite) signInWordPress(t *testing.T) *http.Response {
	t.Helper()
	state := s.login(t)
	resp, _ := s.do(t, http.MethodGet, CallbackPath+"?code=code1&state="+url.QueryEscape(state), nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("callback status = %d", resp.StatusCode)
	}
	return resp
}

func (s *testSite) signInPassword(t *testing.T, email, password string) *http.Response {
	t.Helper()
	resp, _ := s.do(t, http.MethodPost, "/auth/password", url.Values{"email": {email}, "password": {password}})
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("password sign-in status = %d", resp.StatusCode)
	}
	return resp
}

// cookieNames lists the site cookies the browser currently holds.
func (s *testSite) cookieNames(t *testing.T) map[string]bool {
	t.Helper()
	u, err := url.Parse(s.server.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	names := make(map[string]bool)
	for _, c := range s.client.Jar.Cookies(u) {
		names[c.Name] = true
	}
	return names
}

func (s *testSite) sessionView(t *testing.T) session.View {
	t.Helper()
	_, body := s.do(t, http.MethodGet, "/api/session", nil)
	var v session.View
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		t.Fatalf("decode session view: %v (%s)", err, body)
	}
	return v
}

func TestSignInHappyPath(t *testing.T) {
	site := setupTestApp(t)
	state := site.login(t)

	resp, _ := site.do(t, http.MethodGet, CallbackPath+"?code=code1&state="+url.QueryEscape(state), nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("callback status = %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/workspace" {
		t.Fatalf("admin should land on the workspace, got %q", loc)
	}

	v := site.sessionView(t)
	if !v.SignedIn || v.Source != session.SourceProvider || !v.IsAdmin || v.Email != "a@b.com" {
		t.Fatalf("unexpected session view: %+v", v)
	}

	resp, body := site.do(t, http.MethodGet, "/workspace", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("workspace status = %d", resp.StatusCode)
	}
	if !strings.Contains(body, "Signed in as A.") {
		t.Fatalf("workspace missing flash notice: %s", body)
	}
}

func TestSignInNonAdminLandsHome(t *testing.T) {
	site := setupTestApp(t)
	site.wp.set(func(wp *fakeWordPress) { wp.userInfo = `{"id":"2","email":"s@b.com","name":"S"}` })
	state := site.login(t)

	resp, _ := site.do(t, http.MethodGet, CallbackPath+"?code=c&state="+url.QueryEscape(state), nil)
	if loc := resp.Header.Get("Location"); loc != "/" {
		t.Fatalf("location = %q", loc)
	}
	if v := site.sessionView(t); v.IsAdmin || !v.SignedIn {
		t.Fatalf("unexpected session view: %+v", v)
	}
	resp, _ = site.do(t, http.MethodGet, "/workspace", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("workspace status for non-admin = %d", resp.StatusCode)
	}
}

func TestCallbackRejectsBadState(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{name: "missing state", query: "?code=code1"},
		{name: "wrong state", query: "?code=code1&state=forged"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			site := setupTestApp(t)
			site.login(t)

			resp, body := site.do(t, http.MethodGet, CallbackPath+tc.query, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			if !strings.Contains(body, "did not originate from this browser") {
				t.Fatalf("failure page missing message: %s", body)
			}
			if strings.Contains(body, "secret-0123456789abcdef") {
				t.Fatal("failure page leaked the client secret")
			}
			if token, _ := site.wp.counts(); token != 0 {
				t.Fatalf("token endpoint called %d times", token)
			}
		})
	}
}

func TestCallbackProviderError(t *testing.T) {
	site := setupTestApp(t)
	state := site.login(t)

	resp, body := site.do(t, http.MethodGet, CallbackPath+"?error=access_denied&error_description=nope&state="+url.QueryEscape(state), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(body, "access_denied") {
		t.Fatalf("failure page missing provider code: %s", body)
	}
	if token, _ := site.wp.counts(); token != 0 {
		t.Fatalf("token endpoint called %d times", token)
	}
}

func TestCallbackExchangeFailureThenRetry(t *testing.T) {
	site := setupTestApp(t)
	site.wp.set(func(wp *fakeWordPress) { wp.tokenStatus = http.StatusInternalServerError })
	state := site.login(t)

	resp, body := site.do(t, http.MethodGet, CallbackPath+"?code=code1&state="+url.QueryEscape(state), nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(body, "/auth/wordpress/retry") {
		t.Fatalf("failure page missing retry form: %s", body)
	}
	if !strings.Contains(body, "co…") || strings.Contains(body, "code1") {
		t.Fatalf("failure page should show only a masked code: %s", body)
	}

	site.wp.set(func(wp *fakeWordPress) { wp.tokenStatus = http.StatusOK })
	resp, _ = site.do(t, http.MethodPost, "/auth/wordpress/retry", url.Values{})
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/workspace" {
		t.Fatalf("retry status = %d location %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	resp, _ = site.do(t, http.MethodPost, "/auth/wordpress/retry", url.Values{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("second retry status = %d", resp.StatusCode)
	}
}

func TestLogoutRevokesAndClears(t *testing.T) {
	site := setupTestApp(t)
	state := site.login(t)
	site.do(t, http.MethodGet, CallbackPath+"?code=code1&state="+url.QueryEscape(state), nil)

	resp, _ := site.do(t, http.MethodPost, "/logout", url.Values{})
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/" {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}
	if _, revoke := site.wp.counts(); revoke != 1 {
		t.Fatalf("revoke called %d times", revoke)
	}
	if v := site.sessionView(t); v.SignedIn {
		t.Fatalf("still signed in: %+v", v)
	}
	_, body := site.do(t, http.MethodGet, "/", nil)
	if !strings.Contains(body, "Signed out of WordPress.") {
		t.Fatalf("home missing sign-out notice: %s", body)
	}
}

func TestWorkspaceRequiresSignIn(t *testing.T) {
	site := setupTestApp(t)
	resp, _ := site.do(t, http.MethodGet, "/workspace/api-logs", nil)
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/" {
		t.Fatalf("status = %d location %q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestDiagnosticsJSON(t *testing.T) {
	site := setupTestApp(t)
	req, _ := http.NewRequest(http.MethodGet, site.server.URL+"/auth/diagnostics", nil)
	req.Header.Set("Accept", "application/json")
	resp, err := site.client.Do(req)
	if err != nil {
		t.Fatalf("diagnostics: %v", err)
	}
	defer resp.Body.Close()

	var report struct {
		Config struct {
			ClientSecret string `json:"client_secret"`
		} `json:"config"`
		Results []struct {
			Name    string `json:"name"`
			Verdict string `json:"verdict"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Config.ClientSecret != "********" {
		t.Fatalf("client secret not masked: %q", report.Config.ClientSecret)
	}
	verdicts := map[string]string{}
	for _, r := range report.Results {
		verdicts[r.Name] = r.Verdict
	}
	if verdicts["client_id"] != "ok" {
		t.Fatalf("client_id verdict = %q", verdicts["client_id"])
	}
	// The fake provider serves plain HTTP on a loopback address.
	if verdicts["authorize_endpoint"] != "ok" {
		t.Fatalf("authorize_endpoint verdict = %q", verdicts["authorize_endpoint"])
	}
}

func TestPostsProxyCarriesProviderToken(t *testing.T) {
	site := setupTestApp(t)

	resp, body := site.do(t, http.MethodGet, "/api/posts", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"slug":"hello"`) {
		t.Fatalf("anonymous posts: %d %s", resp.StatusCode, body)
	}
	site.wp.mu.Lock()
	anonAuth := site.wp.postsAuth
	site.wp.mu.Unlock()
	if anonAuth != "" {
		t.Fatalf("anonymous request carried %q", anonAuth)
	}

	state := site.login(t)
	site.do(t, http.MethodGet, CallbackPath+"?code=code1&state="+url.QueryEscape(state), nil)
	site.do(t, http.MethodGet, "/api/posts", nil)
	site.wp.mu.Lock()
	defer site.wp.mu.Unlock()
	if site.wp.postsAuth != "Bearer T" {
		t.Fatalf("signed-in request carried %q", site.wp.postsAuth)
	}
}

func TestOutboundCallsAreAuditedAndMasked(t *testing.T) {
	site := setupTestApp(t)
	state := site.login(t)
	site.do(t, http.MethodGet, CallbackPath+"?code=code1&state="+url.QueryEscape(state), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := site.app.Audit.Close(ctx); err != nil {
		t.Fatalf("drain audit log: %v", err)
	}
	entries, err := site.app.Audit.Entries(context.Background(), 0)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected redirect, token and user-info entries, got %d", len(entries))
	}
	if entries[2].Method != "REDIRECT" {
		t.Fatalf("oldest entry = %s %s", entries[2].Method, entries[2].URL)
	}
	for _, e := range entries {
		for _, secret := range []string{"secret-0123456789abcdef", `"T"`, "Bearer T"} {
			if strings.Contains(e.RequestBody, secret) || strings.Contains(e.ResponseBody, secret) || e.Headers["Authorization"] == secret {
				t.Fatalf("entry %s %s leaked %q", e.Method, e.URL, secret)
			}
		}
	}
}

func TestHealthzAndHeaders(t *testing.T) {
	site := setupTestApp(t)
	resp, body := site.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"ok"`) {
		t.Fatalf("healthz: %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing nosniff header")
	}
	if resp.Header.Get("Strict-Transport-Security") != "" {
		t.Fatal("HSTS must not be sent in dev mode")
	}
}

func TestStateCookieIsLaxAndHttpOnly(t *testing.T) {
	site := setupTestApp(t)
	resp, _ := site.do(t, http.MethodGet, "/login", nil)
	var found bool
	for _, c := range resp.Cookies() {
		if c.Name != storage.CookieName(storage.KeyOAuthState) {
			continue
		}
		found = true
		if !c.HttpOnly || c.SameSite != http.SameSiteLaxMode {
			t.Fatalf("state cookie attributes: %+v", c)
		}
	}
	if !found {
		t.Fatal("login did not set the state cookie")
	}
}

func TestPasswordSignInAdminReachesWorkspace(t *testing.T) {
	site := setupTestApp(t)

	resp := site.signInPassword(t, "admin@sb.test", sbPassword)
	if loc := resp.Header.Get("Location"); loc != "/workspace" {
		t.Fatalf("admin should land on the workspace, got %q", loc)
	}
	v := site.sessionView(t)
	if !v.SignedIn || v.Source != session.SourceBackend || !v.IsAdmin || v.UserID != "u-admin" {
		t.Fatalf("unexpected session view: %+v", v)
	}
	resp, body := site.do(t, http.MethodGet, "/workspace", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("workspace status = %d", resp.StatusCode)
	}
	if !strings.Contains(body, "Signed in as admin@sb.test.") {
		t.Fatalf("workspace missing flash notice: %s", body)
	}
}

func TestPasswordSignInMemberLandsHome(t *testing.T) {
	site := setupTestApp(t)

	resp := site.signInPassword(t, "member@sb.test", sbPassword)
	if loc := resp.Header.Get("Location"); loc != "/" {
		t.Fatalf("location = %q", loc)
	}
	if v := site.sessionView(t); !v.SignedIn || v.IsAdmin || v.Source != session.SourceBackend {
		t.Fatalf("unexpected session view: %+v", v)
	}
	resp, _ = site.do(t, http.MethodGet, "/workspace", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("workspace status for member = %d", resp.StatusCode)
	}
}

func TestPasswordSignInRejected(t *testing.T) {
	site := setupTestApp(t)

	resp := site.signInPassword(t, "admin@sb.test", "wrong")
	if loc := resp.Header.Get("Location"); loc != "/" {
		t.Fatalf("location = %q", loc)
	}
	if v := site.sessionView(t); v.SignedIn {
		t.Fatalf("rejected password produced a session: %+v", v)
	}
	_, body := site.do(t, http.MethodGet, "/", nil)
	if !strings.Contains(body, "Email or password was not accepted.") {
		t.Fatalf("home missing rejection notice: %s", body)
	}
}

func TestPasswordSignInReplacesWordPressSession(t *testing.T) {
	site := setupTestApp(t)
	site.signInWordPress(t)
	if v := site.sessionView(t); v.Source != session.SourceProvider {
		t.Fatalf("expected WordPress session, got %+v", v)
	}

	site.signInPassword(t, "member@sb.test", sbPassword)
	v := site.sessionView(t)
	if v.Source != session.SourceBackend || v.Email != "member@sb.test" || v.IsAdmin {
		t.Fatalf("password sign-in did not take over: %+v", v)
	}
	cookies := site.cookieNames(t)
	for _, key := range storage.ProviderKeys {
		if cookies[storage.CookieName(key)] {
			t.Fatalf("cookie %s survived the switch to password sign-in", storage.CookieName(key))
		}
	}

	resp, _ := site.do(t, http.MethodPost, "/logout", url.Values{})
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}
	if got := site.sb.logoutCount(); got != 1 {
		t.Fatalf("backend logout called %d times", got)
	}
	if _, revoke := site.wp.counts(); revoke != 0 {
		t.Fatalf("WordPress revoke called %d times", revoke)
	}
	if v := site.sessionView(t); v.SignedIn {
		t.Fatalf("a session came back after logout: %+v", v)
	}
}

func TestWordPressSignInReplacesPasswordSession(t *testing.T) {
	site := setupTestApp(t)
	site.signInPassword(t, "admin@sb.test", sbPassword)

	site.signInWordPress(t)
	if v := site.sessionView(t); v.Source != session.SourceProvider || v.Email != "a@b.com" {
		t.Fatalf("WordPress sign-in did not take over: %+v", v)
	}
	if site.cookieNames(t)[storage.CookieName(storage.KeyBackendSession)] {
		t.Fatal("backend session cookie survived the WordPress sign-in")
	}

	site.do(t, http.MethodPost, "/logout", url.Values{})
	if _, revoke := site.wp.counts(); revoke != 1 {
		t.Fatalf("revoke called %d times", revoke)
	}
	if v := site.sessionView(t); v.SignedIn {
		t.Fatalf("a session came back after logout: %+v", v)
	}
}

func TestLargeUserInfoStaysWithinCookieLimit(t *testing.T) {
	site := setupTestApp(t)
	caps := make([]string, 0, 110)
	for i := 0; i < 110; i++ {
		caps = append(caps, fmt.Sprintf(`"edit_others_posts_%03d":true`, i))
	}
	site.wp.set(func(wp *fakeWordPress) {
		wp.userInfo = `{"id":1,"email":"a@b.com","name":"A","roles":["administrator"],"capabilities":{` +
			strings.Join(caps, ",") + `}}`
	})

	resp := site.signInWordPress(t)
	if loc := resp.Header.Get("Location"); loc != "/workspace" {
		t.Fatalf("location = %q", loc)
	}
	for _, c := range resp.Cookies() {
		if size := len(c.Name) + len(c.Value); size > storage.MaxCookieSize {
			t.Fatalf("cookie %s is %d bytes, browsers drop it", c.Name, size)
		}
	}
	v := site.sessionView(t)
	if !v.SignedIn || !v.IsAdmin || v.Email != "a@b.com" {
		t.Fatalf("session lost after reload: %+v", v)
	}
}

func TestDiagnosticsConnectivityChecksRequireAdmin(t *testing.T) {
	site := setupTestApp(t)

	resp, _ := site.do(t, http.MethodGet, "/auth/diagnostics?probe=1", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("anonymous connectivity check status = %d", resp.StatusCode)
	}
	resp, body := site.do(t, http.MethodGet, "/auth/diagnostics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("diagnostics status = %d", resp.StatusCode)
	}
	if strings.Contains(body, "probe=1") {
		t.Fatal("anonymous visitors should not be offered connectivity checks")
	}

	site.signInWordPress(t)
	req, _ := http.NewRequest(http.MethodGet, site.server.URL+"/auth/diagnostics?probe=1", nil)
	req.Header.Set("Accept", "application/json")
	resp, err := site.client.Do(req)
	if err != nil {
		t.Fatalf("diagnostics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin connectivity check status = %d", resp.StatusCode)
	}
	var report struct {
		Results []struct {
			Name string `json:"name"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	found := false
	for _, r := range report.Results {
		if r.Name == "reachability" {
			found = true
		}
	}
	if !found {
		t.Fatalf("admin report has no connectivity results: %+v", report.Results)
	}
}
