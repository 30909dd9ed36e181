package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/audit"
	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/storage"
)

const testSecret = "super-secret-jwt-token-with-at-least-32-characters"

func signToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	claims := AccessClaims{
		Email: sub + "@example.com",
		Role:  "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

type fakeBackend struct {
	mu          sync.Mutex
	t           *testing.T
	token       string
	userStatus  int
	logoutCalls int
	roles       map[string]string
	logs        []map[string]any
	lastRange   string
}

func newFakeBackend(t *testing.T) (*fakeBackend, *httptest.Server) {
	t.Helper()
	f := &fakeBackend{t: t, userStatus: http.StatusOK, roles: map[string]string{"u-1": "admin"}}
	f.token = signToken(t, "u-1", time.Now().Add(time.Hour))

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("grant_type") != "password" || r.Header.Get("apikey") != "anon" {
			http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "correct-horse" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant","error_description":"Invalid login credentials"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  f.token,
			"token_type":    "bearer",
			"expires_in":    3600,
			"refresh_token": "r1",
			"user": map[string]any{
				"id":            "u-1",
				"email":         body["email"],
				"user_metadata": map[string]any{"full_name": "Ada"},
			},
		})
	})
	mux.HandleFunc("/auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := f.userStatus
		f.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer "+f.token || status != http.StatusOK {
			if status == http.StatusOK {
				status = http.StatusUnauthorized
			}
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"msg":"invalid JWT"}`)
			return
		}
		_, _ = io.WriteString(w, `{"id":"u-1","email":"ada@example.com"}`)
	})
	mux.HandleFunc("/auth/v1/logout", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.logoutCalls++
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/rest/v1/user_roles", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Query().Get("user_id"), "eq.")
		if r.URL.Query().Get("select") != "role" {
			http.Error(w, "bad select", http.StatusBadRequest)
			return
		}
		role, ok := f.roles[id]
		if !ok {
			_, _ = io.WriteString(w, `[]`)
			return
		}
		_, _ = fmt.Fprintf(w, `[{"role":%q}]`, role)
	})
	mux.HandleFunc("/rest/v1/api_logs", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			var row map[string]any
			_ = json.NewDecoder(r.Body).Decode(&row)
			f.logs = append(f.logs, row)
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			if r.Header.Get("Prefer") == "count=exact" {
				f.lastRange = r.Header.Get("Range")
				w.Header().Set("Content-Range", fmt.Sprintf("0-0/%d", len(f.logs)))
				w.WriteHeader(http.StatusPartialContent)
				_, _ = io.WriteString(w, `[]`)
				return
			}
			rows := f.logs
			if strings.HasPrefix(r.URL.Query().Get("order"), "created_at.desc") {
				rows = make([]map[string]any, len(f.logs))
				for i := range f.logs {
					rows[i] = f.logs[len(f.logs)-1-i]
				}
			}
			if limit := r.URL.Query().Get("limit"); limit != "" {
				var n int
				_, _ = fmt.Sscanf(limit, "%d", &n)
				if n < len(rows) {
					rows = rows[:n]
				}
			}
			_ = json.NewEncoder(w).Encode(rows)
		case http.MethodDelete:
			in := strings.TrimSuffix(strings.TrimPrefix(r.URL.Query().Get("id"), "in.("), ")")
			drop := make(map[string]bool)
			for _, id := range strings.Split(in, ",") {
				drop[strings.Trim(id, `"`)] = true
			}
			kept := f.logs[:0]
			for _, row := range f.logs {
				if !drop[row["id"].(string)] {
					kept = append(kept, row)
				}
			}
			f.logs = kept
			w.WriteHeader(http.StatusNoContent)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func newTestClient(t *testing.T, srv *httptest.Server, secret string) *Client {
	t.Helper()
	c, err := NewClient(Options{
		URL:       srv.URL + "/",
		AnonKey:   "anon",
		JWTSecret: secret,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestNewClientRequiresURL(t *testing.T) {
	if _, err := NewClient(Options{}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := NewClient(Options{URL: "not a url"}); err == nil {
		t.Fatalf("expected error for malformed url")
	}
}

func TestSignInPersistsAndNotifies(t *testing.T) {
	_, srv := newFakeBackend(t)
	client := newTestClient(t, srv, testSecret)
	durable := storage.NewMemory()
	auth := client.Auth(durable)

	var events []EventType
	unsubscribe := auth.OnAuthStateChange(func(_ context.Context, ev Event) {
		events = append(events, ev.Type)
	})
	defer unsubscribe()

	session, err := auth.SignInWithPassword(context.Background(), "ada@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if session.User.ID != "u-1" || session.ExpiresAt == 0 {
		t.Fatalf("unexpected session %+v", session)
	}
	raw, ok := durable.Get(storage.KeyBackendSession)
	if !ok {
		t.Fatalf("session not persisted")
	}
	if strings.Contains(raw, "full_name") {
		t.Fatalf("user metadata should not be persisted: %s", raw)
	}
	if len(events) != 1 || events[0] != EventSignedIn {
		t.Fatalf("events = %v", events)
	}

	restored, err := auth.GetSession(context.Background())
	if err != nil || restored == nil {
		t.Fatalf("get session = %v, %v", restored, err)
	}
	if restored.User.Email != "ada@example.com" {
		t.Fatalf("unexpected user %+v", restored.User)
	}
}

func TestSignInRejectsBadPassword(t *testing.T) {
	_, srv := newFakeBackend(t)
	auth := newTestClient(t, srv, "").Auth(storage.NewMemory())

	_, err := auth.SignInWithPassword(context.Background(), "ada@example.com", "nope")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != "invalid_grant" || apiErr.Message != "Invalid login credentials" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestGetSessionDiscardsExpiredToken(t *testing.T) {
	_, srv := newFakeBackend(t)
	client := newTestClient(t, srv, testSecret)
	durable := storage.NewMemory()
	expired := Session{AccessToken: signToken(t, "u-1", time.Now().Add(-time.Minute)), User: User{ID: "u-1"}}
	raw, _ := json.Marshal(expired)
	_ = durable.Set(storage.KeyBackendSession, string(raw))

	session, err := client.Auth(durable).GetSession(context.Background())
	if err != nil || session != nil {
		t.Fatalf("expected no session, got %v, %v", session, err)
	}
	if _, ok := durable.Get(storage.KeyBackendSession); ok {
		t.Fatalf("expired session should be discarded")
	}
}

func TestGetSessionDiscardsRejectedToken(t *testing.T) {
	f, srv := newFakeBackend(t)
	f.mu.Lock()
	f.userStatus = http.StatusUnauthorized
	f.mu.Unlock()
	client := newTestClient(t, srv, "")
	durable := storage.NewMemory()
	raw, _ := json.Marshal(Session{AccessToken: f.token})
	_ = durable.Set(storage.KeyBackendSession, string(raw))

	session, err := client.Auth(durable).GetSession(context.Background())
	if err != nil || session != nil {
		t.Fatalf("expected no session, got %v, %v", session, err)
	}
	if _, ok := durable.Get(storage.KeyBackendSession); ok {
		t.Fatalf("rejected session should be discarded")
	}
}

func TestGetSessionDiscardsCorruptEntry(t *testing.T) {
	_, srv := newFakeBackend(t)
	durable := storage.NewMemory()
	_ = durable.Set(storage.KeyBackendSession, "{not json")
	session, err := newTestClient(t, srv, "").Auth(durable).GetSession(context.Background())
	if err != nil || session != nil {
		t.Fatalf("expected no session, got %v, %v", session, err)
	}
	if _, ok := durable.Get(storage.KeyBackendSession); ok {
		t.Fatalf("corrupt session should be discarded")
	}
}

func TestSignOutClearsLocalAndNotifies(t *testing.T) {
	f, srv := newFakeBackend(t)
	auth := newTestClient(t, srv, testSecret).Auth(storage.NewMemory())
	if _, err := auth.SignInWithPassword(context.Background(), "ada@example.com", "correct-horse"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	var last EventType
	auth.OnAuthStateChange(func(_ context.Context, ev Event) { last = ev.Type })

	if err := auth.SignOut(context.Background()); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if last != EventSignedOut {
		t.Fatalf("last event = %v", last)
	}
	f.mu.Lock()
	calls := f.logoutCalls
	f.mu.Unlock()
	if calls != 1 {
		t.Fatalf("logout calls = %d", calls)
	}
	session, err := auth.GetSession(context.Background())
	if err != nil || session != nil {
		t.Fatalf("expected no session after sign out")
	}
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	_, srv := newFakeBackend(t)
	auth := newTestClient(t, srv, "").Auth(storage.NewMemory())
	count := 0
	unsubscribe := auth.OnAuthStateChange(func(context.Context, Event) { count++ })
	unsubscribe()
	_ = auth.SignOut(context.Background())
	if count != 0 {
		t.Fatalf("listener called after unsubscribe")
	}
}

func TestIsAdminUsesRolesTable(t *testing.T) {
	f, srv := newFakeBackend(t)
	auth := newTestClient(t, srv, "").Auth(storage.NewMemory())

	admin, err := auth.IsAdmin(context.Background(), &Session{AccessToken: f.token, User: User{ID: "u-1"}})
	if err != nil || !admin {
		t.Fatalf("u-1 should be admin: %v, %v", admin, err)
	}
	admin, err = auth.IsAdmin(context.Background(), &Session{AccessToken: f.token, User: User{ID: "u-2"}})
	if err != nil || admin {
		t.Fatalf("u-2 should not be admin: %v, %v", admin, err)
	}
	admin, err = auth.IsAdmin(context.Background(), nil)
	if err != nil || admin {
		t.Fatalf("nil session should not be admin")
	}
}

func TestParseAccessToken(t *testing.T) {
	now := time.Now()
	valid := signToken(t, "u-1", now.Add(time.Hour))

	claims, err := ParseAccessToken(valid, []byte(testSecret), now)
	if err != nil || claims.Subject != "u-1" {
		t.Fatalf("parse valid: %v, %v", claims, err)
	}
	if _, err := ParseAccessToken(valid, []byte("another-secret-that-is-long-enough-000"), now); err == nil {
		t.Fatalf("wrong secret must fail")
	}
	if _, err := ParseAccessToken(valid, nil, now.Add(2*time.Hour)); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("unverified expired token: %v", err)
	}
	if _, err := ParseAccessToken(valid, []byte(testSecret), now.Add(2*time.Hour)); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("verified expired token: %v", err)
	}
	if _, err := ParseAccessToken("garbage", nil, now); err == nil {
		t.Fatalf("garbage must fail")
	}
}

func TestLogStoreRetentionThroughAuditLog(t *testing.T) {
	f, srv := newFakeBackend(t)
	store := NewLogStore(newTestClient(t, srv, ""), "", "service-key")
	log := audit.New(store, audit.Options{Ceiling: 5, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		if err := log.Write(context.Background(), audit.Entry{
			ID:        fmt.Sprintf("e-%02d", i),
			Method:    http.MethodGet,
			URL:       fmt.Sprintf("https://cms.example/%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	n, err := store.Count(context.Background())
	if err != nil || n != 5 {
		t.Fatalf("count = %d, %v", n, err)
	}
	f.mu.Lock()
	rangeHeader := f.lastRange
	f.mu.Unlock()
	if rangeHeader != "0-0" {
		t.Fatalf("range header = %q", rangeHeader)
	}

	entries, err := store.List(context.Background(), 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != "e-07" || entries[1].ID != "e-06" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if !entries[0].Timestamp.Equal(base.Add(7 * time.Second)) {
		t.Fatalf("timestamp = %v", entries[0].Timestamp)
	}
}

func TestParseContentRangeTotal(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "0-0/42", want: 42},
		{in: "*/0", want: 0},
		{in: "0-9/*", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseContentRangeTotal(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("parseContentRangeTotal(%q) = %d, %v", tt.in, got, err)
		}
	}
}
