package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/audit"
	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/cms"
	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/diagnostics"
	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/oauth"
	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/session"
	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/storage"
	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/supabase"
)

// CallbackPath is where the WordPress OAuth server sends the browser back.
const CallbackPath = "/auth/wordpress/callback"

const (
	stateCookieTTL = 10 * time.Minute
	flashCookieTTL = 5 * time.Minute
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Audit    *audit.Log
	OAuth    *oauth.Client
	Cookies  *storage.CookieCodec
	Supabase *supabase.Client
	CMS      *cms.Client

	// Outbound is the audited client used for provider and content calls.
	Outbound *http.Client

	closers []func() error
	now     func() time.Time
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger, now: time.Now}

	if cfg.Supabase.URL != "" {
		sb, err := supabase.NewClient(supabase.Options{
			URL:        cfg.Supabase.URL,
			AnonKey:    cfg.Supabase.AnonKey,
			JWTSecret:  cfg.Supabase.JWTSecret,
			RolesTable: cfg.Supabase.RolesTable,
			Logger:     logger,
			Timeout:    cfg.WordPress.RequestTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("init supabase: %w", err)
		}
		app.Supabase = sb
	}

	store, err := app.openAuditStore(cfg.Audit)
	if err != nil {
		return nil, err
	}
	app.Audit = audit.New(store, audit.Options{
		Ceiling: cfg.Audit.Ceiling,
		MaxBody: cfg.Audit.MaxBody,
		Logger:  logger,
	})
	app.Outbound = app.Audit.Client(nil)

	app.OAuth = oauth.NewClient(oauth.StaticConfig(cfg.OAuth()),
		oauth.WithHTTPClient(app.Outbound),
		oauth.WithRedirectRecorder(app.Audit),
		oauth.WithLogger(logger),
		oauth.WithTimeout(cfg.WordPress.RequestTimeout),
	)

	if base := cfg.ContentAPIBase(); base != "" {
		content, err := cms.NewClient(base, app.Outbound, logger, cfg.WordPress.RequestTimeout)
		if err != nil {
			app.Close(ctx)
			return nil, fmt.Errorf("init cms: %w", err)
		}
		app.CMS = content
	}

	secret, err := loadCookieSecret(cfg.Server, logger)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	app.Cookies, err = storage.NewCookieCodec(secret, storage.CookieOptions{
		Secure: !cfg.Server.DevMode,
		Domain: cfg.Server.CookieDomain,
		KeyTTL: map[string]time.Duration{
			storage.KeyOAuthState: stateCookieTTL,
			storage.KeyOAuthRetry: stateCookieTTL,
			storage.KeyFlash:      flashCookieTTL,
		},
	})
	if err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("init cookies: %w", err)
	}

	return app, nil
}

func (a *App) openAuditStore(cfg AuditConfig) (audit.Store, error) {
	switch cfg.Backend {
	case AuditSQLite:
		store, err := audit.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.Logger.Info("audit log", "backend", AuditSQLite, "path", cfg.SQLitePath)
		return store, nil
	case AuditSupabase:
		if a.Supabase == nil {
			return nil, errors.New("supabase audit backend requires supabase.url")
		}
		a.Logger.Info("audit log", "backend", AuditSupabase, "table", cfg.Table)
		return supabase.NewLogStore(a.Supabase, cfg.Table, a.Config.Supabase.AnonKey), nil
	default:
		return audit.NewMemoryStore(), nil
	}
}

// Close drains the audit log and releases stores.
func (a *App) Close(ctx context.Context) {
	if err := a.Audit.Close(ctx); err != nil {
		a.Logger.Warn("close audit log", "error", err)
	}
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			a.Logger.Warn("close store", "error", err)
		}
	}
	a.closers = nil
}

func (a *App) flow(r *http.Request) (*oauth.Flow, *requestScope) {
	scope := scopeFromContext(r.Context())
	return oauth.NewFlow(a.OAuth, scope.durable, scope.bridge), scope
}

func (a *App) handleHome(w http.ResponseWriter, r *http.Request) {
	scope := scopeFromContext(r.Context())
	a.renderPage(w, http.StatusOK, "home", homeView{
		Session:       scope.bridge.View(),
		Notice:        a.takeFlash(r),
		PasswordLogin: a.Supabase != nil,
	})
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	flow, _ := a.flow(r)
	authURL, err := flow.Initiate()
	if err != nil {
		a.Logger.Error("initiate sign-in", "error", err, "request_id", RequestIDFromContext(r.Context()))
		http.Error(w, "could not start sign-in", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	flow, _ := a.flow(r)
	params := oauth.CallbackParamsFromQuery(r.URL.Query())
	completion, err := flow.HandleCallback(r.Context(), params)
	if err != nil {
		a.renderFailure(w, r, flow, params, err)
		return
	}
	a.completeSignIn(w, r, completion)
}

func (a *App) handleRetry(w http.ResponseWriter, r *http.Request) {
	flow, _ := a.flow(r)
	completion, err := flow.RetryExchange(r.Context())
	if err != nil {
		a.renderFailure(w, r, flow, oauth.CallbackParams{}, err)
		return
	}
	a.completeSignIn(w, r, completion)
}

func (a *App) completeSignIn(w http.ResponseWriter, r *http.Request, c *oauth.Completion) {
	name := c.Identity.Name
	if name == "" {
		name = c.Identity.Email
	}
	a.setFlash(r, session.Notice{Level: session.LevelSuccess, Message: "Signed in as " + name + "."})
	target := "/"
	if c.IsAdmin {
		target = "/workspace"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) renderFailure(w http.ResponseWriter, r *http.Request, flow *oauth.Flow, params oauth.CallbackParams, err error) {
	report := oauth.NewFailureReport(a.OAuth.Config(), params, err, a.now())
	a.Logger.Warn("sign-in failed",
		"kind", report.Kind,
		"error", err,
		"state_present", report.StatePresent,
		"request_id", RequestIDFromContext(r.Context()),
	)
	payload, _ := json.MarshalIndent(report, "", "  ")
	a.renderPage(w, failureStatus(err), "failure", failureView{
		Report:   report,
		Payload:  string(payload),
		CanRetry: flow.HasPendingRetry(),
	})
}

func failureStatus(err error) int {
	switch oauth.KindOf(err) {
	case oauth.KindState, oauth.KindProvider, oauth.KindCallback:
		return http.StatusBadRequest
	case oauth.KindTransport, oauth.KindHTTP, oauth.KindParse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *App) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	bridge := session.FromContext(r.Context())
	isAdmin := bridge != nil && bridge.IsAdmin()
	probe := r.URL.Query().Get("probe") == "1"
	// Connectivity checks make outbound requests; only administrators may trigger them.
	if probe && !isAdmin {
		http.Error(w, "administrator role required for connectivity checks", http.StatusForbidden)
		return
	}
	report := diagnostics.Run(r.Context(), a.OAuth.Config(), diagnostics.Options{
		Probe:      probe,
		HTTPClient: a.Outbound,
		Logger:     a.Logger,
		Now:        a.now,
	})
	if wantsJSON(r) {
		writeJSON(w, report)
		return
	}
	a.renderPage(w, http.StatusOK, "diagnostics", diagnosticsView{Report: report, CanProbe: isAdmin})
}

func (a *App) handlePasswordLogin(w http.ResponseWriter, r *http.Request) {
	scope := scopeFromContext(r.Context())
	if scope.backend == nil {
		http.Error(w, "password sign-in is not configured", http.StatusNotFound)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	email := strings.TrimSpace(r.PostFormValue("email"))
	if err := scope.bridge.SignInBackend(r.Context(), email, r.PostFormValue("password")); err != nil {
		a.Logger.Info("password sign-in failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		a.setFlash(r, session.Notice{Level: session.LevelError, Message: "Email or password was not accepted."})
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	a.setFlash(r, session.Notice{Level: session.LevelSuccess, Message: "Signed in as " + email + "."})
	target := "/"
	if scope.bridge.IsAdmin() {
		target = "/workspace"
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	scope := scopeFromContext(r.Context())
	notice, err := scope.bridge.SignOut(r.Context())
	if err != nil {
		a.Logger.Warn("sign out", "error", err, "request_id", RequestIDFromContext(r.Context()))
	}
	a.setFlash(r, notice)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, session.FromContext(r.Context()).View())
}

func (a *App) handlePosts(w http.ResponseWriter, r *http.Request) {
	content, ok := a.contentClient(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	opts := cms.ListOptions{Search: q.Get("search")}
	opts.Page, _ = strconv.Atoi(q.Get("page"))
	opts.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	for _, raw := range strings.Split(q.Get("categories"), ",") {
		if id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil {
			opts.Categories = append(opts.Categories, id)
		}
	}
	posts, err := content.ListPosts(r.Context(), opts)
	if err != nil {
		a.contentError(w, r, err)
		return
	}
	writeJSON(w, posts)
}

func (a *App) handleCategories(w http.ResponseWriter, r *http.Request) {
	content, ok := a.contentClient(w, r)
	if !ok {
		return
	}
	categories, err := content.ListCategories(r.Context())
	if err != nil {
		a.contentError(w, r, err)
		return
	}
	writeJSON(w, categories)
}

// contentClient returns the CMS client, carrying the visitor's WordPress
// token when the provider session is active.
func (a *App) contentClient(w http.ResponseWriter, r *http.Request) (*cms.Client, bool) {
	if a.CMS == nil {
		writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"error": "content api is not configured"})
		return nil, false
	}
	if ps, ok := session.FromContext(r.Context()).Current().(*session.ProviderSession); ok && ps.Token != nil {
		return a.CMS.WithToken(ps.Token.AccessToken), true
	}
	return a.CMS, true
}

func (a *App) contentError(w http.ResponseWriter, r *http.Request, err error) {
	a.Logger.Warn("content request failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeJSONStatus(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
}

func (a *App) handleWorkspace(w http.ResponseWriter, r *http.Request) {
	entries, err := a.Audit.Entries(r.Context(), 0)
	if err != nil {
		a.Logger.Warn("list audit entries", "error", err)
	}
	a.renderPage(w, http.StatusOK, "workspace", workspaceView{
		Session: session.FromContext(r.Context()).View(),
		Notice:  a.takeFlash(r),
		Entries: entries,
	})
}

func (a *App) handleAPILogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := a.Audit.Entries(r.Context(), limit)
	if err != nil {
		writeJSONStatus(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, entries)
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// setFlash stores a notice for the next page render.
func (a *App) setFlash(r *http.Request, n session.Notice) {
	scope := scopeFromContext(r.Context())
	if scope == nil || n.Message == "" {
		return
	}
	if err := scope.durable.Set(storage.KeyFlash, n.String()); err != nil {
		a.Logger.Warn("set flash", "error", err)
	}
}

// takeFlash reads and clears the pending notice.
func (a *App) takeFlash(r *http.Request) *session.Notice {
	scope := scopeFromContext(r.Context())
	raw, ok := scope.durable.Get(storage.KeyFlash)
	if !ok {
		return nil
	}
	_ = scope.durable.Delete(storage.KeyFlash)
	n, ok := session.ParseNotice(raw)
	if !ok {
		return nil
	}
	return &n
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json") || r.URL.Query().Get("format") == "json"
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
