package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router for the site.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	hsts := a.Config.Server.TLS.HSTSMaxAge
	if a.Config.Server.DevMode {
		hsts = 0
	}
	r.Use(SecurityHeadersMiddleware(hsts))

	r.Get("/healthz", a.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(a.SessionMiddleware)

		r.Get("/", a.handleHome)
		r.Get("/login", a.handleLogin)
		r.Get(CallbackPath, a.handleCallback)
		r.Post("/auth/wordpress/retry", a.handleRetry)
		r.Get("/auth/diagnostics", a.handleDiagnostics)
		r.Post("/auth/password", a.handlePasswordLogin)
		r.Post("/logout", a.handleLogout)

		r.Get("/api/session", a.handleSession)
		r.Get("/api/posts", a.handlePosts)
		r.Get("/api/categories", a.handleCategories)

		r.Group(func(r chi.Router) {
			r.Use(a.RequireAdmin)
			r.Get("/workspace", a.handleWorkspace)
			r.Get("/workspace/api-logs", a.handleAPILogs)
		})
	})

	return r
}
