package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/session"
	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/storage"
	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/supabase"
)

type requestIDKey struct{}
type requestInfoKey struct{}
type scopeKey struct{}

// requestInfo collects attributes set by inner handlers for the access log.
type requestInfo struct {
	authSource session.Source
}

// RequestIDMiddleware attaches a request ID for traceability.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > 64 {
			reqID = uuid.NewString()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID))
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware emits structured request logs using slog.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			info := &requestInfo{}
			r = r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info))
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			attrs := []any{
				"request_id", RequestIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if info.authSource != session.SourceNone {
				attrs = append(attrs, "auth_source", string(info.authSource))
			}
			logger.Info("http_request", attrs...)
		})
	}
}

// RecoveryMiddleware guards against panics and surfaces stack traces in dev.
func RecoveryMiddleware(logger *slog.Logger, dev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					attrs := []any{"error", err, "request_id", RequestIDFromContext(r.Context())}
					if dev {
						attrs = append(attrs, "stack", string(debug.Stack()))
					}
					logger.Error("panic", attrs...)
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersMiddleware sets browser hardening headers and, on TLS
// requests, HSTS.
func SecurityHeadersMiddleware(hstsMaxAge int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "same-origin")
			if r.TLS != nil && hstsMaxAge > 0 {
				h.Set("Strict-Transport-Security", fmt.Sprintf("max-age=%d; includeSubDomains", hstsMaxAge))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestScope is the per-browser state resolved for one request.
type requestScope struct {
	durable *storage.Cookies
	bridge  *session.Bridge
	backend *supabase.Auth
}

// SessionMiddleware binds cookie storage to the request, resolves the
// unified session and places both on the context.
func (a *App) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := &requestScope{durable: a.Cookies.Bind(w, r)}

		var backend session.BackendAuth
		if a.Supabase != nil {
			scope.backend = a.Supabase.Auth(scope.durable)
			backend = scope.backend
		}
		scope.bridge = session.NewBridge(scope.durable, backend, a.OAuth, a.Logger)
		defer scope.bridge.Close()

		if err := scope.bridge.Start(r.Context()); err != nil {
			a.Logger.Warn("resolve session", "error", err, "request_id", RequestIDFromContext(r.Context()))
		}
		if info, ok := r.Context().Value(requestInfoKey{}).(*requestInfo); ok {
			info.authSource = scope.bridge.Source()
		}

		ctx := context.WithValue(r.Context(), scopeKey{}, scope)
		ctx = session.WithBridge(ctx, scope.bridge)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin rejects visitors whose unified session is not an admin.
func (a *App) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bridge := session.FromContext(r.Context())
		switch {
		case bridge == nil || bridge.Current() == nil:
			a.setFlash(r, session.Notice{Level: session.LevelInfo, Message: "Sign in with an administrator account to open the workspace."})
			http.Redirect(w, r, "/", http.StatusFound)
		case !bridge.IsAdmin():
			http.Error(w, "administrator role required", http.StatusForbidden)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// RequestIDFromContext extracts the request ID.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

func scopeFromContext(ctx context.Context) *requestScope {
	s, _ := ctx.Value(scopeKey{}).(*requestScope)
	return s
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
