package server

import (
	"bytes"
	"html/template"
	"net/http"
	"time"

	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/audit"
	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/diagnostics"
	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/oauth"
	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/session"
)

type homeView struct {
	Session       session.View
	Notice        *session.Notice
	PasswordLogin bool
}

type failureView struct {
	Report   oauth.FailureReport
	Payload  string
	CanRetry bool
}

type diagnosticsView struct {
	Report   diagnostics.Report
	CanProbe bool
}

type workspaceView struct {
	Session session.View
	Notice  *session.Notice
	Entries []audit.Entry
}

func (a *App) renderPage(w http.ResponseWriter, status int, name string, view any) {
	var buf bytes.Buffer
	if err := pageTemplates.ExecuteTemplate(&buf, name, view); err != nil {
		a.Logger.Error("render page", "page", name, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

var pageTemplates = template.Must(template.New("pages").Funcs(template.FuncMap{
	"stamp": func(t time.Time) string { return t.UTC().Format("2006-01-02 15:04:05") },
	"statusClass": func(status int) string {
		switch {
		case status == 0 || status >= 500:
			return "error"
		case status >= 400:
			return "warning"
		default:
			return "ok"
		}
	},
}).Parse(`
{{define "head"}}<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.}}</title>
<style>
body { font-family: Arial, sans-serif; margin: 2rem auto; max-width: 960px; color: #1d1d1f; }
h1 { font-size: 1.8rem; margin-bottom: 1rem; }
section { margin-bottom: 2rem; }
label { display: block; margin-bottom: 0.5rem; font-weight: 600; }
input[type=text], input[type=email], input[type=password] { width: 100%; padding: 0.5rem; margin-bottom: 1rem; }
button { padding: 0.6rem 1.2rem; font-size: 1rem; cursor: pointer; }
.code { background: #f5f5f5; padding: 1rem; border-radius: 8px; font-family: monospace; white-space: pre-wrap; word-break: break-word; }
.notice { border-radius: 8px; padding: 0.75rem 1rem; margin-bottom: 1.5rem; border: 1px solid #d0d0d5; }
.notice--success, .ok { border-color: #4caf50; background: #eaf7eb; }
.notice--info { border-color: #1976d2; background: #e7f1fb; }
.notice--warning, .warning { border-color: #f9a825; background: #fff8e1; }
.notice--error, .error { border-color: #d32f2f; background: #fbeaea; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #d0d0d5; padding: 0.5rem; text-align: left; font-size: 0.95rem; vertical-align: top; }
th { background: #f0f0f5; }
small { color: #555; }
</style>
</head>
<body>
<nav><a href="/">Home</a> &middot; <a href="/auth/diagnostics">Diagnostics</a></nav>
{{end}}

{{define "notice"}}{{if .}}<div class="notice notice--{{.Level}}">{{.Message}}</div>{{end}}{{end}}

{{define "foot"}}</body>
</html>
{{end}}

{{define "home"}}{{template "head" "Britannia Global Nexus"}}
<h1>Britannia Global Nexus</h1>
{{template "notice" .Notice}}
{{if .Session.SignedIn}}
<section>
  <p>Signed in as <strong>{{if .Session.Name}}{{.Session.Name}}{{else}}{{.Session.Email}}{{end}}</strong>
  <small>via {{.Session.Source}}{{if .Session.IsAdmin}}, administrator{{end}}</small></p>
  {{if .Session.IsAdmin}}<p><a href="/workspace">Open the workspace</a></p>{{end}}
  <form method="post" action="/logout"><button type="submit">Sign out</button></form>
</section>
{{else}}
<section>
  <h2>Sign in</h2>
  <p><a href="/login">Sign in with WordPress</a></p>
</section>
{{if .PasswordLogin}}
<section>
  <h2>Staff sign-in</h2>
  <form method="post" action="/auth/password">
    <label for="email">Email</label>
    <input id="email" name="email" type="email" autocomplete="username" />
    <label for="password">Password</label>
    <input id="password" name="password" type="password" autocomplete="current-password" />
    <button type="submit">Sign in</button>
  </form>
</section>
{{end}}
{{end}}
{{template "foot"}}{{end}}

{{define "failure"}}{{template "head" "Sign-in failed"}}
<h1>Sign-in failed</h1>
<div class="notice notice--error">{{.Report.Message}}</div>
<section>
  <p><a href="/login">Start a new sign-in</a> &middot; <a href="/auth/diagnostics">Run configuration diagnostics</a></p>
  {{if .CanRetry}}
  <form method="post" action="/auth/wordpress/retry">
    <button type="submit">Retry the token exchange</button>
  </form>
  {{end}}
</section>
<section>
  <h2>Details</h2>
  <div class="code">{{.Payload}}</div>
</section>
{{template "foot"}}{{end}}

{{define "diagnostics"}}{{template "head" "OAuth diagnostics"}}
<h1>OAuth diagnostics</h1>
<p><small>Generated {{stamp .Report.GeneratedAt}} UTC.{{if .CanProbe}} <a href="/auth/diagnostics?probe=1">Include connectivity checks</a>{{end}}</small></p>
<table>
  <thead><tr><th>Check</th><th>Verdict</th><th>Finding</th></tr></thead>
  <tbody>
  {{range .Report.Results}}
    <tr class="{{.Verdict}}">
      <td>{{.Name}}</td>
      <td>{{.Verdict}}</td>
      <td>{{.Message}}{{if .Remediation}}<br><small>{{.Remediation}}</small>{{end}}</td>
    </tr>
  {{end}}
  </tbody>
</table>
<section>
  <h2>Configuration</h2>
  <table>
    <tbody>
      <tr><th>client_id</th><td>{{.Report.Config.ClientID}}</td></tr>
      <tr><th>client_secret</th><td>{{.Report.Config.ClientSecret}}</td></tr>
      <tr><th>redirect_uri</th><td>{{.Report.Config.RedirectURI}}</td></tr>
      <tr><th>authorize_endpoint</th><td>{{.Report.Config.AuthorizeEndpoint}}</td></tr>
      <tr><th>token_endpoint</th><td>{{.Report.Config.TokenEndpoint}}</td></tr>
      <tr><th>userinfo_endpoint</th><td>{{.Report.Config.UserInfoEndpoint}}</td></tr>
      <tr><th>revoke_endpoint</th><td>{{.Report.Config.RevokeEndpoint}}</td></tr>
      <tr><th>scope</th><td>{{.Report.Config.Scope}}</td></tr>
    </tbody>
  </table>
</section>
{{template "foot"}}{{end}}

{{define "workspace"}}{{template "head" "Workspace"}}
<h1>Workspace</h1>
{{template "notice" .Notice}}
<p>Signed in as <strong>{{.Session.Email}}</strong> <small>via {{.Session.Source}}</small></p>
<section>
  <h2>Recent API calls</h2>
  {{if .Entries}}
  <table>
    <thead><tr><th>Time</th><th>Request</th><th>Status</th><th>Response</th></tr></thead>
    <tbody>
    {{range .Entries}}
      <tr>
        <td><small>{{stamp .Timestamp}}</small></td>
        <td>{{.Method}} {{.URL}}{{if .RequestBody}}<div class="code">{{.RequestBody}}</div>{{end}}</td>
        <td class="{{statusClass .Status}}">{{.Status}}</td>
        <td><div class="code">{{.ResponseBody}}</div></td>
      </tr>
    {{end}}
    </tbody>
  </table>
  {{else}}
  <p>No calls recorded yet.</p>
  {{end}}
</section>
{{template "foot"}}{{end}}
`))
