package diagnostics

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/oauth"
)

const (
	minClientIDLength     = 10
	minClientSecretLength = 16
)

// StandardScopes are the scopes the WordPress OAuth server understands.
var StandardScopes = []string{"basic", "openid", "profile", "email", "offline_access"}

type check struct {
	name string
	run  func(oauth.Config) Result
}

type endpointRule struct {
	name   string
	suffix string
	value  func(oauth.Config) string
}

var endpointRules = []endpointRule{
	{name: "authorize_endpoint", suffix: "/oauth/authorize", value: func(c oauth.Config) string { return c.AuthorizeEndpoint }},
	{name: "token_endpoint", suffix: "/oauth/token", value: func(c oauth.Config) string { return c.TokenEndpoint }},
	{name: "userinfo_endpoint", suffix: "/oauth/me", value: func(c oauth.Config) string { return c.UserInfoEndpoint }},
	{name: "revoke_endpoint", suffix: "/oauth/revoke", value: func(c oauth.Config) string { return c.RevokeEndpoint }},
}

func configChecks() []check {
	checks := []check{
		{name: "client_id", run: checkClientID},
		{name: "client_secret", run: checkClientSecret},
		{name: "redirect_uri", run: checkRedirectURI},
	}
	for _, rule := range endpointRules {
		checks = append(checks, check{name: rule.name, run: rule.check})
	}
	return append(checks,
		check{name: "cross_domain", run: checkCrossDomain},
		check{name: "scope", run: checkScope},
	)
}

func checkClientID(cfg oauth.Config) Result {
	id := strings.TrimSpace(cfg.ClientID)
	switch {
	case id == "":
		return Result{Verdict: Error, Message: "Client ID is not set.",
			Remediation: "Copy the client ID from WordPress under OAuth Server > Clients and set wordpress.client_id."}
	case len(id) < minClientIDLength:
		return Result{Verdict: Warning, Message: fmt.Sprintf("Client ID is only %d characters long.", len(id)),
			Remediation: "Generated client IDs are usually longer; check it was not truncated when copied."}
	}
	return Result{Verdict: OK, Message: "Client ID is set."}
}

func checkClientSecret(cfg oauth.Config) Result {
	secret := strings.TrimSpace(cfg.ClientSecret)
	switch {
	case secret == "":
		return Result{Verdict: Error, Message: "Client secret is not set.",
			Remediation: "Set SITE_WORDPRESS_CLIENT_SECRET to the secret shown when the client was created."}
	case len(secret) < minClientSecretLength:
		return Result{Verdict: Warning, Message: fmt.Sprintf("Client secret is only %d characters long.", len(secret)),
			Remediation: "Regenerate the secret in WordPress if it was truncated."}
	}
	return Result{Verdict: OK, Message: "Client secret is set."}
}

func checkRedirectURI(cfg oauth.Config) Result {
	raw := strings.TrimSpace(cfg.RedirectURI)
	if raw == "" {
		return Result{Verdict: Error, Message: "Redirect URI is not set.",
			Remediation: "Set wordpress.redirect_uri to the callback URL registered with the client."}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Result{Verdict: Error, Message: fmt.Sprintf("Redirect URI %q is not an absolute URL.", raw),
			Remediation: "Use the full URL, for example https://example.com/auth/wordpress/callback."}
	}

	var problems []string
	if u.Scheme != "https" && !isLoopback(u.Hostname()) {
		problems = append(problems, "it does not use HTTPS")
	}
	if !strings.HasSuffix(strings.TrimSuffix(u.Path, "/"), "/callback") {
		problems = append(problems, "its path does not end in /callback")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		problems = append(problems, "it carries a query string or fragment")
	}
	if len(problems) > 0 {
		return Result{Verdict: Warning, Message: "Redirect URI looks unusual: " + strings.Join(problems, "; ") + ".",
			Remediation: "The redirect URI must match the one registered in WordPress character for character."}
	}
	return Result{Verdict: OK, Message: "Redirect URI is well formed."}
}

func (r endpointRule) check(cfg oauth.Config) Result {
	raw := strings.TrimSpace(r.value(cfg))
	if raw == "" {
		return Result{Verdict: Error, Message: "Endpoint is not set.",
			Remediation: fmt.Sprintf("Set wordpress.%s, usually https://<site>%s.", r.name, r.suffix)}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Result{Verdict: Error, Message: fmt.Sprintf("Endpoint %q is not an absolute URL.", raw)}
	}
	if u.Scheme != "https" && !isLoopback(u.Hostname()) {
		return Result{Verdict: Warning, Message: fmt.Sprintf("Endpoint %s does not use HTTPS.", raw),
			Remediation: "Credentials and tokens travel over this endpoint; serve it over HTTPS."}
	}
	if !strings.HasSuffix(strings.TrimSuffix(u.Path, "/"), r.suffix) {
		return Result{Verdict: Warning, Message: fmt.Sprintf("Endpoint path %q does not end in %s.", u.Path, r.suffix),
			Remediation: "The WordPress OAuth server publishes this endpoint at " + r.suffix + "; check for a typo or a missing rewrite rule."}
	}
	return Result{Verdict: OK, Message: "Endpoint follows the expected path."}
}

func checkCrossDomain(cfg oauth.Config) Result {
	redirect, err1 := url.Parse(cfg.RedirectURI)
	authorize, err2 := url.Parse(cfg.AuthorizeEndpoint)
	if err1 != nil || err2 != nil || redirect.Host == "" || authorize.Host == "" {
		return Result{Verdict: Warning, Message: "Cannot compare the redirect and authorize hosts."}
	}
	if !strings.EqualFold(redirect.Hostname(), authorize.Hostname()) {
		return Result{Verdict: Warning,
			Message:     fmt.Sprintf("Redirect URI host %s differs from provider host %s.", redirect.Hostname(), authorize.Hostname()),
			Remediation: "Cross-domain setups need the WordPress server to allow this site's origin (CORS) for the token and user-info calls."}
	}
	return Result{Verdict: OK, Message: "Site and provider share a host."}
}

func checkScope(cfg oauth.Config) Result {
	scopes := cfg.Scopes()
	if len(scopes) == 0 {
		return Result{Verdict: Warning, Message: "No scope is configured.",
			Remediation: "Set wordpress.scope to \"basic\" to receive the user's roles."}
	}
	var unknown []string
	for _, s := range scopes {
		if !slices.Contains(StandardScopes, s) {
			unknown = append(unknown, s)
		}
	}
	if len(unknown) > 0 {
		return Result{Verdict: Warning, Message: "Non-standard scope: " + strings.Join(unknown, ", ") + ".",
			Remediation: "Supported scopes are " + strings.Join(StandardScopes, ", ") + "."}
	}
	return Result{Verdict: OK, Message: "Scope " + cfg.Scope + " is standard."}
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
