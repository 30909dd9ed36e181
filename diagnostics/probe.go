package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v3"
	"golang.org/x/sync/errgroup"

	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/oauth"
)

type discoveryClaims struct {
	JWKSURI string `json:"jwks_uri"`
}

// probe runs the network checks. Reachability and discovery run side by
// side; the JWKS check follows discovery.
func probe(ctx context.Context, cfg oauth.Config, opts Options) []Result {
	var reach, discovery, keys Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reach = runCheck("reachability", func() Result { return probeReachability(gctx, cfg, opts) })
		return nil
	})
	g.Go(func() error {
		var jwksURI string
		discovery = runCheck("discovery", func() Result {
			res, uri := probeDiscovery(gctx, cfg, opts)
			jwksURI = uri
			return res
		})
		keys = runCheck("jwks", func() Result { return probeJWKS(gctx, jwksURI, opts) })
		return nil
	})
	_ = g.Wait()
	return []Result{reach, discovery, keys}
}

func probeReachability(ctx context.Context, cfg oauth.Config, opts Options) Result {
	if cfg.AuthorizeEndpoint == "" {
		return Result{Verdict: Error, Message: "Skipped: no authorize endpoint to contact."}
	}
	ctx, cancel := context.WithTimeout(ctx, opts.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, cfg.AuthorizeEndpoint, nil)
	if err != nil {
		return Result{Verdict: Error, Message: fmt.Sprintf("Cannot build request: %v", err)}
	}
	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return Result{Verdict: Error, Message: fmt.Sprintf("Provider is unreachable: %v", err),
			Remediation: "Check DNS, TLS and firewall rules between this server and WordPress."}
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return Result{Verdict: Warning, Message: fmt.Sprintf("Provider answered HTTP %d.", resp.StatusCode),
			Remediation: "WordPress is reachable but failing; check its error log."}
	}
	return Result{Verdict: OK, Message: fmt.Sprintf("Provider answered HTTP %d.", resp.StatusCode)}
}

func probeDiscovery(ctx context.Context, cfg oauth.Config, opts Options) (Result, string) {
	issuer, err := issuerOf(cfg.AuthorizeEndpoint)
	if err != nil {
		return Result{Verdict: Warning, Message: fmt.Sprintf("Skipped: %v", err)}, ""
	}
	ctx, cancel := context.WithTimeout(ctx, opts.ProbeTimeout)
	defer cancel()

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, opts.HTTPClient), issuer)
	if err != nil {
		return Result{Verdict: Warning, Message: fmt.Sprintf("No OpenID discovery document at %s: %v", issuer, err),
			Remediation: "Plain OAuth2 sign-in works without discovery; enable OpenID Connect in the OAuth server to publish it."}, ""
	}
	var claims discoveryClaims
	if err := provider.Claims(&claims); err != nil {
		return Result{Verdict: Warning, Message: fmt.Sprintf("Discovery document is unreadable: %v", err)}, ""
	}
	endpoint := provider.Endpoint()
	if endpoint.AuthURL != "" && endpoint.AuthURL != cfg.AuthorizeEndpoint {
		return Result{Verdict: Warning,
			Message:     fmt.Sprintf("Discovery advertises authorize endpoint %s.", endpoint.AuthURL),
			Remediation: "Set wordpress.authorize_endpoint to the advertised value."}, claims.JWKSURI
	}
	return Result{Verdict: OK, Message: "Discovery document found at " + issuer + "."}, claims.JWKSURI
}

func probeJWKS(ctx context.Context, jwksURI string, opts Options) Result {
	if jwksURI == "" {
		return Result{Verdict: OK, Message: "Skipped: provider does not advertise signing keys."}
	}
	ctx, cancel := context.WithTimeout(ctx, opts.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return Result{Verdict: Error, Message: fmt.Sprintf("Cannot build request: %v", err)}
	}
	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return Result{Verdict: Error, Message: fmt.Sprintf("Key set is unreachable: %v", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{Verdict: Error, Message: fmt.Sprintf("Key set answered HTTP %d.", resp.StatusCode)}
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{Verdict: Error, Message: fmt.Sprintf("Read key set: %v", err)}
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(raw, &set); err != nil {
		return Result{Verdict: Error, Message: fmt.Sprintf("Key set is not valid JWKS: %v", err)}
	}
	if len(set.Keys) == 0 {
		return Result{Verdict: Warning, Message: "Key set is empty."}
	}
	for _, k := range set.Keys {
		if !k.Valid() || !k.IsPublic() {
			return Result{Verdict: Warning, Message: fmt.Sprintf("Key %q is not a valid public key.", k.KeyID)}
		}
	}
	return Result{Verdict: OK, Message: fmt.Sprintf("Key set holds %d signing keys.", len(set.Keys))}
}

func issuerOf(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("authorize endpoint %q is not an absolute URL", endpoint)
	}
	return u.Scheme + "://" + u.Host, nil
}
