package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/audit"
	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/oauth"
	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/supabase"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SITE_"

// Audit backends.
const (
	AuditMemory   = "memory"
	AuditSQLite   = "sqlite"
	AuditSupabase = "supabase"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	WordPress WordPressConfig `yaml:"wordpress" envPrefix:"WORDPRESS_"`
	Supabase  SupabaseConfig  `yaml:"supabase" envPrefix:"SUPABASE_"`
	Audit     AuditConfig     `yaml:"audit" envPrefix:"AUDIT_"`
}

// ServerConfig controls listener, TLS, and cookie concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url" env:"PUBLIC_URL"`
	DevListenAddr   string    `yaml:"dev_listen_addr" env:"DEV_LISTEN_ADDR"`
	HTTPListenAddr  string    `yaml:"http_listen_addr" env:"HTTP_LISTEN_ADDR"`
	HTTPSListenAddr string    `yaml:"https_listen_addr" env:"HTTPS_LISTEN_ADDR"`
	DevMode         bool      `yaml:"dev_mode" env:"DEV_MODE"`
	CookieDomain    string    `yaml:"cookie_domain" env:"COOKIE_DOMAIN"`
	CookieSecret    string    `yaml:"cookie_secret" env:"COOKIE_SECRET"`
	SecretsPath     string    `yaml:"secrets_path" env:"SECRETS_PATH"`
	TLS             TLSConfig `yaml:"tls" envPrefix:"TLS_"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains" env:"DOMAINS"`
	Email      string   `yaml:"email" env:"EMAIL"`
	MinVersion string   `yaml:"min_version" env:"MIN_VERSION"`
	HSTSMaxAge int      `yaml:"hsts_max_age" env:"HSTS_MAX_AGE"`
}

// WordPressConfig describes the OAuth client registered with the WordPress
// OAuth server and the REST API root. Endpoints left blank are derived from
// SiteURL.
type WordPressConfig struct {
	SiteURL           string        `yaml:"site_url" env:"SITE_URL"`
	ClientID          string        `yaml:"client_id" env:"CLIENT_ID"`
	ClientSecret      string        `yaml:"client_secret" env:"CLIENT_SECRET"`
	RedirectURI       string        `yaml:"redirect_uri" env:"REDIRECT_URI"`
	AuthorizeEndpoint string        `yaml:"authorize_endpoint" env:"AUTHORIZE_ENDPOINT"`
	TokenEndpoint     string        `yaml:"token_endpoint" env:"TOKEN_ENDPOINT"`
	UserInfoEndpoint  string        `yaml:"userinfo_endpoint" env:"USERINFO_ENDPOINT"`
	RevokeEndpoint    string        `yaml:"revoke_endpoint" env:"REVOKE_ENDPOINT"`
	Scope             string        `yaml:"scope" env:"SCOPE"`
	APIBase           string        `yaml:"api_base" env:"API_BASE"`
	RequestTimeout    time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

// SupabaseConfig enables the password sign-in source. Empty URL disables it.
type SupabaseConfig struct {
	URL        string `yaml:"url" env:"URL"`
	AnonKey    string `yaml:"anon_key" env:"ANON_KEY"`
	JWTSecret  string `yaml:"jwt_secret" env:"JWT_SECRET"`
	RolesTable string `yaml:"roles_table" env:"ROLES_TABLE"`
}

// AuditConfig selects where outbound API calls are recorded.
type AuditConfig struct {
	Backend    string `yaml:"backend" env:"BACKEND"`
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	Table      string `yaml:"table" env:"TABLE"`
	Ceiling    int    `yaml:"ceiling" env:"CEILING"`
	MaxBody    int    `yaml:"max_body" env:"MAX_BODY"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		WordPress: WordPressConfig{
			Scope:          "basic",
			RequestTimeout: oauth.DefaultTimeout,
		},
		Supabase: SupabaseConfig{
			RolesTable: supabase.DefaultRolesTable,
		},
		Audit: AuditConfig{
			Backend:    AuditMemory,
			SQLitePath: "data/audit.db",
			Table:      "api_logs",
			Ceiling:    audit.DefaultCeiling,
			MaxBody:    audit.DefaultMaxBody,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

// applyEnvOverrides layers SITE_* variables over the file values. Unset
// variables leave the file value in place.
func applyEnvOverrides(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// OAuth returns the provider configuration with blank endpoints derived
// from the site URL and the redirect URI derived from the public URL.
func (c Config) OAuth() oauth.Config {
	wp := c.WordPress
	site := strings.TrimSuffix(wp.SiteURL, "/")
	derive := func(v, path string) string {
		if v != "" || site == "" {
			return v
		}
		return site + path
	}
	redirect := wp.RedirectURI
	if redirect == "" {
		redirect = strings.TrimSuffix(c.Server.PublicURL, "/") + CallbackPath
	}
	return oauth.Config{
		ClientID:          wp.ClientID,
		ClientSecret:      wp.ClientSecret,
		RedirectURI:       redirect,
		AuthorizeEndpoint: derive(wp.AuthorizeEndpoint, "/oauth/authorize"),
		TokenEndpoint:     derive(wp.TokenEndpoint, "/oauth/token"),
		UserInfoEndpoint:  derive(wp.UserInfoEndpoint, "/oauth/me"),
		RevokeEndpoint:    derive(wp.RevokeEndpoint, "/oauth/revoke"),
		Scope:             wp.Scope,
	}
}

// ContentAPIBase returns the WordPress REST root, or "" when content
// proxying is not configured.
func (c Config) ContentAPIBase() string {
	if c.WordPress.APIBase != "" {
		return c.WordPress.APIBase
	}
	if c.WordPress.SiteURL != "" {
		return strings.TrimSuffix(c.WordPress.SiteURL, "/") + "/wp-json"
	}
	return ""
}

// Validate performs sanity checks on the config. Missing OAuth client
// credentials are not fatal here; diagnostics report them.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.Server.CookieDomain != "" {
		u, err := url.Parse(c.Server.PublicURL)
		if err != nil {
			return fmt.Errorf("server.public_url: %w", err)
		}
		// e.g. public_url: www.example.com -> cookie_domain: .example.com
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(u.Hostname(), cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", u.Hostname(),
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, u.Hostname())
		}
	}

	if c.Server.CookieSecret != "" && len(c.Server.CookieSecret) < 32 {
		slog.Error("Cookie secret too short", "field", "server.cookie_secret", "min_length", 32)
		return errors.New("server.cookie_secret must be at least 32 characters")
	}

	if c.WordPress.RequestTimeout < 0 {
		return fmt.Errorf("wordpress.request_timeout must not be negative, got: %s", c.WordPress.RequestTimeout)
	}

	for field, v := range map[string]string{
		"wordpress.site_url": c.WordPress.SiteURL,
		"wordpress.api_base": c.WordPress.APIBase,
		"supabase.url":       c.Supabase.URL,
	} {
		if v != "" && !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
			slog.Error("Invalid configuration value", "field", field, "value", v, "reason", "must start with http:// or https://")
			return fmt.Errorf("%s must start with http:// or https://, got: %s", field, v)
		}
	}

	switch c.Audit.Backend {
	case AuditMemory, "":
	case AuditSQLite:
		if c.Audit.SQLitePath == "" {
			return errors.New("audit.sqlite_path is required for the sqlite backend")
		}
	case AuditSupabase:
		if c.Supabase.URL == "" {
			return errors.New("supabase.url is required for the supabase audit backend")
		}
	default:
		slog.Error("Invalid audit backend", "field", "audit.backend", "value", c.Audit.Backend, "valid_values", []string{AuditMemory, AuditSQLite, AuditSupabase})
		return fmt.Errorf("audit.backend must be one of memory, sqlite, supabase, got: %s", c.Audit.Backend)
	}
	if c.Audit.Ceiling < 0 || c.Audit.MaxBody < 0 {
		return errors.New("audit.ceiling and audit.max_body must not be negative")
	}

	return nil
}
