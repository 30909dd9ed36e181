package oauth

import (
	"strings"

	"golang.org/x/oauth2"
)

const maskedSecret = "********"

// Config is the fixed configuration of the single WordPress OAuth provider.
type Config struct {
	ClientID          string `json:"client_id"`
	ClientSecret      string `json:"client_secret"`
	RedirectURI       string `json:"redirect_uri"`
	AuthorizeEndpoint string `json:"authorize_endpoint"`
	TokenEndpoint     string `json:"token_endpoint"`
	UserInfoEndpoint  string `json:"userinfo_endpoint"`
	RevokeEndpoint    string `json:"revoke_endpoint"`
	Scope             string `json:"scope"`
}

// ConfigProvider exposes the provider configuration. Implementations must
// return the same value for the lifetime of the process.
type ConfigProvider interface {
	Config() Config
}

// StaticConfig is a ConfigProvider over a value fixed at startup.
type StaticConfig Config

// Config returns the fixed configuration.
func (c StaticConfig) Config() Config {
	return Config(c)
}

// Masked returns a copy safe to echo back to operators.
func (c Config) Masked() Config {
	if c.ClientSecret != "" {
		c.ClientSecret = maskedSecret
	}
	return c
}

// Scopes splits the scope string on whitespace.
func (c Config) Scopes() []string {
	return strings.Fields(c.Scope)
}

func (c Config) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Scopes:       c.Scopes(),
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.AuthorizeEndpoint,
			TokenURL:  c.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}
