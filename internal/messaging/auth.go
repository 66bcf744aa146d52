package messaging

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/animus-labs/animus-pipeline/internal/platform/env"
)

// AuthConfig configures the client credentials flow used to obtain message auth tokens. An
// empty TokenURL disables tokens.
type AuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

func AuthConfigFromEnv() (AuthConfig, error) {
	cfg := AuthConfig{
		TokenURL: strings.TrimSpace(env.String("PIPELINE_AUTH_TOKEN_URL", "")),
		Scopes:   env.List("PIPELINE_AUTH_SCOPES", nil),
	}
	if !cfg.Enabled() {
		return cfg, nil
	}
	var err error
	if cfg.ClientID, err = env.Required("PIPELINE_AUTH_CLIENT_ID"); err != nil {
		return AuthConfig{}, fmt.Errorf("%w when PIPELINE_AUTH_TOKEN_URL is set", err)
	}
	if cfg.ClientSecret, err = env.Required("PIPELINE_AUTH_CLIENT_SECRET"); err != nil {
		return AuthConfig{}, fmt.Errorf("%w when PIPELINE_AUTH_TOKEN_URL is set", err)
	}
	return cfg, nil
}

func (c AuthConfig) Enabled() bool {
	return c.TokenURL != ""
}

// TokenSource returns a caching client credentials token source, or nil when tokens are disabled.
func (c AuthConfig) TokenSource(ctx context.Context) oauth2.TokenSource {
	if !c.Enabled() {
		return nil
	}
	cc := clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.TokenURL,
		Scopes:       c.Scopes,
	}
	return cc.TokenSource(ctx)
}

// HeaderFactory builds headers for messages that start a new trace.
type HeaderFactory struct {
	Tokens oauth2.TokenSource
}

func (f HeaderFactory) New(traceID string) (Header, error) {
	header := Header{TraceID: traceID}
	if f.Tokens == nil {
		return header, nil
	}
	token, err := f.Tokens.Token()
	if err != nil {
		return Header{}, fmt.Errorf("fetch auth token: %w", err)
	}
	header.AuthToken = token.AccessToken
	return header, nil
}
