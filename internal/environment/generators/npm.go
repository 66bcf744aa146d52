package generators

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/animus-labs/animus-pipeline/internal/domain"
)

const (
	NPMFile = ".npmrc"
	KindNPM = "npm"

	npmAuthPassword = "PASSWORD"
	npmAuthToken    = "API_TOKEN"
)

// NPM writes registry and authentication entries for definitions of kind "npm". Supported
// properties: scope, email, authMode (PASSWORD or API_TOKEN, default PASSWORD).
type NPM struct{}

func (NPM) Name() string { return "npmrc" }

func (NPM) Generate(ctx context.Context, b *ConfigFileBuilder, definitions []domain.EnvironmentServiceDefinition) error {
	defs := definitionsOfKind(definitions, KindNPM)
	if len(defs) == 0 {
		return nil
	}

	var sb strings.Builder
	for _, d := range defs {
		service := d.EffectiveService()
		registry, err := url.Parse(service.URL)
		if err != nil || registry.Host == "" {
			return fmt.Errorf("service %s: invalid registry url %q", service.Name, service.URL)
		}
		// Auth keys use the registry URL without its scheme.
		prefix := "//" + registry.Host + strings.TrimSuffix(registry.Path, "/") + "/"

		if scope, ok := d.Property("scope"); ok && scope != "" {
			fmt.Fprintf(&sb, "@%s:registry=%s\n", strings.TrimPrefix(scope, "@"), service.URL)
		} else {
			fmt.Fprintf(&sb, "registry=%s\n", service.URL)
		}

		mode := npmAuthPassword
		if v, ok := d.Property("authMode"); ok && v != "" {
			mode = strings.ToUpper(v)
		}
		switch mode {
		case npmAuthToken:
			token, err := b.Secret(ctx, service.PasswordSecret)
			if err != nil {
				return err
			}
			fmt.Fprintf(&sb, "%s:_authToken=%s\n", prefix, token)
		case npmAuthPassword:
			user, password, err := b.Credentials(ctx, service)
			if err != nil {
				return err
			}
			fmt.Fprintf(&sb, "%s:username=%s\n", prefix, user)
			fmt.Fprintf(&sb, "%s:_password=%s\n", prefix, base64.StdEncoding.EncodeToString([]byte(password)))
		default:
			return fmt.Errorf("service %s: unknown npm authMode %q", service.Name, mode)
		}
		if email, ok := d.Property("email"); ok && email != "" {
			fmt.Fprintf(&sb, "%s:email=%s\n", prefix, email)
		}
	}
	_, err := b.WriteFile(NPMFile, []byte(sb.String()))
	return err
}
