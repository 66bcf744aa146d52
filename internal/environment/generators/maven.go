package generators

import (
	"context"
	"encoding/xml"
	"fmt"
	"path/filepath"

	"github.com/animus-labs/animus-pipeline/internal/domain"
)

const KindMaven = "maven"

var MavenSettingsFile = filepath.Join(".m2", "settings.xml")

type mavenSettings struct {
	XMLName xml.Name      `xml:"settings"`
	XMLNS   string        `xml:"xmlns,attr"`
	Servers []mavenServer `xml:"servers>server"`
	Mirrors []mavenMirror `xml:"mirrors>mirror,omitempty"`
}

type mavenServer struct {
	ID       string `xml:"id"`
	Username string `xml:"username"`
	Password string `xml:"password"`
}

type mavenMirror struct {
	ID       string `xml:"id"`
	URL      string `xml:"url"`
	MirrorOf string `xml:"mirrorOf"`
}

// Maven writes a settings.xml with one server per definition of kind "maven". The "id"
// property is required; "mirrorOf" additionally declares the service as a mirror.
type Maven struct{}

func (Maven) Name() string { return "maven" }

func (Maven) Generate(ctx context.Context, b *ConfigFileBuilder, definitions []domain.EnvironmentServiceDefinition) error {
	defs := definitionsOfKind(definitions, KindMaven)
	if len(defs) == 0 {
		return nil
	}

	settings := mavenSettings{XMLNS: "http://maven.apache.org/SETTINGS/1.0.0"}
	for _, d := range defs {
		service := d.EffectiveService()
		id, ok := d.Property("id")
		if !ok || id == "" {
			return fmt.Errorf("maven definition for service %s has no id", service.Name)
		}
		user, password, err := b.Credentials(ctx, service)
		if err != nil {
			return err
		}
		settings.Servers = append(settings.Servers, mavenServer{ID: id, Username: user, Password: password})
		if mirrorOf, ok := d.Property("mirrorOf"); ok && mirrorOf != "" {
			settings.Mirrors = append(settings.Mirrors, mavenMirror{ID: id, URL: service.URL, MirrorOf: mirrorOf})
		}
	}

	out, err := xml.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings.xml: %w", err)
	}
	content := append([]byte(xml.Header), out...)
	content = append(content, '\n')
	_, err = b.WriteFile(MavenSettingsFile, content)
	return err
}
