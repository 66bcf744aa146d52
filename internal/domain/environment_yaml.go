package domain

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML accepts scalar properties and lists of scalars. Lists are joined with commas, so
// credentialsTypes may be written either way.
func (d *EnvironmentDefinition) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: environment definition must be a mapping", value.Line)
	}
	out := EnvironmentDefinition{}
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]
		switch val.Kind {
		case yaml.ScalarNode:
			out[key.Value] = val.Value
		case yaml.SequenceNode:
			parts := make([]string, 0, len(val.Content))
			for _, item := range val.Content {
				if item.Kind != yaml.ScalarNode {
					return fmt.Errorf("line %d: %s must contain scalars", item.Line, key.Value)
				}
				parts = append(parts, item.Value)
			}
			out[key.Value] = strings.Join(parts, ",")
		default:
			return fmt.Errorf("line %d: unsupported value for %s", val.Line, key.Value)
		}
	}
	*d = out
	return nil
}

// ParseCredentialsTypes parses a comma separated list of credential types.
func ParseCredentialsTypes(value string) ([]CredentialsType, error) {
	out := make([]CredentialsType, 0)
	for _, part := range strings.Split(value, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		switch CredentialsType(part) {
		case "":
			continue
		case CredentialsTypeNetRCFile, CredentialsTypeGitCredentialsFile:
			out = append(out, CredentialsType(part))
		default:
			return nil, fmt.Errorf("unknown credentials type %q", part)
		}
	}
	return out, nil
}
