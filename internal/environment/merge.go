package environment

import (
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/animus-labs/animus-pipeline/internal/domain"
)

// Merge combines a base config with a run override. Base services whose name is redeclared by
// the override are dropped, definitions of the same kind are concatenated base first, and
// variables are keyed by name with the override winning. Variables are returned sorted by name.
func Merge(logger *slog.Logger, base, override *domain.EnvironmentConfig) domain.EnvironmentConfig {
	if base == nil {
		base = &domain.EnvironmentConfig{}
	}
	if override == nil {
		return *base
	}

	overrideNames := map[string]bool{}
	for _, s := range override.InfrastructureServices {
		overrideNames[s.Name] = true
	}
	services := make([]domain.InfrastructureServiceDeclaration, 0, len(base.InfrastructureServices)+len(override.InfrastructureServices))
	overridden := make([]string, 0)
	for _, s := range base.InfrastructureServices {
		if overrideNames[s.Name] {
			overridden = append(overridden, s.Name)
			continue
		}
		services = append(services, s)
	}
	services = append(services, override.InfrastructureServices...)
	if len(overridden) > 0 && logger != nil {
		logger.Info("infrastructure services have been overridden", "services", strings.Join(overridden, ", "))
	}

	var definitions map[string][]domain.EnvironmentDefinition
	if len(base.EnvironmentDefinitions) > 0 || len(override.EnvironmentDefinitions) > 0 {
		definitions = map[string][]domain.EnvironmentDefinition{}
		for _, source := range []map[string][]domain.EnvironmentDefinition{base.EnvironmentDefinitions, override.EnvironmentDefinitions} {
			for _, kind := range slices.Sorted(maps.Keys(source)) {
				definitions[kind] = append(definitions[kind], source[kind]...)
			}
		}
	}

	byName := map[string]domain.EnvironmentVariableDeclaration{}
	for _, v := range base.EnvironmentVariables {
		byName[v.Name] = v
	}
	for _, v := range override.EnvironmentVariables {
		byName[v.Name] = v
	}
	var variables []domain.EnvironmentVariableDeclaration
	if len(byName) > 0 {
		variables = make([]domain.EnvironmentVariableDeclaration, 0, len(byName))
		for _, v := range byName {
			variables = append(variables, v)
		}
		sort.Slice(variables, func(i, j int) bool { return variables[i].Name < variables[j].Name })
	}

	strict := base.Strict
	if override.Strict != nil {
		strict = override.Strict
	}

	return domain.EnvironmentConfig{
		InfrastructureServices: services,
		EnvironmentDefinitions: definitions,
		EnvironmentVariables:   variables,
		Strict:                 strict,
	}
}
