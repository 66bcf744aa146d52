// Package generators renders build tool configuration files from resolved environment
// definitions.
package generators

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/animus-pipeline/internal/domain"
)

// Generator renders one file. It picks the definitions relevant to it and writes nothing when
// there are none.
type Generator interface {
	Name() string
	Generate(ctx context.Context, b *ConfigFileBuilder, definitions []domain.EnvironmentServiceDefinition) error
}

// BuilderFactory returns a fresh builder for each generator.
type BuilderFactory func() *ConfigFileBuilder

type Result struct {
	Generator string
	Err       error
}

// Defaults returns the generators a worker uses unless configured otherwise.
func Defaults() []Generator {
	return []Generator{NetRC{}, GitCredentials{}, NPM{}, Maven{}}
}

// Run starts all generators concurrently and waits for every one of them. A failing generator
// does not stop its siblings and files already written stay on disk. The returned error joins
// all failures.
func Run(ctx context.Context, logger *slog.Logger, gens []Generator, newBuilder BuilderFactory, definitions []domain.EnvironmentServiceDefinition) ([]Result, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	results := make([]Result, len(gens))
	var g errgroup.Group
	for i, gen := range gens {
		results[i].Generator = gen.Name()
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("generator %s panicked: %v", gen.Name(), r)
				}
				results[i].Err = err
			}()
			if err := gen.Generate(ctx, newBuilder(), definitions); err != nil {
				return fmt.Errorf("generator %s: %w", gen.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	errs := make([]error, 0)
	for _, r := range results {
		if r.Err != nil {
			logger.Error("config file generation failed", "generator", r.Generator, "error", r.Err)
			errs = append(errs, r.Err)
		}
	}
	return results, errors.Join(errs...)
}
