package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/environment"
	"github.com/animus-labs/animus-pipeline/internal/environment/generators"
	"github.com/animus-labs/animus-pipeline/internal/messaging"
	membus "github.com/animus-labs/animus-pipeline/internal/messaging/memory"
	"github.com/animus-labs/animus-pipeline/internal/messaging/natsjs"
	"github.com/animus-labs/animus-pipeline/internal/platform/env"
	"github.com/animus-labs/animus-pipeline/internal/platform/httpserver"
	"github.com/animus-labs/animus-pipeline/internal/platform/objectstore"
	"github.com/animus-labs/animus-pipeline/internal/platform/postgres"
	"github.com/animus-labs/animus-pipeline/internal/repo"
	memrepo "github.com/animus-labs/animus-pipeline/internal/repo/memory"
	pgrepo "github.com/animus-labs/animus-pipeline/internal/repo/postgres"
	"github.com/animus-labs/animus-pipeline/internal/secrets"
	"github.com/animus-labs/animus-pipeline/internal/service/jobs"
)

const (
	storePostgres = "postgres"
	storeMemory   = "memory"

	secretsEnv    = "env"
	secretsMinIO  = "minio"
	secretsMemory = "memory"
)

// app collects the process wide dependencies of a command and releases them in reverse order.
type app struct {
	logger   *slog.Logger
	registry *prometheus.Registry
	checks   []httpserver.ReadinessCheck
	closers  []func()
}

func newApp(logger *slog.Logger) *app {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &app{logger: logger, registry: registry}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

type stores struct {
	runs     repo.RunRepository
	jobs     repo.JobRepository
	services repo.InfrastructureServiceRepository
	secrets  repo.SecretRepository
	// addSecret registers secret metadata from a run file.
	addSecret func(ctx context.Context, scope domain.SecretScope, secret domain.Secret) error
}

func (a *app) openStores(ctx context.Context, kind string) (stores, error) {
	switch kind {
	case storeMemory:
		secretStore := memrepo.NewSecretStore()
		return stores{
			runs:     memrepo.NewRunStore(),
			jobs:     memrepo.NewJobStore(),
			services: memrepo.NewInfrastructureServiceStore(),
			secrets:  secretStore,
			addSecret: func(_ context.Context, scope domain.SecretScope, secret domain.Secret) error {
				secretStore.Add(scope, secret)
				return nil
			},
		}, nil
	case storePostgres:
		db, err := a.openDatabase(ctx)
		if err != nil {
			return stores{}, err
		}
		secretStore := pgrepo.NewSecretStore(db)
		return stores{
			runs:      pgrepo.NewRunStore(db),
			jobs:      pgrepo.NewJobStore(db),
			services:  pgrepo.NewInfrastructureServiceStore(db),
			secrets:   secretStore,
			addSecret: secretStore.Add,
		}, nil
	default:
		return stores{}, fmt.Errorf("unknown store %q", kind)
	}
}

func (a *app) openDatabase(ctx context.Context) (*sql.DB, error) {
	cfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	db, err := postgres.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	a.closers = append(a.closers, func() { _ = db.Close() })
	a.checks = append(a.checks, httpserver.ReadinessCheck{Name: "postgres", Check: db.PingContext})
	return db, nil
}

// openTransports makes every transport that the default or an endpoint override selects.
func (a *app) openTransports(ctx context.Context, defaultKind, clientName string, endpoints ...messaging.Endpoint) (messaging.Transports, error) {
	kind, err := messaging.ParseTransportType(defaultKind)
	if err != nil {
		return messaging.Transports{}, err
	}
	senders, receivers, err := messaging.TransportTypesFromEnv(endpoints...)
	if err != nil {
		return messaging.Transports{}, err
	}
	transports := messaging.Transports{
		Default:   kind,
		Available: map[messaging.TransportType]messaging.Transport{},
		Senders:   senders,
		Receivers: receivers,
	}
	if uses(transports, messaging.TransportMemory) {
		transports.Available[messaging.TransportMemory] = membus.NewBroker(a.logger)
	}
	if uses(transports, messaging.TransportNATS) {
		t, err := a.openNATS(ctx, clientName)
		if err != nil {
			return messaging.Transports{}, err
		}
		transports.Available[messaging.TransportNATS] = t
	}
	return transports, nil
}

func uses(t messaging.Transports, kind messaging.TransportType) bool {
	if t.Default == kind {
		return true
	}
	for _, choices := range []map[string]messaging.TransportType{t.Senders, t.Receivers} {
		for _, chosen := range choices {
			if chosen == kind {
				return true
			}
		}
	}
	return false
}

func (a *app) openNATS(ctx context.Context, clientName string) (*natsjs.Transport, error) {
	cfg, err := natsjs.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	nc, err := cfg.Connect(clientName)
	if err != nil {
		return nil, fmt.Errorf("nats: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := nc.Drain(); err != nil {
			a.logger.Warn("nats drain failed", "error", err)
		}
	})
	a.checks = append(a.checks, httpserver.ReadinessCheck{Name: "nats", Check: func(context.Context) error {
		if status := nc.Status(); status != nats.CONNECTED {
			return fmt.Errorf("connection is %s", status)
		}
		return nil
	}})
	return natsjs.New(ctx, nc, cfg, a.logger)
}

func (a *app) openSecretValues(ctx context.Context, kind string) (secrets.Store, error) {
	switch kind {
	case secretsEnv:
		return secrets.EnvStore{Prefix: env.String("PIPELINE_SECRETS_ENV_PREFIX", "PIPELINE_SECRET")}, nil
	case secretsMinIO:
		cfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			return nil, err
		}
		client, err := objectstore.NewMinIOClient(cfg)
		if err != nil {
			return nil, err
		}
		if err := objectstore.CheckBuckets(ctx, client, cfg); err != nil {
			return nil, err
		}
		a.checks = append(a.checks, httpserver.ReadinessCheck{Name: "minio", Check: func(ctx context.Context) error {
			return objectstore.CheckBuckets(ctx, client, cfg)
		}})
		return secrets.NewObjectStore(client, cfg)
	case secretsMemory:
		return secrets.MapStore{}, nil
	default:
		return nil, fmt.Errorf("unknown secrets provider %q", kind)
	}
}

func (a *app) headerFactory(ctx context.Context) (messaging.HeaderFactory, error) {
	cfg, err := messaging.AuthConfigFromEnv()
	if err != nil {
		return messaging.HeaderFactory{}, err
	}
	return messaging.HeaderFactory{Tokens: cfg.TokenSource(ctx)}, nil
}

func (a *app) reconciler(jobRepo repo.JobRepository) *jobs.Reconciler {
	return jobs.New(jobRepo, jobs.Config{Logger: a.logger, Registerer: a.registry})
}

func (a *app) environmentService(st stores, values secrets.Store) *environment.Service {
	loader := environment.NewConfigLoader(st.services, st.secrets, a.logger)
	return environment.NewService(st.services, loader, generators.Defaults(), values, a.logger)
}

// serve runs main next to the ops server. Returning from main stops the ops server.
func (a *app) serve(ctx context.Context, service string, main func(ctx context.Context) error) error {
	opsCfg, err := httpserver.ConfigFromEnv(service)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	if opsCfg.Addr != "" {
		handler := httpserver.Handler(a.logger, service, a.registry, a.checks...)
		g.Go(func() error { return httpserver.Run(ctx, a.logger, opsCfg, handler) })
	}
	g.Go(func() error {
		defer cancel()
		return main(ctx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
