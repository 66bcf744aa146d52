package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/environment"
	"github.com/animus-labs/animus-pipeline/internal/messaging"
	"github.com/animus-labs/animus-pipeline/internal/orchestrator"
	pgrepo "github.com/animus-labs/animus-pipeline/internal/repo/postgres"
	"github.com/animus-labs/animus-pipeline/internal/stages/analyzer"
	"github.com/animus-labs/animus-pipeline/internal/stages/generic"
	"github.com/animus-labs/animus-pipeline/internal/worker"
)

func allEndpoints() []messaging.Endpoint {
	endpoints := []messaging.Endpoint{messaging.OrchestratorEndpoint()}
	for _, stage := range domain.Stages {
		endpoints = append(endpoints, messaging.StageEndpoint(stage))
	}
	return endpoints
}

func stageNames() []string {
	names := make([]string, 0, len(domain.Stages))
	for _, stage := range domain.Stages {
		names = append(names, string(stage))
	}
	return names
}

func newOrchestratorCmd(logger *slog.Logger, opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "orchestrator",
		Short: "apply worker results and schedule the next stages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a := newApp(logger.With("service", "orchestrator"))
			defer a.close()

			st, err := a.openStores(ctx, opts.store)
			if err != nil {
				return err
			}
			transports, err := a.openTransports(ctx, opts.transport, "pipeline-orchestrator", allEndpoints()...)
			if err != nil {
				return err
			}
			orch, err := a.newOrchestrator(ctx, st, transports)
			if err != nil {
				return err
			}
			receiver, err := transports.Receiver(messaging.OrchestratorEndpoint())
			if err != nil {
				return err
			}
			return a.serve(ctx, "orchestrator", func(ctx context.Context) error {
				return orch.Run(ctx, receiver)
			})
		},
	}
}

func (a *app) newOrchestrator(ctx context.Context, st stores, transports messaging.Transports) (*orchestrator.Orchestrator, error) {
	headers, err := a.headerFactory(ctx)
	if err != nil {
		return nil, err
	}
	return orchestrator.New(st.runs, st.jobs, a.reconciler(st.jobs), transports, orchestrator.Config{
		Logger:     a.logger,
		Registerer: a.registry,
		Headers:    headers,
	}), nil
}

func newWorkerCmd(logger *slog.Logger, opts *options) *cobra.Command {
	return &cobra.Command{
		Use:       "worker <stage>",
		Short:     "process the stage requests of one stage",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: stageNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stage, err := domain.ParseStage(args[0])
			if err != nil {
				return err
			}
			workerCfg, err := worker.ConfigFromEnv(stage)
			if err != nil {
				return err
			}
			a := newApp(logger.With("service", "worker", "stage", string(stage)))
			defer a.close()

			st, err := a.openStores(ctx, opts.store)
			if err != nil {
				return err
			}
			values, err := a.openSecretValues(ctx, opts.secrets)
			if err != nil {
				return err
			}
			transports, err := a.openTransports(ctx, opts.transport, "pipeline-worker-"+string(stage),
				messaging.StageEndpoint(stage), messaging.OrchestratorEndpoint())
			if err != nil {
				return err
			}
			rt, err := a.workerRuntime(workerCfg, st, a.environmentService(st, values), transports)
			if err != nil {
				return err
			}
			return a.serve(ctx, "worker-"+string(stage), rt.Run)
		},
	}
}

func (a *app) workerRuntime(cfg worker.Config, st stores, envService *environment.Service, transports messaging.Transports) (*worker.Runtime, error) {
	fn, err := a.stageFunc(cfg, envService)
	if err != nil {
		return nil, err
	}
	receiver, err := transports.Receiver(messaging.StageEndpoint(cfg.Stage))
	if err != nil {
		return nil, err
	}
	sender, err := transports.Sender(messaging.OrchestratorEndpoint())
	if err != nil {
		return nil, err
	}
	lifecycle := worker.NewLifecycle(cfg.Stage, st.jobs, st.runs, a.reconciler(st.jobs), fn, a.logger)
	return worker.NewRuntime(worker.RuntimeConfig{
		Stage:      cfg.Stage,
		Receiver:   receiver,
		Sender:     sender,
		Runner:     lifecycle,
		Logger:     a.logger,
		Registerer: a.registry,
	})
}

func (a *app) stageFunc(cfg worker.Config, envService *environment.Service) (worker.StageFunc, error) {
	if cfg.Stage == domain.StageAnalyzer {
		an, err := analyzer.New(analyzer.ConfigFromEnv(), cfg, envService, a.logger)
		if err != nil {
			return nil, err
		}
		return an.Process, nil
	}
	stage, err := generic.New(cfg.Stage, cfg.ConfigDir, envService, a.logger)
	if err != nil {
		return nil, err
	}
	return stage.Process, nil
}

func newMigrateCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "create the ledger tables in postgres",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a := newApp(logger)
			defer a.close()

			db, err := a.openDatabase(ctx)
			if err != nil {
				return err
			}
			if err := pgrepo.Migrate(ctx, db); err != nil {
				return err
			}
			logger.Info("schema applied")
			return nil
		},
	}
}

func newSubmitCmd(logger *slog.Logger, opts *options) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "register the secrets and services of a run file and start the run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			plan, err := loadRunFile(file)
			if err != nil {
				return err
			}
			a := newApp(logger)
			defer a.close()

			st, err := a.openStores(ctx, opts.store)
			if err != nil {
				return err
			}
			if err := plan.register(ctx, st, nil); err != nil {
				return err
			}
			transports, err := a.openTransports(ctx, opts.transport, "pipeline-submit", allEndpoints()...)
			if err != nil {
				return err
			}
			orch, err := a.newOrchestrator(ctx, st, transports)
			if err != nil {
				return err
			}
			if err := orch.Start(ctx, plan.run, ""); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), plan.run.ID)
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "run.yaml", "run file")
	return cmd
}
