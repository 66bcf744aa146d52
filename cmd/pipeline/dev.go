package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/messaging"
	"github.com/animus-labs/animus-pipeline/internal/repo"
	"github.com/animus-labs/animus-pipeline/internal/secrets"
	"github.com/animus-labs/animus-pipeline/internal/worker"
)

// newDevCmd runs one run file in a single process: in-memory ledger, in-memory broker, the
// orchestrator and one worker per configured stage.
func newDevCmd(logger *slog.Logger, _ *options) *cobra.Command {
	var (
		file string
		poll time.Duration
	)
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "execute a run file in process with in-memory storage and messaging",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			plan, err := loadRunFile(file)
			if err != nil {
				return err
			}
			a := newApp(logger.With("service", "dev"))
			defer a.close()

			st, err := a.openStores(ctx, storeMemory)
			if err != nil {
				return err
			}
			values := secrets.MapStore{}
			if err := plan.register(ctx, st, values); err != nil {
				return err
			}
			transports, err := a.openTransports(ctx, string(messaging.TransportMemory), "pipeline-dev")
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

			home, err := os.MkdirTemp("", "pipeline-dev-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(home)

			envService := a.environmentService(st, values)
			var runtimes []*worker.Runtime
			for _, stage := range domain.Stages {
				if _, ok := plan.run.JobConfigs.For(stage); !ok {
					continue
				}
				cfg, err := worker.ConfigFromEnv(stage)
				if err != nil {
					return err
				}
				cfg.ConfigDir = filepath.Join(home, string(stage))
				if err := os.MkdirAll(cfg.ConfigDir, 0o700); err != nil {
					return err
				}
				rt, err := a.workerRuntime(cfg, st, envService, transports)
				if err != nil {
					return fmt.Errorf("%s worker: %w", stage, err)
				}
				runtimes = append(runtimes, rt)
			}

			return a.serve(ctx, "dev", func(ctx context.Context) error {
				g, ctx := errgroup.WithContext(ctx)
				ctx, stop := context.WithCancel(ctx)
				defer stop()

				g.Go(func() error { return orch.Run(ctx, receiver) })
				for _, rt := range runtimes {
					g.Go(func() error { return rt.Run(ctx) })
				}

				var final domain.Run
				g.Go(func() error {
					defer stop()
					if err := orch.Start(ctx, plan.run, ""); err != nil {
						return fmt.Errorf("start run: %w", err)
					}
					run, err := waitForRun(ctx, st.runs, plan.run.ID, poll)
					final = run
					return err
				})
				if err := g.Wait(); err != nil {
					return err
				}
				return a.reportRun(cmd.Context(), st.jobs, final)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "run.yaml", "run file")
	cmd.Flags().DurationVar(&poll, "poll", 200*time.Millisecond, "run status poll interval")
	return cmd
}

// waitForRun polls the run until it is terminal.
func waitForRun(ctx context.Context, runs repo.RunRepository, id string, interval time.Duration) (domain.Run, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := runs.GetRun(ctx, id)
		if err != nil {
			return domain.Run{}, err
		}
		if run.Status.IsTerminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *app) reportRun(ctx context.Context, jobRepo repo.JobRepository, run domain.Run) error {
	list, err := jobRepo.ListForRun(ctx, run.ID)
	if err != nil {
		return err
	}
	for _, job := range list {
		a.logger.Info("job", "run_id", run.ID, "stage", string(job.Stage), "status", string(job.Status))
	}
	a.logger.Info("run completed", "run_id", run.ID, "status", string(run.Status))
	if run.Status == domain.RunStatusFailed {
		return fmt.Errorf("run %s failed", run.ID)
	}
	return nil
}
