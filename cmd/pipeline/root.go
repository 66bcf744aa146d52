package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/animus-labs/animus-pipeline/internal/platform/env"
)

type options struct {
	store     string
	transport string
	secrets   string
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "pipeline",
		Short:         "orchestrates analysis runs across stage workers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.store, "store", env.String("PIPELINE_STORE", storePostgres),
		"ledger storage: postgres or memory")
	root.PersistentFlags().StringVar(&opts.transport, "transport", env.String("PIPELINE_TRANSPORT_TYPE", "nats"),
		"default message transport: nats or memory")
	root.PersistentFlags().StringVar(&opts.secrets, "secrets", env.String("PIPELINE_SECRETS_PROVIDER", secretsEnv),
		"secret values provider: env, minio or memory")

	root.AddCommand(
		newOrchestratorCmd(logger, opts),
		newWorkerCmd(logger, opts),
		newMigrateCmd(logger),
		newSubmitCmd(logger, opts),
		newDevCmd(logger, opts),
	)
	return root
}
