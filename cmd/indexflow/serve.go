package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/drblury/indexflow"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		fixtures string
		snapshot string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume the notification feed and serve the query API",
		Long: "Starts the indexer. Streams are read from an in-memory ledger seeded with --fixtures; " +
			"embed the indexflow package to plug in a ledger client. SIGHUP reloads the plugin snapshot.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := indexflow.LoadConfig(root.configFile)
			if err != nil {
				return err
			}
			if snapshot != "" {
				cfg.SnapshotPath = snapshot
			}
			logger := indexflow.NewJSONServiceLogger(cfg.LogLevel)

			source := indexflow.NewMemorySource()
			if fixtures != "" {
				n, err := source.LoadFixturesFile(fixtures)
				if err != nil {
					return err
				}
				logger.Info("Loaded fixtures", indexflow.LogFields{"path": fixtures, "documents": n})
			}

			ctx := cmd.Context()
			svc, err := indexflow.NewService(ctx, cfg, logger, indexflow.ServiceDependencies{Source: source})
			if err != nil {
				return err
			}
			go reloadOnHangup(ctx, svc)
			return indexflow.Run(ctx, svc)
		},
	}
	cmd.Flags().StringVar(&fixtures, "fixtures", "", "JSON file with models and streams for the in-memory ledger")
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "Plugin snapshot, overrides snapshot_path")
	return cmd
}

func reloadOnHangup(ctx context.Context, svc *indexflow.Service) {
	if svc.Conf.SnapshotPath == "" {
		return
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := svc.ReloadFromFile(ctx); err != nil {
				svc.Logger.Error("Snapshot reload failed", err, indexflow.LogFields{"path": svc.Conf.SnapshotPath})
				continue
			}
			svc.Logger.Info("Snapshot reloaded", indexflow.LogFields{"path": svc.Conf.SnapshotPath})
		}
	}
}
