package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/botjuris/botjuris/internal/app"
	"github.com/botjuris/botjuris/internal/config"
)

var version = "dev"

func Execute() error {
	root := &cobra.Command{
		Use:           "botjuris",
		Short:         "WhatsApp legal assistance bot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCommand(), workerCommand(), indexCommand(), versionCommand())
	return root.Execute()
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server, worker pool and corpus watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, logger, runtime, err := bootstrap()
			if err != nil {
				return err
			}
			logger.Info("starting botjuris", "version", version)
			return runtime.Run(ctx)
		},
	}
}

func workerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the queue workers and maintenance jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, logger, runtime, err := bootstrap()
			if err != nil {
				return err
			}
			logger.Info("starting botjuris worker", "version", version)
			return runtime.RunWorker(ctx)
		},
	}
}

func indexCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Rebuild the knowledge collection from the corpus directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, logger, runtime, err := bootstrap()
			if err != nil {
				return err
			}
			logger.Info("reindexing corpus")
			return runtime.Reindex(ctx)
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}
}

func bootstrap() (context.Context, *slog.Logger, *app.Runtime, error) {
	cfg := config.FromEnv()
	logger := newLogger(cfg.Environment)
	slog.SetDefault(logger)

	// The stop function is deliberately kept for the process lifetime;
	// a second signal kills the process through the default handler.
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	runtime, err := app.New(cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return ctx, logger, runtime, nil
}

func newLogger(environment string) *slog.Logger {
	if environment == "development" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
