package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/shellpool/internal/daemon"
)

func newDaemonCmd(root *rootOptions) *cobra.Command {
	var logLevel string
	var verbose bool
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the session daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(logLevel, verbose)}))
			ctx, cancel := signalContext()
			defer cancel()

			srv, err := daemon.New(daemon.Config{
				SocketPath: root.socketPath,
				LogDir:     filepath.Join(filepath.Dir(root.socketPath), "logs"),
				Config:     root.config,
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			if err := srv.Start(ctx); err != nil {
				return err
			}
			logger.Info("shellpool daemon started", "build", version)
			<-ctx.Done()
			srv.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable verbose debug logging (same as --log-level=debug)")
	return cmd
}
