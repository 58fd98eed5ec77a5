package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/shellpool/internal/client"
	"github.com/antonkrylov/shellpool/internal/config"
)

var version = "dev"

type rootOptions struct {
	configPath string
	socketPath string
	logFile    string
	timeout    time.Duration

	config *config.Config
	logger *slog.Logger
	closer io.Closer
}

func (r *rootOptions) prepare() error {
	cfg, err := config.Load(r.configPath)
	if err != nil {
		return err
	}
	r.config = cfg
	if r.socketPath == "" {
		r.socketPath = config.DefaultSocketPath()
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		if r.logFile != "" {
			f, err := os.OpenFile(r.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			r.closer = f
			r.logger = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
		}
	}
	return nil
}

func (r *rootOptions) client() *client.Client {
	c := client.New(r.socketPath)
	c.Logger = r.logger
	c.ConfirmVersionMismatch = confirmVersionMismatch
	return c
}

func (r *rootOptions) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "shellpool",
		Short:         "Keep shell sessions alive across disconnects",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultConfigPath(), "path to shellpool config file (default $SHELLPOOL_HOME/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.socketPath, "socket", "", "control socket path (default $XDG_RUNTIME_DIR/shellpool/shellpool.socket)")
	rootCmd.PersistentFlags().StringVar(&opts.logFile, "log-file", "", "write client logs to this file")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "timeout for control requests")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return opts.prepare()
	}
	rootCmd.PersistentPostRun = func(*cobra.Command, []string) {
		if opts.closer != nil {
			_ = opts.closer.Close()
		}
	}

	rootCmd.AddCommand(newDaemonCmd(opts))
	rootCmd.AddCommand(newAttachCmd(opts))
	rootCmd.AddCommand(newDetachCmd(opts))
	rootCmd.AddCommand(newKillCmd(opts))
	rootCmd.AddCommand(newListCmd(opts))
	rootCmd.AddCommand(newLogCmd(opts))
	rootCmd.AddCommand(newDoctorCmd(opts))
	rootCmd.AddCommand(newConfigCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		log.Fatal(err)
	}
}

// exitError carries the shell's exit status out of cobra.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func parseLogLevel(logLevel string, verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	switch l := strings.ToLower(strings.TrimSpace(logLevel)); l {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		log.Printf("unknown --log-level=%q (expected debug|info|warn|error); defaulting to info", logLevel)
		return slog.LevelInfo
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
