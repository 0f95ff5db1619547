package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/shakram02/sqlgateway/internal/config"
)

var cfgFile string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sqlgateway",
		Short:         "Read-only SQL gateway for Postgres, MySQL, SQLite, SQL Server and Oracle",
		Version:       ServerVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $SQLGW_CONFIG)")

	root.AddCommand(newServeCmd(), newPingCmd(), newTemplatesCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFile(cfgFile)
	}
	return config.Load()
}

// newLogger writes to stderr; stdout carries protocol traffic.
func newLogger(cfg *config.Config) *slog.Logger {
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      cfg.Log.SlogLevel(),
		TimeFormat: time.Kitchen,
	}))
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve gateway tools as JSON-RPC over stdin/stdout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			svc, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			logger.Info("sqlgateway started (read-only mode)", "engine", cfg.Engine)
			err = NewServer(svc.gw, cmd.InOrStdin(), cmd.OutOrStdout(), logger).Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				logger.Info("server shutdown gracefully")
				return nil
			}
			return err
		},
	}
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the configured database is reachable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := newApp(cmd.Context(), cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer svc.Close()

			start := time.Now()
			if err := svc.gw.TestConnection(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ok (%s)\n", svc.gw.Dialect(), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

func newTemplatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List registered query templates as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(builtinRegistry().List())
		},
	}
}
