// Command coinctl is the operator CLI for the Joy Coin ledger: schema
// migrations, reconciliation, partner keys, grants and test tokens.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/joycircle/backend/internal/config"
)

const programName = "coinctl"

var (
	globalFlags = struct {
		debug bool
	}{}
	configFile string
)

func commonRun() *slog.Logger {
	logLevel := slog.LevelInfo
	if globalFlags.debug {
		logLevel = slog.LevelDebug
	}
	// stdout carries command output; logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}

// openPool connects to the configured database.
func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("no config found in context")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cannot reach PostgreSQL: %w", err)
	}
	return pool, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:          programName,
		Short:        "Operate the Joy Coin ledger",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		StringVar(&configFile, "config", os.Getenv("CONFIG_FILE"), "path to config file")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		commonRun()
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if globalFlags.debug {
			cfg.Debug = true
		}
		cmd.SetContext(config.WithContext(cmd.Context(), cfg))
		return nil
	}

	rootCmd.AddCommand(migrateCommand())
	rootCmd.AddCommand(reconcileCommand())
	rootCmd.AddCommand(partnerCommand())
	rootCmd.AddCommand(grantCommand())
	rootCmd.AddCommand(tokenCommand())

	// cobra has already printed the error
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
