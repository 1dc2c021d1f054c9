// Package cli implements the funnelctl operator commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ashureev/funnel-relay/internal/app"
	"github.com/ashureev/funnel-relay/internal/config"
	"github.com/ashureev/funnel-relay/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func init() {
	_ = godotenv.Load()
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func logger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// loadApp builds the full component graph from the environment.
func loadApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.New(ctxOrBackground(cmd), cfg, logger(cmd))
}

// openStore opens the database named by --db.
func openStore(cmd *cobra.Command) (*store.SQLiteStore, error) {
	dbPath, _ := cmd.Flags().GetString("db")
	repo, err := store.NewSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := repo.Ping(cmd.Context()); err != nil {
		_ = repo.Close()
		return nil, err
	}
	return repo, nil
}

func addDBFlag(cmd *cobra.Command) {
	cmd.Flags().String("db", envOr("DB_PATH", "./data/funnel.db"), "SQLite database path")
}

func ctxOrBackground(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
