package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-batch/internal/platform/postgres"
)

// runMigrations executes a goose command against the embedded migrations.
func runMigrations(ctx context.Context, db *sql.DB, dbURL, command string, logger *slog.Logger) error {
	log := logger.With(
		"correlation_id", uuid.NewString(),
		"database", maskDatabaseURL(dbURL),
	)

	start := time.Now()
	log.Info("starting migration operation", "command", command)

	if err := postgres.Migrate(ctx, db, command, log); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("migration operation completed",
		"command", command,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}
