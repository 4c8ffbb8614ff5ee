//go:build integration

package postgres_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/phrazzld/scry-batch/internal/batch"
	"github.com/phrazzld/scry-batch/internal/platform/postgres"
	"github.com/phrazzld/scry-batch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestDB connects to the database named by SCRY_TEST_DB_URL or
// DATABASE_URL and applies all migrations. Tests are skipped when neither is set.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("SCRY_TEST_DB_URL")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		t.Skip("SCRY_TEST_DB_URL or DATABASE_URL not set - skipping integration test")
	}

	db, err := sql.Open("pgx", dbURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, db.PingContext(ctx), "database ping failed")

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, postgres.Migrate(ctx, db, postgres.MigrateUp, quiet))
	return db
}

// withTx runs fn inside a transaction that is always rolled back.
func withTx(t *testing.T, db *sql.DB, fn func(t *testing.T, tx *sql.Tx)) {
	t.Helper()

	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			t.Logf("failed to roll back test transaction: %v", err)
		}
	}()

	fn(t, tx)
}

func TestPostgresJobStore_Integration(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	t.Run("lifecycle", func(t *testing.T) {
		withTx(t, db, func(t *testing.T, tx *sql.Tx) {
			s := postgres.NewPostgresJobStore(tx)
			job := testJob()
			require.NoError(t, s.CreateJob(ctx, job))

			startedAt := time.Now().UTC().Truncate(time.Microsecond)
			require.NoError(t, s.SetJobStatus(ctx, job.ID, batch.JobStatusProcessing, startedAt))
			require.NoError(t, s.UpdateJobCounters(ctx, job.ID, batch.CounterDelta{Processed: 2, Successful: 1, Failed: 1}))
			require.NoError(t, s.UpdateJobCounters(ctx, job.ID, batch.CounterDelta{Processed: 1, Successful: 1}))

			require.NoError(t, s.AppendError(ctx, &batch.JobError{
				ID:            uuid.New(),
				JobID:         job.ID,
				ItemID:        "b",
				ErrorMessage:  "model unavailable",
				AttemptNumber: 3,
				CreatedAt:     startedAt,
			}))

			require.NoError(t, s.SetJobStatus(ctx, job.ID, batch.JobStatusCompleted, startedAt.Add(time.Second)))

			got, err := s.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, batch.JobStatusCompleted, got.Status)
			assert.Equal(t, 3, got.ProcessedItems)
			assert.Equal(t, 2, got.SuccessfulItems)
			assert.Equal(t, 1, got.FailedItems)
			assert.Equal(t, job.Metadata, got.Metadata)
			require.NotNil(t, got.StartedAt)
			assert.True(t, startedAt.Equal(*got.StartedAt))
			require.NotNil(t, got.CompletedAt)
			assert.Nil(t, got.CancelledAt)

			errs, err := s.ListErrors(ctx, job.ID, 0)
			require.NoError(t, err)
			require.Len(t, errs, 1)
			assert.Equal(t, "b", errs[0].ItemID)
			assert.Equal(t, 3, errs[0].AttemptNumber)

			// The refused update is a plain no-op UPDATE, so the transaction stays usable.
			err = s.SetJobStatus(ctx, job.ID, batch.JobStatusCancelled, time.Now())
			assert.ErrorIs(t, err, store.ErrUpdateFailed, "terminal jobs are immutable")
		})
	})

	// A failed statement aborts a postgres transaction, so each violation
	// gets its own transaction.
	t.Run("duplicate job", func(t *testing.T) {
		withTx(t, db, func(t *testing.T, tx *sql.Tx) {
			s := postgres.NewPostgresJobStore(tx)
			job := testJob()
			require.NoError(t, s.CreateJob(ctx, job))
			assert.ErrorIs(t, s.CreateJob(ctx, job), store.ErrDuplicate)
		})
	})

	t.Run("list by status", func(t *testing.T) {
		withTx(t, db, func(t *testing.T, tx *sql.Tx) {
			s := postgres.NewPostgresJobStore(tx)
			pending := testJob()
			processing := testJob()
			require.NoError(t, s.CreateJob(ctx, pending))
			require.NoError(t, s.CreateJob(ctx, processing))
			require.NoError(t, s.SetJobStatus(ctx, processing.ID, batch.JobStatusProcessing, time.Now()))

			jobs, err := s.ListJobsByStatus(ctx, batch.JobStatusProcessing)
			require.NoError(t, err)
			ids := make([]uuid.UUID, 0, len(jobs))
			for _, j := range jobs {
				ids = append(ids, j.ID)
			}
			assert.Contains(t, ids, processing.ID)
			assert.NotContains(t, ids, pending.ID)
		})
	})

	t.Run("unknown job", func(t *testing.T) {
		withTx(t, db, func(t *testing.T, tx *sql.Tx) {
			s := postgres.NewPostgresJobStore(tx)
			_, err := s.GetJob(ctx, uuid.New())
			assert.ErrorIs(t, err, store.ErrJobNotFound)

			err = s.AppendError(ctx, &batch.JobError{
				ID:            uuid.New(),
				JobID:         uuid.New(),
				ItemID:        "x",
				ErrorMessage:  "lost",
				AttemptNumber: 1,
				CreatedAt:     time.Now(),
			})
			assert.ErrorIs(t, err, store.ErrJobNotFound)
		})
	})
}
