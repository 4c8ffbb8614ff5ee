package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/phrazzld/scry-batch/internal/batch"
	"github.com/phrazzld/scry-batch/internal/config"
	"github.com/phrazzld/scry-batch/internal/events"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCache(t *testing.T) (*ProgressCache, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewProgressCache(client, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil))), server
}

func progressEvent(t *testing.T, eventType string, progress batch.Progress) *events.JobEvent {
	t.Helper()
	event, err := events.NewJobEvent(eventType, progress.JobID, string(progress.Status), progress)
	require.NoError(t, err)
	return event
}

func TestProgressCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	cache, server := setupCache(t)

	jobID := uuid.New()
	progress := batch.Progress{
		JobID:           jobID,
		JobType:         batch.DefaultJobType,
		Status:          batch.JobStatusProcessing,
		TotalItems:      10,
		ProcessedItems:  4,
		SuccessfulItems: 3,
		FailedItems:     1,
		Percentage:      40,
		RecentErrors: []batch.JobError{{
			ID:            uuid.New(),
			JobID:         jobID,
			ItemID:        "item-2",
			ErrorMessage:  "timeout",
			AttemptNumber: 3,
			CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
		}},
	}

	require.NoError(t, cache.HandleEvent(ctx, progressEvent(t, events.JobProgress, progress)))

	assert.True(t, server.Exists(KeyPrefix+jobID.String()))
	assert.Equal(t, time.Hour, server.TTL(KeyPrefix+jobID.String()))

	got, err := cache.GetProgress(ctx, jobID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, batch.JobStatusProcessing, got.Status)
	assert.Equal(t, 4, got.ProcessedItems)
	require.Len(t, got.RecentErrors, 1)
	assert.Equal(t, "item-2", got.RecentErrors[0].ItemID)
}

func TestProgressCache_LatestEventWins(t *testing.T) {
	ctx := context.Background()
	cache, _ := setupCache(t)
	jobID := uuid.New()

	for _, status := range []batch.JobStatus{batch.JobStatusProcessing, batch.JobStatusCompleted} {
		p := batch.Progress{JobID: jobID, Status: status, TotalItems: 1, RecentErrors: []batch.JobError{}}
		require.NoError(t, cache.HandleEvent(ctx, progressEvent(t, events.JobStarted, p)))
	}

	got, err := cache.GetProgress(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, batch.JobStatusCompleted, got.Status)
}

func TestProgressCache_Miss(t *testing.T) {
	cache, _ := setupCache(t)

	got, err := cache.GetProgress(context.Background(), uuid.New())
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestProgressCache_Expiry(t *testing.T) {
	ctx := context.Background()
	cache, server := setupCache(t)
	jobID := uuid.New()

	p := batch.Progress{JobID: jobID, Status: batch.JobStatusCompleted}
	require.NoError(t, cache.HandleEvent(ctx, progressEvent(t, events.JobCompleted, p)))

	server.FastForward(time.Hour + time.Second)

	got, err := cache.GetProgress(ctx, jobID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestProgressCache_CorruptSnapshot(t *testing.T) {
	cache, server := setupCache(t)
	jobID := uuid.New()
	require.NoError(t, server.Set(KeyPrefix+jobID.String(), "{broken"))

	got, err := cache.GetProgress(context.Background(), jobID)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestProgressCache_ServerError(t *testing.T) {
	ctx := context.Background()
	cache, server := setupCache(t)
	server.SetError("LOADING")

	_, err := cache.GetProgress(ctx, uuid.New())
	assert.Error(t, err)

	p := batch.Progress{JobID: uuid.New(), Status: batch.JobStatusPending}
	assert.Error(t, cache.HandleEvent(ctx, progressEvent(t, events.JobCreated, p)))
}

func TestProgressCache_IgnoresEmptyEvents(t *testing.T) {
	cache, server := setupCache(t)

	require.NoError(t, cache.HandleEvent(context.Background(), nil))
	require.NoError(t, cache.HandleEvent(context.Background(), &events.JobEvent{JobID: uuid.New()}))
	assert.Empty(t, server.Keys())
}

func TestProgressCache_Delete(t *testing.T) {
	ctx := context.Background()
	cache, server := setupCache(t)
	jobID := uuid.New()

	p := batch.Progress{JobID: jobID, Status: batch.JobStatusCancelled}
	require.NoError(t, cache.HandleEvent(ctx, progressEvent(t, events.JobCancelled, p)))
	require.NoError(t, cache.Delete(ctx, jobID))
	assert.False(t, server.Exists(KeyPrefix+jobID.String()))
}

func TestNewClient(t *testing.T) {
	server := miniredis.RunT(t)

	client, err := NewClient(context.Background(), config.RedisConfig{Addr: server.Addr()})
	require.NoError(t, err)
	_ = client.Close()

	server.Close()
	_, err = NewClient(context.Background(), config.RedisConfig{Addr: server.Addr()})
	assert.Error(t, err)
}
