// Package redis publishes batch job progress snapshots to Redis so any
// process can answer status queries for jobs it does not own.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-batch/internal/batch"
	"github.com/phrazzld/scry-batch/internal/config"
	"github.com/phrazzld/scry-batch/internal/events"
	goredis "github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces progress snapshots.
const KeyPrefix = "scry:batch:progress:"

// ProgressCache stores the latest Progress of each job as JSON.
// It reads through batch.ProgressCache and writes as an events.EventHandler.
type ProgressCache struct {
	client goredis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

var (
	_ batch.ProgressCache = (*ProgressCache)(nil)
	_ events.EventHandler = (*ProgressCache)(nil)
)

// NewClient builds a client from cfg and verifies it with PING.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// NewProgressCache wraps client. Snapshots expire after ttl.
func NewProgressCache(client goredis.UniversalClient, ttl time.Duration, logger *slog.Logger) *ProgressCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressCache{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "redis_progress_cache"),
	}
}

func progressKey(jobID uuid.UUID) string {
	return KeyPrefix + jobID.String()
}

// HandleEvent stores the event's progress snapshot. Every lifecycle event
// carries a full snapshot, so the newest write always wins.
func (c *ProgressCache) HandleEvent(ctx context.Context, event *events.JobEvent) error {
	if event == nil || len(event.Payload) == 0 {
		return nil
	}
	if err := c.client.Set(ctx, progressKey(event.JobID), []byte(event.Payload), c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache progress for job %s: %w", event.JobID, err)
	}
	return nil
}

// GetProgress returns the cached snapshot, or nil when none is stored.
func (c *ProgressCache) GetProgress(ctx context.Context, jobID uuid.UUID) (*batch.Progress, error) {
	raw, err := c.client.Get(ctx, progressKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cached progress for job %s: %w", jobID, err)
	}

	event := events.JobEvent{Payload: raw}
	var progress batch.Progress
	if err := event.UnmarshalPayload(&progress); err != nil {
		c.logger.WarnContext(ctx, "discarding unreadable progress snapshot",
			"job_id", jobID,
			"error", err)
		return nil, nil
	}
	if progress.RecentErrors == nil {
		progress.RecentErrors = []batch.JobError{}
	}
	return &progress, nil
}

// Delete removes a job's snapshot.
func (c *ProgressCache) Delete(ctx context.Context, jobID uuid.UUID) error {
	return c.client.Del(ctx, progressKey(jobID)).Err()
}
