package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/phd-nexus/nexus/internal/jobs"
)

// DefaultIdempotencyRetention is how long idempotency keys are kept.
const DefaultIdempotencyRetention = 72 * time.Hour

// SessionPurger drops expired session audit rows.
type SessionPurger interface {
	PurgeExpiredSessions(ctx context.Context) (int64, error)
}

// KeyCleaner drops idempotency keys older than a cutoff.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// SessionPurgeJob is the periodic housekeeping run.
type SessionPurgeJob struct {
	Sessions SessionPurger
	Keys     KeyCleaner
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewSessionPurgeJob initialises the housekeeping handler.
func NewSessionPurgeJob(sessions SessionPurger, keys KeyCleaner, logger *slog.Logger, metrics *jobmetrics.Metrics) *SessionPurgeJob {
	return &SessionPurgeJob{Sessions: sessions, Keys: keys, Logger: logger, Metrics: metrics}
}

// Handle executes the purge. Both steps run even when one fails.
func (j *SessionPurgeJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Sessions == nil {
		return errors.New("session purge: handler not configured")
	}
	var payload SessionPurgePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	retention := DefaultIdempotencyRetention
	if payload.IdempotencyRetentionHours > 0 {
		retention = time.Duration(payload.IdempotencyRetentionHours) * time.Hour
	}

	tracker := j.Metrics.Track(TaskSessionPurge)
	defer func() { err = tracker.End(err) }()

	logger := j.logger()
	purged, sessErr := j.Sessions.PurgeExpiredSessions(ctx)
	if sessErr != nil {
		logger.Error("purge sessions", slog.Any("error", sessErr))
	} else {
		j.Metrics.AddPurged("sessions", purged)
	}

	var keyErr error
	if j.Keys != nil {
		if keyErr = j.Keys.Cleanup(ctx, retention); keyErr != nil {
			logger.Error("cleanup idempotency keys", slog.Any("error", keyErr))
		}
	}

	logger.Info("housekeeping completed", slog.Int64("sessions_purged", purged), slog.Duration("key_retention", retention))
	return errors.Join(sessErr, keyErr)
}

func (j *SessionPurgeJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
