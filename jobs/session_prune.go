package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-iam/internal/jobs"
)

// TaskPruneLoginSessions removes expired login session records.
const TaskPruneLoginSessions = "auth:prune_sessions"

// PruneSessionsPayload configures how long expired records are kept.
type PruneSessionsPayload struct {
	Grace time.Duration `json:"grace"`
}

// NewPruneSessionsTask constructs the periodic prune task.
func NewPruneSessionsTask(grace time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(PruneSessionsPayload{Grace: grace})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPruneLoginSessions, body, asynq.Queue(QueueDefault)), nil
}

// SessionPruner deletes login session rows that expired before cutoff.
type SessionPruner interface {
	PruneSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

// PruneSessionsJob handles TaskPruneLoginSessions.
type PruneSessionsJob struct {
	Pruner  SessionPruner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewPruneSessionsJob wires dependencies for the prune handler.
func NewPruneSessionsJob(pruner SessionPruner, logger *slog.Logger, metrics *jobmetrics.Metrics) *PruneSessionsJob {
	return &PruneSessionsJob{
		Pruner:  pruner,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes prune tasks.
func (j *PruneSessionsJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Pruner == nil {
		return errors.New("prune sessions: handler not configured")
	}
	var payload PruneSessionsPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.Grace < 0 {
		payload.Grace = 0
	}

	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracker := metrics.Track(TaskPruneLoginSessions)

	cutoff := j.clock().Add(-payload.Grace)
	removed, err := j.Pruner.PruneSessions(ctx, cutoff)
	if err != nil {
		logger.Error("prune login sessions", slog.Any("error", err))
		return tracker.End(err)
	}
	logger.Info("pruned login sessions", slog.Int64("removed", removed), slog.Time("cutoff", cutoff))
	return tracker.End(nil)
}
