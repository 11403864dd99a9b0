package cleanup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type eventPruner interface {
	PruneEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Job trims the webhook dedup set. Rows only need to outlive the payment
// provider's redelivery window, so anything older than the retention is
// dead weight.
type Job struct {
	pruner    eventPruner
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

func New(pruner eventPruner, retention time.Duration, logger *zap.Logger) *Job {
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Job{
		pruner:    pruner,
		retention: retention,
		now:       time.Now,
		logger:    logger,
	}
}

func (j *Job) Run(ctx context.Context) error {
	if j.pruner == nil {
		return nil
	}

	cutoff := j.now().Add(-j.retention)
	rows, err := j.pruner.PruneEventsOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune webhook events: %w", err)
	}
	if rows > 0 {
		j.logger.Info("webhook event cleanup completed", zap.Int64("pruned", rows))
	}
	return nil
}
