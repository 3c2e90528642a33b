package scheduler

import (
	"context"
	"fmt"

	"github.com/dhima/ledger-bus/internal/logging"
	"go.uber.org/zap"
)

// CleanupJobName is the name the cache sweep is registered under.
const CleanupJobName = "cache-cleanup"

// Sweeper removes expired entries and reports how many it removed.
type Sweeper interface {
	Cleanup(ctx context.Context) (int64, error)
}

// NewCleanupJob wraps a Sweeper as a Job.
func NewCleanupJob(sweeper Sweeper, logger logging.Logger) Job {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return func(ctx context.Context) error {
		removed, err := sweeper.Cleanup(ctx)
		if err != nil {
			return fmt.Errorf("cache cleanup: %w", err)
		}
		logger.Info("cache cleanup finished", zap.Int64("removed", removed))
		return nil
	}
}
