package maintenance

import (
	"context"
	"fmt"
	"time"

	"session-auth/internal/auth"
)

// Pruner removes expired rows outside the auth state, such as old audit
// events. *audit.Repository implements it.
type Pruner interface {
	Prune(ctx context.Context, now time.Time) (int, error)
}

type pruningSweeper struct {
	sweeper Sweeper
	pruner  Pruner
	now     func() time.Time
}

// WithPruning runs pruner after every sweep and reports its count as
// AuditEvents.
func WithPruning(sweeper Sweeper, pruner Pruner) Sweeper {
	return &pruningSweeper{
		sweeper: sweeper,
		pruner:  pruner,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *pruningSweeper) Sweep(ctx context.Context) (auth.SweepResult, error) {
	result, err := s.sweeper.Sweep(ctx)
	if err != nil {
		return result, err
	}

	pruned, err := s.pruner.Prune(ctx, s.now())
	if err != nil {
		return result, fmt.Errorf("prune audit log: %w", err)
	}
	result.AuditEvents = pruned
	return result, nil
}
