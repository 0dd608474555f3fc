package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/xiy/memory-engine/internal/store"
	"github.com/xiy/memory-engine/pkg/types"
)

// Decay attenuates the importance of the user's active memories by the
// whole days since each was last accessed. Memories accessed within the
// last day, and changes smaller than the configured epsilon, are skipped.
// A failing item is counted and the batch moves on.
func (s *Service) Decay(ctx context.Context, userID string) (types.BatchReport, error) {
	user := strings.TrimSpace(userID)
	if user == "" {
		return types.BatchReport{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	report := types.BatchReport{UserID: user}

	items, err := s.query(ctx, "decay.scan", user, store.Query{Filter: store.Active()})
	if err != nil {
		return report, nil
	}

	now := s.clock.Now()
	for _, it := range items {
		report.Attempted++
		switch updated, err := s.decayOne(ctx, user, it.ID, now); {
		case err == nil && updated:
			report.Updated++
		case err == nil, errors.Is(err, store.ErrImmutable), errors.Is(err, store.ErrNotFound):
			// Nothing to write, or the memory changed state since the scan.
			report.Skipped++
		default:
			report.Failed++
		}
	}

	s.logger.Info("decay finished", "user", user, "attempted", report.Attempted,
		"updated", report.Updated, "skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}

// decayOne re-reads one memory under the user's lock and writes its decayed
// importance. The scan only selects candidates, so a merge that landed after
// it is never overwritten.
func (s *Service) decayOne(ctx context.Context, user, id string, now time.Time) (bool, error) {
	unlock := s.locks.lock(user)
	defer unlock()

	it, err := s.reload(ctx, "decay.read", user, id)
	if err != nil {
		return false, err
	}
	if it.Compressed {
		return false, store.ErrImmutable
	}
	next, ok := s.decayed(it, now)
	if !ok {
		return false, nil
	}
	err = s.do(ctx, "decay.update", user, func(ctx context.Context) error {
		return s.store.Update(ctx, user, id, store.Patch{Importance: &next})
	})
	return err == nil, err
}

// decayed returns the new importance of it and whether it should be written.
// Decay never raises importance, so a memory stored below the floor keeps
// its value.
func (s *Service) decayed(it types.MemoryItem, now time.Time) (float64, bool) {
	days := int(now.Sub(it.LastAccessed) / (24 * time.Hour))
	if days <= 0 {
		return it.Importance, false
	}

	bonus := math.Min(1, 1+float64(it.AccessCount)*s.cfg.AccessBonusRate)
	next := it.Importance * math.Pow(1-s.cfg.DecayRate, float64(days)) * bonus
	next = clamp(next, s.cfg.ImportanceFloor, 1)
	if next > it.Importance {
		next = it.Importance
	}
	if math.Abs(next-it.Importance) <= s.cfg.DecayEpsilon {
		return it.Importance, false
	}
	return next, true
}
