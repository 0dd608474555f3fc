// Package maintenance runs the decay and compression passes for every user
// known to the store.
package maintenance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/xiy/memory-engine/pkg/types"
)

// Engine is the maintenance behavior needed by the worker.
type Engine interface {
	Decay(ctx context.Context, userID string) (types.BatchReport, error)
	Compress(ctx context.Context, userID string) (types.CompressReport, error)
}

// UserLister enumerates users that own memories.
type UserLister interface {
	Users(ctx context.Context) ([]string, error)
}

// Result collects the per-user reports of one pass, ordered by user id.
type Result struct {
	Decay    []types.BatchReport
	Compress []types.CompressReport
}

// RunOnce decays and then compresses the memories of every user, with at
// most workers users in flight. Per-user failures are logged and do not stop
// the pass; only failing to list users is an error.
func RunOnce(ctx context.Context, logger *log.Logger, users UserLister, engine Engine, workers int) (Result, error) {
	ids, err := users.Users(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list users: %w", err)
	}
	if workers <= 0 {
		workers = 1
	}

	var (
		mu  sync.Mutex
		res Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, user := range ids {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			decay, err := engine.Decay(gctx, user)
			if err != nil {
				logger.Warn("decay rejected", "user", user, "error", err)
			}
			compress, err := engine.Compress(gctx, user)
			if err != nil {
				logger.Warn("compression rejected", "user", user, "error", err)
			}

			mu.Lock()
			res.Decay = append(res.Decay, decay)
			res.Compress = append(res.Compress, compress)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(res.Decay, func(i, j int) bool { return res.Decay[i].UserID < res.Decay[j].UserID })
	sort.Slice(res.Compress, func(i, j int) bool { return res.Compress[i].UserID < res.Compress[j].UserID })
	return res, ctx.Err()
}

// Start launches the periodic maintenance worker. It blocks until ctx is done.
func Start(ctx context.Context, logger *log.Logger, interval time.Duration, users UserLister, engine Engine, workers int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := RunOnce(ctx, logger, users, engine, workers)
			if err != nil {
				logger.Warn("maintenance pass failed", "error", err)
				continue
			}
			var decayed, compressed int
			for _, r := range res.Decay {
				decayed += r.Updated
			}
			for _, r := range res.Compress {
				compressed += r.Compressed
			}
			logger.Info("maintenance pass finished", "users", len(res.Decay), "decayed", decayed, "compressed", compressed)
		}
	}
}
