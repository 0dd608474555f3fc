package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/xiy/memory-engine/internal/store"
	"github.com/xiy/memory-engine/internal/vector"
	"github.com/xiy/memory-engine/pkg/types"
)

// SearchSimilar ranks the user's active memories by cosine similarity to the
// query. Only memories scoring at least the threshold are returned, best
// first; a nil threshold means the configured default. A store failure
// yields an empty list.
func (s *Service) SearchSimilar(ctx context.Context, in types.SearchInput) ([]types.SearchResult, error) {
	user := strings.TrimSpace(in.UserID)
	if user == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return []types.SearchResult{}, nil
	}
	limit := in.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultSearchLimit
	}
	threshold := s.cfg.DefaultSearchThreshold
	if in.Threshold != nil && !math.IsNaN(*in.Threshold) {
		threshold = *in.Threshold
	}

	vec := s.embed.Generate(ctx, query)
	results, err := s.scan(ctx, "search", user, strings.TrimSpace(in.Category), vec, threshold)
	if err != nil {
		return []types.SearchResult{}, nil
	}
	if len(results) > limit {
		results = results[:limit]
	}

	if in.Touch {
		s.touch(ctx, user, results)
	}
	return results, nil
}

// scan scores every active memory of the user against vec and returns those
// at or above threshold, sorted by score descending. Equal scores keep the
// store's order.
func (s *Service) scan(ctx context.Context, op, user, category string, vec []float32, threshold float64) ([]types.SearchResult, error) {
	items, err := s.query(ctx, op, user, store.Query{
		Filter: store.Filter{Category: category, Compressed: store.Bool(false)},
	})
	if err != nil {
		return nil, err
	}
	return rank(items, vec, threshold), nil
}

func rank(items []types.MemoryItem, vec []float32, threshold float64) []types.SearchResult {
	results := make([]types.SearchResult, 0, len(items))
	for _, it := range items {
		score := vector.CosineSimilarity(vec, it.Embedding)
		if score < threshold {
			continue
		}
		results = append(results, types.SearchResult{Item: it, Score: score})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results
}

// touch records a read-for-ranking access on each result. It runs under
// the user's lock and counts from a fresh read, so a merge that landed after
// the scan is not overwritten. Failures are logged and leave the returned
// result unchanged.
func (s *Service) touch(ctx context.Context, user string, results []types.SearchResult) {
	unlock := s.locks.lock(user)
	defer unlock()

	now := s.clock.Now()
	for i := range results {
		it := &results[i].Item
		current, err := s.reload(ctx, "search.touch_read", user, it.ID)
		if err != nil || current.Compressed {
			continue
		}
		count := current.AccessCount + 1
		err = s.do(ctx, "search.touch", user, func(ctx context.Context) error {
			return s.store.Update(ctx, user, it.ID, store.Patch{AccessCount: &count, LastAccessed: &now})
		})
		if err != nil {
			continue
		}
		it.Importance = current.Importance
		it.AccessCount = count
		it.LastAccessed = now
	}
}
