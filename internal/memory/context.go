package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/xiy/memory-engine/internal/store"
	"github.com/xiy/memory-engine/pkg/types"
)

// Context returns memories the user built up in other sessions, most
// important first. With a query, memories are re-ranked by similarity using
// the lower context threshold, favouring recall.
func (s *Service) Context(ctx context.Context, in types.ContextInput) ([]types.SearchResult, error) {
	user := strings.TrimSpace(in.UserID)
	if user == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	limit := in.Limit
	if limit <= 0 || limit > s.cfg.ContextLimit {
		limit = s.cfg.ContextLimit
	}

	items, err := s.query(ctx, "context", user, store.Query{
		Filter: store.Filter{
			Compressed:     store.Bool(false),
			ExcludeSession: strings.TrimSpace(in.SessionID),
		},
		Order: store.OrderImportance,
	})
	if err != nil {
		return []types.SearchResult{}, nil
	}

	var results []types.SearchResult
	if query := strings.TrimSpace(in.Query); query != "" {
		results = rank(items, s.embed.Generate(ctx, query), s.cfg.ContextThreshold)
	} else {
		results = make([]types.SearchResult, 0, len(items))
		for _, it := range items {
			results = append(results, types.SearchResult{Item: it})
		}
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
