package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/xiy/memory-engine/pkg/types"
)

var (
	// ErrNotFound is returned when no memory matches the user and id.
	ErrNotFound = errors.New("memory not found")
	// ErrImmutable is returned when patching a compressed memory.
	ErrImmutable = errors.New("memory is compressed and immutable")
	// ErrSchema marks a store whose schema is missing or unusable. It is a
	// configuration error for an operator to fix, not a transient failure.
	ErrSchema = errors.New("memory store schema unavailable")
	// ErrMissingUser is returned when an operation is not scoped to a user.
	ErrMissingUser = errors.New("user_id is required")
)

// IsFatal reports whether err is a configuration error.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSchema)
}

// IsPermanent reports whether retrying the failed call cannot help.
func IsPermanent(err error) bool {
	return IsFatal(err) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrImmutable) ||
		errors.Is(err, ErrMissingUser)
}

// Order selects the sort applied by Query.
type Order int

const (
	// OrderNone leaves the order to the backend.
	OrderNone Order = iota
	// OrderImportance sorts by importance, then last access, both descending.
	OrderImportance
	// OrderCreated sorts by creation time ascending.
	OrderCreated
)

// Filter narrows a query. Zero-valued fields do not filter.
type Filter struct {
	Category       string
	Compressed     *bool
	ExcludeSession string
	ContentHash    string
	CreatedBefore  time.Time
}

// Query is a filtered, ordered, optionally limited read.
type Query struct {
	Filter Filter
	Order  Order
	Limit  int
}

// Patch lists the fields an Update changes. Nil fields are left as they are.
type Patch struct {
	Importance   *float64
	AccessCount  *int
	LastAccessed *time.Time
	Compressed   *bool
	Metadata     map[string]any
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Importance == nil && p.AccessCount == nil && p.LastAccessed == nil &&
		p.Compressed == nil && p.Metadata == nil
}

// Store is the per-user partitioned memory collection. Every call is scoped
// by user id and never touches another user's rows. A read that follows a
// write by the same caller observes that write.
type Store interface {
	Insert(ctx context.Context, item types.MemoryItem) error
	Get(ctx context.Context, userID, id string) (types.MemoryItem, error)
	Query(ctx context.Context, userID string, q Query) ([]types.MemoryItem, error)
	Update(ctx context.Context, userID, id string, p Patch) error
	Delete(ctx context.Context, userID, id string) error
	DeleteWhere(ctx context.Context, userID string, f Filter) (int64, error)
	Users(ctx context.Context) ([]string, error)
	Close() error
}

// Bool returns a pointer to b, for Filter.Compressed and Patch.Compressed.
func Bool(b bool) *bool { return &b }

// Active filters out compressed memories.
func Active() Filter {
	return Filter{Compressed: Bool(false)}
}

func checkUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrMissingUser
	}
	return nil
}

func (f Filter) matches(item types.MemoryItem) bool {
	if f.Category != "" && item.Category != f.Category {
		return false
	}
	if f.Compressed != nil && item.Compressed != *f.Compressed {
		return false
	}
	if f.ExcludeSession != "" && item.SessionID == f.ExcludeSession {
		return false
	}
	if f.ContentHash != "" && item.ContentHash != f.ContentHash {
		return false
	}
	if !f.CreatedBefore.IsZero() && !item.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

func sortItems(items []types.MemoryItem, order Order) {
	switch order {
	case OrderImportance:
		sort.SliceStable(items, func(i, j int) bool {
			a, b := items[i], items[j]
			if a.Importance != b.Importance {
				return a.Importance > b.Importance
			}
			if !a.LastAccessed.Equal(b.LastAccessed) {
				return a.LastAccessed.After(b.LastAccessed)
			}
			return a.ID < b.ID
		})
	case OrderCreated:
		sort.SliceStable(items, func(i, j int) bool {
			a, b := items[i], items[j]
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		})
	default:
		sort.SliceStable(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	}
}
