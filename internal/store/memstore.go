package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/xiy/memory-engine/pkg/types"
)

// MemStore is an in-process Store. Items are copied on the way in and out so
// callers never share mutable state with the store.
type MemStore struct {
	mu    sync.RWMutex
	users map[string]map[string]types.MemoryItem
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{users: make(map[string]map[string]types.MemoryItem)}
}

func (s *MemStore) Insert(_ context.Context, item types.MemoryItem) error {
	if err := checkUser(item.UserID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.users[item.UserID]
	if !ok {
		rows = make(map[string]types.MemoryItem)
		s.users[item.UserID] = rows
	}
	if _, exists := rows[item.ID]; exists {
		return fmt.Errorf("insert memory: duplicate id %q", item.ID)
	}
	rows[item.ID] = copyItem(item)
	return nil
}

func (s *MemStore) Get(_ context.Context, userID, id string) (types.MemoryItem, error) {
	if err := checkUser(userID); err != nil {
		return types.MemoryItem{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.users[userID][id]
	if !ok {
		return types.MemoryItem{}, ErrNotFound
	}
	return copyItem(item), nil
}

func (s *MemStore) Query(_ context.Context, userID string, q Query) ([]types.MemoryItem, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var items []types.MemoryItem
	for _, item := range s.users[userID] {
		if q.Filter.matches(item) {
			items = append(items, copyItem(item))
		}
	}
	s.mu.RUnlock()

	sortItems(items, q.Order)
	if q.Limit > 0 && len(items) > q.Limit {
		items = items[:q.Limit]
	}
	return items, nil
}

func (s *MemStore) Update(_ context.Context, userID, id string, p Patch) error {
	if err := checkUser(userID); err != nil {
		return err
	}
	if p.Empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.users[userID][id]
	if !ok {
		return ErrNotFound
	}
	if item.Compressed {
		return ErrImmutable
	}
	if p.Importance != nil {
		item.Importance = *p.Importance
	}
	if p.AccessCount != nil {
		item.AccessCount = *p.AccessCount
	}
	if p.LastAccessed != nil {
		item.LastAccessed = *p.LastAccessed
	}
	if p.Compressed != nil {
		item.Compressed = *p.Compressed
	}
	if p.Metadata != nil {
		item.Metadata = maps.Clone(p.Metadata)
	}
	s.users[userID][id] = item
	return nil
}

func (s *MemStore) Delete(_ context.Context, userID, id string) error {
	if err := checkUser(userID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID][id]; !ok {
		return ErrNotFound
	}
	delete(s.users[userID], id)
	return nil
}

func (s *MemStore) DeleteWhere(_ context.Context, userID string, f Filter) (int64, error) {
	if err := checkUser(userID); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, item := range s.users[userID] {
		if f.matches(item) {
			delete(s.users[userID], id)
			n++
		}
	}
	return n, nil
}

func (s *MemStore) Users(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]string, 0, len(s.users))
	for u, rows := range s.users {
		if len(rows) > 0 {
			users = append(users, u)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (s *MemStore) Close() error { return nil }

func copyItem(item types.MemoryItem) types.MemoryItem {
	if item.Embedding != nil {
		item.Embedding = append([]float32(nil), item.Embedding...)
	}
	if item.Metadata != nil {
		item.Metadata = maps.Clone(item.Metadata)
	}
	return item
}
