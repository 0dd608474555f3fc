package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/memory-engine/internal/config"
	"github.com/xiy/memory-engine/internal/embeddings"
	"github.com/xiy/memory-engine/internal/retry"
	"github.com/xiy/memory-engine/internal/store"
	"github.com/xiy/memory-engine/pkg/types"
)

// ErrInvalidInput is the only error class the engine reports to callers.
// Store and embedding failures are logged and turned into failure results.
var ErrInvalidInput = errors.New("invalid input")

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Service is the per-user memory engine.
type Service struct {
	store  store.Store
	embed  *embeddings.Service
	cfg    config.EngineConfig
	policy retry.Policy
	clock  Clock
	logger *log.Logger
	locks  userLocks
}

// NewService constructs a memory engine. A nil clock means SystemClock.
func NewService(st store.Store, emb *embeddings.Service, cfg config.EngineConfig, clock Clock, logger *log.Logger) *Service {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Service{
		store: st,
		embed: emb,
		cfg:   cfg,
		policy: retry.Policy{
			MaxAttempts:  cfg.RetryAttempts,
			InitialDelay: cfg.RetryInitialDelay(),
			MaxDelay:     retry.DefaultPolicy.MaxDelay,
			Timeout:      cfg.OperationTimeout(),
			Permanent:    store.IsPermanent,
		},
		clock:  clock,
		logger: logger,
		locks:  userLocks{m: make(map[string]*sync.Mutex)},
	}
}

// Add stores content for a user, or merges it into an existing memory when
// the same or near-identical content is already stored.
func (s *Service) Add(ctx context.Context, in types.AddInput) (types.AddResult, error) {
	user := strings.TrimSpace(in.UserID)
	content := strings.TrimSpace(in.Content)
	if user == "" {
		return types.AddResult{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if content == "" {
		return types.AddResult{}, fmt.Errorf("%w: content must not be empty", ErrInvalidInput)
	}

	category := strings.TrimSpace(in.Category)
	if category == "" {
		category = s.cfg.DefaultCategory
	}
	importance := s.cfg.DefaultImportance
	if in.Importance != nil && !math.IsNaN(*in.Importance) {
		importance = *in.Importance
	}
	importance = clamp(importance, 0, 1)
	session := strings.TrimSpace(in.SessionID)
	if session == "" {
		session = types.GlobalSession
	}
	hash := ContentHash(content)

	unlock := s.locks.lock(user)
	defer unlock()

	exact, err := s.query(ctx, "add.lookup_hash", user, store.Query{
		Filter: store.Filter{Compressed: store.Bool(false), ContentHash: hash},
		Limit:  1,
	})
	if err != nil {
		return failed("memory store unavailable"), nil
	}
	if len(exact) > 0 {
		return s.merge(ctx, exact[0], importance, 1)
	}

	vec := s.embed.Generate(ctx, content)
	matches, err := s.scan(ctx, "add.find_similar", user, "", vec, s.cfg.DuplicateThreshold)
	if err != nil {
		return failed("memory store unavailable"), nil
	}
	if len(matches) > 0 {
		return s.merge(ctx, matches[0].Item, importance, matches[0].Score)
	}

	now := s.clock.Now()
	item := types.MemoryItem{
		ID:           newMemoryID(user, now, hash),
		UserID:       user,
		Content:      content,
		ContentHash:  hash,
		Embedding:    vec,
		Category:     category,
		Importance:   importance,
		SessionID:    session,
		CreatedAt:    now,
		LastAccessed: now,
		Metadata:     in.Metadata,
	}
	if err := s.do(ctx, "add.insert", user, func(ctx context.Context) error {
		return s.store.Insert(ctx, item)
	}); err != nil {
		return failed("failed to store memory"), nil
	}

	s.logger.Debug("memory stored", "user", user, "id", item.ID, "category", category)
	return types.AddResult{Success: true, ID: item.ID, Message: "stored"}, nil
}

// merge folds a new write into target. Callers hold the user's lock.
func (s *Service) merge(ctx context.Context, target types.MemoryItem, importance, score float64) (types.AddResult, error) {
	merged := clamp(max(target.Importance, importance)+s.cfg.MergeImportanceBump, 0, 1)
	count := target.AccessCount + 1
	now := s.clock.Now()

	err := s.do(ctx, "add.merge", target.UserID, func(ctx context.Context) error {
		return s.store.Update(ctx, target.UserID, target.ID, store.Patch{
			Importance:   &merged,
			AccessCount:  &count,
			LastAccessed: &now,
		})
	})
	if err != nil {
		return failed("failed to update existing memory"), nil
	}

	s.logger.Debug("memory merged", "user", target.UserID, "id", target.ID, "score", score, "importance", merged)
	return types.AddResult{Success: true, ID: target.ID, Merged: true, Message: "already exists"}, nil
}

// Get returns one of the user's memories, compressed ones included. The
// boolean is false when the memory does not exist or cannot be read.
func (s *Service) Get(ctx context.Context, userID, id string) (types.MemoryItem, bool, error) {
	user := strings.TrimSpace(userID)
	if user == "" {
		return types.MemoryItem{}, false, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(id) == "" {
		return types.MemoryItem{}, false, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}

	item, err := retry.Value(ctx, s.policy, s.logger, "get", func(ctx context.Context) (types.MemoryItem, error) {
		return s.store.Get(ctx, user, id)
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.report("get", user, err)
		}
		return types.MemoryItem{}, false, nil
	}
	return item, true, nil
}

// Delete removes memories on explicit request: one id, one category, or all
// of the user's memories. It returns the number of memories removed.
func (s *Service) Delete(ctx context.Context, in types.DeleteInput) (int64, error) {
	user := strings.TrimSpace(in.UserID)
	if user == "" {
		return 0, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	selectors := 0
	if in.ID != "" {
		selectors++
	}
	if in.Category != "" {
		selectors++
	}
	if in.All {
		selectors++
	}
	if selectors != 1 {
		return 0, fmt.Errorf("%w: exactly one of id, category or all is required", ErrInvalidInput)
	}

	unlock := s.locks.lock(user)
	defer unlock()

	if in.ID != "" {
		err := s.do(ctx, "delete", user, func(ctx context.Context) error {
			return s.store.Delete(ctx, user, in.ID)
		})
		switch {
		case errors.Is(err, store.ErrNotFound):
			return 0, nil
		case err != nil:
			return 0, fmt.Errorf("delete memory: %w", err)
		}
		s.logger.Info("memory deleted", "user", user, "id", in.ID)
		return 1, nil
	}

	filter := store.Filter{Category: in.Category}
	n, err := retry.Value(ctx, s.policy, s.logger, "delete_where", func(ctx context.Context) (int64, error) {
		return s.store.DeleteWhere(ctx, user, filter)
	})
	if err != nil {
		s.report("delete_where", user, err)
		return 0, fmt.Errorf("delete memories: %w", err)
	}
	s.logger.Info("memories deleted", "user", user, "category", in.Category, "all", in.All, "count", n)
	return n, nil
}

// Stats summarizes a user's memories. A store failure yields zero stats.
func (s *Service) Stats(ctx context.Context, userID string) (types.Stats, error) {
	user := strings.TrimSpace(userID)
	if user == "" {
		return types.Stats{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}

	st := types.Stats{Categories: map[string]int{}}
	items, err := s.query(ctx, "stats", user, store.Query{})
	if err != nil {
		return st, nil
	}

	var sum float64
	for _, it := range items {
		st.Total++
		st.Categories[it.Category]++
		if it.Compressed {
			st.Compressed++
			continue
		}
		st.Active++
		sum += it.Importance
	}
	if st.Active > 0 {
		st.AvgImportance = sum / float64(st.Active)
	}
	return st, nil
}

// ContentHash is the exact-duplicate key of a memory: SHA-256 of the trimmed
// content, hex encoded.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(content)))
	return hex.EncodeToString(sum[:])
}

func newMemoryID(user string, now time.Time, hash string) string {
	return fmt.Sprintf("mem_%s_%d_%s", sanitizeID(user), now.UnixNano(), hash[:8])
}

func sanitizeID(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

func failed(msg string) types.AddResult {
	return types.AddResult{Success: false, Message: msg}
}

// clamp bounds v to [lo, hi]. NaN maps to lo.
func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// do runs a store call under the retry policy and reports a final failure.
func (s *Service) do(ctx context.Context, op, user string, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, s.policy, s.logger, op, fn)
	if err != nil && !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrImmutable) {
		s.report(op, user, err)
	}
	return err
}

// reload re-reads one memory. Callers hold the user's lock, so the result
// is current for the read-modify-write that follows.
func (s *Service) reload(ctx context.Context, op, user, id string) (types.MemoryItem, error) {
	item, err := retry.Value(ctx, s.policy, s.logger, op, func(ctx context.Context) (types.MemoryItem, error) {
		return s.store.Get(ctx, user, id)
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.report(op, user, err)
	}
	return item, err
}

func (s *Service) query(ctx context.Context, op, user string, q store.Query) ([]types.MemoryItem, error) {
	items, err := retry.Value(ctx, s.policy, s.logger, op, func(ctx context.Context) ([]types.MemoryItem, error) {
		return s.store.Query(ctx, user, q)
	})
	if err != nil {
		s.report(op, user, err)
		return nil, err
	}
	return items, nil
}

// report logs a store failure. Schema errors need an operator and are
// logged at error level; everything else has already been retried.
func (s *Service) report(op, user string, err error) {
	if store.IsFatal(err) {
		s.logger.Error("memory store misconfigured", "op", op, "user", user, "error", err)
		return
	}
	s.logger.Warn("memory store call failed", "op", op, "user", user, "error", err)
}

// userLocks serializes read-modify-write sequences per user.
type userLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *userLocks) lock(user string) func() {
	l.mu.Lock()
	mu, ok := l.m[user]
	if !ok {
		mu = &sync.Mutex{}
		l.m[user] = mu
	}
	l.mu.Unlock()

	mu.Lock()
	return mu.Unlock
}
