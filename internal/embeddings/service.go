package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/xiy/memory-engine/internal/retry"
)

// Service generates cached embeddings. When the primary provider is absent
// or keeps failing, the deterministic hash embedding is used instead; callers
// never see an embedding error.
type Service struct {
	primary  Provider
	fallback *HashProvider
	cache    *Cache
	policy   retry.Policy
	workers  int
	logger   *log.Logger
}

// Options configures a Service.
type Options struct {
	Dimensions     int
	HashesPerToken int
	CacheCapacity  int
	BatchWorkers   int
	Retry          retry.Policy
}

// NewService builds an embedding service. primary may be nil.
func NewService(primary Provider, opts Options, logger *log.Logger) *Service {
	if opts.BatchWorkers <= 0 {
		opts.BatchWorkers = 4
	}
	policy := opts.Retry
	policy.Permanent = IsPermanent
	return &Service{
		primary:  primary,
		fallback: NewHashProvider(opts.Dimensions, opts.HashesPerToken),
		cache:    NewCache(opts.CacheCapacity),
		policy:   policy,
		workers:  opts.BatchWorkers,
		logger:   logger,
	}
}

// CacheKey is the SHA-256 of the normalized text: lowercased, trimmed and
// with runs of whitespace collapsed.
func CacheKey(text string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

// Generate returns the embedding of text.
func (s *Service) Generate(ctx context.Context, text string) []float32 {
	key := CacheKey(text)
	if v, ok := s.cache.Get(key); ok {
		return clone(v)
	}

	v := s.compute(ctx, text)
	s.cache.Put(key, v)
	return clone(v)
}

// GenerateBatch returns the embeddings of texts in order. The result is the
// same as calling Generate on each text; uncached texts are computed
// concurrently.
func (s *Service) GenerateBatch(ctx context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))

	pending := make(map[string][]int)
	for i, text := range texts {
		key := CacheKey(text)
		if v, ok := s.cache.Get(key); ok {
			out[i] = clone(v)
			continue
		}
		pending[key] = append(pending[key], i)
	}
	if len(pending) == 0 {
		return out
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, idxs := range pending {
		idxs := idxs
		g.Go(func() error {
			v := s.Generate(gctx, texts[idxs[0]])
			for _, i := range idxs {
				out[i] = clone(v)
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Dimensions returns the embedding size shared by every vector.
func (s *Service) Dimensions() int {
	return s.fallback.Dimensions()
}

// CacheLen reports the number of cached vectors.
func (s *Service) CacheLen() int {
	return s.cache.Len()
}

func (s *Service) compute(ctx context.Context, text string) []float32 {
	if s.primary == nil {
		return s.fallback.Vector(text)
	}

	v, err := retry.Value(ctx, s.policy, s.logger, "embed", func(ctx context.Context) ([]float32, error) {
		return s.primary.Embed(ctx, text)
	})
	if err != nil {
		s.logger.Warn("embedding provider unavailable; using hash embedding", "error", err)
		return s.fallback.Vector(text)
	}
	return v
}

func clone(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
