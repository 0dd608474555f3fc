package memory

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/xiy/memory-engine/internal/store"
	"github.com/xiy/memory-engine/pkg/types"
)

const day = 24 * time.Hour

func TestDecay_AppliesWholeDays(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, st store.Store) {
		env := newTestEnv(t, st, nil, 64)
		now := env.clock.Now()
		seed(t, st,
			types.MemoryItem{ID: "stale", UserID: "u1", Content: "stale", Category: "fact", Importance: 0.8, CreatedAt: now.Add(-40 * day), LastAccessed: now.Add(-10*day - 5*time.Hour)},
			types.MemoryItem{ID: "today", UserID: "u1", Content: "today", Category: "fact", Importance: 0.8, CreatedAt: now.Add(-40 * day), LastAccessed: now.Add(-23 * time.Hour)},
			types.MemoryItem{ID: "floor", UserID: "u1", Content: "floor", Category: "fact", Importance: 0.1, CreatedAt: now.Add(-40 * day), LastAccessed: now.Add(-20 * day)},
			types.MemoryItem{ID: "frozen", UserID: "u1", Content: "frozen", Category: "fact", Importance: 0.8, Compressed: true, CreatedAt: now.Add(-40 * day), LastAccessed: now.Add(-20 * day)},
		)

		report, err := env.svc.Decay(context.Background(), "u1")
		if err != nil {
			t.Fatalf("Decay() error = %v", err)
		}
		want := types.BatchReport{UserID: "u1", Attempted: 3, Updated: 1, Skipped: 2}
		if report != want {
			t.Fatalf("Decay() = %+v, want %+v", report, want)
		}

		stale, _ := st.Get(context.Background(), "u1", "stale")
		if want := 0.8 * math.Pow(0.98, 10); math.Abs(stale.Importance-want) > 1e-9 {
			t.Fatalf("expected importance %v, got %v", want, stale.Importance)
		}
		if math.Abs(stale.Importance-0.654) > 1e-3 {
			t.Fatalf("expected importance about 0.654, got %v", stale.Importance)
		}
		frozen, _ := st.Get(context.Background(), "u1", "frozen")
		if frozen.Importance != 0.8 {
			t.Fatalf("expected compressed memory untouched, got %v", frozen.Importance)
		}
	})
}

func TestDecay_IsMonotonic(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, store.NewMemStore(), nil, 64)
	now := env.clock.Now()

	for _, importance := range []float64{0.05, 0.1, 0.3, 0.75, 1} {
		for _, count := range []int{0, 1, 7} {
			for days := 1; days <= 200; days++ {
				it := types.MemoryItem{Importance: importance, AccessCount: count, LastAccessed: now.Add(-time.Duration(days) * day)}
				next, _ := env.svc.decayed(it, now)
				if next > importance {
					t.Fatalf("importance %v count %d days %d: decayed to %v", importance, count, days, next)
				}
				if next < 0 || next > 1 {
					t.Fatalf("decayed importance out of range: %v", next)
				}
			}
		}
	}
}

func TestDecay_IsolatesItemFailures(t *testing.T) {
	t.Parallel()
	st := &flakyStore{Store: store.NewMemStore(), failUpdates: map[string]bool{"b": true}}
	env := newTestEnv(t, st, nil, 64)
	now := env.clock.Now()
	for _, id := range []string{"a", "b", "c"} {
		seed(t, st.Store, types.MemoryItem{ID: id, UserID: "u1", Content: id, Category: "fact", Importance: 0.9, CreatedAt: now.Add(-9 * day), LastAccessed: now.Add(-5 * day)})
	}

	report, err := env.svc.Decay(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Decay() error = %v", err)
	}
	want := types.BatchReport{UserID: "u1", Attempted: 3, Updated: 2, Failed: 1}
	if report != want {
		t.Fatalf("Decay() = %+v, want %+v", report, want)
	}
	b, _ := st.Get(context.Background(), "u1", "b")
	if b.Importance != 0.9 {
		t.Fatalf("expected failed item unchanged, got %v", b.Importance)
	}
}

func TestDecay_ReadFailureReportsNothing(t *testing.T) {
	t.Parallel()
	st := &flakyStore{Store: store.NewMemStore(), failQueries: true}
	env := newTestEnv(t, st, nil, 64)

	report, err := env.svc.Decay(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Decay() error = %v", err)
	}
	if report.Attempted != 0 {
		t.Fatalf("expected empty report, got %+v", report)
	}
	if _, err := env.svc.Decay(context.Background(), " "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDecay_KeepsConcurrentMerge(t *testing.T) {
	t.Parallel()
	st := slowStore{Store: store.NewMemStore(), delay: 30 * time.Millisecond}
	env := newTestEnv(t, st, nil, 64)
	ctx := context.Background()
	now := env.clock.Now()
	seed(t, st.Store, types.MemoryItem{ID: "cello", UserID: "u1", Content: "Plays the cello", Category: "fact", Importance: 0.5, CreatedAt: now.Add(-20 * day), LastAccessed: now.Add(-10 * day)})

	// Either order ends at 0.55: a merge first makes the memory fresh, and a
	// decay first is lifted back by max(old, new) + bump.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = env.svc.Decay(ctx, "u1")
	}()
	go func() {
		defer wg.Done()
		_, _ = env.svc.Add(ctx, types.AddInput{UserID: "u1", Content: "Plays the cello", Importance: types.Float64(0.5)})
	}()
	wg.Wait()

	item, _ := st.Get(ctx, "u1", "cello")
	if math.Abs(item.Importance-0.55) > 1e-9 || item.AccessCount != 1 {
		t.Fatalf("importance = %v access_count = %d, want 0.55 and 1", item.Importance, item.AccessCount)
	}
}
