package store

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/go-cmp/cmp"

	"github.com/xiy/memory-engine/pkg/types"
)

var base = time.Date(2026, 2, 17, 10, 0, 0, 0, time.UTC)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	st, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "memories.db"), logger)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		fn(t, openTestSQLite(t))
	})
	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		fn(t, NewMemStore())
	})
}

func item(user, id, category string, importance float64, age time.Duration) types.MemoryItem {
	ts := base.Add(-age)
	return types.MemoryItem{
		ID:           id,
		UserID:       user,
		Content:      "content of " + id,
		ContentHash:  "hash-" + id,
		Embedding:    []float32{0.6, 0.8},
		Category:     category,
		Importance:   importance,
		SessionID:    "s1",
		CreatedAt:    ts,
		LastAccessed: ts,
	}
}

func ids(items []types.MemoryItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func TestStore_RoundTrip(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		want := item("u1", "m1", "preference", 0.8, time.Hour)
		want.Metadata = map[string]any{"source": "chat"}
		if err := st.Insert(ctx, want); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}

		got, err := st.Get(ctx, "u1", "m1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("Get() mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestStore_UserIsolation(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_ = st.Insert(ctx, item("u1", "m1", "fact", 0.5, 0))
		_ = st.Insert(ctx, item("u2", "m1", "fact", 0.5, 0))
		_ = st.Insert(ctx, item("u2", "m2", "fact", 0.5, 0))

		got, err := st.Query(ctx, "u1", Query{})
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if len(got) != 1 || got[0].UserID != "u1" {
			t.Fatalf("expected only u1's row, got %+v", got)
		}
		if _, err := st.Get(ctx, "u1", "m2"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound across users, got %v", err)
		}
		if err := st.Delete(ctx, "u1", "m2"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected cross-user delete to miss, got %v", err)
		}
		if _, err := st.Query(ctx, "", Query{}); !errors.Is(err, ErrMissingUser) {
			t.Fatalf("expected ErrMissingUser, got %v", err)
		}

		users, err := st.Users(ctx)
		if err != nil {
			t.Fatalf("Users() error = %v", err)
		}
		if diff := cmp.Diff([]string{"u1", "u2"}, users); diff != "" {
			t.Fatalf("Users() mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestStore_QueryFiltersAndOrder(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		a := item("u1", "a", "fact", 0.5, 3*time.Hour)
		b := item("u1", "b", "fact", 0.9, 2*time.Hour)
		c := item("u1", "c", "event", 0.5, 1*time.Hour)
		d := item("u1", "d", "fact", 0.7, 40*24*time.Hour)
		d.Compressed = true
		e := item("u1", "e", "fact", 0.5, 30*time.Minute)
		e.SessionID = "s2"
		for _, it := range []types.MemoryItem{a, b, c, d, e} {
			if err := st.Insert(ctx, it); err != nil {
				t.Fatalf("Insert(%s) error = %v", it.ID, err)
			}
		}

		got, _ := st.Query(ctx, "u1", Query{Filter: Active(), Order: OrderImportance})
		// b highest; a, c, e tie on importance and break on last access desc.
		if diff := cmp.Diff([]string{"b", "e", "c", "a"}, ids(got)); diff != "" {
			t.Fatalf("importance order mismatch (-want +got):\n%s", diff)
		}

		got, _ = st.Query(ctx, "u1", Query{Filter: Filter{Category: "fact", Compressed: Bool(false)}, Order: OrderCreated})
		if diff := cmp.Diff([]string{"a", "b", "e"}, ids(got)); diff != "" {
			t.Fatalf("category filter mismatch (-want +got):\n%s", diff)
		}

		got, _ = st.Query(ctx, "u1", Query{Filter: Filter{ExcludeSession: "s1"}})
		if diff := cmp.Diff([]string{"e"}, ids(got)); diff != "" {
			t.Fatalf("session filter mismatch (-want +got):\n%s", diff)
		}

		got, _ = st.Query(ctx, "u1", Query{Filter: Filter{ContentHash: "hash-c"}})
		if diff := cmp.Diff([]string{"c"}, ids(got)); diff != "" {
			t.Fatalf("hash filter mismatch (-want +got):\n%s", diff)
		}

		got, _ = st.Query(ctx, "u1", Query{Filter: Filter{CreatedBefore: base.Add(-24 * time.Hour)}})
		if diff := cmp.Diff([]string{"d"}, ids(got)); diff != "" {
			t.Fatalf("created-before filter mismatch (-want +got):\n%s", diff)
		}

		got, _ = st.Query(ctx, "u1", Query{Filter: Active(), Order: OrderImportance, Limit: 2})
		if diff := cmp.Diff([]string{"b", "e"}, ids(got)); diff != "" {
			t.Fatalf("limit mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestStore_UpdateAndImmutability(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_ = st.Insert(ctx, item("u1", "m1", "fact", 0.5, time.Hour))

		imp, count, now := 0.75, 3, base
		if err := st.Update(ctx, "u1", "m1", Patch{Importance: &imp, AccessCount: &count, LastAccessed: &now}); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		got, _ := st.Get(ctx, "u1", "m1")
		if got.Importance != 0.75 || got.AccessCount != 3 || !got.LastAccessed.Equal(now) {
			t.Fatalf("update not applied: %+v", got)
		}

		if err := st.Update(ctx, "u1", "m1", Patch{Compressed: Bool(true)}); err != nil {
			t.Fatalf("Update(compressed) error = %v", err)
		}
		if err := st.Update(ctx, "u1", "m1", Patch{Importance: &imp}); !errors.Is(err, ErrImmutable) {
			t.Fatalf("expected ErrImmutable, got %v", err)
		}
		if err := st.Update(ctx, "u1", "m1", Patch{Compressed: Bool(false)}); !errors.Is(err, ErrImmutable) {
			t.Fatalf("expected compressed flag to be one-way, got %v", err)
		}
		if err := st.Update(ctx, "u1", "missing", Patch{Importance: &imp}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := st.Update(ctx, "u2", "m1", Patch{Importance: &imp}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected cross-user update to miss, got %v", err)
		}
	})
}

func TestStore_DeleteWhere(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_ = st.Insert(ctx, item("u1", "a", "fact", 0.5, 0))
		_ = st.Insert(ctx, item("u1", "b", "event", 0.5, 0))
		_ = st.Insert(ctx, item("u1", "c", "event", 0.5, 0))
		_ = st.Insert(ctx, item("u2", "d", "event", 0.5, 0))

		n, err := st.DeleteWhere(ctx, "u1", Filter{Category: "event"})
		if err != nil {
			t.Fatalf("DeleteWhere() error = %v", err)
		}
		if n != 2 {
			t.Fatalf("expected 2 deleted, got %d", n)
		}
		left, _ := st.Query(ctx, "u2", Query{})
		if len(left) != 1 {
			t.Fatalf("expected u2 untouched, got %d rows", len(left))
		}

		n, _ = st.DeleteWhere(ctx, "u1", Filter{})
		if n != 1 {
			t.Fatalf("expected remaining u1 row deleted, got %d", n)
		}
	})
}

func TestSQLiteStore_RequestLogsAndSummary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)

	old := item("u1", "m-old", "fact", 0.4, 2*time.Minute)
	recent := item("u2", "m-new", "preference", 0.9, 0)
	recent.Compressed = true
	for _, it := range []types.MemoryItem{old, recent} {
		if err := st.Insert(ctx, it); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	if err := st.InsertMCPRequestLog(ctx, MCPRequestLog{
		Method:     "initialize",
		Success:    true,
		DurationMS: 2,
		CreatedAt:  base.Add(-1 * time.Minute),
	}); err != nil {
		t.Fatalf("InsertMCPRequestLog(initialize) error = %v", err)
	}
	if err := st.InsertMCPRequestLog(ctx, MCPRequestLog{
		Method:     "tools/call",
		ToolName:   "memory_search",
		UserID:     "u1",
		Success:    false,
		ErrorText:  "user_id is required",
		DurationMS: 11,
		CreatedAt:  base,
	}); err != nil {
		t.Fatalf("InsertMCPRequestLog(tools/call) error = %v", err)
	}

	logs, err := st.RecentMCPRequestLogs(ctx, 5)
	if err != nil {
		t.Fatalf("RecentMCPRequestLogs() error = %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 request logs, got %d", len(logs))
	}
	if logs[0].ToolName != "memory_search" || logs[0].UserID != "u1" || logs[0].Success {
		t.Fatalf("unexpected newest request log: %+v", logs[0])
	}

	mems, err := st.RecentMemories(ctx, 5)
	if err != nil {
		t.Fatalf("RecentMemories() error = %v", err)
	}
	if len(mems) != 2 || mems[0].ID != "m-new" || !mems[0].Compressed {
		t.Fatalf("unexpected recent memories: %+v", mems)
	}

	sum, err := st.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	want := Summary{Users: 2, Total: 2, Active: 1, Compressed: 1}
	if sum != want {
		t.Fatalf("Summary() = %+v, want %+v", sum, want)
	}
}

func TestIsPermanent(t *testing.T) {
	t.Parallel()
	if !IsFatal(errors.Join(errors.New("boom"), ErrSchema)) {
		t.Fatal("expected wrapped ErrSchema to be fatal")
	}
	if IsFatal(ErrNotFound) {
		t.Fatal("ErrNotFound is not a configuration error")
	}
	if !IsPermanent(ErrImmutable) || IsPermanent(errors.New("database is locked")) {
		t.Fatal("unexpected permanence classification")
	}
}
