package admin

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xiy/memory-engine/internal/store"
)

type fakeSource struct {
	summary store.Summary
	err     error
}

func (f fakeSource) Summary(context.Context) (store.Summary, error) { return f.summary, f.err }

func (f fakeSource) RecentMCPRequestLogs(context.Context, int) ([]store.MCPRequestLog, error) {
	return []store.MCPRequestLog{{Method: "tools/call", ToolName: "memory_add", UserID: "u1", Success: true, DurationMS: 3}}, nil
}

func (f fakeSource) RecentMemories(context.Context, int) ([]store.RecentMemory, error) {
	return []store.RecentMemory{{ID: "m1", UserID: "u1", Category: "preference", Content: "I prefer dark mode", Importance: 0.85}}, nil
}

func TestFetch_AppliesSnapshot(t *testing.T) {
	t.Parallel()
	src := fakeSource{summary: store.Summary{Users: 2, Total: 7, Active: 5, Compressed: 2}}
	m := newModel(context.Background(), src)

	next, _ := m.Update(m.fetch()())
	got := next.(model)
	if got.summary != src.summary {
		t.Fatalf("summary = %+v, want %+v", got.summary, src.summary)
	}
	if len(got.requests) != 1 || len(got.memories) != 1 {
		t.Fatalf("expected request and memory rows, got %d and %d", len(got.requests), len(got.memories))
	}

	got.width, got.height = 200, 60
	view := got.View()
	for _, want := range []string{"memengine admin", "memory_add", "dark mode"} {
		if !strings.Contains(view, want) {
			t.Fatalf("expected view to contain %q", want)
		}
	}
}

func TestFetch_KeepsLastSnapshotOnError(t *testing.T) {
	t.Parallel()
	m := newModel(context.Background(), fakeSource{err: errors.New("disk I/O error")})
	m.summary = store.Summary{Total: 3}

	next, _ := m.Update(m.fetch()())
	got := next.(model)
	if got.lastErr == nil || got.summary.Total != 3 {
		t.Fatalf("expected error with previous summary kept, got %+v", got.summary)
	}
	if !strings.Contains(got.events[len(got.events)-1], "refresh failed") {
		t.Fatalf("expected failure event, got %v", got.events)
	}
}

func TestMemoryLines(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	got := memoryLines([]store.RecentMemory{{UserID: "u1", Category: "context_summary", Content: "a\n b", Importance: 0.5, Compressed: true, CreatedAt: at}})
	want := "[09:30:00] C 0.50 u1/context_summary :: a b"
	if got != want {
		t.Fatalf("memoryLines() = %q, want %q", got, want)
	}
	if memoryLines(nil) != "(no memories yet)" {
		t.Fatal("expected placeholder for no rows")
	}
}
