package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/google/go-cmp/cmp"

	"github.com/xiy/memory-engine/internal/config"
	"github.com/xiy/memory-engine/internal/embeddings"
	"github.com/xiy/memory-engine/internal/memory"
	"github.com/xiy/memory-engine/internal/retry"
	"github.com/xiy/memory-engine/internal/store"
)

type captureSink struct {
	rows []store.MCPRequestLog
}

func (c *captureSink) InsertMCPRequestLog(_ context.Context, rec store.MCPRequestLog) error {
	c.rows = append(c.rows, rec)
	return nil
}

func newTestServer(t *testing.T, sink RequestLogSink) *Server {
	t.Helper()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	cfg := config.Default()
	emb := embeddings.NewService(nil, embeddings.Options{
		Dimensions:     cfg.Embedding.Dimensions,
		HashesPerToken: cfg.Embedding.HashesPerToken,
		CacheCapacity:  cfg.Embedding.CacheCapacity,
		BatchWorkers:   cfg.Embedding.BatchWorkers,
		Retry:          retry.DefaultPolicy,
	}, logger)
	svc := memory.NewService(store.NewMemStore(), emb, cfg.Engine, nil, logger)
	return NewServer(svc, "memengine", "test", logger, sink)
}

func serveLines(t *testing.T, srv *Server, lines ...string) []map[string]any {
	t.Helper()
	in := bytes.NewBufferString(strings.Join(lines, "\n") + "\n")
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	var resps []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var resp map[string]any
		if err := json.Unmarshal(line, &resp); err != nil {
			t.Fatalf("json.Unmarshal(%q) error = %v", line, err)
		}
		resps = append(resps, resp)
	}
	return resps
}

func toolText(t *testing.T, resp map[string]any) (string, bool) {
	t.Helper()
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("response has no result: %v", resp)
	}
	content := result["content"].([]any)
	text := content[0].(map[string]any)["text"].(string)
	isError, _ := result["isError"].(bool)
	return text, isError
}

func TestHandle_ToolsList(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)

	resp, ok := srv.handle(context.Background(), request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/list"})
	if !ok {
		t.Fatal("expected response")
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}
	tools, ok := resp.Result.(map[string]any)["tools"].([]ToolDefinition)
	if !ok {
		t.Fatalf("unexpected tools type %T", resp.Result.(map[string]any)["tools"])
	}

	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	want := []string{
		"memory_add", "memory_search", "memory_context", "memory_get",
		"memory_delete", "memory_stats", "memory_decay", "memory_compress",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("tool names mismatch (-want +got):\n%s", diff)
	}
}

func TestHandle_NotificationsAndUnknownMethods(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)

	if _, ok := srv.handle(context.Background(), request{Method: "notifications/initialized"}); ok {
		t.Fatal("expected no reply to a notification")
	}
	resp, ok := srv.handle(context.Background(), request{ID: json.RawMessage(`7`), Method: "resources/list"})
	if !ok || resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("expected method-not-found, got %+v", resp)
	}
}

func TestReadWriteFramedMessage(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	if err := writeMessage(bw, response{JSONRPC: "2.0", ID: 1, Result: map[string]any{"ok": true}}, wireModeFramed); err != nil {
		t.Fatalf("writeMessage() error = %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("Content-Length: ")) {
		t.Fatalf("expected framed output, got %q", buf.String())
	}

	payload, mode, err := readMessage(bufio.NewReader(bytes.NewReader(buf.Bytes())))
	if err != nil {
		t.Fatalf("readMessage() error = %v", err)
	}
	if mode != wireModeFramed {
		t.Fatalf("expected framed mode, got %v", mode)
	}
	var got map[string]any
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if got["jsonrpc"] != "2.0" {
		t.Fatalf("expected jsonrpc 2.0, got %v", got["jsonrpc"])
	}
}

func TestReadMessage_JSONLine(t *testing.T) {
	t.Parallel()
	raw := []byte("\n\n{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}\n")
	payload, mode, err := readMessage(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		t.Fatalf("readMessage() error = %v", err)
	}
	if mode != wireModeJSONLine {
		t.Fatalf("expected JSON-line mode, got %v", mode)
	}
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		t.Fatalf("json.Unmarshal(payload) error = %v", err)
	}
	if req.Method != "ping" {
		t.Fatalf("expected method ping, got %q", req.Method)
	}
}

func TestServe_Initialize(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)
	resps := serveLines(t, srv, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`)
	if len(resps) != 1 {
		t.Fatalf("expected one response, got %d", len(resps))
	}
	result := resps[0]["result"].(map[string]any)
	if result["protocolVersion"] != "2025-03-26" {
		t.Fatalf("expected echoed protocol version, got %v", result["protocolVersion"])
	}
	info := result["serverInfo"].(map[string]any)
	if info["name"] != "memengine" {
		t.Fatalf("unexpected server info %v", info)
	}
}

func TestServe_AddSearchAndStats(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)
	resps := serveLines(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"memory_add","arguments":{"user_id":"u1","content":"I prefer dark mode","category":"preference","importance":0.8}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"memory_add","arguments":{"user_id":"u1","content":"I prefer dark mode","importance":0.5}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"memory_search","arguments":{"user_id":"u1","query":"I prefer dark mode"}}}`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"memory_search","arguments":{"user_id":"u2","query":"I prefer dark mode"}}}`,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"memory_stats","arguments":{"user_id":"u1"}}}`,
	)
	if len(resps) != 5 {
		t.Fatalf("expected 5 responses, got %d", len(resps))
	}

	text, isErr := toolText(t, resps[1])
	if isErr || !strings.Contains(text, `"merged": true`) {
		t.Fatalf("expected merged add, got %s", text)
	}

	text, _ = toolText(t, resps[2])
	var hits []map[string]any
	if err := json.Unmarshal([]byte(text), &hits); err != nil {
		t.Fatalf("search result is not JSON: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected one hit for u1, got %d", len(hits))
	}

	text, _ = toolText(t, resps[3])
	if strings.TrimSpace(text) != "[]" {
		t.Fatalf("expected no hits for u2, got %s", text)
	}

	text, _ = toolText(t, resps[4])
	var stats struct {
		Total      int            `json:"total"`
		Active     int            `json:"active"`
		Categories map[string]int `json:"categories"`
	}
	if err := json.Unmarshal([]byte(text), &stats); err != nil {
		t.Fatalf("stats result is not JSON: %v", err)
	}
	if stats.Total != 1 || stats.Active != 1 || stats.Categories["preference"] != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestServe_GetMissingMemoryIsToolError(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)
	resps := serveLines(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"memory_get","arguments":{"user_id":"u1","id":"nope"}}}`,
	)
	text, isErr := toolText(t, resps[0])
	if !isErr || !strings.Contains(text, "not found") {
		t.Fatalf("expected not-found tool error, got %q", text)
	}
}

func TestServe_LogsRequestEvents(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	srv := newTestServer(t, sink)
	serveLines(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"memory_search","arguments":{"query":"deploy"}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"memory_add","arguments":{"user_id":"u9","content":"Speaks Portuguese"}}}`,
		`not json`,
	)

	if len(sink.rows) != 3 {
		t.Fatalf("expected 3 request log rows, got %d", len(sink.rows))
	}
	failed := sink.rows[0]
	if failed.Method != "tools/call" || failed.ToolName != "memory_search" || failed.Success || failed.ErrorText == "" {
		t.Fatalf("unexpected failed row: %+v", failed)
	}
	added := sink.rows[1]
	if added.ToolName != "memory_add" || added.UserID != "u9" || !added.Success {
		t.Fatalf("unexpected add row: %+v", added)
	}
	if sink.rows[2].Method != "parse_error" || sink.rows[2].Success {
		t.Fatalf("unexpected parse error row: %+v", sink.rows[2])
	}

	snap := srv.Snapshot()
	if snap["requests"].(uint64) != 2 || snap["errors"].(uint64) != 1 {
		t.Fatalf("unexpected counters %v", snap)
	}
}
