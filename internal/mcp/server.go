// Package mcp exposes the memory engine as MCP tools over JSON-RPC stdio.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/xiy/memory-engine/internal/store"
	"github.com/xiy/memory-engine/pkg/types"
)

const (
	jsonRPCVersion         = "2.0"
	defaultProtocolVersion = "2024-11-05"
)

// Engine is the memory behavior the tools call into.
type Engine interface {
	Add(ctx context.Context, in types.AddInput) (types.AddResult, error)
	SearchSimilar(ctx context.Context, in types.SearchInput) ([]types.SearchResult, error)
	Context(ctx context.Context, in types.ContextInput) ([]types.SearchResult, error)
	Get(ctx context.Context, userID, id string) (types.MemoryItem, bool, error)
	Delete(ctx context.Context, in types.DeleteInput) (int64, error)
	Stats(ctx context.Context, userID string) (types.Stats, error)
	Decay(ctx context.Context, userID string) (types.BatchReport, error)
	Compress(ctx context.Context, userID string) (types.CompressReport, error)
}

// RequestLogSink receives summarized MCP request events.
type RequestLogSink interface {
	InsertMCPRequestLog(ctx context.Context, rec store.MCPRequestLog) error
}

// Server handles MCP JSON-RPC messages over stdio.
type Server struct {
	engine  Engine
	name    string
	version string
	logger  *log.Logger
	sink    RequestLogSink

	requests atomic.Uint64
	errors   atomic.Uint64
}

// NewServer creates an MCP server. sink may be nil.
func NewServer(engine Engine, name, version string, logger *log.Logger, sink RequestLogSink) *Server {
	return &Server{engine: engine, name: name, version: version, logger: logger, sink: sink}
}

// Serve handles requests from in until EOF or ctx is done.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	br := bufio.NewReader(in)
	bw := bufio.NewWriter(out)
	defer bw.Flush()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		payload, mode, err := readMessage(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		var req request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.logger.Warn("invalid JSON-RPC request", "error", err)
			resp := errorResponse(nil, -32700, "parse error", err.Error())
			s.recordRequest(ctx, request{Method: "parse_error"}, resp, 0)
			if err := writeMessage(bw, resp, mode); err != nil {
				return err
			}
			continue
		}

		started := time.Now()
		resp, reply := s.handle(ctx, req)
		s.recordRequest(ctx, req, resp, time.Since(started))
		if !reply {
			continue
		}
		if err := writeMessage(bw, resp, mode); err != nil {
			return err
		}
	}
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// handle dispatches one request. The boolean is false for notifications,
// which get no reply.
func (s *Server) handle(ctx context.Context, req request) (response, bool) {
	s.requests.Add(1)

	hasID := len(req.ID) > 0
	id := decodeID(req.ID)
	ok := func(result any) (response, bool) {
		return response{JSONRPC: jsonRPCVersion, ID: id, Result: result}, hasID
	}

	switch req.Method {
	case "notifications/initialized":
		return response{}, false
	case "initialize":
		var p struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		_ = json.Unmarshal(req.Params, &p)
		pv := strings.TrimSpace(p.ProtocolVersion)
		if pv == "" {
			pv = defaultProtocolVersion
		}
		return ok(map[string]any{
			"protocolVersion": pv,
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": false}},
			"serverInfo":      map[string]any{"name": s.name, "version": s.version},
		})
	case "ping":
		return ok(map[string]any{})
	case "tools/list":
		return ok(map[string]any{"tools": toolDefinitions()})
	case "tools/call":
		res, err := s.callTool(ctx, req.Params)
		if err != nil {
			s.errors.Add(1)
			return ok(toolError(err))
		}
		return ok(res)
	default:
		if !hasID {
			return response{}, false
		}
		return errorResponse(id, -32601, "method not found", req.Method), true
	}
}

func (s *Server) recordRequest(ctx context.Context, req request, resp response, took time.Duration) {
	tool, user := toolCallInfo(req.Method, req.Params)
	rec := store.MCPRequestLog{
		Method:     strings.TrimSpace(req.Method),
		ToolName:   tool,
		UserID:     user,
		Success:    succeeded(resp),
		ErrorText:  errorText(resp),
		DurationMS: took.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if rec.Method == "" {
		rec.Method = "unknown"
	}
	s.logger.Debug("mcp request", "request_id", uuid.NewString(), "method", rec.Method,
		"tool", rec.ToolName, "user", rec.UserID, "success", rec.Success, "took", took)

	if s.sink == nil {
		return
	}
	if err := s.sink.InsertMCPRequestLog(ctx, rec); err != nil {
		s.logger.Warn("failed to persist MCP request log", "error", err)
	}
}

// toolCallInfo extracts the tool name and user id of a tools/call request.
func toolCallInfo(method string, params json.RawMessage) (string, string) {
	if method != "tools/call" || len(params) == 0 {
		return "", ""
	}
	var in struct {
		Name      string `json:"name"`
		Arguments struct {
			UserID string `json:"user_id"`
		} `json:"arguments"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return "", ""
	}
	return strings.TrimSpace(in.Name), strings.TrimSpace(in.Arguments.UserID)
}

func succeeded(resp response) bool {
	if resp.Error != nil {
		return false
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		return true
	}
	isError, _ := result["isError"].(bool)
	return !isError
}

func errorText(resp response) string {
	if resp.Error != nil {
		return strings.TrimSpace(resp.Error.Message)
	}
	if succeeded(resp) {
		return ""
	}
	result := resp.Result.(map[string]any)
	content, ok := result["content"].([]map[string]any)
	if !ok || len(content) == 0 {
		return "tool call failed"
	}
	if text, _ := content[0]["text"].(string); strings.TrimSpace(text) != "" {
		return strings.TrimSpace(text)
	}
	return "tool call failed"
}

func errorResponse(id any, code int, msg string, data any) response {
	return response{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &rpcError{Code: code, Message: msg, Data: data},
	}
}

func decodeID(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// Snapshot returns server counters for dashboards.
func (s *Server) Snapshot() map[string]any {
	return map[string]any{
		"requests": s.requests.Load(),
		"errors":   s.errors.Load(),
		"ts":       time.Now().UTC(),
	}
}
