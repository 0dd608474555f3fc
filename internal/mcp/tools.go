package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xiy/memory-engine/pkg/types"
)

// ToolDefinition models MCP tool metadata.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func toolDefinitions() []ToolDefinition {
	user := propString("Owning user id. Every call is scoped to it.")
	return []ToolDefinition{
		{
			Name:        "memory_add",
			Description: "Remember a short fact about a user. Near-duplicates are merged into the existing memory.",
			InputSchema: jsonSchema(map[string]any{
				"user_id":    user,
				"content":    propString("The fact to remember."),
				"category":   propString("Label such as preference, personal, fact, event or context."),
				"importance": propNumber("Importance hint within [0,1]."),
				"session_id": propString("Originating conversation session; defaults to global."),
				"metadata":   map[string]any{"type": "object"},
			}, []string{"user_id", "content"}),
		},
		{
			Name:        "memory_search",
			Description: "Rank a user's active memories by semantic similarity to a query.",
			InputSchema: jsonSchema(map[string]any{
				"user_id":   user,
				"query":     propString("Search text."),
				"limit":     propNumber("Maximum results."),
				"threshold": propNumber("Minimum cosine similarity."),
				"category":  propString("Optional category filter."),
				"touch":     propBoolean("Record an access on every returned memory."),
			}, []string{"user_id", "query"}),
		},
		{
			Name:        "memory_context",
			Description: "Return memories from sessions other than the current one, optionally re-ranked by a query.",
			InputSchema: jsonSchema(map[string]any{
				"user_id":    user,
				"session_id": propString("Current session, excluded from the result."),
				"query":      propString("Optional text to re-rank by."),
				"limit":      propNumber("Maximum results."),
			}, []string{"user_id", "session_id"}),
		},
		{
			Name:        "memory_get",
			Description: "Read one memory by id, including compressed ones.",
			InputSchema: jsonSchema(map[string]any{
				"user_id": user,
				"id":      propString("Memory id."),
			}, []string{"user_id", "id"}),
		},
		{
			Name:        "memory_delete",
			Description: "Delete one memory, one category, or all of a user's memories.",
			InputSchema: jsonSchema(map[string]any{
				"user_id":  user,
				"id":       propString("Memory id to delete."),
				"category": propString("Category to delete."),
				"all":      propBoolean("Delete every memory of the user."),
			}, []string{"user_id"}),
		},
		{
			Name:        "memory_stats",
			Description: "Summarize a user's memories by state and category.",
			InputSchema: jsonSchema(map[string]any{"user_id": user}, []string{"user_id"}),
		},
		{
			Name:        "memory_decay",
			Description: "Run importance decay over a user's active memories.",
			InputSchema: jsonSchema(map[string]any{"user_id": user}, []string{"user_id"}),
		},
		{
			Name:        "memory_compress",
			Description: "Summarize old memories of a user into one record per category.",
			InputSchema: jsonSchema(map[string]any{"user_id": user}, []string{"user_id"}),
		},
	}
}

type userArgs struct {
	UserID string `json:"user_id"`
}

type getArgs struct {
	UserID string `json:"user_id"`
	ID     string `json:"id"`
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (map[string]any, error) {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid tools/call params: %w", err)
	}
	if len(p.Arguments) == 0 {
		p.Arguments = json.RawMessage(`{}`)
	}

	switch p.Name {
	case "memory_add":
		in, err := decodeArgs[types.AddInput](p.Name, p.Arguments)
		if err != nil {
			return nil, err
		}
		res, err := s.engine.Add(ctx, in)
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return nil, errors.New(res.Message)
		}
		return toolSuccess(res)
	case "memory_search":
		in, err := decodeArgs[types.SearchInput](p.Name, p.Arguments)
		if err != nil {
			return nil, err
		}
		found, err := s.engine.SearchSimilar(ctx, in)
		return result(found, err)
	case "memory_context":
		in, err := decodeArgs[types.ContextInput](p.Name, p.Arguments)
		if err != nil {
			return nil, err
		}
		found, err := s.engine.Context(ctx, in)
		return result(found, err)
	case "memory_get":
		in, err := decodeArgs[getArgs](p.Name, p.Arguments)
		if err != nil {
			return nil, err
		}
		item, found, err := s.engine.Get(ctx, in.UserID, in.ID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("memory %s not found", in.ID)
		}
		return toolSuccess(item)
	case "memory_delete":
		in, err := decodeArgs[types.DeleteInput](p.Name, p.Arguments)
		if err != nil {
			return nil, err
		}
		n, err := s.engine.Delete(ctx, in)
		if err != nil {
			return nil, err
		}
		return toolSuccess(map[string]any{"deleted": n})
	case "memory_stats":
		in, err := decodeArgs[userArgs](p.Name, p.Arguments)
		if err != nil {
			return nil, err
		}
		stats, err := s.engine.Stats(ctx, in.UserID)
		return result(stats, err)
	case "memory_decay":
		in, err := decodeArgs[userArgs](p.Name, p.Arguments)
		if err != nil {
			return nil, err
		}
		report, err := s.engine.Decay(ctx, in.UserID)
		return result(report, err)
	case "memory_compress":
		in, err := decodeArgs[userArgs](p.Name, p.Arguments)
		if err != nil {
			return nil, err
		}
		report, err := s.engine.Compress(ctx, in.UserID)
		return result(report, err)
	default:
		return nil, fmt.Errorf("unknown tool %q", p.Name)
	}
}

func decodeArgs[T any](tool string, raw json.RawMessage) (T, error) {
	var in T
	if err := json.Unmarshal(raw, &in); err != nil {
		return in, fmt.Errorf("invalid %s arguments: %w", tool, err)
	}
	return in, nil
}

func result[T any](v T, err error) (map[string]any, error) {
	if err != nil {
		return nil, err
	}
	return toolSuccess(v)
}

func toolSuccess(v any) (map[string]any, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"content":           []map[string]any{{"type": "text", "text": string(b)}},
		"structuredContent": v,
		"isError":           false,
	}, nil
}

func toolError(err error) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": err.Error()}},
		"isError": true,
	}
}

func jsonSchema(properties map[string]any, required []string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func propString(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func propNumber(description string) map[string]any {
	return map[string]any{"type": "number", "description": description}
}

func propBoolean(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}
