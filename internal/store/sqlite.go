package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	"github.com/xiy/memory-engine/internal/vector"
	"github.com/xiy/memory-engine/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const memoryColumns = `id, user_id, content, content_hash, embedding, category, importance, session_id,
       created_at, last_accessed, access_count, compressed, parent_memory_id, metadata_json`

// Summary holds store-wide counters for admin dashboards.
type Summary struct {
	Users      int64
	Total      int64
	Active     int64
	Compressed int64
}

// MCPRequestLog captures one incoming MCP request handled by the server.
type MCPRequestLog struct {
	ID         int64
	Method     string
	ToolName   string
	UserID     string
	Success    bool
	ErrorText  string
	DurationMS int64
	CreatedAt  time.Time
}

// RecentMemory is a compact row for admin dashboards.
type RecentMemory struct {
	ID         string
	UserID     string
	Category   string
	Content    string
	Importance float64
	Compressed bool
	CreatedAt  time.Time
}

// SQLiteStore is a SQLite-backed memory store.
type SQLiteStore struct {
	db     *sql.DB
	logger *log.Logger
}

// OpenSQLite opens and initializes the SQLite store.
func OpenSQLite(ctx context.Context, dbPath string, logger *log.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection serializes statements, so a caller always reads its own writes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	for _, stmt := range splitSQLStatements(schemaSQL) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: run schema stmt: %v", ErrSchema, err)
		}
	}
	if !s.hasTable(ctx, "memories") {
		return fmt.Errorf("%w: memories table missing after migration", ErrSchema)
	}
	return nil
}

func splitSQLStatements(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p+";")
	}
	return out
}

func (s *SQLiteStore) hasTable(ctx context.Context, name string) bool {
	const q = `SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`
	var n int
	if err := s.db.QueryRowContext(ctx, q, name).Scan(&n); err != nil {
		return false
	}
	return n > 0
}

func (s *SQLiteStore) Insert(ctx context.Context, item types.MemoryItem) error {
	if err := checkUser(item.UserID); err != nil {
		return err
	}
	metaJSON, err := marshalMetadata(item.Metadata)
	if err != nil {
		return err
	}

	const q = `INSERT INTO memories (
		id, user_id, content, content_hash, embedding, category, importance, session_id,
		created_at, last_accessed, access_count, compressed, parent_memory_id, metadata_json
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q,
		item.ID,
		item.UserID,
		item.Content,
		item.ContentHash,
		vector.Marshal(item.Embedding),
		item.Category,
		item.Importance,
		item.SessionID,
		formatTime(item.CreatedAt),
		formatTime(item.LastAccessed),
		item.AccessCount,
		boolToInt(item.Compressed),
		item.ParentMemoryID,
		metaJSON,
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, userID, id string) (types.MemoryItem, error) {
	if err := checkUser(userID); err != nil {
		return types.MemoryItem{}, err
	}
	q := `SELECT ` + memoryColumns + ` FROM memories WHERE user_id = ? AND id = ? LIMIT 1`
	item, err := scanMemoryRow(s.db.QueryRowContext(ctx, q, userID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return item, ErrNotFound
		}
		return item, fmt.Errorf("get memory: %w", err)
	}
	return item, nil
}

func (s *SQLiteStore) Query(ctx context.Context, userID string, q Query) ([]types.MemoryItem, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	where, args := buildWhere(userID, q.Filter)
	stmt := `SELECT ` + memoryColumns + ` FROM memories WHERE ` + where
	switch q.Order {
	case OrderImportance:
		stmt += ` ORDER BY importance DESC, last_accessed DESC, id ASC`
	case OrderCreated:
		stmt += ` ORDER BY created_at ASC, id ASC`
	default:
		stmt += ` ORDER BY id ASC`
	}
	if q.Limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var items []types.MemoryItem
	for rows.Next() {
		item, err := scanMemoryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func buildWhere(userID string, f Filter) (string, []any) {
	clauses := []string{"user_id = ?"}
	args := []any{userID}
	if f.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, f.Category)
	}
	if f.Compressed != nil {
		clauses = append(clauses, "compressed = ?")
		args = append(args, boolToInt(*f.Compressed))
	}
	if f.ExcludeSession != "" {
		clauses = append(clauses, "session_id <> ?")
		args = append(args, f.ExcludeSession)
	}
	if f.ContentHash != "" {
		clauses = append(clauses, "content_hash = ?")
		args = append(args, f.ContentHash)
	}
	if !f.CreatedBefore.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, formatTime(f.CreatedBefore))
	}
	return strings.Join(clauses, " AND "), args
}

func (s *SQLiteStore) Update(ctx context.Context, userID, id string, p Patch) error {
	if err := checkUser(userID); err != nil {
		return err
	}
	if p.Empty() {
		return nil
	}

	sets := make([]string, 0, 5)
	args := make([]any, 0, 8)
	if p.Importance != nil {
		sets = append(sets, "importance = ?")
		args = append(args, *p.Importance)
	}
	if p.AccessCount != nil {
		sets = append(sets, "access_count = ?")
		args = append(args, *p.AccessCount)
	}
	if p.LastAccessed != nil {
		sets = append(sets, "last_accessed = ?")
		args = append(args, formatTime(*p.LastAccessed))
	}
	if p.Compressed != nil {
		sets = append(sets, "compressed = ?")
		args = append(args, boolToInt(*p.Compressed))
	}
	if p.Metadata != nil {
		metaJSON, err := marshalMetadata(p.Metadata)
		if err != nil {
			return err
		}
		sets = append(sets, "metadata_json = ?")
		args = append(args, metaJSON)
	}
	args = append(args, userID, id)

	// Compressed rows never match, which keeps them immutable.
	q := `UPDATE memories SET ` + strings.Join(sets, ", ") + ` WHERE user_id = ? AND id = ? AND compressed = 0`
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	return ErrImmutable
}

func (s *SQLiteStore) Delete(ctx context.Context, userID, id string) error {
	if err := checkUser(userID); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteWhere(ctx context.Context, userID string, f Filter) (int64, error) {
	if err := checkUser(userID); err != nil {
		return 0, err
	}
	where, args := buildWhere(userID, f)
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete memories: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete rows affected: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Users(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM memories ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Summary returns store-wide counters across all users.
func (s *SQLiteStore) Summary(ctx context.Context) (Summary, error) {
	var sum Summary
	const q = `SELECT count(DISTINCT user_id), count(*),
       coalesce(sum(CASE WHEN compressed = 0 THEN 1 ELSE 0 END), 0),
       coalesce(sum(CASE WHEN compressed = 1 THEN 1 ELSE 0 END), 0)
FROM memories`
	if err := s.db.QueryRowContext(ctx, q).Scan(&sum.Users, &sum.Total, &sum.Active, &sum.Compressed); err != nil {
		return sum, fmt.Errorf("summary: %w", err)
	}
	return sum, nil
}

// InsertMCPRequestLog stores one request event for admin observability.
func (s *SQLiteStore) InsertMCPRequestLog(ctx context.Context, rec MCPRequestLog) error {
	ts := rec.CreatedAt.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO mcp_requests (
		method, tool_name, user_id, success, error_text, duration_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(rec.Method),
		strings.TrimSpace(rec.ToolName),
		strings.TrimSpace(rec.UserID),
		boolToInt(rec.Success),
		strings.TrimSpace(rec.ErrorText),
		rec.DurationMS,
		formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("insert mcp request log: %w", err)
	}
	return nil
}

// RecentMCPRequestLogs returns most recent request events in newest-first order.
func (s *SQLiteStore) RecentMCPRequestLogs(ctx context.Context, limit int) ([]MCPRequestLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, method, tool_name, user_id, success, error_text, duration_ms, created_at
FROM mcp_requests
ORDER BY created_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list mcp request logs: %w", err)
	}
	defer rows.Close()

	items := make([]MCPRequestLog, 0, limit)
	for rows.Next() {
		var (
			row       MCPRequestLog
			success   int
			createdAt string
		)
		if err := rows.Scan(
			&row.ID,
			&row.Method,
			&row.ToolName,
			&row.UserID,
			&success,
			&row.ErrorText,
			&row.DurationMS,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan mcp request log: %w", err)
		}
		row.Success = success == 1
		if ts, err := parseTime(createdAt); err == nil {
			row.CreatedAt = ts
		}
		items = append(items, row)
	}
	return items, rows.Err()
}

// RecentMemories returns compact memory rows across users in newest-first order.
func (s *SQLiteStore) RecentMemories(ctx context.Context, limit int) ([]RecentMemory, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, category, content, importance, compressed, created_at
FROM memories
ORDER BY created_at DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent memories: %w", err)
	}
	defer rows.Close()

	items := make([]RecentMemory, 0, limit)
	for rows.Next() {
		var (
			row        RecentMemory
			compressed int
			createdAt  string
		)
		if err := rows.Scan(
			&row.ID,
			&row.UserID,
			&row.Category,
			&row.Content,
			&row.Importance,
			&compressed,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan recent memory: %w", err)
		}
		row.Compressed = compressed == 1
		if ts, err := parseTime(createdAt); err == nil {
			row.CreatedAt = ts
		}
		items = append(items, row)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMemoryRow(sc scanner) (types.MemoryItem, error) {
	var (
		item         types.MemoryItem
		embedding    []byte
		createdAt    string
		lastAccessed string
		compressed   int
		metadataJSON string
	)
	err := sc.Scan(
		&item.ID,
		&item.UserID,
		&item.Content,
		&item.ContentHash,
		&embedding,
		&item.Category,
		&item.Importance,
		&item.SessionID,
		&createdAt,
		&lastAccessed,
		&item.AccessCount,
		&compressed,
		&item.ParentMemoryID,
		&metadataJSON,
	)
	if err != nil {
		return item, err
	}

	item.Compressed = compressed == 1
	if item.Embedding, err = vector.Unmarshal(embedding); err != nil {
		return item, err
	}
	if err := json.Unmarshal([]byte(metadataJSON), &item.Metadata); err != nil || len(item.Metadata) == 0 {
		item.Metadata = nil
	}
	if item.CreatedAt, err = parseTime(createdAt); err != nil {
		return item, err
	}
	if item.LastAccessed, err = parseTime(lastAccessed); err != nil {
		return item, err
	}
	return item, nil
}

func marshalMetadata(meta map[string]any) (string, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
