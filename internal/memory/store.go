// Package memory is the agent's durable recall: the chat log and a small
// key-value scratchpad in SQLite, plus the builder that turns them and the
// prompt files into the system context for each task.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Direction of a chat message relative to the agent.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Well-known kv keys.
const (
	KeyScratchpad = "scratchpad"
	KeyIdentity   = "identity"
)

// ChatMessage is one logged chat turn.
type ChatMessage struct {
	ID        int64
	ChatID    int64
	Direction string
	Author    string
	Text      string
	TaskID    string
	CreatedAt time.Time
}

// Store is the SQLite-backed memory.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open initializes the SQLite database at the given path. ":memory:" is
// accepted for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	chatTable := `
	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id INTEGER NOT NULL,
		direction TEXT NOT NULL,
		author TEXT,
		text TEXT NOT NULL,
		task_id TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_chat ON chat_messages(chat_id, id);
	`

	kvTable := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	for _, table := range []string{chatTable, kvTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendMessage logs a chat turn.
func (s *Store) AppendMessage(ctx context.Context, m ChatMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (chat_id, direction, author, text, task_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ChatID, m.Direction, m.Author, m.Text, m.TaskID, m.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("append chat message: %w", err)
	}
	return nil
}

// HistoryQuery selects chat messages. Count is taken from the newest end
// after skipping Offset; ChatID 0 means all chats.
type HistoryQuery struct {
	ChatID int64
	Count  int
	Offset int
	Search string
}

// History returns matching messages in chronological order.
func (s *Store) History(ctx context.Context, q HistoryQuery) ([]ChatMessage, error) {
	if q.Count <= 0 {
		q.Count = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	var where []string
	var args []any
	if q.ChatID != 0 {
		where = append(where, "chat_id = ?")
		args = append(args, q.ChatID)
	}
	if q.Search != "" {
		where = append(where, "text LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(q.Search)+"%")
	}
	query := `SELECT id, chat_id, direction, author, text, task_id, created_at FROM chat_messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, q.Count, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chat history: %w", err)
	}
	defer rows.Close()

	var out []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var author, taskID sql.NullString
		var created int64
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Direction, &author, &m.Text, &taskID, &created); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.Author = author.String
		m.TaskID = taskID.String
		m.CreatedAt = time.UnixMilli(created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// newest-first from SQL, callers want reading order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Get returns a kv value.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Set upserts a kv value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// FormatHistory renders messages one per line for the model.
func FormatHistory(msgs []ChatMessage) string {
	if len(msgs) == 0 {
		return "(no messages)"
	}
	var sb strings.Builder
	for _, m := range msgs {
		who := m.Author
		if m.Direction == DirectionOut {
			who = "ouroboros"
		} else if who == "" {
			who = fmt.Sprintf("chat %d", m.ChatID)
		}
		fmt.Fprintf(&sb, "[%s] %s: %s\n", m.CreatedAt.UTC().Format("2006-01-02 15:04"), who, m.Text)
	}
	return strings.TrimRight(sb.String(), "\n")
}
