package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS turns (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL,
		text            TEXT    NOT NULL,
		sender          TEXT    NOT NULL CHECK (sender IN ('USER', 'ASSISTANT')),
		created_at      INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns (conversation_id, id)`,
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock used to stamp new turns.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// SQLiteStore implements Store on a SQLite database file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; concurrent appends queue in the pool.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	o := buildOptions(opts)
	return &SQLiteStore{db: db, now: o.now}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append stores a turn and returns its id.
func (s *SQLiteStore) Append(ctx context.Context, conversationID int64, sender Sender, text string) (int64, error) {
	if err := validate(sender, text); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (conversation_id, text, sender, created_at)
		VALUES (?, ?, ?, ?)
	`, conversationID, text, string(sender), s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert turn: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert turn: %w", err)
	}
	return id, nil
}

// Turns returns every turn of a conversation in ascending id order.
func (s *SQLiteStore) Turns(ctx context.Context, conversationID int64) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, text, sender, created_at
		FROM turns
		WHERE conversation_id = ?
		ORDER BY id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	turns := []Turn{}
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// RecentConversations returns one summary per conversation, newest activity first.
func (s *SQLiteStore) RecentConversations(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.conversation_id, t.text, t.sender, t.created_at
		FROM turns t
		JOIN (
			SELECT conversation_id, MAX(id) AS last_id
			FROM turns
			GROUP BY conversation_id
		) g ON t.id = g.last_id
		ORDER BY t.created_at DESC, t.id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	summaries := []Summary{}
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, Summary{ConversationID: t.ConversationID, LastTurn: t})
	}
	return summaries, rows.Err()
}

// DeleteConversation removes all turns of a conversation.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete conversation %d: %w", conversationID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(r rowScanner) (Turn, error) {
	var (
		t         Turn
		sender    string
		createdAt int64
	)
	if err := r.Scan(&t.ID, &t.ConversationID, &t.Text, &sender, &createdAt); err != nil {
		return Turn{}, fmt.Errorf("scan turn: %w", err)
	}
	t.Sender = Sender(sender)
	t.CreatedAt = time.UnixMilli(createdAt)
	return t, nil
}
