// Package chatstore is a local SQLite-backed cache of conversations. The
// backend owns the durable copy; this cache serves offline listing and
// crash recovery of unsaved turns.
package chatstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/suzent/suzent-client/internal/chat"
	"github.com/suzent/suzent-client/internal/lockfile"
)

// Store wraps the local conversations database.
//
// WAL is enabled to support concurrent reads while a checkpoint write is in
// flight.
type Store struct {
	db   *sql.DB
	lock *lockfile.Lock
}

// ErrLocked is returned by Open when another process holds the cache.
var ErrLocked = errors.New("chatstore: cache is locked by another process")

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	// A single writer per cache file. SQLite would serialize writes anyway,
	// but two interactive sessions checkpointing the same conversation would
	// silently overwrite each other's rows.
	lock, err := lockfile.Acquire(p + ".lock")
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, p)
		}
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		_ = lock.Release()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		_ = lock.Release()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db, lock: lock}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if s.lock != nil {
		if rerr := s.lock.Release(); err == nil {
			err = rerr
		}
	}
	return err
}

// Row is one cached conversation with local bookkeeping.
type Row struct {
	ConversationID     string `json:"conversation_id"`
	Title              string `json:"title"`
	CreatedAtUnixMs    int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs    int64  `json:"updated_at_unix_ms"`
	LastMessagePreview string `json:"last_message_preview"`
}

type Cursor struct {
	UpdatedAtUnixMs int64
	ConversationID  string
}

// EncodeCursor encodes a cursor as a URL-safe base64 string.
func EncodeCursor(c Cursor) string {
	if c.UpdatedAtUnixMs <= 0 || strings.TrimSpace(c.ConversationID) == "" {
		return ""
	}
	raw := fmt.Sprintf("%d:%s", c.UpdatedAtUnixMs, strings.TrimSpace(c.ConversationID))
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(raw string) (Cursor, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Cursor{}, true
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return Cursor{}, false
	}
	parts := strings.SplitN(string(b), ":", 2)
	if len(parts) != 2 {
		return Cursor{}, false
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || ms <= 0 {
		return Cursor{}, false
	}
	id := strings.TrimSpace(parts[1])
	if id == "" {
		return Cursor{}, false
	}
	return Cursor{UpdatedAtUnixMs: ms, ConversationID: id}, true
}

// Save upserts the full conversation. Config and messages are stored as
// JSON columns so schema changes in either stay additive.
func (s *Store) Save(ctx context.Context, conv chat.Conversation) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id := strings.TrimSpace(conv.ID)
	if id == "" {
		return errors.New("missing conversation id")
	}

	configJSON, err := json.Marshal(conv.Config)
	if err != nil {
		return err
	}
	messages := conv.Messages
	if messages == nil {
		messages = []chat.Message{}
	}
	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	created := conv.CreatedAtUnixMs
	if created <= 0 {
		created = now
	}
	updated := conv.UpdatedAtUnixMs
	if updated <= 0 {
		updated = now
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO conversations(
  conversation_id, title, config_json, messages_json, should_reset,
  created_at_unix_ms, updated_at_unix_ms, last_message_preview
) VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(conversation_id) DO UPDATE SET
  title = excluded.title,
  config_json = excluded.config_json,
  messages_json = excluded.messages_json,
  should_reset = excluded.should_reset,
  updated_at_unix_ms = excluded.updated_at_unix_ms,
  last_message_preview = excluded.last_message_preview
`,
		id,
		strings.TrimSpace(conv.Title),
		string(configJSON),
		string(messagesJSON),
		boolToInt(conv.ShouldReset),
		created,
		updated,
		buildPreview(messages),
	)
	return err
}

// Get returns the cached conversation, or nil when not present.
func (s *Store) Get(ctx context.Context, conversationID string) (*chat.Conversation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id := strings.TrimSpace(conversationID)
	if id == "" {
		return nil, errors.New("missing conversation id")
	}

	var (
		conv         chat.Conversation
		configJSON   string
		messagesJSON string
		shouldReset  int
	)
	err := s.db.QueryRowContext(ctx, `
SELECT conversation_id, title, config_json, messages_json, should_reset,
       created_at_unix_ms, updated_at_unix_ms
FROM conversations
WHERE conversation_id = ?
`, id).Scan(
		&conv.ID,
		&conv.Title,
		&configJSON,
		&messagesJSON,
		&shouldReset,
		&conv.CreatedAtUnixMs,
		&conv.UpdatedAtUnixMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if configJSON != "" {
		if err := json.Unmarshal([]byte(configJSON), &conv.Config); err != nil {
			return nil, fmt.Errorf("corrupt config for %s: %w", id, err)
		}
	}
	if messagesJSON != "" {
		if err := json.Unmarshal([]byte(messagesJSON), &conv.Messages); err != nil {
			return nil, fmt.Errorf("corrupt messages for %s: %w", id, err)
		}
	}
	conv.ShouldReset = shouldReset != 0
	return &conv, nil
}

// List returns conversation summaries newest-first, keyset-paginated.
func (s *Store) List(ctx context.Context, limit int, cursor Cursor) ([]Row, string, error) {
	if s == nil || s.db == nil {
		return nil, "", errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	args := []any{}
	where := ""
	if cursor.UpdatedAtUnixMs > 0 && strings.TrimSpace(cursor.ConversationID) != "" {
		where = "WHERE (updated_at_unix_ms < ? OR (updated_at_unix_ms = ? AND conversation_id < ?))"
		args = append(args, cursor.UpdatedAtUnixMs, cursor.UpdatedAtUnixMs, strings.TrimSpace(cursor.ConversationID))
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
SELECT conversation_id, title, created_at_unix_ms, updated_at_unix_ms, last_message_preview
FROM conversations
%s
ORDER BY updated_at_unix_ms DESC, conversation_id DESC
LIMIT ?
`, where)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	out := make([]Row, 0, limit)
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ConversationID, &r.Title, &r.CreatedAtUnixMs, &r.UpdatedAtUnixMs, &r.LastMessagePreview); err != nil {
			return nil, "", err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	if len(out) == 0 {
		return out, "", nil
	}
	last := out[len(out)-1]
	next := EncodeCursor(Cursor{UpdatedAtUnixMs: last.UpdatedAtUnixMs, ConversationID: last.ConversationID})
	return out, next, nil
}

func (s *Store) Delete(ctx context.Context, conversationID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id := strings.TrimSpace(conversationID)
	if id == "" {
		return errors.New("missing conversation id")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE conversation_id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 2

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRow(`
SELECT COUNT(1)
FROM sqlite_master
WHERE type = 'table' AND name = 'conversations'
`).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS conversations (
  conversation_id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '',
  config_json TEXT NOT NULL DEFAULT '{}',
  messages_json TEXT NOT NULL DEFAULT '[]',
  should_reset INTEGER NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  last_message_preview TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at_unix_ms DESC, conversation_id DESC);
`); err != nil {
			return err
		}
	}

	if has, err := columnExists(tx, "conversations", "last_message_preview"); err != nil {
		return err
	} else if !has {
		if _, err := tx.Exec(`ALTER TABLE conversations ADD COLUMN last_message_preview TEXT NOT NULL DEFAULT ''`); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func columnExists(tx *sql.Tx, tableName string, colName string) (bool, error) {
	tableName = strings.TrimSpace(tableName)
	colName = strings.TrimSpace(colName)
	if tableName == "" || colName == "" {
		return false, errors.New("invalid table/column")
	}

	rows, err := tx.Query(`PRAGMA table_info(` + tableName + `)`)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name string
		var ctype string
		var notNull int
		var defaultValue sql.NullString
		var primaryKey int
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &defaultValue, &primaryKey); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), colName) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return false, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func buildPreview(messages []chat.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		text := strings.TrimSpace(messages[i].Content)
		if text == "" {
			continue
		}
		text = strings.ReplaceAll(text, "\n", " ")
		text = strings.ReplaceAll(text, "\r", " ")
		return truncateRunes(strings.TrimSpace(text), 160)
	}
	return ""
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n >= max {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return strings.TrimSpace(s)
}
