package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"chatrelay/internal/model"
	"chatrelay/pkg/logger"

	// register the pgx database/sql driver as "pgx"
	_ "github.com/jackc/pgx/v5/stdlib"
	// register the sqlite driver as "sqlite"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// SQLStorage keeps conversations, messages and the usage ledger in SQLite or
// PostgreSQL. Timestamps are stored as unix nanoseconds so one schema serves
// both.
type SQLStorage struct {
	driver string
	dsn    string
	db     *sql.DB
}

func NewSQLStorage(driver, dsn string) *SQLStorage {
	return &SQLStorage{driver: driver, dsn: dsn}
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	model TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC);
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	model TEXT NOT NULL,
	created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
CREATE TABLE IF NOT EXISTS usage_records (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt_chars BIGINT NOT NULL,
	completion_chars BIGINT NOT NULL,
	credits DOUBLE PRECISION NOT NULL,
	created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_conversation ON usage_records(conversation_id, created_at);
`

func (s *SQLStorage) Init() error {
	if s.driver == DriverSQLite && s.dsn != ":memory:" && !strings.HasPrefix(s.dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(s.dsn), 0o755); err != nil {
			return fmt.Errorf("%w: create database directory: %v", ErrStorageInit, err)
		}
	}

	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrStorageInit, s.driver, err)
	}
	if s.driver == DriverSQLite {
		// one connection keeps :memory: databases alive and serialises writers
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range strings.Split(sqlSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return fmt.Errorf("%w: apply schema: %v", ErrStorageInit, err)
		}
	}

	s.db = db
	logger.Infof("SQL storage initialized (driver %s)", s.driver)
	return nil
}

func (s *SQLStorage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Backup snapshots a file-backed SQLite database into a backup directory next
// to it with VACUUM INTO. PostgreSQL and in-memory databases are left to their
// own tooling.
func (s *SQLStorage) Backup() error {
	if s.driver != DriverSQLite || s.dsn == ":memory:" || strings.HasPrefix(s.dsn, "file:") {
		return nil
	}

	dir := filepath.Join(filepath.Dir(s.dsn), backupDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create backup directory: %v", ErrFileOperation, err)
	}
	name := strings.TrimSuffix(filepath.Base(s.dsn), filepath.Ext(s.dsn))
	target := filepath.Join(dir, fmt.Sprintf("%s_%d.db", name, time.Now().UnixNano()))

	if _, err := s.db.Exec("VACUUM INTO '" + strings.ReplaceAll(target, "'", "''") + "'"); err != nil {
		return fmt.Errorf("%w: backup: %v", ErrFileOperation, err)
	}
	logger.Infof("SQLite backup written to %s", target)
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStorage) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStorage) exec(query string, args ...any) (sql.Result, error) {
	return s.db.Exec(s.rebind(query), args...)
}

func (s *SQLStorage) query(query string, args ...any) (*sql.Rows, error) {
	return s.db.Query(s.rebind(query), args...)
}

func (s *SQLStorage) CreateConversation(conv *model.Conversation) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(s.rebind(`INSERT INTO conversations(id, title, model, created_at, updated_at) VALUES(?, ?, ?, ?, ?)`),
		conv.ID, conv.Title, conv.Model, conv.CreatedAt.UnixNano(), conv.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	for i := range conv.Messages {
		if err := s.insertMessage(tx, conv.ID, &conv.Messages[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStorage) GetConversation(conversationID string) (*model.Conversation, error) {
	rows, err := s.query(`SELECT id, title, model, created_at, updated_at FROM conversations WHERE id = ?`, conversationID)
	if err != nil {
		return nil, err
	}
	convs, err := scanConversations(rows)
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return nil, ErrConversationNotFound
	}

	conv := convs[0]
	messages, err := s.GetMessages(conversationID)
	if err != nil {
		return nil, err
	}
	for _, msg := range messages {
		conv.Messages = append(conv.Messages, *msg)
	}
	return conv, nil
}

func (s *SQLStorage) ListConversations() ([]*model.Conversation, error) {
	rows, err := s.query(`SELECT id, title, model, created_at, updated_at FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	return scanConversations(rows)
}

func (s *SQLStorage) DeleteConversation(conversationID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(s.rebind(`DELETE FROM messages WHERE conversation_id = ?`), conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.Exec(s.rebind(`DELETE FROM conversations WHERE id = ?`), conversationID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	return tx.Commit()
}

func (s *SQLStorage) DeleteIdleSince(cutoff time.Time) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(s.rebind(`
DELETE FROM messages WHERE conversation_id IN (SELECT id FROM conversations WHERE updated_at < ?)`), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete idle messages: %w", err)
	}
	res, err := tx.Exec(s.rebind(`DELETE FROM conversations WHERE updated_at < ?`), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete idle conversations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), tx.Commit()
}

func (s *SQLStorage) AddMessage(conversationID string, message *model.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(s.rebind(`UPDATE conversations SET updated_at = ? WHERE id = ?`),
		touchTime(message).UnixNano(), conversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	if err := s.insertMessage(tx, conversationID, message); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStorage) insertMessage(tx *sql.Tx, conversationID string, msg *model.Message) error {
	_, err := tx.Exec(s.rebind(`
INSERT INTO messages(id, conversation_id, seq, role, content, model, created_at)
VALUES(?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?), ?, ?, ?, ?)`),
		msg.ID, conversationID, conversationID, msg.Role, msg.Content, msg.Model, msg.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *SQLStorage) GetMessages(conversationID string) ([]*model.Message, error) {
	var exists int
	err := s.db.QueryRow(s.rebind(`SELECT 1 FROM conversations WHERE id = ?`), conversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.query(`
SELECT id, conversation_id, role, content, model, created_at
FROM messages WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []*model.Message{}
	for rows.Next() {
		var msg model.Message
		var ts int64
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.Model, &ts); err != nil {
			return nil, err
		}
		msg.Timestamp = time.Unix(0, ts)
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

func (s *SQLStorage) RecordUsage(record *model.UsageRecord) error {
	_, err := s.exec(`
INSERT INTO usage_records(id, conversation_id, message_id, model, prompt_chars, completion_chars, credits, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.ConversationID, record.MessageID, record.Model,
		record.PromptChars, record.CompletionChars, record.Credits, record.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (s *SQLStorage) ListUsage(conversationID string) ([]*model.UsageRecord, error) {
	q := `SELECT id, conversation_id, message_id, model, prompt_chars, completion_chars, credits, created_at FROM usage_records`
	var args []any
	if conversationID != "" {
		q += ` WHERE conversation_id = ?`
		args = append(args, conversationID)
	}
	q += ` ORDER BY created_at`

	rows, err := s.query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*model.UsageRecord{}
	for rows.Next() {
		var rec model.UsageRecord
		var ts int64
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &rec.MessageID, &rec.Model,
			&rec.PromptChars, &rec.CompletionChars, &rec.Credits, &ts); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.Unix(0, ts)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func scanConversations(rows *sql.Rows) ([]*model.Conversation, error) {
	defer rows.Close()

	convs := []*model.Conversation{}
	for rows.Next() {
		var conv model.Conversation
		var created, updated int64
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.Model, &created, &updated); err != nil {
			return nil, err
		}
		conv.CreatedAt = time.Unix(0, created)
		conv.UpdatedAt = time.Unix(0, updated)
		convs = append(convs, &conv)
	}
	return convs, rows.Err()
}
