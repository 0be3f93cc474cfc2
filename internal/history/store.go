// Package history persists conversation turns, the current-session pointer
// of each chat, and the per-update interaction audit log in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"agentrelay/internal/domain"
)

// SQLiteStore implements domain.HistoryStore and domain.SessionPointerStore.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB exposes the underlying handle for diagnostics.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) EnsureConversation(ctx context.Context, conv domain.Conversation) error {
	now := s.now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, channel_user_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?)`,
		conv.SessionID, conv.ChannelUserID, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ensure conversation %s: %w: %v", conv.SessionID, domain.ErrPersistence, err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, channel_user_id, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.SessionID, &conv.ChannelUserID, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// Record appends one turn. The conversation row is created on demand so a
// turn is never orphaned.
func (s *SQLiteStore) Record(ctx context.Context, convID string, role domain.Role, text string) error {
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record turn: %w: %v", domain.ErrPersistence, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)`,
		convID, now, now,
	); err != nil {
		return fmt.Errorf("record turn: %w: %v", domain.ErrPersistence, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (conversation_id, role, text, created_at) VALUES (?, ?, ?, ?)`,
		convID, string(role), text, now,
	); err != nil {
		return fmt.Errorf("record turn: %w: %v", domain.ErrPersistence, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, convID,
	); err != nil {
		return fmt.Errorf("record turn: %w: %v", domain.ErrPersistence, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record turn: %w: %v", domain.ErrPersistence, err)
	}
	return nil
}

// Replay returns every turn of the conversation, oldest first.
func (s *SQLiteStore) Replay(ctx context.Context, convID string) ([]domain.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, text, created_at
		 FROM turns WHERE conversation_id = ?
		 ORDER BY created_at ASC, id ASC`, convID,
	)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w: %v", convID, domain.ErrPersistence, err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

// Recent returns the last limit turns, oldest first.
func (s *SQLiteStore) Recent(ctx context.Context, convID string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, text, created_at
		 FROM turns WHERE conversation_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`, convID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent %s: %w: %v", convID, domain.ErrPersistence, err)
	}
	defer rows.Close()

	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	// Reverse to chronological order
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func scanTurns(rows *sql.Rows) ([]domain.Turn, error) {
	turns := []domain.Turn{}
	for rows.Next() {
		var t domain.Turn
		var role string
		if err := rows.Scan(&t.ID, &t.ConversationID, &role, &t.Text, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w: %v", domain.ErrPersistence, err)
		}
		t.Role = domain.Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan turns: %w: %v", domain.ErrPersistence, err)
	}
	return turns, nil
}

// ListConversations returns conversations by most recent activity first.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_user_id, created_at, updated_at
		 FROM conversations ORDER BY updated_at DESC, id ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w: %v", domain.ErrPersistence, err)
	}
	defer rows.Close()

	convs := []domain.Conversation{}
	for rows.Next() {
		var c domain.Conversation
		if err := rows.Scan(&c.SessionID, &c.ChannelUserID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w: %v", domain.ErrPersistence, err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (s *SQLiteStore) LogInteraction(ctx context.Context, it domain.Interaction) error {
	if it.CreatedAt.IsZero() {
		it.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interactions (chat_id, username, first_name, last_name, message_type,
		   message_content, reply_message, download_file, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ChatID, it.Username, it.FirstName, it.LastName, it.MessageType,
		it.MessageContent, it.ReplyMessage, it.DownloadFile, it.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("log interaction: %w: %v", domain.ErrPersistence, err)
	}
	return nil
}

// CountInteractions returns the number of audit rows for a chat.
func (s *SQLiteStore) CountInteractions(ctx context.Context, chatID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM interactions WHERE chat_id = ?`, chatID,
	).Scan(&n)
	return n, err
}

// --- session pointer ---

// CurrentSession returns the chat's active session, or "" when none exists.
func (s *SQLiteStore) CurrentSession(ctx context.Context, channelUserID string) (string, time.Time, error) {
	var sessionID string
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, updated_at FROM chat_sessions WHERE channel_user_id = ?`, channelUserID,
	).Scan(&sessionID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("current session: %w: %v", domain.ErrPersistence, err)
	}
	return sessionID, updatedAt, nil
}

func (s *SQLiteStore) SetCurrentSession(ctx context.Context, channelUserID, sessionID string) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (channel_user_id, session_id, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(channel_user_id) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		channelUserID, sessionID, now,
	)
	if err != nil {
		return fmt.Errorf("set current session: %w: %v", domain.ErrPersistence, err)
	}
	return nil
}

func (s *SQLiteStore) TouchSession(ctx context.Context, channelUserID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET updated_at = ? WHERE channel_user_id = ?`, s.now(), channelUserID,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w: %v", domain.ErrPersistence, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
