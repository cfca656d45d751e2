package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sparkchat/spark-chat/backend/internal/model/chat"
)

// ErrNotFound 表示记录不存在或不属于当前用户。
var ErrNotFound = errors.New("record not found")

const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    model_id TEXT,
    is_pinned INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    chat_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    model_id TEXT,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    FOREIGN KEY (chat_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at);

CREATE TABLE IF NOT EXISTS brands (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS models (
    id TEXT PRIMARY KEY,
    brand_id TEXT NOT NULL,
    name TEXT NOT NULL,
    service_name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active',
    FOREIGN KEY (brand_id) REFERENCES brands(id)
);`

// Store is the sqlite-backed persistence gateway for sessions,
// messages and the model registry. Connection pooling and statement
// level atomicity come from database/sql; no connection is held across
// streaming suspend points.
type Store struct {
	db *sql.DB
}

// New opens the database at path, applies the schema and seeds the
// model registry when empty. Use ":memory:" for tests.
func New(path string) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// An in-memory database exists per connection; the pool must not
	// fan out past the one that holds the schema.
	if strings.Contains(path, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{db: db}
	if err := s.seedModels(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// seedModels 注册默认品牌与模型，仅在注册表为空时执行。
func (s *Store) seedModels() error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM models`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO brands (id, name, status) VALUES (?, ?, 'active')`,
		"iflytek", "讯飞",
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO models (id, brand_id, name, service_name, description, status)
         VALUES (?, ?, ?, ?, ?, 'active')`,
		"spark-x", "iflytek", "spark-x", "spark", "讯飞星火大模型",
	); err != nil {
		return err
	}

	return tx.Commit()
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, session chat.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, title, model_id, is_pinned, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.Title, nullable(session.ModelID),
		boolToInt(session.IsPinned), session.CreatedAt, session.UpdatedAt,
	)
	return err
}

// GetSessionForUser returns the session only when owned by userID.
func (s *Store) GetSessionForUser(ctx context.Context, id, userID string) (chat.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, model_id, is_pinned, created_at, updated_at
         FROM sessions WHERE id = ? AND user_id = ?`,
		id, userID,
	)

	var session chat.Session
	var modelID sql.NullString
	var pinned int
	err := row.Scan(&session.ID, &session.UserID, &session.Title, &modelID,
		&pinned, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, ErrNotFound
	}
	if err != nil {
		return chat.Session{}, err
	}
	session.ModelID = modelID.String
	session.IsPinned = pinned != 0
	return session, nil
}

// TouchSession bumps the session's updated_at.
func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, at, id)
	return err
}

// UpdateSession applies a rename and/or a pin flip. Nil fields are
// left untouched.
func (s *Store) UpdateSession(ctx context.Context, id, userID string, title *string, pinned *bool, at time.Time) error {
	updates := make([]string, 0, 3)
	values := make([]any, 0, 5)

	if title != nil {
		updates = append(updates, "title = ?")
		values = append(values, strings.TrimSpace(*title))
	}
	if pinned != nil {
		updates = append(updates, "is_pinned = ?")
		values = append(values, boolToInt(*pinned))
	}
	if len(updates) == 0 {
		return nil
	}

	updates = append(updates, "updated_at = ?")
	values = append(values, at, id, userID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+strings.Join(updates, ", ")+` WHERE id = ? AND user_id = ?`,
		values...,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes the session; the foreign key cascades to its
// messages.
func (s *Store) DeleteSession(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns the user's sessions, pinned first, most
// recently updated next, with message counts and the first user
// message as title fallback.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]chat.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.title, s.model_id, s.is_pinned, s.created_at, s.updated_at,
                (SELECT COUNT(*) FROM messages m WHERE m.chat_id = s.id),
                COALESCE((SELECT m.content FROM messages m
                          WHERE m.chat_id = s.id AND m.role = 'user'
                          ORDER BY m.timestamp ASC, m.id ASC LIMIT 1), '')
         FROM sessions s
         WHERE s.user_id = ?
         ORDER BY s.is_pinned DESC, s.updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]chat.SessionSummary, 0, 16)
	for rows.Next() {
		var sum chat.SessionSummary
		var modelID sql.NullString
		var pinned int
		var firstUserMessage string
		if err := rows.Scan(&sum.ID, &sum.Title, &modelID, &pinned,
			&sum.CreatedAt, &sum.UpdatedAt, &sum.MessageCount, &firstUserMessage); err != nil {
			return nil, err
		}
		sum.ModelID = modelID.String
		sum.IsPinned = pinned != 0
		if strings.TrimSpace(sum.Title) == "" {
			sum.Title = firstUserMessage
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// SaveMessage appends one message row.
func (s *Store) SaveMessage(ctx context.Context, message chat.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, user_id, model_id, role, content, timestamp)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		message.ID, message.ChatID, message.UserID, nullable(message.ModelID),
		message.Role, message.Content, message.Timestamp,
	)
	return err
}

// ListSessionMessages returns one session's messages ascending by
// timestamp, ties broken by id.
func (s *Store) ListSessionMessages(ctx context.Context, userID, chatID string) ([]chat.Message, error) {
	return s.queryMessages(ctx,
		`SELECT id, chat_id, user_id, model_id, role, content, timestamp
         FROM messages WHERE user_id = ? AND chat_id = ?
         ORDER BY timestamp ASC, id ASC`,
		userID, chatID,
	)
}

// ListAllMessages returns every message of the user grouped by session
// order.
func (s *Store) ListAllMessages(ctx context.Context, userID string) ([]chat.Message, error) {
	return s.queryMessages(ctx,
		`SELECT id, chat_id, user_id, model_id, role, content, timestamp
         FROM messages WHERE user_id = ?
         ORDER BY chat_id, timestamp ASC, id ASC`,
		userID,
	)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]chat.Message, 0, 32)
	for rows.Next() {
		var msg chat.Message
		var modelID sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.UserID, &modelID,
			&msg.Role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, err
		}
		msg.ModelID = modelID.String
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// DeleteMessage removes one message owned by the user.
func (s *Store) DeleteMessage(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveModel resolves an active registry entry with its brand name.
func (s *Store) ActiveModel(ctx context.Context, id string) (chat.Model, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT m.id, m.brand_id, m.name, m.service_name, m.description, m.status, b.name
         FROM models m
         LEFT JOIN brands b ON m.brand_id = b.id
         WHERE m.id = ? AND m.status = 'active'`,
		id,
	)

	var model chat.Model
	err := row.Scan(&model.ID, &model.BrandID, &model.Name, &model.ServiceName,
		&model.Description, &model.Status, &model.BrandName)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Model{}, ErrNotFound
	}
	if err != nil {
		return chat.Model{}, err
	}
	return model, nil
}

// ListActiveBrands returns active brands with their active models,
// for the client-side model picker.
func (s *Store) ListActiveBrands(ctx context.Context) ([]chat.Brand, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT b.id, b.name, m.id, m.name, m.service_name, m.description
         FROM brands b
         JOIN models m ON m.brand_id = b.id AND m.status = 'active'
         WHERE b.status = 'active'
         ORDER BY b.name, m.name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	brands := make([]chat.Brand, 0, 4)
	index := make(map[string]int)
	for rows.Next() {
		var brandID, brandName string
		var model chat.Model
		if err := rows.Scan(&brandID, &brandName, &model.ID, &model.Name,
			&model.ServiceName, &model.Description); err != nil {
			return nil, err
		}
		model.BrandID = brandID
		model.BrandName = brandName
		model.Status = chat.ModelStatusActive

		i, ok := index[brandID]
		if !ok {
			brands = append(brands, chat.Brand{ID: brandID, Name: brandName})
			i = len(brands) - 1
			index[brandID] = i
		}
		brands[i].Models = append(brands[i].Models, model)
	}
	return brands, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
