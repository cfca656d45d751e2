package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sparkchat/spark-chat/backend/internal/model/chat"
	"github.com/sparkchat/spark-chat/backend/internal/store"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrModelNotFound   = errors.New("model not found or disabled")
)

// 会话标题取首条用户消息的前 30 个字符。
const titleRuneLimit = 30

// Service encapsulates conversation state management over the
// persistence gateway.
type Service struct {
	store *store.Store
}

// NewService wires the chat service to its store.
func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

// EnsureSession resolves the session a message belongs to. A supplied
// identifier that is unknown (or owned by someone else) is recreated
// under the caller rather than rejected; an empty identifier yields a
// fresh one. Existing sessions only get their updated timestamp
// bumped. The second return reports whether a row was created.
func (s *Service) EnsureSession(ctx context.Context, userID, chatID, modelID, firstMessage string) (chat.Session, bool, error) {
	now := time.Now().UTC()

	supplied := chatID != ""
	if supplied {
		session, err := s.store.GetSessionForUser(ctx, chatID, userID)
		if err == nil {
			if err := s.store.TouchSession(ctx, session.ID, now); err != nil {
				return chat.Session{}, false, err
			}
			session.UpdatedAt = now
			return session, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return chat.Session{}, false, err
		}
	} else {
		chatID = uuid.NewString()
	}

	session := chat.Session{
		ID:        chatID,
		UserID:    userID,
		Title:     TruncateTitle(firstMessage),
		ModelID:   modelID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		if !supplied {
			return chat.Session{}, false, err
		}
		// The supplied identifier belongs to someone else; recreate
		// the session under a fresh one rather than failing the send.
		session.ID = uuid.NewString()
		if err := s.store.CreateSession(ctx, session); err != nil {
			return chat.Session{}, false, err
		}
	}
	return session, true, nil
}

// CreateSession provisions an empty session, used by the explicit
// new-session endpoint.
func (s *Service) CreateSession(ctx context.Context, userID, title, modelID string) (chat.Session, error) {
	now := time.Now().UTC()
	session := chat.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     strings.TrimSpace(title),
		ModelID:   modelID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return chat.Session{}, err
	}
	return session, nil
}

// SaveMessage appends a message to the session history and bumps the
// session's updated timestamp.
func (s *Service) SaveMessage(ctx context.Context, message chat.Message) (chat.Message, error) {
	if message.ChatID == "" {
		return chat.Message{}, ErrSessionNotFound
	}

	message.ID = uuid.NewString()
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}

	if err := s.store.SaveMessage(ctx, message); err != nil {
		return chat.Message{}, err
	}
	if err := s.store.TouchSession(ctx, message.ChatID, message.Timestamp); err != nil {
		return chat.Message{}, err
	}
	return message, nil
}

// ResolveModel validates that the referenced model exists and is
// active.
func (s *Service) ResolveModel(ctx context.Context, modelID string) (chat.Model, error) {
	model, err := s.store.ActiveModel(ctx, modelID)
	if errors.Is(err, store.ErrNotFound) {
		return chat.Model{}, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	if err != nil {
		return chat.Model{}, err
	}
	return model, nil
}

// ListSessions returns the user's session summaries.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]chat.SessionSummary, error) {
	return s.store.ListSessions(ctx, userID)
}

// SessionHistory returns stored messages for one session, oldest
// first.
func (s *Service) SessionHistory(ctx context.Context, userID, chatID string) ([]chat.Message, error) {
	return s.store.ListSessionMessages(ctx, userID, chatID)
}

// FullHistory returns every message of the user grouped by session.
func (s *Service) FullHistory(ctx context.Context, userID string) (map[string][]chat.Message, error) {
	messages, err := s.store.ListAllMessages(ctx, userID)
	if err != nil {
		return nil, err
	}

	grouped := make(map[string][]chat.Message)
	for _, msg := range messages {
		grouped[msg.ChatID] = append(grouped[msg.ChatID], msg)
	}
	return grouped, nil
}

// UpdateSession renames and/or pins a session.
func (s *Service) UpdateSession(ctx context.Context, userID, chatID string, title *string, pinned *bool) error {
	err := s.store.UpdateSession(ctx, chatID, userID, title, pinned, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionNotFound
	}
	return err
}

// DeleteSession removes a session and, by cascade, its messages.
func (s *Service) DeleteSession(ctx context.Context, userID, chatID string) error {
	err := s.store.DeleteSession(ctx, chatID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionNotFound
	}
	return err
}

// DeleteMessage removes a single message owned by the user.
func (s *Service) DeleteMessage(ctx context.Context, userID, messageID string) error {
	err := s.store.DeleteMessage(ctx, messageID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil // original behaviour: deleting an unknown message succeeds
	}
	return err
}

// AvailableBrands lists active brands with their active models.
func (s *Service) AvailableBrands(ctx context.Context) ([]chat.Brand, error) {
	return s.store.ListActiveBrands(ctx)
}

// TruncateTitle derives a session title from a message, capped at a
// rune boundary so multi-byte text is never cut mid-character.
func TruncateTitle(message string) string {
	runes := []rune(strings.TrimSpace(message))
	if len(runes) <= titleRuneLimit {
		return string(runes)
	}
	return string(runes[:titleRuneLimit])
}
