package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sparkchat/spark-chat/backend/internal/model/chat"
	chatservice "github.com/sparkchat/spark-chat/backend/internal/service/chat"
	"github.com/sparkchat/spark-chat/backend/internal/service/provider"
)

// ErrEmptyMessage rejects a send with no content, before any streaming
// begins.
var ErrEmptyMessage = errors.New("message must not be empty")

// 未指定模型时使用的默认上游模型名。
const defaultModelName = "spark-x"

// Upstream is the byte-chunk view of one in-flight provider stream.
type Upstream interface {
	Next() ([]byte, error)
	Cancel()
	Close() error
}

// openFunc opens an upstream stream; tests substitute scripted ones.
type openFunc func(ctx context.Context, model string, messages []provider.Message) (Upstream, error)

// SendRequest carries one message-send from an authenticated client.
type SendRequest struct {
	UserID  string
	Message string
	ModelID string
	ChatID  string
}

// Service is the relay orchestrator: it persists the user turn, opens
// the upstream stream, forwards provider frames downstream while
// reconstructing the answer, and persists the final (possibly partial)
// assistant message when the stream concludes.
type Service struct {
	open    openFunc
	chatSvc *chatservice.Service
	logger  *zap.SugaredLogger
}

// NewService wires the orchestrator to the provider client and chat
// service.
func NewService(client *provider.Client, chatSvc *chatservice.Service, logger *zap.SugaredLogger) *Service {
	return &Service{
		open: func(ctx context.Context, model string, messages []provider.Message) (Upstream, error) {
			return client.StreamChat(ctx, model, messages)
		},
		chatSvc: chatSvc,
		logger:  logger,
	}
}

// streamState is the per-request bookkeeping; it never outlives the
// request.
type streamState struct {
	aborted atomic.Bool
	decoder Decoder
	acc     Accumulator
}

// SendMessage runs the full relay for one message. Errors are returned
// only while the response is still uncommitted; once streaming has
// begun every failure is reported in-band and nil is returned so the
// handler does not double-respond.
func (s *Service) SendMessage(ctx context.Context, w http.ResponseWriter, req SendRequest) error {
	if strings.TrimSpace(req.Message) == "" {
		return ErrEmptyMessage
	}

	modelName := defaultModelName
	if req.ModelID != "" {
		model, err := s.chatSvc.ResolveModel(ctx, req.ModelID)
		if err != nil {
			return err
		}
		modelName = model.Name
	}

	writer, err := NewWriter(w)
	if err != nil {
		return err
	}

	session, created, err := s.chatSvc.EnsureSession(ctx, req.UserID, req.ChatID, req.ModelID, req.Message)
	if err != nil {
		return err
	}
	if created {
		s.logger.Infow("session created", "chatId", session.ID, "userId", req.UserID)
	}

	if _, err := s.chatSvc.SaveMessage(ctx, chat.Message{
		ChatID:  session.ID,
		UserID:  req.UserID,
		ModelID: req.ModelID,
		Role:    chat.RoleUser,
		Content: req.Message,
	}); err != nil {
		return err
	}

	// The response commits here; from now on failures travel in-band.
	writer.Begin()
	if err := writer.AnnounceChatID(session.ID); err != nil {
		return nil
	}

	upstream, err := s.open(ctx, modelName, []provider.Message{
		{Role: chat.RoleUser, Content: req.Message},
	})
	if err != nil {
		s.logger.Warnw("upstream open failed", "chatId", session.ID, "err", err)
		_ = writer.Error(err.Error())
		return nil
	}
	defer upstream.Close()

	state := &streamState{}

	// Observe the client going away without blocking the read loop.
	// The flag is advisory; the current upstream read is allowed to
	// finish, but the socket is released promptly.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			state.aborted.Store(true)
			upstream.Cancel()
		case <-watchDone:
		}
	}()

	pumpErr := s.pump(writer, upstream, state)
	finalText := state.acc.String()

	switch {
	case state.aborted.Load():
		// Client disconnect is not a failure: keep what the user saw,
		// trimmed like any interrupted fragment.
		partial := strings.TrimSpace(finalText)
		s.persistAssistant(ctx, session.ID, req, partial)
		_ = writer.Aborted()
		s.logger.Infow("stream aborted by client", "chatId", session.ID, "persisted", partial != "")
		return nil

	case pumpErr != nil:
		s.persistAssistant(ctx, session.ID, req, strings.TrimSpace(finalText))
		_ = writer.Error(pumpErr.Error())
		s.logger.Warnw("upstream stream failed", "chatId", session.ID, "err", pumpErr)
		return nil

	default:
		_ = writer.Done()
		// A completed answer is stored exactly as it was streamed.
		s.persistAssistant(ctx, session.ID, req, finalText)
		s.logger.Infow("stream completed", "chatId", session.ID, "length", len(finalText))
		return nil
	}
}

// pump forwards upstream chunks downstream in arrival order while
// feeding the decoder and accumulator. Forwarding stops once the
// request is aborted, but decoding continues until the physical read
// loop ends so bookkeeping stays exact.
func (s *Service) pump(writer *Writer, upstream Upstream, state *streamState) error {
	for {
		chunk, err := upstream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if state.aborted.Load() || errors.Is(err, context.Canceled) {
				state.aborted.Store(true)
				return nil
			}
			return err
		}

		if !state.aborted.Load() {
			if werr := writer.WriteRaw(chunk); werr != nil {
				// Downstream gone mid-write: same as a disconnect.
				state.aborted.Store(true)
				upstream.Cancel()
			}
		}

		for _, payload := range state.decoder.Feed(chunk) {
			state.acc.Feed(payload)
		}
	}
}

// persistAssistant writes the assistant message when any non-whitespace
// content was produced. Whitespace-only or empty output persists
// nothing, for completed and interrupted streams alike; the content is
// otherwise stored as given.
func (s *Service) persistAssistant(ctx context.Context, chatID string, req SendRequest, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	// The request context is already canceled when the client
	// disconnected; the write must still land.
	ctx = context.WithoutCancel(ctx)
	if _, err := s.chatSvc.SaveMessage(ctx, chat.Message{
		ChatID:  chatID,
		UserID:  req.UserID,
		ModelID: req.ModelID,
		Role:    chat.RoleAssistant,
		Content: content,
	}); err != nil {
		s.logger.Errorw("failed to save assistant message", "chatId", chatID, "err", err)
	}
}
