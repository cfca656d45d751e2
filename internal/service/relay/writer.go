package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sparkchat/spark-chat/backend/pkg/utils"
)

// ErrStreamingUnsupported is returned when the response writer cannot
// flush incrementally.
var ErrStreamingUnsupported = errors.New("streaming unsupported by connection")

// Control frames injected by the relay, distinguished from provider
// passthrough by the type discriminator.
type controlFrame struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Writer emits the event-stream response towards the browser. A failed
// write (connection already gone) is remembered and reported to the
// caller instead of panicking, so the orchestrator can stop forwarding
// cleanly.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	err     error
}

// NewWriter validates that the connection supports streaming.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// Begin commits the response: SSE headers plus the status line. After
// this point errors can only travel in-band.
func (sw *Writer) Begin() {
	utils.SetupSSEHeaders(sw.w)
	sw.w.WriteHeader(http.StatusOK)
	sw.flusher.Flush()
}

// WriteRaw forwards provider bytes verbatim.
func (sw *Writer) WriteRaw(chunk []byte) error {
	if sw.err != nil {
		return sw.err
	}
	if _, err := sw.w.Write(chunk); err != nil {
		sw.err = fmt.Errorf("downstream write failed: %w", err)
		return sw.err
	}
	sw.flusher.Flush()
	return nil
}

// AnnounceChatID tells the client which session this stream belongs
// to, sent once before any provider bytes.
func (sw *Writer) AnnounceChatID(chatID string) error {
	return sw.control(controlFrame{Type: "chatId", ChatID: chatID})
}

// Aborted signals that the stream ended because the client went away.
func (sw *Writer) Aborted() error {
	return sw.control(controlFrame{Type: "aborted"})
}

// Error carries an upstream failure in-band.
func (sw *Writer) Error(message string) error {
	return sw.control(controlFrame{Type: "error", Error: message})
}

// Done emits the terminal sentinel marking normal completion.
func (sw *Writer) Done() error {
	return sw.WriteRaw([]byte("data: " + doneSentinel + "\n\n"))
}

func (sw *Writer) control(frame controlFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return sw.WriteRaw([]byte("data: " + string(payload) + "\n\n"))
}
