package relay

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterFramesAndHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	w.Begin()
	require.NoError(t, w.AnnounceChatID("chat-1"))
	require.NoError(t, w.WriteRaw([]byte("data: {\"choices\":[]}\n\n")))
	require.NoError(t, w.Done())

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	body := rec.Body.String()
	require.Contains(t, body, `data: {"type":"chatId","chatId":"chat-1"}`+"\n\n")
	require.Contains(t, body, "data: {\"choices\":[]}\n\n")
	require.Contains(t, body, "data: [DONE]\n\n")
}

func TestWriterControlFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)
	w.Begin()

	require.NoError(t, w.Aborted())
	require.NoError(t, w.Error("boom"))

	body := rec.Body.String()
	require.Contains(t, body, `data: {"type":"aborted"}`+"\n\n")
	require.Contains(t, body, `data: {"type":"error","error":"boom"}`+"\n\n")
}

type brokenWriter struct {
	httptest.ResponseRecorder
}

func (b *brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func (b *brokenWriter) Flush() {}

func TestWriterReportsFailureAndStaysFailed(t *testing.T) {
	w, err := NewWriter(&brokenWriter{})
	require.NoError(t, err)

	require.Error(t, w.WriteRaw([]byte("x")))
	// Later writes fail fast without touching the connection again.
	require.Error(t, w.Aborted())
}

type noFlushWriter struct{ http.ResponseWriter }

func TestWriterRequiresFlusher(t *testing.T) {
	_, err := NewWriter(noFlushWriter{})
	require.ErrorIs(t, err, ErrStreamingUnsupported)
}
