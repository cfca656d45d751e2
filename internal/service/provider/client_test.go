package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sparkchat/spark-chat/backend/internal/config"
)

func testConfig(baseURL string) config.ProviderConfig {
	return config.ProviderConfig{
		BaseURL: baseURL,
		APIKey:  "test-key",
		Timeout: 10 * time.Second,
	}
}

func collect(t *testing.T, s *Stream) []byte {
	t.Helper()
	var out []byte
	for {
		chunk, err := s.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, chunk...)
	}
}

func TestStreamChatForwardsRequestAndChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Contains(t, string(body), `"stream":true`)
		require.Contains(t, string(body), `"model":"spark-x"`)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
		flusher.Flush()
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))
	stream, err := client.StreamChat(context.Background(), "spark-x", []Message{
		{Role: "user", Content: "hello"},
	})
	require.NoError(t, err)
	defer stream.Close()

	got := collect(t, stream)
	require.Contains(t, string(got), `"content":"hi"`)
	require.Contains(t, string(got), "data: [DONE]")
}

func TestStreamChatNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"invalid api key"}`)
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))
	_, err := client.StreamChat(context.Background(), "spark-x", nil)

	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	require.Equal(t, http.StatusUnauthorized, upstreamErr.Status)
	require.Contains(t, upstreamErr.Body, "invalid api key")
}

func TestStreamCancelTerminatesReads(t *testing.T) {
	firstChunk := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		flusher.Flush()
		close(firstChunk)
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))
	stream, err := client.StreamChat(context.Background(), "spark-x", nil)
	require.NoError(t, err)
	defer stream.Close()

	chunk, err := stream.Next()
	require.NoError(t, err)
	require.NotEmpty(t, chunk)

	<-firstChunk
	stream.Cancel()

	for {
		_, err = stream.Next()
		if err != nil {
			break
		}
	}
	require.Error(t, err)
	require.NotErrorIs(t, err, io.EOF)
}

// The configured timeout bounds response headers, not the body: a
// generation taking longer than the timeout must keep streaming.
func TestSlowGenerationOutlivesTimeout(t *testing.T) {
	cfg := testConfig("")
	cfg.Timeout = 100 * time.Millisecond

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"slow\"}}]}\n\n")
		flusher.Flush()
		time.Sleep(300 * time.Millisecond)
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()
	cfg.BaseURL = srv.URL

	client := NewClient(cfg)
	stream, err := client.StreamChat(context.Background(), "spark-x", nil)
	require.NoError(t, err)
	defer stream.Close()

	got := collect(t, stream)
	require.Contains(t, string(got), `"content":"slow"`)
	require.Contains(t, string(got), "data: [DONE]")
}

func TestHeaderTimeoutFailsOpen(t *testing.T) {
	cfg := testConfig("")
	cfg.Timeout = 100 * time.Millisecond

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	cfg.BaseURL = srv.URL

	client := NewClient(cfg)
	_, err := client.StreamChat(context.Background(), "spark-x", nil)
	require.Error(t, err)
}

func TestStreamOutlivesCallerContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(testConfig(srv.URL))
	stream, err := client.StreamChat(ctx, "spark-x", nil)
	require.NoError(t, err)
	defer stream.Close()

	// The downstream request dying must not kill the upstream read;
	// only Cancel does that.
	cancel()
	got := collect(t, stream)
	require.Contains(t, string(got), "[DONE]")
}
