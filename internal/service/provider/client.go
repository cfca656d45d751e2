package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sparkchat/spark-chat/backend/internal/config"
)

// Message is one turn of the conversation payload sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Stream   bool      `json:"stream"`
	Messages []Message `json:"messages"`
}

// UpstreamError reports a non-success provider response. The body is
// carried when the provider returned one.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.Status)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Body)
}

// Client opens streaming chat completion requests against an
// OpenAI-compatible provider endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient builds the provider client with a transport tuned for
// long-lived streaming responses.
func NewClient(cfg config.ProviderConfig) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
		// The timeout bounds dial and response headers only; a
		// generation may take arbitrarily long to stream, so body
		// reads end via Cancel, never a deadline.
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
	}
}

// StreamChat opens one streaming completion request. The returned
// stream owns the response body; the caller must Close it. Cancelling
// the stream terminates the current read promptly and releases the
// connection.
func (c *Client) StreamChat(ctx context.Context, model string, messages []Message) (*Stream, error) {
	payload, err := json.Marshal(chatRequest{
		Model:    model,
		Stream:   true,
		Messages: messages,
	})
	if err != nil {
		return nil, err
	}

	// The stream must outlive the downstream request context: a client
	// disconnect is observed cooperatively by the orchestrator, which
	// then cancels here itself.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		cancel()
		return nil, &UpstreamError{
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}
	}

	return &Stream{
		body:   resp.Body,
		cancel: cancel,
		buf:    make([]byte, 4096),
	}, nil
}

// Stream exposes a provider response body as a sequence of raw byte
// chunks.
type Stream struct {
	body    io.ReadCloser
	cancel  context.CancelFunc
	buf     []byte
	pending error
}

// Next returns the next raw chunk, valid until the following call.
// io.EOF reports normal end of stream.
func (s *Stream) Next() ([]byte, error) {
	if s.pending != nil {
		err := s.pending
		s.pending = nil
		return nil, err
	}

	for {
		n, err := s.body.Read(s.buf)
		if n > 0 {
			if err != nil {
				s.pending = err
			}
			return s.buf[:n], nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Cancel aborts the in-flight request so the current or next read
// terminates promptly and the socket is released.
func (s *Stream) Cancel() {
	s.cancel()
}

// Close releases the response body.
func (s *Stream) Close() error {
	s.cancel()
	return s.body.Close()
}
