package handler_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sparkchat/spark-chat/backend/internal/config"
	"github.com/sparkchat/spark-chat/backend/internal/handler"
	"github.com/sparkchat/spark-chat/backend/internal/middleware"
	chatmodel "github.com/sparkchat/spark-chat/backend/internal/model/chat"
	chatservice "github.com/sparkchat/spark-chat/backend/internal/service/chat"
	"github.com/sparkchat/spark-chat/backend/internal/service/provider"
	"github.com/sparkchat/spark-chat/backend/internal/service/relay"
	"github.com/sparkchat/spark-chat/backend/internal/store"
)

const testSecret = "router-test-secret"

// newStack wires the full service stack against a scripted provider
// server, the way cmd/api does.
func newStack(t *testing.T, providerHandler http.HandlerFunc) (http.Handler, *chatservice.Service) {
	t.Helper()

	upstream := httptest.NewServer(providerHandler)
	t.Cleanup(upstream.Close)

	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	chatSvc := chatservice.NewService(st)
	client := provider.NewClient(config.ProviderConfig{
		BaseURL: upstream.URL,
		APIKey:  "k",
		Timeout: 10 * time.Second,
	})
	relaySvc := relay.NewService(client, chatSvc, zap.NewNop().Sugar())

	return handler.NewRouter(chatSvc, relaySvc, testSecret, zap.NewNop().Sugar()), chatSvc
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	token, err := middleware.CreateToken(middleware.Identity{UserID: userID}, testSecret, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func sendMessage(t *testing.T, router http.Handler, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/chat/message", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", bearer(t, userID))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func sparkStream(events ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			_, _ = io.WriteString(w, ev)
			flusher.Flush()
		}
	}
}

func TestSendMessageEndToEnd(t *testing.T) {
	router, chatSvc := newStack(t, sparkStream(
		"data: {\"choices\":[{\"delta\":{\"content\":\"你好\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"！\"}}]}\n\n",
		"data: [DONE]\n\n",
	))

	rec := sendMessage(t, router, "u1", `{"message":"打个招呼"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, `data: {"type":"chatId"`))
	require.Contains(t, body, `"content":"你好"`)
	require.Contains(t, body, "data: [DONE]\n\n")

	// The persisted assistant message matches what was streamed.
	sessions, err := chatSvc.ListSessions(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	messages, err := chatSvc.SessionHistory(context.Background(), "u1", sessions[0].ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, chatmodel.RoleAssistant, messages[1].Role)
	require.Equal(t, "你好！", messages[1].Content)
}

func TestSendMessageAnnouncedChatIDReused(t *testing.T) {
	router, _ := newStack(t, sparkStream(
		"data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n",
		"data: [DONE]\n\n",
	))

	rec := sendMessage(t, router, "u1", `{"message":"first"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	firstLine, _, found := strings.Cut(rec.Body.String(), "\n")
	require.True(t, found)
	var frame struct {
		Type   string `json:"type"`
		ChatID string `json:"chatId"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(firstLine, "data: ")), &frame))
	require.Equal(t, "chatId", frame.Type)
	require.NotEmpty(t, frame.ChatID)

	rec = sendMessage(t, router, "u1", `{"message":"second","chatId":"`+frame.ChatID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"chatId":"`+frame.ChatID+`"`)

	// Still a single session for the user.
	req := httptest.NewRequest(http.MethodGet, "/api/chat/sessions", nil)
	req.Header.Set("Authorization", bearer(t, "u1"))
	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, req)

	var sessions struct {
		Sessions []chatmodel.SessionSummary `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &sessions))
	require.Len(t, sessions.Sessions, 1)
	require.Equal(t, 4, sessions.Sessions[0].MessageCount)
}

func TestSendMessageValidation(t *testing.T) {
	router, _ := newStack(t, sparkStream("data: [DONE]\n\n"))

	rec := sendMessage(t, router, "u1", `{"message":""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = sendMessage(t, router, "u1", `{"message":"hi","modelId":"ghost"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = sendMessage(t, router, "u1", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendMessageUpstreamErrorInBand(t *testing.T) {
	router, _ := newStack(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "overloaded")
	})

	rec := sendMessage(t, router, "u1", `{"message":"hi"}`)
	// Stream already committed: failure arrives as a control frame.
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"type":"error"`)
	require.Contains(t, rec.Body.String(), "503")
}

func TestSendMessageRequiresAuth(t *testing.T) {
	router, _ := newStack(t, sparkStream("data: [DONE]\n\n"))

	req := httptest.NewRequest(http.MethodPost, "/api/chat/message", strings.NewReader(`{"message":"hi"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthz(t *testing.T) {
	router, _ := newStack(t, sparkStream())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}
