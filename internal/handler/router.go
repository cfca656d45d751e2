package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	chatHandler "github.com/sparkchat/spark-chat/backend/internal/handler/chat"
	streamHandler "github.com/sparkchat/spark-chat/backend/internal/handler/stream"
	middlewarePkg "github.com/sparkchat/spark-chat/backend/internal/middleware"
	chatService "github.com/sparkchat/spark-chat/backend/internal/service/chat"
	relayService "github.com/sparkchat/spark-chat/backend/internal/service/relay"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(chatSvc *chatService.Service, relaySvc *relayService.Service, jwtSecret string, logger *zap.SugaredLogger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ch := chatHandler.New(chatSvc, logger)
	sh := streamHandler.New(relaySvc, logger)

	r.Route("/api", func(api chi.Router) {
		api.Use(middlewarePkg.Auth(jwtSecret))

		// 流式发送消息端点
		api.Post("/chat/message", sh.HandleSendMessage)

		ch.RegisterRoutes(api)
	})

	return r
}
