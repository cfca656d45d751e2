package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/sparkchat/spark-chat/backend/internal/config"
	"github.com/sparkchat/spark-chat/backend/internal/handler"
	chatservice "github.com/sparkchat/spark-chat/backend/internal/service/chat"
	"github.com/sparkchat/spark-chat/backend/internal/service/provider"
	"github.com/sparkchat/spark-chat/backend/internal/service/relay"
	"github.com/sparkchat/spark-chat/backend/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zapLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()
	logger := zapLogger.Sugar()

	st, err := store.New(cfg.DB.Path)
	if err != nil {
		logger.Fatalw("failed to open database", "path", cfg.DB.Path, "err", err)
	}
	defer st.Close()
	logger.Infow("database ready", "path", cfg.DB.Path)

	if !cfg.Provider.Enabled() {
		logger.Warn("PROVIDER_API_KEY 未配置，上游请求将被拒绝")
	}

	chatSvc := chatservice.NewService(st)
	providerClient := provider.NewClient(cfg.Provider)
	relaySvc := relay.NewService(providerClient, chatSvc, logger)

	router := handler.NewRouter(chatSvc, relaySvc, cfg.Auth.JWTSecret, logger)

	startServer(ctx, cfg.Server, router, logger)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger *zap.SugaredLogger) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Infow("spark-chat backend listening", "addr", serverCfg.Addr)
	if err := runServer(ctx, srv); err != nil {
		logger.Fatalw("server error", "err", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
