package main

import (
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/connexa/chatsync/internal/backend/memory"
	"github.com/connexa/chatsync/internal/devserver"
)

func main() {
	// A missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

	logger, err := zap.NewDevelopment()
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	port := envOr("PORT", "8080")
	secret := envOr("TOKEN_SECRET", "dev-secret")
	mediaDir := envOr("MEDIA_DIR", os.TempDir())
	baseURL := envOr("BASE_URL", "http://localhost:"+port)

	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		logger.Fatal("media dir", zap.Error(err))
	}

	srv := devserver.New(memory.New(), secret, mediaDir, baseURL, logger)
	logger.Info("dev server listening", zap.String("addr", ":"+port))
	if err := http.ListenAndServe(":"+port, srv.Router()); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
