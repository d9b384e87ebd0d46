package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/proxylens/proxylens/internal/app"
	"github.com/proxylens/proxylens/internal/config"
	"github.com/proxylens/proxylens/internal/handler"
	"github.com/proxylens/proxylens/internal/inbox"
	"github.com/proxylens/proxylens/internal/pkg/logger"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Initialize Persistence and Services
	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	// 3. Inbox Watcher
	inboxDone := make(chan struct{})
	if cfg.Ingest.InboxDir != "" {
		w, err := inbox.New(inbox.Config{Dir: cfg.Ingest.InboxDir, UserID: cfg.Ingest.UserID}, a.Ingestion)
		if err != nil {
			log.Fatalf("Failed to watch inbox: %v", err)
		}
		go func() {
			defer close(inboxDone)
			if err := w.Run(ctx); err != nil {
				logger.Error("Inbox watcher stopped", "error", err)
			}
		}()
		logger.Info("Watching inbox", "dir", cfg.Ingest.InboxDir)
	} else {
		close(inboxDone)
	}

	// 4. Ops Server
	r := handler.NewOpsRouter(handler.NewHealthHandler(a.Checks), handler.RouterConfig{
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsPath:    cfg.Metrics.Path,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("ProxyLens started", "port", cfg.Server.Port, "ai_review", a.Reviewer != nil)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	<-inboxDone
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete", "error", err)
	}

	logger.Info("Server exiting")
}
