package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ipmon/ipmon/internal/api/middleware"
	"github.com/ipmon/ipmon/internal/api/routes"
	"github.com/ipmon/ipmon/internal/config"
)

// Server wraps the HTTP engine and shared dependencies for easier testing.
type Server struct {
	Engine *gin.Engine
	cfg    config.Config
}

// New wires up the HTTP router and registers versioned routes.
func New(db *gorm.DB, cfg config.Config, deps routes.Deps) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(middleware.RequestID(), middleware.RequestLogger("/api/v1/health", "/api/v1/ready", "/metrics"), middleware.Recovery(cfg.Debug))

	if deps.StaticDir == "" {
		deps.StaticDir = cfg.StaticDir
	}
	if err := routes.Register(router, db, deps); err != nil {
		return nil, fmt.Errorf("register routes: %w", err)
	}

	attachStatic(router, cfg.StaticDir)

	return &Server{Engine: router, cfg: cfg}, nil
}

// attachStatic serves host images under /static so Telegram can fetch them by URL.
func attachStatic(router *gin.Engine, staticDir string) {
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	if staticDir == "" {
		return
	}
	info, err := os.Stat(staticDir)
	if err != nil || !info.IsDir() {
		return
	}
	router.StaticFS("/static", gin.Dir(staticDir, false))
}

// Run starts the HTTP server and shuts it down when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + strings.TrimPrefix(s.cfg.HTTPPort, ":"),
		Handler:           s.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
