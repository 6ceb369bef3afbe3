// Package server exposes a loaded model over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"bsort/config"
	"bsort/inference"
	iface "bsort/interface"
	"bsort/logger"
	"bsort/monitor"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	DefaultIdleTimeout = 30 * time.Second
	MaxImageBytes      = 20 * 1024 * 1024
)

type Server struct {
	cfg         *config.Config
	runner      *inference.Runner
	mon         *monitor.Monitor
	log         *zap.Logger
	idleTimeout time.Duration
	tmpDir      string

	// engines keep model state, so predictions run one at a time
	engineMu sync.Mutex

	sessionMu sync.RWMutex
	sessions  map[string]*instance

	router *gin.Engine
}

type Option func(*Server)

func WithMonitor(m *monitor.Monitor) Option {
	return func(s *Server) { s.mon = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

// WithTempDir sets where uploaded images are staged for the engine.
func WithTempDir(dir string) Option {
	return func(s *Server) { s.tmpDir = dir }
}

// New builds the router. The runner must already have its model loaded.
func New(cfg *config.Config, runner *inference.Runner, opts ...Option) *Server {
	s := &Server{
		cfg:         cfg,
		runner:      runner,
		idleTimeout: DefaultIdleTimeout,
		sessions:    map[string]*instance{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.Or(s.log).Named("server")

	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/config", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": s.cfg.ToMapping()})
	})
	r.GET("/api/sessions", s.listSessions)
	r.POST("/api/infer", s.inferUpload)
	r.GET("/ws/infer", s.inferStream)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then closes open sessions.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w: %v", addr, iface.ErrIO, err)
	case <-ctx.Done():
	}

	s.closeSessions()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.log.Info("server stopped")
	return nil
}

// Infer stages an encoded image on disk and runs the engine on it.
func (s *Server) Infer(ctx context.Context, data []byte) ([]iface.DetectionResult, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("image: %w: empty payload", iface.ErrFormat)
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, fmt.Errorf("image: %w: unsupported content type %s", iface.ErrFormat, mt.String())
	}

	f, err := os.CreateTemp(s.tmpDir, "bsort-upload-*"+mt.Extension())
	if err != nil {
		return nil, fmt.Errorf("stage image: %w: %v", iface.ErrIO, err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stage image: %w: %v", iface.ErrIO, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("stage image: %w: %v", iface.ErrIO, err)
	}

	s.engineMu.Lock()
	defer s.engineMu.Unlock()
	results, err := s.runner.Predict(ctx, f.Name())
	s.mon.Inference(err == nil)
	return results, err
}

func (s *Server) inferUpload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
		return
	}
	if file.Size > MaxImageBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds size limit"})
		return
	}
	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer src.Close()
	data := make([]byte, file.Size)
	if _, err := io.ReadFull(src, data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := s.Infer(c.Request.Context(), data)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": results})
}

func (s *Server) listSessions(c *gin.Context) {
	s.sessionMu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.sessionMu.RUnlock()
	c.JSON(http.StatusOK, gin.H{"data": ids, "timeoutMs": s.idleTimeout.Milliseconds()})
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}

// DecodeBase64Image strips an optional data URL prefix and decodes the payload.
func DecodeBase64Image(b64 string) ([]byte, error) {
	b64 = strings.TrimSpace(b64)
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("image: %w: %v", iface.ErrFormat, err)
	}
	return data, nil
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, iface.ErrFormat), errors.Is(err, iface.ErrUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, iface.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
