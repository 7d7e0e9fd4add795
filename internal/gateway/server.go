// Package gateway is the HTTP surface used by the mini-app: a stateless proxy
// in front of the upscaling provider plus health and metrics endpoints.
//
// Middleware order:
//  1. CORS: headers on every response, preflight short-circuit
//  2. RequestID
//  3. AccessLog
//  4. Recovery (JSON 500)
//  5. Metrics
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"upscalerbot/internal/metrics"
	"upscalerbot/internal/upscale"
	logx "upscalerbot/pkg/logx"
)

// Upscaler is the provider side of the proxy.
type Upscaler interface {
	Upscale(ctx context.Context, image []byte) (upscale.Result, error)
}

type Config struct {
	Addr           string
	MaxUploadBytes int64
	ShutdownGrace  time.Duration
}

type Server struct {
	cfg      Config
	upscaler Upscaler
	log      logx.Logger
	engine   *gin.Engine

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, up Upscaler, log logx.Logger) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 20 << 20
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, upscaler: up, log: log.With(logx.String("comp", "gateway"))}
	s.engine = s.routes()
	return s
}

// Handler exposes the configured engine (tests, embedding).
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true

	r.Use(CORS())
	r.Use(RequestID())
	r.Use(AccessLog(s.log))
	r.Use(Recovery(s.log))
	r.Use(metrics.Gin())

	r.POST("/upscale", s.handleUpscale)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
	})
	return r
}

// Listen binds the listen address. It runs before any task is started so a
// busy port aborts startup instead of failing later inside the scope.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr
}

// Serve blocks until ctx is done, then drains in-flight requests within the
// shutdown grace. A listener failure while ctx is alive is returned.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	srv, ln := s.srv, s.ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("gateway listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway serve: %w", err)
	case <-ctx.Done():
	}

	shCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		s.log.Warn("gateway shutdown", logx.Err(err))
		_ = srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	s.log.Info("gateway stopped")
	return nil
}
