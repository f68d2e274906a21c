// Package httpapi serves the timetable to the UI as JSON.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"adzanbot/internal/alerts"
	"adzanbot/internal/location"
	rtsup "adzanbot/internal/runtime/supervisor"
	"adzanbot/internal/storage"
	"adzanbot/internal/timetable"
	"adzanbot/pkg/logx"
	"adzanbot/pkg/prayertime"
)

// Backend is the timetable surface the API needs.
type Backend interface {
	Today(ctx context.Context) (timetable.View, error)
	ForDate(ctx context.Context, date prayertime.Date) (timetable.View, error)
	Refresh(ctx context.Context) (timetable.View, error)
	MarkCompleted(ctx context.Context, p prayertime.Prayer, done bool) error
	OnLocation(ctx context.Context, r location.Reading) (location.Change, timetable.View, error)
	Conventions() []prayertime.Convention
	Alerts() []alerts.Alert
}

type Config struct {
	Enabled      bool
	Addr         string
	Token        string
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

const defaultAddr = "127.0.0.1:8088"

type Server struct {
	mu      sync.Mutex
	cfg     Config
	backend Backend
	store   storage.Store
	log     logx.Logger

	srv *http.Server
	sup *rtsup.Supervisor

	status func() any
}

// SetStatus installs the source for GET /api/v1/status. Call it before
// Start.
func (s *Server) SetStatus(fn func() any) {
	s.mu.Lock()
	s.status = fn
	s.mu.Unlock()
}

func New(cfg Config, backend Backend, store storage.Store, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	return &Server{cfg: cfg, backend: backend, store: store, log: log.With(logx.String("comp", "httpapi"))}
}

// Handler builds the router for cfg.
func (s *Server) Handler(cfg Config) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  cfg.CORSOrigins,
			AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Accept"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	v1 := r.Group("/api/v1")
	if cfg.Token != "" {
		v1.Use(bearerAuth(cfg.Token))
	}
	v1.GET("/times", resolve(s.getTimes))
	v1.POST("/refresh", resolve(s.postRefresh))
	v1.POST("/prayers/:name/complete", resolve(s.completeHandler(true)))
	v1.DELETE("/prayers/:name/complete", resolve(s.completeHandler(false)))
	v1.PUT("/location", resolve(s.putLocation))
	v1.GET("/conventions", resolve(s.getConventions))
	v1.GET("/alerts", resolve(s.getAlerts))
	v1.GET("/status", resolve(s.getStatus))
	return r
}

// Start listens in the background. A disabled config is a no-op.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil || !s.cfg.Enabled {
		return nil
	}
	cfg := s.cfg
	addr := cfg.Addr
	if addr == "" {
		addr = defaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(cfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	sup := rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log))
	sup.Go("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.srv, s.sup = srv, sup
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()), logx.Bool("auth", cfg.Token != ""))
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		s.log.Warn("http shutdown", logx.Err(err))
		_ = srv.Close()
	}
	_ = sup.Stop(ctx)
	s.log.Info("http api stopped")
}

// Apply restarts the listener when the config changed.
func (s *Server) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	same := configEqual(s.cfg, cfg)
	s.cfg = cfg
	s.mu.Unlock()
	if same {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	s.Stop(stopCtx)
	cancel()
	return s.Start(ctx)
}

func configEqual(a, b Config) bool {
	if a.Enabled != b.Enabled || a.Addr != b.Addr || a.Token != b.Token ||
		a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout ||
		len(a.CORSOrigins) != len(b.CORSOrigins) {
		return false
	}
	for i := range a.CORSOrigins {
		if a.CORSOrigins[i] != b.CORSOrigins[i] {
			return false
		}
	}
	return true
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)))
	}
}
