// Package admin serves the HTTP surface of a framebus daemon: health,
// readiness, the kind registry and prometheus metrics.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/framebus/internal/auth"
	"github.com/danmuck/framebus/internal/observability"
	"github.com/danmuck/framebus/internal/protocol/frame"
	"github.com/danmuck/framebus/internal/protocol/kind"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Stats reports live counters shown on /health.
type Stats interface {
	Clients() int64
}

type Config struct {
	Service     string
	CORSOrigins []string
	// Token guards /kinds and /metrics with a bearer token when set.
	Token string
}

// Server is the admin gin engine bound to one registry.
type Server struct {
	cfg      Config
	registry *kind.Registry
	stats    Stats
	router   *gin.Engine
	appeared time.Time
	ready    atomic.Bool
}

func NewServer(cfg Config, registry *kind.Registry, stats Stats) *Server {
	if cfg.Service == "" {
		cfg.Service = "framebusd"
	}
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.ComponentLogger("admin")))
	r.Use(observability.RequestMetricsMiddleware(cfg.Service))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		registry: registry,
		stats:    stats,
		router:   r,
		appeared: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady flips the /ready answer.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) routes() {
	s.router.GET("/health", func(c *gin.Context) {
		body := gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.appeared).String(),
			"component": s.cfg.Service,
			"version":   version,
			"kinds":     s.registry.Len(),
		}
		if s.stats != nil {
			body["clients"] = s.stats.Clients()
		}
		c.JSON(http.StatusOK, body)
	})

	s.router.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !s.ready.Load() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":     s.ready.Load(),
			"uptime":    time.Since(s.appeared).String(),
			"component": s.cfg.Service,
			"version":   version,
		})
	})

	guarded := s.router.Group("/")
	if token := strings.TrimSpace(s.cfg.Token); token != "" {
		guarded.Use(auth.Require(auth.StaticToken{Token: token}))
	}

	guarded.GET("/kinds", func(c *gin.Context) {
		entries := s.registry.List()
		out := make([]kindView, 0, len(entries))
		for _, e := range entries {
			out = append(out, viewOf(e))
		}
		c.JSON(http.StatusOK, gin.H{"kinds": out})
	})

	guarded.GET("/kinds/:code", func(c *gin.Context) {
		k, err := frame.ParseKind(c.Param("code"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		e, err := s.registry.Lookup(k)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, viewOf(e))
	})

	guarded.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

type kindView struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	AllowZeroID bool   `json:"allow_zero_id"`
}

func viewOf(e kind.Entry) kindView {
	return kindView{Code: e.Kind.String(), Name: e.Name, AllowZeroID: e.AllowZeroID}
}

// Serve runs the admin server on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("admin.Server shutdown")
			}
		case <-done:
		}
	}()
	defer close(done)

	log.Info().Str("addr", ln.Addr().String()).Msg("admin.Server listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
