package server

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/rfcctl/internal/observability"
)

const version = "0.1.0"

// Router returns the admin HTTP API: health, readiness, installed functions
// and Prometheus metrics.
func (s *Server) Router() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminRequests(observability.Logger("admin"), s.cfg.ProgramID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.started).String(),
			"program":   s.cfg.ProgramID,
			"system_id": s.cfg.SystemID,
			"version":   version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !s.Ready() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":    s.Ready(),
			"sessions": s.ActiveSessions(),
			"restarts": s.Restarts(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/functions", func(c *gin.Context) {
		names := s.registry.Names()
		sort.Strings(names)
		c.JSON(http.StatusOK, gin.H{"functions": names})
	})

	r.GET("/functions/:name", func(c *gin.Context) {
		desc, ok := s.registry.Lookup(c.Param("name"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "function not found"})
			return
		}
		c.JSON(http.StatusOK, desc)
	})
	return r
}

func (s *Server) serveAdmin(addr string) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.admin = srv
	s.mu.Unlock()

	log.Info().Str("addr", addr).Msg("admin api listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Str("addr", addr).Msg("admin api stopped")
	}
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
