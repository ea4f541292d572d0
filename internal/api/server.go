// Package api exposes the verification, device trust and warm-scan
// operations over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"presenceguard/internal/auth"
	"presenceguard/internal/config"
	"presenceguard/internal/engine"
	"presenceguard/internal/metrics"
	"presenceguard/internal/model"
)

// Options are the optional collaborators of the HTTP surface.
type Options struct {
	Prometheus *metrics.Collectors
	Version    string
	// Health names dependency probes reported by /healthz.
	Health map[string]func(context.Context) bool
}

type Server struct {
	cfg     *config.Manager
	engine  *engine.Engine
	opts    Options
	logger  *slog.Logger
	limiter *TokenBucket
}

type statusResponse struct {
	Status     string        `json:"status"`
	Time       string        `json:"time"`
	Started    string        `json:"started"`
	Version    string        `json:"version"`
	ConfigPath string        `json:"config_path"`
	API        apiStatus     `json:"api"`
	Storage    storageStatus `json:"storage"`
	Trust      trustStatus   `json:"trust"`
	Kafka      kafkaStatus   `json:"kafka"`
	Classrooms []uint32      `json:"classrooms"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Auth    bool   `json:"auth"`
}

type storageStatus struct {
	Enabled bool   `json:"enabled"`
	Driver  string `json:"driver,omitempty"`
}

type trustStatus struct {
	Backend              string `json:"backend"`
	Cooldown             string `json:"cooldown"`
	RequireAdminApproval bool   `json:"require_admin_approval"`
}

type kafkaStatus struct {
	Decisions bool `json:"decisions"`
	Events    bool `json:"events"`
}

func NewServer(cfg *config.Manager, eng *engine.Engine, opts Options, logger *slog.Logger) *Server {
	s := &Server{cfg: cfg, engine: eng, opts: opts, logger: logger}
	if n := cfg.Get().API.RateLimitPerMinute; n > 0 {
		s.limiter = NewTokenBucket(n, n)
	}
	return s
}

func Start(ctx context.Context, cfg *config.Manager, eng *engine.Engine, opts Options, logger *slog.Logger) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr, "auth", cfg.Get().Auth.Enabled)
	}
	server := NewServer(cfg, eng, opts, logger)
	httpServer := &http.Server{
		Addr:         current.Addr,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

// Router builds the gin engine. Auth follows the config at build time.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	if s.limiter != nil {
		r.Use(s.limiter.GinMiddleware())
	}

	r.GET("/healthz", s.handleHealth)
	r.GET("/status", s.handleStatus)
	if s.opts.Prometheus != nil {
		r.GET("/metrics", gin.WrapH(s.opts.Prometheus.Handler()))
	}

	authCfg := s.cfg.Get().Auth
	var guard []gin.HandlerFunc
	if authCfg.Enabled {
		guard = append(guard, auth.Bearer(authCfg.SigningKey, authCfg.Issuer))
	}

	students := r.Group("/students/:id", append(guard, auth.SelfOrAdmin("id"))...)
	students.POST("/login", s.handleLogin)
	students.GET("/device", s.handleDeviceStatus)
	students.POST("/readings", s.handleReadings)
	students.POST("/verify", s.handleVerify)
	students.POST("/verify/latest", s.handleVerifyLatest)
	students.GET("/verifications", s.handleVerifications)
	students.POST("/warmscan", s.handleStartWarmScan)
	students.DELETE("/warmscan", s.handleStopWarmScan)
	students.GET("/warmscan", s.handleWarmScan)
	students.GET("/warmscan/samples", s.handleWarmScanSamples)

	admin := r.Group("/admin", append(guard, auth.RequireRole(auth.RoleAdmin))...)
	admin.POST("/students/:id/approve", s.handleApprove)
	admin.POST("/students/:id/deny", s.handleDeny)
	admin.GET("/students/:id/trust", s.handleTrustRecord)
	admin.PUT("/classrooms/:class_id", s.handlePutClassroom)
	admin.GET("/classrooms/:class_id", s.handleGetClassroom)
	admin.GET("/config/scoring", s.handleGetScoring)
	admin.POST("/config/scoring", s.handleSetScoring)
	admin.GET("/events", s.handleEvents)
	admin.GET("/scores", s.handleScores)
	admin.GET("/scores/:id", s.handleScore)
	admin.POST("/clear", s.handleClear)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if s.logger == nil || c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/healthz" {
			return
		}
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	resp := gin.H{"status": "ok"}
	for name, probe := range s.opts.Health {
		ok := probe(c.Request.Context())
		resp[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			resp["status"] = "degraded"
		}
	}
	c.JSON(status, resp)
}

func (s *Server) handleStatus(c *gin.Context) {
	cfg := s.cfg.Get()
	rooms := make([]uint32, 0, len(cfg.Classrooms))
	for _, room := range cfg.Classrooms {
		rooms = append(rooms, room.ClassID)
	}
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Started:    s.engine.Started().Format(time.RFC3339Nano),
		Version:    s.opts.Version,
		ConfigPath: s.cfg.Path(),
		API:        apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr, Auth: cfg.Auth.Enabled},
		Trust: trustStatus{
			Backend:              cfg.Trust.Backend,
			Cooldown:             cfg.Trust.Cooldown.String(),
			RequireAdminApproval: cfg.Trust.RequireAdminApproval,
		},
		Kafka:      kafkaStatus{Decisions: cfg.Ingest.Kafka.Enabled, Events: cfg.Events.Kafka.Enabled},
		Classrooms: rooms,
	}
	if cfg.Storage.Enabled {
		resp.Storage = storageStatus{Enabled: true, Driver: cfg.Storage.Driver}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetScoring(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"scoring": s.cfg.Get().Scoring})
}

func (s *Server) handleSetScoring(c *gin.Context) {
	current := s.cfg.Get()
	sc := current.Scoring
	if err := c.ShouldBindJSON(&sc); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	next := *current
	next.Scoring = sc
	if err := s.cfg.Update(&next); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_config", err)
		return
	}
	s.engine.UpdateConfig(&next)
	if s.logger != nil {
		s.logger.Info("scoring config updated", "threshold", sc.Threshold, "weights", sc.Weights)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "scoring": sc})
}

func (s *Server) handleEvents(c *gin.Context) {
	store := s.engine.Events()
	limit := queryInt(c, "limit", 0)
	var list []model.StatusEvent
	switch {
	case c.Query("since") != "":
		ts, err := time.Parse(time.RFC3339, c.Query("since"))
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid_request", err)
			return
		}
		list = store.Since(ts)
	case c.Query("student_id") != "":
		list = store.ForStudent(c.Query("student_id"), limit)
	default:
		list = store.List(limit)
	}
	c.JSON(http.StatusOK, gin.H{"events": list, "count": len(list)})
}

func (s *Server) handleScores(c *gin.Context) {
	all := s.engine.Metrics().GetAll()
	c.JSON(http.StatusOK, gin.H{"scores": all, "count": len(all)})
}

func (s *Server) handleScore(c *gin.Context) {
	id := c.Param("id")
	score, updated, ok := s.engine.Metrics().Get(id)
	if !ok {
		writeError(c, http.StatusNotFound, "not_found", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"student_id": id,
		"updated_at": updated.Format(time.RFC3339Nano),
		"score":      score,
	})
}

func (s *Server) handleClear(c *gin.Context) {
	var req struct {
		Target string `json:"target"`
	}
	_ = c.ShouldBindJSON(&req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.engine.Metrics().Clear()
		s.engine.Events().Clear()
	case "events":
		s.engine.Events().Clear()
	case "scores":
		s.engine.Metrics().Clear()
	default:
		writeError(c, http.StatusBadRequest, "invalid_request", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func queryInt(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
