package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vesaa/talonops/internal/alerting"
	"github.com/vesaa/talonops/internal/keylock"
	"github.com/vesaa/talonops/internal/remediation"
	"github.com/vesaa/talonops/internal/scope"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Server owns the HTTP handlers for both planes and the telemetry pipeline.
type Server struct {
	repo        *Repo
	engine      *alerting.Engine
	gate        *remediation.Gate
	resolver    *scope.Resolver
	dispatcher  Dispatcher
	policyLocks *keylock.Map
	jwtSecret   []byte
	now         func() time.Time
	logger      *zap.Logger
}

// Options configures New. DB and JWTSecret are required.
type Options struct {
	DB        *gorm.DB
	JWTSecret string
	// Counter backs consecutive-breach counting; nil means in-memory.
	Counter alerting.Counter
	// Dispatcher delivers commands; nil means the agent queue only.
	// It receives the server's Repo so SSH results land in the same table.
	Dispatcher func(repo *Repo) Dispatcher
	Now        func() time.Time
	Logger     *zap.Logger
}

// New wires the repository, alert engine, remediation gate and scope
// resolver around one database.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	repo := NewRepo(opts.DB, now)
	var dispatcher Dispatcher = NewQueueDispatcher(repo)
	if opts.Dispatcher != nil {
		dispatcher = opts.Dispatcher(repo)
	}

	return &Server{
		repo: repo,
		engine: alerting.NewEngine(
			alerting.NewStore(opts.DB),
			opts.Counter,
			logger.Named("alerting"),
			alerting.WithClock(now),
		),
		gate:        remediation.NewGate(opts.DB, now, logger.Named("remediation")),
		resolver:    scope.NewResolver(repo, repo, logger.Named("scope")),
		dispatcher:  dispatcher,
		policyLocks: keylock.New(),
		jwtSecret:   []byte(opts.JWTSecret),
		now:         now,
		logger:      logger,
	}
}

// Repo exposes the server's datastore access.
func (s *Server) Repo() *Repo { return s.repo }

// Engine exposes the alert engine.
func (s *Server) Engine() *alerting.Engine { return s.engine }

// Gate exposes the remediation gate.
func (s *Server) Gate() *remediation.Gate { return s.gate }

// RegisterControlRoutes wires up the console API on the engine bound to
// the control port.
//
//	Public:  POST /api/login, GET /api/health, GET /metrics
//	Scoped:  everything else; admin-only routes are marked below
func (s *Server) RegisterControlRoutes(r *gin.Engine) {
	r.Use(requestLogger(s.logger.Named("http"), "control"))
	r.GET("/metrics", metricsHandler())

	api := r.Group("/api")

	// ── Public endpoints ──────────────────────────────────────────────────────
	api.POST("/login", s.handleLogin)
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": s.now()})
	})

	// ── Scoped endpoints ──────────────────────────────────────────────────────
	scoped := api.Group("/", s.ScopeMiddleware())
	{
		scoped.GET("/devices", s.handleDeviceList)
		scoped.GET("/devices/:id", s.handleDeviceGet)
		scoped.GET("/devices/:id/checks", s.handleDeviceChecks)
		scoped.GET("/devices/:id/commands", s.handleDeviceCommands)
		scoped.PATCH("/devices/:id", s.handleDeviceUpdate)
		scoped.DELETE("/devices/:id", s.handleDeviceDelete)
		scoped.POST("/devices/:id/chat/reply", s.handleChatReply)

		scoped.GET("/alerts", s.handleAlertList)
		scoped.GET("/alerts/stats", s.handleAlertStats)
		scoped.POST("/alerts/:id/acknowledge", s.handleAlertAcknowledge)
		scoped.POST("/alerts/:id/resolve", s.handleAlertResolve)

		scoped.POST("/commands/:id/approve", s.handleCommandApprove)

		scoped.GET("/tickets", s.handleTicketList)
		scoped.GET("/clients", s.handleClientList)

		scoped.GET("/enrollment-tokens", s.handleEnrollmentTokenList)
		scoped.POST("/enrollment-tokens", s.handleEnrollmentTokenCreate)

		// Admin-only configuration
		admin := scoped.Group("/", RequireAdmin())
		admin.POST("/clients", s.handleClientCreate)
		admin.POST("/users", s.handleUserCreate)
		admin.POST("/users/:id/clients", s.handleUserAssign)
		admin.GET("/thresholds", s.handleThresholdList)
		admin.POST("/thresholds", s.handleThresholdCreate)
		admin.GET("/policies", s.handlePolicyList)
		admin.POST("/policies", s.handlePolicyCreate)
	}
}

// RegisterDataRoutes wires up the agent API on the engine bound to the
// data port. Everything except enrollment requires device credentials.
func (s *Server) RegisterDataRoutes(r *gin.Engine) {
	r.Use(requestLogger(s.logger.Named("http"), "data"))

	r.POST("/api/enroll", s.handleEnroll)

	api := r.Group("/api", s.DeviceAuthMiddleware())
	{
		api.POST("/heartbeat", s.handleHeartbeat)
		api.POST("/telemetry", s.handleTelemetry)
		api.GET("/commands", s.handleCommandPoll)
		api.POST("/commands/:id/result", s.handleCommandResult)
	}

	// Data-plane health (no auth, used by load-balancers / k8s probes)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// requestLogger logs each request once it completes.
func requestLogger(log *zap.Logger, plane string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)
		status := c.Writer.Status()
		recordRequest(plane, status, elapsed)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("latency", elapsed),
			zap.String("client_ip", c.ClientIP()),
		}
		switch {
		case status >= http.StatusInternalServerError:
			log.Error("request", fields...)
		case status >= http.StatusBadRequest:
			log.Info("request", fields...)
		default:
			log.Debug("request", fields...)
		}
	}
}

// respondError maps domain errors to HTTP statuses.
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, alerting.ErrAlertNotFound),
		errors.Is(err, remediation.ErrPolicyNotFound),
		errors.Is(err, ErrDeviceNotFound),
		errors.Is(err, ErrCommandNotFound),
		errors.Is(err, ErrClientNotFound),
		errors.Is(err, ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, alerting.ErrInvalidThreshold),
		errors.Is(err, remediation.ErrInvalidPolicy),
		errors.Is(err, ErrUnknownAction):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrCommandState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInvalidEnrollToken), errors.Is(err, ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
