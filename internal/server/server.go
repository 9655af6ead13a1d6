package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dagbolade/hook-gateway/internal/approval"
	"github.com/dagbolade/hook-gateway/internal/auth"
	"github.com/dagbolade/hook-gateway/internal/budget"
	"github.com/dagbolade/hook-gateway/internal/eventlog"
	"github.com/dagbolade/hook-gateway/internal/gateway"
	"github.com/dagbolade/hook-gateway/internal/hook"
	"github.com/dagbolade/hook-gateway/internal/notify"
	"github.com/dagbolade/hook-gateway/internal/policy"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	HookToken       string
}

// Decider is the gateway as seen by the HTTP layer.
type Decider interface {
	Decide(ctx context.Context, p hook.Payload, timeout time.Duration) hook.Response
	Status(ctx context.Context) gateway.Status
}

type ApprovalAdmin interface {
	Get(ctx context.Context, id string) (approval.Request, error)
	List(ctx context.Context, f approval.Filter) ([]approval.Request, error)
	ListPending() []approval.Request
	Approve(ctx context.Context, id, approver, comment string) (approval.Request, error)
	Deny(ctx context.Context, id, approver, comment string) (approval.Request, error)
	Cleanup(ctx context.Context, maxAge time.Duration) (int64, error)
}

type BudgetAdmin interface {
	List(ctx context.Context) ([]budget.Entry, error)
	Entries(ctx context.Context, scopeKey string) ([]budget.Entry, error)
	SetLimit(ctx context.Context, req budget.Limit) (budget.Entry, error)
	Delete(ctx context.Context, scopeKey string, period budget.Period) error
}

type PolicyAdmin interface {
	List(ctx context.Context) ([]policy.Policy, error)
	Get(ctx context.Context, id int64) (policy.Policy, error)
	Create(ctx context.Context, p *policy.Policy) error
	Update(ctx context.Context, p *policy.Policy) error
	Delete(ctx context.Context, id int64) error
}

type Subscriber interface {
	Subscribe(topics ...notify.Topic) *notify.Subscription
}

type Deps struct {
	Gateway   Decider
	Events    eventlog.Store
	Approvals ApprovalAdmin
	Budgets   BudgetAdmin
	Policies  PolicyAdmin
	Broker    Subscriber
	Auth      *auth.Manager
}

type Server struct {
	echo   *echo.Echo
	config Config
	hub    *Hub
}

func New(cfg Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	if deps.Auth == nil {
		deps.Auth = auth.NewManager(auth.Config{})
	}

	s := &Server{
		echo:   e,
		config: cfg,
		hub:    NewHub(deps.Broker, deps.Approvals),
	}

	s.setupMiddleware()
	s.setupRoutes(deps)

	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	log.Info().Int("port", s.config.Port).Msg("starting HTTP server")

	s.echo.Server.ReadTimeout = s.config.ReadTimeout
	s.echo.Server.WriteTimeout = s.config.WriteTimeout

	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")

	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	s.hub.Shutdown()
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))

	s.echo.Use(middleware.Recover())

	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, auth.HookTokenHeader, HookTimeoutHeader},
	}))
}

func (s *Server) setupRoutes(deps Deps) {
	hookHandler := NewHookHandler(deps.Gateway)
	eventHandler := NewEventHandler(deps.Events)
	approvalHandler := NewApprovalHandler(deps.Approvals)
	budgetHandler := NewBudgetHandler(deps.Budgets)
	policyHandler := NewPolicyHandler(deps.Policies)
	statusHandler := &statusHandler{gateway: deps.Gateway}
	authHandler := auth.NewHandler(deps.Auth)
	am := deps.Auth

	s.echo.GET("/health", handleHealth)
	s.echo.GET("/status", statusHandler.Status)
	s.echo.POST("/login", authHandler.Login)
	s.echo.POST("/hook", hookHandler.Handle, auth.HookTokenMiddleware(s.config.HookToken))

	protected := s.echo.Group("", am.Middleware())
	protected.GET("/me", authHandler.Me)
	protected.GET("/ws", s.hub.HandleWebSocket)

	api := protected.Group("/api")
	api.GET("/events", eventHandler.List)
	api.GET("/events/stats", eventHandler.Stats)
	api.DELETE("/events", eventHandler.Cleanup, am.RequireRole(auth.RoleAdmin))

	api.GET("/budgets", budgetHandler.List)
	api.PUT("/budgets", budgetHandler.Put, am.RequireRole(auth.RoleAdmin))
	api.DELETE("/budgets", budgetHandler.Delete, am.RequireRole(auth.RoleAdmin))

	api.GET("/policies", policyHandler.List)
	api.GET("/policies/:id", policyHandler.Get)
	api.POST("/policies", policyHandler.Create, am.RequireRole(auth.RoleAdmin))
	api.PUT("/policies/:id", policyHandler.Update, am.RequireRole(auth.RoleAdmin))
	api.DELETE("/policies/:id", policyHandler.Delete, am.RequireRole(auth.RoleAdmin))

	api.GET("/approvals", approvalHandler.List)
	api.GET("/approvals/:id", approvalHandler.Get)
	api.POST("/approvals/:id/approve", approvalHandler.Approve, am.RequireRole(auth.RoleApprover))
	api.POST("/approvals/:id/deny", approvalHandler.Deny, am.RequireRole(auth.RoleApprover))
	api.DELETE("/approvals", approvalHandler.Cleanup, am.RequireRole(auth.RoleAdmin))
}

func handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

type statusHandler struct {
	gateway Decider
}

// Status reports 503 while the gateway is not running or has flagged
// persistence failures, so it doubles as a readiness probe.
func (h *statusHandler) Status(c echo.Context) error {
	st := h.gateway.Status(c.Request().Context())
	code := http.StatusOK
	if !st.Healthy() {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, st)
}

func errorJSON(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]string{"error": msg})
}
