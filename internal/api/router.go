package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/soundchain/notifier/internal/store"
	"github.com/soundchain/notifier/pkg/logging"
)

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Router sets up API routes
type Router struct {
	handler *JSONRPCHandler
	inbox   *InboxAPI
	checks  map[string]HealthChecker
	logger  *zap.Logger
}

// NewRouter creates a new API router; checks are reported by /health
func NewRouter(st store.Inbox, checks map[string]HealthChecker) *Router {
	router := &Router{
		handler: NewJSONRPCHandler(),
		inbox:   NewInboxAPI(st),
		checks:  checks,
		logger:  logging.WithComponent("api-router"),
	}

	router.registerMethods()

	return router
}

// SetupRoutes sets up all API routes
func (r *Router) SetupRoutes(engine *gin.Engine) {
	engine.GET("/health", r.healthHandler)
	engine.GET("/.well-known/healthcheck.json", r.healthHandler)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	engine.POST("/", r.handler.Handle)
}

func (r *Router) registerMethods() {
	r.handler.RegisterMethod("notifications.list", r.inbox.List)
	r.handler.RegisterMethod("notifications.unread_count", r.inbox.UnreadCount)
	r.handler.RegisterMethod("notifications.mark_read", r.inbox.MarkRead)
	r.handler.RegisterMethod("notifications.hide", r.inbox.Hide)
}

// healthHandler handles health check requests
func (r *Router) healthHandler(c *gin.Context) {
	status := http.StatusOK
	checks := gin.H{}
	for name, check := range r.checks {
		if check == nil {
			continue
		}
		if err := check.Health(c.Request.Context()); err != nil {
			r.logger.Warn("Health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "OK"
	}

	body := gin.H{
		"status":  "OK",
		"service": "notifier-api",
		"checks":  checks,
	}
	if status != http.StatusOK {
		body["status"] = "DEGRADED"
	}
	c.JSON(status, body)
}
