package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/userbar/internal/config"
	"github.com/pitabwire/userbar/internal/hooks"
	"github.com/pitabwire/userbar/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	UserData     UserData
	Renderer     PanelRenderer

	// Hooks receives host events. Event routes are mounted only when Hooks
	// and EventToken are both set.
	Hooks      *hooks.Registry
	EventToken string

	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Readiness      observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics and event endpoints bypass
// JWT authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Config.Observability.Tracing.Enabled {
		r.Use(observability.TracingMiddleware)
	}
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes: bypass authentication.
	r.Get("/ui/health", observability.HandleHealth())
	r.Get("/ui/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		h := deps.MetricsHandler
		if h == nil {
			h = observability.Handler()
		}
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, h)
	}

	if deps.Hooks != nil && deps.EventToken != "" {
		reg := deps.Hooks
		r.Group(func(r chi.Router) {
			r.Use(EventToken(deps.EventToken))
			r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
			r.Use(RequestLogging(logger))

			r.Post("/events/profile-updated", handleEvent(hooks.PointProfileUpdated, reg.ProfileUpdated.Fire, logger))
			r.Post("/events/user-registered", handleEvent(hooks.PointUserRegistered, reg.UserRegistered.Fire, logger))
		})
	}

	// Authenticated routes: full middleware chain.
	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Get("/ui/userbar", handleGetUserbar(deps.UserData, deps.Renderer, logger))
		r.Get("/ui/userbar/data", handleGetUserData(deps.UserData, logger))
		r.Post("/ui/userbar/invalidate", handleInvalidate(deps.UserData, logger))
	})

	return r
}
