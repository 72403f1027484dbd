package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hackgods/covigo-scheduling/internal/appointment"
	"github.com/hackgods/covigo-scheduling/internal/principal"
	redisclient "github.com/hackgods/covigo-scheduling/internal/redis"
)

type RouterConfig struct {
	Service  *appointment.Service
	Locker   redisclient.Locker
	Users    principal.Store
	Logger   *zap.Logger
	Gatherer prometheus.Gatherer
	Checks   []DependencyCheck
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &handlers{
		svc:    cfg.Service,
		locker: cfg.Locker,
		users:  cfg.Users,
		logger: logger,
	}

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))

	// Health endpoints
	health := NewHealthHandler(cfg.Checks, logger.Named("health"), cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(PrincipalMiddleware(cfg.Users))

		r.Post("/availabilities/generate", h.generateAvailabilities)
		r.Get("/availabilities", h.availabilityTable)

		r.Get("/appointments", h.appointments)
		r.Post("/appointments/book", h.batch(appointment.OpBook))
		r.Post("/appointments/cancel", h.batch(appointment.OpCancel))
		r.Post("/appointments/delete", h.batch(appointment.OpDelete))
		r.Post("/appointments/{id}/book", h.single(appointment.OpBook))
		r.Post("/appointments/{id}/cancel", h.single(appointment.OpCancel))
		r.Post("/appointments/{id}/delete", h.single(appointment.OpDelete))

		r.Put("/patients/{id}/assigned-staff", h.assignStaff)

		r.Get("/session/messages", h.sessionMessages)
		r.Get("/session/status", h.sessionStatus)
	})

	return r
}
