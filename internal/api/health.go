package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DependencyCheck pings one backing service. A failing critical dependency
// makes the instance unready; others only degrade it.
type DependencyCheck struct {
	Name     string
	Critical bool
	Ping     func(ctx context.Context) error
}

type HealthHandler struct {
	checks  []DependencyCheck
	logger  *zap.Logger
	env     string
	version string
}

func NewHealthHandler(checks []DependencyCheck, logger *zap.Logger, env, version string) *HealthHandler {
	return &HealthHandler{
		checks:  checks,
		logger:  logger,
		env:     env,
		version: version,
	}
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	Env          string            `json:"env,omitempty"`
	Dependencies map[string]string `json:"dependencies"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{
		Status:  "ok",
		Version: h.version,
		Env:     h.env,
	})
}

// Readiness pings every dependency in parallel, each bounded by its own
// one second budget.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := make([]bool, len(h.checks))
	var mu sync.Mutex
	var g errgroup.Group

	for i, check := range h.checks {
		g.Go(func() error {
			checkCtx, checkCancel := context.WithTimeout(ctx, time.Second)
			defer checkCancel()

			start := time.Now()
			if err := check.Ping(checkCtx); err != nil {
				h.logger.Warn("dependency check failed",
					zap.String("dependency", check.Name),
					zap.Duration("took", time.Since(start)),
					zap.Error(err),
				)
				mu.Lock()
				failed[i] = true
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	deps := make(map[string]string, len(h.checks))
	status := "ok"
	for i, check := range h.checks {
		if !failed[i] {
			deps[check.Name] = "ok"
			continue
		}
		deps[check.Name] = "down"
		switch {
		case check.Critical:
			status = "error"
		case status == "ok":
			status = "degraded"
		}
	}

	httpStatus := http.StatusOK
	if status == "error" {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, ReadinessResponse{
		Status:       status,
		Version:      h.version,
		Env:          h.env,
		Dependencies: deps,
	})
}
