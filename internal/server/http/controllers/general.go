package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/sharepipe/internal/runtime"
)

// GeneralController serves health and metrics.
type GeneralController struct {
	rt      *runtime.Runtime
	metrics http.Handler
}

// NewGeneralController creates a general controller. metrics may be nil,
// in which case /metrics is not mounted.
func NewGeneralController(rt *runtime.Runtime, metrics http.Handler) *GeneralController {
	return &GeneralController{rt: rt, metrics: metrics}
}

// RegisterRoutes mounts /v1/healthz and /metrics.
func (c *GeneralController) RegisterRoutes(r chi.Router) {
	r.Get("/v1/healthz", c.handleHealth)
	if c.metrics != nil {
		r.Method(http.MethodGet, "/metrics", c.metrics)
	}
}

// handleHealth returns 200 {"status":"ok"} when storage answers, 503 otherwise.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.rt.CheckHealth(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_serving")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "transport": c.rt.TransportName()})
}
