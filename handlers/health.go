package handlers

import (
	"net/http"
	"time"

	"github.com/Yulian302/lfusys-services-ingest/health"
	"github.com/Yulian302/lfusys-services-ingest/logging"
)

const readinessTimeout = 500 * time.Millisecond

type HealthHandler struct {
	checks []health.ReadinessCheck

	logger logging.Logger
}

func NewHealthHandler(checks []health.ReadinessCheck, l logging.Logger) *HealthHandler {
	return &HealthHandler{
		checks: checks,
		logger: l,
	}
}

type checkStatus struct {
	Name  string `json:"name"`
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

type healthResponse struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Checks    []checkStatus `json:"checks,omitempty"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
	})
}

func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	results, ok := health.CheckAll(r.Context(), h.checks, readinessTimeout)

	resp := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Checks:    make([]checkStatus, 0, len(results)),
	}
	for _, res := range results {
		cs := checkStatus{Name: res.Name, Ready: res.Error == nil}
		if res.Error != nil {
			cs.Error = res.Error.Error()
		}
		resp.Checks = append(resp.Checks, cs)
	}

	status := http.StatusOK
	if !ok {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, h.logger, status, resp)
}
