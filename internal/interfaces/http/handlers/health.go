package handlers

import (
	"net/http"
	"time"
)

// Health reports liveness plus store and breaker state. It stays reachable
// without credentials so probes keep working when auth is misconfigured.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Time: time.Now().UTC()}
	if h.BreakerState != nil {
		resp.StoreBreaker = h.BreakerState()
	}
	if h.Recorder != nil {
		resp.MetricRing = h.Recorder.RingDepth()
	}
	if h.StoreHealth != nil {
		check := h.StoreHealth.Health(r.Context())
		resp.Database = check
		if !check.Healthy {
			resp.Status = "degraded"
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}
