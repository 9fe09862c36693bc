package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/cliploop/retentiond/internal/experiment"
)

// StartExperiment validates the arms and starts a new allocation. Only one
// experiment runs at a time.
func (h *Handlers) StartExperiment(w http.ResponseWriter, r *http.Request) {
	var req startExperimentRequest
	if err := decodeBody(r, &req, false); err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid_payload", "body must be a JSON object")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		WriteError(w, r, http.StatusBadRequest, "invalid_payload", "name is required")
		return
	}

	exp, err := h.Allocator.Start(r.Context(), experiment.StartRequest{
		Name:         req.Name,
		Arms:         req.Arms,
		RewardMetric: req.RewardMetric,
		StartAt:      req.StartAt,
		EndAt:        req.EndAt,
		Actor:        actorRef(r.Context()),
	})
	if err != nil {
		if errors.Is(err, experiment.ErrArmCount) {
			WriteError(w, r, http.StatusBadRequest, experiment.ErrArmCount.Error(), "experiments need 2 to 4 arms with known config versions")
			return
		}
		if code := err.Error(); strings.HasPrefix(code, "invalid_config_version:") {
			WriteError(w, r, http.StatusBadRequest, code, "an arm references an unknown config version")
			return
		}
		WriteError(w, r, http.StatusServiceUnavailable, "store_unavailable", "experiment could not be started")
		return
	}
	WriteJSON(w, http.StatusOK, exp)
}

// StopExperiment stops whatever is running and reports how many stopped.
func (h *Handlers) StopExperiment(w http.ResponseWriter, r *http.Request) {
	n, err := h.Allocator.Stop(r.Context())
	if err != nil {
		WriteError(w, r, http.StatusServiceUnavailable, "store_unavailable", "experiment could not be stopped")
		return
	}
	WriteJSON(w, http.StatusOK, stopExperimentResponse{Stopped: n})
}

// ExperimentStatus reports the running experiment with per-arm stats.
func (h *Handlers) ExperimentStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Allocator.Status(r.Context())
	if err != nil {
		WriteError(w, r, http.StatusServiceUnavailable, "store_unavailable", "experiment status could not be loaded")
		return
	}
	WriteJSON(w, http.StatusOK, st)
}
