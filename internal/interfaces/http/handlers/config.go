package handlers

import (
	"errors"
	"net/http"

	"github.com/cliploop/retentiond/internal/configstore"
	"github.com/cliploop/retentiond/internal/params"
	"github.com/cliploop/retentiond/internal/persistence"
)

// GetConfig returns the active config version, seeding the default preset
// into an empty store first.
func (h *Handlers) GetConfig(w http.ResponseWriter, r *http.Request) {
	v, err := h.Versions.GetActive(r.Context())
	if err == nil && v == nil {
		v, err = h.Versions.EnsureDefault(r.Context())
	}
	if err != nil || v == nil {
		WriteError(w, r, http.StatusServiceUnavailable, "algorithm_config_unavailable", "active config could not be loaded")
		return
	}
	WriteJSON(w, http.StatusOK, v)
}

// ListVersions returns the newest config versions.
func (h *Handlers) ListVersions(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 20, 200)
	versions, err := h.Versions.List(r.Context(), limit)
	if err != nil {
		WriteError(w, r, http.StatusServiceUnavailable, "store_unavailable", "version list could not be loaded")
		return
	}
	WriteJSON(w, http.StatusOK, versionsResponse{Versions: versions, Count: len(versions)})
}

// CreateConfig validates a parameter payload and stores it as a new
// version, optionally activating it in the same call.
func (h *Handlers) CreateConfig(w http.ResponseWriter, r *http.Request) {
	var req createConfigRequest
	if err := decodeBody(r, &req, false); err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid_payload", "body must be a JSON object")
		return
	}
	if req.Params == nil {
		WriteError(w, r, http.StatusBadRequest, "invalid_payload", "params object is required")
		return
	}

	p, err := params.Parse(req.Params)
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}

	v, err := h.Versions.Create(r.Context(), configstore.CreateRequest{
		Params:     p,
		PresetName: req.PresetName,
		Activate:   req.Activate,
		Note:       req.Note,
		Actor:      actorRef(r.Context()),
	})
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, "config_create_failed", "version could not be stored")
		return
	}
	WriteJSON(w, http.StatusOK, v)
}

// ActivateConfig flips the active pointer to the requested version.
func (h *Handlers) ActivateConfig(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := decodeBody(r, &req, false); err != nil || req.ConfigVersionID == "" {
		WriteError(w, r, http.StatusBadRequest, "invalid_payload", "config_version_id is required")
		return
	}

	v, err := h.Versions.Activate(r.Context(), req.ConfigVersionID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			WriteError(w, r, http.StatusNotFound, "config_not_found", req.ConfigVersionID)
			return
		}
		WriteError(w, r, http.StatusServiceUnavailable, "store_unavailable", "activation failed")
		return
	}
	WriteJSON(w, http.StatusOK, v)
}

// RollbackConfig re-activates the newest inactive version.
func (h *Handlers) RollbackConfig(w http.ResponseWriter, r *http.Request) {
	v, err := h.Versions.Rollback(r.Context())
	if err != nil {
		WriteError(w, r, http.StatusServiceUnavailable, "store_unavailable", "rollback failed")
		return
	}
	if v == nil {
		WriteError(w, r, http.StatusUnprocessableEntity, "rollback_unavailable", "no previous version to roll back to")
		return
	}
	WriteJSON(w, http.StatusOK, v)
}
