package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cliploop/retentiond/internal/configstore"
	"github.com/cliploop/retentiond/internal/prompt"
)

// ApplyPrompt translates operator prose into parameter moves and stores
// the result as a new active version.
func (h *Handlers) ApplyPrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := decodeBody(r, &req, false); err != nil || strings.TrimSpace(req.Prompt) == "" {
		WriteError(w, r, http.StatusBadRequest, "invalid_payload", "prompt is required")
		return
	}

	base, _, err := h.Versions.ActiveParams(r.Context())
	if err != nil {
		WriteError(w, r, http.StatusServiceUnavailable, "algorithm_config_unavailable", "active config could not be loaded")
		return
	}

	res, err := h.Translator.Apply(r.Context(), req.Prompt, base)
	if err != nil {
		if errors.Is(err, prompt.ErrNotActionable) {
			WriteError(w, r, http.StatusUnprocessableEntity, "prompt_not_actionable", "the prompt produced no parameter changes")
			return
		}
		WriteError(w, r, http.StatusInternalServerError, "prompt_apply_failed", "translation failed")
		return
	}

	note := fmt.Sprintf("prompt %s: %s", res.Strategy, truncate(strings.TrimSpace(req.Prompt), 140))
	v, err := h.Versions.Create(r.Context(), configstore.CreateRequest{
		Params:   res.Params,
		Activate: true,
		Note:     &note,
		Actor:    actorRef(r.Context()),
	})
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, "config_create_failed", "version could not be stored")
		return
	}

	WriteJSON(w, http.StatusOK, promptResponse{
		Strategy: res.Strategy,
		Changes:  res.Changes,
		Warnings: res.Warnings,
		Version:  v,
	})
}
