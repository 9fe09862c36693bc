package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/cliploop/retentiond/internal/configstore"
	"github.com/cliploop/retentiond/internal/params"
)

// ListPresets returns the preset bundles in their stable order.
func (h *Handlers) ListPresets(w http.ResponseWriter, r *http.Request) {
	names := params.PresetNames()
	entries := make([]presetEntry, 0, len(names))
	for _, name := range names {
		bundle, ok := params.Preset(name)
		if !ok {
			continue
		}
		entries = append(entries, presetEntry{
			Name:    name,
			Default: name == params.DefaultPresetName,
			Params:  bundle,
		})
	}
	WriteJSON(w, http.StatusOK, presetsResponse{Presets: entries})
}

// ApplyPreset materializes a preset bundle as a new active version.
func (h *Handlers) ApplyPreset(w http.ResponseWriter, r *http.Request) {
	var req applyPresetRequest
	if err := decodeBody(r, &req, false); err != nil || req.PresetName == "" {
		WriteError(w, r, http.StatusBadRequest, "invalid_payload", "preset_name is required")
		return
	}

	bundle, ok := params.Preset(req.PresetName)
	if !ok {
		WriteError(w, r, http.StatusBadRequest, "invalid_payload", fmt.Sprintf("unknown preset %s", req.PresetName))
		return
	}

	name := strings.ToLower(strings.TrimSpace(req.PresetName))
	note := fmt.Sprintf("preset %s applied", name)
	v, err := h.Versions.Create(r.Context(), configstore.CreateRequest{
		Params:     bundle,
		PresetName: &name,
		Activate:   true,
		Note:       &note,
		Actor:      actorRef(r.Context()),
	})
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, "config_create_failed", "preset could not be stored")
		return
	}
	WriteJSON(w, http.StatusOK, v)
}
