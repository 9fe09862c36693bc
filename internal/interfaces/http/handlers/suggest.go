package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/cliploop/retentiond/internal/cache"
)

const analyzeLimitCeiling = 500

// AnalyzeRenders runs the full metric analysis and returns the report.
func (h *Handlers) AnalyzeRenders(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decodeBody(r, &req, true); err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid_payload", "body must be a JSON object")
		return
	}
	window, err := parseRange(req.Range)
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	limit := req.Limit
	if limit <= 0 || limit > analyzeLimitCeiling {
		limit = 200
	}

	report, err := h.Suggest.Analyze(r.Context(), window, limit)
	if err != nil {
		WriteError(w, r, http.StatusServiceUnavailable, "store_unavailable", "analysis failed")
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

// Suggestions returns the ranked proposals, cached per window.
func (h *Handlers) Suggestions(w http.ResponseWriter, r *http.Request) {
	rangeRaw := r.URL.Query().Get("range")
	window, err := parseRange(rangeRaw)
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}

	key := cache.Key("suggestions", rangeRaw)
	if body, ok := h.cacheGet(key, "suggestions"); ok {
		writeRaw(w, http.StatusOK, body)
		return
	}

	report, err := h.Suggest.Analyze(r.Context(), window, 200)
	if err != nil {
		WriteError(w, r, http.StatusServiceUnavailable, "store_unavailable", "analysis failed")
		return
	}

	resp := suggestionsResponse{
		Summary:     report.Summary,
		Suggestions: report.Suggestions,
		GeneratedAt: report.GeneratedAt,
	}
	body, err := json.Marshal(resp)
	if err != nil {
		WriteJSON(w, http.StatusOK, resp)
		return
	}
	h.cacheSet(key, body, suggestionCacheTTL)
	writeRaw(w, http.StatusOK, body)
}

// AutoOptimize applies the top suggestion as a new active version.
func (h *Handlers) AutoOptimize(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decodeBody(r, &req, true); err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid_payload", "body must be a JSON object")
		return
	}
	window, err := parseRange(req.Range)
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}

	top, err := h.Suggest.Top(r.Context(), window, 200)
	if err != nil {
		WriteError(w, r, http.StatusServiceUnavailable, "store_unavailable", "analysis failed")
		return
	}
	if top == nil {
		WriteError(w, r, http.StatusUnprocessableEntity, "no_optimization_suggestion", "no suggestion clears the confidence bar")
		return
	}

	actor := Operator(r.Context())
	if actor == "" {
		actor = "auto_optimize"
	}
	version, changes, err := h.Suggest.Apply(r.Context(), *top, actor)
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, "config_create_failed", "suggestion could not be applied")
		return
	}
	WriteJSON(w, http.StatusOK, optimizeResponse{
		Applied:    true,
		Suggestion: *top,
		Changes:    changes,
		Version:    version,
	})
}
