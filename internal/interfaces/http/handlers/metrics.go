package handlers

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/cliploop/retentiond/internal/cache"
	"github.com/cliploop/retentiond/internal/persistence"
)

// RecentMetrics returns the newest render metric rows, ring included.
func (h *Handlers) RecentMetrics(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50, 500)
	rows, err := h.Recorder.ListRecent(r.Context(), limit)
	if err != nil {
		WriteError(w, r, http.StatusServiceUnavailable, "store_unavailable", "metrics could not be loaded")
		return
	}
	WriteJSON(w, http.StatusOK, metricsResponse{Metrics: rows, Count: len(rows)})
}

// Scorecards summarizes recent renders per job. Responses are cached
// briefly per query shape and age out on their own.
func (h *Handlers) Scorecards(w http.ResponseWriter, r *http.Request) {
	rangeRaw := r.URL.Query().Get("range")
	window, err := parseRange(rangeRaw)
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	limit := queryLimit(r, 100, 500)

	key := cache.Key("scorecards", rangeRaw, strconv.Itoa(limit))
	if body, ok := h.cacheGet(key, "scorecards"); ok {
		writeRaw(w, http.StatusOK, body)
		return
	}

	var rows []persistence.RenderMetric
	if window != nil {
		rows, err = h.Recorder.ListRange(r.Context(), *window, limit)
	} else {
		rows, err = h.Recorder.ListRecent(r.Context(), limit)
	}
	if err != nil {
		WriteError(w, r, http.StatusServiceUnavailable, "store_unavailable", "metrics could not be loaded")
		return
	}

	resp := scorecardsResponse{
		Range:      rangeRaw,
		Count:      len(rows),
		Scorecards: make([]scorecardEntry, 0, len(rows)),
	}
	var sum float64
	for _, m := range rows {
		sum += m.ScoreTotal
		resp.Scorecards = append(resp.Scorecards, scorecardEntry{
			JobID:           m.JobID,
			CreatedAt:       m.CreatedAt,
			ConfigVersionID: m.ConfigVersionID,
			ScoreTotal:      m.ScoreTotal,
			Subscores: map[string]float64{
				"hook":    m.ScoreHook,
				"pacing":  m.ScorePacing,
				"emotion": m.ScoreEmotion,
				"visual":  m.ScoreVisual,
				"story":   m.ScoreStory,
				"filler":  m.ScoreFiller,
				"jank":    m.ScoreJank,
			},
		})
	}
	if len(rows) > 0 {
		resp.AvgScore = math.Round(sum/float64(len(rows))*100) / 100
	}

	body, err := json.Marshal(resp)
	if err != nil {
		WriteJSON(w, http.StatusOK, resp)
		return
	}
	h.cacheSet(key, body, scorecardCacheTTL)
	writeRaw(w, http.StatusOK, body)
}
