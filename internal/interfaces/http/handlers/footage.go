package handlers

import (
	"fmt"
	"net/http"

	"github.com/cliploop/retentiond/internal/params"
	"github.com/cliploop/retentiond/internal/recorder"
	"github.com/cliploop/retentiond/internal/scoring"
)

// SampleFootage lists recent jobs usable for dry-run scoring.
func (h *Handlers) SampleFootage(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 20, 100)
	jobs, err := h.Jobs.ListRecent(r.Context(), limit)
	if err != nil {
		WriteError(w, r, http.StatusServiceUnavailable, "store_unavailable", "jobs could not be loaded")
		return
	}

	resp := sampleFootageResponse{Jobs: make([]jobSummary, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, jobSummary{
			ID:              j.ID,
			Status:          j.Status,
			UserID:          j.UserID,
			RetentionScore:  j.RetentionScore,
			HasAnalysis:     len(j.Analysis) > 0,
			ConfigVersionID: j.ConfigVersionID,
		})
	}
	resp.Count = len(resp.Jobs)
	WriteJSON(w, http.StatusOK, resp)
}

// TestSampleFootage scores one job against chosen parameters without
// recording anything. Jobs without analysis fall back to the bundled
// sample so the endpoint always demonstrates the scoring path.
func (h *Handlers) TestSampleFootage(w http.ResponseWriter, r *http.Request) {
	var req footageTestRequest
	if err := decodeBody(r, &req, false); err != nil || req.JobID == "" {
		WriteError(w, r, http.StatusBadRequest, "invalid_payload", "job_id is required")
		return
	}

	job, err := h.Jobs.GetByID(r.Context(), req.JobID)
	if err != nil {
		WriteError(w, r, http.StatusServiceUnavailable, "store_unavailable", "job lookup failed")
		return
	}
	if job == nil {
		WriteError(w, r, http.StatusNotFound, "job_not_found", req.JobID)
		return
	}

	var p params.Params
	source := "active_config"
	switch {
	case req.ConfigVersionID != nil && *req.ConfigVersionID != "":
		v, err := h.Versions.GetByID(r.Context(), *req.ConfigVersionID)
		if err != nil {
			WriteError(w, r, http.StatusServiceUnavailable, "store_unavailable", "version lookup failed")
			return
		}
		if v == nil {
			WriteError(w, r, http.StatusNotFound, "config_not_found", *req.ConfigVersionID)
			return
		}
		p = v.Params
		source = "config_version"
	case req.PresetName != nil && *req.PresetName != "":
		bundle, ok := params.Preset(*req.PresetName)
		if !ok {
			WriteError(w, r, http.StatusBadRequest, "invalid_payload", fmt.Sprintf("unknown preset %s", *req.PresetName))
			return
		}
		p = bundle
		source = "preset"
	case req.Params != nil:
		parsed, err := params.Parse(req.Params)
		if err != nil {
			WriteError(w, r, http.StatusBadRequest, "invalid_payload", err.Error())
			return
		}
		p = parsed
		source = "params"
	default:
		active, _, err := h.Versions.ActiveParams(r.Context())
		if err != nil {
			WriteError(w, r, http.StatusServiceUnavailable, "algorithm_config_unavailable", "active config could not be loaded")
			return
		}
		p = active
	}

	in := recorder.BuildInput(*job)
	usedFixture := false
	if len(job.Analysis) == 0 {
		in = scoring.Input{Analysis: scoring.SampleAnalysis()}
		usedFixture = true
	}

	res := h.Engine.Evaluate(in, p)
	WriteJSON(w, http.StatusOK, footageTestResponse{
		JobID:        job.ID,
		ParamsSource: source,
		UsedFixture:  usedFixture,
		Result:       res,
	})
}

// ConfigSelector previews the allocation decision the next job would get.
func (h *Handlers) ConfigSelector(w http.ResponseWriter, r *http.Request) {
	sel, err := h.Allocator.SelectForNewJob(r.Context())
	if err != nil {
		WriteError(w, r, http.StatusServiceUnavailable, "algorithm_config_unavailable", "selection failed")
		return
	}

	resp := selectorResponse{
		ConfigVersionID: sel.ConfigVersionID,
		ExperimentID:    sel.ExperimentID,
	}
	if v, err := h.Versions.GetByID(r.Context(), sel.ConfigVersionID); err == nil && v != nil {
		resp.Params = &v.Params
	}
	WriteJSON(w, http.StatusOK, resp)
}
