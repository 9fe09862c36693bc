package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cliploop/retentiond/internal/cache"
	"github.com/cliploop/retentiond/internal/configstore"
	"github.com/cliploop/retentiond/internal/experiment"
	"github.com/cliploop/retentiond/internal/params"
	"github.com/cliploop/retentiond/internal/persistence"
	"github.com/cliploop/retentiond/internal/persistence/memory"
	"github.com/cliploop/retentiond/internal/prompt"
	"github.com/cliploop/retentiond/internal/recorder"
	"github.com/cliploop/retentiond/internal/scoring"
	"github.com/cliploop/retentiond/internal/suggest"
)

const (
	testOwner = "ops@cliploop.dev"
	testKey   = "test-control-key"
)

type env struct {
	server   *Server
	store    *memory.Store
	versions *configstore.Store
}

func newEnv(t *testing.T, mutate func(*Config)) *env {
	t.Helper()

	store := memory.NewStore()
	engine := scoring.NewEngine()
	versions := configstore.New(store.ConfigVersions(), nil)
	rec := recorder.New(engine, versions, store.Metrics(), nil)
	alloc := experiment.New(store.Experiments(), store.Metrics(), versions, nil, experiment.NewRand(42))
	sugg := suggest.New(rec, versions)

	cfg := Config{
		Addr:              "127.0.0.1:0",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
		OwnerEmails:       []string{testOwner},
		ControlKey:        testKey,
		RateLimitWindowMs: 60000,
		RateLimitMax:      100,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv := NewServer(cfg, Deps{
		Versions:   versions,
		Allocator:  alloc,
		Recorder:   rec,
		Suggest:    sugg,
		Translator: prompt.New(sugg),
		Engine:     engine,
		Jobs:       store.Jobs(),
		Security:   store.SecurityEvents(),
		Cache:      cache.NewMemory(),
	})
	return &env{server: srv, store: store, versions: versions}
}

func (e *env) request(t *testing.T, method, target string, body interface{}, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if authed {
		req.Header.Set("X-Operator-Email", testOwner)
		req.Header.Set("X-Control-Key", testKey)
	}
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func (e *env) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return e.request(t, method, target, body, true)
}

func (e *env) seedMetric(t *testing.T, jobID, versionID string, total float64, age time.Duration) {
	t.Helper()
	err := e.store.Metrics().Insert(context.Background(), persistence.RenderMetric{
		ID:              jobID + "-metric",
		JobID:           jobID,
		CreatedAt:       time.Now().UTC().Add(-age),
		ConfigVersionID: versionID,
		ScoreTotal:      total,
		ScoreHook:       total,
		ScorePacing:     total,
	})
	require.NoError(t, err)
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), dst), rr.Body.String())
}

func errCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	decode(t, rr, &body)
	return body.Error
}

func TestAuthGuardrails(t *testing.T) {
	e := newEnv(t, nil)

	rr := e.request(t, http.MethodGet, "/config", nil, false)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "auth_denied", errCode(t, rr))

	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	req.Header.Set("X-Operator-Email", "intruder@example.com")
	req.Header.Set("X-Control-Key", testKey)
	wrongEmail := httptest.NewRecorder()
	e.server.Router().ServeHTTP(wrongEmail, req)
	require.Equal(t, http.StatusForbidden, wrongEmail.Code)

	req = httptest.NewRequest(http.MethodGet, "/config", nil)
	req.Header.Set("X-Operator-Email", testOwner)
	req.Header.Set("X-Control-Key", "wrong-key")
	wrongKey := httptest.NewRecorder()
	e.server.Router().ServeHTTP(wrongKey, req)
	require.Equal(t, http.StatusForbidden, wrongKey.Code)

	rr = e.do(t, http.MethodGet, "/config", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	events := e.server.SecurityEvents(10)
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, "auth_denied", ev.Type)
	}

	stored, err := e.store.SecurityEvents().ListRecent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestAuthFailsClosedWhenUnconfigured(t *testing.T) {
	e := newEnv(t, func(cfg *Config) {
		cfg.OwnerEmails = nil
	})

	rr := e.do(t, http.MethodGet, "/config", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	var resp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	decode(t, rr, &resp)
	assert.Equal(t, "auth_denied", resp.Error)
	assert.Equal(t, "auth_not_configured", resp.Message)
}

func TestHealthAndMetricsSkipAuth(t *testing.T) {
	e := newEnv(t, nil)

	rr := e.request(t, http.MethodGet, "/health", nil, false)
	require.Equal(t, http.StatusOK, rr.Code)
	var health struct {
		Status string `json:"status"`
	}
	decode(t, rr, &health)
	assert.Equal(t, "ok", health.Status)

	rr = e.request(t, http.MethodGet, "/metrics", nil, false)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "retentiond_cache_hit_ratio")
}

func TestRequestIDPropagation(t *testing.T) {
	e := newEnv(t, nil)

	rr := e.request(t, http.MethodGet, "/config", nil, false)
	header := rr.Header().Get("X-Request-ID")
	require.Len(t, header, 8)

	var resp struct {
		RequestID string `json:"request_id"`
	}
	decode(t, rr, &resp)
	assert.Equal(t, header, resp.RequestID)
}

func TestConfigLifecycle(t *testing.T) {
	e := newEnv(t, nil)

	rr := e.do(t, http.MethodGet, "/config", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var v1 persistence.ConfigVersion
	decode(t, rr, &v1)
	require.True(t, v1.IsActive)
	require.NotNil(t, v1.PresetName)
	assert.Equal(t, params.DefaultPresetName, *v1.PresetName)

	rr = e.do(t, http.MethodPost, "/config", map[string]interface{}{
		"params":   map[string]interface{}{"cut_aggression": 88},
		"activate": true,
		"note":     "tighter cuts",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var v2 persistence.ConfigVersion
	decode(t, rr, &v2)
	assert.Equal(t, 88.0, v2.Params.CutAggression)
	assert.True(t, v2.IsActive)

	rr = e.do(t, http.MethodGet, "/config", nil)
	var active persistence.ConfigVersion
	decode(t, rr, &active)
	assert.Equal(t, v2.ID, active.ID)

	rr = e.do(t, http.MethodGet, "/config/versions?limit=10", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Versions []persistence.ConfigVersion `json:"versions"`
		Count    int                         `json:"count"`
	}
	decode(t, rr, &list)
	require.Equal(t, 2, list.Count)
	assert.Equal(t, v2.ID, list.Versions[0].ID)

	rr = e.do(t, http.MethodPost, "/config/activate", map[string]string{"config_version_id": v1.ID})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = e.do(t, http.MethodGet, "/config", nil)
	decode(t, rr, &active)
	assert.Equal(t, v1.ID, active.ID)
}

func TestConfigRejectsBadPayloads(t *testing.T) {
	e := newEnv(t, nil)

	rr := e.do(t, http.MethodPost, "/config", map[string]interface{}{
		"params": map[string]interface{}{"cut_aggression": "very high"},
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_payload", errCode(t, rr))

	rr = e.do(t, http.MethodPost, "/config", map[string]interface{}{"activate": true})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_payload", errCode(t, rr))

	rr = e.do(t, http.MethodPost, "/config/activate", map[string]string{"config_version_id": "no-such-id"})
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "config_not_found", errCode(t, rr))
}

func TestRollback(t *testing.T) {
	e := newEnv(t, nil)

	rr := e.do(t, http.MethodPost, "/config/rollback", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "rollback_unavailable", errCode(t, rr))

	rr = e.do(t, http.MethodGet, "/config", nil)
	var v1 persistence.ConfigVersion
	decode(t, rr, &v1)

	rr = e.do(t, http.MethodPost, "/config", map[string]interface{}{
		"params":   map[string]interface{}{"cut_aggression": 75},
		"activate": true,
	})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = e.do(t, http.MethodPost, "/config/rollback", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var restored persistence.ConfigVersion
	decode(t, rr, &restored)
	assert.Equal(t, v1.ID, restored.ID)
	assert.True(t, restored.IsActive)
}

func TestPresetsEndpoint(t *testing.T) {
	e := newEnv(t, nil)

	rr := e.do(t, http.MethodGet, "/presets", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Presets []struct {
			Name    string `json:"name"`
			Default bool   `json:"default"`
		} `json:"presets"`
	}
	decode(t, rr, &resp)
	require.Len(t, resp.Presets, len(params.PresetNames()))

	defaults := 0
	for _, p := range resp.Presets {
		if p.Default {
			defaults++
			assert.Equal(t, params.DefaultPresetName, p.Name)
		}
	}
	assert.Equal(t, 1, defaults)
}

func TestApplyPreset(t *testing.T) {
	e := newEnv(t, nil)

	rr := e.do(t, http.MethodPost, "/preset/apply", map[string]string{"preset_name": "hyper_cut_mode"})
	require.Equal(t, http.StatusOK, rr.Code)
	var v persistence.ConfigVersion
	decode(t, rr, &v)
	require.NotNil(t, v.PresetName)
	assert.Equal(t, "hyper_cut_mode", *v.PresetName)
	assert.True(t, v.IsActive)

	rr = e.do(t, http.MethodPost, "/preset/apply", map[string]string{"preset_name": "no_such_mode"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_payload", errCode(t, rr))
}

func TestApplyPrompt(t *testing.T) {
	e := newEnv(t, nil)

	rr := e.do(t, http.MethodPost, "/prompt/apply", map[string]string{
		"prompt": "cut_aggression = 88, make it smoother",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp struct {
		Strategy string                    `json:"strategy"`
		Changes  []params.Change           `json:"changes"`
		Version  persistence.ConfigVersion `json:"version"`
	}
	decode(t, rr, &resp)
	assert.NotEmpty(t, resp.Strategy)
	assert.NotEmpty(t, resp.Changes)
	assert.Equal(t, 88.0, resp.Version.Params.CutAggression)
	assert.True(t, resp.Version.IsActive)

	rr = e.do(t, http.MethodPost, "/prompt/apply", map[string]string{"prompt": "   "})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_payload", errCode(t, rr))
}

func TestExperimentFlow(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	v1, err := e.versions.EnsureDefault(ctx)
	require.NoError(t, err)
	hyper, ok := params.Preset("hyper_cut_mode")
	require.True(t, ok)
	name := "hyper_cut_mode"
	v2, err := e.versions.Create(ctx, configstore.CreateRequest{Params: hyper, PresetName: &name})
	require.NoError(t, err)

	rr := e.do(t, http.MethodPost, "/experiment/start", map[string]interface{}{
		"name": "hook strength bake-off",
		"arms": []map[string]interface{}{
			{"config_version_id": v1.ID, "weight": 50},
			{"config_version_id": v2.ID, "weight": 50},
		},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var exp persistence.Experiment
	decode(t, rr, &exp)
	assert.Equal(t, persistence.ExperimentRunning, exp.Status)

	rr = e.do(t, http.MethodGet, "/experiment/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var st experiment.Status
	decode(t, rr, &st)
	assert.True(t, st.Running)
	require.Len(t, st.Arms, 2)

	rr = e.do(t, http.MethodGet, "/config-selector", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var sel struct {
		ConfigVersionID string  `json:"config_version_id"`
		ExperimentID    *string `json:"experiment_id"`
	}
	decode(t, rr, &sel)
	assert.Contains(t, []string{v1.ID, v2.ID}, sel.ConfigVersionID)
	require.NotNil(t, sel.ExperimentID)
	assert.Equal(t, exp.ID, *sel.ExperimentID)

	rr = e.do(t, http.MethodPost, "/experiment/stop", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var stopped struct {
		Stopped int64 `json:"stopped"`
	}
	decode(t, rr, &stopped)
	assert.Equal(t, int64(1), stopped.Stopped)

	rr = e.do(t, http.MethodGet, "/experiment/status", nil)
	decode(t, rr, &st)
	assert.False(t, st.Running)
}

func TestExperimentValidation(t *testing.T) {
	e := newEnv(t, nil)
	v1, err := e.versions.EnsureDefault(context.Background())
	require.NoError(t, err)

	rr := e.do(t, http.MethodPost, "/experiment/start", map[string]interface{}{
		"name": "solo",
		"arms": []map[string]interface{}{
			{"config_version_id": v1.ID, "weight": 100},
		},
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "experiment_requires_2_to_4_valid_arms", errCode(t, rr))

	rr = e.do(t, http.MethodPost, "/experiment/start", map[string]interface{}{
		"name": "ghost arm",
		"arms": []map[string]interface{}{
			{"config_version_id": v1.ID, "weight": 50},
			{"config_version_id": "missing", "weight": 50},
		},
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_config_version:missing", errCode(t, rr))
}

func TestScorecardsCaching(t *testing.T) {
	e := newEnv(t, nil)
	v, err := e.versions.EnsureDefault(context.Background())
	require.NoError(t, err)

	e.seedMetric(t, "job-1", v.ID, 70, time.Minute)
	e.seedMetric(t, "job-2", v.ID, 80, 2*time.Minute)

	rr := e.do(t, http.MethodGet, "/scorecards?limit=10", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var first struct {
		Count      int     `json:"count"`
		AvgScore   float64 `json:"avg_score"`
		Scorecards []struct {
			JobID     string             `json:"job_id"`
			Subscores map[string]float64 `json:"subscores"`
		} `json:"scorecards"`
	}
	decode(t, rr, &first)
	require.Equal(t, 2, first.Count)
	assert.Equal(t, 75.0, first.AvgScore)
	require.NotEmpty(t, first.Scorecards)
	assert.Contains(t, first.Scorecards[0].Subscores, "hook")

	// A row landing inside the TTL stays invisible until the entry ages
	// out.
	e.seedMetric(t, "job-3", v.ID, 90, time.Second)
	rr = e.do(t, http.MethodGet, "/scorecards?limit=10", nil)
	var second struct {
		Count int `json:"count"`
	}
	decode(t, rr, &second)
	assert.Equal(t, 2, second.Count)

	hits, err := e.server.metrics.CacheHits.GetMetricWithLabelValues("scorecards")
	require.NoError(t, err)
	var sample io_prometheus_client.Metric
	require.NoError(t, hits.Write(&sample))
	assert.Equal(t, 1.0, sample.GetCounter().GetValue())
}

func TestSuggestionsWithNoData(t *testing.T) {
	e := newEnv(t, nil)

	rr := e.do(t, http.MethodGet, "/suggestions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Summary     suggest.Summary      `json:"summary"`
		Suggestions []suggest.Suggestion `json:"suggestions"`
	}
	decode(t, rr, &resp)
	assert.Zero(t, resp.Summary.Samples)
	assert.Empty(t, resp.Suggestions)

	rr = e.do(t, http.MethodPost, "/auto-optimize", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "no_optimization_suggestion", errCode(t, rr))
}

func TestAnalyzeRenders(t *testing.T) {
	e := newEnv(t, nil)
	v, err := e.versions.EnsureDefault(context.Background())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		e.seedMetric(t, fmt.Sprintf("job-%d", i), v.ID, 60+float64(i), time.Duration(i+1)*time.Minute)
	}

	rr := e.do(t, http.MethodPost, "/analyze-renders", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var report suggest.Report
	decode(t, rr, &report)
	assert.Equal(t, 5, report.Summary.Samples)

	rr = e.do(t, http.MethodPost, "/analyze-renders", map[string]string{"range": "24h"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = e.do(t, http.MethodPost, "/analyze-renders", map[string]string{"range": "soon"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_payload", errCode(t, rr))
}

func TestSampleFootage(t *testing.T) {
	e := newEnv(t, nil)
	e.store.SeedJob(persistence.Job{ID: "job-ready", Status: "complete", Analysis: scoring.SampleAnalysis()})
	e.store.SeedJob(persistence.Job{ID: "job-bare", Status: "rendering"})

	rr := e.do(t, http.MethodGet, "/sample-footage", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Jobs []struct {
			ID          string `json:"id"`
			HasAnalysis bool   `json:"has_analysis"`
		} `json:"jobs"`
	}
	decode(t, rr, &list)
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, "job-ready", list.Jobs[0].ID)
	assert.True(t, list.Jobs[0].HasAnalysis)
}

func TestFootageTestRun(t *testing.T) {
	e := newEnv(t, nil)
	e.store.SeedJob(persistence.Job{ID: "job-ready", Status: "complete", Analysis: scoring.SampleAnalysis()})
	e.store.SeedJob(persistence.Job{ID: "job-bare", Status: "rendering"})

	rr := e.do(t, http.MethodPost, "/sample-footage/test", map[string]string{"job_id": "job-ready"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res struct {
		ParamsSource string `json:"params_source"`
		UsedFixture  bool   `json:"used_fixture"`
		Result       struct {
			ScoreTotal float64 `json:"score_total"`
		} `json:"result"`
	}
	decode(t, rr, &res)
	assert.Equal(t, "active_config", res.ParamsSource)
	assert.False(t, res.UsedFixture)
	assert.GreaterOrEqual(t, res.Result.ScoreTotal, 0.0)
	assert.LessOrEqual(t, res.Result.ScoreTotal, 100.0)

	rr = e.do(t, http.MethodPost, "/sample-footage/test", map[string]string{
		"job_id":      "job-bare",
		"preset_name": "viral_mode",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &res)
	assert.Equal(t, "preset", res.ParamsSource)
	assert.True(t, res.UsedFixture)

	rr = e.do(t, http.MethodPost, "/sample-footage/test", map[string]string{"job_id": "missing"})
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "job_not_found", errCode(t, rr))
}

func TestRateLimitOnMutations(t *testing.T) {
	e := newEnv(t, func(cfg *Config) {
		cfg.RateLimitMax = 2
	})

	for i := 0; i < 2; i++ {
		rr := e.do(t, http.MethodPost, "/config/rollback", nil)
		require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	}

	rr := e.do(t, http.MethodPost, "/config/rollback", nil)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "rate_limited", errCode(t, rr))

	for i := 0; i < 5; i++ {
		rr := e.do(t, http.MethodGet, "/config", nil)
		require.Equal(t, http.StatusOK, rr.Code)
	}

	events := e.server.SecurityEvents(5)
	require.NotEmpty(t, events)
	assert.Equal(t, "rate_limited", events[0].Type)
}

func TestUnknownRoute(t *testing.T) {
	e := newEnv(t, nil)

	rr := e.request(t, http.MethodGet, "/not-a-route", nil, false)
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "endpoint_not_found", errCode(t, rr))
}
