package recorder

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cliploop/retentiond/internal/configstore"
	"github.com/cliploop/retentiond/internal/params"
	"github.com/cliploop/retentiond/internal/persistence"
	"github.com/cliploop/retentiond/internal/scoring"
)

// ringCap bounds the in-memory fallback; oldest rows are dropped first.
const ringCap = 5000

// Recorder evaluates finished renders and persists one quality row per
// render. Store failures degrade to an in-memory ring so a burst of
// renders never loses its scorecards.
type Recorder struct {
	engine   *scoring.Engine
	versions *configstore.Store
	metrics  persistence.MetricsRepo
	guard    persistence.Guard

	mu   sync.Mutex
	ring []persistence.RenderMetric
}

// New creates a recorder. guard may be nil.
func New(engine *scoring.Engine, versions *configstore.Store, metrics persistence.MetricsRepo, guard persistence.Guard) *Recorder {
	return &Recorder{engine: engine, versions: versions, metrics: metrics, guard: guard}
}

// Recorded is the payload produced for one render. Stored is false when
// the row only reached the ring.
type Recorded struct {
	Metric persistence.RenderMetric `json:"metric"`
	Result scoring.Result           `json:"result"`
	Stored bool                     `json:"stored"`
}

// Record resolves the job's config version, evaluates the render and
// persists the metric row. The payload is returned even when persistence
// fell back to the ring.
func (r *Recorder) Record(ctx context.Context, job persistence.Job) (*Recorded, error) {
	versionID, p, err := r.resolveVersion(ctx, job)
	if err != nil {
		return nil, err
	}

	res := r.engine.Evaluate(BuildInput(job), p)

	metric := persistence.RenderMetric{
		ID:              uuid.NewString(),
		JobID:           job.ID,
		UserID:          job.UserID,
		CreatedAt:       time.Now().UTC(),
		ConfigVersionID: versionID,
		ScoreTotal:      round4(res.ScoreTotal),
		ScoreHook:       round4(res.Subscores.Hook),
		ScorePacing:     round4(res.Subscores.Pacing),
		ScoreEmotion:    round4(res.Subscores.Energy),
		ScoreVisual:     round4(res.Subscores.Variety),
		ScoreStory:      round4(res.Subscores.Story),
		ScoreFiller:     round4(res.Subscores.Filler),
		ScoreJank:       round4(res.Subscores.Jank),
		Features:        toMap(res.Features),
		Flags:           toMap(res.Flags),
	}

	stored := r.insert(ctx, metric)
	log.Info().
		Str("job_id", job.ID).
		Str("config_version_id", versionID).
		Float64("score_total", metric.ScoreTotal).
		Bool("stored", stored).
		Msg("Render metric recorded")

	return &Recorded{Metric: metric, Result: res, Stored: stored}, nil
}

// resolveVersion walks the id candidates in priority order: the job row,
// render_settings, the analysis payload, then the active version. An id
// that does not resolve falls through to the next candidate.
func (r *Recorder) resolveVersion(ctx context.Context, job persistence.Job) (string, params.Params, error) {
	var candidates []string
	if job.ConfigVersionID != nil && *job.ConfigVersionID != "" {
		candidates = append(candidates, *job.ConfigVersionID)
	}
	if id := stringField(job.RenderSettings, "algorithm_config_version_id", "algorithmConfigVersionId"); id != "" {
		candidates = append(candidates, id)
	}
	if id := stringField(job.Analysis, "algorithm_config_version_id", "algorithmConfigVersionId"); id != "" {
		candidates = append(candidates, id)
	}

	for _, id := range candidates {
		v, err := r.versions.GetByID(ctx, id)
		if err != nil {
			return "", params.Params{}, err
		}
		if v != nil {
			return v.ID, v.Params, nil
		}
		log.Warn().Str("config_version_id", id).Str("job_id", job.ID).Msg("Job references unknown config version")
	}

	p, id, err := r.versions.ActiveParams(ctx)
	if err != nil {
		return "", params.Params{}, err
	}
	return id, p, nil
}

// insert writes through the guard; on failure the row joins the ring.
func (r *Recorder) insert(ctx context.Context, m persistence.RenderMetric) bool {
	err := r.guarded(func() error { return r.metrics.Insert(ctx, m) })
	if err == nil {
		return true
	}

	r.mu.Lock()
	r.ring = append(r.ring, m)
	if len(r.ring) > ringCap {
		r.ring = r.ring[len(r.ring)-ringCap:]
	}
	depth := len(r.ring)
	r.mu.Unlock()

	log.Warn().Err(err).Int("ring_depth", depth).Msg("Metric store unavailable, row kept in ring")
	return false
}

// RingDepth reports how many rows are waiting in the fallback ring.
func (r *Recorder) RingDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ring)
}

// ListRecent returns the newest rows, merging ring rows that never
// reached the store. A store failure serves the ring alone.
func (r *Recorder) ListRecent(ctx context.Context, limit int) ([]persistence.RenderMetric, error) {
	var rows []persistence.RenderMetric
	err := r.guarded(func() error {
		var gerr error
		rows, gerr = r.metrics.ListRecent(ctx, limit)
		return gerr
	})
	if err != nil {
		log.Warn().Err(err).Msg("Metric store unavailable, serving ring")
		return trim(r.ringNewest(nil), limit), nil
	}
	return mergeNewest(r.ringNewest(nil), rows, limit), nil
}

// ListRange returns rows inside the window, newest first, ring included.
func (r *Recorder) ListRange(ctx context.Context, tr persistence.TimeRange, limit int) ([]persistence.RenderMetric, error) {
	inRange := func(m persistence.RenderMetric) bool {
		return !m.CreatedAt.Before(tr.From) && !m.CreatedAt.After(tr.To)
	}

	var rows []persistence.RenderMetric
	err := r.guarded(func() error {
		var gerr error
		rows, gerr = r.metrics.ListRange(ctx, tr, limit)
		return gerr
	})
	if err != nil {
		log.Warn().Err(err).Msg("Metric store unavailable, serving ring")
		return trim(r.ringNewest(inRange), limit), nil
	}
	return mergeNewest(r.ringNewest(inRange), rows, limit), nil
}

// ListByConfigVersion returns rows for one version inside the window.
func (r *Recorder) ListByConfigVersion(ctx context.Context, configVersionID string, tr persistence.TimeRange, limit int) ([]persistence.RenderMetric, error) {
	match := func(m persistence.RenderMetric) bool {
		return m.ConfigVersionID == configVersionID &&
			!m.CreatedAt.Before(tr.From) && !m.CreatedAt.After(tr.To)
	}

	var rows []persistence.RenderMetric
	err := r.guarded(func() error {
		var gerr error
		rows, gerr = r.metrics.ListByConfigVersion(ctx, configVersionID, tr, limit)
		return gerr
	})
	if err != nil {
		log.Warn().Err(err).Msg("Metric store unavailable, serving ring")
		return trim(r.ringNewest(match), limit), nil
	}
	return mergeNewest(r.ringNewest(match), rows, limit), nil
}

func (r *Recorder) guarded(fn func() error) error {
	if r.guard == nil {
		return fn()
	}
	return r.guard(fn)
}

// ringNewest snapshots matching ring rows newest first.
func (r *Recorder) ringNewest(match func(persistence.RenderMetric) bool) []persistence.RenderMetric {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]persistence.RenderMetric, 0, len(r.ring))
	for i := len(r.ring) - 1; i >= 0; i-- {
		if match == nil || match(r.ring[i]) {
			out = append(out, r.ring[i])
		}
	}
	return out
}

// mergeNewest folds ring rows into store rows, deduped by id, newest
// first, capped at limit.
func mergeNewest(ring, rows []persistence.RenderMetric, limit int) []persistence.RenderMetric {
	if len(ring) == 0 {
		return trim(rows, limit)
	}

	combined := make([]persistence.RenderMetric, 0, len(ring)+len(rows))
	combined = append(combined, ring...)
	combined = append(combined, rows...)
	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].CreatedAt.After(combined[j].CreatedAt)
	})

	seen := make(map[string]bool, len(combined))
	out := combined[:0]
	for _, m := range combined {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	return trim(out, limit)
}

func trim(rows []persistence.RenderMetric, limit int) []persistence.RenderMetric {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}

// BuildInput assembles the scoring input for a job row: the analysis map
// itself plus the transcript and cut list dug out of it.
func BuildInput(job persistence.Job) scoring.Input {
	return scoring.Input{
		Analysis:   job.Analysis,
		Transcript: transcriptOf(job),
		CutList:    cutListOf(job),
	}
}

func transcriptOf(job persistence.Job) interface{} {
	if v, ok := job.Analysis["transcript"]; ok {
		return v
	}
	return nil
}

func cutListOf(job persistence.Job) interface{} {
	for _, key := range []string{"cut_list", "cutList", "edit_plan", "editPlan"} {
		if v, ok := job.RenderSettings[key]; ok && v != nil {
			return v
		}
	}
	if v, ok := job.Analysis["cut_list"]; ok {
		return v
	}
	return nil
}

func stringField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

// toMap renders a struct through its json tags, matching what the JSONB
// columns store.
func toMap(v interface{}) map[string]interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
