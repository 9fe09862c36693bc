package suggest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cliploop/retentiond/internal/configstore"
	"github.com/cliploop/retentiond/internal/params"
	"github.com/cliploop/retentiond/internal/persistence"
	"github.com/cliploop/retentiond/internal/persistence/memory"
)

type stubMetrics struct {
	rows []persistence.RenderMetric
	err  error
}

func (s *stubMetrics) ListRecent(_ context.Context, limit int) ([]persistence.RenderMetric, error) {
	if s.err != nil {
		return nil, s.err
	}
	if limit > 0 && len(s.rows) > limit {
		return s.rows[:limit], nil
	}
	return s.rows, nil
}

func (s *stubMetrics) ListRange(ctx context.Context, _ persistence.TimeRange, limit int) ([]persistence.RenderMetric, error) {
	return s.ListRecent(ctx, limit)
}

func newTestEngine(t *testing.T) (*Engine, *stubMetrics, *configstore.Store) {
	t.Helper()
	versions := configstore.New(memory.NewStore().ConfigVersions(), nil)
	metrics := &stubMetrics{}
	return New(metrics, versions), metrics, versions
}

// metricRow builds a healthy row: every subscore clear of the rule
// thresholds. Tests push individual fields over the line via mutate.
func metricRow(versionID string, total float64, mutate func(*persistence.RenderMetric)) persistence.RenderMetric {
	m := persistence.RenderMetric{
		ID:              uuid.NewString(),
		JobID:           uuid.NewString(),
		CreatedAt:       time.Now().UTC(),
		ConfigVersionID: versionID,
		ScoreTotal:      total,
		ScoreHook:       0.7,
		ScorePacing:     0.65,
		ScoreEmotion:    0.6,
		ScoreVisual:     0.6,
		ScoreStory:      0.62,
		ScoreFiller:     0.2,
		ScoreJank:       0.3,
	}
	if mutate != nil {
		mutate(&m)
	}
	return m
}

func TestAnalyze_EmptyWindow(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	report, err := engine.Analyze(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Summary.Samples)
	assert.Empty(t, report.Suggestions)
	assert.Empty(t, report.Correlations)
	assert.False(t, report.GeneratedAt.IsZero())

	top, err := engine.Top(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Nil(t, top)
}

func TestAnalyze_SurfacesMetricsError(t *testing.T) {
	engine, metrics, _ := newTestEngine(t)
	metrics.err = errors.New("store down")

	_, err := engine.Analyze(context.Background(), nil, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load metrics")
}

func TestSummarize_SubscoresAndFailures(t *testing.T) {
	rows := []persistence.RenderMetric{
		metricRow("v", 70, func(m *persistence.RenderMetric) { m.ScoreHook = 0.4 }),
		metricRow("v", 70, func(m *persistence.RenderMetric) { m.ScorePacing = 0.3 }),
		metricRow("v", 70, func(m *persistence.RenderMetric) { m.ScoreJank = 0.7 }),
		metricRow("v", 70, func(m *persistence.RenderMetric) { m.ScoreStory = 0.3 }),
		metricRow("v", 70, nil),
	}

	s := summarize(rows)
	assert.Equal(t, 5, s.Samples)
	assert.InDelta(t, 70, s.AvgScore, 1e-9)
	assert.Equal(t, 1, s.FailureCounts["low_hook"])
	assert.Equal(t, 1, s.FailureCounts["low_pacing"])
	assert.Equal(t, 1, s.FailureCounts["high_jank"])
	assert.Equal(t, 1, s.FailureCounts["low_story"])
	for _, key := range []string{"hook", "pacing", "energy", "variety", "story", "filler", "jank"} {
		assert.Contains(t, s.AvgSubscores, key)
	}
}

func TestPearson(t *testing.T) {
	cases := []struct {
		name string
		xs   []float64
		ys   []float64
		want float64
	}{
		{"perfect_positive", []float64{1, 2, 3}, []float64{2, 4, 6}, 1},
		{"perfect_negative", []float64{1, 2, 3}, []float64{6, 4, 2}, -1},
		{"constant_x", []float64{5, 5, 5}, []float64{1, 2, 3}, 0},
		{"too_few", []float64{1}, []float64{1}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, pearson(tc.xs, tc.ys), 1e-9)
		})
	}
}

func TestAnalyze_HookRuleFires(t *testing.T) {
	engine, metrics, versions := newTestEngine(t)
	ctx := context.Background()

	v, err := versions.Create(ctx, configstore.CreateRequest{Params: params.Defaults(), Activate: true})
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		metrics.rows = append(metrics.rows, metricRow(v.ID, 60, func(m *persistence.RenderMetric) {
			m.ScoreHook = 0.4
		}))
	}

	report, err := engine.Analyze(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, report.Suggestions, 1)

	s := report.Suggestions[0]
	assert.Equal(t, ActionAdjustParams, s.Action)
	assert.Equal(t, "low", s.Risk)
	assert.InDelta(t, 0.15, s.Deltas["hook_priority_weight"], 1e-9)
	assert.InDelta(t, -2, s.Deltas["pattern_interrupt_every_sec"], 1e-9)
	assert.Contains(t, s.Reason, "hook")
}

func TestAnalyze_HealthyWindowYieldsNothing(t *testing.T) {
	engine, metrics, versions := newTestEngine(t)
	ctx := context.Background()

	v, err := versions.Create(ctx, configstore.CreateRequest{Params: params.Defaults(), Activate: true})
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		metrics.rows = append(metrics.rows, metricRow(v.ID, 72, nil))
	}

	report, err := engine.Analyze(ctx, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, report.Suggestions)

	top, err := engine.Top(ctx, nil, 0)
	require.NoError(t, err)
	assert.Nil(t, top)
}

// Two versions differing only in cut_aggression, with the higher value
// scoring higher: correlation 1.0, so the pacing rule's +6 cut_aggression
// move prices out to corr * (6/xStd) * scoreStd * 0.72 = 0.3 * 10 * 0.72.
func TestAnalyze_PredictedDeltaFollowsCorrelation(t *testing.T) {
	engine, metrics, versions := newTestEngine(t)
	ctx := context.Background()

	low := params.Defaults()
	low.Set("cut_aggression", 40)
	vLow, err := versions.Create(ctx, configstore.CreateRequest{Params: low, Activate: true})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	high := params.Defaults()
	high.Set("cut_aggression", 80)
	vHigh, err := versions.Create(ctx, configstore.CreateRequest{Params: high, Activate: true})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		metrics.rows = append(metrics.rows, metricRow(vLow.ID, 60, func(m *persistence.RenderMetric) {
			m.ScorePacing = 0.4
		}))
		metrics.rows = append(metrics.rows, metricRow(vHigh.ID, 80, func(m *persistence.RenderMetric) {
			m.ScorePacing = 0.4
		}))
	}

	report, err := engine.Analyze(ctx, nil, 0)
	require.NoError(t, err)
	assert.InDelta(t, 1, report.Correlations["cut_aggression"], 1e-9)
	require.Len(t, report.Suggestions, 1)

	s := report.Suggestions[0]
	assert.InDelta(t, 6, s.Deltas["cut_aggression"], 1e-9)
	assert.InDelta(t, 2.16, s.PredictedDelta, 1e-9)
	assert.InDelta(t, 0.8125, s.Confidence, 1e-9)
}

func TestAnalyze_VarianceRuleMovesTowardPresetDefault(t *testing.T) {
	engine, metrics, versions := newTestEngine(t)
	ctx := context.Background()

	viral, ok := params.Preset("viral_mode")
	require.True(t, ok)
	viral.Set("cut_aggression", viral.CutAggression-12)
	name := "viral_mode"
	v, err := versions.Create(ctx, configstore.CreateRequest{Params: viral, PresetName: &name, Activate: true})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		total := 20.0
		if i%2 == 1 {
			total = 90
		}
		metrics.rows = append(metrics.rows, metricRow(v.ID, total, nil))
	}

	report, err := engine.Analyze(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, report.Suggestions, 1)

	s := report.Suggestions[0]
	assert.InDelta(t, 5, s.Deltas["cut_aggression"], 1e-9)
	assert.InDelta(t, -0.06, s.Deltas["pacing_multiplier"], 1e-9)
	assert.InDelta(t, 0, s.PredictedDelta, 1e-9)
	assert.InDelta(t, 0.3625, s.Confidence, 1e-9)
}

func TestAnalyze_RollbackWhenNewestUnderperforms(t *testing.T) {
	engine, metrics, versions := newTestEngine(t)
	ctx := context.Background()

	prev, err := versions.Create(ctx, configstore.CreateRequest{Params: params.Defaults(), Activate: true})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	newest, err := versions.Create(ctx, configstore.CreateRequest{Params: params.Defaults(), Activate: true})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		metrics.rows = append(metrics.rows, metricRow(prev.ID, 80, nil))
		metrics.rows = append(metrics.rows, metricRow(newest.ID, 70, nil))
	}

	report, err := engine.Analyze(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, report.Suggestions, 1)

	s := report.Suggestions[0]
	assert.Equal(t, ActionRollback, s.Action)
	require.NotNil(t, s.TargetConfigVersion)
	assert.Equal(t, prev.ID, *s.TargetConfigVersion)
	assert.InDelta(t, 10, s.PredictedDelta, 1e-9)
	assert.InDelta(t, 0.8, s.Confidence, 1e-9)

	top, err := engine.Top(ctx, nil, 0)
	require.NoError(t, err)
	require.NotNil(t, top)
	assert.Equal(t, ActionRollback, top.Action)
}

func TestApply_AdjustParamsCreatesActiveVersion(t *testing.T) {
	engine, _, versions := newTestEngine(t)
	ctx := context.Background()

	_, err := versions.EnsureDefault(ctx)
	require.NoError(t, err)

	s := Suggestion{
		Action: ActionAdjustParams,
		Deltas: map[string]float64{"cut_aggression": 6, "hook_priority_weight": 0.15},
		Reason: "avg hook 0.41 under 0.57, openings are losing viewers",
	}
	v, changes, err := engine.Apply(ctx, s, "ops@cliploop.dev")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.True(t, v.IsActive)
	require.NotNil(t, v.Note)
	assert.Contains(t, *v.Note, "auto_optimize")

	base := params.Defaults()
	assert.InDelta(t, base.CutAggression+6, v.Params.CutAggression, 1e-9)
	assert.InDelta(t, base.HookPriorityWeight+0.15, v.Params.HookPriorityWeight, 1e-9)

	require.Len(t, changes, 2)
	assert.Equal(t, "cut_aggression", changes[0].Key)
	assert.Equal(t, "hook_priority_weight", changes[1].Key)
	assert.Equal(t, "suggestion", changes[0].Source)

	active, err := versions.GetActive(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, v.ID, active.ID)
}

func TestApply_RollbackActivatesTarget(t *testing.T) {
	engine, _, versions := newTestEngine(t)
	ctx := context.Background()

	a, err := versions.Create(ctx, configstore.CreateRequest{Params: params.Defaults(), Activate: true})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	b, err := versions.Create(ctx, configstore.CreateRequest{Params: params.Defaults(), Activate: true})
	require.NoError(t, err)

	s := Suggestion{Action: ActionRollback, TargetConfigVersion: &a.ID, Reason: "newest config underperforms"}
	v, changes, err := engine.Apply(ctx, s, "")
	require.NoError(t, err)
	assert.Equal(t, a.ID, v.ID)
	assert.True(t, v.IsActive)

	require.Len(t, changes, 1)
	assert.Equal(t, "config_version_id", changes[0].Key)
	assert.Equal(t, b.ID, changes[0].Previous)
	assert.Equal(t, a.ID, changes[0].Next)

	active, err := versions.GetActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.ID, active.ID)
}

func TestApply_NoEffectiveChange(t *testing.T) {
	engine, _, versions := newTestEngine(t)
	ctx := context.Background()

	maxed := params.Defaults()
	maxed.Set("cut_aggression", 100)
	_, err := versions.Create(ctx, configstore.CreateRequest{Params: maxed, Activate: true})
	require.NoError(t, err)

	s := Suggestion{Action: ActionAdjustParams, Deltas: map[string]float64{"cut_aggression": 5}}
	_, _, err = engine.Apply(ctx, s, "")
	require.ErrorIs(t, err, ErrNoSuggestion)

	list, err := versions.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestApply_RejectsMalformedSuggestions(t *testing.T) {
	engine, _, versions := newTestEngine(t)
	ctx := context.Background()

	_, err := versions.EnsureDefault(ctx)
	require.NoError(t, err)

	_, _, err = engine.Apply(ctx, Suggestion{Action: "reformat_disk"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_payload")

	_, _, err = engine.Apply(ctx, Suggestion{Action: ActionRollback}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_payload")
}
