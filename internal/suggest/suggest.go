// Package suggest correlates recent render metrics with the parameter values
// that produced them and turns the result into ranked tuning suggestions.
package suggest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cliploop/retentiond/internal/configstore"
	"github.com/cliploop/retentiond/internal/params"
	"github.com/cliploop/retentiond/internal/persistence"
)

// Suggestion actions.
const (
	ActionAdjustParams = "adjust_params"
	ActionRollback     = "rollback_to_config_version"
)

const (
	defaultAnalyzeLimit = 200
	maxAnalyzeLimit     = 1000
	topSuggestions      = 5

	rollbackGapPoints  = 2.5
	rollbackMinSamples = 5
	rollbackConfidence = 0.8

	predictedDeltaCap = 18
)

// ErrNoSuggestion is returned by Apply when a suggestion produces no
// effective parameter change.
var ErrNoSuggestion = errors.New("no_optimization_suggestion")

// MetricsSource is the read surface the analyzer consumes. Both
// *recorder.Recorder and any persistence.MetricsRepo satisfy it.
type MetricsSource interface {
	ListRecent(ctx context.Context, limit int) ([]persistence.RenderMetric, error)
	ListRange(ctx context.Context, tr persistence.TimeRange, limit int) ([]persistence.RenderMetric, error)
}

// Summary aggregates one analysis window.
type Summary struct {
	Samples       int                `json:"samples"`
	AvgScore      float64            `json:"avg_score"`
	ScoreStdev    float64            `json:"score_stdev"`
	AvgSubscores  map[string]float64 `json:"avg_subscores"`
	FailureCounts map[string]int     `json:"failure_counts"`
}

// Suggestion is one ranked tuning proposal. Deltas carries parameter moves
// for adjust_params; TargetConfigVersion names the row to re-activate for
// rollback_to_config_version.
type Suggestion struct {
	Action              string             `json:"action"`
	Deltas              map[string]float64 `json:"deltas,omitempty"`
	TargetConfigVersion *string            `json:"target_config_version,omitempty"`
	Risk                string             `json:"risk"`
	Reason              string             `json:"reason"`
	PredictedDelta      float64            `json:"predicted_delta"`
	Confidence          float64            `json:"confidence"`
}

// Report is the full analyzer output.
type Report struct {
	Summary      Summary            `json:"summary"`
	Correlations map[string]float64 `json:"correlations"`
	Suggestions  []Suggestion       `json:"suggestions"`
	GeneratedAt  time.Time          `json:"generated_at"`
}

// Engine analyzes render metrics and applies the resulting suggestions.
type Engine struct {
	metrics  MetricsSource
	versions *configstore.Store
}

func New(metrics MetricsSource, versions *configstore.Store) *Engine {
	return &Engine{metrics: metrics, versions: versions}
}

// Analyze aggregates recent metrics, correlates each numeric parameter with
// the total score, and emits ranked suggestions. A nil window analyzes the
// newest rows up to limit.
func (e *Engine) Analyze(ctx context.Context, window *persistence.TimeRange, limit int) (*Report, error) {
	if limit <= 0 {
		limit = defaultAnalyzeLimit
	}
	if limit > maxAnalyzeLimit {
		limit = maxAnalyzeLimit
	}

	var (
		rows []persistence.RenderMetric
		err  error
	)
	if window != nil {
		rows, err = e.metrics.ListRange(ctx, *window, limit)
	} else {
		rows, err = e.metrics.ListRecent(ctx, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("load metrics: %w", err)
	}

	report := &Report{
		Summary:      summarize(rows),
		Correlations: map[string]float64{},
		GeneratedAt:  time.Now().UTC(),
	}
	if len(rows) == 0 {
		return report, nil
	}

	joined := e.joinParams(ctx, rows)
	xStd := map[string]float64{}
	for _, f := range params.NumericFields {
		xs := joined.values[f.Key]
		if len(xs) < 2 {
			continue
		}
		report.Correlations[f.Key] = round4(pearson(xs, joined.scores))
		_, std := meanStdev(xs)
		xStd[f.Key] = std
	}

	suggestions := e.ruleCandidates(ctx, report.Summary)
	for i := range suggestions {
		scoreCandidate(&suggestions[i], report.Correlations, xStd, report.Summary)
	}
	if rb := e.rollbackCandidate(ctx, rows); rb != nil {
		suggestions = append(suggestions, *rb)
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		if suggestions[i].PredictedDelta != suggestions[j].PredictedDelta {
			return suggestions[i].PredictedDelta > suggestions[j].PredictedDelta
		}
		if suggestions[i].Confidence != suggestions[j].Confidence {
			return suggestions[i].Confidence > suggestions[j].Confidence
		}
		return len(suggestions[i].Risk) < len(suggestions[j].Risk)
	})
	if len(suggestions) > topSuggestions {
		suggestions = suggestions[:topSuggestions]
	}
	report.Suggestions = suggestions
	return report, nil
}

// Top returns the highest-ranked suggestion, or nil when the window yields
// nothing actionable.
func (e *Engine) Top(ctx context.Context, window *persistence.TimeRange, limit int) (*Suggestion, error) {
	report, err := e.Analyze(ctx, window, limit)
	if err != nil {
		return nil, err
	}
	if len(report.Suggestions) == 0 {
		return nil, nil
	}
	top := report.Suggestions[0]
	return &top, nil
}

// Apply executes a suggestion against the config store: parameter moves
// become a new active version, rollbacks re-activate the target version.
func (e *Engine) Apply(ctx context.Context, s Suggestion, actor string) (*persistence.ConfigVersion, []params.Change, error) {
	switch s.Action {
	case ActionRollback:
		if s.TargetConfigVersion == nil || *s.TargetConfigVersion == "" {
			return nil, nil, fmt.Errorf("invalid_payload: rollback suggestion carries no target version")
		}
		var previousID string
		if active, err := e.versions.GetActive(ctx); err == nil && active != nil {
			previousID = active.ID
		}
		v, err := e.versions.Activate(ctx, *s.TargetConfigVersion)
		if err != nil {
			return nil, nil, err
		}
		changes := []params.Change{{
			Key:      "config_version_id",
			Previous: previousID,
			Next:     v.ID,
			Source:   "suggestion",
			Reason:   s.Reason,
		}}
		log.Info().Str("config_version_id", v.ID).Msg("Suggestion rollback applied")
		return v, changes, nil

	case ActionAdjustParams:
		current, _, err := e.versions.ActiveParams(ctx)
		if err != nil {
			return nil, nil, err
		}
		next, changes := params.ApplyDeltas(current, s.Deltas, "suggestion", s.Reason)
		if len(changes) == 0 {
			return nil, nil, ErrNoSuggestion
		}
		note := "auto_optimize: " + s.Reason
		req := configstore.CreateRequest{Params: next, Note: &note, Activate: true}
		if actor != "" {
			req.Actor = &actor
		}
		v, err := e.versions.Create(ctx, req)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("config_version_id", v.ID).Int("changes", len(changes)).Msg("Suggestion applied")
		return v, changes, nil

	default:
		return nil, nil, fmt.Errorf("invalid_payload: unknown suggestion action %q", s.Action)
	}
}

func summarize(rows []persistence.RenderMetric) Summary {
	s := Summary{
		Samples:       len(rows),
		AvgSubscores:  map[string]float64{},
		FailureCounts: map[string]int{},
	}
	if len(rows) == 0 {
		return s
	}

	var scores []float64
	sums := map[string]float64{}
	for _, r := range rows {
		scores = append(scores, r.ScoreTotal)
		sums["hook"] += r.ScoreHook
		sums["pacing"] += r.ScorePacing
		sums["energy"] += r.ScoreEmotion
		sums["variety"] += r.ScoreVisual
		sums["story"] += r.ScoreStory
		sums["filler"] += r.ScoreFiller
		sums["jank"] += r.ScoreJank

		if r.ScoreHook < 0.5 {
			s.FailureCounts["low_hook"]++
		}
		if r.ScorePacing < 0.5 {
			s.FailureCounts["low_pacing"]++
		}
		if r.ScoreJank > 0.58 {
			s.FailureCounts["high_jank"]++
		}
		if r.ScoreStory < 0.52 {
			s.FailureCounts["low_story"]++
		}
	}

	n := float64(len(rows))
	for k, sum := range sums {
		s.AvgSubscores[k] = round4(sum / n)
	}
	avg, std := meanStdev(scores)
	s.AvgScore = round4(avg)
	s.ScoreStdev = round4(std)
	return s
}

type joinedRows struct {
	values map[string][]float64
	scores []float64
}

// joinParams resolves each row's config version to its parameter bundle and
// builds aligned vectors for the correlation pass. Rows whose version cannot
// be resolved stay in the summary but drop out of the correlations.
func (e *Engine) joinParams(ctx context.Context, rows []persistence.RenderMetric) joinedRows {
	out := joinedRows{values: map[string][]float64{}}
	cache := map[string]*params.Params{}

	for _, row := range rows {
		p := e.lookupParams(ctx, cache, row.ConfigVersionID)
		if p == nil {
			continue
		}
		out.scores = append(out.scores, row.ScoreTotal)
		for _, f := range params.NumericFields {
			v, _ := p.Get(f.Key)
			out.values[f.Key] = append(out.values[f.Key], v)
		}
	}
	return out
}

func (e *Engine) lookupParams(ctx context.Context, cache map[string]*params.Params, id string) *params.Params {
	if id == "" {
		return nil
	}
	if p, seen := cache[id]; seen {
		return p
	}
	v, err := e.versions.GetByID(ctx, id)
	if err != nil || v == nil {
		cache[id] = nil
		return nil
	}
	p := v.Params
	cache[id] = &p
	return &p
}

// ruleCandidates walks the fixed threshold rules over the summary. Each rule
// names the weak subscore it targets and proposes a small parameter move.
func (e *Engine) ruleCandidates(ctx context.Context, s Summary) []Suggestion {
	var out []Suggestion
	add := func(reason, risk string, deltas map[string]float64) {
		if len(deltas) == 0 {
			return
		}
		out = append(out, Suggestion{Action: ActionAdjustParams, Deltas: deltas, Risk: risk, Reason: reason})
	}

	if v := s.AvgSubscores["hook"]; v < 0.57 {
		add(fmt.Sprintf("avg hook %.2f under 0.57, openings are losing viewers", v), "low",
			map[string]float64{"hook_priority_weight": 0.15, "pattern_interrupt_every_sec": -2})
	}
	if v := s.AvgSubscores["pacing"]; v < 0.55 {
		add(fmt.Sprintf("avg pacing %.2f under 0.55, cuts are running long", v), "low",
			map[string]float64{"pacing_multiplier": 0.12, "cut_aggression": 6})
	}
	if v := s.AvgSubscores["jank"]; v > 0.58 {
		add(fmt.Sprintf("avg jank %.2f over 0.58, cuts feel rough", v), "medium",
			map[string]float64{"jank_guard": 10, "cut_aggression": -7, "micro_crossfade_ms": 40})
	}
	if v := s.AvgSubscores["story"]; v < 0.52 {
		add(fmt.Sprintf("avg story %.2f under 0.52, narrative is fragmenting", v), "medium",
			map[string]float64{"story_coherence_guard": 9, "cut_aggression": -4})
	}
	if v := s.AvgSubscores["filler"]; v > 0.42 {
		add(fmt.Sprintf("avg filler %.2f over 0.42, dead air is surviving the trim", v), "low",
			map[string]float64{"filler_trim_strength": 12, "silence_min_ms": -80})
	}
	if s.ScoreStdev > 16 {
		add(fmt.Sprintf("score stdev %.1f over 16, output quality is unstable", s.ScoreStdev), "medium",
			e.varianceDeltas(ctx))
	}
	return out
}

// varianceDeltas nudges cut_aggression back toward the active preset default
// in steps of at most 5 and calms the pacing multiplier.
func (e *Engine) varianceDeltas(ctx context.Context) map[string]float64 {
	deltas := map[string]float64{"pacing_multiplier": -0.06}

	v, err := e.versions.GetActive(ctx)
	if err != nil || v == nil {
		return deltas
	}
	presetName := params.DefaultPresetName
	if v.PresetName != nil && *v.PresetName != "" {
		presetName = *v.PresetName
	}
	base, ok := params.Preset(presetName)
	if !ok {
		base = params.Defaults()
	}
	diff := base.CutAggression - v.Params.CutAggression
	if math.Abs(diff) < 1e-9 {
		return deltas
	}
	deltas["cut_aggression"] = math.Copysign(math.Min(5, math.Abs(diff)), diff)
	return deltas
}

// scoreCandidate prices one candidate: predicted score delta from the
// correlation-weighted move sizes, confidence from correlation strength and
// sample count. Parameters that never varied in the window contribute
// nothing.
func scoreCandidate(s *Suggestion, corr, xStd map[string]float64, sum Summary) {
	var (
		weighted float64
		corrAbs  []float64
	)
	for key, d := range s.Deltas {
		std := xStd[key]
		if std < 1e-9 {
			continue
		}
		c := corr[key]
		weighted += c * math.Copysign(1, d) * (math.Abs(d) / std)
		corrAbs = append(corrAbs, math.Abs(c))
	}

	predicted := weighted * math.Max(sum.ScoreStdev, 4.2) * 0.72
	s.PredictedDelta = round4(clamp(predicted, -predictedDeltaCap, predictedDeltaCap))

	var corrMean float64
	for _, c := range corrAbs {
		corrMean += c
	}
	if len(corrAbs) > 0 {
		corrMean /= float64(len(corrAbs))
	}
	n := float64(sum.Samples)
	s.Confidence = round4(clamp(0.30+0.45*corrMean+0.25*math.Min(n/40, 1), 0, 0.95))
}

// rollbackCandidate flags the case where the newest config version measures
// worse than the one before it inside the same window.
func (e *Engine) rollbackCandidate(ctx context.Context, rows []persistence.RenderMetric) *Suggestion {
	versions, err := e.versions.List(ctx, 2)
	if err != nil || len(versions) < 2 {
		return nil
	}
	newest, prev := versions[0], versions[1]

	type agg struct {
		n   int
		sum float64
	}
	byVersion := map[string]agg{}
	for _, r := range rows {
		a := byVersion[r.ConfigVersionID]
		a.n++
		a.sum += r.ScoreTotal
		byVersion[r.ConfigVersionID] = a
	}

	na, pa := byVersion[newest.ID], byVersion[prev.ID]
	if na.n < rollbackMinSamples || pa.n < rollbackMinSamples {
		return nil
	}
	newAvg := na.sum / float64(na.n)
	prevAvg := pa.sum / float64(pa.n)
	gap := prevAvg - newAvg
	if gap < rollbackGapPoints {
		return nil
	}

	target := prev.ID
	return &Suggestion{
		Action:              ActionRollback,
		TargetConfigVersion: &target,
		Risk:                "low",
		Reason: fmt.Sprintf("newest config averages %.1f vs %.1f on the previous version over %d/%d renders",
			newAvg, prevAvg, na.n, pa.n),
		PredictedDelta: round4(clamp(gap, -predictedDeltaCap, predictedDeltaCap)),
		Confidence:     rollbackConfidence,
	}
}

func pearson(xs, ys []float64) float64 {
	if len(xs) != len(ys) || len(xs) < 2 {
		return 0
	}
	n := float64(len(xs))
	var sx, sy float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
	}
	mx, my := sx/n, sy/n

	var cov, vx, vy float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx < 1e-12 || vy < 1e-12 {
		return 0
	}
	return cov / math.Sqrt(vx*vy)
}

func meanStdev(vals []float64) (float64, float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))

	var sq float64
	for _, v := range vals {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(vals)))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
