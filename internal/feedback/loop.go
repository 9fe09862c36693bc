// Package feedback closes the retention loop: outcomes of published videos
// come back on the job rows and periodically reshape the active parameter
// bundle.
package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cliploop/retentiond/internal/configstore"
	"github.com/cliploop/retentiond/internal/params"
	"github.com/cliploop/retentiond/internal/persistence"
)

// Run outcomes.
const (
	StateApplied = "applied"
	StateSkipped = "skipped"
)

const (
	outcomeTarget    = 0.72
	hookTarget       = 0.68
	completionTarget = 0.55
	jankFloor        = 0.38
	deficitSpan      = 0.34

	minDeltaMagnitude = 0.01
	modeMarginFloor   = 0.04
	upliftCap         = 0.18
)

// outcomeSignals are the retention_feedback keys and their weights in the
// aggregate outcome. The mean renormalizes over whichever signals a job
// actually carries.
var outcomeSignals = []struct {
	key    string
	weight float64
}{
	{"watch_pct", 0.28},
	{"hook_hold_pct", 0.21},
	{"completion_pct", 0.12},
	{"ctr", 0.14},
	{"social_per_view", 0.08},
	{"manual_score", 0.05},
	{"first30_retention", 0.08},
	{"model_retention", 0.04},
}

// MetricsSource supplies recent scored renders for the jank deficit.
// *recorder.Recorder satisfies it.
type MetricsSource interface {
	ListRecent(ctx context.Context, limit int) ([]persistence.RenderMetric, error)
}

// Profile is one grouped outcome average inside the brain snapshot.
type Profile struct {
	Samples    int     `json:"samples"`
	AvgOutcome float64 `json:"avg_outcome"`
}

// Snapshot is the aggregate the loop reasons over before deciding whether
// to touch the active config.
type Snapshot struct {
	SampleSize       int                `json:"sample_size"`
	AvgOutcome       float64            `json:"avg_outcome"`
	OutcomeStdev     float64            `json:"outcome_stdev"`
	PlatformShare    float64            `json:"platform_feedback_share"`
	ModeProfiles     map[string]Profile `json:"editor_mode_profiles,omitempty"`
	StrategyProfiles map[string]Profile `json:"strategy_profiles,omitempty"`
	PlatformProfiles map[string]Profile `json:"platform_profiles,omitempty"`
	TopMode          string             `json:"top_editor_mode,omitempty"`
	TopModeMargin    float64            `json:"top_mode_margin"`
	Deficits         map[string]float64 `json:"deficits"`
	ProposedDeltas   map[string]float64 `json:"proposed_deltas,omitempty"`
	Confidence       float64            `json:"confidence"`
	PredictedDelta   float64            `json:"predicted_delta_score"`
}

// RunResult reports one loop run.
type RunResult struct {
	Trigger         string          `json:"trigger"`
	State           string          `json:"state"`
	Reason          string          `json:"reason,omitempty"`
	Applied         bool            `json:"applied"`
	SampleSize      int             `json:"sample_size"`
	Confidence      float64         `json:"confidence"`
	PredictedDelta  float64         `json:"predicted_delta_score"`
	Changes         []params.Change `json:"changes,omitempty"`
	ConfigVersionID *string         `json:"config_version_id,omitempty"`
	Note            string          `json:"note,omitempty"`
	Snapshot        *Snapshot       `json:"brain_snapshot,omitempty"`
	RanAt           time.Time       `json:"ran_at"`
}

// Loop owns the feedback singleton. Runs serialize on a TryLock so an
// overlapping trigger reports loop_busy instead of queueing.
type Loop struct {
	state    persistence.FeedbackStateRepo
	jobs     persistence.JobsRepo
	metrics  MetricsSource
	versions *configstore.Store
	guard    persistence.Guard

	mu sync.Mutex

	cacheMu sync.RWMutex
	cached  *persistence.FeedbackState
}

func New(state persistence.FeedbackStateRepo, jobs persistence.JobsRepo, metrics MetricsSource, versions *configstore.Store, guard persistence.Guard) *Loop {
	return &Loop{state: state, jobs: jobs, metrics: metrics, versions: versions, guard: guard}
}

// DefaultSettings returns the loop defaults used until an operator writes
// their own.
func DefaultSettings() persistence.FeedbackSettings {
	return persistence.FeedbackSettings{
		Enabled:         true,
		AutoApply:       true,
		MinSamples:      8,
		LookbackLimit:   25,
		CooldownMinutes: 90,
		MinConfidence:   0.55,
		MinDeltaScore:   1.2,
	}
}

// ClampSettings bounds operator-provided settings.
func ClampSettings(s persistence.FeedbackSettings) persistence.FeedbackSettings {
	out := s
	out.MinSamples = clampInt(out.MinSamples, 3, 64)
	out.LookbackLimit = clampInt(out.LookbackLimit, 5, 100)
	out.CooldownMinutes = clampInt(out.CooldownMinutes, 5, 1440)
	out.MinConfidence = clampF(out.MinConfidence, 0, 1)
	out.MinDeltaScore = clampF(out.MinDeltaScore, 0, 20)
	return out
}

// Run executes one loop pass. force bypasses the enabled, auto_apply and
// cooldown gates but never the sample, confidence or delta floors.
func (l *Loop) Run(ctx context.Context, trigger string, force bool) (*RunResult, error) {
	if trigger == "" {
		trigger = "manual"
	}
	if !l.mu.TryLock() {
		return &RunResult{Trigger: trigger, State: StateSkipped, Reason: "loop_busy", RanAt: time.Now().UTC()}, nil
	}
	defer l.mu.Unlock()

	state := l.loadState(ctx)
	settings := state.Settings

	var jobRows []persistence.Job
	if err := l.guarded(func() error {
		var err error
		jobRows, err = l.jobs.ListRecent(ctx, settings.LookbackLimit)
		return err
	}); err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	samples := make([]sample, 0, len(jobRows))
	for _, j := range jobRows {
		if !jobFinished(j.Status) {
			continue
		}
		if sm, ok := extractSample(j); ok {
			samples = append(samples, sm)
		}
	}

	snap := l.buildSnapshot(ctx, samples, settings)
	now := time.Now().UTC()
	result := &RunResult{
		Trigger:        trigger,
		RanAt:          now,
		SampleSize:     snap.SampleSize,
		Confidence:     snap.Confidence,
		PredictedDelta: snap.PredictedDelta,
		Snapshot:       &snap,
	}

	if reason := evaluate(settings, state.Runtime, snap, force, now); reason != "" {
		result.State = StateSkipped
		result.Reason = reason
	} else {
		l.apply(ctx, trigger, &snap, result)
	}

	l.persistRuntime(ctx, state, result, now)
	log.Info().
		Str("trigger", trigger).
		Str("state", result.State).
		Str("reason", result.Reason).
		Int("samples", result.SampleSize).
		Float64("confidence", result.Confidence).
		Float64("predicted_delta", result.PredictedDelta).
		Msg("Feedback loop run finished")
	return result, nil
}

// Status returns the current settings and runtime, falling back to the last
// in-memory copy when the store is unavailable.
func (l *Loop) Status(ctx context.Context) persistence.FeedbackState {
	return l.loadState(ctx)
}

// UpdateSettings clamps and persists new loop settings.
func (l *Loop) UpdateSettings(ctx context.Context, s persistence.FeedbackSettings) (persistence.FeedbackState, error) {
	state := l.loadState(ctx)
	state.Settings = ClampSettings(s)
	state.UpdatedAt = time.Now().UTC()
	l.remember(state)
	if err := l.guarded(func() error { return l.state.Upsert(ctx, state) }); err != nil {
		return state, fmt.Errorf("persist feedback settings: %w", err)
	}
	return state, nil
}

// evaluate returns the first failed gate, or "" when the run may apply.
func evaluate(settings persistence.FeedbackSettings, rt persistence.FeedbackRuntime, snap Snapshot, force bool, now time.Time) string {
	if !force {
		if !settings.Enabled {
			return "loop_disabled"
		}
		if !settings.AutoApply {
			return "auto_apply_disabled"
		}
	}
	if snap.SampleSize < settings.MinSamples {
		return fmt.Sprintf("insufficient_samples %d/%d", snap.SampleSize, settings.MinSamples)
	}
	if snap.Confidence < settings.MinConfidence {
		return fmt.Sprintf("confidence %.2f below %.2f", snap.Confidence, settings.MinConfidence)
	}
	if snap.PredictedDelta < settings.MinDeltaScore {
		return fmt.Sprintf("predicted_delta %.2f below %.2f", snap.PredictedDelta, settings.MinDeltaScore)
	}
	if len(snap.ProposedDeltas) == 0 {
		return "no_proposed_deltas"
	}
	if !force && rt.LastAppliedAt != nil {
		cooldown := time.Duration(settings.CooldownMinutes) * time.Minute
		if now.Sub(*rt.LastAppliedAt) < cooldown {
			return "cooldown_active"
		}
	}
	return ""
}

func (l *Loop) apply(ctx context.Context, trigger string, snap *Snapshot, result *RunResult) {
	current, _, err := l.versions.ActiveParams(ctx)
	if err != nil {
		result.State = StateSkipped
		result.Reason = "algorithm_config_unavailable"
		return
	}

	scale := clampF(0.42+snap.Confidence*0.64, 0.42, 1)
	scaled := make(map[string]float64, len(snap.ProposedDeltas))
	for k, d := range snap.ProposedDeltas {
		scaled[k] = d * scale
	}
	next, changes := params.ApplyDeltas(current, scaled, "feedback_loop", fmt.Sprintf("feedback trigger=%s", trigger))

	if snap.TopMode != "" && snap.TopModeMargin >= modeMarginFloor && modeFamily(next.SubtitleStyleMode) != snap.TopMode {
		prev := next.SubtitleStyleMode
		next.SubtitleStyleMode = snap.TopMode + "_captions"
		changes = append(changes, params.Change{
			Key:      "subtitle_style_mode",
			Previous: prev,
			Next:     next.SubtitleStyleMode,
			Source:   "feedback_loop",
			Reason:   fmt.Sprintf("editor mode %s leads by %.2f", snap.TopMode, snap.TopModeMargin),
		})
	}
	if len(changes) == 0 {
		result.State = StateSkipped
		result.Reason = "no_effective_change"
		return
	}

	note := fmt.Sprintf("feedback_loop trigger=%s samples=%d confidence=%.2f predicted_delta=%.2f",
		trigger, snap.SampleSize, snap.Confidence, snap.PredictedDelta)
	v, err := l.versions.Create(ctx, configstore.CreateRequest{Params: next, Note: &note, Activate: true})
	if err != nil {
		log.Error().Err(err).Msg("Feedback apply could not create config version")
		result.State = StateSkipped
		result.Reason = "config_create_failed"
		return
	}

	result.State = StateApplied
	result.Applied = true
	result.Changes = changes
	result.ConfigVersionID = &v.ID
	result.Note = note
}

func (l *Loop) persistRuntime(ctx context.Context, state persistence.FeedbackState, result *RunResult, now time.Time) {
	rt := state.Runtime
	rt.LastRunAt = &now
	rt.LastRunTrigger = result.Trigger
	rt.LastConfidence = result.Confidence
	rt.LastDeltaScore = result.PredictedDelta
	if result.Applied {
		rt.LastRunReason = StateApplied
		rt.LastAppliedAt = &now
		rt.LastAppliedNote = result.Note
		rt.LastAppliedConfig = result.ConfigVersionID
	} else {
		rt.LastRunReason = result.Reason
	}

	state.Runtime = rt
	state.UpdatedAt = now
	l.remember(state)
	if err := l.guarded(func() error { return l.state.Upsert(ctx, state) }); err != nil {
		log.Warn().Err(err).Msg("Feedback state store unavailable, runtime kept in memory")
	}
}

func (l *Loop) loadState(ctx context.Context) persistence.FeedbackState {
	var row *persistence.FeedbackState
	err := l.guarded(func() error {
		var e error
		row, e = l.state.Get(ctx)
		return e
	})
	if err != nil {
		log.Warn().Err(err).Msg("Feedback state read failed, using cached state")
		l.cacheMu.RLock()
		cached := l.cached
		l.cacheMu.RUnlock()
		if cached != nil {
			return *cached
		}
	}
	if row == nil {
		return persistence.FeedbackState{ID: persistence.FeedbackStateID, Settings: DefaultSettings()}
	}
	row.Settings = ClampSettings(row.Settings)
	return *row
}

func (l *Loop) remember(state persistence.FeedbackState) {
	l.cacheMu.Lock()
	l.cached = &state
	l.cacheMu.Unlock()
}

func (l *Loop) guarded(fn func() error) error {
	if l.guard == nil {
		return fn()
	}
	return l.guard(fn)
}

// buildSnapshot aggregates the samples and prices the proposed move. A run
// with no usable samples proposes nothing.
func (l *Loop) buildSnapshot(ctx context.Context, samples []sample, settings persistence.FeedbackSettings) Snapshot {
	snap := Snapshot{SampleSize: len(samples), Deficits: map[string]float64{}}
	if len(samples) == 0 {
		return snap
	}

	outcomes := make([]float64, len(samples))
	var fromPlatform int
	for i, sm := range samples {
		outcomes[i] = sm.outcome
		if sm.fromPlatform {
			fromPlatform++
		}
	}
	avg, std := meanStdev(outcomes)
	snap.AvgOutcome = round4(avg)
	snap.OutcomeStdev = round4(std)
	snap.PlatformShare = round4(float64(fromPlatform) / float64(len(samples)))

	snap.ModeProfiles = profileBy(samples, func(s sample) string { return s.mode })
	snap.StrategyProfiles = profileBy(samples, func(s sample) string { return s.strategy })
	snap.PlatformProfiles = profileBy(samples, func(s sample) string { return s.platform })
	snap.TopMode, snap.TopModeMargin = topProfile(snap.ModeProfiles, avg)

	o, h, c := deficitsFrom(samples, avg)
	j := l.jankDeficit(ctx, settings.LookbackLimit)
	snap.Deficits["outcome"] = round4(o)
	snap.Deficits["hook"] = round4(h)
	snap.Deficits["completion"] = round4(c)
	snap.Deficits["jank"] = round4(j)

	snap.ProposedDeltas = proposeDeltas(o, h, c, j)
	snap.Confidence = confidence(len(samples), settings.MinSamples, std)
	snap.PredictedDelta = predictedDelta(avg, snap.ProposedDeltas, snap.TopModeMargin)
	return snap
}

// deficitsFrom turns the aggregate shortfalls into 0..1 pressure values.
func deficitsFrom(samples []sample, avgOutcome float64) (o, h, c float64) {
	o = clamp01((outcomeTarget - avgOutcome) / deficitSpan)

	var hookSum, compSum float64
	var hookN, compN int
	for _, sm := range samples {
		if sm.hasHook {
			hookSum += sm.hookHold
			hookN++
		}
		if sm.hasCompletion {
			compSum += sm.completion
			compN++
		}
	}
	if hookN > 0 {
		h = clamp01((hookTarget - hookSum/float64(hookN)) / deficitSpan)
	}
	if compN > 0 {
		c = clamp01((completionTarget - compSum/float64(compN)) / deficitSpan)
	}
	return o, h, c
}

func (l *Loop) jankDeficit(ctx context.Context, limit int) float64 {
	if l.metrics == nil {
		return 0
	}
	rows, err := l.metrics.ListRecent(ctx, limit)
	if err != nil {
		log.Warn().Err(err).Msg("Metric read failed, jank deficit unavailable")
		return 0
	}
	if len(rows) == 0 {
		return 0
	}
	var sum float64
	for _, r := range rows {
		sum += r.ScoreJank
	}
	return clamp01((sum/float64(len(rows)) - jankFloor) / deficitSpan)
}

// proposeDeltas is the fixed linear map from deficit pressure to parameter
// moves. Moves under 0.01 are noise and dropped.
func proposeDeltas(o, h, c, j float64) map[string]float64 {
	raw := map[string]float64{
		"cut_aggression":              14*o + 5*h - 9*j,
		"hook_priority_weight":        0.42*h + 0.12*o,
		"pattern_interrupt_every_sec": -5.2*h - 2.4*o,
		"jank_guard":                  24 * j,
		"micro_crossfade_ms":          70 * j,
		"pacing_multiplier":           0.2*o - 0.08*j,
		"filler_trim_strength":        11 * c,
		"silence_min_ms":              -180 * c,
		"story_coherence_guard":       6*c - 3*o,
	}
	out := map[string]float64{}
	for k, v := range raw {
		if math.Abs(v) >= minDeltaMagnitude {
			out[k] = v
		}
	}
	return out
}

func confidence(n, minSamples int, outcomeStd float64) float64 {
	if n == 0 {
		return 0
	}
	span := float64(2 * minSamples)
	if span <= 0 {
		span = 1
	}
	c := 0.3 + 0.5*math.Min(float64(n)/span, 1) + 0.2*(1-clamp01(outcomeStd/0.4))
	return round4(clampF(c, 0, 0.97))
}

// predictedDelta converts the uplift estimate to score points. Move sizes
// are normalized to each field's span so a 70ms crossfade move and a 0.2
// pacing move weigh comparably.
func predictedDelta(avgOutcome float64, deltas map[string]float64, modeMargin float64) float64 {
	var norm float64
	for k, d := range deltas {
		f, ok := params.FieldByKey(k)
		if !ok || f.Max <= f.Min {
			continue
		}
		norm += math.Abs(d) / (f.Max - f.Min) * 100
	}
	uplift := clampF((outcomeTarget-avgOutcome)*0.45+norm*0.0024+modeMargin*0.55, 0, upliftCap)
	return round4(uplift * 100)
}

type sample struct {
	outcome       float64
	hookHold      float64
	hasHook       bool
	completion    float64
	hasCompletion bool
	platform      string
	mode          string
	strategy      string
	fromPlatform  bool
}

// extractSample reads the retention_feedback bundle off a job. Values above
// 1 are percentages; everything clamps to [0,1]. A job without any signal
// contributes nothing.
func extractSample(job persistence.Job) (sample, bool) {
	bundle := feedbackBundle(job)
	if bundle == nil {
		return sample{}, false
	}

	var sm sample
	var weighted, weightSum float64
	for _, sig := range outcomeSignals {
		raw, present := bundle[sig.key]
		if !present || raw == nil {
			continue
		}
		v, ok := toFloat(raw)
		if !ok {
			continue
		}
		if v > 1 {
			v /= 100
		}
		v = clamp01(v)
		weighted += v * sig.weight
		weightSum += sig.weight
		if sig.key != "manual_score" {
			sm.fromPlatform = true
		}
		switch sig.key {
		case "hook_hold_pct":
			sm.hookHold, sm.hasHook = v, true
		case "completion_pct":
			sm.completion, sm.hasCompletion = v, true
		}
	}
	if weightSum == 0 {
		return sample{}, false
	}
	sm.outcome = weighted / weightSum

	sm.platform = labelField(bundle, job.RenderSettings, "platform")
	sm.mode = labelField(bundle, job.RenderSettings, "editor_mode")
	if sm.mode == "" {
		sm.mode = modeFamily(stringValue(job.RenderSettings["subtitle_style_mode"]))
	}
	sm.strategy = labelField(bundle, job.RenderSettings, "strategy")
	return sm, true
}

func feedbackBundle(job persistence.Job) map[string]interface{} {
	if b, ok := job.RenderSettings["retention_feedback"].(map[string]interface{}); ok {
		return b
	}
	if b, ok := job.Analysis["retention_feedback"].(map[string]interface{}); ok {
		return b
	}
	return nil
}

func jobFinished(status string) bool {
	s := strings.ToLower(strings.TrimSpace(status))
	for _, active := range persistence.ActiveJobStatuses {
		if s == active {
			return false
		}
	}
	return s != "failed" && s != "cancelled" && s != "canceled"
}

func profileBy(samples []sample, key func(sample) string) map[string]Profile {
	type agg struct {
		n   int
		sum float64
	}
	aggs := map[string]agg{}
	for _, sm := range samples {
		k := key(sm)
		if k == "" {
			continue
		}
		a := aggs[k]
		a.n++
		a.sum += sm.outcome
		aggs[k] = a
	}
	if len(aggs) == 0 {
		return nil
	}
	out := make(map[string]Profile, len(aggs))
	for k, a := range aggs {
		out[k] = Profile{Samples: a.n, AvgOutcome: round4(a.sum / float64(a.n))}
	}
	return out
}

// topProfile picks the leading editor mode. Two samples minimum so a single
// lucky render cannot steer the subtitle mode.
func topProfile(profiles map[string]Profile, overallAvg float64) (string, float64) {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		topName string
		topAvg  float64
	)
	for _, name := range names {
		p := profiles[name]
		if p.Samples < 2 {
			continue
		}
		if topName == "" || p.AvgOutcome > topAvg {
			topName = name
			topAvg = p.AvgOutcome
		}
	}
	if topName == "" {
		return "", 0
	}
	margin := topAvg - overallAvg
	if margin <= 0 {
		return topName, 0
	}
	return topName, round4(margin)
}

func modeFamily(mode string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(mode)), "_captions")
}

func labelField(bundle, settings map[string]interface{}, key string) string {
	if v := stringValue(bundle[key]); v != "" {
		return v
	}
	return stringValue(settings[key])
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return strings.ToLower(strings.TrimSpace(s))
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
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

func clamp01(v float64) float64 {
	return clampF(v, 0, 1)
}

func clampF(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
