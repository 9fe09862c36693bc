package params

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Params holds every tunable knob of the retention algorithm. Fourteen
// numeric fields plus the subtitle mode; optional weight maps override the
// scoring engine defaults.
type Params struct {
	CutAggression            float64 `json:"cut_aggression"`
	PacingMultiplier         float64 `json:"pacing_multiplier"`
	MinClipLenMs             float64 `json:"min_clip_len_ms"`
	MaxClipLenMs             float64 `json:"max_clip_len_ms"`
	SilenceMinMs             float64 `json:"silence_min_ms"`
	FillerTrimStrength       float64 `json:"filler_trim_strength"`
	RedundancyTrimStrength   float64 `json:"redundancy_trim_strength"`
	StoryCoherenceGuard      float64 `json:"story_coherence_guard"`
	JankGuard                float64 `json:"jank_guard"`
	HookPriorityWeight       float64 `json:"hook_priority_weight"`
	PatternInterruptEverySec float64 `json:"pattern_interrupt_every_sec"`
	EmotionAmp               float64 `json:"emotion_amp"`
	EnergyFloor              float64 `json:"energy_floor"`
	MicroCrossfadeMs         float64 `json:"micro_crossfade_ms"`

	SubtitleStyleMode string `json:"subtitle_style_mode"`

	// SegmentWeights overrides the per-segment value/risk coefficients
	// (keys a..f for value, g/h/j for risk). SegmentWeights entries clamp to
	// [0.2, 3.0]; ScoringWeights entries (keys hook, pacing, energy,
	// variety, story, filler, jank) clamp to [0.2, 3.5].
	SegmentWeights map[string]float64 `json:"segment_weights,omitempty"`
	ScoringWeights map[string]float64 `json:"scoring_weights,omitempty"`
}

// Field describes the bounds of one numeric parameter.
type Field struct {
	Key     string
	Min     float64
	Max     float64
	Integer bool
}

// NumericFields enumerates every numeric parameter in canonical order.
var NumericFields = []Field{
	{Key: "cut_aggression", Min: 0, Max: 100, Integer: true},
	{Key: "pacing_multiplier", Min: 0.5, Max: 2.5},
	{Key: "min_clip_len_ms", Min: 120, Max: 15000, Integer: true},
	{Key: "max_clip_len_ms", Min: 800, Max: 60000, Integer: true},
	{Key: "silence_min_ms", Min: 80, Max: 4000, Integer: true},
	{Key: "filler_trim_strength", Min: 0, Max: 100, Integer: true},
	{Key: "redundancy_trim_strength", Min: 0, Max: 100, Integer: true},
	{Key: "story_coherence_guard", Min: 0, Max: 100, Integer: true},
	{Key: "jank_guard", Min: 0, Max: 100, Integer: true},
	{Key: "hook_priority_weight", Min: 0, Max: 3.5},
	{Key: "pattern_interrupt_every_sec", Min: 2, Max: 45},
	{Key: "emotion_amp", Min: 0, Max: 100, Integer: true},
	{Key: "energy_floor", Min: 0, Max: 1},
	{Key: "micro_crossfade_ms", Min: 0, Max: 400, Integer: true},
}

const (
	segmentWeightMin = 0.2
	segmentWeightMax = 3.0
	scoringWeightMin = 0.2
	scoringWeightMax = 3.5

	subtitleModeMaxLen = 120
)

var segmentWeightKeys = map[string]bool{
	"a": true, "b": true, "c": true, "d": true, "e": true, "f": true,
	"g": true, "h": true, "j": true,
}

var scoringWeightKeys = map[string]bool{
	"hook": true, "pacing": true, "energy": true, "variety": true,
	"story": true, "filler": true, "jank": true,
}

// FieldByKey returns the bounds definition for a parameter key.
func FieldByKey(key string) (Field, bool) {
	for _, f := range NumericFields {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

// Defaults returns the system default parameter bundle
// (the premium_creator_mode preset).
func Defaults() Params {
	p, _ := Preset(DefaultPresetName)
	return p
}

// Get returns the value of a numeric parameter by key.
func (p Params) Get(key string) (float64, bool) {
	switch key {
	case "cut_aggression":
		return p.CutAggression, true
	case "pacing_multiplier":
		return p.PacingMultiplier, true
	case "min_clip_len_ms":
		return p.MinClipLenMs, true
	case "max_clip_len_ms":
		return p.MaxClipLenMs, true
	case "silence_min_ms":
		return p.SilenceMinMs, true
	case "filler_trim_strength":
		return p.FillerTrimStrength, true
	case "redundancy_trim_strength":
		return p.RedundancyTrimStrength, true
	case "story_coherence_guard":
		return p.StoryCoherenceGuard, true
	case "jank_guard":
		return p.JankGuard, true
	case "hook_priority_weight":
		return p.HookPriorityWeight, true
	case "pattern_interrupt_every_sec":
		return p.PatternInterruptEverySec, true
	case "emotion_amp":
		return p.EmotionAmp, true
	case "energy_floor":
		return p.EnergyFloor, true
	case "micro_crossfade_ms":
		return p.MicroCrossfadeMs, true
	}
	return 0, false
}

// Set writes a numeric parameter by key without clamping. Callers that
// accept external input must run the result through Normalize.
func (p *Params) Set(key string, v float64) bool {
	switch key {
	case "cut_aggression":
		p.CutAggression = v
	case "pacing_multiplier":
		p.PacingMultiplier = v
	case "min_clip_len_ms":
		p.MinClipLenMs = v
	case "max_clip_len_ms":
		p.MaxClipLenMs = v
	case "silence_min_ms":
		p.SilenceMinMs = v
	case "filler_trim_strength":
		p.FillerTrimStrength = v
	case "redundancy_trim_strength":
		p.RedundancyTrimStrength = v
	case "story_coherence_guard":
		p.StoryCoherenceGuard = v
	case "jank_guard":
		p.JankGuard = v
	case "hook_priority_weight":
		p.HookPriorityWeight = v
	case "pattern_interrupt_every_sec":
		p.PatternInterruptEverySec = v
	case "emotion_amp":
		p.EmotionAmp = v
	case "energy_floor":
		p.EnergyFloor = v
	case "micro_crossfade_ms":
		p.MicroCrossfadeMs = v
	default:
		return false
	}
	return true
}

// ClampValue bounds a candidate value for a parameter key, rounding
// integer-flagged fields.
func ClampValue(key string, v float64) (float64, bool) {
	f, ok := FieldByKey(key)
	if !ok {
		return 0, false
	}
	return f.clamp(v), true
}

func (f Field) clamp(v float64) float64 {
	if math.IsNaN(v) {
		v = f.Min
	}
	v = math.Max(f.Min, math.Min(f.Max, v))
	if f.Integer {
		v = math.Round(v)
	}
	return v
}

// Normalize clamps every numeric field, rounds integer fields, bounds the
// weight maps, and repairs the subtitle mode. It also enforces
// min_clip_len_ms <= max_clip_len_ms by lowering the minimum, so a clip-length
// window can never be inverted. Normalize(Normalize(p)) == Normalize(p).
func Normalize(p Params) Params {
	out := p
	for _, f := range NumericFields {
		v, _ := out.Get(f.Key)
		out.Set(f.Key, f.clamp(v))
	}
	if out.MinClipLenMs > out.MaxClipLenMs {
		out.MinClipLenMs = out.MaxClipLenMs
	}

	out.SubtitleStyleMode = normalizeSubtitleMode(out.SubtitleStyleMode)
	out.SegmentWeights = clampWeightMap(out.SegmentWeights, segmentWeightKeys, segmentWeightMin, segmentWeightMax)
	out.ScoringWeights = clampWeightMap(out.ScoringWeights, scoringWeightKeys, scoringWeightMin, scoringWeightMax)
	return out
}

func normalizeSubtitleMode(mode string) string {
	mode = strings.TrimSpace(mode)
	if mode == "" {
		mode = Defaults().SubtitleStyleMode
	}
	if len(mode) > subtitleModeMaxLen {
		mode = mode[:subtitleModeMaxLen]
	}
	return mode
}

func clampWeightMap(in map[string]float64, allowed map[string]bool, lo, hi float64) map[string]float64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		key := strings.ToLower(strings.TrimSpace(k))
		if !allowed[key] || math.IsNaN(v) {
			continue
		}
		out[key] = math.Max(lo, math.Min(hi, v))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Parse merges a loosely-typed parameter payload over the defaults and
// normalizes the result. Unknown keys are ignored; known keys carrying a
// non-numeric value (or a non-string subtitle mode) are rejected.
func Parse(raw map[string]interface{}) (Params, error) {
	out := Defaults()
	if raw == nil {
		return Normalize(out), nil
	}

	for _, f := range NumericFields {
		v, present := raw[f.Key]
		if !present || v == nil {
			continue
		}
		num, ok := toFloat(v)
		if !ok {
			return Params{}, fmt.Errorf("invalid_payload: field %s is not numeric", f.Key)
		}
		out.Set(f.Key, num)
	}

	if v, present := raw["subtitle_style_mode"]; present && v != nil {
		s, ok := v.(string)
		if !ok {
			return Params{}, fmt.Errorf("invalid_payload: field subtitle_style_mode is not a string")
		}
		out.SubtitleStyleMode = s
	}

	var err error
	if out.SegmentWeights, err = parseWeightMap(raw["segment_weights"], "segment_weights"); err != nil {
		return Params{}, err
	}
	if out.ScoringWeights, err = parseWeightMap(raw["scoring_weights"], "scoring_weights"); err != nil {
		return Params{}, err
	}

	return Normalize(out), nil
}

func parseWeightMap(v interface{}, field string) (map[string]float64, error) {
	if v == nil {
		return nil, nil
	}
	switch m := v.(type) {
	case map[string]float64:
		return m, nil
	case map[string]interface{}:
		out := make(map[string]float64, len(m))
		for k, raw := range m {
			num, ok := toFloat(raw)
			if !ok {
				return nil, fmt.Errorf("invalid_payload: %s.%s is not numeric", field, k)
			}
			out[k] = num
		}
		return out, nil
	default:
		return nil, fmt.Errorf("invalid_payload: field %s is not an object", field)
	}
}

// toFloat coerces the numeric shapes a JSON or YAML decoder can produce.
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

// ToMap renders the numeric fields as a key->value map, used by the
// suggestion engine's correlation pass and by audit payloads.
func (p Params) ToMap() map[string]float64 {
	out := make(map[string]float64, len(NumericFields))
	for _, f := range NumericFields {
		v, _ := p.Get(f.Key)
		out[f.Key] = v
	}
	return out
}
