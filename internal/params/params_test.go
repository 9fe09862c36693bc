package params

import (
	"math"
	"reflect"
	"strings"
	"testing"
)

func TestParse_ClampsAndRounds(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]interface{}
		key  string
		want float64
	}{
		{
			name: "cut_aggression above max",
			raw:  map[string]interface{}{"cut_aggression": 180.0},
			key:  "cut_aggression",
			want: 100,
		},
		{
			name: "cut_aggression below min",
			raw:  map[string]interface{}{"cut_aggression": -5.0},
			key:  "cut_aggression",
			want: 0,
		},
		{
			name: "integer field rounds",
			raw:  map[string]interface{}{"silence_min_ms": 433.7},
			key:  "silence_min_ms",
			want: 434,
		},
		{
			name: "float field keeps fraction",
			raw:  map[string]interface{}{"pacing_multiplier": 1.37},
			key:  "pacing_multiplier",
			want: 1.37,
		},
		{
			name: "pacing below floor",
			raw:  map[string]interface{}{"pacing_multiplier": 0.1},
			key:  "pacing_multiplier",
			want: 0.5,
		},
		{
			name: "energy floor above one",
			raw:  map[string]interface{}{"energy_floor": 4.2},
			key:  "energy_floor",
			want: 1,
		},
		{
			name: "string number accepted",
			raw:  map[string]interface{}{"jank_guard": "77"},
			key:  "jank_guard",
			want: 77,
		},
		{
			name: "int value accepted",
			raw:  map[string]interface{}{"emotion_amp": 61},
			key:  "emotion_amp",
			want: 61,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			got, ok := p.Get(tt.key)
			if !ok {
				t.Fatalf("Get(%q) missing", tt.key)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Parse()[%s] = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestParse_AllFieldsWithinBounds(t *testing.T) {
	raw := map[string]interface{}{}
	for _, f := range NumericFields {
		raw[f.Key] = f.Max * 10
	}
	p, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	for _, f := range NumericFields {
		v, _ := p.Get(f.Key)
		if v < f.Min || v > f.Max {
			t.Errorf("%s = %v outside [%v, %v]", f.Key, v, f.Min, f.Max)
		}
		if f.Integer && v != math.Round(v) {
			t.Errorf("%s = %v not integral", f.Key, v)
		}
	}
}

func TestParse_Idempotent(t *testing.T) {
	raw := map[string]interface{}{
		"cut_aggression":      144.0,
		"pacing_multiplier":   0.05,
		"min_clip_len_ms":     9999.4,
		"silence_min_ms":      "81.6",
		"subtitle_style_mode": "  neon_captions  ",
		"segment_weights":     map[string]interface{}{"a": 9.0, "zz": 1.0},
	}
	once, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	again, err := Parse(rawFromParams(once))
	if err != nil {
		t.Fatalf("second Parse() error = %v", err)
	}

	for _, f := range NumericFields {
		a, _ := once.Get(f.Key)
		b, _ := again.Get(f.Key)
		if a != b {
			t.Errorf("%s changed on re-parse: %v -> %v", f.Key, a, b)
		}
	}
	if once.SubtitleStyleMode != again.SubtitleStyleMode {
		t.Errorf("subtitle mode changed on re-parse: %q -> %q", once.SubtitleStyleMode, again.SubtitleStyleMode)
	}
	if len(once.SegmentWeights) != len(again.SegmentWeights) {
		t.Errorf("segment weights changed on re-parse: %v -> %v", once.SegmentWeights, again.SegmentWeights)
	}
}

func rawFromParams(p Params) map[string]interface{} {
	raw := map[string]interface{}{}
	for k, v := range p.ToMap() {
		raw[k] = v
	}
	raw["subtitle_style_mode"] = p.SubtitleStyleMode
	if p.SegmentWeights != nil {
		raw["segment_weights"] = p.SegmentWeights
	}
	if p.ScoringWeights != nil {
		raw["scoring_weights"] = p.ScoringWeights
	}
	return raw
}

func TestParse_MinMaxClipWindow(t *testing.T) {
	p, err := Parse(map[string]interface{}{
		"min_clip_len_ms": 14000.0,
		"max_clip_len_ms": 2000.0,
	})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if p.MinClipLenMs > p.MaxClipLenMs {
		t.Fatalf("inverted clip window: min=%v max=%v", p.MinClipLenMs, p.MaxClipLenMs)
	}
	if p.MinClipLenMs != 2000 {
		t.Errorf("min_clip_len_ms = %v, want lowered to 2000", p.MinClipLenMs)
	}
}

func TestParse_SubtitleMode(t *testing.T) {
	t.Run("empty falls back to default", func(t *testing.T) {
		p, err := Parse(map[string]interface{}{"subtitle_style_mode": "   "})
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if p.SubtitleStyleMode != Defaults().SubtitleStyleMode {
			t.Errorf("subtitle mode = %q, want default", p.SubtitleStyleMode)
		}
	})

	t.Run("overlong is truncated", func(t *testing.T) {
		p, err := Parse(map[string]interface{}{"subtitle_style_mode": strings.Repeat("x", 400)})
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if len(p.SubtitleStyleMode) != subtitleModeMaxLen {
			t.Errorf("subtitle mode length = %d, want %d", len(p.SubtitleStyleMode), subtitleModeMaxLen)
		}
	})

	t.Run("non-string rejected", func(t *testing.T) {
		if _, err := Parse(map[string]interface{}{"subtitle_style_mode": 7.0}); err == nil {
			t.Fatal("Parse() expected error for numeric subtitle mode")
		}
	})
}

func TestParse_WeightMaps(t *testing.T) {
	p, err := Parse(map[string]interface{}{
		"segment_weights": map[string]interface{}{
			"a":       12.0,
			"h":       0.01,
			"unknown": 1.0,
		},
		"scoring_weights": map[string]interface{}{
			"hook": 9.9,
			"jank": "0.05",
		},
	})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if got := p.SegmentWeights["a"]; got != segmentWeightMax {
		t.Errorf("segment_weights[a] = %v, want %v", got, segmentWeightMax)
	}
	if got := p.SegmentWeights["h"]; got != segmentWeightMin {
		t.Errorf("segment_weights[h] = %v, want %v", got, segmentWeightMin)
	}
	if _, ok := p.SegmentWeights["unknown"]; ok {
		t.Error("unknown segment weight key survived parse")
	}
	if got := p.ScoringWeights["hook"]; got != scoringWeightMax {
		t.Errorf("scoring_weights[hook] = %v, want %v", got, scoringWeightMax)
	}
	if got := p.ScoringWeights["jank"]; got != scoringWeightMin {
		t.Errorf("scoring_weights[jank] = %v, want %v", got, scoringWeightMin)
	}
}

func TestParse_RejectsNonNumeric(t *testing.T) {
	if _, err := Parse(map[string]interface{}{"cut_aggression": []string{"nope"}}); err == nil {
		t.Fatal("Parse() expected error for array-valued numeric field")
	}
	if _, err := Parse(map[string]interface{}{"segment_weights": "flat"}); err == nil {
		t.Fatal("Parse() expected error for string-valued weight map")
	}
}

func TestParse_NilAndUnknownKeys(t *testing.T) {
	p, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil) error = %v", err)
	}
	if !reflect.DeepEqual(p, Defaults()) {
		t.Error("Parse(nil) should return defaults")
	}

	p, err = Parse(map[string]interface{}{"definitely_not_a_param": 1.0})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if p.CutAggression != Defaults().CutAggression {
		t.Error("unknown key disturbed defaults")
	}
}

func TestNormalize_NaN(t *testing.T) {
	p := Defaults()
	p.PacingMultiplier = math.NaN()
	p = Normalize(p)
	if math.IsNaN(p.PacingMultiplier) {
		t.Fatal("NaN survived Normalize")
	}
	if p.PacingMultiplier != 0.5 {
		t.Errorf("pacing_multiplier = %v, want field minimum", p.PacingMultiplier)
	}
}

func TestApplyDeltas(t *testing.T) {
	base := Defaults()
	next, changes := ApplyDeltas(base, map[string]float64{
		"cut_aggression":    7,
		"energy_floor":      99,
		"pacing_multiplier": 0,
		"not_a_field":       3,
	}, "feedback_loop", "test move")

	if next.CutAggression != base.CutAggression+7 {
		t.Errorf("cut_aggression = %v, want %v", next.CutAggression, base.CutAggression+7)
	}
	if next.EnergyFloor != 1 {
		t.Errorf("energy_floor = %v, want clamp to field max", next.EnergyFloor)
	}
	if len(changes) != 2 {
		t.Fatalf("changes = %d, want 2 (zero moves and unknown keys dropped)", len(changes))
	}
	if changes[0].Key != "cut_aggression" || changes[1].Key != "energy_floor" {
		t.Errorf("change order = %s,%s, want key-sorted", changes[0].Key, changes[1].Key)
	}
	if changes[1].Delta != 1-base.EnergyFloor {
		t.Errorf("energy_floor delta = %v, want effective move %v", changes[1].Delta, 1-base.EnergyFloor)
	}
	for _, c := range changes {
		if c.Source != "feedback_loop" || c.Reason != "test move" {
			t.Errorf("change %s lost source or reason", c.Key)
		}
	}

	if _, none := ApplyDeltas(base, map[string]float64{"cut_aggression": 0}, "x", ""); len(none) != 0 {
		t.Errorf("zero delta produced %d changes", len(none))
	}
}
