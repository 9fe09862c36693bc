package params

import "strings"

// DefaultPresetName is the bundle used when no preset or override is given.
const DefaultPresetName = "premium_creator_mode"

// presetOrder keeps listing output stable for the CLI and the HTTP surface.
var presetOrder = []string{
	"viral_mode",
	"hyper_cut_mode",
	"story_mode",
	"psychological_hook_mode",
	"cinematic_mode",
	"premium_creator_mode",
}

var presets = map[string]Params{
	"viral_mode": {
		CutAggression:            86,
		PacingMultiplier:         1.45,
		MinClipLenMs:             520,
		MaxClipLenMs:             9000,
		SilenceMinMs:             260,
		FillerTrimStrength:       82,
		RedundancyTrimStrength:   74,
		StoryCoherenceGuard:      44,
		JankGuard:                48,
		HookPriorityWeight:       2.1,
		PatternInterruptEverySec: 6.5,
		EmotionAmp:               74,
		EnergyFloor:              0.30,
		MicroCrossfadeMs:         60,
		SubtitleStyleMode:        "bold_pop_captions",
	},
	"hyper_cut_mode": {
		CutAggression:            93,
		PacingMultiplier:         1.70,
		MinClipLenMs:             340,
		MaxClipLenMs:             6000,
		SilenceMinMs:             180,
		FillerTrimStrength:       90,
		RedundancyTrimStrength:   82,
		StoryCoherenceGuard:      30,
		JankGuard:                40,
		HookPriorityWeight:       2.4,
		PatternInterruptEverySec: 4.5,
		EmotionAmp:               68,
		EnergyFloor:              0.34,
		MicroCrossfadeMs:         40,
		SubtitleStyleMode:        "rapid_burst_captions",
	},
	"story_mode": {
		CutAggression:            38,
		PacingMultiplier:         0.92,
		MinClipLenMs:             1600,
		MaxClipLenMs:             22000,
		SilenceMinMs:             700,
		FillerTrimStrength:       46,
		RedundancyTrimStrength:   38,
		StoryCoherenceGuard:      88,
		JankGuard:                72,
		HookPriorityWeight:       0.9,
		PatternInterruptEverySec: 19,
		EmotionAmp:               44,
		EnergyFloor:              0.12,
		MicroCrossfadeMs:         140,
		SubtitleStyleMode:        "narrative_captions",
	},
	"psychological_hook_mode": {
		CutAggression:            66,
		PacingMultiplier:         1.18,
		MinClipLenMs:             760,
		MaxClipLenMs:             12000,
		SilenceMinMs:             380,
		FillerTrimStrength:       68,
		RedundancyTrimStrength:   60,
		StoryCoherenceGuard:      64,
		JankGuard:                58,
		HookPriorityWeight:       2.9,
		PatternInterruptEverySec: 8.5,
		EmotionAmp:               80,
		EnergyFloor:              0.22,
		MicroCrossfadeMs:         80,
		SubtitleStyleMode:        "hook_overlay_captions",
	},
	"cinematic_mode": {
		CutAggression:            27,
		PacingMultiplier:         0.78,
		MinClipLenMs:             2200,
		MaxClipLenMs:             30000,
		SilenceMinMs:             900,
		FillerTrimStrength:       34,
		RedundancyTrimStrength:   30,
		StoryCoherenceGuard:      82,
		JankGuard:                86,
		HookPriorityWeight:       0.7,
		PatternInterruptEverySec: 26,
		EmotionAmp:               38,
		EnergyFloor:              0.08,
		MicroCrossfadeMs:         220,
		SubtitleStyleMode:        "minimal_cinema_captions",
	},
	"premium_creator_mode": {
		CutAggression:            58,
		PacingMultiplier:         1.12,
		MinClipLenMs:             900,
		MaxClipLenMs:             14000,
		SilenceMinMs:             420,
		FillerTrimStrength:       64,
		RedundancyTrimStrength:   55,
		StoryCoherenceGuard:      72,
		JankGuard:                60,
		HookPriorityWeight:       1.35,
		PatternInterruptEverySec: 11,
		EmotionAmp:               52,
		EnergyFloor:              0.18,
		MicroCrossfadeMs:         90,
		SubtitleStyleMode:        "balanced_captions",
	},
}

// Preset looks up a bundle by name (case-insensitive, surrounding
// whitespace ignored) and returns a normalized copy.
func Preset(name string) (Params, bool) {
	p, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Params{}, false
	}
	return Normalize(p), true
}

// PresetNames lists the bundle names in canonical order.
func PresetNames() []string {
	out := make([]string, len(presetOrder))
	copy(out, presetOrder)
	return out
}

// Presets returns every bundle keyed by name, normalized.
func Presets() map[string]Params {
	out := make(map[string]Params, len(presets))
	for name := range presets {
		p, _ := Preset(name)
		out[name] = p
	}
	return out
}
