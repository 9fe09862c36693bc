package scoring

import (
	"math"
	"sort"
)

// Features is the derived view of one render: global shape metrics plus the
// per-segment decision vector. MissingSignals names absent inputs for
// diagnostics; nothing downstream branches on it.
type Features struct {
	Duration                float64           `json:"duration"`
	SilenceRatio            float64           `json:"silence_ratio"`
	FillerRate              float64           `json:"filler_rate"`
	AvgShotLenSec           float64           `json:"avg_shot_len_sec"`
	CutRatePerMin           float64           `json:"cut_rate_per_min"`
	RedundancyRatio         float64           `json:"redundancy_ratio"`
	EnergyMean              float64           `json:"energy_mean"`
	EnergyVariance          float64           `json:"energy_variance"`
	SpikeDensity            float64           `json:"spike_density"`
	FlatSegmentSeconds      float64           `json:"flat_segment_seconds"`
	JumpCutSeverity         float64           `json:"jump_cut_severity"`
	AudioDiscontinuityCount float64           `json:"audio_discontinuity_count"`
	CaptionDesyncCount      float64           `json:"caption_desync_count"`
	HookTimeToPayoffSec     float64           `json:"hook_time_to_payoff_sec"`
	BestMomentFirst8s       float64           `json:"best_moment_first_8s"`
	SegmentSignals          []SegmentDecision `json:"segment_signals"`
	MissingSignals          []string          `json:"missing_signals"`
}

const (
	hookPayoffScore   = 0.75
	hookPayoffDefault = 8.0
	hookWindowSec     = 8.0
)

// extractFeatures normalizes the raw input and computes every global metric.
// The returned spans/cues/windows feed the decision stage.
func extractFeatures(in Input) (Features, []Span, []Cue, []Window) {
	explicit, hasSegments := normalizeSegments(in.CutList, in.Analysis)
	duration := resolveDuration(in.Analysis, explicit)

	spans := explicit
	if !hasSegments {
		spans = autoChunk(duration)
	}

	cues, hasTranscript := normalizeTranscript(in.Transcript, duration)
	windows, hasWindows := normalizeWindows(in.Analysis, duration)

	f := Features{Duration: duration}

	var missing []string
	if !hasTranscript {
		missing = append(missing, "transcript")
	}
	if !hasSegments {
		missing = append(missing, "cut_list")
	}
	if !hasWindows {
		missing = append(missing, "engagement_windows")
	}

	silence, hasSilence := numField(in.Analysis, "silence_ratio", "silenceRatio")
	if hasSilence {
		f.SilenceRatio = clamp01(silence)
	} else {
		f.SilenceRatio = silenceFromCues(cues, duration)
		missing = append(missing, "silence_ratio")
	}

	jump, hasJump := numField(in.Analysis, "jump_cut_severity", "jumpCutSeverity")
	if hasJump {
		f.JumpCutSeverity = clamp01(jump)
	} else {
		missing = append(missing, "jump_cut_severity")
	}
	f.MissingSignals = missing

	if disc, ok := numField(in.Analysis, "audio_discontinuity_count", "audioDiscontinuityCount", "audio_discontinuities"); ok {
		f.AudioDiscontinuityCount = math.Max(0, disc)
	}
	if desync, ok := numField(in.Analysis, "caption_desync_count", "captionDesyncCount"); ok {
		f.CaptionDesyncCount = math.Max(0, desync)
	}

	f.FillerRate = fillerRate(cues)
	f.RedundancyRatio = globalRedundancy(cues)

	var spanTotal float64
	for _, s := range spans {
		spanTotal += math.Max(0, s.End-s.Start)
	}
	if len(spans) > 0 {
		f.AvgShotLenSec = spanTotal / float64(len(spans))
	}
	f.CutRatePerMin = float64(len(spans)) * 60 / duration

	f.EnergyMean, f.EnergyVariance = windowStats(windows)
	f.SpikeDensity = spikeDensity(windows, duration)
	f.FlatSegmentSeconds = flatSeconds(windows)
	f.HookTimeToPayoffSec = hookTimeToPayoff(windows)
	f.BestMomentFirst8s = bestMomentEarly(windows)

	return f, spans, cues, windows
}

// silenceFromCues estimates silence as the uncovered share of the timeline:
// the lead-in before the first cue, gaps between cues, and the tail after
// the last one.
func silenceFromCues(cues []Cue, duration float64) float64 {
	if len(cues) == 0 || duration <= 0 {
		return 0
	}
	sorted := make([]Cue, len(cues))
	copy(sorted, cues)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var silent, cursor float64
	for _, c := range sorted {
		if c.Start > cursor {
			silent += c.Start - cursor
		}
		if c.End > cursor {
			cursor = c.End
		}
	}
	if duration > cursor {
		silent += duration - cursor
	}
	return clamp01(silent / duration)
}

func fillerRate(cues []Cue) float64 {
	var tokens []string
	for _, c := range cues {
		tokens = append(tokens, tokenize(c.Text)...)
	}
	if len(tokens) == 0 {
		return 0
	}
	return clamp01(float64(countFillers(tokens)) / float64(len(tokens)))
}

func globalRedundancy(cues []Cue) float64 {
	var tokens []string
	for _, c := range cues {
		tokens = append(tokens, tokenize(c.Text)...)
	}
	return clamp01(repeatedFraction(bigramsOf(tokens)))
}

// windowStats returns the mean and population variance of window scores.
func windowStats(windows []Window) (float64, float64) {
	if len(windows) == 0 {
		return 0.5, 0
	}
	var sum float64
	for _, w := range windows {
		sum += w.Score
	}
	mean := sum / float64(len(windows))

	var varSum float64
	for _, w := range windows {
		d := w.Score - mean
		varSum += d * d
	}
	return mean, varSum / float64(len(windows))
}

func spikeDensity(windows []Window, duration float64) float64 {
	spikes := 0
	for _, w := range windows {
		if w.Score >= spikeWindowScore {
			spikes++
		}
	}
	return float64(spikes) * 60 / duration
}

func flatSeconds(windows []Window) float64 {
	var total float64
	for _, w := range windows {
		if w.Score < flatWindowScore {
			total += math.Max(0, w.End-w.Start)
		}
	}
	return total
}

func hookTimeToPayoff(windows []Window) float64 {
	best := math.Inf(1)
	for _, w := range windows {
		if w.Score >= hookPayoffScore && w.Start < best {
			best = w.Start
		}
	}
	if math.IsInf(best, 1) {
		return hookPayoffDefault
	}
	return best
}

func bestMomentEarly(windows []Window) float64 {
	var best float64
	for _, w := range windows {
		if overlap(0, hookWindowSec, w.Start, w.End) > 0 && w.Score > best {
			best = w.Score
		}
	}
	return best
}
