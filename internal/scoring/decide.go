package scoring

import (
	"math"

	"github.com/cliploop/retentiond/internal/params"
)

// SegmentDecision is a signal plus the keep/drop verdict for that segment.
type SegmentDecision struct {
	SegmentSignal

	ValueScore         float64  `json:"value_score"`
	RiskScore          float64  `json:"risk_score"`
	KeepProbability    float64  `json:"keep_probability"`
	KeepRecommendation bool     `json:"keep_recommendation"`
	Reasons            []string `json:"reasons"`

	riskRaw float64
}

// Decision reason strings are part of the external contract; clients match
// on them.
const (
	ReasonForcedKeepMinClip  = "forced_keep_min_clip"
	ReasonCappedKeepMaxClip  = "capped_keep_max_clip"
	ReasonContextGuardFloor  = "context_guard_floor"
	ReasonAudioJankFloor     = "audio_jank_floor"
	ReasonAutoSafetyAdjust   = "auto_safety_jank_adjust"
	ReasonHighValueSegment   = "high_value_segment"
	ReasonLowValueSegment    = "low_value_segment"
	safetyReasonJankExceeded = "predicted_jank_exceeded_threshold"
)

// segmentWeights are the value (a..f) and risk (g,h,j) coefficients of the
// per-segment decision.
type segmentWeights struct {
	a, b, c, d, e, f float64
	g, h, j          float64
}

func defaultSegmentWeights() segmentWeights {
	return segmentWeights{
		a: 1.35, b: 1.10, c: 1.02, d: 0.95, e: 1.08, f: 1.02,
		g: 1.18, h: 1.36, j: 1.31,
	}
}

func mergedSegmentWeights(p params.Params) segmentWeights {
	w := defaultSegmentWeights()
	for k, v := range p.SegmentWeights {
		switch k {
		case "a":
			w.a = v
		case "b":
			w.b = v
		case "c":
			w.c = v
		case "d":
			w.d = v
		case "e":
			w.e = v
		case "f":
			w.f = v
		case "g":
			w.g = v
		case "h":
			w.h = v
		case "j":
			w.j = v
		}
	}
	return w
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

const (
	minClipForcedKeep = 0.72
	maxClipKeepCap    = 0.46
	contextGuardFloor = 0.63
	audioJankFloor    = 0.58

	contextGuardMin  = 70
	audioJankTrigger = 0.78

	highValueKeep = 0.78
	lowValueKeep  = 0.30
)

// decide scores every segment: value and risk linear forms, a logistic keep
// probability against the aggression threshold, then the policy overrides.
// The returned flag reports whether any segment tripped the audio-jank floor.
func decide(signals []SegmentSignal, p params.Params) ([]SegmentDecision, bool) {
	w := mergedSegmentWeights(p)
	contextScale := 0.6 + p.StoryCoherenceGuard/100*1.6
	threshold := -0.85 + p.CutAggression/100*1.7
	lambda := 0.7 + p.JankGuard/100*1.4
	riskNorm := w.g + w.h + w.j

	microCrossfade := false
	out := make([]SegmentDecision, 0, len(signals))
	for _, sig := range signals {
		value := w.a*sig.Energy + w.b*sig.InfoDensity + w.c*sig.Novelty +
			w.d*sig.Emotion - w.e*sig.Filler - w.f*sig.Redundancy

		contextRisk := sig.ContextLossRisk
		if sig.IsContextSegment {
			contextRisk *= contextScale
		}
		riskRaw := w.g*sig.ContinuityRisk + w.h*contextRisk + w.j*sig.AudioJankRisk

		d := SegmentDecision{
			SegmentSignal: sig,
			ValueScore:    value,
			RiskScore:     clamp01(riskRaw / riskNorm),
			riskRaw:       riskRaw,
		}
		keep := sigmoid(value - lambda*riskRaw - threshold)

		spanMs := sig.Duration * 1000
		if spanMs < p.MinClipLenMs {
			if keep < minClipForcedKeep {
				keep = minClipForcedKeep
			}
			d.Reasons = append(d.Reasons, ReasonForcedKeepMinClip)
		}
		if spanMs > p.MaxClipLenMs {
			if keep > maxClipKeepCap {
				keep = maxClipKeepCap
			}
			d.Reasons = append(d.Reasons, ReasonCappedKeepMaxClip)
		}
		if sig.IsContextSegment && p.StoryCoherenceGuard >= contextGuardMin {
			if keep < contextGuardFloor {
				keep = contextGuardFloor
			}
			d.Reasons = append(d.Reasons, ReasonContextGuardFloor)
		}
		if sig.AudioJankRisk > audioJankTrigger {
			if keep < audioJankFloor {
				keep = audioJankFloor
			}
			d.Reasons = append(d.Reasons, ReasonAudioJankFloor)
			microCrossfade = true
		}

		if keep >= highValueKeep {
			d.Reasons = append(d.Reasons, ReasonHighValueSegment)
		} else if keep < lowValueKeep {
			d.Reasons = append(d.Reasons, ReasonLowValueSegment)
		}

		d.KeepProbability = keep
		d.KeepRecommendation = keep > 0.5
		out = append(out, d)
	}
	return out, microCrossfade
}

const (
	safetyLiftBase   = 0.1
	safetyLiftScale  = 0.15
	safetyLiftCap    = 0.56
	safetyRetryFloor = 0.32
	safetyEps        = 1e-9
)

// predictJank combines the global jump-cut reading, audio discontinuities
// per segment, and the mean risk of the segments being dropped.
func predictJank(decisions []SegmentDecision, f Features) float64 {
	var dropRisk float64
	drops := 0
	for _, d := range decisions {
		if !d.KeepRecommendation {
			dropRisk += d.RiskScore
			drops++
		}
	}
	meanDropRisk := 0.0
	if drops > 0 {
		meanDropRisk = dropRisk / float64(drops)
	}
	perSegmentDisc := 0.0
	if len(decisions) > 0 {
		perSegmentDisc = f.AudioDiscontinuityCount / float64(len(decisions))
	}
	return 0.44*f.JumpCutSeverity + 0.26*perSegmentDisc + 0.30*meanDropRisk
}

// safetyPass runs one retry when the predicted jank clears the guard
// threshold: borderline drops are lifted back above the keep line, weighted
// by how much of their risk came from continuity and audio rather than
// context.
func safetyPass(decisions []SegmentDecision, f Features, p params.Params) (float64, bool) {
	predicted := predictJank(decisions, f)
	threshold := 0.58 - p.JankGuard/100*0.25
	if predicted <= threshold {
		return predicted, false
	}

	w := mergedSegmentWeights(p)
	for i := range decisions {
		d := &decisions[i]
		if d.KeepRecommendation {
			continue
		}
		keep := d.KeepProbability
		if keep <= safetyRetryFloor || keep > 0.5 {
			continue
		}
		share := (w.g*d.ContinuityRisk + w.j*d.AudioJankRisk) / (d.riskRaw + safetyEps)
		lifted := math.Min(safetyLiftCap, keep+safetyLiftBase+safetyLiftScale*share)
		d.KeepProbability = lifted
		d.KeepRecommendation = lifted > 0.5
		d.Reasons = append(d.Reasons, ReasonAutoSafetyAdjust)
	}
	return predicted, true
}
