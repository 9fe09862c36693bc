package scoring

import (
	"math"

	"github.com/cliploop/retentiond/internal/params"
)

// Result is the full evaluation of one render against one parameter bundle.
type Result struct {
	ScoreTotal float64   `json:"score_total"`
	Subscores  Subscores `json:"subscores"`
	Features   Features  `json:"features"`
	Flags      Flags     `json:"flags"`
}

// Flags carries the evaluation-level annotations the decision and safety
// stages produce.
type Flags struct {
	AutoSafetyAdjusted     bool     `json:"auto_safety_adjusted"`
	SafetyReason           string   `json:"safety_reason,omitempty"`
	PredictedJank          float64  `json:"predicted_jank"`
	AdjustedCutAggression  *float64 `json:"adjusted_cut_aggression,omitempty"`
	MicroCrossfadeRequired bool     `json:"micro_crossfade_required"`
}

// Engine evaluates renders. It holds no state: Evaluate is a pure function
// of its inputs, with no clock and no RNG, so equal inputs always produce
// equal outputs.
type Engine struct{}

// NewEngine creates the scoring engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Evaluate normalizes the input, derives per-segment signals and decisions,
// runs the jank safety pass, and folds everything into the seven subscores
// and the total in [0,100].
func (e *Engine) Evaluate(in Input, p params.Params) Result {
	p = params.Normalize(p)

	features, spans, cues, windows := extractFeatures(in)
	signals := buildSignals(spans, cues, windows, features.Duration, features.AudioDiscontinuityCount)
	decisions, microCrossfade := decide(signals, p)
	predictedJank, adjusted := safetyPass(decisions, features, p)

	features.SegmentSignals = decisions

	flags := Flags{
		AutoSafetyAdjusted:     adjusted,
		PredictedJank:          round4(predictedJank),
		MicroCrossfadeRequired: microCrossfade,
	}
	if adjusted {
		flags.SafetyReason = safetyReasonJankExceeded
		adjustedCA := math.Max(0, p.CutAggression-12)
		flags.AdjustedCutAggression = &adjustedCA
	}

	subs := computeSubscores(features, decisions, predictedJank, p)

	return Result{
		ScoreTotal: totalScore(subs, p),
		Subscores:  subs,
		Features:   features,
		Flags:      flags,
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
