package scoring

import (
	"math"

	"github.com/cliploop/retentiond/internal/params"
)

// Subscores are the seven retention dimensions, each in [0,1]. Filler and
// Jank are penalties: higher is worse.
type Subscores struct {
	Hook    float64 `json:"hook"`
	Pacing  float64 `json:"pacing"`
	Energy  float64 `json:"energy"`
	Variety float64 `json:"variety"`
	Story   float64 `json:"story"`
	Filler  float64 `json:"filler"`
	Jank    float64 `json:"jank"`
}

// retentionWeights are the w1..w7 blend coefficients of the total score.
type retentionWeights struct {
	hook, pacing, energy, variety, story, filler, jank float64
}

func defaultRetentionWeights() retentionWeights {
	return retentionWeights{
		hook: 1.78, pacing: 1.35, energy: 1.20, variety: 1.08,
		story: 1.42, filler: 1.22, jank: 1.48,
	}
}

func mergedRetentionWeights(p params.Params) retentionWeights {
	w := defaultRetentionWeights()
	for k, v := range p.ScoringWeights {
		switch k {
		case "hook":
			w.hook = v
		case "pacing":
			w.pacing = v
		case "energy":
			w.energy = v
		case "variety":
			w.variety = v
		case "story":
			w.story = v
		case "filler":
			w.filler = v
		case "jank":
			w.jank = v
		}
	}
	return w
}

const idealShotLenSec = 2.8

// computeSubscores blends the global features and the final decisions into
// the seven dimensions.
func computeSubscores(f Features, decisions []SegmentDecision, predictedJank float64, p params.Params) Subscores {
	var s Subscores

	earlyEnergy := earlyEnergyMean(decisions, f.EnergyMean)
	hookTTP := clamp01(f.HookTimeToPayoffSec / hookWindowSec)
	s.Hook = clamp01(0.46*f.BestMomentFirst8s + 0.28*(1-hookTTP) + 0.26*earlyEnergy)

	idealRate := 60 / p.PatternInterruptEverySec * p.PacingMultiplier
	cadenceFit := 1 - clamp01(math.Abs(f.CutRatePerMin-idealRate)/idealRate)
	shotFit := 1 - clamp01(math.Abs(f.AvgShotLenSec-idealShotLenSec)/6)
	s.Pacing = clamp01(0.40*cadenceFit + 0.30*(1-f.FlatSegmentSeconds/f.Duration) + 0.30*shotFit)

	s.Energy = clamp01(0.55*f.EnergyMean + 0.25*clamp01(f.SpikeDensity/3) + 0.20*(1-f.SilenceRatio))

	s.Variety = clamp01(0.45*(1-f.RedundancyRatio) + 0.35*clamp01(f.EnergyVariance*4) + 0.20*clamp01(f.CutRatePerMin/14))

	keepRate, dropRisk := contextOutcome(decisions)
	s.Story = clamp01(0.55*keepRate + 0.45*(1-dropRisk))

	s.Filler = clamp01(0.60*keptFillerMean(decisions) + 0.40*f.FillerRate)

	s.Jank = clamp01(0.50*predictedJank + 0.30*f.JumpCutSeverity + 0.20*clamp01(f.AudioDiscontinuityCount/8))

	return s
}

// earlyEnergyMean averages segment energy over the first eight seconds,
// falling back to the global mean when no segment starts there.
func earlyEnergyMean(decisions []SegmentDecision, fallback float64) float64 {
	var sum float64
	n := 0
	for _, d := range decisions {
		if d.Start < hookWindowSec {
			sum += d.Energy
			n++
		}
	}
	if n == 0 {
		return fallback
	}
	return sum / float64(n)
}

// contextOutcome reports how the decision stage treated context segments:
// the kept fraction and the mean context risk of the ones dropped. With no
// context segments the story channel reads perfect.
func contextOutcome(decisions []SegmentDecision) (keepRate, meanDropRisk float64) {
	total, kept, dropped := 0, 0, 0
	var dropRisk float64
	for _, d := range decisions {
		if !d.IsContextSegment {
			continue
		}
		total++
		if d.KeepRecommendation {
			kept++
		} else {
			dropped++
			dropRisk += d.ContextLossRisk
		}
	}
	if total == 0 {
		return 1, 0
	}
	keepRate = float64(kept) / float64(total)
	if dropped > 0 {
		meanDropRisk = dropRisk / float64(dropped)
	}
	return keepRate, meanDropRisk
}

func keptFillerMean(decisions []SegmentDecision) float64 {
	var sum float64
	n := 0
	for _, d := range decisions {
		if d.KeepRecommendation {
			sum += d.Filler
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// totalScore squashes the weighted blend into [0,100].
func totalScore(s Subscores, p params.Params) float64 {
	w := mergedRetentionWeights(p)
	x := w.hook*s.Hook + w.pacing*s.Pacing + w.energy*s.Energy +
		w.variety*s.Variety + w.story*s.Story - w.filler*s.Filler - w.jank*s.Jank
	return 100 * sigmoid(x)
}
