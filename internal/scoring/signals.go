package scoring

import (
	"math"
	"regexp"
	"strings"
	"unicode"
)

// SegmentSignal is the per-segment channel vector. Every channel lives in
// [0,1].
type SegmentSignal struct {
	Start            float64 `json:"start"`
	End              float64 `json:"end"`
	Duration         float64 `json:"duration"`
	Energy           float64 `json:"energy"`
	InfoDensity      float64 `json:"info_density"`
	Novelty          float64 `json:"novelty"`
	Emotion          float64 `json:"emotion"`
	Filler           float64 `json:"filler"`
	Redundancy       float64 `json:"redundancy"`
	ContinuityRisk   float64 `json:"continuity_risk"`
	ContextLossRisk  float64 `json:"context_loss_risk"`
	AudioJankRisk    float64 `json:"audio_jank_risk"`
	IsContextSegment bool    `json:"is_context_segment"`
}

// contextTermRe marks segments whose text leans on earlier narration.
var contextTermRe = regexp.MustCompile(`(?i)\b(this|that|these|those|because|means|definition|context|earlier|before|after|therefore|which)\b`)

// fillerWords is the fixed stopword set for the filler channel. Two-word
// entries are matched on token bigrams.
var fillerWords = map[string]bool{
	"um": true, "uh": true, "umm": true, "uhh": true,
	"like": true, "literally": true, "basically": true,
	"actually": true, "honestly": true, "kinda": true, "sorta": true,
}

var fillerBigrams = map[string]bool{
	"you know": true, "i mean": true, "sort of": true, "kind of": true,
}

const (
	wordsPerSecondNorm = 3.2
	fillerScale        = 2.6
	redundancyScale    = 2.2

	spikeWindowScore = 0.7
	flatWindowScore  = 0.45
)

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func bigramsOf(tokens []string) []string {
	if len(tokens) < 2 {
		return nil
	}
	out := make([]string, 0, len(tokens)-1)
	for i := 0; i+1 < len(tokens); i++ {
		out = append(out, tokens[i]+" "+tokens[i+1])
	}
	return out
}

func countFillers(tokens []string) int {
	n := 0
	for i, tok := range tokens {
		if fillerWords[tok] {
			n++
			continue
		}
		if i+1 < len(tokens) && fillerBigrams[tok+" "+tokens[i+1]] {
			n++
		}
	}
	return n
}

// repeatedFraction is the share of bigrams occurring more than once.
func repeatedFraction(bigrams []string) float64 {
	if len(bigrams) == 0 {
		return 0
	}
	counts := make(map[string]int, len(bigrams))
	for _, b := range bigrams {
		counts[b]++
	}
	repeated := 0
	for _, b := range bigrams {
		if counts[b] > 1 {
			repeated++
		}
	}
	return float64(repeated) / float64(len(bigrams))
}

// overlap returns the length of the intersection of [a0,a1] and [b0,b1].
func overlap(a0, a1, b0, b1 float64) float64 {
	lo := math.Max(a0, b0)
	hi := math.Min(a1, b1)
	if hi <= lo {
		return 0
	}
	return hi - lo
}

// windowMean is the overlap-weighted mean engagement score over a span.
// A span touching no window reads neutral.
func windowMean(windows []Window, start, end float64) float64 {
	var total, weighted float64
	for _, w := range windows {
		ov := overlap(start, end, w.Start, w.End)
		if ov <= 0 {
			continue
		}
		total += ov
		weighted += ov * w.Score
	}
	if total <= 0 {
		return 0.5
	}
	return weighted / total
}

func spikeTouches(windows []Window, start, end float64) bool {
	for _, w := range windows {
		if w.Score >= spikeWindowScore && overlap(start, end, w.Start, w.End) > 0 {
			return true
		}
	}
	return false
}

func segmentText(cues []Cue, start, end float64) string {
	var parts []string
	for _, c := range cues {
		if overlap(start, end, c.Start, c.End) > 0 {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, " ")
}

// buildSignals derives the channel vector for every segment. Segments are
// processed in timeline order so novelty can discount bigrams already heard.
func buildSignals(spans []Span, cues []Cue, windows []Window, duration, audioDisc float64) []SegmentSignal {
	out := make([]SegmentSignal, 0, len(spans))
	seen := make(map[string]bool)

	for _, sp := range spans {
		span := math.Max(0, sp.End-sp.Start)
		text := segmentText(cues, sp.Start, sp.End)
		tokens := tokenize(text)
		bigrams := bigramsOf(tokens)

		var wps float64
		if span > 0 {
			wps = float64(len(tokens)) / span
		}
		speechSpeed := wps / wordsPerSecondNorm

		sig := SegmentSignal{
			Start:    sp.Start,
			End:      sp.End,
			Duration: span,
		}

		base := clamp01(windowMean(windows, sp.Start, sp.End))
		sig.Energy = base

		shape := 0.85
		if spikeTouches(windows, sp.Start, sp.End) {
			shape = 1.0
		}
		sig.Emotion = clamp01((0.25 + 0.75*base) * shape)

		sig.InfoDensity = clamp01(speechSpeed)

		if len(tokens) > 0 {
			sig.Filler = clamp01(float64(countFillers(tokens)) / float64(len(tokens)) * fillerScale)
		}
		sig.Redundancy = clamp01(repeatedFraction(bigrams) * redundancyScale)

		familiar := 0
		for _, b := range bigrams {
			if seen[b] {
				familiar++
			}
		}
		positionFamiliarity := 0.0
		if len(bigrams) > 0 {
			positionFamiliarity = float64(familiar) / float64(len(bigrams))
		}
		sig.Novelty = clamp01(1 - 0.62*sig.Redundancy - 0.38*positionFamiliarity)
		for _, b := range bigrams {
			seen[b] = true
		}

		continuity := 0.12
		if span < 0.45 {
			continuity += 0.45
		}
		if speechSpeed > 1.28 {
			continuity += 0.2
		}
		continuity += 0.25 * math.Abs(sig.Energy-sig.Emotion)
		sig.ContinuityRisk = clamp01(continuity)

		if contextTermRe.MatchString(text) {
			sig.IsContextSegment = true
			sig.ContextLossRisk = 0.72
		} else {
			lateness := clamp01(sp.Start / duration)
			sig.ContextLossRisk = clamp01(0.18 + 0.3*sig.InfoDensity + 0.2*lateness)
		}

		shortSpan := 0.0
		if span < 0.6 {
			shortSpan = 1.0
		}
		sig.AudioJankRisk = clamp01(0.3*shortSpan + 0.4*math.Abs(speechSpeed-0.5) + 0.3*math.Min(audioDisc/6, 1))

		out = append(out, sig)
	}
	return out
}
