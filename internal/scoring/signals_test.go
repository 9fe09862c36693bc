package scoring

import (
	"math"
	"testing"
)

func TestCountFillers(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"single word fillers", "um well uh okay umm", 3},
		{"two word fillers", "you know it works i mean mostly", 2},
		{"sort of and kind of", "it is sort of done kind of", 2},
		{"clean speech", "the experiment produced a clear result", 0},
		{"mixed", "like actually you know this basically works", 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := countFillers(tokenize(tt.text))
			if got != tt.want {
				t.Errorf("countFillers(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestRepeatedFraction(t *testing.T) {
	same := bigramsOf(tokenize("go home go home go home"))
	if f := repeatedFraction(same); f < 0.7 {
		t.Errorf("fully repeated text fraction = %v, want high", f)
	}

	fresh := bigramsOf(tokenize("every single word differs across this sentence"))
	if f := repeatedFraction(fresh); f != 0 {
		t.Errorf("fresh text fraction = %v, want 0", f)
	}

	if f := repeatedFraction(nil); f != 0 {
		t.Errorf("empty fraction = %v, want 0", f)
	}
}

func TestContextTermRegex(t *testing.T) {
	matching := []string{
		"this is why it matters",
		"as explained earlier",
		"the definition we introduced",
		"Therefore the outcome holds",
		"the piece which follows",
	}
	for _, s := range matching {
		if !contextTermRe.MatchString(s) {
			t.Errorf("context regex missed %q", s)
		}
	}

	clean := []string{
		"pure action shot",
		"loud music plays",
		"thistle gardens bloom", // substring must not match
	}
	for _, s := range clean {
		if contextTermRe.MatchString(s) {
			t.Errorf("context regex matched %q", s)
		}
	}
}

func TestWindowMean(t *testing.T) {
	windows := []Window{
		{Start: 0, End: 4, Score: 0.8},
		{Start: 4, End: 8, Score: 0.2},
	}

	if got := windowMean(windows, 0, 4); got != 0.8 {
		t.Errorf("full overlap mean = %v, want 0.8", got)
	}
	if got := windowMean(windows, 2, 6); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("split overlap mean = %v, want 0.5", got)
	}
	if got := windowMean(windows, 20, 30); got != 0.5 {
		t.Errorf("no-overlap mean = %v, want neutral 0.5", got)
	}
}

func TestBuildSignals_Channels(t *testing.T) {
	spans := []Span{{Start: 0, End: 0.3}, {Start: 0.3, End: 5}}
	windows := []Window{{Start: 0, End: 5, Score: 0.6}}
	cues := []Cue{{Start: 0.3, End: 5, Text: "because the earlier setup matters here"}}

	signals := buildSignals(spans, cues, windows, 5, 0)
	if len(signals) != 2 {
		t.Fatalf("signals = %d, want 2", len(signals))
	}

	short := signals[0]
	if short.ContinuityRisk < 0.45 {
		t.Errorf("sub-0.45s continuity risk = %v, want elevated", short.ContinuityRisk)
	}
	if short.AudioJankRisk < 0.3 {
		t.Errorf("sub-0.6s audio jank risk = %v, want elevated", short.AudioJankRisk)
	}

	ctx := signals[1]
	if !ctx.IsContextSegment {
		t.Fatal("referential text not marked as context segment")
	}
	if ctx.ContextLossRisk != 0.72 {
		t.Errorf("context loss risk = %v, want 0.72", ctx.ContextLossRisk)
	}
	if ctx.Energy != 0.6 {
		t.Errorf("energy = %v, want window score 0.6", ctx.Energy)
	}
}

func TestBuildSignals_NoveltyFallsWithRepeats(t *testing.T) {
	spans := []Span{{Start: 0, End: 4}, {Start: 4, End: 8}}
	cues := []Cue{
		{Start: 0, End: 4, Text: "buy low sell high"},
		{Start: 4, End: 8, Text: "buy low sell high"},
	}
	windows := []Window{{Start: 0, End: 8, Score: 0.5}}

	signals := buildSignals(spans, cues, windows, 8, 0)
	if signals[1].Novelty >= signals[0].Novelty {
		t.Errorf("novelty did not fall on repeated text: first=%v second=%v",
			signals[0].Novelty, signals[1].Novelty)
	}
}

func TestBuildSignals_EmotionSpikeShaping(t *testing.T) {
	spans := []Span{{Start: 0, End: 4}}
	flat := []Window{{Start: 0, End: 4, Score: 0.6}}
	spiky := []Window{{Start: 0, End: 4, Score: 0.75}}

	flatSig := buildSignals(spans, nil, flat, 4, 0)[0]
	spikySig := buildSignals(spans, nil, spiky, 4, 0)[0]
	if spikySig.Emotion <= flatSig.Emotion {
		t.Errorf("spike window did not raise emotion: flat=%v spiky=%v",
			flatSig.Emotion, spikySig.Emotion)
	}
}

func TestBuildSignals_AudioDiscontinuityRaisesJank(t *testing.T) {
	spans := []Span{{Start: 0, End: 4}}
	windows := []Window{{Start: 0, End: 4, Score: 0.5}}

	quiet := buildSignals(spans, nil, windows, 4, 0)[0]
	noisy := buildSignals(spans, nil, windows, 4, 9)[0]
	if noisy.AudioJankRisk <= quiet.AudioJankRisk {
		t.Errorf("discontinuities did not raise jank: quiet=%v noisy=%v",
			quiet.AudioJankRisk, noisy.AudioJankRisk)
	}
}
