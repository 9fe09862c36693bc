// Package prompt turns operator prose into audited parameter changes. Three
// strategies run in priority order: explicit directives extracted by regex,
// keyword intent families with fixed deltas, and a suggestion fallback when
// the text names nothing concrete.
package prompt

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cliploop/retentiond/internal/params"
	"github.com/cliploop/retentiond/internal/persistence"
	"github.com/cliploop/retentiond/internal/suggest"
)

// Strategy labels reported on the result and stamped on change rows.
const (
	StrategyDirective = "prompt_directive"
	StrategyIntent    = "prompt_intent"
	StrategyFallback  = "suggestion_fallback"
)

const (
	fallbackLimit = 120
	fallbackRange = 14 * 24 * time.Hour

	captionsOffMode = "captions_off_requested"
)

// ErrNotActionable is returned when every strategy produced zero changes.
var ErrNotActionable = errors.New("prompt_not_actionable")

// Result is what a translated prompt did to the base parameters.
type Result struct {
	Strategy string          `json:"strategy"`
	Params   params.Params   `json:"params"`
	Changes  []params.Change `json:"changes"`
	Warnings []string        `json:"warnings,omitempty"`
}

// Translator rewrites prompts against a parameter bundle. The suggest engine
// is optional; without it the fallback goes straight to the baseline nudge.
type Translator struct {
	engine *suggest.Engine
}

func New(engine *suggest.Engine) *Translator {
	return &Translator{engine: engine}
}

const numberPattern = `(-?\d+(?:\.\d+)?)`

// aliasTable maps prompt phrasings onto parameter keys. Spaces in an alias
// also match underscores, so "cut aggression" covers "cut_aggression".
var aliasTable = []struct {
	key     string
	aliases []string
}{
	{"cut_aggression", []string{"cut aggression", "aggression"}},
	{"pacing_multiplier", []string{"pacing multiplier", "pacing"}},
	{"min_clip_len_ms", []string{"min clip len ms", "minimum clip length", "min clip length", "min clip len"}},
	{"max_clip_len_ms", []string{"max clip len ms", "maximum clip length", "max clip length", "max clip len"}},
	{"silence_min_ms", []string{"silence min ms", "silence threshold", "silence min"}},
	{"filler_trim_strength", []string{"filler trim strength", "filler trim"}},
	{"redundancy_trim_strength", []string{"redundancy trim strength", "redundancy trim"}},
	{"story_coherence_guard", []string{"story coherence guard", "story coherence", "coherence guard"}},
	{"jank_guard", []string{"jank guard", "smoothness guard"}},
	{"hook_priority_weight", []string{"hook priority weight", "hook priority", "hook weight"}},
	{"pattern_interrupt_every_sec", []string{"pattern interrupt every sec", "pattern interrupt", "interrupt every"}},
	{"emotion_amp", []string{"emotion amp", "emotion boost"}},
	{"energy_floor", []string{"energy floor"}},
	{"micro_crossfade_ms", []string{"micro crossfade ms", "micro crossfade", "crossfade"}},
}

type directiveMatcher struct {
	key      string
	assign   *regexp.Regexp
	relative *regexp.Regexp
}

var directiveMatchers = buildMatchers()

func buildMatchers() []directiveMatcher {
	out := make([]directiveMatcher, 0, len(aliasTable))
	for _, e := range aliasTable {
		alts := make([]string, 0, len(e.aliases))
		for _, a := range e.aliases {
			alts = append(alts, strings.ReplaceAll(regexp.QuoteMeta(a), " ", `[\s_]+`))
		}
		group := "(?:" + strings.Join(alts, "|") + ")"
		out = append(out, directiveMatcher{
			key:      e.key,
			assign:   regexp.MustCompile(`\b` + group + `\s*(?:=|:|\bto\b)\s*` + numberPattern),
			relative: regexp.MustCompile(`\b(increase|raise|boost|bump|decrease|lower|reduce|drop)\s+(?:the\s+)?` + group + `(?:\s+by)?\s+` + numberPattern),
		})
	}
	return out
}

// maxSilenceRe catches explicit silence ceilings like "max silence: 1.2s".
var maxSilenceRe = regexp.MustCompile(`\bmax(?:imum)?[\s_]+silence\s*[:=]?\s*(\d+(?:\.\d+)?)\s*s(?:ec(?:ond)?s?)?\b`)

// cutsRangeRe and cutsSingleRe catch requested cut cadence ("4-6 cuts per
// minute"). The range form is tried first so the single form never grabs
// the upper bound on its own.
var cutsRangeRe = regexp.MustCompile(`\b(\d+(?:\.\d+)?)\s*(?:-|to)\s*(\d+(?:\.\d+)?)[\s_]+cuts[\s_]+per[\s_]+min(?:ute)?\b`)
var cutsSingleRe = regexp.MustCompile(`\b(\d+(?:\.\d+)?)[\s_]+cuts[\s_]+per[\s_]+min(?:ute)?\b`)

var subtitleAssignRe = regexp.MustCompile(`\b(?:subtitle|caption)s?(?:[\s_]+style)?(?:[\s_]+mode)?\s*(?:=|:|\bto\b)\s*([a-z_]+)`)

var captionsOffRe = regexp.MustCompile(`\b(?:captions?[\s_]+off|no[\s_]+captions?|without[\s_]+captions?|(?:turn[\s_]+off|disable|remove)[\s_]+(?:the[\s_]+)?captions?)\b`)

type intentRule struct {
	family  string
	pattern *regexp.Regexp
	deltas  map[string]float64
}

var intentRules = []intentRule{
	{"fast_pace", regexp.MustCompile(`\b(viral|faster|fast|punchy|punchier|snappy|snappier)\b`),
		map[string]float64{"cut_aggression": 18, "pacing_multiplier": 0.22, "pattern_interrupt_every_sec": -3.5, "hook_priority_weight": 0.3}},
	{"smooth", regexp.MustCompile(`\b(smooth|smoother|stable|calm|calmer|polished)\b`),
		map[string]float64{"jank_guard": 14, "micro_crossfade_ms": 60, "cut_aggression": -6}},
	{"story", regexp.MustCompile(`\b(story|storytelling|narrative|context)\b`),
		map[string]float64{"story_coherence_guard": 16, "cut_aggression": -8, "max_clip_len_ms": 2500}},
	{"filler", regexp.MustCompile(`\bfillers?\b`),
		map[string]float64{"filler_trim_strength": 18}},
	{"redundancy", regexp.MustCompile(`\bredundan(?:t|cy)\b`),
		map[string]float64{"redundancy_trim_strength": 16}},
	{"emotion", regexp.MustCompile(`\b(emotion|emotional|energy|energetic|hype)\b`),
		map[string]float64{"emotion_amp": 14, "energy_floor": 0.06}},
	{"trim_silence", regexp.MustCompile(`\b(?:cut|remove|trim|kill|strip|less)[\s\w]{0,12}?silences?\b|\btighter\b`),
		map[string]float64{"silence_min_ms": -140}},
	{"keep_silence", regexp.MustCompile(`\b(?:keep|leave|preserve)[\s\w]{0,16}?(?:silences?|pauses?)\b|\bbreathing[\s_]+room\b|\blet[\s_]+it[\s_]+breathe\b`),
		map[string]float64{"silence_min_ms": 180}},
}

// Advanced mode-spec prompts carry at least two of these markers and get the
// platform-baseline composition instead of plain keyword deltas.
var advancedMarkers = []string{
	"platform modes",
	"content type modes",
	"best primary hook",
	"final recommendations",
	"retention curve",
}

var shortFormRe = regexp.MustCompile(`\b(tiktok|shorts|reels)\b`)
var longFormRe = regexp.MustCompile(`\b(youtube|long[\s-]?form|longform)\b`)
var tutorialRe = regexp.MustCompile(`\b(tutorial|how[\s-]?to|explainer)\b`)
var vlogRe = regexp.MustCompile(`\bvlogs?\b`)
var podcastRe = regexp.MustCompile(`\b(podcast|interview)\b`)

type platformBaseline struct {
	name      string
	ca        float64
	pacing    float64
	interrupt float64
	cutMinSec float64
	cutMaxSec float64
}

var shortFormBaseline = platformBaseline{"short_form", 78, 1.32, 7, 5, 14}
var longFormBaseline = platformBaseline{"long_form", 52, 1.08, 16, 9, 30}

var baselineNudge = map[string]float64{
	"hook_priority_weight": 0.1,
	"cut_aggression":       4,
	"jank_guard":           6,
}

type directives struct {
	sets       map[string]float64
	setReasons map[string]string
	deltas     map[string]float64
	subtitle   string
	captionOff bool
	hasCuts    bool
	cutLow     float64
	cutHigh    float64
}

func (d directives) any() bool {
	return len(d.sets) > 0 || len(d.deltas) > 0 || d.subtitle != "" || d.captionOff || d.hasCuts
}

// Apply translates the prompt against base. Directive assignments always win
// over intent moves on the same key; the returned change rows record every
// effective move in order.
func (t *Translator) Apply(ctx context.Context, text string, base params.Params) (*Result, error) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return nil, ErrNotActionable
	}

	d, remainder := parseDirectives(lower)
	advanced := advancedMarkerCount(lower) >= 2

	out := base
	var changes []params.Change
	var warnings []string
	intentHit := false

	if advanced {
		intentHit = true
		targets, overlays, reason := advancedComposition(lower, d)
		for _, key := range sortedKeys(targets) {
			if _, taken := d.sets[key]; taken {
				continue
			}
			var cs []params.Change
			out, cs = setTo(out, key, targets[key], StrategyIntent, reason)
			changes = append(changes, cs...)
		}
		dropDirectiveKeys(overlays, d.sets)
		var cs []params.Change
		out, cs = params.ApplyDeltas(out, overlays, StrategyIntent, reason)
		changes = append(changes, cs...)
	}

	for _, rule := range intentRules {
		if !rule.pattern.MatchString(remainder) {
			continue
		}
		intentHit = true
		deltas := make(map[string]float64, len(rule.deltas))
		for k, v := range rule.deltas {
			deltas[k] = v
		}
		dropDirectiveKeys(deltas, d.sets)
		var cs []params.Change
		out, cs = params.ApplyDeltas(out, deltas, StrategyIntent, rule.family)
		changes = append(changes, cs...)
	}

	if len(d.deltas) > 0 {
		var cs []params.Change
		out, cs = params.ApplyDeltas(out, d.deltas, StrategyDirective, "relative adjustment")
		changes = append(changes, cs...)
	}
	if d.hasCuts && !advanced {
		avg := (d.cutLow + d.cutHigh) / 2
		if avg > 0 {
			d.sets["pattern_interrupt_every_sec"] = 60 / avg
			d.setReasons["pattern_interrupt_every_sec"] = "requested cut cadence"
		}
	}
	for _, key := range sortedKeys(d.sets) {
		var cs []params.Change
		out, cs = setTo(out, key, d.sets[key], StrategyDirective, d.setReasons[key])
		changes = append(changes, cs...)
	}

	if d.captionOff {
		if out.SubtitleStyleMode != captionsOffMode {
			changes = append(changes, params.Change{
				Key:      "subtitle_style_mode",
				Previous: out.SubtitleStyleMode,
				Next:     captionsOffMode,
				Source:   StrategyDirective,
				Reason:   "captions off",
			})
			out.SubtitleStyleMode = captionsOffMode
		}
		warnings = append(warnings, "captions are toggled at render time; the style mode only records the request")
	} else if d.subtitle != "" && d.subtitle != out.SubtitleStyleMode {
		changes = append(changes, params.Change{
			Key:      "subtitle_style_mode",
			Previous: out.SubtitleStyleMode,
			Next:     d.subtitle,
			Source:   StrategyDirective,
			Reason:   "subtitle mode assignment",
		})
		out.SubtitleStyleMode = d.subtitle
	}

	var strategy string
	switch {
	case d.any() && intentHit:
		strategy = StrategyDirective + "+" + StrategyIntent
	case d.any():
		strategy = StrategyDirective
	case intentHit:
		strategy = StrategyIntent
	default:
		strategy = StrategyFallback
		var cs []params.Change
		out, cs = t.fallback(ctx, base)
		changes = cs
	}

	if len(changes) == 0 {
		return nil, ErrNotActionable
	}
	out = params.Normalize(out)
	log.Debug().Str("strategy", strategy).Int("changes", len(changes)).Msg("Prompt translated")
	return &Result{Strategy: strategy, Params: out, Changes: changes, Warnings: warnings}, nil
}

// parseDirectives extracts explicit assignments and relative moves, blanking
// each matched span so the intent scan never re-reads directive text.
func parseDirectives(text string) (directives, string) {
	d := directives{
		sets:       map[string]float64{},
		setReasons: map[string]string{},
		deltas:     map[string]float64{},
	}
	var spans [][]int

	for _, m := range directiveMatchers {
		if loc := m.assign.FindStringSubmatchIndex(text); loc != nil {
			if v, err := strconv.ParseFloat(text[loc[2]:loc[3]], 64); err == nil {
				d.sets[m.key] = v
				d.setReasons[m.key] = strings.TrimSpace(text[loc[0]:loc[1]])
				spans = append(spans, loc[:2])
				continue
			}
		}
		if loc := m.relative.FindStringSubmatchIndex(text); loc != nil {
			verb := text[loc[2]:loc[3]]
			v, err := strconv.ParseFloat(text[loc[4]:loc[5]], 64)
			if err == nil {
				if verb == "decrease" || verb == "lower" || verb == "reduce" || verb == "drop" {
					v = -v
				}
				d.deltas[m.key] += v
				spans = append(spans, loc[:2])
			}
		}
	}

	if loc := maxSilenceRe.FindStringSubmatchIndex(text); loc != nil {
		if secs, err := strconv.ParseFloat(text[loc[2]:loc[3]], 64); err == nil {
			d.sets["silence_min_ms"] = secs * 1000
			d.setReasons["silence_min_ms"] = strings.TrimSpace(text[loc[0]:loc[1]])
			spans = append(spans, loc[:2])
		}
	}

	if loc := cutsRangeRe.FindStringSubmatchIndex(text); loc != nil {
		lo, errLo := strconv.ParseFloat(text[loc[2]:loc[3]], 64)
		hi, errHi := strconv.ParseFloat(text[loc[4]:loc[5]], 64)
		if errLo == nil && errHi == nil {
			d.hasCuts = true
			d.cutLow, d.cutHigh = lo, hi
			spans = append(spans, loc[:2])
		}
	} else if loc := cutsSingleRe.FindStringSubmatchIndex(text); loc != nil {
		if n, err := strconv.ParseFloat(text[loc[2]:loc[3]], 64); err == nil {
			d.hasCuts = true
			d.cutLow, d.cutHigh = n, n
			spans = append(spans, loc[:2])
		}
	}

	if loc := captionsOffRe.FindStringIndex(text); loc != nil {
		d.captionOff = true
		spans = append(spans, loc)
	} else if loc := subtitleAssignRe.FindStringSubmatchIndex(text); loc != nil {
		token := text[loc[2]:loc[3]]
		switch token {
		case "off", "none", "disabled":
			d.captionOff = true
		default:
			d.subtitle = token
		}
		spans = append(spans, loc[:2])
	}

	return d, blankSpans(text, spans)
}

func advancedMarkerCount(text string) int {
	n := 0
	for _, marker := range advancedMarkers {
		if strings.Contains(text, marker) {
			n++
		}
	}
	return n
}

// advancedComposition builds the platform baseline, folds a requested cut
// cadence into it, and returns the content overlays as plain deltas.
func advancedComposition(text string, d directives) (map[string]float64, map[string]float64, string) {
	baseline := shortFormBaseline
	if !shortFormRe.MatchString(text) && longFormRe.MatchString(text) {
		baseline = longFormBaseline
	}

	targets := map[string]float64{
		"cut_aggression":              baseline.ca,
		"pacing_multiplier":           baseline.pacing,
		"pattern_interrupt_every_sec": baseline.interrupt,
	}
	if d.hasCuts {
		avg := (d.cutLow + d.cutHigh) / 2
		if avg > 0 {
			iv := clampF(60/avg, baseline.cutMinSec, baseline.cutMaxSec)
			targets["pattern_interrupt_every_sec"] = iv
			if iv < baseline.interrupt {
				targets["cut_aggression"] = baseline.ca + 6
				targets["pacing_multiplier"] = baseline.pacing + 0.08
			} else if iv > baseline.interrupt {
				targets["cut_aggression"] = baseline.ca - 6
				targets["pacing_multiplier"] = baseline.pacing - 0.08
			}
		}
	}

	overlays := map[string]float64{}
	if tutorialRe.MatchString(text) {
		overlays["story_coherence_guard"] += 10
	}
	if vlogRe.MatchString(text) {
		overlays["emotion_amp"] += 8
	}
	if podcastRe.MatchString(text) {
		overlays["filler_trim_strength"] += 12
		overlays["silence_min_ms"] += -120
	}
	if strings.Contains(text, "best primary hook") {
		overlays["hook_priority_weight"] += 0.25
	}

	return targets, overlays, "mode spec " + baseline.name
}

func (t *Translator) fallback(ctx context.Context, base params.Params) (params.Params, []params.Change) {
	if t.engine != nil {
		window := &persistence.TimeRange{From: time.Now().UTC().Add(-fallbackRange), To: time.Now().UTC()}
		top, err := t.engine.Top(ctx, window, fallbackLimit)
		if err != nil {
			log.Warn().Err(err).Msg("Suggestion fallback unavailable")
		} else if top != nil && len(top.Deltas) > 0 {
			out, cs := params.ApplyDeltas(base, top.Deltas, StrategyFallback, top.Reason)
			if len(cs) > 0 {
				return out, cs
			}
		}
	}
	return params.ApplyDeltas(base, baselineNudge, StrategyFallback, "baseline nudge")
}

func setTo(p params.Params, key string, target float64, source, reason string) (params.Params, []params.Change) {
	prev, ok := p.Get(key)
	if !ok {
		return p, nil
	}
	next, _ := params.ClampValue(key, target)
	if next == prev {
		return p, nil
	}
	p.Set(key, next)
	return p, []params.Change{{Key: key, Previous: prev, Next: next, Delta: next - prev, Source: source, Reason: reason}}
}

func dropDirectiveKeys(deltas map[string]float64, sets map[string]float64) {
	for k := range deltas {
		if _, taken := sets[k]; taken {
			delete(deltas, k)
		}
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func blankSpans(text string, spans [][]int) string {
	b := []byte(text)
	for _, s := range spans {
		for i := s[0]; i < s[1] && i < len(b); i++ {
			b[i] = ' '
		}
	}
	return string(b)
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
