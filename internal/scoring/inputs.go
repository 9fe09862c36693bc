package scoring

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Input carries the loosely-typed render payload the engine evaluates.
// Transcript and CutList accept every shape the upstream pipeline emits;
// normalization happens here, in one place, and nothing is rejected.
type Input struct {
	Analysis   map[string]interface{} `json:"analysis"`
	Transcript interface{}            `json:"transcript,omitempty"`
	CutList    interface{}            `json:"cut_list,omitempty"`
}

// Cue is one normalized transcript interval.
type Cue struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Window is one engagement interval with a score in [0,1].
type Window struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Score float64 `json:"score"`
}

// Span is one cut-plan segment boundary pair.
type Span struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

const (
	minDurationSec = 1
	maxDurationSec = 21600 // 6h

	autoChunkTarget   = 4.2
	autoChunkMinCount = 6
	autoChunkMaxCount = 24
	autoChunkMinWidth = 1.5
	autoChunkMaxWidth = 6.5
)

// num coerces the numeric shapes a JSON decoder can hand us.
func num(v interface{}) (float64, bool) {
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

// field reads a key from a map trying snake_case first, then the camelCase
// aliases the older pipeline used.
func field(m map[string]interface{}, keys ...string) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func numField(m map[string]interface{}, keys ...string) (float64, bool) {
	v, ok := field(m, keys...)
	if !ok {
		return 0, false
	}
	return num(v)
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func asSlice(v interface{}) ([]interface{}, bool) {
	s, ok := v.([]interface{})
	return s, ok
}

// resolveDuration picks the first positive of the analysis duration, the
// metadata duration, and the furthest explicit segment end, clamped to
// [1s, 6h].
func resolveDuration(analysis map[string]interface{}, explicit []Span) float64 {
	d, _ := numField(analysis, "duration", "durationSec", "duration_sec")
	if d <= 0 {
		if meta, ok := asMap(valueOf(analysis, "metadata")); ok {
			d, _ = numField(meta, "duration", "durationSec", "duration_sec")
		}
	}
	if d <= 0 {
		for _, s := range explicit {
			if s.End > d {
				d = s.End
			}
		}
	}
	if math.IsNaN(d) {
		d = 0
	}
	return math.Max(minDurationSec, math.Min(maxDurationSec, d))
}

func valueOf(m map[string]interface{}, key string) interface{} {
	if m == nil {
		return nil
	}
	return m[key]
}

// normalizeWindows extracts engagement windows from the analysis. Absent or
// empty input yields one neutral full-span window and present=false.
func normalizeWindows(analysis map[string]interface{}, duration float64) ([]Window, bool) {
	raw, ok := field(analysis, "engagement_windows", "engagementWindows", "windows")
	if !ok {
		return []Window{{Start: 0, End: duration, Score: 0.5}}, false
	}
	items, ok := asSlice(raw)
	if !ok || len(items) == 0 {
		return []Window{{Start: 0, End: duration, Score: 0.5}}, false
	}

	out := make([]Window, 0, len(items))
	for _, item := range items {
		m, ok := asMap(item)
		if !ok {
			continue
		}
		start, _ := numField(m, "start", "s", "from")
		end, _ := numField(m, "end", "e", "to")
		score, hasScore := numField(m, "score", "value", "engagement")
		if !hasScore {
			score = 0.5
		}
		if end <= start {
			continue
		}
		out = append(out, Window{Start: start, End: end, Score: clamp01(score)})
	}
	if len(out) == 0 {
		return []Window{{Start: 0, End: duration, Score: 0.5}}, false
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, true
}

// normalizeTranscript collapses the transcript variants to sorted cues:
// a plain string becomes one cue spanning the full duration; arrays accept
// start/s/from, end/e/to and text/content/line keys; wrapper objects may
// carry the array under segments or words.
func normalizeTranscript(v interface{}, duration float64) ([]Cue, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, false
		}
		return []Cue{{Start: 0, End: duration, Text: t}}, true
	case []interface{}:
		return cuesFromArray(t)
	case map[string]interface{}:
		if inner, ok := field(t, "segments", "words", "cues"); ok {
			if arr, ok := asSlice(inner); ok {
				return cuesFromArray(arr)
			}
		}
		if text, ok := field(t, "text", "content", "transcript"); ok {
			if s, ok := text.(string); ok && strings.TrimSpace(s) != "" {
				return []Cue{{Start: 0, End: duration, Text: s}}, true
			}
		}
		return nil, false
	}
	return nil, false
}

func cuesFromArray(items []interface{}) ([]Cue, bool) {
	out := make([]Cue, 0, len(items))
	for _, item := range items {
		switch c := item.(type) {
		case string:
			if strings.TrimSpace(c) != "" {
				out = append(out, Cue{Text: c})
			}
		case map[string]interface{}:
			start, _ := numField(c, "start", "s", "from")
			end, _ := numField(c, "end", "e", "to")
			text := ""
			if raw, ok := field(c, "text", "content", "line", "word"); ok {
				if s, ok := raw.(string); ok {
					text = s
				}
			}
			if end < start {
				end = start
			}
			if strings.TrimSpace(text) == "" && end == start {
				continue
			}
			out = append(out, Cue{Start: start, End: end, Text: text})
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, true
}

// normalizeSegments extracts the cut plan: cut_list.segments, a bare
// cut_list array, or analysis.editPlan.segments. When none exist the
// timeline is auto-chunked against the resolved duration.
func normalizeSegments(cutList interface{}, analysis map[string]interface{}) ([]Span, bool) {
	if spans := spansFrom(cutList); len(spans) > 0 {
		return spans, true
	}
	if plan, ok := field(analysis, "editPlan", "edit_plan"); ok {
		if m, ok := asMap(plan); ok {
			if spans := spansFrom(valueOf(m, "segments")); len(spans) > 0 {
				return spans, true
			}
		}
	}
	return nil, false
}

func spansFrom(v interface{}) []Span {
	switch t := v.(type) {
	case nil:
		return nil
	case []interface{}:
		return spansFromArray(t)
	case map[string]interface{}:
		if inner, ok := field(t, "segments", "cuts", "clips"); ok {
			if arr, ok := asSlice(inner); ok {
				return spansFromArray(arr)
			}
		}
	}
	return nil
}

func spansFromArray(items []interface{}) []Span {
	out := make([]Span, 0, len(items))
	for _, item := range items {
		m, ok := asMap(item)
		if !ok {
			continue
		}
		start, _ := numField(m, "start", "s", "from", "startTime", "start_time")
		end, _ := numField(m, "end", "e", "to", "endTime", "end_time")
		if end <= start {
			continue
		}
		out = append(out, Span{Start: start, End: end})
	}
	if len(out) == 0 {
		return nil
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// autoChunk tiles the timeline into round(duration/4.2) buckets, between 6
// and 24, each clamped to [1.5s, 6.5s] width.
func autoChunk(duration float64) []Span {
	n := int(math.Round(duration / autoChunkTarget))
	if n < autoChunkMinCount {
		n = autoChunkMinCount
	}
	if n > autoChunkMaxCount {
		n = autoChunkMaxCount
	}
	width := duration / float64(n)
	width = math.Max(autoChunkMinWidth, math.Min(autoChunkMaxWidth, width))

	out := make([]Span, n)
	for i := 0; i < n; i++ {
		out[i] = Span{Start: float64(i) * width, End: float64(i+1) * width}
	}
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
