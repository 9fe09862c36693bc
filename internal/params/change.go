package params

import "sort"

// Change records one parameter move made by an automated writer (the
// suggestion engine, the feedback loop, or the prompt translator). Previous
// and Next are untyped so subtitle-mode rewrites share the audit shape with
// numeric moves.
type Change struct {
	Key      string      `json:"key"`
	Previous interface{} `json:"previous"`
	Next     interface{} `json:"next"`
	Delta    float64     `json:"delta"`
	Source   string      `json:"source"`
	Reason   string      `json:"reason,omitempty"`
}

// ApplyDeltas adds each delta to its numeric field and clamps the result to
// the field bounds. Unknown keys and moves that clamp away to nothing are
// dropped. Changes come back in key order so audit output is deterministic.
func ApplyDeltas(p Params, deltas map[string]float64, source, reason string) (Params, []Change) {
	keys := make([]string, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := p
	var changes []Change
	for _, key := range keys {
		prev, ok := out.Get(key)
		if !ok {
			continue
		}
		next, _ := ClampValue(key, prev+deltas[key])
		if next == prev {
			continue
		}
		out.Set(key, next)
		changes = append(changes, Change{
			Key:      key,
			Previous: prev,
			Next:     next,
			Delta:    next - prev,
			Source:   source,
			Reason:   reason,
		})
	}
	return out, changes
}
