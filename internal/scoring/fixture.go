package scoring

// SampleAnalysis returns the synthetic 42-second render analysis used as
// the sample-footage fallback payload for jobs that carry no analysis.
func SampleAnalysis() map[string]interface{} {
	return map[string]interface{}{
		"duration":          42.0,
		"silence_ratio":     0.13,
		"jump_cut_severity": 0.29,
		"engagement_windows": []interface{}{
			map[string]interface{}{"start": 0.0, "end": 4.0, "score": 0.84},
			map[string]interface{}{"start": 4.0, "end": 12.0, "score": 0.61},
			map[string]interface{}{"start": 12.0, "end": 20.0, "score": 0.40},
			map[string]interface{}{"start": 20.0, "end": 30.0, "score": 0.72},
			map[string]interface{}{"start": 30.0, "end": 42.0, "score": 0.66},
		},
	}
}
