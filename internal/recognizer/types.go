package recognizer

// Source identifies which kind of recognizer produced a result.
type Source string

const (
	// SourceCustom marks results produced by a rule-backed recognizer.
	SourceCustom Source = "custom"
	// SourceStatistical marks results from the statistical NER model.
	SourceStatistical Source = "statistical"
)

// Result is a single candidate match over the analyzed text.
// Offsets are byte offsets into the original text, 0 <= Start < End <= len(text).
type Result struct {
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
	Source     Source  `json:"source"`
}
