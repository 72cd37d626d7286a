package detect

// Qualitative risk levels derived from a detected entity list.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// ScoreRisk maps an entity list to a risk level. The thresholds are an
// externally observed contract; callers assert exact levels for exact
// inputs, so they must not drift.
func ScoreRisk(entities []Entity) string {
	if len(entities) == 0 {
		return RiskLow
	}

	var sum float64
	categories := make(map[string]bool)
	for _, e := range entities {
		sum += e.Score
		categories[e.Category] = true
	}
	avg := sum / float64(len(entities))

	switch {
	case avg > 0.8 && len(categories) > 2:
		return RiskHigh
	case avg > 0.6 || len(categories) > 1:
		return RiskMedium
	default:
		return RiskLow
	}
}
