package recognizer

import (
	"context"
	"regexp"

	"go.uber.org/zap"
)

// nerPattern pairs a compiled pattern with the fixed score its matches
// report. Scores reflect how specific each pattern is.
type nerPattern struct {
	re    *regexp.Regexp
	score float64
}

// PatternNER is the default statistical recognizer: a deterministic
// regex table covering the structured subset of the fixed entity types.
// It keeps the engine fully functional without native inference deps;
// the ONNX recognizer replaces it when higher recall on unstructured
// types (PERSON, LOCATION) is needed.
type PatternNER struct {
	patterns map[string]nerPattern
	logger   *zap.Logger
}

// NewPatternNER builds the pattern recognizer.
func NewPatternNER(logger *zap.Logger) *PatternNER {
	return &PatternNER{
		logger: logger,
		patterns: map[string]nerPattern{
			"EMAIL_ADDRESS": {
				re:    regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
				score: 0.85,
			},
			"PHONE_NUMBER": {
				re:    regexp.MustCompile(`\b(?:\+?\d{1,3}[-. ]?)?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`),
				score: 0.6,
			},
			"CREDIT_CARD": {
				re:    regexp.MustCompile(`\b\d{4}[ -]?\d{4}[ -]?\d{4}[ -]?\d{4}\b`),
				score: 0.7,
			},
			"IBAN_CODE": {
				re:    regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`),
				score: 0.6,
			},
			"TAX_ID": {
				re:    regexp.MustCompile(`\b\d{2}-\d{7}\b`),
				score: 0.5,
			},
			"IP_ADDRESS": {
				re:    regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
				score: 0.6,
			},
			"MAC_ADDRESS": {
				re:    regexp.MustCompile(`\b(?:[0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}\b`),
				score: 0.8,
			},
		},
	}
}

// SupportedTypes returns the full fixed type set. Types without a
// pattern simply never match in this implementation.
func (p *PatternNER) SupportedTypes() []string {
	return StatisticalTypes
}

// Analyze scans the text with every pattern whose type is allowed.
func (p *PatternNER) Analyze(ctx context.Context, text, language string, allowed []string) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var allowedSet map[string]bool
	if len(allowed) > 0 {
		allowedSet = make(map[string]bool, len(allowed))
		for _, t := range allowed {
			allowedSet[t] = true
		}
	}

	var results []Result
	for entityType, pat := range p.patterns {
		if allowedSet != nil && !allowedSet[entityType] {
			continue
		}
		for _, loc := range pat.re.FindAllStringIndex(text, -1) {
			results = append(results, Result{
				EntityType: entityType,
				Start:      loc[0],
				End:        loc[1],
				Score:      pat.score,
				Source:     SourceStatistical,
			})
		}
	}
	return results, nil
}

// Close implements Statistical; the pattern recognizer holds no resources.
func (p *PatternNER) Close() error { return nil }
