package recognizer

import (
	"regexp"

	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/pattern"
	"github.com/raaihank/pii-sentinel/internal/rules"
)

// RuleRecognizer wraps one enabled rule and its compiled pattern.
// Disabled rules are filtered out during registry composition and never
// reach this type.
type RuleRecognizer struct {
	rule rules.Rule
	re   *regexp.Regexp
}

// NewRuleRecognizer builds a recognizer for a rule, resolving its
// compiled pattern through the shared cache. A rule whose pattern does
// not compile still gets a recognizer; it scans with a match-nothing
// matcher so the rest of the registry is unaffected.
func NewRuleRecognizer(rule rules.Rule, patterns *pattern.Cache, logger *zap.Logger) *RuleRecognizer {
	re, err := patterns.GetOrCompile(rule.Pattern)
	if err != nil {
		logger.Warn("Rule pattern invalid, rule will match nothing",
			zap.String("rule_id", rule.ID),
			zap.Error(err))
	}
	return &RuleRecognizer{rule: rule, re: re}
}

// Rule returns the rule backing this recognizer.
func (r *RuleRecognizer) Rule() rules.Rule { return r.rule }

// Analyze scans the full text and emits one result per match, tagged
// with the rule's entity type and confidence. Overlap handling is the
// detection engine's job, not this layer's.
func (r *RuleRecognizer) Analyze(text string) []Result {
	locs := r.re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}

	results := make([]Result, 0, len(locs))
	for _, loc := range locs {
		if loc[0] == loc[1] {
			continue // zero-width match carries no span to mask
		}
		results = append(results, Result{
			EntityType: r.rule.EffectiveEntityType(),
			Start:      loc[0],
			End:        loc[1],
			Score:      r.rule.Confidence,
			Source:     SourceCustom,
		})
	}
	return results
}
