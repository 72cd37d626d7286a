package recognizer

import (
	"sort"

	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/pattern"
	"github.com/raaihank/pii-sentinel/internal/rules"
)

// Registry composes the active recognizers for one rule generation:
// the statistical recognizer plus one RuleRecognizer per enabled rule.
// A registry is a derived, disposable artifact; it is rebuilt from a
// rule snapshot whenever the generation moves and never persisted.
type Registry struct {
	statistical Statistical
	custom      []*RuleRecognizer
	generation  uint64
	byType      map[string]rules.Rule // enabled rules keyed by entity type
}

// BuildRegistry instantiates recognizers for every enabled rule in the
// snapshot. Building holds no locks and touches no shared state beyond
// the pattern cache, so concurrent builds for the same generation race
// harmlessly to an identical result.
func BuildRegistry(snapshot []rules.Rule, generation uint64, statistical Statistical, patterns *pattern.Cache, logger *zap.Logger) *Registry {
	reg := &Registry{
		statistical: statistical,
		generation:  generation,
		byType:      make(map[string]rules.Rule),
	}

	for _, rule := range snapshot {
		if !rule.Enabled {
			continue
		}
		reg.custom = append(reg.custom, NewRuleRecognizer(rule, patterns, logger))
		entityType := rule.EffectiveEntityType()
		if _, exists := reg.byType[entityType]; !exists {
			reg.byType[entityType] = rule
		}
	}

	logger.Debug("Recognizer registry built",
		zap.Uint64("generation", generation),
		zap.Int("custom_recognizers", len(reg.custom)))
	return reg
}

// Generation returns the rule generation this registry was built from.
func (r *Registry) Generation() uint64 { return r.generation }

// Custom returns the rule-backed recognizers.
func (r *Registry) Custom() []*RuleRecognizer { return r.custom }

// Statistical returns the statistical recognizer.
func (r *Registry) Statistical() Statistical { return r.statistical }

// RuleForType returns the enabled rule whose entity type matches, used
// to resolve categories and masking methods for custom results.
func (r *Registry) RuleForType(entityType string) (rules.Rule, bool) {
	rule, ok := r.byType[entityType]
	return rule, ok
}

// SupportedTypes returns the union of the statistical recognizer's
// fixed types and all enabled rules' entity types. This union is the
// default entity filter when the caller does not restrict types.
func (r *Registry) SupportedTypes() []string {
	seen := make(map[string]bool)
	var types []string

	if r.statistical != nil {
		for _, t := range r.statistical.SupportedTypes() {
			if !seen[t] {
				seen[t] = true
				types = append(types, t)
			}
		}
	}
	for entityType := range r.byType {
		if !seen[entityType] {
			seen[entityType] = true
			types = append(types, entityType)
		}
	}

	sort.Strings(types)
	return types
}
