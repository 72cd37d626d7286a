package detect

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/recognizer"
	"github.com/raaihank/pii-sentinel/internal/rules"
)

// DefaultScoreThreshold filters out low-confidence matches.
const DefaultScoreThreshold = 0.3

// Entity is the public result unit: one detected span with its
// resolved category.
type Entity struct {
	Type     string  `json:"type"`
	Text     string  `json:"text"`
	Start    int     `json:"start"`
	End      int     `json:"end"`
	Score    float64 `json:"score"`
	Category string  `json:"category"`
	IsCustom bool    `json:"is_custom"`
	Line     int     `json:"line,omitempty"` // set by batch detection
}

// Analysis summarizes a detection pass.
type Analysis struct {
	Language            string   `json:"language"`
	EntityTypes         []string `json:"entity_types"`
	RiskLevel           string   `json:"risk_level"`
	CustomEntitiesFound bool     `json:"custom_entities_found"`
}

// Result is the outcome of one detection pass.
type Result struct {
	IsSafe      bool     `json:"is_safe"`
	MaskedText  string   `json:"masked_text"`
	Entities    []Entity `json:"entities"`
	Analysis    Analysis `json:"analysis"`
	PreviewOnly bool     `json:"preview_only,omitempty"`
}

// StatisticalError reports a statistical recognizer failure. It is
// returned alongside the partial result assembled from the custom
// rules, never instead of it.
type StatisticalError struct {
	Err error
}

func (e *StatisticalError) Error() string {
	return fmt.Sprintf("statistical recognizer failed: %v", e.Err)
}

func (e *StatisticalError) Unwrap() error { return e.Err }

// Engine orchestrates a single detection pass over a registry.
type Engine struct {
	threshold float64
	logger    *zap.Logger
}

// NewEngine creates a detection engine. A non-positive threshold falls
// back to DefaultScoreThreshold.
func NewEngine(threshold float64, logger *zap.Logger) *Engine {
	if threshold <= 0 {
		threshold = DefaultScoreThreshold
	}
	return &Engine{threshold: threshold, logger: logger}
}

// Detect runs every recognizer in the registry against the text and
// fuses the results. Results are not merged across recognizers: a span
// may appear under multiple types when both a rule and the statistical
// recognizer match it. Everything above the threshold is reported so
// masking covers every span.
//
// When the statistical recognizer errors, the partial result built
// from the custom rules is returned together with a *StatisticalError.
func (e *Engine) Detect(ctx context.Context, reg *recognizer.Registry, text, language string, entityFilter []string) (*Result, error) {
	start := time.Now()

	allowed := entityFilter
	if len(allowed) == 0 {
		allowed = reg.SupportedTypes()
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, t := range allowed {
		allowedSet[t] = true
	}

	var raw []recognizer.Result
	for _, rr := range reg.Custom() {
		raw = append(raw, rr.Analyze(text)...)
	}

	var statErr error
	if stat := reg.Statistical(); stat != nil {
		statResults, err := stat.Analyze(ctx, text, language, allowed)
		if err != nil {
			statErr = &StatisticalError{Err: err}
			e.logger.Warn("Statistical recognizer failed, returning custom-rule results only",
				zap.Error(err))
		} else {
			raw = append(raw, statResults...)
		}
	}

	entities := make([]Entity, 0, len(raw))
	for _, r := range raw {
		if r.Score < e.threshold || !allowedSet[r.EntityType] {
			continue
		}
		if r.Start < 0 || r.End > len(text) || r.Start >= r.End {
			continue
		}
		entities = append(entities, Entity{
			Type:     r.EntityType,
			Text:     text[r.Start:r.End],
			Start:    r.Start,
			End:      r.End,
			Score:    r.Score,
			Category: e.resolveCategory(reg, r.EntityType),
			IsCustom: isCustomType(reg, r.EntityType),
		})
	}

	// Deterministic ordering regardless of recognizer iteration order.
	sort.SliceStable(entities, func(i, j int) bool {
		if entities[i].Start != entities[j].Start {
			return entities[i].Start < entities[j].Start
		}
		if entities[i].End != entities[j].End {
			return entities[i].End < entities[j].End
		}
		return entities[i].Type < entities[j].Type
	})

	result := &Result{
		IsSafe:     len(entities) == 0,
		MaskedText: Anonymize(text, entities, maskingMethods(reg, entities)),
		Entities:   entities,
		Analysis: Analysis{
			Language:            language,
			EntityTypes:         distinctTypes(entities),
			RiskLevel:           ScoreRisk(entities),
			CustomEntitiesFound: anyCustom(entities),
		},
	}

	e.logger.Debug("Detection pass finished",
		zap.Int("entities", len(entities)),
		zap.String("risk_level", result.Analysis.RiskLevel),
		zap.Duration("duration", time.Since(start)))

	return result, statErr
}

// resolveCategory picks the category for an entity type: an enabled
// rule's category wins, then the fixed statistical table, then "other".
func (e *Engine) resolveCategory(reg *recognizer.Registry, entityType string) string {
	if rule, ok := reg.RuleForType(entityType); ok {
		return rule.Category
	}
	if category, ok := recognizer.StatisticalCategory(entityType); ok {
		return category
	}
	return "other"
}

func isCustomType(reg *recognizer.Registry, entityType string) bool {
	_, ok := reg.RuleForType(entityType)
	return ok
}

// maskingMethods resolves the masking method per entity type present in
// the result. Statistical types have no rule and default to mask.
func maskingMethods(reg *recognizer.Registry, entities []Entity) map[string]string {
	methods := make(map[string]string)
	for _, e := range entities {
		if _, ok := methods[e.Type]; ok {
			continue
		}
		if rule, ok := reg.RuleForType(e.Type); ok {
			methods[e.Type] = rule.MaskingMethod
		} else {
			methods[e.Type] = rules.MaskingMask
		}
	}
	return methods
}

func distinctTypes(entities []Entity) []string {
	seen := make(map[string]bool)
	var types []string
	for _, e := range entities {
		if !seen[e.Type] {
			seen[e.Type] = true
			types = append(types, e.Type)
		}
	}
	sort.Strings(types)
	return types
}

func anyCustom(entities []Entity) bool {
	for _, e := range entities {
		if e.IsCustom {
			return true
		}
	}
	return false
}
