package rules

import (
	"fmt"
	"regexp"
	"time"
)

// TypeRegex is the only rule type currently supported. The field is kept
// open-ended in storage so older rule files with other types still load.
const TypeRegex = "REGEX"

// Masking methods applied to spans produced by a rule.
const (
	MaskingMask   = "mask"
	MaskingHash   = "hash"
	MaskingRedact = "redact"
)

// DefaultConfidence is the score reported for matches of a rule that
// does not declare its own confidence.
const DefaultConfidence = 0.7

// Rule is a single user-configurable detection directive.
type Rule struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Type          string    `json:"type"`
	Pattern       string    `json:"pattern,omitempty"`
	Description   string    `json:"description,omitempty"`
	EntityType    string    `json:"entity_type,omitempty"`
	Category      string    `json:"category"`
	Country       string    `json:"country"`
	Language      string    `json:"language"`
	Enabled       bool      `json:"enabled"`
	MaskingMethod string    `json:"masking_method"`
	Confidence    float64   `json:"confidence,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitzero"`
	UpdatedAt     time.Time `json:"updated_at,omitzero"`
}

// EffectiveEntityType returns the entity type this rule tags its matches
// with. The rule name doubles as the tag when no explicit type is set.
func (r Rule) EffectiveEntityType() string {
	if r.EntityType != "" {
		return r.EntityType
	}
	return r.Name
}

// SupportedCategories is the closed set of semantic rule categories.
var SupportedCategories = map[string]bool{
	"contact":   true,
	"financial": true,
	"id":        true,
	"location":  true,
	"technical": true,
	"medical":   true,
	"general":   true,
}

// SupportedCountries is the closed set of country scoping tags.
var SupportedCountries = map[string]bool{
	"international": true,
	"malaysia":      true,
	"singapore":     true,
	"brunei":        true,
	"china":         true,
}

// SupportedLanguages is the closed set of rule languages.
var SupportedLanguages = map[string]bool{
	"en": true,
	"ms": true,
	"zh": true,
}

// ValidationError describes why a rule was rejected. It is always
// returned to the caller, never swallowed.
type ValidationError struct {
	RuleID string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rule %q: invalid %s: %s", e.RuleID, e.Field, e.Reason)
}

// NotFoundError reports an unknown rule id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("rule %q not found", e.ID)
}

// ApplyDefaults fills the optional fields the same way the rule loader
// does, so a partially specified rule is usable after validation.
func ApplyDefaults(r *Rule) {
	if r.Type == "" {
		r.Type = TypeRegex
	}
	if r.Category == "" {
		r.Category = "general"
	}
	if r.Country == "" {
		r.Country = "international"
	}
	if r.Language == "" {
		r.Language = "en"
	}
	if r.MaskingMethod == "" {
		r.MaskingMethod = MaskingMask
	}
	if r.Confidence == 0 {
		r.Confidence = DefaultConfidence
	}
}

// Validate checks a rule against the closed field sets and compiles its
// pattern. Defaults should be applied before validation.
func Validate(r *Rule) error {
	if r.ID == "" {
		return &ValidationError{RuleID: r.ID, Field: "id", Reason: "must not be empty"}
	}
	if r.Name == "" {
		return &ValidationError{RuleID: r.ID, Field: "name", Reason: "must not be empty"}
	}
	if r.Type != TypeRegex {
		return &ValidationError{RuleID: r.ID, Field: "type", Reason: fmt.Sprintf("unsupported type %q", r.Type)}
	}
	if r.Pattern == "" {
		return &ValidationError{RuleID: r.ID, Field: "pattern", Reason: "required for REGEX rules"}
	}
	if _, err := regexp.Compile(r.Pattern); err != nil {
		return &ValidationError{RuleID: r.ID, Field: "pattern", Reason: err.Error()}
	}
	if !SupportedCategories[r.Category] {
		return &ValidationError{RuleID: r.ID, Field: "category", Reason: fmt.Sprintf("unknown category %q", r.Category)}
	}
	if !SupportedCountries[r.Country] {
		return &ValidationError{RuleID: r.ID, Field: "country", Reason: fmt.Sprintf("unknown country %q", r.Country)}
	}
	if !SupportedLanguages[r.Language] {
		return &ValidationError{RuleID: r.ID, Field: "language", Reason: fmt.Sprintf("unknown language %q", r.Language)}
	}
	switch r.MaskingMethod {
	case MaskingMask, MaskingHash, MaskingRedact:
	default:
		return &ValidationError{RuleID: r.ID, Field: "masking_method", Reason: fmt.Sprintf("unknown masking method %q", r.MaskingMethod)}
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return &ValidationError{RuleID: r.ID, Field: "confidence", Reason: "must be within [0,1]"}
	}
	return nil
}
