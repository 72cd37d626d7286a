package recognizer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Statistical is the opaque named-entity recognizer fused with the
// rule-backed recognizers. Implementations may be slow or fallible;
// callers bound them with the context.
type Statistical interface {
	// Analyze returns typed, scored spans found in the text. Only types
	// listed in allowed should be reported; an empty allowed slice means
	// no restriction.
	Analyze(ctx context.Context, text, language string, allowed []string) ([]Result, error)
	// SupportedTypes returns the fixed entity types this recognizer can emit.
	SupportedTypes() []string
	// Close releases any resources held by the recognizer.
	Close() error
}

// StatisticalTypes is the fixed set of entity types emitted by the
// bundled statistical recognizers.
var StatisticalTypes = []string{
	"PERSON", "EMAIL_ADDRESS", "PHONE_NUMBER",
	"CREDIT_CARD", "IBAN_CODE", "LOCATION",
	"PASSPORT", "DRIVER_LICENSE", "TAX_ID",
	"BANK_ACCOUNT", "ID_CARD", "MAC_ADDRESS",
	"IP_ADDRESS", "NRP", "MEDICAL_LICENSE",
}

var statisticalCategories = map[string]string{
	"PERSON":          "personal",
	"EMAIL_ADDRESS":   "contact",
	"PHONE_NUMBER":    "contact",
	"CREDIT_CARD":     "financial",
	"IBAN_CODE":       "financial",
	"BANK_ACCOUNT":    "financial",
	"TAX_ID":          "financial",
	"LOCATION":        "location",
	"PASSPORT":        "id",
	"DRIVER_LICENSE":  "id",
	"ID_CARD":         "id",
	"MAC_ADDRESS":     "technical",
	"IP_ADDRESS":      "technical",
	"NRP":             "medical",
	"MEDICAL_LICENSE": "medical",
}

// StatisticalCategory resolves the semantic category of a statistical
// entity type. The second return reports whether the type is known.
func StatisticalCategory(entityType string) (string, bool) {
	c, ok := statisticalCategories[entityType]
	return c, ok
}

// Recognizer service types, mirroring the configured backend.
const (
	TypePattern = "pattern"
	TypeONNX    = "onnx"
)

// Config selects and configures the statistical recognizer backend.
type Config struct {
	Type          string        `yaml:"type" mapstructure:"type"`                     // pattern or onnx
	ModelPath     string        `yaml:"model_path" mapstructure:"model_path"`         // ONNX token-classification model
	TokenizerPath string        `yaml:"tokenizer_path" mapstructure:"tokenizer_path"` // HuggingFace tokenizer.json
	LabelsPath    string        `yaml:"labels_path" mapstructure:"labels_path"`       // id2label mapping JSON
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`               // per-call inference budget
}

// NewStatistical creates the configured statistical recognizer.
// The ONNX backend is only available when built with the 'onnx' tag;
// the default build serves the deterministic pattern recognizer.
func NewStatistical(cfg Config, logger *zap.Logger) (Statistical, error) {
	switch cfg.Type {
	case "", TypePattern:
		logger.Info("Using pattern-based statistical recognizer")
		return NewPatternNER(logger), nil
	case TypeONNX:
		rec, err := newONNXRecognizer(cfg, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("Using ONNX statistical recognizer",
			zap.String("model", cfg.ModelPath))
		return rec, nil
	default:
		return nil, fmt.Errorf("unknown recognizer type: %s (must be pattern or onnx)", cfg.Type)
	}
}
