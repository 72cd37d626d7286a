package detect

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/pattern"
	"github.com/raaihank/pii-sentinel/internal/recognizer"
	"github.com/raaihank/pii-sentinel/internal/rules"
)

// fakeStatistical returns canned results, or fails on demand.
type fakeStatistical struct {
	results []recognizer.Result
	err     error
}

func (f *fakeStatistical) Analyze(ctx context.Context, text, language string, allowed []string) ([]recognizer.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func (f *fakeStatistical) SupportedTypes() []string { return recognizer.StatisticalTypes }
func (f *fakeStatistical) Close() error             { return nil }

func emailRule() rules.Rule {
	r := rules.Rule{
		ID:         "email-rule",
		Name:       "corporate email",
		Pattern:    `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
		EntityType: "email",
		Category:   "contact",
		Enabled:    true,
		Confidence: 0.9,
	}
	rules.ApplyDefaults(&r)
	return r
}

func buildTestRegistry(t *testing.T, ruleSet []rules.Rule, stat recognizer.Statistical) *recognizer.Registry {
	t.Helper()
	logger := zap.NewNop()
	patterns := pattern.NewCache(100, logger)
	return recognizer.BuildRegistry(ruleSet, 1, stat, patterns, logger)
}

func TestEngineDetect(t *testing.T) {
	logger := zap.NewNop()
	engine := NewEngine(0.3, logger)

	t.Run("CustomRuleMatch", func(t *testing.T) {
		reg := buildTestRegistry(t, []rules.Rule{emailRule()}, &fakeStatistical{})

		result, err := engine.Detect(context.Background(), reg, "reach me at jane@corp.com please", "en", nil)
		if err != nil {
			t.Fatal(err)
		}
		if result.IsSafe {
			t.Error("Text with a match must not be safe")
		}
		if len(result.Entities) != 1 {
			t.Fatalf("Expected 1 entity, got %d", len(result.Entities))
		}
		e := result.Entities[0]
		if e.Type != "email" || e.Text != "jane@corp.com" {
			t.Errorf("Unexpected entity %+v", e)
		}
		if !e.IsCustom || e.Category != "contact" || e.Score != 0.9 {
			t.Errorf("Entity attribution wrong: %+v", e)
		}
		if !result.Analysis.CustomEntitiesFound {
			t.Error("Analysis should flag custom entities")
		}
		if result.Analysis.RiskLevel != RiskMedium {
			t.Errorf("Single 0.9-score entity should be medium risk, got %q", result.Analysis.RiskLevel)
		}
		if result.MaskedText == "reach me at jane@corp.com please" {
			t.Error("Masked text must differ from the original")
		}
	})

	t.Run("SafeText", func(t *testing.T) {
		reg := buildTestRegistry(t, []rules.Rule{emailRule()}, &fakeStatistical{})

		result, err := engine.Detect(context.Background(), reg, "no sensitive content", "en", nil)
		if err != nil {
			t.Fatal(err)
		}
		if !result.IsSafe {
			t.Error("Clean text should be safe")
		}
		if result.MaskedText != "no sensitive content" {
			t.Errorf("Safe text must pass through unchanged, got %q", result.MaskedText)
		}
		if result.Analysis.RiskLevel != RiskLow {
			t.Errorf("Expected low risk, got %q", result.Analysis.RiskLevel)
		}
	})

	t.Run("ThresholdFiltersLowScores", func(t *testing.T) {
		stat := &fakeStatistical{results: []recognizer.Result{
			{EntityType: "PHONE_NUMBER", Start: 0, End: 4, Score: 0.2, Source: recognizer.SourceStatistical},
		}}
		reg := buildTestRegistry(t, nil, stat)

		result, err := engine.Detect(context.Background(), reg, "text", "en", nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(result.Entities) != 0 {
			t.Errorf("Sub-threshold result must be dropped, got %+v", result.Entities)
		}
	})

	t.Run("EntityFilterRestrictsTypes", func(t *testing.T) {
		stat := &fakeStatistical{results: []recognizer.Result{
			{EntityType: "IP_ADDRESS", Start: 0, End: 7, Score: 0.6, Source: recognizer.SourceStatistical},
		}}
		reg := buildTestRegistry(t, []rules.Rule{emailRule()}, stat)

		result, err := engine.Detect(context.Background(), reg, "1.2.3.4 jane@corp.com", "en", []string{"email"})
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range result.Entities {
			if e.Type != "email" {
				t.Errorf("Filter should exclude type %q", e.Type)
			}
		}
		if len(result.Entities) != 1 {
			t.Errorf("Expected exactly the email entity, got %+v", result.Entities)
		}
	})

	t.Run("StatisticalFailureKeepsCustomResults", func(t *testing.T) {
		stat := &fakeStatistical{err: errors.New("model unavailable")}
		reg := buildTestRegistry(t, []rules.Rule{emailRule()}, stat)

		result, err := engine.Detect(context.Background(), reg, "jane@corp.com", "en", nil)
		var statErr *StatisticalError
		if !errors.As(err, &statErr) {
			t.Fatalf("Expected StatisticalError, got %v", err)
		}
		if result == nil {
			t.Fatal("Partial result must still be returned")
		}
		if len(result.Entities) != 1 {
			t.Errorf("Custom rule results must survive, got %+v", result.Entities)
		}
	})

	t.Run("StatisticalCategoryResolution", func(t *testing.T) {
		stat := &fakeStatistical{results: []recognizer.Result{
			{EntityType: "CREDIT_CARD", Start: 0, End: 4, Score: 0.7, Source: recognizer.SourceStatistical},
		}}
		reg := buildTestRegistry(t, nil, stat)

		result, err := engine.Detect(context.Background(), reg, "4111", "en", nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(result.Entities) != 1 {
			t.Fatalf("Expected 1 entity, got %d", len(result.Entities))
		}
		if result.Entities[0].Category != "financial" {
			t.Errorf("Expected financial category, got %q", result.Entities[0].Category)
		}
		if result.Entities[0].IsCustom {
			t.Error("Statistical entity must not be flagged as custom")
		}
	})

	t.Run("DeterministicOrdering", func(t *testing.T) {
		stat := &fakeStatistical{results: []recognizer.Result{
			{EntityType: "IP_ADDRESS", Start: 20, End: 27, Score: 0.6, Source: recognizer.SourceStatistical},
			{EntityType: "MAC_ADDRESS", Start: 0, End: 17, Score: 0.8, Source: recognizer.SourceStatistical},
		}}
		reg := buildTestRegistry(t, nil, stat)

		result, err := engine.Detect(context.Background(), reg, "00:1b:44:11:3a:b7 , 1.2.3.4", "en", nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(result.Entities) != 2 {
			t.Fatalf("Expected 2 entities, got %d", len(result.Entities))
		}
		if result.Entities[0].Start > result.Entities[1].Start {
			t.Error("Entities must be sorted by start offset")
		}
	})

	t.Run("DisabledRulesExcluded", func(t *testing.T) {
		disabled := emailRule()
		disabled.Enabled = false
		reg := buildTestRegistry(t, []rules.Rule{disabled}, &fakeStatistical{})

		result, err := engine.Detect(context.Background(), reg, "jane@corp.com", "en", nil)
		if err != nil {
			t.Fatal(err)
		}
		if !result.IsSafe {
			t.Errorf("Disabled rule must not match, got %+v", result.Entities)
		}
	})
}
