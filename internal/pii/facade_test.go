package pii

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/detect"
	"github.com/raaihank/pii-sentinel/internal/pattern"
	"github.com/raaihank/pii-sentinel/internal/recognizer"
	"github.com/raaihank/pii-sentinel/internal/rules"
)

type nopStatistical struct{}

func (nopStatistical) Analyze(ctx context.Context, text, language string, allowed []string) ([]recognizer.Result, error) {
	return nil, nil
}
func (nopStatistical) SupportedTypes() []string { return nil }
func (nopStatistical) Close() error             { return nil }

func newTestService(t *testing.T) *Service {
	t.Helper()
	logger := zap.NewNop()
	store := rules.NewStore(filepath.Join(t.TempDir(), "rules.json"), logger)
	patterns := pattern.NewCache(100, logger)
	engine := detect.NewEngine(0.3, logger)
	service := New(store, patterns, engine, nopStatistical{}, logger)
	if err := service.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return service
}

func emailRule(id string) rules.Rule {
	r := rules.Rule{
		ID:         id,
		Name:       "email",
		Pattern:    `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
		EntityType: "email",
		Category:   "contact",
		Enabled:    true,
		Confidence: 0.9,
	}
	rules.ApplyDefaults(&r)
	return r
}

func TestServiceLifecycle(t *testing.T) {
	t.Run("DetectBeforeInit", func(t *testing.T) {
		logger := zap.NewNop()
		store := rules.NewStore(filepath.Join(t.TempDir(), "rules.json"), logger)
		service := New(store, pattern.NewCache(10, logger), detect.NewEngine(0.3, logger), nopStatistical{}, logger)

		if _, err := service.Detect(context.Background(), "text", "en"); !errors.Is(err, ErrNotInitialized) {
			t.Fatalf("Expected ErrNotInitialized, got %v", err)
		}
	})
}

func TestServiceDetect(t *testing.T) {
	t.Run("RuleMutationVisibleToNextDetect", func(t *testing.T) {
		service := newTestService(t)
		ctx := context.Background()
		text := "write to jane@corp.com"

		result, err := service.Detect(ctx, text, "en")
		if err != nil {
			t.Fatal(err)
		}
		if !result.IsSafe {
			t.Fatal("No rules installed yet, text should be safe")
		}

		if _, err := service.AddRule(emailRule("r1")); err != nil {
			t.Fatal(err)
		}
		result, err = service.Detect(ctx, text, "en")
		if err != nil {
			t.Fatal(err)
		}
		if result.IsSafe || len(result.Entities) != 1 {
			t.Fatalf("New rule must take effect immediately, got %+v", result)
		}

		// Disabling the rule makes the same text safe again.
		enabled := false
		if _, err := service.UpdateRule("r1", RulePatch{Enabled: &enabled}); err != nil {
			t.Fatal(err)
		}
		result, err = service.Detect(ctx, text, "en")
		if err != nil {
			t.Fatal(err)
		}
		if !result.IsSafe {
			t.Error("Disabled rule must stop matching")
		}
	})

	t.Run("Deterministic", func(t *testing.T) {
		service := newTestService(t)
		if _, err := service.AddRule(emailRule("r1")); err != nil {
			t.Fatal(err)
		}

		ctx := context.Background()
		text := "a@b.co and c@d.co"
		first, err := service.Detect(ctx, text, "en")
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 5; i++ {
			again, err := service.Detect(ctx, text, "en")
			if err != nil {
				t.Fatal(err)
			}
			if again.MaskedText != first.MaskedText || len(again.Entities) != len(first.Entities) {
				t.Fatal("Repeated detection must be deterministic")
			}
		}
	})
}

func TestServiceBatchDetect(t *testing.T) {
	service := newTestService(t)
	if _, err := service.AddRule(emailRule("r1")); err != nil {
		t.Fatal(err)
	}

	batch, err := service.BatchDetect(context.Background(), []string{
		"clean line",
		"dirty jane@corp.com line",
		"also clean",
	}, "en")
	if err != nil {
		t.Fatal(err)
	}
	if batch.IsSafe {
		t.Error("Batch with a match must not be safe")
	}
	if len(batch.Results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(batch.Results))
	}
	if batch.TotalEntities != 1 {
		t.Errorf("Expected 1 entity total, got %d", batch.TotalEntities)
	}
	entity := batch.Results[1].Entities[0]
	if entity.Line != 1 {
		t.Errorf("Entity must carry its text index, got line %d", entity.Line)
	}
	if len(batch.EntityTypes) != 1 || batch.EntityTypes[0] != "email" {
		t.Errorf("Unexpected entity types %+v", batch.EntityTypes)
	}
}

func TestServiceRuleManagement(t *testing.T) {
	t.Run("AddDuplicateID", func(t *testing.T) {
		service := newTestService(t)
		if _, err := service.AddRule(emailRule("r1")); err != nil {
			t.Fatal(err)
		}
		_, err := service.AddRule(emailRule("r1"))
		var validationErr *rules.ValidationError
		if !errors.As(err, &validationErr) {
			t.Fatalf("Expected ValidationError for duplicate id, got %v", err)
		}
	})

	t.Run("GetUnknownRule", func(t *testing.T) {
		service := newTestService(t)
		_, err := service.GetRule("ghost")
		var notFound *rules.NotFoundError
		if !errors.As(err, &notFound) {
			t.Fatalf("Expected NotFoundError, got %v", err)
		}
	})

	t.Run("PatchOnlyNamedFields", func(t *testing.T) {
		service := newTestService(t)
		if _, err := service.AddRule(emailRule("r1")); err != nil {
			t.Fatal(err)
		}

		confidence := 0.4
		updated, err := service.UpdateRule("r1", RulePatch{Confidence: &confidence})
		if err != nil {
			t.Fatal(err)
		}
		if updated.Confidence != 0.4 {
			t.Errorf("Confidence not patched: %f", updated.Confidence)
		}
		if updated.Pattern != emailRule("r1").Pattern {
			t.Error("Unpatched fields must be preserved")
		}
	})

	t.Run("BulkPartialSuccess", func(t *testing.T) {
		service := newTestService(t)
		bad := emailRule("bad")
		bad.Pattern = "(unterminated"

		report, err := service.BulkUpdateRules([]rules.Rule{emailRule("good"), bad})
		if err != nil {
			t.Fatal(err)
		}
		if len(report.Applied) != 1 || report.Applied[0].ID != "good" {
			t.Errorf("Expected good rule applied, got %+v", report.Applied)
		}
		if len(report.Rejected) != 1 || !strings.Contains(report.Rejected[0].Reason, "pattern") {
			t.Errorf("Expected pattern rejection, got %+v", report.Rejected)
		}
	})

	t.Run("Reload", func(t *testing.T) {
		service := newTestService(t)
		if _, err := service.AddRule(emailRule("r1")); err != nil {
			t.Fatal(err)
		}
		before := service.Generation()
		if err := service.ReloadRules(); err != nil {
			t.Fatal(err)
		}
		if service.Generation() == before {
			t.Error("Reload must bump the generation")
		}
		if len(service.GetRules()) != 1 {
			t.Error("Reload must re-read the persisted rule")
		}
	})
}

func TestServicePreview(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	text := "call me at jane@corp.com"

	t.Run("TemporaryRuleAppliesOnlyToPreview", func(t *testing.T) {
		temp := emailRule("")
		temp.ID = "" // preview assigns a transient id

		result, err := service.Preview(ctx, text, "en", []rules.Rule{temp})
		if err != nil {
			t.Fatal(err)
		}
		if !result.PreviewOnly {
			t.Error("Preview result must be flagged")
		}
		if result.IsSafe {
			t.Error("Temporary rule should match within the preview")
		}

		// The committed state is untouched.
		if len(service.GetRules()) != 0 {
			t.Error("Preview must not persist rules")
		}
		normal, err := service.Detect(ctx, text, "en")
		if err != nil {
			t.Fatal(err)
		}
		if !normal.IsSafe {
			t.Error("Detection after preview must not see the temporary rule")
		}
	})

	t.Run("InvalidTemporaryRule", func(t *testing.T) {
		bad := emailRule("tmp")
		bad.Pattern = "(unterminated"
		_, err := service.Preview(ctx, text, "en", []rules.Rule{bad})
		var validationErr *rules.ValidationError
		if !errors.As(err, &validationErr) {
			t.Fatalf("Expected ValidationError, got %v", err)
		}
	})
}

func TestServiceConcurrency(t *testing.T) {
	service := newTestService(t)
	if _, err := service.AddRule(emailRule("r1")); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := service.Detect(ctx, "ping jane@corp.com", "en"); err != nil {
					t.Errorf("Detect failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		enabled := false
		reenabled := true
		for j := 0; j < 20; j++ {
			if _, err := service.UpdateRule("r1", RulePatch{Enabled: &enabled}); err != nil {
				t.Errorf("UpdateRule failed: %v", err)
				return
			}
			if _, err := service.UpdateRule("r1", RulePatch{Enabled: &reenabled}); err != nil {
				t.Errorf("UpdateRule failed: %v", err)
				return
			}
		}
	}()
	wg.Wait()
}
