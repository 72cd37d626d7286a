package detect

import (
	"strings"
	"testing"

	"github.com/raaihank/pii-sentinel/internal/rules"
)

func TestAnonymize(t *testing.T) {
	t.Run("NoEntitiesReturnsOriginal", func(t *testing.T) {
		text := "nothing sensitive here"
		if got := Anonymize(text, nil, nil); got != text {
			t.Errorf("Expected original text, got %q", got)
		}
	})

	t.Run("MaskPreservesShape", func(t *testing.T) {
		text := "email me at john.doe@corp.com today"
		entities := []Entity{{Type: "email", Start: 12, End: 29}}
		methods := map[string]string{"email": rules.MaskingMask}

		got := Anonymize(text, entities, methods)
		want := "email me at XXXX.XXX@XXXX.XXX today"
		if got != want {
			t.Errorf("Anonymize() = %q, want %q", got, want)
		}
		if len(got) != len(text) {
			t.Errorf("Mask must preserve length: got %d, want %d", len(got), len(text))
		}
	})

	t.Run("RedactReplacesWholeSpan", func(t *testing.T) {
		text := "ssn 123-45-6789 on file"
		entities := []Entity{{Type: "ssn", Start: 4, End: 15}}
		methods := map[string]string{"ssn": rules.MaskingRedact}

		got := Anonymize(text, entities, methods)
		if got != "ssn [REDACTED] on file" {
			t.Errorf("Anonymize() = %q", got)
		}
	})

	t.Run("HashIsDeterministic", func(t *testing.T) {
		text := "card 4111111111111111 used"
		entities := []Entity{{Type: "card", Start: 5, End: 21}}
		methods := map[string]string{"card": rules.MaskingHash}

		first := Anonymize(text, entities, methods)
		second := Anonymize(text, entities, methods)
		if first != second {
			t.Error("Hash masking must be deterministic")
		}
		if strings.Contains(first, "4111111111111111") {
			t.Error("Hashed value still contains the original span")
		}
		digest := strings.TrimSuffix(strings.TrimPrefix(first, "card "), " used")
		if len(digest) != 16 {
			t.Errorf("Expected 16-char digest, got %q", digest)
		}
	})

	t.Run("UnknownMethodFallsBackToMask", func(t *testing.T) {
		text := "id ABC123"
		entities := []Entity{{Type: "id", Start: 3, End: 9}}
		got := Anonymize(text, entities, map[string]string{"id": "sparkle"})
		if got != "id XXXXXX" {
			t.Errorf("Anonymize() = %q", got)
		}
	})

	t.Run("OverlappingSpans", func(t *testing.T) {
		// Second span starts inside the first; only its uncovered tail
		// may be emitted, and nothing is duplicated.
		text := "0123456789"
		entities := []Entity{
			{Type: "a", Start: 2, End: 6},
			{Type: "b", Start: 4, End: 8},
		}
		methods := map[string]string{"a": rules.MaskingMask, "b": rules.MaskingMask}

		got := Anonymize(text, entities, methods)
		if got != "01XXXXXX89" {
			t.Errorf("Anonymize() = %q, want %q", got, "01XXXXXX89")
		}
	})

	t.Run("ContainedSpanNotReEmitted", func(t *testing.T) {
		text := "0123456789"
		entities := []Entity{
			{Type: "a", Start: 1, End: 9},
			{Type: "b", Start: 3, End: 5},
		}
		methods := map[string]string{"a": rules.MaskingRedact, "b": rules.MaskingMask}

		got := Anonymize(text, entities, methods)
		if got != "0[REDACTED]9" {
			t.Errorf("Anonymize() = %q", got)
		}
	})

	t.Run("TextOutsideSpansUntouched", func(t *testing.T) {
		text := "prefix SECRET suffix"
		entities := []Entity{{Type: "x", Start: 7, End: 13}}
		got := Anonymize(text, entities, map[string]string{"x": rules.MaskingMask})
		if !strings.HasPrefix(got, "prefix ") || !strings.HasSuffix(got, " suffix") {
			t.Errorf("Text outside spans must be untouched: %q", got)
		}
	})

	t.Run("OutOfBoundsSpansIgnored", func(t *testing.T) {
		text := "short"
		entities := []Entity{
			{Type: "x", Start: -1, End: 3},
			{Type: "x", Start: 2, End: 99},
			{Type: "x", Start: 3, End: 3},
		}
		got := Anonymize(text, entities, map[string]string{"x": rules.MaskingMask})
		if got != text {
			t.Errorf("Invalid spans must be ignored, got %q", got)
		}
	})
}
