package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"

	"github.com/raaihank/pii-sentinel/internal/rules"
)

// RedactedPlaceholder replaces the whole span under the redact strategy.
const RedactedPlaceholder = "[REDACTED]"

// Anonymize produces the masked rendition of text. Every replacement is
// computed against the original text's offsets and the output assembled
// in a single left-to-right pass, so earlier replacements never shift
// later spans. Overlapping spans are masked independently: the portion
// of a span already covered by an earlier one is not re-emitted, and no
// character outside a detected span is altered.
//
// methods maps entity type to masking method; types without an entry
// (statistical types in particular) use mask.
func Anonymize(text string, entities []Entity, methods map[string]string) string {
	if len(entities) == 0 {
		return text
	}

	spans := make([]Entity, 0, len(entities))
	for _, e := range entities {
		if e.Start < 0 || e.End > len(text) || e.Start >= e.End {
			continue
		}
		spans = append(spans, e)
	}
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End < spans[j].End
	})

	var out strings.Builder
	out.Grow(len(text))
	cursor := 0

	for _, span := range spans {
		if span.End <= cursor {
			continue // fully inside an already-masked span
		}
		if span.Start > cursor {
			out.WriteString(text[cursor:span.Start])
		}
		start := span.Start
		if start < cursor {
			start = cursor
		}
		method := methods[span.Type]
		out.WriteString(maskSpan(text[start:span.End], method))
		cursor = span.End
	}
	if cursor < len(text) {
		out.WriteString(text[cursor:])
	}
	return out.String()
}

// maskSpan renders one span under its masking method. Unknown methods
// fall back to mask.
func maskSpan(span, method string) string {
	switch method {
	case rules.MaskingRedact:
		return RedactedPlaceholder
	case rules.MaskingHash:
		return hashSpan(span)
	default:
		return maskChars(span)
	}
}

// maskChars replaces letters and digits with X, preserving length and
// non-alphanumeric separators so the shape of the value stays readable.
func maskChars(span string) string {
	var b strings.Builder
	b.Grow(len(span))
	for _, r := range span {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune('X')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// hashSpan replaces the span with a short deterministic digest of its
// content.
func hashSpan(span string) string {
	sum := sha256.Sum256([]byte(span))
	return hex.EncodeToString(sum[:])[:16]
}
