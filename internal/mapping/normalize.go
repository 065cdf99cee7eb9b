package mapping

import (
	"strings"
	"time"
)

// =============================================================================
// VALUE NORMALIZATION
// =============================================================================

// datePatterns are tried in order; the first successful parse wins and the
// value is re-rendered as ISO yyyy-MM-dd. Each pattern is also tried with a
// time suffix, which is dropped on output.
var datePatterns = []string{
	"2006-01-02",
	"02/01/2006",
	"2006/01/02",
	"02-01-2006",
}

var timeSuffixes = []string{"", " 15:04:05", " 15:04", "T15:04:05"}

// monthPatterns parse yyyy-MM style month values.
var monthPatterns = []string{"2006-01", "01/2006", "2006/01"}

// Normalize applies the kind's normalization to one raw cell value.
// The second return is false when the value could not be normalized and was
// passed through unchanged (a type warning; the validator rejects later).
// Empty and whitespace-only input becomes the empty string (null).
func Normalize(kind, raw string) (string, bool) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", true
	}
	switch kind {
	case "number":
		return normalizeNumber(v), true
	case "date":
		return normalizeDate(v)
	case "month":
		return normalizeMonth(v)
	default: // text
		return v, true
	}
}

// normalizeNumber strips thousands separators and interior whitespace.
func normalizeNumber(v string) string {
	var b strings.Builder
	b.Grow(len(v))
	for _, r := range v {
		switch r {
		case ',', ' ', ' ':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func normalizeDate(v string) (string, bool) {
	for _, p := range datePatterns {
		for _, suffix := range timeSuffixes {
			if t, err := time.Parse(p+suffix, v); err == nil {
				return t.Format("2006-01-02"), true
			}
		}
	}
	return v, false
}

func normalizeMonth(v string) (string, bool) {
	for _, p := range monthPatterns {
		if t, err := time.Parse(p, v); err == nil {
			return t.Format("2006-01"), true
		}
	}
	return v, false
}
