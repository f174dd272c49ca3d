package learning

import "manabi-backend/internal/models"

const (
	// MinConfidence is the threshold below which terms and mentions are discarded.
	MinConfidence = 0.7

	// driftWindow is how far before the claimed start the bounded search begins.
	driftWindow = 50
)

// ReconcileOffsets repairs mention offsets so that each surviving mention
// slices exactly its surface out of source. Offsets are rune indices.
//
// A mention whose claimed span already matches is kept as is. Otherwise the
// surface is searched from max(0, start-50), then from the beginning of the
// text. Mentions that cannot be located get confidence 0, and everything
// under MinConfidence is filtered out at the end.
func ReconcileOffsets(source string, mentions []models.Mention) []models.Mention {
	src := []rune(source)
	out := make([]models.Mention, 0, len(mentions))
	for _, m := range mentions {
		fixed := reconcileMention(src, m)
		if fixed.Confidence < MinConfidence {
			continue
		}
		out = append(out, fixed)
	}
	return out
}

func reconcileMention(src []rune, m models.Mention) models.Mention {
	surface := []rune(m.Surface)
	if len(surface) == 0 {
		m.Confidence = 0
		return m
	}

	if spanMatches(src, surface, m.StartOffset, m.EndOffset) {
		return m
	}

	from := m.StartOffset - driftWindow
	if from < 0 {
		from = 0
	}
	if idx := indexRunes(src, surface, from); idx >= 0 {
		m.StartOffset = idx
		m.EndOffset = idx + len(surface)
		return m
	}
	if idx := indexRunes(src, surface, 0); idx >= 0 {
		m.StartOffset = idx
		m.EndOffset = idx + len(surface)
		return m
	}

	m.Confidence = 0
	return m
}

func spanMatches(src, surface []rune, start, end int) bool {
	if start < 0 || end > len(src) || start >= end {
		return false
	}
	return equalRunes(src[start:end], surface)
}

// indexRunes returns the first index >= from at which needle occurs in
// haystack, or -1.
func indexRunes(haystack, needle []rune, from int) int {
	if len(needle) == 0 || from < 0 {
		return -1
	}
	for i := from; i+len(needle) <= len(haystack); i++ {
		if equalRunes(haystack[i:i+len(needle)], needle) {
			return i
		}
	}
	return -1
}

func equalRunes(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
