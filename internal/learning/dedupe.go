package learning

import (
	"sort"

	"manabi-backend/internal/models"
)

// DedupeMentions returns a pairwise non-overlapping subset of mentions,
// greedily keeping the earliest-starting one. Equal starts keep input order.
//
// Confidence plays no part in the choice, so a long high-confidence mention
// can lose to a short one that starts a rune earlier.
func DedupeMentions(mentions []models.Mention) []models.Mention {
	sorted := make([]models.Mention, len(mentions))
	copy(sorted, mentions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartOffset < sorted[j].StartOffset
	})

	out := make([]models.Mention, 0, len(sorted))
	for _, m := range sorted {
		if len(out) > 0 && m.StartOffset < out[len(out)-1].EndOffset {
			continue
		}
		out = append(out, m)
	}
	return out
}
