package learning

import (
	"sort"

	"manabi-backend/internal/models"
)

// AllocateQuestions splits a quiz question budget across conversations in
// proportion to their message counts.
//
// Every conversation with at least one message gets at least one question and
// at most maxPerConversation. When the proportional split overshoots maxTotal
// the largest allocations are trimmed first; when it undershoots, conversations
// below the ceiling are topped up one question per sweep. The result sum is
// min(maxTotal, maxPerConversation*n) whenever maxTotal >= n.
//
// Output preserves input order; conversations without messages are omitted.
func AllocateQuestions(convs []models.ConversationActivity, maxTotal, maxPerConversation int) []models.Allocation {
	if len(convs) == 0 || maxTotal < 1 || maxPerConversation < 1 {
		return []models.Allocation{}
	}

	plan := make([]models.Allocation, 0, len(convs))
	totalMessages := 0
	for _, c := range convs {
		if c.MessageCount <= 0 {
			continue
		}
		totalMessages += c.MessageCount
		plan = append(plan, models.Allocation{
			ConversationID: c.ConversationID,
			MessageCount:   c.MessageCount,
		})
	}
	if len(plan) == 0 {
		return plan
	}

	sum := 0
	for i := range plan {
		share := int(int64(plan[i].MessageCount) * int64(maxTotal) / int64(totalMessages))
		plan[i].AllocatedQuestions = clamp(share, 1, maxPerConversation)
		sum += plan[i].AllocatedQuestions
	}

	// Indices are sorted rather than plan itself so the output order is stable.
	order := make([]int, len(plan))
	for i := range order {
		order[i] = i
	}

	for sum > maxTotal {
		sort.SliceStable(order, func(a, b int) bool {
			return plan[order[a]].AllocatedQuestions > plan[order[b]].AllocatedQuestions
		})
		changed := false
		for _, i := range order {
			if sum <= maxTotal {
				break
			}
			if plan[i].AllocatedQuestions > 1 {
				plan[i].AllocatedQuestions--
				sum--
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	if sum < maxTotal {
		sort.SliceStable(order, func(a, b int) bool {
			return plan[order[a]].MessageCount > plan[order[b]].MessageCount
		})
	}
	for sum < maxTotal {
		changed := false
		for _, i := range order {
			if sum >= maxTotal {
				break
			}
			if plan[i].AllocatedQuestions < maxPerConversation {
				plan[i].AllocatedQuestions++
				sum++
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	return plan
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
