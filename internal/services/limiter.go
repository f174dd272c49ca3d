package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"manabi-backend/internal/models"
)

// Rule caps generations per user in a sliding window. Empty Type or Trigger
// matches any.
type Rule struct {
	Type    string
	Trigger string
	Limit   int
	Window  time.Duration
}

var (
	ChatRule       = Rule{Type: models.GenerationChat, Limit: 30, Window: time.Minute}
	RegenerateRule = Rule{Trigger: models.TriggerRegenerate, Limit: 10, Window: time.Hour}
	SheetRule      = Rule{Type: models.GenerationSheet, Limit: 10, Window: time.Hour}
)

type generationCounter interface {
	CountSince(ctx context.Context, userID uuid.UUID, typ, trigger string, since time.Time) (int, time.Time, error)
}

// GenerationLimiter counts generation log rows. A nil limiter allows everything.
type GenerationLimiter struct {
	counter generationCounter
	now     func() time.Time
}

func NewGenerationLimiter(counter generationCounter) *GenerationLimiter {
	return &GenerationLimiter{counter: counter, now: time.Now}
}

// Check returns a *RateLimitError when rule's budget is spent.
func (l *GenerationLimiter) Check(ctx context.Context, userID uuid.UUID, rule Rule) error {
	if l == nil || rule.Limit <= 0 {
		return nil
	}

	now := l.now()
	count, oldest, err := l.counter.CountSince(ctx, userID, rule.Type, rule.Trigger, now.Add(-rule.Window))
	if err != nil {
		return fmt.Errorf("failed to count generations: %w", err)
	}
	if count < rule.Limit {
		return nil
	}

	retryAfter := 1
	if !oldest.IsZero() {
		if wait := oldest.Add(rule.Window).Sub(now); wait > 0 {
			retryAfter = int(math.Ceil(wait.Seconds()))
		}
	}
	return &RateLimitError{
		Message:           "Generation limit reached. Please try again later.",
		RetryAfterSeconds: retryAfter,
	}
}
