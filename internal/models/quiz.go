package models

import "github.com/google/uuid"

type QuizTag string

const (
	TagWhat    QuizTag = "What"
	TagWhy     QuizTag = "Why"
	TagHow     QuizTag = "How"
	TagWhen    QuizTag = "When"
	TagExample QuizTag = "Example"
)

var QuizTags = []QuizTag{TagWhat, TagWhy, TagHow, TagWhen, TagExample}

type QuizCard struct {
	CardID         string      `json:"card_id"`
	Tag            QuizTag     `json:"tag"`
	Question       string      `json:"question"`
	Choices        []string    `json:"choices"`
	CorrectIndex   int         `json:"correct_index"`
	Answer         string      `json:"answer"`
	Explanation    string      `json:"explanation"`
	Sources        []uuid.UUID `json:"sources"`
	ConversationID uuid.UUID   `json:"conversation_id"`
}

// IsLegacy reports whether the card uses the old two-choice form.
// Such cards are still served but never generated.
func (c QuizCard) IsLegacy() bool {
	return len(c.Choices) == 2
}

// DailyQuiz is the versioned card set for one calendar date (YYYY-MM-DD).
type DailyQuiz struct {
	TargetDate     string         `json:"target_date"`
	Cards          []QuizCard     `json:"cards"`
	IdempotencyKey string         `json:"idempotency_key"`
	Generation     GenerationMeta `json:"generation"`
}

// Allocation is one row of a question budget plan. Not persisted.
type Allocation struct {
	ConversationID     uuid.UUID `json:"conversation_id"`
	MessageCount       int       `json:"message_count"`
	AllocatedQuestions int       `json:"allocated_questions"`
}
