package learning

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"manabi-backend/internal/models"
)

// CardPayload is one quiz card as returned by the model.
type CardPayload struct {
	Tag         string   `json:"tag"`
	Question    string   `json:"question"`
	Choices     []string `json:"choices"`
	Answer      string   `json:"answer"`
	Explanation string   `json:"explanation"`
}

type QuizPayload struct {
	Cards *[]CardPayload `json:"cards"`
}

func (p QuizPayload) Validate() error {
	if p.Cards == nil {
		return errors.Join(ErrMalformedPayload, errors.New("cards array missing"))
	}
	return nil
}

// SheetPayload is the raw conversation sheet shape.
type SheetPayload struct {
	Title     *string   `json:"title"`
	KeyPoints *[]string `json:"key_points"`
	Terms     *[]string `json:"terms"`
}

func (p SheetPayload) Validate() error {
	if p.Title == nil || p.KeyPoints == nil || p.Terms == nil {
		return errors.Join(ErrMalformedPayload, errors.New("sheet requires title, key_points and terms"))
	}
	if strings.TrimSpace(*p.Title) == "" {
		return errors.Join(ErrMalformedPayload, errors.New("sheet title is empty"))
	}
	return nil
}

func isQuizTag(tag string) bool {
	for _, t := range models.QuizTags {
		if string(t) == tag {
			return true
		}
	}
	return false
}

// ValidateCard checks a generated card and returns the index of its answer
// among the choices.
func ValidateCard(c CardPayload) (int, error) {
	if !isQuizTag(c.Tag) {
		return -1, fmt.Errorf("unknown tag %q", c.Tag)
	}
	if strings.TrimSpace(c.Question) == "" || strings.TrimSpace(c.Answer) == "" || strings.TrimSpace(c.Explanation) == "" {
		return -1, errors.New("question, answer and explanation are required")
	}
	if len(c.Choices) != 4 {
		return -1, fmt.Errorf("expected 4 choices, got %d", len(c.Choices))
	}

	seen := make(map[string]bool, 4)
	correct := -1
	for i, choice := range c.Choices {
		if strings.TrimSpace(choice) == "" {
			return -1, fmt.Errorf("choice %d is empty", i)
		}
		if seen[choice] {
			return -1, fmt.Errorf("duplicate choice %q", choice)
		}
		seen[choice] = true
		if choice == c.Answer {
			correct = i
		}
	}
	if correct < 0 {
		return -1, errors.New("answer is not one of the choices")
	}
	return correct, nil
}

// BuildCards converts generated cards for one conversation, silently dropping
// any that fail validation.
func BuildCards(payload []CardPayload, conversationID uuid.UUID, sources []uuid.UUID) []models.QuizCard {
	cards := make([]models.QuizCard, 0, len(payload))
	for _, p := range payload {
		idx, err := ValidateCard(p)
		if err != nil {
			continue
		}
		cards = append(cards, models.QuizCard{
			CardID:         uuid.NewString(),
			Tag:            models.QuizTag(p.Tag),
			Question:       strings.TrimSpace(p.Question),
			Choices:        p.Choices,
			CorrectIndex:   idx,
			Answer:         p.Answer,
			Explanation:    strings.TrimSpace(p.Explanation),
			Sources:        sources,
			ConversationID: conversationID,
		})
	}
	return cards
}
