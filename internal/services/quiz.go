package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"manabi-backend/internal/learning"
	"manabi-backend/internal/logger"
	"manabi-backend/internal/models"
	"manabi-backend/internal/repository"
	"manabi-backend/internal/versioning"
)

type QuizOptions struct {
	MaxTotal           int
	MaxPerConversation int
}

type activityReader interface {
	ListMessagesBetween(ctx context.Context, userID, conversationID uuid.UUID, from, to time.Time) ([]*models.ChatMessage, error)
	ListActivityBetween(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]models.ConversationActivity, error)
}

type QuizService struct {
	activity     activityReader
	store        *versioning.Store[models.DailyQuiz]
	orchestrator *Orchestrator
	limiter      *GenerationLimiter
	publisher    Publisher
	opts         QuizOptions
	log          *logger.Logger
}

func NewQuizService(
	activity activityReader,
	store *versioning.Store[models.DailyQuiz],
	orchestrator *Orchestrator,
	limiter *GenerationLimiter,
	publisher Publisher,
	opts QuizOptions,
	log *logger.Logger,
) *QuizService {
	return &QuizService{
		activity:     activity,
		store:        store,
		orchestrator: orchestrator,
		limiter:      limiter,
		publisher:    publisher,
		opts:         opts,
		log:          log,
	}
}

// ParseQuizDate validates a YYYY-MM-DD date and returns its UTC day window.
func ParseQuizDate(date string) (from, to time.Time, err error) {
	day, err := time.Parse(repository.DateLayout, date)
	if err != nil {
		return time.Time{}, time.Time{}, &ValidationError{Fields: map[string]string{"date": "Must be a date in YYYY-MM-DD format"}}
	}
	return day, day.AddDate(0, 0, 1), nil
}

func quizKey(userID uuid.UUID, date string) versioning.Key {
	return versioning.Key{UserID: userID, Name: date}
}

// DailyIdempotencyKey identifies the scheduled run for a user and date.
func DailyIdempotencyKey(userID uuid.UUID, date string) string {
	return fmt.Sprintf("daily:%s:%s", userID, date)
}

// RunDailyJob builds the date's quiz once. A date that already has any
// version is left alone and its active version returned. Returns nil when
// the user had no conversations that day.
func (s *QuizService) RunDailyJob(ctx context.Context, userID uuid.UUID, date string) (*versioning.Version[models.DailyQuiz], error) {
	if _, _, err := ParseQuizDate(date); err != nil {
		return nil, err
	}

	key := quizKey(userID, date)
	existing, err := s.store.ListVersions(ctx, key)
	if err != nil {
		return nil, err
	}
	for _, v := range existing {
		if v.Payload.IdempotencyKey == DailyIdempotencyKey(userID, date) {
			s.log.Debug("daily quiz already built", "user_id", userID, "date", date)
			return s.store.GetActive(ctx, key)
		}
	}

	return s.build(ctx, userID, date, DailyIdempotencyKey(userID, date), models.TriggerSchedule)
}

// Regenerate stores a new active quiz version for date from that day's conversations.
func (s *QuizService) Regenerate(ctx context.Context, userID uuid.UUID, date string) (*versioning.Version[models.DailyQuiz], error) {
	if _, _, err := ParseQuizDate(date); err != nil {
		return nil, err
	}
	if err := s.limiter.Check(ctx, userID, RegenerateRule); err != nil {
		return nil, err
	}

	v, err := s.build(ctx, userID, date, fmt.Sprintf("regen:%s:%s:%s", userID, date, uuid.NewString()), models.TriggerRegenerate)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, &ValidationError{Fields: map[string]string{"date": "No conversations on this date"}}
	}
	return v, nil
}

func (s *QuizService) build(ctx context.Context, userID uuid.UUID, date, idempotencyKey, trigger string) (*versioning.Version[models.DailyQuiz], error) {
	from, to, _ := ParseQuizDate(date)

	convs, err := s.activity.ListActivityBetween(ctx, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations for %s: %w", date, err)
	}
	plan := learning.AllocateQuestions(convs, s.opts.MaxTotal, s.opts.MaxPerConversation)
	if len(plan) == 0 {
		s.log.Debug("no conversations for daily quiz", "user_id", userID, "date", date)
		return nil, nil
	}

	titles := make(map[uuid.UUID]string, len(convs))
	for _, c := range convs {
		titles[c.ConversationID] = c.Title
	}

	// One quiz is one generation for rate limiting, however many conversations it spans.
	req := GenerationRequest{UserID: userID, Trigger: trigger, GenerationID: uuid.New()}
	cards := []models.QuizCard{}
	var meta models.GenerationMeta
	placeholders := 0

	// Conversations run one after another so the merged card order is stable.
	for _, a := range plan {
		messages, err := s.activity.ListMessagesBetween(ctx, userID, a.ConversationID, from, to)
		if err != nil {
			return nil, fmt.Errorf("failed to load messages of %s: %w", a.ConversationID, err)
		}
		conv := models.ConversationActivity{
			ConversationID: a.ConversationID,
			Title:          titles[a.ConversationID],
			MessageCount:   a.MessageCount,
		}
		generated, m := s.orchestrator.GenerateQuizCards(ctx, req, conv, messages, a.AllocatedQuestions)
		cards = append(cards, generated...)
		meta = mergeMeta(meta, m)
		if m.Fallback {
			placeholders++
		}
	}
	meta.Fallback = placeholders == len(plan)
	if meta.Fallback {
		meta.Mode = models.ModePlaceholder
	}

	quiz := models.DailyQuiz{
		TargetDate:     date,
		Cards:          cards,
		IdempotencyKey: idempotencyKey,
		Generation:     meta,
	}
	v, err := s.store.CreateNextVersion(ctx, quizKey(userID, date), quiz)
	if err != nil {
		return nil, err
	}

	s.log.Info("daily quiz stored",
		"user_id", userID,
		"date", date,
		"version", v.Version,
		"cards", len(cards),
		"conversations", len(plan),
	)
	s.publisher.Publish(ctx, userID, models.WSMessage{
		Type:    models.EventDailyQuizReady,
		Payload: models.DailyQuizReadyEvent{TargetDate: date, Version: v.Version, CardCount: len(cards)},
	})
	return v, nil
}

// mergeMeta sums usage across per-conversation generations. The first
// non-placeholder mode wins.
func mergeMeta(acc, m models.GenerationMeta) models.GenerationMeta {
	if acc.Model == "" {
		acc.Model = m.Model
	}
	if acc.Mode == "" || (acc.Mode == models.ModePlaceholder && m.Mode != models.ModePlaceholder) {
		acc.Mode = m.Mode
	}
	acc.PromptTokens += m.PromptTokens
	acc.CompletionTokens += m.CompletionTokens
	acc.LatencyMs += m.LatencyMs
	return acc
}

func (s *QuizService) GetActive(ctx context.Context, userID uuid.UUID, date string) (*versioning.Version[models.DailyQuiz], error) {
	if _, _, err := ParseQuizDate(date); err != nil {
		return nil, err
	}
	v, err := s.store.GetActive(ctx, quizKey(userID, date))
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, &NotFoundError{Message: "No quiz for this date"}
	}
	return v, nil
}

func (s *QuizService) ListVersions(ctx context.Context, userID uuid.UUID, date string) ([]versioning.Version[models.DailyQuiz], error) {
	if _, _, err := ParseQuizDate(date); err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, quizKey(userID, date))
	if err != nil {
		return nil, err
	}
	if versions == nil {
		versions = []versioning.Version[models.DailyQuiz]{}
	}
	return versions, nil
}

func (s *QuizService) SwitchVersion(ctx context.Context, userID uuid.UUID, date string, req models.SwitchVersionRequest) (*versioning.Version[models.DailyQuiz], error) {
	if _, _, err := ParseQuizDate(date); err != nil {
		return nil, err
	}
	if err := ValidateStruct(req); err != nil {
		return nil, err
	}
	return s.store.SwitchActive(ctx, quizKey(userID, date), req.Version)
}
