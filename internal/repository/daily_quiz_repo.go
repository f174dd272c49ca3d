package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"manabi-backend/internal/models"
	"manabi-backend/internal/versioning"
)

const DateLayout = "2006-01-02"

// DailyQuizRepo stores DailyQuiz versions keyed by target date.
type DailyQuizRepo struct {
	*versionTable[models.DailyQuiz]
	pool *pgxpool.Pool
}

func NewDailyQuizRepo(pool *pgxpool.Pool) *DailyQuizRepo {
	return &DailyQuizRepo{
		pool: pool,
		versionTable: &versionTable[models.DailyQuiz]{
			pool:      pool,
			table:     "daily_quizzes",
			keyColumn: "target_date",
			keyArg:    dateKey,
			extra: func(_ versioning.Key, q models.DailyQuiz) ([]string, []any, error) {
				return []string{"idempotency_key"}, []any{q.IdempotencyKey}, nil
			},
		},
	}
}

// StripConversationCards removes cards sourced from conversationID out of
// every stored version. The versions themselves stay.
func (r *DailyQuizRepo) StripConversationCards(ctx context.Context, userID, conversationID uuid.UUID) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		"SELECT id, payload FROM daily_quizzes WHERE user_id = $1 FOR UPDATE",
		userID,
	)
	if err != nil {
		return 0, err
	}

	updated := map[string][]byte{}
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return 0, err
		}
		var quiz models.DailyQuiz
		if err := json.Unmarshal(raw, &quiz); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to decode %s payload: %w", id, err)
		}
		kept, removed := withoutConversation(quiz.Cards, conversationID)
		if removed == 0 {
			continue
		}
		quiz.Cards = kept
		payload, err := json.Marshal(quiz)
		if err != nil {
			rows.Close()
			return 0, err
		}
		updated[id] = payload
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for id, payload := range updated {
		if _, err := tx.Exec(ctx, "UPDATE daily_quizzes SET payload = $1 WHERE id = $2 AND user_id = $3", payload, id, userID); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int64(len(updated)), nil
}

// withoutConversation returns the cards not sourced from conversationID and
// how many were dropped.
func withoutConversation(cards []models.QuizCard, conversationID uuid.UUID) ([]models.QuizCard, int) {
	kept := make([]models.QuizCard, 0, len(cards))
	for _, c := range cards {
		if c.ConversationID == conversationID {
			continue
		}
		kept = append(kept, c)
	}
	return kept, len(cards) - len(kept)
}

func dateKey(name string) (any, error) {
	d, err := time.Parse(DateLayout, name)
	if err != nil {
		return nil, fmt.Errorf("invalid date key %q: %w", name, err)
	}
	return d, nil
}
