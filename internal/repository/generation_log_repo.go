package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"manabi-backend/internal/models"
)

type GenerationLogRepo struct {
	pool *pgxpool.Pool
}

func NewGenerationLogRepo(pool *pgxpool.Pool) *GenerationLogRepo {
	return &GenerationLogRepo{pool: pool}
}

func (r *GenerationLogRepo) Insert(ctx context.Context, l *models.GenerationLog) error {
	l.ID = uuid.New()
	query := `INSERT INTO generation_logs
		(id, generation_id, user_id, type, trigger, mode, model, prompt_tokens, completion_tokens, latency_ms, success, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING created_at`

	return r.pool.QueryRow(ctx, query,
		l.ID, l.GenerationID, l.UserID, l.Type, l.Trigger, l.Mode, l.Model,
		l.PromptTokens, l.CompletionTokens, l.LatencyMs, l.Success, l.ErrorMessage,
	).Scan(&l.CreatedAt)
}

// CountSince counts distinct generations since the given time. Empty typ or
// trigger matches any. oldest is the first counted generation's start, zero when count is 0.
func (r *GenerationLogRepo) CountSince(ctx context.Context, userID uuid.UUID, typ, trigger string, since time.Time) (count int, oldest time.Time, err error) {
	query := `SELECT COUNT(DISTINCT generation_id), COALESCE(MIN(created_at), 'epoch'::timestamptz)
		FROM generation_logs
		WHERE user_id = $1 AND created_at >= $2
		AND ($3 = '' OR type = $3) AND ($4 = '' OR trigger = $4)`

	err = r.pool.QueryRow(ctx, query, userID, since, typ, trigger).Scan(&count, &oldest)
	if count == 0 {
		oldest = time.Time{}
	}
	return count, oldest, err
}

func (r *GenerationLogRepo) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, "DELETE FROM generation_logs WHERE expires_at < NOW()")
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
