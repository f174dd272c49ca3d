package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"manabi-backend/internal/models"
	"manabi-backend/internal/versioning"
)

// MaterialRepo stores Material versions keyed by message id. Every write also
// mirrors the active version onto messages.active_material_version.
type MaterialRepo struct {
	*versionTable[models.Material]
	pool *pgxpool.Pool
}

func NewMaterialRepo(pool *pgxpool.Pool) *MaterialRepo {
	r := &MaterialRepo{pool: pool}
	r.versionTable = &versionTable[models.Material]{
		pool:      pool,
		table:     "materials",
		keyColumn: "message_id",
		keyArg:    uuidKey,
		extra: func(_ versioning.Key, m models.Material) ([]string, []any, error) {
			return []string{"conversation_id"}, []any{m.ConversationID}, nil
		},
		afterActivate: r.markMessage,
	}
	return r
}

func (r *MaterialRepo) markMessage(ctx context.Context, tx pgx.Tx, key versioning.Key, version int) error {
	messageID, err := uuid.Parse(key.Name)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		"UPDATE messages SET active_material_version = $1 WHERE id = $2 AND user_id = $3",
		version, messageID, key.UserID,
	)
	return err
}

// DeleteByConversation removes every Material version of the conversation's messages.
func (r *MaterialRepo) DeleteByConversation(ctx context.Context, userID, conversationID uuid.UUID) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		"DELETE FROM materials WHERE user_id = $1 AND conversation_id = $2",
		userID, conversationID,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func uuidKey(name string) (any, error) {
	id, err := uuid.Parse(name)
	if err != nil {
		return nil, fmt.Errorf("invalid key %q: %w", name, err)
	}
	return id, nil
}
