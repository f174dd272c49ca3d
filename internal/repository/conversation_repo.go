package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"manabi-backend/internal/models"
	"manabi-backend/internal/versioning"
)

type ConversationRepo struct {
	pool *pgxpool.Pool
}

func NewConversationRepo(pool *pgxpool.Pool) *ConversationRepo {
	return &ConversationRepo{pool: pool}
}

func (r *ConversationRepo) Create(ctx context.Context, c *models.Conversation) error {
	c.ID = uuid.New()
	query := `INSERT INTO conversations (id, user_id, title)
		VALUES ($1, $2, $3) RETURNING message_count, created_at, expires_at`

	return r.pool.QueryRow(ctx, query, c.ID, c.UserID, c.Title).
		Scan(&c.MessageCount, &c.CreatedAt, &c.ExpiresAt)
}

func (r *ConversationRepo) GetByID(ctx context.Context, userID, id uuid.UUID) (*models.Conversation, error) {
	c := &models.Conversation{}
	query := `SELECT id, user_id, title, message_count, last_message_at, created_at, expires_at
		FROM conversations WHERE id = $1 AND user_id = $2`

	err := r.pool.QueryRow(ctx, query, id, userID).Scan(
		&c.ID, &c.UserID, &c.Title, &c.MessageCount, &c.LastMessageAt, &c.CreatedAt, &c.ExpiresAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

// AppendMessage inserts m and bumps the conversation's message_count in one
// transaction. The increment happens in SQL so concurrent senders never lose a count.
func (r *ConversationRepo) AppendMessage(ctx context.Context, m *models.ChatMessage) error {
	m.ID = uuid.New()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE conversations
		SET message_count = message_count + 1, last_message_at = NOW(), expires_at = NOW() + make_interval(secs => $3)
		WHERE id = $1 AND user_id = $2`,
		m.ConversationID, m.UserID, versioning.DefaultRetention.Seconds(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	query := `INSERT INTO messages (id, conversation_id, user_id, role, content, used_fallback)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`
	if err := tx.QueryRow(ctx, query,
		m.ID, m.ConversationID, m.UserID, m.Role, m.Content, m.UsedFallback,
	).Scan(&m.CreatedAt); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *ConversationRepo) GetMessage(ctx context.Context, userID, id uuid.UUID) (*models.ChatMessage, error) {
	m := &models.ChatMessage{}
	query := `SELECT id, conversation_id, user_id, role, content, active_material_version, used_fallback, created_at
		FROM messages WHERE id = $1 AND user_id = $2`

	err := r.pool.QueryRow(ctx, query, id, userID).Scan(
		&m.ID, &m.ConversationID, &m.UserID, &m.Role, &m.Content, &m.ActiveMaterialVersion, &m.UsedFallback, &m.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

// ListMessages returns the most recent limit messages in chronological order.
func (r *ConversationRepo) ListMessages(ctx context.Context, userID, conversationID uuid.UUID, limit int) ([]*models.ChatMessage, error) {
	query := `SELECT id, conversation_id, user_id, role, content, active_material_version, used_fallback, created_at
		FROM (
			SELECT * FROM messages WHERE conversation_id = $1 AND user_id = $2
			ORDER BY created_at DESC LIMIT $3
		) recent ORDER BY created_at ASC`

	return r.queryMessages(ctx, query, conversationID, userID, limit)
}

// ListMessagesBetween returns a conversation's messages created in [from, to).
func (r *ConversationRepo) ListMessagesBetween(ctx context.Context, userID, conversationID uuid.UUID, from, to time.Time) ([]*models.ChatMessage, error) {
	query := `SELECT id, conversation_id, user_id, role, content, active_material_version, used_fallback, created_at
		FROM messages WHERE conversation_id = $1 AND user_id = $2 AND created_at >= $3 AND created_at < $4
		ORDER BY created_at ASC`

	return r.queryMessages(ctx, query, conversationID, userID, from, to)
}

func (r *ConversationRepo) queryMessages(ctx context.Context, query string, args ...any) ([]*models.ChatMessage, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.ChatMessage
	for rows.Next() {
		m := &models.ChatMessage{}
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.UserID, &m.Role, &m.Content, &m.ActiveMaterialVersion, &m.UsedFallback, &m.CreatedAt,
		); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ListActivityBetween counts each conversation's messages created in [from, to).
// Conversations without messages in the window are not returned.
func (r *ConversationRepo) ListActivityBetween(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]models.ConversationActivity, error) {
	query := `SELECT c.id, c.title, COUNT(m.id)
		FROM conversations c
		JOIN messages m ON m.conversation_id = c.id
		WHERE c.user_id = $1 AND m.created_at >= $2 AND m.created_at < $3
		GROUP BY c.id, c.title
		ORDER BY MIN(m.created_at)`

	rows, err := r.pool.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activity []models.ConversationActivity
	for rows.Next() {
		var a models.ConversationActivity
		if err := rows.Scan(&a.ConversationID, &a.Title, &a.MessageCount); err != nil {
			return nil, err
		}
		activity = append(activity, a)
	}
	return activity, rows.Err()
}

// ListActiveUsersBetween returns users who sent or received a message in [from, to).
func (r *ConversationRepo) ListActiveUsersBetween(ctx context.Context, from, to time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT DISTINCT user_id FROM messages WHERE created_at >= $1 AND created_at < $2",
		from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// Delete removes the conversation. Messages go with it through ON DELETE CASCADE.
func (r *ConversationRepo) Delete(ctx context.Context, userID, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, "DELETE FROM conversations WHERE id = $1 AND user_id = $2", id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExpired returns up to limit conversations whose expiry is before the given time.
func (r *ConversationRepo) ListExpired(ctx context.Context, before time.Time, limit int) ([]*models.Conversation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, title, message_count, last_message_at, created_at, expires_at
		FROM conversations WHERE expires_at < $1 ORDER BY expires_at LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		c := &models.Conversation{}
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.MessageCount, &c.LastMessageAt, &c.CreatedAt, &c.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
