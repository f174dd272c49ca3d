package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"manabi-backend/internal/models"
	"manabi-backend/internal/versioning"
)

type Conversations interface {
	Create(ctx context.Context, c *models.Conversation) error
	GetByID(ctx context.Context, userID, id uuid.UUID) (*models.Conversation, error)
	AppendMessage(ctx context.Context, m *models.ChatMessage) error
	GetMessage(ctx context.Context, userID, id uuid.UUID) (*models.ChatMessage, error)
	ListMessages(ctx context.Context, userID, conversationID uuid.UUID, limit int) ([]*models.ChatMessage, error)
	ListMessagesBetween(ctx context.Context, userID, conversationID uuid.UUID, from, to time.Time) ([]*models.ChatMessage, error)
	ListActivityBetween(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]models.ConversationActivity, error)
	ListActiveUsersBetween(ctx context.Context, from, to time.Time) ([]uuid.UUID, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*models.Conversation, error)
	Delete(ctx context.Context, userID, id uuid.UUID) error
}

type Materials interface {
	versioning.Backend[models.Material]
	DeleteByConversation(ctx context.Context, userID, conversationID uuid.UUID) (int64, error)
}

type DailyQuizzes interface {
	versioning.Backend[models.DailyQuiz]
	StripConversationCards(ctx context.Context, userID, conversationID uuid.UUID) (int64, error)
}

type GenerationLogs interface {
	Insert(ctx context.Context, l *models.GenerationLog) error
	CountSince(ctx context.Context, userID uuid.UUID, typ, trigger string, since time.Time) (int, time.Time, error)
}

type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Stores is one storage backend. Purgers is empty for backends without
// expiring rows. Conversations are not among them: they expire through
// the same cascade as an explicit delete.
type Stores struct {
	Conversations  Conversations
	Materials      Materials
	DailyQuizzes   DailyQuizzes
	GenerationLogs GenerationLogs
	Purgers        map[string]Purger
}

func NewPostgresStores(pool *pgxpool.Pool) *Stores {
	conversations := NewConversationRepo(pool)
	materials := NewMaterialRepo(pool)
	quizzes := NewDailyQuizRepo(pool)
	logs := NewGenerationLogRepo(pool)

	return &Stores{
		Conversations:  conversations,
		Materials:      materials,
		DailyQuizzes:   quizzes,
		GenerationLogs: logs,
		Purgers: map[string]Purger{
			"materials":       materials,
			"daily_quizzes":   quizzes,
			"generation_logs": logs,
		},
	}
}

func NewMemoryStores() *Stores {
	conversations := NewMemoryConversationRepo()
	return &Stores{
		Conversations:  conversations,
		Materials:      NewMemoryMaterials(conversations),
		DailyQuizzes:   NewMemoryDailyQuizzes(),
		GenerationLogs: NewMemoryGenerationLogRepo(),
		Purgers:        map[string]Purger{},
	}
}
