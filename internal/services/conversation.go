package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"manabi-backend/internal/logger"
	"manabi-backend/internal/models"
)

type materialPurger interface {
	DeleteByConversation(ctx context.Context, userID, conversationID uuid.UUID) (int64, error)
}

type quizCardStripper interface {
	StripConversationCards(ctx context.Context, userID, conversationID uuid.UUID) (int64, error)
}

type expiringConversationStore interface {
	conversationStore
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*models.Conversation, error)
}

const purgeBatchSize = 100

type ConversationService struct {
	conversations expiringConversationStore
	materials     materialPurger
	quizzes       quizCardStripper
	log           *logger.Logger
	now           func() time.Time
}

func NewConversationService(conversations expiringConversationStore, materials materialPurger, quizzes quizCardStripper, log *logger.Logger) *ConversationService {
	return &ConversationService{
		conversations: conversations,
		materials:     materials,
		quizzes:       quizzes,
		log:           log,
		now:           time.Now,
	}
}

func (s *ConversationService) Create(ctx context.Context, userID uuid.UUID, req models.CreateConversationRequest) (*models.Conversation, error) {
	req.Title = strings.TrimSpace(req.Title)
	if err := ValidateStruct(req); err != nil {
		return nil, err
	}
	c := &models.Conversation{UserID: userID, Title: req.Title}
	if err := s.conversations.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *ConversationService) Messages(ctx context.Context, userID, conversationID uuid.UUID, limit int) ([]*models.ChatMessage, error) {
	if _, err := findConversation(ctx, s.conversations, userID, conversationID); err != nil {
		return nil, err
	}
	msgs, err := s.conversations.ListMessages(ctx, userID, conversationID, limit)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []*models.ChatMessage{}
	}
	return msgs, nil
}

// Delete removes a conversation with its messages and every Material of
// those messages, and strips its cards from stored quizzes. Quiz versions
// themselves are kept.
func (s *ConversationService) Delete(ctx context.Context, userID, conversationID uuid.UUID) error {
	if _, err := findConversation(ctx, s.conversations, userID, conversationID); err != nil {
		return err
	}
	return s.cascade(ctx, userID, conversationID)
}

// PurgeExpired deletes conversations nobody has written to within the
// retention window, cascading exactly like Delete.
func (s *ConversationService) PurgeExpired(ctx context.Context) (int64, error) {
	var purged int64
	for {
		expired, err := s.conversations.ListExpired(ctx, s.now(), purgeBatchSize)
		if err != nil {
			return purged, fmt.Errorf("failed to list expired conversations: %w", err)
		}
		for _, c := range expired {
			if err := s.cascade(ctx, c.UserID, c.ID); err != nil {
				return purged, err
			}
			purged++
		}
		if len(expired) < purgeBatchSize {
			return purged, nil
		}
	}
}

func (s *ConversationService) cascade(ctx context.Context, userID, conversationID uuid.UUID) error {
	materials, err := s.materials.DeleteByConversation(ctx, userID, conversationID)
	if err != nil {
		return fmt.Errorf("failed to delete materials: %w", err)
	}
	quizzes, err := s.quizzes.StripConversationCards(ctx, userID, conversationID)
	if err != nil {
		return fmt.Errorf("failed to strip quiz cards: %w", err)
	}
	if err := s.conversations.Delete(ctx, userID, conversationID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	s.log.Info("conversation deleted",
		"conversation_id", conversationID,
		"materials_deleted", materials,
		"quizzes_updated", quizzes,
	)
	return nil
}
