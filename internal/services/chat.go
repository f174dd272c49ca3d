package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"manabi-backend/internal/logger"
	"manabi-backend/internal/models"
	"manabi-backend/internal/repository"
)

const chatHistoryLimit = 20

type conversationStore interface {
	Create(ctx context.Context, c *models.Conversation) error
	GetByID(ctx context.Context, userID, id uuid.UUID) (*models.Conversation, error)
	AppendMessage(ctx context.Context, m *models.ChatMessage) error
	GetMessage(ctx context.Context, userID, id uuid.UUID) (*models.ChatMessage, error)
	ListMessages(ctx context.Context, userID, conversationID uuid.UUID, limit int) ([]*models.ChatMessage, error)
	ListMessagesBetween(ctx context.Context, userID, conversationID uuid.UUID, from, to time.Time) ([]*models.ChatMessage, error)
	ListActivityBetween(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]models.ConversationActivity, error)
	Delete(ctx context.Context, userID, id uuid.UUID) error
}

type materialQueue interface {
	Push(ctx context.Context, job models.MaterialJob) error
}

type ChatService struct {
	conversations conversationStore
	orchestrator  *Orchestrator
	limiter       *GenerationLimiter
	queue         materialQueue
	log           *logger.Logger
}

func NewChatService(conversations conversationStore, orchestrator *Orchestrator, limiter *GenerationLimiter, queue materialQueue, log *logger.Logger) *ChatService {
	return &ChatService{
		conversations: conversations,
		orchestrator:  orchestrator,
		limiter:       limiter,
		queue:         queue,
		log:           log,
	}
}

func findConversation(ctx context.Context, conversations conversationStore, userID, conversationID uuid.UUID) (*models.Conversation, error) {
	c, err := conversations.GetByID(ctx, userID, conversationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &NotFoundError{Message: "Conversation not found"}
	}
	return c, err
}

// SendMessage stores the user's message, generates and stores the reply, and
// queues material generation for it. Material is never queued for a fallback reply.
func (s *ChatService) SendMessage(ctx context.Context, userID, conversationID uuid.UUID, req models.SendMessageRequest) (*models.SendMessageResponse, error) {
	req.Content = strings.TrimSpace(req.Content)
	if err := ValidateStruct(req); err != nil {
		return nil, err
	}
	if _, err := findConversation(ctx, s.conversations, userID, conversationID); err != nil {
		return nil, err
	}
	if err := s.limiter.Check(ctx, userID, ChatRule); err != nil {
		return nil, err
	}

	history, err := s.conversations.ListMessages(ctx, userID, conversationID, chatHistoryLimit)
	if err != nil {
		return nil, err
	}

	userMsg := &models.ChatMessage{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           "user",
		Content:        req.Content,
	}
	if err := s.conversations.AppendMessage(ctx, userMsg); err != nil {
		return nil, err
	}

	reply := s.orchestrator.GenerateChatReply(ctx, userID, history, req.Content)

	assistantMsg := &models.ChatMessage{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           "assistant",
		Content:        reply.Text,
		UsedFallback:   reply.Fallback,
	}
	if err := s.conversations.AppendMessage(ctx, assistantMsg); err != nil {
		return nil, err
	}

	pending := false
	if !reply.Fallback {
		job := models.MaterialJob{
			ID:         uuid.New(),
			UserID:     userID,
			MessageID:  assistantMsg.ID,
			Trigger:    models.TriggerMessage,
			EnqueuedAt: time.Now().UTC(),
		}
		if err := s.queue.Push(ctx, job); err != nil {
			s.log.Error("failed to queue material job", "message_id", assistantMsg.ID, "error", err)
		} else {
			pending = true
		}
	}

	return &models.SendMessageResponse{
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		MaterialPending:  pending,
	}, nil
}
