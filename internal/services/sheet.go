package services

import (
	"context"

	"github.com/google/uuid"

	"manabi-backend/internal/models"
)

const sheetMessageLimit = 200

type SheetService struct {
	conversations conversationStore
	orchestrator  *Orchestrator
	limiter       *GenerationLimiter
}

func NewSheetService(conversations conversationStore, orchestrator *Orchestrator, limiter *GenerationLimiter) *SheetService {
	return &SheetService{conversations: conversations, orchestrator: orchestrator, limiter: limiter}
}

// Generate builds a review sheet from a conversation's latest messages. Sheets are not stored.
func (s *SheetService) Generate(ctx context.Context, userID, conversationID uuid.UUID) (*models.ConversationSheet, error) {
	conv, err := findConversation(ctx, s.conversations, userID, conversationID)
	if err != nil {
		return nil, err
	}
	messages, err := s.conversations.ListMessages(ctx, userID, conversationID, sheetMessageLimit)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, &ValidationError{Fields: map[string]string{"conversation_id": "Conversation has no messages"}}
	}
	if err := s.limiter.Check(ctx, userID, SheetRule); err != nil {
		return nil, err
	}

	sheet, _ := s.orchestrator.GenerateSheet(ctx, GenerationRequest{UserID: userID, Trigger: models.TriggerManual}, conv, messages)
	return &sheet, nil
}
