package models

import (
	"time"

	"github.com/google/uuid"
)

type Conversation struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"user_id"`
	Title         string     `json:"title"`
	MessageCount  int        `json:"message_count"`
	LastMessageAt *time.Time `json:"last_message_at"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
}

// ChatMessage represents a single message in a conversation.
type ChatMessage struct {
	ID                    uuid.UUID `json:"id"`
	ConversationID        uuid.UUID `json:"conversation_id"`
	UserID                uuid.UUID `json:"user_id"`
	Role                  string    `json:"role"` // "user" or "assistant"
	Content               string    `json:"content"`
	ActiveMaterialVersion *int      `json:"active_material_version"`
	UsedFallback          bool      `json:"used_fallback"`
	CreatedAt             time.Time `json:"created_at"`
}

// SendMessageRequest is the payload sent to the chat endpoint.
type SendMessageRequest struct {
	Content string `json:"content" validate:"required,max=8000"`
}

type SendMessageResponse struct {
	UserMessage      *ChatMessage `json:"user_message"`
	AssistantMessage *ChatMessage `json:"assistant_message"`
	MaterialPending  bool         `json:"material_pending"`
}

// ConversationActivity is a conversation with its message count for one day.
type ConversationActivity struct {
	ConversationID uuid.UUID
	Title          string
	MessageCount   int
}

// ConversationSheet is a one-page review sheet for a conversation.
type ConversationSheet struct {
	ConversationID uuid.UUID      `json:"conversation_id"`
	Title          string         `json:"title"`
	KeyPoints      []string       `json:"key_points"`
	Terms          []string       `json:"terms"`
	Generation     GenerationMeta `json:"generation"`
}

type CreateConversationRequest struct {
	Title string `json:"title" validate:"required,max=200"`
}
