package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	GenerationChat     = "chat"
	GenerationMaterial = "material"
	GenerationQuiz     = "quiz"
	GenerationSheet    = "sheet"
)

// Modes of one attempt. Placeholder results are not attempts and never logged.
const (
	ModeStructured  = "structured"
	ModeFreeText    = "freetext"
	ModePlaceholder = "placeholder"
)

// What caused a generation. Rate-limit rules can match on it.
const (
	TriggerMessage    = "message"
	TriggerRegenerate = "regenerate"
	TriggerSchedule   = "schedule"
	TriggerManual     = "manual"
)

// GenerationLog records one attempt against the language model. Attempts of
// the same orchestrated generation share a GenerationID.
type GenerationLog struct {
	ID               uuid.UUID `json:"id"`
	GenerationID     uuid.UUID `json:"generation_id"`
	UserID           uuid.UUID `json:"user_id"`
	Type             string    `json:"type"`
	Trigger          string    `json:"trigger"`
	Model            string    `json:"model"`
	Mode             string    `json:"mode"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	LatencyMs        int64     `json:"latency_ms"`
	Success          bool      `json:"success"`
	ErrorMessage     *string   `json:"error_message"`
	CreatedAt        time.Time `json:"created_at"`
}

// MaterialJob asks a worker to generate Material for one assistant message.
type MaterialJob struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	MessageID  uuid.UUID `json:"message_id"`
	Trigger    string    `json:"trigger"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
