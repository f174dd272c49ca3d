package models

import "github.com/google/uuid"

// WebSocket message types
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

const (
	EventMaterialReady  = "material_ready"
	EventDailyQuizReady = "daily_quiz_ready"
)

type MaterialReadyEvent struct {
	MessageID uuid.UUID `json:"message_id"`
	Version   int       `json:"version"`
	Fallback  bool      `json:"fallback"`
}

type DailyQuizReadyEvent struct {
	TargetDate string `json:"target_date"`
	Version    int    `json:"version"`
	CardCount  int    `json:"card_count"`
}

// API Error response. RetryAfterSeconds is set on RATE_LIMITED responses.
type APIError struct {
	Code              string            `json:"code"`
	Message           string            `json:"message"`
	Fields            map[string]string `json:"fields,omitempty"`
	RequestID         string            `json:"request_id"`
	RetryAfterSeconds int               `json:"retry_after_seconds,omitempty"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}
