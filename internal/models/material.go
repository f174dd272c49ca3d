package models

import "github.com/google/uuid"

type TermCategory string

const (
	CategoryTechnical  TermCategory = "technical"
	CategoryProperNoun TermCategory = "proper_noun"
	CategoryConcept    TermCategory = "concept"
)

// Term is a glossary entry extracted from an assistant message.
type Term struct {
	TermID     string       `json:"term_id"`
	Surface    string       `json:"surface"`
	Reading    string       `json:"reading"`
	Definition string       `json:"definition"`
	Category   TermCategory `json:"category"`
	Confidence float64      `json:"confidence"`
}

// Mention is a span of the source message referring to a Term.
// Offsets count runes, end exclusive.
type Mention struct {
	TermID      string  `json:"term_id"`
	Surface     string  `json:"surface"`
	StartOffset int     `json:"start_offset"`
	EndOffset   int     `json:"end_offset"`
	Confidence  float64 `json:"confidence"`
}

type GenerationMeta struct {
	Model            string `json:"model"`
	Mode             string `json:"mode"` // "structured" | "freetext" | "placeholder"
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	LatencyMs        int64  `json:"latency_ms"`
	Fallback         bool   `json:"fallback"`
}

// Material is the versioned learning payload attached to one assistant message.
type Material struct {
	MessageID      uuid.UUID      `json:"message_id"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	Summary        []string       `json:"summary"`
	Terms          []Term         `json:"terms"`
	Mentions       []Mention      `json:"mentions"`
	Generation     GenerationMeta `json:"generation"`
}

type SwitchVersionRequest struct {
	Version int `json:"version" validate:"required,gte=1"`
}
