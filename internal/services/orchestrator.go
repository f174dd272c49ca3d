package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"manabi-backend/internal/learning"
	"manabi-backend/internal/logger"
	"manabi-backend/internal/models"
)

var tracer = otel.Tracer("manabi.orchestrator")

var (
	generationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "generation_attempts_total",
		Help: "Language model attempts by type, mode and outcome",
	}, []string{"type", "mode", "outcome"})

	generationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "generation_attempt_duration_seconds",
		Help:    "Language model attempt latency",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45, 90},
	}, []string{"type", "mode"})

	generationFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "generation_placeholders_total",
		Help: "Generations that ended on the placeholder result",
	}, []string{"type"})
)

// Outcome tags the result of one attempt.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeParseFailed
	OutcomeSchemaInvalid
	OutcomeTransportError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeParseFailed:
		return "parse_failed"
	case OutcomeSchemaInvalid:
		return "schema_invalid"
	case OutcomeTransportError:
		return "transport_error"
	}
	return "unknown"
}

// Attempt is what a single stage produced. Payload is only meaningful when
// Outcome is OutcomeOK.
type Attempt[P any] struct {
	Mode       string
	Outcome    Outcome
	Payload    P
	Completion Completion
	Latency    time.Duration
	Err        error
}

// stage is one rung of the fallback ladder.
type stage[P any] struct {
	mode   string
	prompt string
	schema *genai.Schema
	parse  func(text string) (P, error)
}

// GenerationRequest says who a generation is for and why. It is carried into
// the generation log.
type GenerationRequest struct {
	UserID  uuid.UUID
	Type    string
	Trigger string
	// GenerationID groups the attempts of several calls into one generation.
	// Nil means each call is its own generation.
	GenerationID uuid.UUID
}

type generationLogWriter interface {
	Insert(ctx context.Context, l *models.GenerationLog) error
}

// Orchestrator wraps the Generator with the structured, free-text and
// placeholder stages. None of its Generate* methods return an error: every
// failure ends on a placeholder.
type Orchestrator struct {
	gen         Generator
	logs        generationLogWriter
	log         *logger.Logger
	chatTimeout time.Duration
}

func NewOrchestrator(gen Generator, logs generationLogWriter, log *logger.Logger, chatTimeout time.Duration) *Orchestrator {
	return &Orchestrator{gen: gen, logs: logs, log: log, chatTimeout: chatTimeout}
}

func parseJSON[P any](text string) (P, error) {
	var p P
	err := json.Unmarshal([]byte(text), &p)
	return p, err
}

func parseLooseJSON[P any](text string) (P, error) {
	return parseJSON[P](extractJSON(text))
}

func runAttempt[P any](ctx context.Context, gen Generator, st stage[P], validate func(P) error) Attempt[P] {
	start := time.Now()
	c, err := gen.Generate(ctx, st.prompt, st.schema)
	a := Attempt[P]{Mode: st.mode, Completion: c, Latency: time.Since(start)}
	if err != nil {
		a.Outcome, a.Err = OutcomeTransportError, err
		return a
	}

	payload, err := st.parse(c.Text)
	if err != nil {
		a.Outcome, a.Err = OutcomeParseFailed, err
		return a
	}
	if err := validate(payload); err != nil {
		a.Outcome, a.Err = OutcomeSchemaInvalid, err
		return a
	}

	a.Outcome, a.Payload = OutcomeOK, payload
	return a
}

// runStages walks the stages in order and returns the first successful
// attempt. ok is false when every stage failed or ctx ended first.
func runStages[P any](ctx context.Context, o *Orchestrator, req GenerationRequest, stages []stage[P], validate func(P) error) (Attempt[P], bool) {
	ctx, span := tracer.Start(ctx, "orchestrator."+req.Type,
		trace.WithAttributes(
			attribute.String("generation.type", req.Type),
			attribute.String("generation.trigger", req.Trigger),
			attribute.String("user.id", req.UserID.String()),
		),
	)
	defer span.End()

	generationID := req.GenerationID
	if generationID == uuid.Nil {
		generationID = uuid.New()
	}
	var last Attempt[P]
	for _, st := range stages {
		if ctx.Err() != nil {
			last = Attempt[P]{Mode: st.mode, Outcome: OutcomeTransportError, Err: ctx.Err()}
			break
		}

		a := runAttempt(ctx, o.gen, st, validate)
		o.record(ctx, req, generationID, a.Mode, a.Outcome, a.Completion, a.Latency, a.Err)
		span.AddEvent("attempt", trace.WithAttributes(
			attribute.String("mode", a.Mode),
			attribute.String("outcome", a.Outcome.String()),
		))
		last = a
		if a.Outcome == OutcomeOK {
			span.SetAttributes(attribute.String("generation.mode", a.Mode))
			return a, true
		}
	}

	generationFallbacks.WithLabelValues(req.Type).Inc()
	span.SetAttributes(attribute.String("generation.mode", models.ModePlaceholder))
	if last.Err != nil {
		span.SetStatus(codes.Error, last.Err.Error())
	}
	return last, false
}

// record writes one generation log row. Failures here are logged and dropped.
func (o *Orchestrator) record(ctx context.Context, req GenerationRequest, generationID uuid.UUID, mode string, outcome Outcome, c Completion, latency time.Duration, attemptErr error) {
	generationAttempts.WithLabelValues(req.Type, mode, outcome.String()).Inc()
	generationLatency.WithLabelValues(req.Type, mode).Observe(latency.Seconds())

	entry := &models.GenerationLog{
		GenerationID: generationID,
		UserID:       req.UserID,
		Type:         req.Type,
		Trigger:      req.Trigger,
		Model:        o.gen.Model(),
		Mode:         mode,
		LatencyMs:    latency.Milliseconds(),
		Success:      outcome == OutcomeOK,
	}
	if outcome == OutcomeOK {
		entry.PromptTokens = c.PromptTokens
		entry.CompletionTokens = c.CompletionTokens
	} else if attemptErr != nil {
		msg := fmt.Sprintf("%s: %v", outcome, attemptErr)
		entry.ErrorMessage = &msg
	}

	if o.logs == nil {
		return
	}
	// The write outlives a timed-out chat context.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.logs.Insert(logCtx, entry); err != nil {
		o.log.Warn("generation log write failed", "type", req.Type, "mode", mode, "error", err)
	}
}

func (o *Orchestrator) meta(mode string, c Completion, latency time.Duration) models.GenerationMeta {
	return models.GenerationMeta{
		Model:            o.gen.Model(),
		Mode:             mode,
		PromptTokens:     c.PromptTokens,
		CompletionTokens: c.CompletionTokens,
		LatencyMs:        latency.Milliseconds(),
	}
}

func placeholderMeta(model string) models.GenerationMeta {
	return models.GenerationMeta{Model: model, Mode: models.ModePlaceholder, Fallback: true}
}

// ChatReply is a generated or fallback assistant reply.
type ChatReply struct {
	Text     string
	Meta     models.GenerationMeta
	Fallback bool
}

type chatPayload struct {
	Reply *string `json:"reply"`
}

func (p chatPayload) validate() error {
	if p.Reply == nil || strings.TrimSpace(*p.Reply) == "" {
		return fmt.Errorf("%w: reply missing", learning.ErrMalformedPayload)
	}
	return nil
}

// parseChatText accepts either the JSON shape or bare prose.
func parseChatText(text string) (chatPayload, error) {
	if p, err := parseLooseJSON[chatPayload](text); err == nil && p.Reply != nil {
		return p, nil
	}
	reply := strings.TrimSpace(text)
	return chatPayload{Reply: &reply}, nil
}

// FallbackReply is the fixed reply used when no generation succeeded.
func FallbackReply(content string) string {
	return fmt.Sprintf("Reply generation is unavailable right now. Your message was received: %q", content)
}

// GenerateChatReply answers content in the context of history. When
// CHAT_REPLY_TIMEOUT elapses first the fallback reply is returned.
func (o *Orchestrator) GenerateChatReply(ctx context.Context, userID uuid.UUID, history []*models.ChatMessage, content string) ChatReply {
	if o.chatTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.chatTimeout)
		defer cancel()
	}

	prompt := buildChatPrompt(history, content)
	req := GenerationRequest{UserID: userID, Type: models.GenerationChat, Trigger: models.TriggerMessage}
	a, ok := runStages(ctx, o, req, []stage[chatPayload]{
		{mode: models.ModeStructured, prompt: prompt, schema: chatReplySchema, parse: parseJSON[chatPayload]},
		{mode: models.ModeFreeText, prompt: prompt, parse: parseChatText},
	}, chatPayload.validate)

	if !ok {
		return ChatReply{Text: FallbackReply(content), Meta: placeholderMeta(o.gen.Model()), Fallback: true}
	}
	return ChatReply{Text: strings.TrimSpace(*a.Payload.Reply), Meta: o.meta(a.Mode, a.Completion, a.Latency)}
}

// PlaceholderSummary is the single summary line of a failed material generation.
const PlaceholderSummary = "Learning material could not be generated for this message."

// GenerateMaterial extracts Material from an assistant message. The payload
// goes through term filtering, offset reconciliation and mention dedup.
func (o *Orchestrator) GenerateMaterial(ctx context.Context, req GenerationRequest, message *models.ChatMessage) (models.Material, bool) {
	req.Type = models.GenerationMaterial
	prompt := buildMaterialPrompt(message.Content)
	a, ok := runStages(ctx, o, req, []stage[learning.MaterialPayload]{
		{mode: models.ModeStructured, prompt: prompt, schema: materialSchema, parse: parseJSON[learning.MaterialPayload]},
		{mode: models.ModeFreeText, prompt: prompt + freeTextSuffix, parse: parseLooseJSON[learning.MaterialPayload]},
	}, learning.MaterialPayload.Validate)

	var m models.Material
	if ok {
		m = learning.BuildMaterial(message.Content, a.Payload)
		m.Generation = o.meta(a.Mode, a.Completion, a.Latency)
	} else {
		m = models.Material{
			Summary:    []string{PlaceholderSummary},
			Terms:      []models.Term{},
			Mentions:   []models.Mention{},
			Generation: placeholderMeta(o.gen.Model()),
		}
	}
	m.MessageID = message.ID
	m.ConversationID = message.ConversationID
	return m, !ok
}

// GenerateQuizCards writes up to count cards for one conversation. Invalid
// cards are dropped; a failed generation yields no cards.
func (o *Orchestrator) GenerateQuizCards(ctx context.Context, req GenerationRequest, conv models.ConversationActivity, messages []*models.ChatMessage, count int) ([]models.QuizCard, models.GenerationMeta) {
	req.Type = models.GenerationQuiz
	prompt := buildQuizPrompt(conv.Title, messages, count)
	a, ok := runStages(ctx, o, req, []stage[learning.QuizPayload]{
		{mode: models.ModeStructured, prompt: prompt, schema: quizSchema, parse: parseJSON[learning.QuizPayload]},
		{mode: models.ModeFreeText, prompt: prompt + freeTextSuffix, parse: parseLooseJSON[learning.QuizPayload]},
	}, learning.QuizPayload.Validate)

	if !ok {
		return []models.QuizCard{}, placeholderMeta(o.gen.Model())
	}

	sources := make([]uuid.UUID, 0, len(messages))
	for _, m := range messages {
		sources = append(sources, m.ID)
	}
	cards := learning.BuildCards(*a.Payload.Cards, conv.ConversationID, sources)
	if len(cards) > count {
		cards = cards[:count]
	}
	return cards, o.meta(a.Mode, a.Completion, a.Latency)
}

// GenerateSheet builds a review sheet for a conversation.
func (o *Orchestrator) GenerateSheet(ctx context.Context, req GenerationRequest, conv *models.Conversation, messages []*models.ChatMessage) (models.ConversationSheet, bool) {
	req.Type = models.GenerationSheet
	prompt := buildSheetPrompt(conv.Title, messages)
	a, ok := runStages(ctx, o, req, []stage[learning.SheetPayload]{
		{mode: models.ModeStructured, prompt: prompt, schema: sheetSchema, parse: parseJSON[learning.SheetPayload]},
		{mode: models.ModeFreeText, prompt: prompt + freeTextSuffix, parse: parseLooseJSON[learning.SheetPayload]},
	}, learning.SheetPayload.Validate)

	if !ok {
		return models.ConversationSheet{
			ConversationID: conv.ID,
			Title:          conv.Title,
			KeyPoints:      []string{},
			Terms:          []string{},
			Generation:     placeholderMeta(o.gen.Model()),
		}, true
	}
	return models.ConversationSheet{
		ConversationID: conv.ID,
		Title:          strings.TrimSpace(*a.Payload.Title),
		KeyPoints:      nonBlank(*a.Payload.KeyPoints),
		Terms:          nonBlank(*a.Payload.Terms),
		Generation:     o.meta(a.Mode, a.Completion, a.Latency),
	}, false
}

func nonBlank(items []string) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
