package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"manabi-backend/internal/logger"
	"manabi-backend/internal/models"
	"manabi-backend/internal/repository"
)

func TestGenerateChatReply_Structured(t *testing.T) {
	env := newTestEnv(t, reply(`{"reply": "  Goroutines are scheduled by the runtime.  "}`))
	userID := uuid.New()

	got := env.orchestrator.GenerateChatReply(context.Background(), userID, nil, "what is a goroutine?")
	if got.Fallback {
		t.Fatalf("expected a generated reply")
	}
	if got.Text != "Goroutines are scheduled by the runtime." {
		t.Fatalf("unexpected reply %q", got.Text)
	}
	if got.Meta.Mode != models.ModeStructured || got.Meta.PromptTokens != 10 {
		t.Fatalf("unexpected meta %+v", got.Meta)
	}

	logs := env.logs.Logs()
	if len(logs) != 1 || !logs[0].Success || logs[0].Type != models.GenerationChat {
		t.Fatalf("expected one successful chat log, got %+v", logs)
	}
}

func TestGenerateChatReply_FreeTextAfterStructuredFailure(t *testing.T) {
	env := newTestEnv(t, func(_ context.Context, _ string, structured bool) (Completion, error) {
		if structured {
			return Completion{}, errors.New("schema mode unavailable")
		}
		return Completion{Text: "Plain prose answer."}, nil
	})

	got := env.orchestrator.GenerateChatReply(context.Background(), uuid.New(), nil, "hi")
	if got.Fallback || got.Meta.Mode != models.ModeFreeText || got.Text != "Plain prose answer." {
		t.Fatalf("expected free-text reply, got %+v", got)
	}

	logs := env.logs.Logs()
	if len(logs) != 2 {
		t.Fatalf("expected two attempts logged, got %d", len(logs))
	}
	if logs[0].Success || logs[0].ErrorMessage == nil || !strings.HasPrefix(*logs[0].ErrorMessage, "transport_error") {
		t.Fatalf("expected failed structured attempt, got %+v", logs[0])
	}
	if logs[0].GenerationID != logs[1].GenerationID {
		t.Fatalf("attempts of one generation must share a generation id")
	}
}

func TestGenerateChatReply_TimeoutFallsBack(t *testing.T) {
	gen := &stubGenerator{respond: func(ctx context.Context, _ string, _ bool) (Completion, error) {
		<-ctx.Done()
		return Completion{}, ctx.Err()
	}}
	o := NewOrchestrator(gen, repository.NewMemoryGenerationLogRepo(), logger.Nop(), 20*time.Millisecond)

	got := o.GenerateChatReply(context.Background(), uuid.New(), nil, "hello there")
	if !got.Fallback || got.Text != FallbackReply("hello there") {
		t.Fatalf("expected fallback reply, got %+v", got)
	}
	if got.Meta.Mode != models.ModePlaceholder {
		t.Fatalf("expected placeholder mode, got %q", got.Meta.Mode)
	}
	if gen.calls() != 1 {
		t.Fatalf("expected free-text stage to be skipped after timeout, got %d calls", gen.calls())
	}
}

func TestGenerateMaterial_PlaceholderWhenUnparseable(t *testing.T) {
	env := newTestEnv(t, reply("I cannot produce JSON today."))
	msg := &models.ChatMessage{ID: uuid.New(), ConversationID: uuid.New(), UserID: uuid.New(), Role: "assistant", Content: "goroutine text"}

	m, fallback := env.orchestrator.GenerateMaterial(context.Background(), GenerationRequest{UserID: msg.UserID, Trigger: models.TriggerMessage}, msg)
	if !fallback {
		t.Fatalf("expected placeholder material")
	}
	if len(m.Summary) != 1 || m.Summary[0] != PlaceholderSummary || len(m.Terms) != 0 || len(m.Mentions) != 0 {
		t.Fatalf("unexpected placeholder material %+v", m)
	}
	if m.MessageID != msg.ID || m.ConversationID != msg.ConversationID {
		t.Fatalf("placeholder must keep message and conversation ids")
	}

	logs := env.logs.Logs()
	if len(logs) != 2 {
		t.Fatalf("expected both stages logged, got %d", len(logs))
	}
	for _, l := range logs {
		if l.Success || l.PromptTokens != 0 || l.Mode == models.ModePlaceholder {
			t.Fatalf("unexpected log entry %+v", l)
		}
	}
}

func TestGenerateMaterial_SchemaInvalidFallsThrough(t *testing.T) {
	env := newTestEnv(t, func(_ context.Context, _ string, structured bool) (Completion, error) {
		if structured {
			return Completion{Text: `{"summary": ["only a summary"]}`}, nil
		}
		return Completion{Text: "```json\n" + materialJSON + "\n```"}, nil
	})
	msg := &models.ChatMessage{ID: uuid.New(), UserID: uuid.New(), Role: "assistant", Content: "goroutine is a lightweight thread"}

	m, fallback := env.orchestrator.GenerateMaterial(context.Background(), GenerationRequest{UserID: msg.UserID}, msg)
	if fallback || m.Generation.Mode != models.ModeFreeText {
		t.Fatalf("expected free-text material, got mode %q fallback %v", m.Generation.Mode, fallback)
	}
	if len(m.Terms) != 1 || len(m.Mentions) != 1 {
		t.Fatalf("expected one term and mention, got %+v", m)
	}
	if msg := env.logs.Logs()[0].ErrorMessage; msg == nil || !strings.HasPrefix(*msg, "schema_invalid") {
		t.Fatalf("expected schema_invalid outcome logged, got %v", msg)
	}
}

func TestGenerateQuizCards_DropsInvalidAndTruncates(t *testing.T) {
	payload := `{"cards": [
	  {"tag": "What", "question": "Q1", "choices": ["a", "b", "c", "d"], "answer": "a", "explanation": "e"},
	  {"tag": "Trivia", "question": "Q2", "choices": ["a", "b", "c", "d"], "answer": "a", "explanation": "e"},
	  {"tag": "How", "question": "Q3", "choices": ["a", "a", "c", "d"], "answer": "a", "explanation": "e"},
	  {"tag": "Why", "question": "Q4", "choices": ["a", "b", "c", "d"], "answer": "d", "explanation": "e"},
	  {"tag": "When", "question": "Q5", "choices": ["a", "b", "c", "d"], "answer": "b", "explanation": "e"}
	]}`
	env := newTestEnv(t, reply(payload))
	conv := models.ConversationActivity{ConversationID: uuid.New(), Title: "Go", MessageCount: 2}
	msgs := []*models.ChatMessage{{ID: uuid.New(), Content: "x"}, {ID: uuid.New(), Content: "y"}}

	cards, meta := env.orchestrator.GenerateQuizCards(context.Background(), GenerationRequest{UserID: uuid.New()}, conv, msgs, 2)
	if meta.Fallback {
		t.Fatalf("expected generated cards")
	}
	if len(cards) != 2 || cards[0].Question != "Q1" || cards[1].Question != "Q4" {
		t.Fatalf("unexpected cards %+v", cards)
	}
	if cards[1].CorrectIndex != 3 || cards[0].ConversationID != conv.ConversationID || len(cards[0].Sources) != 2 {
		t.Fatalf("unexpected card fields %+v", cards[1])
	}
}

func TestOutcomeString(t *testing.T) {
	cases := map[Outcome]string{
		OutcomeOK:             "ok",
		OutcomeParseFailed:    "parse_failed",
		OutcomeSchemaInvalid:  "schema_invalid",
		OutcomeTransportError: "transport_error",
		Outcome(42):           "unknown",
	}
	for o, want := range cases {
		if got := o.String(); got != want {
			t.Fatalf("Outcome(%d).String() = %q, want %q", int(o), got, want)
		}
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "bare object", in: `{"a":1}`, want: `{"a":1}`},
		{name: "fenced", in: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "prose around object", in: `Sure! {"a":{"b":2}} Hope that helps.`, want: `{"a":{"b":2}}`},
		{name: "array", in: `Here: [1,2,3]`, want: `[1,2,3]`},
		{name: "no json", in: "nothing here", want: "nothing here"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractJSON(tt.in); got != tt.want {
				t.Fatalf("extractJSON(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
