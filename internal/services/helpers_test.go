package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"

	"manabi-backend/internal/logger"
	"manabi-backend/internal/models"
	"manabi-backend/internal/repository"
	"manabi-backend/internal/versioning"
)

// stubGenerator answers every call through respond. Calls are counted per
// structured/free-text mode.
type stubGenerator struct {
	mu         sync.Mutex
	respond    func(ctx context.Context, prompt string, structured bool) (Completion, error)
	structured int
	freeText   int
}

func (g *stubGenerator) Generate(ctx context.Context, prompt string, schema *genai.Schema) (Completion, error) {
	g.mu.Lock()
	if schema != nil {
		g.structured++
	} else {
		g.freeText++
	}
	g.mu.Unlock()
	return g.respond(ctx, prompt, schema != nil)
}

func (g *stubGenerator) Model() string { return "test-model" }

func (g *stubGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.structured + g.freeText
}

func reply(text string) func(context.Context, string, bool) (Completion, error) {
	return func(context.Context, string, bool) (Completion, error) {
		return Completion{Text: text, PromptTokens: 10, CompletionTokens: 5}, nil
	}
}

// byPrompt picks a response by the kind of prompt being sent.
func byPrompt(material, quiz, chat string) func(context.Context, string, bool) (Completion, error) {
	return func(_ context.Context, prompt string, _ bool) (Completion, error) {
		switch {
		case strings.Contains(prompt, "multiple-choice"):
			return Completion{Text: quiz}, nil
		case strings.Contains(prompt, "glossary"):
			return Completion{Text: material}, nil
		}
		return Completion{Text: chat}, nil
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.WSMessage
}

func (p *recordingPublisher) Publish(_ context.Context, _ uuid.UUID, msg models.WSMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, msg)
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []models.MaterialJob
	err  error
}

func (q *recordingQueue) Push(_ context.Context, job models.MaterialJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type testEnv struct {
	gen           *stubGenerator
	conversations *repository.MemoryConversationRepo
	logs          *repository.MemoryGenerationLogRepo
	materials     *repository.MemoryMaterials
	quizzes       *repository.MemoryDailyQuizzes
	publisher     *recordingPublisher
	queue         *recordingQueue
	orchestrator  *Orchestrator

	chat         *ChatService
	material     *MaterialService
	quiz         *QuizService
	conversation *ConversationService
	sheet        *SheetService
}

func newTestEnv(t *testing.T, respond func(context.Context, string, bool) (Completion, error)) *testEnv {
	t.Helper()

	log := logger.Nop()
	e := &testEnv{
		gen:           &stubGenerator{respond: respond},
		conversations: repository.NewMemoryConversationRepo(),
		logs:          repository.NewMemoryGenerationLogRepo(),
		quizzes:       repository.NewMemoryDailyQuizzes(),
		publisher:     &recordingPublisher{},
		queue:         &recordingQueue{},
	}
	e.materials = repository.NewMemoryMaterials(e.conversations)
	e.orchestrator = NewOrchestrator(e.gen, e.logs, log, time.Second)

	limiter := NewGenerationLimiter(e.logs)
	materialStore := versioning.NewStore[models.Material]("material", e.materials)
	quizStore := versioning.NewStore[models.DailyQuiz]("daily_quiz", e.quizzes)

	e.chat = NewChatService(e.conversations, e.orchestrator, limiter, e.queue, log)
	e.material = NewMaterialService(e.conversations, materialStore, e.orchestrator, limiter, e.publisher, log)
	e.quiz = NewQuizService(e.conversations, quizStore, e.orchestrator, limiter, e.publisher, QuizOptions{MaxTotal: 10, MaxPerConversation: 5}, log)
	e.conversation = NewConversationService(e.conversations, e.materials, e.quizzes, log)
	e.sheet = NewSheetService(e.conversations, e.orchestrator, limiter)
	return e
}

func (e *testEnv) newConversation(t *testing.T, userID uuid.UUID, title string) *models.Conversation {
	t.Helper()
	c, err := e.conversation.Create(context.Background(), userID, models.CreateConversationRequest{Title: title})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return c
}

func (e *testEnv) addMessage(t *testing.T, userID, convID uuid.UUID, role, content string) *models.ChatMessage {
	t.Helper()
	m := &models.ChatMessage{ConversationID: convID, UserID: userID, Role: role, Content: content}
	if err := e.conversations.AppendMessage(context.Background(), m); err != nil {
		t.Fatalf("append message: %v", err)
	}
	return m
}

const materialJSON = `{
  "summary": ["Goroutines are cheap threads."],
  "terms": [{"term_id": "t1", "surface": "goroutine", "reading": "", "definition": "A lightweight thread.", "category": "technical", "confidence": 0.9}],
  "mentions": [{"term_id": "t1", "surface": "goroutine", "start_offset": 0, "end_offset": 9, "confidence": 0.9}]
}`

const quizJSON = `{"cards": [
  {"tag": "What", "question": "What is a goroutine?", "choices": ["A thread", "A file", "A socket", "A map"], "answer": "A thread", "explanation": "It is a lightweight thread."},
  {"tag": "Why", "question": "Why use channels?", "choices": ["To sync", "To sleep", "To print", "To exit"], "answer": "To sync", "explanation": "Channels synchronise goroutines."}
]}`
