package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"manabi-backend/internal/logger"
	"manabi-backend/internal/models"
	"manabi-backend/internal/repository"
	"manabi-backend/internal/versioning"
)

func TestSendMessage_QueuesMaterialJob(t *testing.T) {
	env := newTestEnv(t, reply(`{"reply": "A goroutine is a lightweight thread."}`))
	userID := uuid.New()
	conv := env.newConversation(t, userID, "Go basics")

	resp, err := env.chat.SendMessage(context.Background(), userID, conv.ID, models.SendMessageRequest{Content: "  what is a goroutine?  "})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if resp.UserMessage.Content != "what is a goroutine?" || resp.AssistantMessage.Role != "assistant" {
		t.Fatalf("unexpected messages %+v %+v", resp.UserMessage, resp.AssistantMessage)
	}
	if !resp.MaterialPending || len(env.queue.jobs) != 1 {
		t.Fatalf("expected one queued material job, got pending=%v jobs=%d", resp.MaterialPending, len(env.queue.jobs))
	}
	if job := env.queue.jobs[0]; job.MessageID != resp.AssistantMessage.ID || job.Trigger != models.TriggerMessage {
		t.Fatalf("unexpected job %+v", job)
	}

	stored, err := env.conversations.GetByID(context.Background(), userID, conv.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if stored.MessageCount != 2 {
		t.Fatalf("expected message_count 2, got %d", stored.MessageCount)
	}
}

func TestSendMessage_FallbackSkipsMaterial(t *testing.T) {
	env := newTestEnv(t, func(context.Context, string, bool) (Completion, error) {
		return Completion{}, errors.New("upstream down")
	})
	userID := uuid.New()
	conv := env.newConversation(t, userID, "Go basics")

	resp, err := env.chat.SendMessage(context.Background(), userID, conv.ID, models.SendMessageRequest{Content: "hello"})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if !resp.AssistantMessage.UsedFallback || resp.AssistantMessage.Content != FallbackReply("hello") {
		t.Fatalf("expected fallback reply, got %+v", resp.AssistantMessage)
	}
	if resp.MaterialPending || len(env.queue.jobs) != 0 {
		t.Fatalf("material must not be queued for fallback replies")
	}
}

func TestSendMessage_QueueFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t, reply(`{"reply": "ok"}`))
	env.queue.err = errors.New("redis unavailable")
	userID := uuid.New()
	conv := env.newConversation(t, userID, "Go")

	resp, err := env.chat.SendMessage(context.Background(), userID, conv.ID, models.SendMessageRequest{Content: "hi"})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if resp.MaterialPending {
		t.Fatalf("expected material_pending false when the job could not be queued")
	}
}

func TestSendMessage_Validation(t *testing.T) {
	env := newTestEnv(t, reply(`{"reply": "ok"}`))
	userID := uuid.New()
	conv := env.newConversation(t, userID, "Go")

	_, err := env.chat.SendMessage(context.Background(), userID, conv.ID, models.SendMessageRequest{Content: "   "})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Fields["content"] == "" {
		t.Fatalf("expected content validation error, got %v", err)
	}

	_, err = env.chat.SendMessage(context.Background(), uuid.New(), conv.ID, models.SendMessageRequest{Content: "hi"})
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError for another user's conversation, got %v", err)
	}
	if env.gen.calls() != 0 {
		t.Fatalf("generator must not be called on rejected requests")
	}
}

func TestSendMessage_RateLimited(t *testing.T) {
	env := newTestEnv(t, reply(`{"reply": "ok"}`))
	userID := uuid.New()
	conv := env.newConversation(t, userID, "Go")

	for i := 0; i < ChatRule.Limit; i++ {
		l := &models.GenerationLog{GenerationID: uuid.New(), UserID: userID, Type: models.GenerationChat, Trigger: models.TriggerMessage}
		if err := env.logs.Insert(context.Background(), l); err != nil {
			t.Fatalf("insert log: %v", err)
		}
	}

	_, err := env.chat.SendMessage(context.Background(), userID, conv.ID, models.SendMessageRequest{Content: "hi"})
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rl.RetryAfterSeconds < 1 || rl.RetryAfterSeconds > 60 {
		t.Fatalf("unexpected retry after %d", rl.RetryAfterSeconds)
	}
}

func TestGenerationLimiter_CountsGenerationsNotAttempts(t *testing.T) {
	logs := repository.NewMemoryGenerationLogRepo()
	userID := uuid.New()
	generationID := uuid.New()
	for i := 0; i < 2; i++ {
		_ = logs.Insert(context.Background(), &models.GenerationLog{GenerationID: generationID, UserID: userID, Type: models.GenerationSheet})
	}

	limiter := NewGenerationLimiter(logs)
	rule := Rule{Type: models.GenerationSheet, Limit: 2, Window: time.Hour}
	if err := limiter.Check(context.Background(), userID, rule); err != nil {
		t.Fatalf("two attempts of one generation must count once, got %v", err)
	}

	_ = logs.Insert(context.Background(), &models.GenerationLog{GenerationID: uuid.New(), UserID: userID, Type: models.GenerationSheet})
	if err := limiter.Check(context.Background(), userID, rule); err == nil {
		t.Fatalf("expected the limit to be reached")
	}

	var nilLimiter *GenerationLimiter
	if err := nilLimiter.Check(context.Background(), userID, rule); err != nil {
		t.Fatalf("nil limiter must allow, got %v", err)
	}
}

func TestMaterial_GenerateRegenerateSwitch(t *testing.T) {
	env := newTestEnv(t, reply(materialJSON))
	ctx := context.Background()
	userID := uuid.New()
	conv := env.newConversation(t, userID, "Go")
	msg := env.addMessage(t, userID, conv.ID, "assistant", "goroutine is a lightweight thread")

	job := models.MaterialJob{ID: uuid.New(), UserID: userID, MessageID: msg.ID, Trigger: models.TriggerMessage}
	if err := env.material.GenerateForMessage(ctx, job); err != nil {
		t.Fatalf("GenerateForMessage() error = %v", err)
	}

	v2, err := env.material.Regenerate(ctx, userID, msg.ID)
	if err != nil {
		t.Fatalf("Regenerate() error = %v", err)
	}
	if v2.Version != 2 || v2.ID != msg.ID.String()+"_v2" {
		t.Fatalf("unexpected regenerated version %+v", v2)
	}

	versions, err := env.material.ListVersions(ctx, userID, msg.ID)
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(versions) != 2 || versions[0].Version != 2 || !versions[0].IsActive || versions[1].IsActive {
		t.Fatalf("expected v2 active and v1 retained, got %+v", versions)
	}

	active, err := env.material.SwitchVersion(ctx, userID, msg.ID, models.SwitchVersionRequest{Version: 1})
	if err != nil {
		t.Fatalf("SwitchVersion() error = %v", err)
	}
	if active.Version != 1 {
		t.Fatalf("expected v1 active, got %d", active.Version)
	}
	stored, _ := env.conversations.GetMessage(ctx, userID, msg.ID)
	if stored.ActiveMaterialVersion == nil || *stored.ActiveMaterialVersion != 1 {
		t.Fatalf("expected message mirror of active version 1, got %v", stored.ActiveMaterialVersion)
	}

	_, err = env.material.SwitchVersion(ctx, userID, msg.ID, models.SwitchVersionRequest{Version: 9})
	if !errors.Is(err, versioning.ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}
	if got := env.publisher.count(models.EventMaterialReady); got != 2 {
		t.Fatalf("expected 2 material_ready events, got %d", got)
	}
}

func TestMaterial_RegenerateRejectsUserAndFallbackMessages(t *testing.T) {
	env := newTestEnv(t, reply(materialJSON))
	ctx := context.Background()
	userID := uuid.New()
	conv := env.newConversation(t, userID, "Go")
	userMsg := env.addMessage(t, userID, conv.ID, "user", "hi")
	fallback := &models.ChatMessage{ConversationID: conv.ID, UserID: userID, Role: "assistant", Content: FallbackReply("hi"), UsedFallback: true}
	if err := env.conversations.AppendMessage(ctx, fallback); err != nil {
		t.Fatalf("append: %v", err)
	}

	for _, id := range []uuid.UUID{userMsg.ID, fallback.ID} {
		var verr *ValidationError
		if _, err := env.material.Regenerate(ctx, userID, id); !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError for %s, got %v", id, err)
		}
	}
	if env.gen.calls() != 0 {
		t.Fatalf("generator must not run for rejected regenerations")
	}
}

func TestMaterial_GetActiveWaitsForPendingMaterial(t *testing.T) {
	env := newTestEnv(t, reply(materialJSON))
	ctx := context.Background()
	userID := uuid.New()
	conv := env.newConversation(t, userID, "Go")
	msg := env.addMessage(t, userID, conv.ID, "assistant", "goroutine is a lightweight thread")

	var nf *NotFoundError
	if _, err := env.material.GetActive(ctx, userID, msg.ID, 0); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError before generation, got %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(50 * time.Millisecond)
		_ = env.material.GenerateForMessage(ctx, models.MaterialJob{UserID: userID, MessageID: msg.ID, Trigger: models.TriggerMessage})
	}()

	v, err := env.material.GetActive(ctx, userID, msg.ID, 3*time.Second)
	wg.Wait()
	if err != nil {
		t.Fatalf("GetActive() error = %v", err)
	}
	if v.Version != 1 || len(v.Payload.Terms) != 1 {
		t.Fatalf("unexpected material %+v", v)
	}
}

func TestRunDailyJob_IsIdempotent(t *testing.T) {
	env := newTestEnv(t, reply(quizJSON))
	ctx := context.Background()
	userID := uuid.New()
	conv := env.newConversation(t, userID, "Go")
	env.addMessage(t, userID, conv.ID, "user", "what is a goroutine?")
	env.addMessage(t, userID, conv.ID, "assistant", "a lightweight thread")
	today := time.Now().UTC().Format(repository.DateLayout)

	first, err := env.quiz.RunDailyJob(ctx, userID, today)
	if err != nil {
		t.Fatalf("RunDailyJob() error = %v", err)
	}
	if first == nil || first.Version != 1 || len(first.Payload.Cards) != 2 {
		t.Fatalf("unexpected first run %+v", first)
	}
	if first.Payload.IdempotencyKey != DailyIdempotencyKey(userID, today) {
		t.Fatalf("unexpected idempotency key %q", first.Payload.IdempotencyKey)
	}
	calls := env.gen.calls()

	second, err := env.quiz.RunDailyJob(ctx, userID, today)
	if err != nil {
		t.Fatalf("second RunDailyJob() error = %v", err)
	}
	if second.ID != first.ID || env.gen.calls() != calls {
		t.Fatalf("second run must not generate again")
	}
	if got := env.publisher.count(models.EventDailyQuizReady); got != 1 {
		t.Fatalf("expected one daily_quiz_ready event, got %d", got)
	}

	regen, err := env.quiz.Regenerate(ctx, userID, today)
	if err != nil {
		t.Fatalf("Regenerate() error = %v", err)
	}
	if regen.Version != 2 || regen.ID != today+"_v2" {
		t.Fatalf("unexpected regenerated quiz %+v", regen)
	}
}

func TestRunDailyJob_NoConversations(t *testing.T) {
	env := newTestEnv(t, reply(quizJSON))

	v, err := env.quiz.RunDailyJob(context.Background(), uuid.New(), "2026-01-05")
	if err != nil || v != nil {
		t.Fatalf("expected no version and no error, got %v %v", v, err)
	}
	if env.gen.calls() != 0 {
		t.Fatalf("generator must not run without conversations")
	}
}

func TestParseQuizDate(t *testing.T) {
	from, to, err := ParseQuizDate("2026-03-01")
	if err != nil {
		t.Fatalf("ParseQuizDate() error = %v", err)
	}
	if !from.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) || to.Sub(from) != 24*time.Hour {
		t.Fatalf("unexpected window %v..%v", from, to)
	}

	for _, bad := range []string{"", "2026-3-1", "2026-02-30", "yesterday"} {
		var verr *ValidationError
		if _, _, err := ParseQuizDate(bad); !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError for %q, got %v", bad, err)
		}
	}
}

func TestConversationDelete_Cascades(t *testing.T) {
	env := newTestEnv(t, byPrompt(materialJSON, quizJSON, `{"reply":"ok"}`))
	ctx := context.Background()
	userID := uuid.New()
	doomed := env.newConversation(t, userID, "Doomed")
	kept := env.newConversation(t, userID, "Kept")

	var msgs []*models.ChatMessage
	for _, c := range []*models.Conversation{doomed, kept} {
		env.addMessage(t, userID, c.ID, "user", "question")
		m := env.addMessage(t, userID, c.ID, "assistant", "goroutine is a lightweight thread")
		if err := env.material.GenerateForMessage(ctx, models.MaterialJob{UserID: userID, MessageID: m.ID, Trigger: models.TriggerMessage}); err != nil {
			t.Fatalf("GenerateForMessage() error = %v", err)
		}
		msgs = append(msgs, m)
	}
	today := time.Now().UTC().Format(repository.DateLayout)
	quiz, err := env.quiz.RunDailyJob(ctx, userID, today)
	if err != nil || len(quiz.Payload.Cards) != 4 {
		t.Fatalf("expected 4 cards across both conversations, got %v %v", quiz, err)
	}

	if err := env.conversation.Delete(ctx, userID, doomed.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if _, err := env.conversations.GetByID(ctx, userID, doomed.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected conversation gone, got %v", err)
	}
	if v, _ := env.materials.Active(ctx, materialKey(userID, msgs[0].ID)); v != nil {
		t.Fatalf("expected material of deleted conversation removed")
	}
	if v, _ := env.materials.Active(ctx, materialKey(userID, msgs[1].ID)); v == nil {
		t.Fatalf("material of other conversation must survive")
	}

	after, err := env.quiz.GetActive(ctx, userID, today)
	if err != nil {
		t.Fatalf("GetActive() error = %v", err)
	}
	if after.Version != quiz.Version || len(after.Payload.Cards) != 2 {
		t.Fatalf("expected same quiz version with 2 cards left, got v%d with %d", after.Version, len(after.Payload.Cards))
	}
	for _, c := range after.Payload.Cards {
		if c.ConversationID == doomed.ID {
			t.Fatalf("card of deleted conversation survived")
		}
	}

	var nf *NotFoundError
	if err := env.conversation.Delete(ctx, userID, doomed.ID); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError on second delete, got %v", err)
	}
}

func TestConversationPurgeExpired_Cascades(t *testing.T) {
	env := newTestEnv(t, byPrompt(materialJSON, quizJSON, `{"reply":"ok"}`))
	ctx := context.Background()
	userID := uuid.New()
	conv := env.newConversation(t, userID, "Old")
	env.addMessage(t, userID, conv.ID, "user", "question")
	m := env.addMessage(t, userID, conv.ID, "assistant", "goroutine is a lightweight thread")
	if err := env.material.GenerateForMessage(ctx, models.MaterialJob{UserID: userID, MessageID: m.ID, Trigger: models.TriggerMessage}); err != nil {
		t.Fatalf("GenerateForMessage() error = %v", err)
	}
	today := time.Now().UTC().Format(repository.DateLayout)
	quiz, err := env.quiz.RunDailyJob(ctx, userID, today)
	if err != nil || quiz == nil {
		t.Fatalf("RunDailyJob() = %v, %v", quiz, err)
	}

	env.conversation.now = func() time.Time { return time.Now().Add(versioning.DefaultRetention - time.Hour) }
	if n, err := env.conversation.PurgeExpired(ctx); err != nil || n != 0 {
		t.Fatalf("PurgeExpired() before expiry = %d, %v", n, err)
	}

	env.conversation.now = func() time.Time { return time.Now().Add(versioning.DefaultRetention + time.Hour) }
	n, err := env.conversation.PurgeExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("PurgeExpired() = %d, %v, want 1", n, err)
	}
	if _, err := env.conversations.GetByID(ctx, userID, conv.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected conversation purged, got %v", err)
	}
	if v, _ := env.materials.Active(ctx, materialKey(userID, m.ID)); v != nil {
		t.Fatalf("expected material of purged conversation removed")
	}
	after, err := env.quiz.GetActive(ctx, userID, today)
	if err != nil {
		t.Fatalf("GetActive() error = %v", err)
	}
	if after.Version != quiz.Version || len(after.Payload.Cards) != 0 {
		t.Fatalf("expected quiz v%d kept with no cards, got v%d with %d", quiz.Version, after.Version, len(after.Payload.Cards))
	}
}

func TestSheet_Generate(t *testing.T) {
	env := newTestEnv(t, reply(`{"title": "Go routines", "key_points": ["cheap", " "], "terms": ["goroutine"]}`))
	ctx := context.Background()
	userID := uuid.New()
	conv := env.newConversation(t, userID, "Go")

	var verr *ValidationError
	if _, err := env.sheet.Generate(ctx, userID, conv.ID); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for empty conversation, got %v", err)
	}

	env.addMessage(t, userID, conv.ID, "user", "explain goroutines")
	sheet, err := env.sheet.Generate(ctx, userID, conv.ID)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if sheet.Title != "Go routines" || len(sheet.KeyPoints) != 1 || sheet.Generation.Fallback {
		t.Fatalf("unexpected sheet %+v", sheet)
	}
}

type countingRunner struct {
	mu    sync.Mutex
	runs  map[uuid.UUID]int
	fail  bool
	dates []string
}

func (r *countingRunner) RunDailyJob(_ context.Context, userID uuid.UUID, date string) (*versioning.Version[models.DailyQuiz], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[userID]++
	r.dates = append(r.dates, date)
	if r.fail {
		return nil, errors.New("generation store down")
	}
	return nil, nil
}

type staticUsers []uuid.UUID

func (u staticUsers) ListActiveUsersBetween(context.Context, time.Time, time.Time) ([]uuid.UUID, error) {
	return u, nil
}

func TestQuizRegenerate_CountsOnceAcrossConversations(t *testing.T) {
	env := newTestEnv(t, byPrompt(materialJSON, quizJSON, `{"reply":"ok"}`))
	ctx := context.Background()
	userID := uuid.New()
	for i := 0; i < RegenerateRule.Limit; i++ {
		c := env.newConversation(t, userID, "Topic")
		env.addMessage(t, userID, c.ID, "user", "what is a goroutine?")
	}
	today := time.Now().UTC().Format(repository.DateLayout)

	if _, err := env.quiz.Regenerate(ctx, userID, today); err != nil {
		t.Fatalf("first Regenerate() error = %v", err)
	}
	count, _, err := env.logs.CountSince(ctx, userID, "", models.TriggerRegenerate, time.Now().Add(-time.Hour))
	if err != nil || count != 1 {
		t.Fatalf("expected one regenerate generation, got %d (%v)", count, err)
	}

	v, err := env.quiz.Regenerate(ctx, userID, today)
	if err != nil {
		t.Fatalf("second Regenerate() error = %v", err)
	}
	if v.Version != 2 {
		t.Fatalf("expected version 2, got %d", v.Version)
	}
}

func TestQuizScheduler_RunsOncePerUserPerDay(t *testing.T) {
	users := staticUsers{uuid.New(), uuid.New(), uuid.New()}
	runner := &countingRunner{runs: map[uuid.UUID]int{}}
	s := NewQuizScheduler(users, runner, NewMemoryDayLock(), nil, 2, logger.Nop())
	now := time.Date(2026, 2, 16, 10, 0, 0, 0, time.UTC)

	s.RunDaily(context.Background(), now)
	s.RunDaily(context.Background(), now.Add(time.Hour))

	for _, u := range users {
		if runner.runs[u] != 1 {
			t.Fatalf("expected one run for %s, got %d", u, runner.runs[u])
		}
	}
	for _, d := range runner.dates {
		if d != "2026-02-15" {
			t.Fatalf("expected previous day, got %s", d)
		}
	}
}

func TestQuizScheduler_FailedJobIsRetried(t *testing.T) {
	users := staticUsers{uuid.New()}
	runner := &countingRunner{runs: map[uuid.UUID]int{}, fail: true}
	s := NewQuizScheduler(users, runner, NewMemoryDayLock(), nil, 1, logger.Nop())
	now := time.Date(2026, 2, 16, 10, 0, 0, 0, time.UTC)

	s.RunDaily(context.Background(), now)
	s.RunDaily(context.Background(), now)

	if runner.runs[users[0]] != 2 {
		t.Fatalf("expected failed job to release its lock, got %d runs", runner.runs[users[0]])
	}
}

func TestPreviousDay(t *testing.T) {
	date, from, to := previousDay(time.Date(2026, 3, 1, 0, 30, 0, 0, time.UTC))
	if date != "2026-02-28" {
		t.Fatalf("expected 2026-02-28, got %s", date)
	}
	if !to.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) || to.Sub(from) != 24*time.Hour {
		t.Fatalf("unexpected window %v..%v", from, to)
	}
}

func TestMemoryDayLock_Expires(t *testing.T) {
	l := NewMemoryDayLock()
	now := time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	key := dailyLockKey(uuid.New(), "2026-02-15")

	if ok, _ := l.Acquire(context.Background(), key, time.Hour); !ok {
		t.Fatalf("expected first acquire to succeed")
	}
	if ok, _ := l.Acquire(context.Background(), key, time.Hour); ok {
		t.Fatalf("expected second acquire to fail while held")
	}
	now = now.Add(2 * time.Hour)
	if ok, _ := l.Acquire(context.Background(), key, time.Hour); !ok {
		t.Fatalf("expected acquire after expiry to succeed")
	}
}
