package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"manabi-backend/internal/models"
	"manabi-backend/internal/versioning"
)

// In-process stores for STORE_BACKEND=memory and for service tests. They
// mirror the Postgres repos method for method.

type MemoryConversationRepo struct {
	mu            sync.RWMutex
	conversations map[uuid.UUID]*models.Conversation
	messages      map[uuid.UUID]*models.ChatMessage
	order         []uuid.UUID // message ids in insertion order
	now           func() time.Time
}

func NewMemoryConversationRepo() *MemoryConversationRepo {
	return &MemoryConversationRepo{
		conversations: make(map[uuid.UUID]*models.Conversation),
		messages:      make(map[uuid.UUID]*models.ChatMessage),
		now:           time.Now,
	}
}

func (r *MemoryConversationRepo) Create(ctx context.Context, c *models.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c.ID = uuid.New()
	c.CreatedAt = r.now()
	c.ExpiresAt = c.CreatedAt.Add(versioning.DefaultRetention)
	c.MessageCount = 0
	stored := *c
	r.conversations[c.ID] = &stored
	return nil
}

func (r *MemoryConversationRepo) GetByID(ctx context.Context, userID, id uuid.UUID) (*models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conversations[id]
	if !ok || c.UserID != userID {
		return nil, ErrNotFound
	}
	out := *c
	return &out, nil
}

func (r *MemoryConversationRepo) AppendMessage(ctx context.Context, m *models.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conversations[m.ConversationID]
	if !ok || c.UserID != m.UserID {
		return ErrNotFound
	}

	m.ID = uuid.New()
	m.CreatedAt = r.now()
	c.MessageCount++
	at := m.CreatedAt
	c.LastMessageAt = &at
	c.ExpiresAt = at.Add(versioning.DefaultRetention)

	stored := *m
	r.messages[m.ID] = &stored
	r.order = append(r.order, m.ID)
	return nil
}

func (r *MemoryConversationRepo) GetMessage(ctx context.Context, userID, id uuid.UUID) (*models.ChatMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.messages[id]
	if !ok || m.UserID != userID {
		return nil, ErrNotFound
	}
	out := *m
	return &out, nil
}

func (r *MemoryConversationRepo) ListMessages(ctx context.Context, userID, conversationID uuid.UUID, limit int) ([]*models.ChatMessage, error) {
	all := r.filterMessages(func(m *models.ChatMessage) bool {
		return m.UserID == userID && m.ConversationID == conversationID
	})
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (r *MemoryConversationRepo) ListMessagesBetween(ctx context.Context, userID, conversationID uuid.UUID, from, to time.Time) ([]*models.ChatMessage, error) {
	return r.filterMessages(func(m *models.ChatMessage) bool {
		return m.UserID == userID && m.ConversationID == conversationID && inWindow(m.CreatedAt, from, to)
	}), nil
}

func (r *MemoryConversationRepo) ListActivityBetween(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]models.ConversationActivity, error) {
	msgs := r.filterMessages(func(m *models.ChatMessage) bool {
		return m.UserID == userID && inWindow(m.CreatedAt, from, to)
	})

	r.mu.RLock()
	defer r.mu.RUnlock()

	index := map[uuid.UUID]int{}
	var activity []models.ConversationActivity
	for _, m := range msgs {
		i, ok := index[m.ConversationID]
		if !ok {
			c := r.conversations[m.ConversationID]
			if c == nil {
				continue
			}
			i = len(activity)
			index[m.ConversationID] = i
			activity = append(activity, models.ConversationActivity{ConversationID: c.ID, Title: c.Title})
		}
		activity[i].MessageCount++
	}
	return activity, nil
}

func (r *MemoryConversationRepo) ListActiveUsersBetween(ctx context.Context, from, to time.Time) ([]uuid.UUID, error) {
	msgs := r.filterMessages(func(m *models.ChatMessage) bool { return inWindow(m.CreatedAt, from, to) })

	seen := map[uuid.UUID]bool{}
	var users []uuid.UUID
	for _, m := range msgs {
		if !seen[m.UserID] {
			seen[m.UserID] = true
			users = append(users, m.UserID)
		}
	}
	return users, nil
}

func (r *MemoryConversationRepo) ListExpired(ctx context.Context, before time.Time, limit int) ([]*models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Conversation
	for _, c := range r.conversations {
		if len(out) == limit {
			break
		}
		if c.ExpiresAt.Before(before) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryConversationRepo) Delete(ctx context.Context, userID, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conversations[id]
	if !ok || c.UserID != userID {
		return ErrNotFound
	}
	delete(r.conversations, id)
	kept := r.order[:0]
	for _, mid := range r.order {
		if r.messages[mid].ConversationID == id {
			delete(r.messages, mid)
			continue
		}
		kept = append(kept, mid)
	}
	r.order = kept
	return nil
}

func (r *MemoryConversationRepo) setActiveMaterial(userID, messageID uuid.UUID, version int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.messages[messageID]; ok && m.UserID == userID {
		v := version
		m.ActiveMaterialVersion = &v
	}
}

// filterMessages returns copies of matching messages in insertion order.
func (r *MemoryConversationRepo) filterMessages(match func(*models.ChatMessage) bool) []*models.ChatMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.ChatMessage
	for _, id := range r.order {
		if m := r.messages[id]; match(m) {
			c := *m
			out = append(out, &c)
		}
	}
	return out
}

func inWindow(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

type MemoryGenerationLogRepo struct {
	mu   sync.Mutex
	logs []models.GenerationLog
	now  func() time.Time
}

func NewMemoryGenerationLogRepo() *MemoryGenerationLogRepo {
	return &MemoryGenerationLogRepo{now: time.Now}
}

func (r *MemoryGenerationLogRepo) Insert(ctx context.Context, l *models.GenerationLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l.ID = uuid.New()
	l.CreatedAt = r.now()
	r.logs = append(r.logs, *l)
	return nil
}

func (r *MemoryGenerationLogRepo) CountSince(ctx context.Context, userID uuid.UUID, typ, trigger string, since time.Time) (int, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := map[uuid.UUID]bool{}
	var oldest time.Time
	for _, l := range r.logs {
		if l.UserID != userID || l.CreatedAt.Before(since) {
			continue
		}
		if (typ != "" && l.Type != typ) || (trigger != "" && l.Trigger != trigger) {
			continue
		}
		seen[l.GenerationID] = true
		if oldest.IsZero() || l.CreatedAt.Before(oldest) {
			oldest = l.CreatedAt
		}
	}
	return len(seen), oldest, nil
}

// Logs returns a copy of everything recorded so far.
func (r *MemoryGenerationLogRepo) Logs() []models.GenerationLog {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.GenerationLog, len(r.logs))
	copy(out, r.logs)
	return out
}

// MemoryMaterials is the in-process Material backend. It keeps the message's
// active version mirror in step the way MaterialRepo does in SQL.
type MemoryMaterials struct {
	*versioning.MemoryBackend[models.Material]
	conversations *MemoryConversationRepo
}

func NewMemoryMaterials(conversations *MemoryConversationRepo) *MemoryMaterials {
	return &MemoryMaterials{
		MemoryBackend: versioning.NewMemoryBackend[models.Material](),
		conversations: conversations,
	}
}

func (m *MemoryMaterials) Insert(ctx context.Context, key versioning.Key, v versioning.Version[models.Material]) error {
	if err := m.MemoryBackend.Insert(ctx, key, v); err != nil {
		return err
	}
	m.mirror(key, v.Version)
	return nil
}

func (m *MemoryMaterials) Activate(ctx context.Context, key versioning.Key, version int) error {
	if err := m.MemoryBackend.Activate(ctx, key, version); err != nil {
		return err
	}
	m.mirror(key, version)
	return nil
}

func (m *MemoryMaterials) DeleteByConversation(ctx context.Context, userID, conversationID uuid.UUID) (int64, error) {
	n := m.Delete(func(v versioning.Version[models.Material]) bool {
		return v.UserID == userID && v.Payload.ConversationID == conversationID
	})
	return int64(n), nil
}

func (m *MemoryMaterials) mirror(key versioning.Key, version int) {
	if m.conversations == nil {
		return
	}
	if messageID, err := uuid.Parse(key.Name); err == nil {
		m.conversations.setActiveMaterial(key.UserID, messageID, version)
	}
}

type MemoryDailyQuizzes struct {
	*versioning.MemoryBackend[models.DailyQuiz]
}

func NewMemoryDailyQuizzes() *MemoryDailyQuizzes {
	return &MemoryDailyQuizzes{MemoryBackend: versioning.NewMemoryBackend[models.DailyQuiz]()}
}

func (m *MemoryDailyQuizzes) StripConversationCards(ctx context.Context, userID, conversationID uuid.UUID) (int64, error) {
	n := m.Update(
		func(v versioning.Version[models.DailyQuiz]) bool {
			if v.UserID != userID {
				return false
			}
			for _, c := range v.Payload.Cards {
				if c.ConversationID == conversationID {
					return true
				}
			}
			return false
		},
		func(q *models.DailyQuiz) {
			q.Cards, _ = withoutConversation(q.Cards, conversationID)
		},
	)
	return int64(n), nil
}
