package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"manabi-backend/internal/logger"
	"manabi-backend/internal/models"
	"manabi-backend/internal/repository"
	"manabi-backend/internal/versioning"
)

const (
	quizPollInterval = 1 * time.Hour
	quizLockTTL      = 36 * time.Hour
	purgeInterval    = 6 * time.Hour
)

// DayLock makes a job run once per user and date across instances.
type DayLock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type RedisDayLock struct {
	redis *redis.Client
}

func NewRedisDayLock(client *redis.Client) *RedisDayLock {
	return &RedisDayLock{redis: client}
}

func (l *RedisDayLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.redis.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

func (l *RedisDayLock) Release(ctx context.Context, key string) error {
	return l.redis.Del(ctx, key).Err()
}

// MemoryDayLock is a single-process DayLock.
type MemoryDayLock struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

func NewMemoryDayLock() *MemoryDayLock {
	return &MemoryDayLock{until: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryDayLock) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exp, ok := l.until[key]; ok && l.now().Before(exp) {
		return false, nil
	}
	l.until[key] = l.now().Add(ttl)
	return true, nil
}

func (l *MemoryDayLock) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.until, key)
	return nil
}

type activeUserLister interface {
	ListActiveUsersBetween(ctx context.Context, from, to time.Time) ([]uuid.UUID, error)
}

type dailyQuizRunner interface {
	RunDailyJob(ctx context.Context, userID uuid.UUID, date string) (*versioning.Version[models.DailyQuiz], error)
}

// QuizScheduler builds yesterday's quiz for every user who chatted that day,
// and purges expired rows.
type QuizScheduler struct {
	users       activeUserLister
	quizzes     dailyQuizRunner
	lock        DayLock
	purgers     map[string]repository.Purger
	concurrency int
	log         *logger.Logger
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

func NewQuizScheduler(users activeUserLister, quizzes dailyQuizRunner, lock DayLock, purgers map[string]repository.Purger, concurrency int, log *logger.Logger) *QuizScheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &QuizScheduler{
		users:       users,
		quizzes:     quizzes,
		lock:        lock,
		purgers:     purgers,
		concurrency: concurrency,
		log:         log,
		stopChan:    make(chan struct{}),
	}
}

func (s *QuizScheduler) Start() {
	s.wg.Add(1)
	go s.loop(quizPollInterval, s.RunDaily)
	if len(s.purgers) > 0 {
		s.wg.Add(1)
		go s.loop(purgeInterval, s.purge)
	}
	s.log.Info("quiz scheduler started", "concurrency", s.concurrency)
}

func (s *QuizScheduler) Stop() {
	select {
	case <-s.stopChan:
		return
	default:
		close(s.stopChan)
	}
	s.wg.Wait()
}

func (s *QuizScheduler) loop(interval time.Duration, runFn func(ctx context.Context, now time.Time)) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopChan
		cancel()
	}()

	// Run on startup as well as by interval.
	runFn(ctx, time.Now().UTC())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			runFn(ctx, time.Now().UTC())
		}
	}
}

// previousDay is the UTC date before now.
func previousDay(now time.Time) (date string, from, to time.Time) {
	to = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	from = to.AddDate(0, 0, -1)
	return from.Format(repository.DateLayout), from, to
}

func dailyLockKey(userID uuid.UUID, date string) string {
	return fmt.Sprintf("daily_quiz_lock:%s:%s", userID, date)
}

// RunDaily builds the previous day's quiz for each active user. Users run
// concurrently up to the configured limit; a failed user is retried on the
// next poll.
func (s *QuizScheduler) RunDaily(ctx context.Context, now time.Time) {
	date, from, to := previousDay(now.UTC())

	users, err := s.users.ListActiveUsersBetween(ctx, from, to)
	if err != nil {
		s.log.Error("daily quiz: failed to list active users", "date", date, "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, userID := range users {
		g.Go(func() error {
			s.runUser(gctx, userID, date)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *QuizScheduler) runUser(ctx context.Context, userID uuid.UUID, date string) {
	key := dailyLockKey(userID, date)
	acquired, err := s.lock.Acquire(ctx, key, quizLockTTL)
	if err != nil {
		s.log.Warn("daily quiz: lock failed", "user_id", userID, "date", date, "error", err)
		return
	}
	if !acquired {
		return
	}

	if _, err := s.quizzes.RunDailyJob(ctx, userID, date); err != nil {
		s.log.Error("daily quiz: job failed", "user_id", userID, "date", date, "error", err)
		if err := s.lock.Release(context.WithoutCancel(ctx), key); err != nil {
			s.log.Warn("daily quiz: unlock failed", "user_id", userID, "date", date, "error", err)
		}
	}
}

func (s *QuizScheduler) purge(ctx context.Context, _ time.Time) {
	for name, p := range s.purgers {
		n, err := p.PurgeExpired(ctx)
		if err != nil {
			s.log.Error("purge failed", "table", name, "error", err)
			continue
		}
		if n > 0 {
			s.log.Info("purged expired rows", "table", name, "rows", n)
		}
	}
}
