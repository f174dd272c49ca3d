package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"manabi-backend/internal/logger"
	"manabi-backend/internal/models"
)

const (
	popTimeout  = 30 * time.Second
	maxAttempts = 3
)

var jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "material_jobs_total",
	Help: "Material jobs by result",
}, []string{"result"})

// Handler runs one material job.
type Handler interface {
	GenerateForMessage(ctx context.Context, job models.MaterialJob) error
}

type Pool struct {
	queue       Queue
	handler     Handler
	log         *logger.Logger
	workerCount int
	popTimeout  time.Duration
	backoff     func(attempt int) time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(queue Queue, handler Handler, log *logger.Logger, workerCount int) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:       queue,
		handler:     handler,
		log:         log,
		workerCount: workerCount,
		popTimeout:  popTimeout,
		backoff:     func(attempt int) time.Duration { return time.Duration(1<<uint(attempt)) * time.Second },
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.log.Info("material workers started", "count", p.workerCount)
}

// Stop cancels in-flight jobs and waits for every worker to return.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		if p.ctx.Err() != nil {
			p.log.Debug("worker shutting down", "worker", id)
			return
		}

		job, err := p.queue.Pop(p.ctx, p.popTimeout)
		if err != nil {
			if !errors.Is(err, ErrQueueEmpty) && p.ctx.Err() == nil {
				p.log.Warn("queue pop failed", "worker", id, "error", err)
				time.Sleep(time.Second)
			}
			continue
		}

		p.process(id, job)
	}
}

func (p *Pool) process(id int, job models.MaterialJob) {
	claimed, err := p.queue.Claim(p.ctx, job.ID)
	if err != nil || !claimed {
		return
	}

	p.log.Debug("processing material job", "worker", id, "job_id", job.ID, "message_id", job.MessageID)
	runErr := p.handler.GenerateForMessage(p.ctx, job)

	// Released before any requeue so the retry can claim it.
	if err := p.queue.Release(context.WithoutCancel(p.ctx), job.ID); err != nil {
		p.log.Warn("job lock release failed", "job_id", job.ID, "error", err)
	}

	if runErr != nil {
		p.handleFailure(job, runErr)
		return
	}
	jobsProcessed.WithLabelValues("ok").Inc()
}

func (p *Pool) handleFailure(job models.MaterialJob, err error) {
	job.Attempts++
	if job.Attempts >= maxAttempts || p.ctx.Err() != nil {
		jobsProcessed.WithLabelValues("failed").Inc()
		p.log.Error("material job failed permanently", "job_id", job.ID, "message_id", job.MessageID, "attempts", job.Attempts, "error", err)
		return
	}

	jobsProcessed.WithLabelValues("retried").Inc()
	backoff := p.backoff(job.Attempts)
	p.log.Warn("material job failed, retrying", "job_id", job.ID, "attempt", job.Attempts, "backoff", backoff, "error", err)
	time.AfterFunc(backoff, func() {
		if err := p.queue.Push(context.Background(), job); err != nil {
			p.log.Error("failed to requeue material job", "job_id", job.ID, "error", err)
		}
	})
}
