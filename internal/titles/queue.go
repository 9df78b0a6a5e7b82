// Package titles runs chat title generation as background jobs. A request
// that creates a chat schedules a job and returns at once; a small worker pool
// asks the AI service for a title and renames the chat when one comes back.
// Failures never reach the request that scheduled the job; they are logged
// and counted here.
package titles

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/protu-ai/chat-service/internal/domain"
)

// Suggester returns a title for a chat, or "" when none could be produced.
type Suggester interface {
	SuggestTitle(ctx context.Context, chatID string) string
}

// Renamer applies a title to a chat.
type Renamer interface {
	Rename(ctx context.Context, chatID, userID, name string) (*domain.Chat, error)
}

// Job is one pending title request.
type Job struct {
	ChatID      string
	UserID      string
	Provisional string
}

// Options sizes the queue.
type Options struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	RetryDelay  time.Duration
	Logger      zerolog.Logger
}

// Stats is a snapshot of the queue counters.
type Stats struct {
	Scheduled int64
	Applied   int64
	Failed    int64
	Dropped   int64
	Pending   int
}

var jobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chat_title_jobs_total",
		Help: "Chat title jobs by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(jobsTotal)
}

// Queue is a bounded title job queue with a fixed worker pool.
type Queue struct {
	ai    Suggester
	chats Renamer
	opts  Options
	log   zerolog.Logger

	jobs   chan Job
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	started bool

	scheduled, applied, failed, dropped atomic.Int64
}

// NewQueue builds a queue; call Start to run the workers.
func NewQueue(ai Suggester, chats Renamer, opts Options) *Queue {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 64
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &Queue{
		ai:    ai,
		chats: chats,
		opts:  opts,
		log:   opts.Logger.With().Str("component", "title_worker").Logger(),
		jobs:  make(chan Job, opts.QueueSize),
	}
}

// Start launches the workers. Jobs run under ctx; cancelling it aborts
// in-flight AI calls.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Schedule enqueues a job without blocking. It returns false when the queue
// is full or stopped.
func (q *Queue) Schedule(chatID, userID, provisional string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.drop(chatID, "stopped")
		return false
	}
	select {
	case q.jobs <- Job{ChatID: chatID, UserID: userID, Provisional: provisional}:
		q.scheduled.Add(1)
		jobsTotal.WithLabelValues("scheduled").Inc()
		return true
	default:
		q.drop(chatID, "full")
		return false
	}
}

// Stop refuses new jobs and waits for queued ones to finish. When ctx ends
// first, the workers are cancelled and Stop still waits for them to return,
// so no job touches its collaborators after Stop.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	cancel := q.cancel
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if cancel != nil {
			cancel()
		}
		return nil
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
		return ctx.Err()
	}
}

// Stats returns the current counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Scheduled: q.scheduled.Load(),
		Applied:   q.applied.Load(),
		Failed:    q.failed.Load(),
		Dropped:   q.dropped.Load(),
		Pending:   len(q.jobs),
	}
}

func (q *Queue) drop(chatID, reason string) {
	q.dropped.Add(1)
	jobsTotal.WithLabelValues("dropped").Inc()
	q.log.Warn().Str("chat_id", chatID).Str("reason", reason).Msg("title job dropped")
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for job := range q.jobs {
		q.run(ctx, job)
	}
}

func (q *Queue) run(ctx context.Context, job Job) {
	lg := q.log.With().Str("chat_id", job.ChatID).Logger()

	for attempt := 1; attempt <= q.opts.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			break
		}
		title := clip(q.ai.SuggestTitle(ctx, job.ChatID))
		if title != "" {
			if _, err := q.chats.Rename(ctx, job.ChatID, job.UserID, title); err != nil {
				// chat deleted or renamed away from us; nothing to retry
				q.fail(lg, "rename failed", attempt, err)
				return
			}
			q.applied.Add(1)
			jobsTotal.WithLabelValues("applied").Inc()
			lg.Debug().Str("title", title).Int("attempt", attempt).Msg("chat title applied")
			return
		}
		if attempt < q.opts.MaxAttempts {
			select {
			case <-ctx.Done():
			case <-time.After(q.opts.RetryDelay):
			}
		}
	}
	q.fail(lg, "no title suggested", q.opts.MaxAttempts, nil)
}

func (q *Queue) fail(lg zerolog.Logger, reason string, attempts int, err error) {
	q.failed.Add(1)
	jobsTotal.WithLabelValues("failed").Inc()
	lg.Warn().Err(err).Int("attempts", attempts).Msg(reason + "; keeping provisional name")
}

// clip trims a suggested title and cuts it to the chat name limit.
func clip(s string) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > domain.ChatNameMaxLen {
		s = strings.TrimSpace(string(r[:domain.ChatNameMaxLen]))
	}
	return s
}
