// Package queue runs inbound chat messages through per-partner worker pools.
// A message is accepted at most once per idempotency window and the handling
// of one user is serialized by a lock in the cache provider. Jobs live in
// memory only: delivery is best effort and a restart drops what is queued.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kyc-onboarding/internal/bot"
	"kyc-onboarding/internal/cache"
)

var (
	ErrQueueFull   = errors.New("partner queue full")
	ErrQueueClosed = errors.New("queue closed")
	// ErrLockBusy means another job of the same user holds the process lock.
	ErrLockBusy = errors.New("user is being processed")
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const (
	defaultConcurrency = 5
	defaultCapacity    = 1024
	defaultMaxAttempts = 3
	defaultBackoffBase = time.Second
	defaultDedupTTL    = 60 * time.Second
	defaultLockTTL     = 30 * time.Second
)

// Job is one inbound message waiting for, or going through, processing.
type Job struct {
	ID         string
	PartnerID  uint
	Message    bot.InboundMessage
	Attempts   int
	Status     Status
	LastError  string
	EnqueuedAt time.Time
}

// Handler processes a single message. A returned error schedules a retry.
type Handler func(ctx context.Context, msg bot.InboundMessage) error

type Options struct {
	Concurrency int
	Capacity    int
	MaxAttempts int
	BackoffBase time.Duration
	DedupTTL    time.Duration
	LockTTL     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	if o.Capacity <= 0 {
		o.Capacity = defaultCapacity
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = defaultBackoffBase
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = defaultDedupTTL
	}
	if o.LockTTL <= 0 {
		o.LockTTL = defaultLockTTL
	}
	return o
}

// PartnerStats is a snapshot of one partner queue.
type PartnerStats struct {
	PartnerID uint  `json:"partner_id"`
	Waiting   int   `json:"waiting"`
	Active    int64 `json:"active"`
	Enqueued  int64 `json:"enqueued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Dropped   int64 `json:"dropped"`
}

type partnerQueue struct {
	id   uint
	jobs chan *Job

	active    atomic.Int64
	enqueued  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	dropped   atomic.Int64
}

type Queue struct {
	cache   cache.Provider
	handler Handler
	logger  *zap.Logger
	opts    Options

	mu       sync.Mutex
	partners map[uint]*partnerQueue
	retries  map[string]*time.Timer
	closed   bool
	workers  sync.WaitGroup
}

func New(provider cache.Provider, handler Handler, logger *zap.Logger, opts Options) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		cache:    provider,
		handler:  handler,
		logger:   logger.Named("queue"),
		opts:     opts.withDefaults(),
		partners: make(map[uint]*partnerQueue),
		retries:  make(map[string]*time.Timer),
	}
}

func dedupKey(partnerID uint, msg bot.InboundMessage) string {
	return fmt.Sprintf("msg:%d:%d:%d", partnerID, msg.UserID, msg.MessageID)
}

func processKey(partnerID uint, userID int64) string {
	return fmt.Sprintf("process:%d:%d", partnerID, userID)
}

// AddMessageJob enqueues msg for the partner. It returns false without error
// when the same message was already accepted inside the idempotency window.
func (q *Queue) AddMessageJob(ctx context.Context, partnerID uint, msg bot.InboundMessage) (bool, error) {
	key := dedupKey(partnerID, msg)
	fresh, err := q.cache.SetIfAbsent(ctx, key, "1", q.opts.DedupTTL)
	if err != nil {
		return false, fmt.Errorf("mark message: %w", err)
	}
	if !fresh {
		q.countDropped(partnerID)
		q.logger.Debug("duplicate message dropped",
			zap.Uint("partner_id", partnerID),
			zap.Int64("telegram_id", msg.UserID),
			zap.Int("message_id", msg.MessageID),
		)
		return false, nil
	}

	msg.PartnerID = partnerID
	job := &Job{
		ID:         uuid.NewString(),
		PartnerID:  partnerID,
		Message:    msg,
		Status:     StatusWaiting,
		EnqueuedAt: time.Now(),
	}
	if err := q.push(job); err != nil {
		// Forget the message so a redelivery can be accepted later.
		if derr := q.cache.Delete(ctx, key); derr != nil {
			q.logger.Warn("release message mark", zap.String("key", key), zap.Error(derr))
		}
		return false, err
	}
	return true, nil
}

func (q *Queue) push(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	pq := q.partnerLocked(job.PartnerID)
	select {
	case pq.jobs <- job:
		pq.enqueued.Add(1)
		return nil
	default:
		q.logger.Warn("partner queue full", zap.Uint("partner_id", job.PartnerID))
		return ErrQueueFull
	}
}

// countDropped counts a duplicate against an existing partner queue. A
// duplicate implies an earlier accepted message, so the queue normally exists.
func (q *Queue) countDropped(partnerID uint) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if pq, ok := q.partners[partnerID]; ok {
		pq.dropped.Add(1)
	}
}

// partnerLocked returns the partner queue, starting its workers on first use.
// Callers hold q.mu and have checked that the queue is open.

func (q *Queue) partnerLocked(partnerID uint) *partnerQueue {
	if pq, ok := q.partners[partnerID]; ok {
		return pq
	}
	pq := &partnerQueue{id: partnerID, jobs: make(chan *Job, q.opts.Capacity)}
	q.partners[partnerID] = pq
	for i := 0; i < q.opts.Concurrency; i++ {
		q.workers.Add(1)
		go q.work(pq)
	}
	return pq
}

func (q *Queue) work(pq *partnerQueue) {
	defer q.workers.Done()
	for job := range pq.jobs {
		q.process(pq, job)
	}
}

func (q *Queue) process(pq *partnerQueue, job *Job) {
	job.Status = StatusActive
	pq.active.Add(1)
	err := q.run(job)
	pq.active.Add(-1)

	log := q.logger.With(
		zap.String("job_id", job.ID),
		zap.Uint("partner_id", job.PartnerID),
		zap.Int64("telegram_id", job.Message.UserID),
	)
	if err == nil {
		job.Status = StatusCompleted
		pq.completed.Add(1)
		return
	}

	job.Attempts++
	job.LastError = err.Error()
	if job.Attempts >= q.opts.MaxAttempts {
		job.Status = StatusFailed
		pq.failed.Add(1)
		log.Error("job failed", zap.Int("attempt", job.Attempts), zap.Error(err))
		return
	}

	delay := q.opts.BackoffBase * time.Duration(1<<job.Attempts)
	job.Status = StatusWaiting
	pq.retried.Add(1)
	log.Warn("job retry scheduled",
		zap.Int("attempt", job.Attempts),
		zap.Duration("backoff", delay),
		zap.Error(err),
	)
	q.scheduleRetry(pq, job, delay)
}

func (q *Queue) run(job *Job) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), q.opts.LockTTL)
	defer cancel()

	key := processKey(job.PartnerID, job.Message.UserID)
	token, acquired, err := q.cache.AcquireLock(ctx, key, q.opts.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire process lock: %w", err)
	}
	if !acquired {
		return ErrLockBusy
	}
	defer func() {
		if rerr := q.cache.ReleaseLock(context.Background(), key, token); rerr != nil {
			q.logger.Warn("release process lock", zap.String("key", key), zap.Error(rerr))
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return q.handler(ctx, job.Message)
}

// scheduleRetry puts job back at the tail of its partner queue after delay.
func (q *Queue) scheduleRetry(pq *partnerQueue, job *Job, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		job.Status = StatusFailed
		pq.failed.Add(1)
		return
	}
	q.retries[job.ID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.retries, job.ID)
		if q.closed {
			job.Status = StatusFailed
			pq.failed.Add(1)
			return
		}
		select {
		case pq.jobs <- job:
		default:
			job.Status = StatusFailed
			pq.failed.Add(1)
			q.logger.Error("retry dropped, partner queue full",
				zap.String("job_id", job.ID),
				zap.Uint("partner_id", job.PartnerID),
			)
		}
	})
}

// Stats returns counters of every partner queue ordered by partner id.
func (q *Queue) Stats() []PartnerStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]PartnerStats, 0, len(q.partners))
	for id, pq := range q.partners {
		out = append(out, PartnerStats{
			PartnerID: id,
			Waiting:   len(pq.jobs),
			Active:    pq.active.Load(),
			Enqueued:  pq.enqueued.Load(),
			Completed: pq.completed.Load(),
			Failed:    pq.failed.Load(),
			Retried:   pq.retried.Load(),
			Dropped:   pq.dropped.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartnerID < out[j].PartnerID })
	return out
}

// PartnerStats returns the counters of one partner; ok is false if the
// partner never received a message.
func (q *Queue) PartnerStats(partnerID uint) (PartnerStats, bool) {
	for _, s := range q.Stats() {
		if s.PartnerID == partnerID {
			return s, true
		}
	}
	return PartnerStats{}, false
}

// Shutdown stops intake, cancels pending retries and waits for workers to
// drain what is already queued.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for id, t := range q.retries {
		t.Stop()
		delete(q.retries, id)
	}
	for _, pq := range q.partners {
		close(pq.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
