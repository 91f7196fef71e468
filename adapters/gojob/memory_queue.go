package gojob

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
)

// ErrQueueFull is returned when a wake-up cannot be buffered. The message
// is dropped; the scheduler's polling still picks the delivery up.
var ErrQueueFull = errors.New("gojob: wake-up queue is full")

// DeadJob is a wake-up message the queue gave up on.
type DeadJob struct {
	DispatchID string
	Message    *job.ExecutionMessage
	Attempts   int
	Reason     string
}

type MemoryQueueOption func(*MemoryQueue)

// WithQueueClock sets the clock EnqueueAt measures against.
func WithQueueClock(now func() time.Time) MemoryQueueOption {
	return func(q *MemoryQueue) {
		if now != nil {
			q.now = now
		}
	}
}

type memoryEntry struct {
	id       string
	key      string
	msg      *job.ExecutionMessage
	attempts int
}

// MemoryQueue is a single-process go-job queue. An idempotency key stays
// pending from enqueue until ack or a terminal nack, and a second enqueue
// with the same key returns the pending dispatch. Enqueue never blocks.
type MemoryQueue struct {
	ready chan *memoryEntry
	now   func() time.Time

	mu      sync.Mutex
	pending map[string]string
	timers  map[*time.Timer]struct{}
	dead    []DeadJob
	closed  bool
}

func NewMemoryQueue(capacity int, opts ...MemoryQueueOption) *MemoryQueue {
	if capacity <= 0 {
		capacity = 256
	}
	q := &MemoryQueue{
		ready:   make(chan *memoryEntry, capacity),
		now:     time.Now,
		pending: map[string]string{},
		timers:  map[*time.Timer]struct{}{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg *job.ExecutionMessage) (queue.EnqueueReceipt, error) {
	return q.EnqueueAfter(ctx, msg, 0)
}

func (q *MemoryQueue) EnqueueAt(ctx context.Context, msg *job.ExecutionMessage, at time.Time) (queue.EnqueueReceipt, error) {
	return q.EnqueueAfter(ctx, msg, at.Sub(q.now()))
}

func (q *MemoryQueue) EnqueueAfter(_ context.Context, msg *job.ExecutionMessage, delay time.Duration) (queue.EnqueueReceipt, error) {
	if err := queue.ValidateRequiredMessage(msg); err != nil {
		return queue.EnqueueReceipt{}, err
	}
	entry := &memoryEntry{id: uuid.NewString(), key: strings.TrimSpace(msg.IdempotencyKey), msg: msg}
	receipt := queue.EnqueueReceipt{DispatchID: entry.id, EnqueuedAt: q.now()}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return queue.EnqueueReceipt{}, errors.New("gojob: queue is closed")
	}
	if entry.key != "" {
		if id, ok := q.pending[entry.key]; ok {
			q.mu.Unlock()
			receipt.DispatchID = id
			return receipt, nil
		}
		q.pending[entry.key] = entry.id
	}
	if delay > 0 {
		q.scheduleLocked(entry, delay)
		q.mu.Unlock()
		return receipt, nil
	}
	q.mu.Unlock()

	if !q.offer(entry) {
		return queue.EnqueueReceipt{}, ErrQueueFull
	}
	return receipt, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	select {
	case entry := <-q.ready:
		entry.attempts++
		return &memoryDelivery{queue: q, entry: entry}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports messages waiting for delivery, scheduled ones included.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.timers)
}

func (q *MemoryQueue) DeadJobs() []DeadJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadJob(nil), q.dead...)
}

// Close stops scheduled deliveries. Ready messages are discarded.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = map[*time.Timer]struct{}{}
}

func (q *MemoryQueue) offer(entry *memoryEntry) bool {
	select {
	case q.ready <- entry:
		return true
	default:
		q.release(entry)
		return false
	}
}

func (q *MemoryQueue) scheduleLocked(entry *memoryEntry, delay time.Duration) {
	if q.closed {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		closed := q.closed
		q.mu.Unlock()
		if !closed {
			q.offer(entry)
		}
	})
	q.timers[timer] = struct{}{}
}

func (q *MemoryQueue) release(entry *memoryEntry) {
	if entry.key == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[entry.key] == entry.id {
		delete(q.pending, entry.key)
	}
}

type memoryDelivery struct {
	queue *MemoryQueue
	entry *memoryEntry
}

func (d *memoryDelivery) Message() *job.ExecutionMessage {
	return d.entry.msg
}

// Attempts counts deliveries of this message, the current one included.
func (d *memoryDelivery) Attempts() int {
	return d.entry.attempts
}

func (d *memoryDelivery) Ack(context.Context) error {
	d.queue.release(d.entry)
	return nil
}

func (d *memoryDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	if err := queue.ValidateNackOptions(opts); err != nil {
		return err
	}
	switch opts.Disposition {
	case queue.NackDispositionRetry:
		if opts.Delay <= 0 {
			d.queue.offer(d.entry)
			return nil
		}
		d.queue.mu.Lock()
		d.queue.scheduleLocked(d.entry, opts.Delay)
		d.queue.mu.Unlock()
	case queue.NackDispositionDeadLetter:
		d.queue.release(d.entry)
		d.queue.mu.Lock()
		d.queue.dead = append(d.queue.dead, DeadJob{
			DispatchID: d.entry.id,
			Message:    d.entry.msg,
			Attempts:   d.entry.attempts,
			Reason:     strings.TrimSpace(opts.Reason),
		})
		d.queue.mu.Unlock()
	default:
		d.queue.release(d.entry)
	}
	return nil
}

var (
	_ queue.ScheduledEnqueuer = (*MemoryQueue)(nil)
	_ queue.Dequeuer          = (*MemoryQueue)(nil)
	_ queue.Delivery          = (*memoryDelivery)(nil)
)
