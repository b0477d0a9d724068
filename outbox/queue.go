// Package outbox owns the per-message send records and their at-least-once
// retry schedule. A single worker drains a priority queue keyed by the next
// retry time; a reaper returns rows stuck in SENDING after a crash or a
// cancelled attempt back to PENDING.
package outbox

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/secure-legion/legion/core/events"
	"github.com/secure-legion/legion/internal/backoff"
	"github.com/secure-legion/legion/internal/logger"
	"github.com/secure-legion/legion/storage"
)

// ErrPermanent marks a delivery failure that retries cannot fix (contact
// deleted, key chain missing). The record moves straight to FAILED.
var ErrPermanent = errors.New("outbox: permanent delivery failure")

// Sender performs one full delivery attempt for a record: PING, await PONG,
// MESSAGE, await ACK. A nil return means the message was acknowledged.
type Sender interface {
	Deliver(ctx context.Context, rec *storage.OutboxRecord) error
}

// Config tunes the retry schedule.
type Config struct {
	MaxAttempts  int
	Policy       backoff.Policy
	AttemptTime  time.Duration // budget for one delivery attempt
	ReapInterval time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  8,
		Policy:       backoff.Default(),
		AttemptTime:  60 * time.Second,
		ReapInterval: 30 * time.Second,
	}
}

// Queue schedules outbound deliveries.
type Queue struct {
	store  storage.Store
	sender Sender
	bus    *events.Bus
	cfg    Config
	log    logger.Logger

	mu   sync.Mutex
	pq   retryHeap
	wake chan struct{}

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a queue over the given store and sender.
func New(store storage.Store, sender Sender, bus *events.Bus, cfg Config, log logger.Logger) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.AttemptTime <= 0 {
		cfg.AttemptTime = DefaultConfig().AttemptTime
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultConfig().ReapInterval
	}
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Queue{
		store:  store,
		sender: sender,
		bus:    bus,
		cfg:    cfg,
		log:    log,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start loads the persisted backlog and runs the retry worker and the
// SENDING reaper until Stop.
func (q *Queue) Start(ctx context.Context) error {
	// Recover rows left in SENDING by a previous process.
	cutoff := time.Now().Add(-2 * q.cfg.AttemptTime)
	if n, err := q.store.Outbox().RequeueStuckSending(ctx, cutoff); err != nil {
		return err
	} else if n > 0 {
		q.log.Info("requeued stuck sends", logger.Int("count", int(n)))
	}

	due, err := q.store.Outbox().Due(ctx, time.Now().Add(q.cfg.Policy.Cap), 0x7fffffff)
	if err != nil {
		return err
	}
	q.mu.Lock()
	for _, rec := range due {
		heap.Push(&q.pq, retryItem{messageID: rec.MessageID, due: rec.NextRetryAt})
	}
	q.mu.Unlock()

	go q.runWorker(ctx)
	go q.runReaper(ctx)
	return nil
}

// Stop terminates the worker.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	<-q.done
}

// Enqueue persists a fresh PENDING record and schedules it immediately. The
// send API returns success once this commit lands; delivery is asynchronous.
func (q *Queue) Enqueue(ctx context.Context, rec *storage.OutboxRecord) error {
	rec.Status = storage.OutboxPending
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.NextRetryAt = time.Now()
	if err := q.store.Outbox().Create(ctx, rec); err != nil {
		return err
	}
	q.publishStatus(rec)
	q.schedule(rec.MessageID, rec.NextRetryAt)
	return nil
}

// EnqueueTx persists a PENDING record inside the caller's transaction; the
// caller must invoke Schedule after the transaction commits.
func (q *Queue) EnqueueTx(ctx context.Context, tx storage.Store, rec *storage.OutboxRecord) error {
	rec.Status = storage.OutboxPending
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.NextRetryAt = time.Now()
	return tx.Outbox().Create(ctx, rec)
}

// Schedule wakes the worker for a committed record.
func (q *Queue) Schedule(messageID string, due time.Time) {
	q.schedule(messageID, due)
}

// Resend re-enqueues a failed message under a fresh pingId, preserving its
// messageId and ciphertext.
func (q *Queue) Resend(ctx context.Context, messageID, newPingID string) error {
	rec, err := q.store.Outbox().Get(ctx, messageID)
	if err != nil {
		return err
	}
	rec.PingID = newPingID
	rec.Status = storage.OutboxPending
	rec.Attempts = 0
	rec.NextRetryAt = time.Now()
	if err := q.store.Outbox().Update(ctx, rec); err != nil {
		return err
	}
	q.publishStatus(rec)
	q.schedule(rec.MessageID, rec.NextRetryAt)
	return nil
}

// MarkPingDelivered records the peer's PONG for a message.
func (q *Queue) MarkPingDelivered(ctx context.Context, messageID string) error {
	return q.transition(ctx, messageID, storage.OutboxPingDelivered)
}

// MarkDelivered records the terminal MSG_ACK for a message.
func (q *Queue) MarkDelivered(ctx context.Context, messageID string) error {
	return q.transition(ctx, messageID, storage.OutboxMessageDelivered)
}

func (q *Queue) transition(ctx context.Context, messageID string, to storage.OutboxStatus) error {
	rec, err := q.store.Outbox().Get(ctx, messageID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}
	rec.Status = to
	if err := q.store.Outbox().Update(ctx, rec); err != nil {
		return err
	}
	q.publishStatus(rec)
	return nil
}

func (q *Queue) schedule(messageID string, due time.Time) {
	q.mu.Lock()
	heap.Push(&q.pq, retryItem{messageID: messageID, due: due})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) runWorker(ctx context.Context) {
	defer close(q.done)
	for {
		q.mu.Lock()
		var wait time.Duration
		if len(q.pq) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(q.pq[0].due)
		}
		q.mu.Unlock()

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-q.wake:
				timer.Stop()
			case <-q.stop:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			}
			continue
		}

		q.mu.Lock()
		item := heap.Pop(&q.pq).(retryItem)
		q.mu.Unlock()
		q.attempt(ctx, item.messageID)
	}
}

// attempt runs one delivery cycle for a record. The store is authoritative:
// stale heap entries for already-delivered messages are skipped.
func (q *Queue) attempt(ctx context.Context, messageID string) {
	rec, err := q.store.Outbox().Get(ctx, messageID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			q.log.Warn("outbox load failed", logger.String("message_id", messageID), logger.Error(err))
		}
		return
	}
	if rec.Status.Terminal() || rec.Status == storage.OutboxSending {
		return
	}
	if rec.NextRetryAt.After(time.Now()) {
		q.schedule(rec.MessageID, rec.NextRetryAt)
		return
	}

	rec.Status = storage.OutboxSending
	rec.Attempts++
	rec.NextRetryAt = time.Now()
	if err := q.store.Outbox().Update(ctx, rec); err != nil {
		q.log.Warn("outbox mark sending failed", logger.String("message_id", messageID), logger.Error(err))
		return
	}
	q.publishStatus(rec)

	attemptCtx, cancel := context.WithTimeout(ctx, q.cfg.AttemptTime)
	err = q.sender.Deliver(attemptCtx, rec)
	cancel()

	if err == nil {
		// Deliver advanced the status through PING_DELIVERED and
		// MESSAGE_DELIVERED; nothing left to do here.
		return
	}

	if errors.Is(err, ErrPermanent) || rec.Attempts >= q.cfg.MaxAttempts {
		rec.Status = storage.OutboxFailed
		if uerr := q.store.Outbox().Update(ctx, rec); uerr != nil {
			q.log.Warn("outbox mark failed errored", logger.String("message_id", messageID), logger.Error(uerr))
			return
		}
		q.publishStatus(rec)
		q.log.Warn("message delivery abandoned",
			logger.String("message_id", messageID),
			logger.Int("attempts", rec.Attempts),
			logger.Error(err),
		)
		return
	}

	delay := q.cfg.Policy.Delay(rec.Attempts)
	rec.Status = storage.OutboxPending
	rec.NextRetryAt = time.Now().Add(delay)
	if uerr := q.store.Outbox().Update(ctx, rec); uerr != nil {
		q.log.Warn("outbox reschedule failed", logger.String("message_id", messageID), logger.Error(uerr))
		return
	}
	q.publishStatus(rec)
	q.schedule(rec.MessageID, rec.NextRetryAt)
	q.log.Debug("delivery attempt failed, rescheduled",
		logger.String("message_id", messageID),
		logger.Int("attempt", rec.Attempts),
		logger.Duration("delay", delay),
	)
}

func (q *Queue) runReaper(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * q.cfg.AttemptTime)
			n, err := q.store.Outbox().RequeueStuckSending(ctx, cutoff)
			if err != nil {
				q.log.Warn("sending reaper failed", logger.Error(err))
				continue
			}
			if n > 0 {
				q.log.Info("requeued stuck sends", logger.Int("count", int(n)))
				select {
				case q.wake <- struct{}{}:
				default:
				}
			}
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) publishStatus(rec *storage.OutboxRecord) {
	if q.bus != nil {
		q.bus.Publish(events.Event{
			Type:      events.OutboxStatusChanged,
			ContactID: rec.ContactID,
			MessageID: rec.MessageID,
			Status:    string(rec.Status),
		})
	}
}

type retryItem struct {
	messageID string
	due       time.Time
}

type retryHeap []retryItem

func (h retryHeap) Len() int            { return len(h) }
func (h retryHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h retryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *retryHeap) Push(x interface{}) { *h = append(*h, x.(retryItem)) }
func (h *retryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
