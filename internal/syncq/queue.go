// Package syncq delivers local writes to the remote store: a durable FIFO
// queue persisted in SQLite, retried with exponential backoff, with
// dead-lettering once retries are exhausted.
package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lazypower/questlog/internal/errs"
	"github.com/lazypower/questlog/internal/remote"
	"github.com/lazypower/questlog/internal/store"
)

// Status is the user-visible state of synchronization.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSaving  Status = "saving"
	StatusOffline Status = "offline"
	StatusQueued  Status = "queued"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Config tunes retries and timeouts.
type Config struct {
	MaxRetries     int           `toml:"max_retries" env:"MAX_RETRIES"`
	InitialBackoff time.Duration `toml:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `toml:"max_backoff" env:"MAX_BACKOFF"`
	Multiplier     float64       `toml:"multiplier" env:"MULTIPLIER"`
	Timeout        time.Duration `toml:"timeout" env:"TIMEOUT"`
	// AutoSave sends writes as soon as they are queued instead of waiting
	// for an explicit Save.
	AutoSave bool `toml:"auto_save" env:"AUTO_SAVE"`
}

// DefaultConfig returns the stock retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     10,
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Minute,
		Multiplier:     2,
		Timeout:        30 * time.Second,
		AutoSave:       true,
	}
}

// Validate rejects unusable settings.
func (c Config) Validate() error {
	const op = "syncq.Config"
	switch {
	case c.MaxRetries < 0:
		return errs.Validation(op, "max_retries must be >= 0")
	case c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff:
		return errs.Validation(op, "backoff bounds %v..%v invalid", c.InitialBackoff, c.MaxBackoff)
	case c.Multiplier < 1:
		return errs.Validation(op, "multiplier must be >= 1")
	case c.Timeout <= 0:
		return errs.Validation(op, "timeout must be positive")
	}
	return nil
}

// Queue is the sync queue. Writes are sent one at a time in enqueue order.
type Queue struct {
	db      *store.DB
	remote  remote.Store
	cfg     Config
	monitor *Monitor
	logger  *zap.Logger
	now     func() time.Time

	// procMu serializes passes over the queue.
	procMu sync.Mutex

	mu        sync.Mutex
	online    bool
	status    Status
	lastErr   error
	subs      map[int]chan Status
	nextSub   int
	onAck     []ScopeHook
	onDead    []func(d store.DeadLetter, err error)
	onDiscard []ScopeHook

	trigger chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a queue. Call Start to process in the background.
func New(db *store.DB, rs remote.Store, cfg Config, logger *zap.Logger) *Queue {
	return &Queue{
		db:      db,
		remote:  rs,
		cfg:     cfg,
		logger:  logger.Named("syncq"),
		now:     time.Now,
		online:  true,
		status:  StatusIdle,
		subs:    make(map[int]chan Status),
		trigger: make(chan struct{}, 100),
	}
}

// AttachMonitor couples the queue to a connectivity monitor: transitions to
// online trigger a pass, and network failures mark the monitor offline.
func (q *Queue) AttachMonitor(m *Monitor) {
	q.mu.Lock()
	q.monitor = m
	q.mu.Unlock()
	m.RegisterCallback(q.SetOnline)
	q.SetOnline(m.Online())
}

// ScopeHook runs inside the transaction that retires a write, so cache
// bookkeeping for its scope commits or rolls back with it.
type ScopeHook func(tx *store.Tx, scope []string) error

// OnAck registers fn to run with the cache scope of every acknowledged write.
func (q *Queue) OnAck(fn ScopeHook) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onAck = append(q.onAck, fn)
}

// OnDeadLetter registers fn to run when a write is abandoned. err is a
// QueueExhausted error describing why.
func (q *Queue) OnDeadLetter(fn func(d store.DeadLetter, err error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDead = append(q.onDead, fn)
}

// OnDiscard registers fn to run with the cache scope of discarded dead letters.
func (q *Queue) OnDiscard(fn ScopeHook) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDiscard = append(q.onDiscard, fn)
}

// Subscribe returns a channel of status changes and a function that ends the
// subscription. Slow readers miss intermediate states.
func (q *Queue) Subscribe() (<-chan Status, func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextSub
	q.nextSub++
	ch := make(chan Status, 16)
	q.subs[id] = ch
	return ch, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if c, ok := q.subs[id]; ok {
			delete(q.subs, id)
			close(c)
		}
	}
}

// Status returns the current status.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

// LastError returns the error behind an error status, if any.
func (q *Queue) LastError() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastErr
}

// Online reports whether the queue considers the remote store reachable.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

func (q *Queue) setStatus(s Status, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastErr = err
	if q.status == s {
		return
	}
	q.status = s
	for _, ch := range q.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// SetOnline records connectivity. Coming back online triggers a pass.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	was := q.online
	q.online = online
	q.mu.Unlock()

	switch {
	case !online:
		q.setStatus(StatusOffline, nil)
	case !was:
		q.logger.Info("back online, replaying queued writes")
		q.refreshStatus()
		q.kick()
	}
}

// EnqueueTx persists a batch inside tx. The write is not sent until the
// transaction commits and a pass runs.
func (q *Queue) EnqueueTx(tx *store.Tx, b remote.Batch, scope []string) (string, error) {
	if err := b.Validate(); err != nil {
		return "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("queued write id: %w", err)
	}
	payload, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode batch: %w", err)
	}
	w := store.QueuedWrite{
		ID:         id.String(),
		Payload:    payload,
		Scope:      scope,
		EnqueuedAt: q.now(),
	}
	if err := tx.Enqueue(w); err != nil {
		return "", err
	}
	return w.ID, nil
}

// Enqueue persists a batch in its own transaction and notifies the queue.
func (q *Queue) Enqueue(b remote.Batch, scope []string) (string, error) {
	var id string
	err := q.db.InTx(func(tx *store.Tx) error {
		var err error
		id, err = q.EnqueueTx(tx, b, scope)
		return err
	})
	if err != nil {
		return "", err
	}
	q.Notify()
	return id, nil
}

// Notify tells the queue new writes were committed.
func (q *Queue) Notify() {
	q.refreshStatus()
	if q.cfg.AutoSave {
		q.kick()
	}
}

func (q *Queue) kick() {
	select {
	case q.trigger <- struct{}{}:
	default:
		q.logger.Debug("trigger channel full, pass already pending")
	}
}

// refreshStatus derives the resting status from connectivity and depth.
func (q *Queue) refreshStatus() {
	if !q.Online() {
		q.setStatus(StatusOffline, nil)
		return
	}
	if q.Status() == StatusSaving {
		return
	}
	depth, err := q.db.QueueDepth()
	if err != nil {
		q.logger.Error("queue depth", zap.Error(err))
		return
	}
	QueueDepth.Set(float64(depth))
	if depth > 0 {
		q.setStatus(StatusQueued, nil)
	}
}

// Depth returns the number of queued writes.
func (q *Queue) Depth() (int, error) {
	return q.db.QueueDepth()
}

// Pending returns the queued writes in send order.
func (q *Queue) Pending() ([]store.QueuedWrite, error) {
	return q.db.PendingWrites()
}

// DeadLetters returns the abandoned writes.
func (q *Queue) DeadLetters() ([]store.DeadLetter, error) {
	return q.db.DeadLetters()
}

// Requeue moves a dead letter back to the end of the queue with its retries
// reset.
func (q *Queue) Requeue(id string) error {
	err := q.db.InTx(func(tx *store.Tx) error {
		d, err := tx.GetDeadLetter(id)
		if err != nil {
			return err
		}
		if err := tx.DeleteDeadLetter(id); err != nil {
			return err
		}
		w := d.QueuedWrite
		w.Retries = 0
		w.LastError = ""
		w.NextAttemptAt = time.Time{}
		return tx.Enqueue(w)
	})
	if errors.Is(err, store.ErrWriteNotFound) {
		return errs.E(errs.KindNotFound, "syncq.Requeue", err)
	}
	if err != nil {
		return err
	}
	q.logger.Info("dead letter requeued", zap.String("id", id))
	q.Notify()
	return nil
}

// Discard drops a dead letter for good. The discard hooks run in the same
// transaction as the delete.
func (q *Queue) Discard(id string) error {
	q.mu.Lock()
	hooks := append([]ScopeHook{}, q.onDiscard...)
	q.mu.Unlock()

	var scope []string
	err := q.db.InTx(func(tx *store.Tx) error {
		d, err := tx.GetDeadLetter(id)
		if err != nil {
			return err
		}
		if err := tx.DeleteDeadLetter(id); err != nil {
			return err
		}
		for _, fn := range hooks {
			if err := fn(tx, d.Scope); err != nil {
				return err
			}
		}
		scope = d.Scope
		return nil
	})
	if errors.Is(err, store.ErrWriteNotFound) {
		return errs.E(errs.KindNotFound, "syncq.Discard", err)
	}
	if err != nil {
		return err
	}
	q.logger.Warn("dead letter discarded", zap.String("id", id), zap.Strings("scope", scope))
	return nil
}

// Save sends every queued write now, ignoring backoff schedules. Writes stay
// queued while offline. An authentication failure stops the pass and is
// returned; other failures are recorded on the writes.
func (q *Queue) Save(ctx context.Context) error {
	return q.process(ctx, false)
}

// Start runs background passes on triggers and when backoff delays expire.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.refreshStatus()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		timer := time.NewTimer(time.Hour)
		defer timer.Stop()
		q.kick()

		for {
			select {
			case <-ctx.Done():
				q.logger.Info("shutdown requested")
				return
			case <-q.trigger:
			case <-timer.C:
			}
			if err := q.process(ctx, true); err != nil && ctx.Err() == nil {
				q.logger.Warn("sync pass stopped", zap.Error(err))
			}
			timer.Reset(q.untilNextDue())
		}
	}()
}

// Stop ends background processing and waits for the current pass.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// untilNextDue is how long the loop may sleep before a backed-off write is
// due again.
func (q *Queue) untilNextDue() time.Duration {
	writes, err := q.db.PendingWrites()
	if err != nil || len(writes) == 0 || !q.Online() {
		return time.Hour
	}
	next := writes[0].NextAttemptAt
	d := next.Sub(q.now())
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

// Backoff returns the delay before the given retry:
// min(InitialBackoff * Multiplier^(retries-1), MaxBackoff).
func (q *Queue) Backoff(retries int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     q.cfg.InitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          q.cfg.Multiplier,
		MaxInterval:         q.cfg.MaxBackoff,
	}
	b.Reset()
	d := q.cfg.InitialBackoff
	for i := 0; i < retries; i++ {
		d = b.NextBackOff()
	}
	return d
}
