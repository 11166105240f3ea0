package syncq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/questlog/internal/errs"
	"github.com/lazypower/questlog/internal/remote"
	"github.com/lazypower/questlog/internal/store"
)

// process runs one pass over the queue in FIFO order. A retryable failure
// blocks the writes behind it until the next pass. When scheduled is true a
// write whose backoff has not elapsed also ends the pass.
func (q *Queue) process(ctx context.Context, scheduled bool) error {
	q.procMu.Lock()
	defer q.procMu.Unlock()

	if !q.Online() {
		q.setStatus(StatusOffline, nil)
		return nil
	}

	writes, err := q.db.PendingWrites()
	if err != nil {
		return err
	}
	QueueDepth.Set(float64(len(writes)))
	if len(writes) == 0 {
		if s := q.Status(); s == StatusQueued || s == StatusSaving {
			q.setStatus(StatusIdle, nil)
		}
		return nil
	}

	q.setStatus(StatusSaving, nil)
	sent := 0
	for _, w := range writes {
		if err := ctx.Err(); err != nil {
			q.settle(false)
			return err
		}
		if scheduled && w.NextAttemptAt.After(q.now()) {
			break
		}

		err := q.deliver(ctx, w)
		if ctx.Err() != nil {
			// Cancelled mid-send: leave the write untouched for the next run.
			q.settle(false)
			return ctx.Err()
		}

		switch kind := errs.KindOf(err); {
		case err == nil:
			sent++
			q.acked(w)

		case kind == errs.KindAuth:
			SendTotal.WithLabelValues("auth").Inc()
			q.logger.Error("remote store rejected credentials, sync paused", zap.String("id", w.ID), zap.Error(err))
			q.setStatus(StatusError, err)
			return err

		case errs.Retryable(err):
			SendTotal.WithLabelValues("retry").Inc()
			if err := q.retryLater(w, err); err != nil {
				q.setStatus(StatusError, err)
				return err
			}
			if kind == errs.KindNetwork {
				q.goOffline()
				return nil
			}
			q.settle(false)
			return nil

		default:
			if err := q.deadLetter(w, err.Error()); err != nil {
				q.setStatus(StatusError, err)
				return err
			}
		}
	}

	q.settle(sent > 0)
	return nil
}

// deliver sends one write, resending with Force when the remote reports a
// conflicting revision.
func (q *Queue) deliver(ctx context.Context, w store.QueuedWrite) error {
	var b remote.Batch
	if err := json.Unmarshal(w.Payload, &b); err != nil {
		return errs.E(errs.KindValidation, "syncq.deliver", fmt.Errorf("decode payload: %w", err))
	}

	err := q.send(ctx, b)
	if errs.KindOf(err) != errs.KindConflict || b.Force {
		return err
	}
	SendTotal.WithLabelValues("conflict").Inc()
	q.logger.Warn("remote revision conflict, overwriting with local state",
		zap.String("id", w.ID), zap.Strings("scope", w.Scope), zap.Error(err))
	b.Force = true
	return q.send(ctx, b)
}

func (q *Queue) send(ctx context.Context, b remote.Batch) error {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := q.remote.Commit(ctx, b)
	SendDuration.Observe(time.Since(start).Seconds())
	return err
}

// acked retires a delivered write together with the ack hooks' cache
// bookkeeping. If the hooks fail the write is still removed, since resending
// a committed batch would apply its increments twice; the cache's pending
// counts are then reconciled on the next start.
func (q *Queue) acked(w store.QueuedWrite) {
	q.mu.Lock()
	hooks := append([]ScopeHook{}, q.onAck...)
	q.mu.Unlock()

	err := q.db.InTx(func(tx *store.Tx) error {
		if err := tx.RemoveWrite(w.ID); err != nil {
			return err
		}
		for _, fn := range hooks {
			if err := fn(tx, w.Scope); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		q.logger.Error("acknowledge write", zap.String("id", w.ID), zap.Strings("scope", w.Scope), zap.Error(err))
		if err := q.db.RemoveWrite(w.ID); err != nil {
			q.logger.Error("remove acknowledged write", zap.String("id", w.ID), zap.Error(err))
			return
		}
	}
	SendTotal.WithLabelValues("acked").Inc()
	q.logger.Debug("write acknowledged", zap.String("id", w.ID), zap.Int("retries", w.Retries))
}

// retryLater records a transient failure, or dead-letters the write once its
// retries are exhausted.
func (q *Queue) retryLater(w store.QueuedWrite, cause error) error {
	retries := w.Retries + 1
	if retries > q.cfg.MaxRetries {
		return q.deadLetter(w, fmt.Sprintf("retries exhausted after %d attempts: %v", retries, cause))
	}
	delay := q.Backoff(retries)
	q.logger.Info("remote write failed, will retry",
		zap.String("id", w.ID),
		zap.Int("retries", retries),
		zap.Duration("backoff", delay),
		zap.Error(cause))
	return q.db.RecordFailure(w.ID, retries, cause.Error(), q.now().Add(delay))
}

func (q *Queue) deadLetter(w store.QueuedWrite, reason string) error {
	at := q.now()
	err := q.db.InTx(func(tx *store.Tx) error {
		return tx.MoveToDeadLetters(w, reason, at)
	})
	if err != nil {
		return err
	}
	SendTotal.WithLabelValues("dead").Inc()
	DeadLettersTotal.Inc()
	q.logger.Error("write moved to dead letters",
		zap.String("id", w.ID), zap.Strings("scope", w.Scope), zap.String("reason", reason))

	d := store.DeadLetter{QueuedWrite: w, Reason: reason, DeadAt: at}
	exhausted := errs.E(errs.KindQueueExhausted, "syncq", fmt.Errorf("write %s: %s", w.ID, reason))

	q.mu.Lock()
	hooks := append([]func(store.DeadLetter, error){}, q.onDead...)
	q.mu.Unlock()
	for _, fn := range hooks {
		fn(d, exhausted)
	}
	return nil
}

func (q *Queue) goOffline() {
	q.mu.Lock()
	m := q.monitor
	q.mu.Unlock()
	if m != nil {
		m.SetOnline(false)
	}
	q.SetOnline(false)
}

// settle derives the status after a pass. delivered reports whether the
// pass acknowledged anything.
func (q *Queue) settle(delivered bool) {
	if !q.Online() {
		q.setStatus(StatusOffline, nil)
		return
	}
	depth, err := q.db.QueueDepth()
	if err != nil {
		q.logger.Error("queue depth", zap.Error(err))
		return
	}
	QueueDepth.Set(float64(depth))
	switch {
	case depth > 0:
		q.setStatus(StatusQueued, nil)
	case delivered:
		q.setStatus(StatusSuccess, nil)
	default:
		q.setStatus(StatusIdle, nil)
	}
}
