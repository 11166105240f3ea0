package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// QueuedWrite is a durable outbound remote write. Payload is the encoded
// batch; Scope lists the cache keys it touches.
type QueuedWrite struct {
	ID            string          `json:"id"`
	Payload       json.RawMessage `json:"payload"`
	Scope         []string        `json:"scope"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	Retries       int             `json:"retries"`
	LastError     string          `json:"lastError,omitempty"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
}

// DeadLetter is a write abandoned after exhausting retries or failing
// permanently.
type DeadLetter struct {
	QueuedWrite
	Reason string    `json:"reason"`
	DeadAt time.Time `json:"deadAt"`
}

// ErrWriteNotFound is returned when a queued write or dead letter id is unknown.
var ErrWriteNotFound = errors.New("queued write not found")

// Enqueue appends a write to the durable queue.
func (o ops) Enqueue(w QueuedWrite) error {
	scope, err := json.Marshal(w.Scope)
	if err != nil {
		return fmt.Errorf("encode scope: %w", err)
	}
	if w.Scope == nil {
		scope = []byte("[]")
	}
	_, err = o.q.Exec(`
		INSERT INTO sync_queue (id, payload, scope, enqueued_at, retries, last_error, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, w.ID, string(w.Payload), string(scope), w.EnqueuedAt.UnixMilli(), w.Retries, w.LastError, millis(w.NextAttemptAt))
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", w.ID, err)
	}
	return nil
}

// PendingWrites returns every queued write in enqueue order.
func (o ops) PendingWrites() ([]QueuedWrite, error) {
	rows, err := o.q.Query(`
		SELECT id, payload, scope, enqueued_at, retries, last_error, next_attempt_at
		FROM sync_queue ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	var out []QueuedWrite
	for rows.Next() {
		var (
			w              QueuedWrite
			payload, scope string
			enqueued, next int64
		)
		if err := rows.Scan(&w.ID, &payload, &scope, &enqueued, &w.Retries, &w.LastError, &next); err != nil {
			return nil, fmt.Errorf("scan queued write: %w", err)
		}
		w.Payload = json.RawMessage(payload)
		if err := json.Unmarshal([]byte(scope), &w.Scope); err != nil {
			return nil, fmt.Errorf("decode scope of %s: %w", w.ID, err)
		}
		w.EnqueuedAt = fromMillis(enqueued)
		w.NextAttemptAt = fromMillis(next)
		out = append(out, w)
	}
	return out, rows.Err()
}

// QueueDepth counts queued writes.
func (o ops) QueueDepth() (int, error) {
	var n int
	if err := o.q.QueryRow(`SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// RecordFailure stores a failed attempt on a queued write.
func (o ops) RecordFailure(id string, retries int, lastError string, next time.Time) error {
	res, err := o.q.Exec(`
		UPDATE sync_queue SET retries = ?, last_error = ?, next_attempt_at = ? WHERE id = ?
	`, retries, lastError, millis(next), id)
	if err != nil {
		return fmt.Errorf("record failure %s: %w", id, err)
	}
	return requireRow(res, id)
}

// RemoveWrite deletes an acknowledged write.
func (o ops) RemoveWrite(id string) error {
	if _, err := o.q.Exec(`DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove write %s: %w", id, err)
	}
	return nil
}

// MoveToDeadLetters removes w from the queue and records it as dead. Run it
// on a Tx so both steps commit together.
func (o ops) MoveToDeadLetters(w QueuedWrite, reason string, at time.Time) error {
	scope, err := json.Marshal(w.Scope)
	if err != nil {
		return fmt.Errorf("encode scope: %w", err)
	}
	if w.Scope == nil {
		scope = []byte("[]")
	}
	if _, err := o.q.Exec(`DELETE FROM sync_queue WHERE id = ?`, w.ID); err != nil {
		return fmt.Errorf("dequeue %s: %w", w.ID, err)
	}
	_, err = o.q.Exec(`
		INSERT INTO sync_dead_letters (id, payload, scope, enqueued_at, retries, last_error, reason, dead_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET retries = excluded.retries, last_error = excluded.last_error,
			reason = excluded.reason, dead_at = excluded.dead_at
	`, w.ID, string(w.Payload), string(scope), w.EnqueuedAt.UnixMilli(), w.Retries, w.LastError, reason, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", w.ID, err)
	}
	return nil
}

// DeadLetters lists dead letters, oldest first.
func (o ops) DeadLetters() ([]DeadLetter, error) {
	rows, err := o.q.Query(`
		SELECT id, payload, scope, enqueued_at, retries, last_error, reason, dead_at
		FROM sync_dead_letters ORDER BY dead_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetDeadLetter returns one dead letter, or ErrWriteNotFound.
func (o ops) GetDeadLetter(id string) (DeadLetter, error) {
	row := o.q.QueryRow(`
		SELECT id, payload, scope, enqueued_at, retries, last_error, reason, dead_at
		FROM sync_dead_letters WHERE id = ?
	`, id)
	d, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DeadLetter{}, fmt.Errorf("%w: %s", ErrWriteNotFound, id)
	}
	return d, err
}

// DeleteDeadLetter removes a dead letter.
func (o ops) DeleteDeadLetter(id string) error {
	res, err := o.q.Exec(`DELETE FROM sync_dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete dead letter %s: %w", id, err)
	}
	return requireRow(res, id)
}

func scanDeadLetter(s scanner) (DeadLetter, error) {
	var (
		d                DeadLetter
		payload, scope   string
		enqueued, deadAt int64
	)
	err := s.Scan(&d.ID, &payload, &scope, &enqueued, &d.Retries, &d.LastError, &d.Reason, &deadAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DeadLetter{}, err
		}
		return DeadLetter{}, fmt.Errorf("scan dead letter: %w", err)
	}
	d.Payload = json.RawMessage(payload)
	if err := json.Unmarshal([]byte(scope), &d.Scope); err != nil {
		return DeadLetter{}, fmt.Errorf("decode scope of %s: %w", d.ID, err)
	}
	d.EnqueuedAt = fromMillis(enqueued)
	d.DeadAt = fromMillis(deadAt)
	return d, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrWriteNotFound, id)
	}
	return nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
