package store

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func queued(id string) QueuedWrite {
	return QueuedWrite{
		ID:         id,
		Payload:    json.RawMessage(`{"ops":[]}`),
		Scope:      []string{"node:" + id},
		EnqueuedAt: time.UnixMilli(1_700_000_000_000),
	}
}

func TestEnqueueOrder(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"w2", "w1", "w3"} {
		if err := db.Enqueue(queued(id)); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}

	got, err := db.PendingWrites()
	if err != nil {
		t.Fatalf("PendingWrites: %v", err)
	}
	var ids []string
	for _, w := range got {
		ids = append(ids, w.ID)
	}
	if len(ids) != 3 || ids[0] != "w2" || ids[1] != "w1" || ids[2] != "w3" {
		t.Errorf("order = %v, want enqueue order [w2 w1 w3]", ids)
	}
	if string(got[0].Payload) != `{"ops":[]}` || got[0].Scope[0] != "node:w2" {
		t.Errorf("write = %+v", got[0])
	}

	depth, err := db.QueueDepth()
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 3 {
		t.Errorf("QueueDepth = %d, want 3", depth)
	}
}

func TestRecordFailure(t *testing.T) {
	db := testDB(t)
	if err := db.Enqueue(queued("w1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	next := time.UnixMilli(1_700_000_005_000)
	if err := db.RecordFailure("w1", 3, "server: 503", next); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	got, err := db.PendingWrites()
	if err != nil {
		t.Fatalf("PendingWrites: %v", err)
	}
	if got[0].Retries != 3 || got[0].LastError != "server: 503" || !got[0].NextAttemptAt.Equal(next) {
		t.Errorf("write = %+v", got[0])
	}

	if err := db.RecordFailure("missing", 1, "x", next); !errors.Is(err, ErrWriteNotFound) {
		t.Errorf("RecordFailure(missing) = %v, want ErrWriteNotFound", err)
	}
}

func TestDeadLetterLifecycle(t *testing.T) {
	db := testDB(t)
	w := queued("w1")
	if err := db.Enqueue(w); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	w.Retries = 11
	w.LastError = "network: connection refused"
	deadAt := time.UnixMilli(1_700_000_100_000)
	err := db.InTx(func(tx *Tx) error { return tx.MoveToDeadLetters(w, "retries exhausted", deadAt) })
	if err != nil {
		t.Fatalf("MoveToDeadLetters: %v", err)
	}

	if depth, _ := db.QueueDepth(); depth != 0 {
		t.Errorf("QueueDepth = %d, want 0", depth)
	}
	dead, err := db.DeadLetters()
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("DeadLetters = %d, want 1", len(dead))
	}
	if dead[0].Retries != 11 || dead[0].Reason != "retries exhausted" || !dead[0].DeadAt.Equal(deadAt) {
		t.Errorf("dead letter = %+v", dead[0])
	}

	got, err := db.GetDeadLetter("w1")
	if err != nil {
		t.Fatalf("GetDeadLetter: %v", err)
	}
	if got.LastError != w.LastError {
		t.Errorf("LastError = %q, want %q", got.LastError, w.LastError)
	}

	if err := db.DeleteDeadLetter("w1"); err != nil {
		t.Fatalf("DeleteDeadLetter: %v", err)
	}
	if _, err := db.GetDeadLetter("w1"); !errors.Is(err, ErrWriteNotFound) {
		t.Errorf("GetDeadLetter after delete = %v, want ErrWriteNotFound", err)
	}
}

func TestRemoveWrite(t *testing.T) {
	db := testDB(t)
	if err := db.Enqueue(queued("w1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := db.RemoveWrite("w1"); err != nil {
		t.Fatalf("RemoveWrite: %v", err)
	}
	if depth, _ := db.QueueDepth(); depth != 0 {
		t.Errorf("QueueDepth = %d, want 0", depth)
	}
}

func TestMoveToDeadLettersRollsBackTogether(t *testing.T) {
	db := testDB(t)
	if err := db.Enqueue(queued("w1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	_, err := db.Exec(`CREATE TRIGGER refuse_dead BEFORE INSERT ON sync_dead_letters
		BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	err = db.InTx(func(tx *Tx) error { return tx.MoveToDeadLetters(queued("w1"), "rejected", time.UnixMilli(1)) })
	if err == nil {
		t.Fatal("MoveToDeadLetters succeeded, want insert failure")
	}
	if depth, _ := db.QueueDepth(); depth != 1 {
		t.Errorf("QueueDepth = %d, want 1: the write must survive a failed dead-letter", depth)
	}
}
