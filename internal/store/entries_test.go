package store

import (
	"errors"
	"testing"
)

func TestSaveAndGetEntry(t *testing.T) {
	db := testDB(t)

	minutes := 45.0
	e := &Entry{
		ID:              "0190a1b2-0000-7000-8000-000000000001",
		Kind:            KindText,
		Content:         "fixed the flaky test",
		Status:          StatusDraft,
		DurationMinutes: &minutes,
		Metadata:        map[string]string{"source": "cli"},
	}
	if err := db.SaveEntry(e); err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}
	if e.CreatedAt == 0 || e.UpdatedAt == 0 {
		t.Error("expected timestamps to be set")
	}

	got, err := db.GetEntry(e.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.Content != e.Content || got.Status != StatusDraft {
		t.Errorf("entry = %+v", got)
	}
	if got.DurationMinutes == nil || *got.DurationMinutes != 45 {
		t.Errorf("DurationMinutes = %v, want 45", got.DurationMinutes)
	}
	if got.Result != nil {
		t.Errorf("Result = %+v, want nil", got.Result)
	}
	if got.Metadata["source"] != "cli" {
		t.Errorf("Metadata = %v", got.Metadata)
	}
	if got.Actions == nil {
		t.Error("Actions should decode to an empty map")
	}
}

func TestSaveEntryUpdates(t *testing.T) {
	db := testDB(t)

	e := &Entry{ID: "e1", Kind: KindVoice, Status: StatusTranscribing}
	if err := db.SaveEntry(e); err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}
	created := e.CreatedAt

	e.Content = "ran five kilometers"
	e.Status = StatusCompleted
	e.Actions = map[string]float64{"Running": 1}
	e.Result = &Result{TotalExpIncrease: 2, LevelsGained: 0, NodeIncreases: map[string]float64{"Running": 2}}
	if err := db.SaveEntry(e); err != nil {
		t.Fatalf("SaveEntry update: %v", err)
	}

	got, err := db.GetEntry("e1")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.CreatedAt != created {
		t.Errorf("CreatedAt changed: %d -> %d", created, got.CreatedAt)
	}
	if got.Status != StatusCompleted || got.Actions["Running"] != 1 {
		t.Errorf("entry = %+v", got)
	}
	if got.Result == nil || got.Result.NodeIncreases["Running"] != 2 {
		t.Errorf("Result = %+v", got.Result)
	}
}

func TestGetEntryNotFound(t *testing.T) {
	db := testDB(t)

	_, err := db.GetEntry("missing")
	if !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("err = %v, want ErrEntryNotFound", err)
	}
}

func TestRecentEntries(t *testing.T) {
	db := testDB(t)

	for i, status := range []string{StatusCompleted, StatusAnalysisFailed, StatusCompleted} {
		e := &Entry{ID: string(rune('a' + i)), Kind: KindText, Status: status, CreatedAt: int64(1000 + i)}
		if err := db.SaveEntry(e); err != nil {
			t.Fatalf("SaveEntry: %v", err)
		}
	}

	all, err := db.RecentEntries(10, "")
	if err != nil {
		t.Fatalf("RecentEntries: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" {
		t.Errorf("RecentEntries = %d entries, first %q; want 3, first c", len(all), all[0].ID)
	}

	failed, err := db.RecentEntries(10, StatusAnalysisFailed)
	if err != nil {
		t.Fatalf("RecentEntries failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "b" {
		t.Errorf("failed entries = %+v", failed)
	}
}
