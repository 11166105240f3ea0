package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Entry kinds.
const (
	KindText  = "text"
	KindVoice = "voice"
)

// Entry lifecycle states.
const (
	StatusDraft           = "DRAFT"
	StatusTranscribing    = "TRANSCRIBING"
	StatusPendingAnalysis = "PENDING_ANALYSIS"
	StatusAnalyzing       = "ANALYZING"
	StatusCompleted       = "COMPLETED"
	StatusAnalysisFailed  = "ANALYSIS_FAILED"
)

// Result is the outcome of analyzing an entry.
type Result struct {
	TotalExpIncrease float64            `json:"totalExpIncrease"`
	LevelsGained     int                `json:"levelsGained"`
	NodeIncreases    map[string]float64 `json:"nodeIncreases"`
}

// Entry is one journal entry.
type Entry struct {
	ID              string             `json:"id"`
	Kind            string             `json:"kind"`
	Content         string             `json:"content"`
	Preview         string             `json:"preview,omitempty"`
	Status          string             `json:"status"`
	Actions         map[string]float64 `json:"actions"`
	Result          *Result            `json:"result,omitempty"`
	DurationMinutes *float64           `json:"durationMinutes,omitempty"`
	Metadata        map[string]string  `json:"metadata,omitempty"`
	Error           string             `json:"error,omitempty"`
	CreatedAt       int64              `json:"createdAt"`
	UpdatedAt       int64              `json:"updatedAt"`
}

// ErrEntryNotFound is returned when an entry id is unknown.
var ErrEntryNotFound = errors.New("entry not found")

const entryColumns = `id, kind, content, preview, status, actions, result, duration_minutes, metadata, error, created_at, updated_at`

// SaveEntry inserts or replaces an entry. UpdatedAt is set to now; CreatedAt
// is set on first insert when zero.
func (o ops) SaveEntry(e *Entry) error {
	now := time.Now().UnixMilli()
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.Actions == nil {
		e.Actions = map[string]float64{}
	}

	actions, err := json.Marshal(e.Actions)
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if e.Metadata == nil {
		metadata = []byte("{}")
	}
	var result sql.NullString
	if e.Result != nil {
		raw, err := json.Marshal(e.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		result = sql.NullString{String: string(raw), Valid: true}
	}

	_, err = o.q.Exec(`
		INSERT INTO journal_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content, preview = excluded.preview, status = excluded.status,
			actions = excluded.actions, result = excluded.result,
			duration_minutes = excluded.duration_minutes, metadata = excluded.metadata,
			error = excluded.error, updated_at = excluded.updated_at
	`, e.ID, e.Kind, e.Content, e.Preview, e.Status, string(actions), result, e.DurationMinutes,
		string(metadata), e.Error, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save entry %s: %w", e.ID, err)
	}
	return nil
}

// GetEntry returns an entry by id, or ErrEntryNotFound.
func (o ops) GetEntry(id string) (*Entry, error) {
	row := o.q.QueryRow(`SELECT `+entryColumns+` FROM journal_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

// RecentEntries returns the most recent entries, newest first. A non-empty
// status filters by lifecycle state.
func (o ops) RecentEntries(limit int, status string) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM journal_entries`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := o.q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get recent entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e        Entry
		actions  string
		result   sql.NullString
		duration sql.NullFloat64
		metadata string
	)
	err := s.Scan(&e.ID, &e.Kind, &e.Content, &e.Preview, &e.Status, &actions, &result, &duration,
		&metadata, &e.Error, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(actions), &e.Actions); err != nil {
		return nil, fmt.Errorf("decode actions of %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", e.ID, err)
	}
	if len(e.Metadata) == 0 {
		e.Metadata = nil
	}
	if result.Valid {
		e.Result = &Result{}
		if err := json.Unmarshal([]byte(result.String), e.Result); err != nil {
			return nil, fmt.Errorf("decode result of %s: %w", e.ID, err)
		}
	}
	if duration.Valid {
		d := duration.Float64
		e.DurationMinutes = &d
	}
	return &e, nil
}
