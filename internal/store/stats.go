package store

import (
	"fmt"
	"time"
)

// Stat is the accumulated experience and level for one label.
type Stat struct {
	Label      string  `json:"label"`
	Experience float64 `json:"experience"`
	Level      int     `json:"level"`
}

// PlayerStats returns every stored stat keyed by label.
func (o ops) PlayerStats() (map[string]Stat, error) {
	rows, err := o.q.Query(`SELECT label, experience, level FROM player_stats ORDER BY label`)
	if err != nil {
		return nil, fmt.Errorf("load player stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Stat)
	for rows.Next() {
		var s Stat
		if err := rows.Scan(&s.Label, &s.Experience, &s.Level); err != nil {
			return nil, fmt.Errorf("scan stat: %w", err)
		}
		out[s.Label] = s
	}
	return out, rows.Err()
}

// PutStat inserts or replaces a stat row.
func (o ops) PutStat(s Stat) error {
	if s.Experience < 0 {
		s.Experience = 0
	}
	if s.Level < 1 {
		s.Level = 1
	}
	_, err := o.q.Exec(`
		INSERT INTO player_stats (label, experience, level, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(label) DO UPDATE SET
			experience = excluded.experience, level = excluded.level, updated_at = excluded.updated_at
	`, s.Label, s.Experience, s.Level, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put stat %s: %w", s.Label, err)
	}
	return nil
}
