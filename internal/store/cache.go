package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

// CacheEntry tracks freshness of one cached document. Pending counts local
// writes not yet acknowledged by the remote store; while it is non-zero the
// entry stays dirty.
type CacheEntry struct {
	Key           string
	LastFetchedAt time.Time
	Dirty         bool
	Pending       int
}

// CacheEntry returns the entry for key. ok is false when none is stored.
func (o ops) CacheEntry(key string) (CacheEntry, bool, error) {
	var (
		e       CacheEntry
		fetched int64
		dirty   int
	)
	err := o.q.QueryRow(`
		SELECT key, last_fetched_at, dirty, pending FROM cache_entries WHERE key = ?
	`, key).Scan(&e.Key, &fetched, &dirty, &e.Pending)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("get cache entry %s: %w", key, err)
	}
	e.LastFetchedAt = fromMillis(fetched)
	e.Dirty = dirty != 0
	return e, true, nil
}

// CacheEntries returns all entries whose key starts with prefix.
func (o ops) CacheEntries(prefix string) ([]CacheEntry, error) {
	rows, err := o.q.Query(`
		SELECT key, last_fetched_at, dirty, pending FROM cache_entries
		WHERE substr(key, 1, ?) = ? ORDER BY key
	`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer rows.Close()

	var out []CacheEntry
	for rows.Next() {
		var (
			e       CacheEntry
			fetched int64
			dirty   int
		)
		if err := rows.Scan(&e.Key, &fetched, &dirty, &e.Pending); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		e.LastFetchedAt = fromMillis(fetched)
		e.Dirty = dirty != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkFetched records a successful fetch at the given time. The dirty flag is
// cleared only when no local writes are pending for the key.
func (o ops) MarkFetched(key string, at time.Time) error {
	_, err := o.q.Exec(`
		INSERT INTO cache_entries (key, last_fetched_at, dirty, pending) VALUES (?, ?, 0, 0)
		ON CONFLICT(key) DO UPDATE SET
			last_fetched_at = excluded.last_fetched_at,
			dirty = CASE WHEN cache_entries.pending > 0 THEN 1 ELSE 0 END
	`, key, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("mark fetched %s: %w", key, err)
	}
	return nil
}

// MarkPending flags key dirty and counts one more unacknowledged local write.
func (o ops) MarkPending(key string) error {
	_, err := o.q.Exec(`
		INSERT INTO cache_entries (key, dirty, pending) VALUES (?, 1, 1)
		ON CONFLICT(key) DO UPDATE SET dirty = 1, pending = cache_entries.pending + 1
	`, key)
	if err != nil {
		return fmt.Errorf("mark pending %s: %w", key, err)
	}
	return nil
}

// Invalidate flags key dirty without touching its data or pending count.
func (o ops) Invalidate(key string) error {
	_, err := o.q.Exec(`
		INSERT INTO cache_entries (key, dirty) VALUES (?, 1)
		ON CONFLICT(key) DO UPDATE SET dirty = 1
	`, key)
	if err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	return nil
}

// Acknowledge records that one pending write for key reached the remote
// store. When none remain, the entry is clean and counts as fetched at.
func (o ops) Acknowledge(key string, at time.Time) error {
	_, err := o.q.Exec(`
		UPDATE cache_entries SET
			pending = MAX(pending - 1, 0),
			dirty = CASE WHEN pending > 1 THEN 1 ELSE 0 END,
			last_fetched_at = CASE WHEN pending > 1 THEN last_fetched_at ELSE ? END
		WHERE key = ?
	`, at.UnixMilli(), key)
	if err != nil {
		return fmt.Errorf("acknowledge %s: %w", key, err)
	}
	return nil
}

// Release drops one pending write for key without marking it fresh, for
// writes that were abandoned. The entry stays dirty so the next fetch
// replaces the local copy.
func (o ops) Release(key string) error {
	_, err := o.q.Exec(`
		UPDATE cache_entries SET pending = MAX(pending - 1, 0), dirty = 1 WHERE key = ?
	`, key)
	if err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// ReconcilePending resets each cache entry's pending count to the number of
// queued writes and dead letters whose scope names the key. Entries whose
// count changes are marked dirty. It returns the changed keys, sorted.
func (o ops) ReconcilePending() ([]string, error) {
	want := make(map[string]int)
	writes, err := o.PendingWrites()
	if err != nil {
		return nil, err
	}
	for _, w := range writes {
		for _, k := range w.Scope {
			want[k]++
		}
	}
	dead, err := o.DeadLetters()
	if err != nil {
		return nil, err
	}
	for _, d := range dead {
		for _, k := range d.Scope {
			want[k]++
		}
	}

	entries, err := o.CacheEntries("")
	if err != nil {
		return nil, err
	}
	var changed []string
	for _, e := range entries {
		n, ok := want[e.Key]
		delete(want, e.Key)
		if !ok {
			n = 0
		}
		if e.Pending == n {
			continue
		}
		if _, err := o.q.Exec(`UPDATE cache_entries SET pending = ?, dirty = 1 WHERE key = ?`, n, e.Key); err != nil {
			return nil, fmt.Errorf("reconcile %s: %w", e.Key, err)
		}
		changed = append(changed, e.Key)
	}
	for k, n := range want {
		if _, err := o.q.Exec(`INSERT INTO cache_entries (key, dirty, pending) VALUES (?, 1, ?)`, k, n); err != nil {
			return nil, fmt.Errorf("reconcile %s: %w", k, err)
		}
		changed = append(changed, k)
	}
	sort.Strings(changed)
	return changed, nil
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
