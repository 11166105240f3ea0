package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/lazypower/questlog/internal/errs"
	"github.com/lazypower/questlog/internal/graph"
	"github.com/lazypower/questlog/internal/remote"
	"github.com/lazypower/questlog/internal/store"
)

// Change is the before and after of one label's statistics.
type Change struct {
	Label    string  `json:"label"`
	OldExp   float64 `json:"oldExp"`
	NewExp   float64 `json:"newExp"`
	OldLevel int     `json:"oldLevel"`
	NewLevel int     `json:"newLevel"`
}

// Changes maps label to its change.
type Changes map[string]Change

// LevelsGained sums the positive level differences.
func (cs Changes) LevelsGained() int {
	total := 0
	for _, c := range cs {
		if d := c.NewLevel - c.OldLevel; d > 0 {
			total += d
		}
	}
	return total
}

// Finalized is what the finalize callback of ApplyStatDeltas hands back: the
// entry to persist alongside the statistics, and extra remote operations to
// send in the same batch.
type Finalized struct {
	Entry *store.Entry
	Ops   []remote.Op
	Scope []string
}

// statDoc is the wire form of one label in the statistics document.
type statDoc struct {
	Experience float64 `json:"experience"`
	Level      int     `json:"level"`
}

// Stats returns the player statistics. The root label is always present.
func (c *Coordinator) Stats() (map[string]store.Stat, error) {
	stats, err := c.db.PlayerStats()
	if err != nil {
		return nil, err
	}
	if _, ok := stats[graph.RootLabel]; !ok {
		stats[graph.RootLabel] = store.Stat{Label: graph.RootLabel, Experience: 0, Level: 1}
	}
	return stats, nil
}

// ApplyStatDeltas adds deltas (label to EXP) to the player statistics. It is
// the only path that mutates statistics: calls are serialized, levels are
// recomputed with the curve, and the new statistics, the entry returned by
// finalize and the remote write are committed in one local transaction.
// Experience never drops below zero.
func (c *Coordinator) ApplyStatDeltas(ctx context.Context, deltas map[string]float64,
	finalize func(Changes) (Finalized, error)) (Changes, error) {

	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	stats, err := c.Stats()
	if err != nil {
		return nil, err
	}

	labels := make([]string, 0, len(deltas))
	for label, d := range deltas {
		if label == "" || math.IsNaN(d) || math.IsInf(d, 0) {
			return nil, errs.Validation("cache.ApplyStatDeltas", "invalid delta %q=%v", label, d)
		}
		if d != 0 {
			labels = append(labels, label)
		}
	}
	sort.Strings(labels)

	changes := make(Changes, len(labels))
	for _, label := range labels {
		old, ok := stats[label]
		if !ok {
			old = store.Stat{Label: label, Level: 1}
		}
		next := math.Max(0, old.Experience+deltas[label])
		ch := Change{
			Label:    label,
			OldExp:   old.Experience,
			NewExp:   next,
			OldLevel: c.curve.LevelForExp(old.Experience),
			NewLevel: c.curve.LevelForExp(next),
		}
		changes[label] = ch
		stats[label] = store.Stat{Label: label, Experience: ch.NewExp, Level: ch.NewLevel}
	}

	fin := Finalized{}
	if finalize != nil {
		if fin, err = finalize(changes); err != nil {
			return nil, err
		}
	}

	statsOp, err := remote.Set(remote.StatsPath, statsDocument(stats))
	if err != nil {
		return nil, err
	}
	ops := append([]remote.Op{statsOp}, fin.Ops...)
	scope := append([]string{StatsKey}, fin.Scope...)

	err = c.db.InTx(func(tx *store.Tx) error {
		for _, label := range labels {
			if err := tx.PutStat(stats[label]); err != nil {
				return err
			}
		}
		if fin.Entry != nil {
			if err := tx.SaveEntry(fin.Entry); err != nil {
				return err
			}
		}
		for _, k := range scope {
			if err := tx.MarkPending(k); err != nil {
				return err
			}
		}
		_, err := c.queue.EnqueueTx(tx, remote.Batch{Ops: ops}, scope)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.queue.Notify()

	if gained := changes.LevelsGained(); gained > 0 {
		c.log.Info("levels gained", zap.Int("levels", gained))
	}
	return changes, nil
}

// Enqueue sends a batch that carries no local state change, such as an entry
// placeholder, through the sync queue. Keys in scope are marked pending.
func (c *Coordinator) Enqueue(ops []remote.Op, scope []string, persist func(tx *store.Tx) error) error {
	err := c.db.InTx(func(tx *store.Tx) error {
		if persist != nil {
			if err := persist(tx); err != nil {
				return err
			}
		}
		for _, k := range scope {
			if err := tx.MarkPending(k); err != nil {
				return err
			}
		}
		_, err := c.queue.EnqueueTx(tx, remote.Batch{Ops: ops}, scope)
		return err
	})
	if err != nil {
		return err
	}
	c.queue.Notify()
	return nil
}

func statsDocument(stats map[string]store.Stat) map[string]statDoc {
	doc := make(map[string]statDoc, len(stats))
	for label, s := range stats {
		doc[label] = statDoc{Experience: s.Experience, Level: s.Level}
	}
	return doc
}

// FetchStatsIfStale refreshes the statistics from the remote document when
// stale. Remote values replace local ones per label, with levels recomputed
// locally. Skipped while local statistic writes are pending.
func (c *Coordinator) FetchStatsIfStale(ctx context.Context, force bool) error {
	_, err, _ := c.group.Do(fmt.Sprintf("stats|%t", force), func() (any, error) {
		return nil, c.fetchStats(ctx, force)
	})
	return err
}

func (c *Coordinator) fetchStats(ctx context.Context, force bool) error {
	e, ok, err := c.db.CacheEntry(StatsKey)
	if err != nil {
		return err
	}
	if e.Pending > 0 || (!force && !IsStale(e, ok, c.ttl, c.now())) {
		return nil
	}

	doc, err := c.remote.Get(ctx, remote.StatsPath)
	if errs.KindOf(err) == errs.KindNotFound {
		return c.db.MarkFetched(StatsKey, c.now())
	}
	if err != nil {
		return err
	}
	var remoteStats map[string]statDoc
	if err := json.Unmarshal(doc.Data, &remoteStats); err != nil {
		return errs.E(errs.KindValidation, "cache.FetchStats", err)
	}
	for label, s := range remoteStats {
		if label == "" || math.IsNaN(s.Experience) || math.IsInf(s.Experience, 0) || s.Experience < 0 {
			return errs.Validation("cache.FetchStats", "invalid stat %q=%v", label, s.Experience)
		}
	}

	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	return c.db.InTx(func(tx *store.Tx) error {
		e, _, err := tx.CacheEntry(StatsKey)
		if err != nil || e.Pending > 0 {
			return err
		}
		for label, s := range remoteStats {
			st := store.Stat{Label: label, Experience: s.Experience, Level: c.curve.LevelForExp(s.Experience)}
			if err := tx.PutStat(st); err != nil {
				return err
			}
		}
		return tx.MarkFetched(StatsKey, c.now())
	})
}
