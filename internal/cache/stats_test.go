package cache

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/questlog/internal/errs"
	"github.com/lazypower/questlog/internal/graph"
	"github.com/lazypower/questlog/internal/remote"
	"github.com/lazypower/questlog/internal/store"
)

func TestStatsIncludeRoot(t *testing.T) {
	f := newFixture(t)
	stats, err := f.coord.Stats()
	require.NoError(t, err)
	assert.Equal(t, store.Stat{Label: graph.RootLabel, Experience: 0, Level: 1}, stats[graph.RootLabel])
}

func TestApplyStatDeltas(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry := &store.Entry{ID: "e1", Kind: store.KindText, Content: "debugged", Status: store.StatusCompleted}
	changes, err := f.coord.ApplyStatDeltas(ctx, map[string]float64{"Debugging": 12, "Intellect": 3},
		func(cs Changes) (Finalized, error) {
			entry.Result = &store.Result{LevelsGained: cs.LevelsGained()}
			set, err := remote.Set(remote.EntryPath(entry.ID), entry)
			return Finalized{Entry: entry, Ops: []remote.Op{set}}, err
		})
	require.NoError(t, err)

	assert.Equal(t, Change{Label: "Debugging", OldExp: 0, NewExp: 12, OldLevel: 1, NewLevel: 2}, changes["Debugging"])
	assert.Equal(t, 1, changes.LevelsGained())

	stats, err := f.coord.Stats()
	require.NoError(t, err)
	assert.Equal(t, 12.0, stats["Debugging"].Experience)
	assert.Equal(t, 2, stats["Debugging"].Level)

	saved, err := f.db.GetEntry("e1")
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Result.LevelsGained)

	b := f.queue.last()
	require.Len(t, b.Ops, 2)
	assert.Equal(t, remote.StatsPath, b.Ops[0].Path)
	assert.Equal(t, remote.EntryPath("e1"), b.Ops[1].Path)

	var doc map[string]statDoc
	require.NoError(t, json.Unmarshal(b.Ops[0].Data, &doc))
	assert.Equal(t, statDoc{Experience: 12, Level: 2}, doc["Debugging"])
	assert.Equal(t, statDoc{Experience: 0, Level: 1}, doc[graph.RootLabel])

	e, _, err := f.coord.Entry(StatsKey)
	require.NoError(t, err)
	assert.True(t, e.Dirty)
}

func TestApplyStatDeltasFloorsAtZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.ApplyStatDeltas(ctx, map[string]float64{"Focus": 2}, nil)
	require.NoError(t, err)
	changes, err := f.coord.ApplyStatDeltas(ctx, map[string]float64{"Focus": -5}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, changes["Focus"].NewExp)
}

func TestApplyStatDeltasFinalizeError(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.ApplyStatDeltas(context.Background(), map[string]float64{"Focus": 2},
		func(Changes) (Finalized, error) { return Finalized{}, errs.Validation("test", "nope") })
	assert.ErrorIs(t, err, errs.ErrValidation)

	stats, err := f.coord.Stats()
	require.NoError(t, err)
	assert.NotContains(t, stats, "Focus")
}

func TestApplyStatDeltasSerialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.ApplyStatDeltas(ctx, map[string]float64{"Focus": 1}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stats, err := f.coord.Stats()
	require.NoError(t, err)
	assert.Equal(t, 40.0, stats["Focus"].Experience)
}

func TestFetchStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.putRemote(t, remote.StatsPath, map[string]statDoc{"Running": {Experience: 30, Level: 7}})
	require.NoError(t, f.coord.FetchStatsIfStale(ctx, false))

	stats, err := f.coord.Stats()
	require.NoError(t, err)
	assert.Equal(t, 30.0, stats["Running"].Experience)
	assert.Equal(t, 3, stats["Running"].Level, "level is recomputed locally")

	// Pending local stat writes block the fetch.
	_, err = f.coord.ApplyStatDeltas(ctx, map[string]float64{"Running": 1}, nil)
	require.NoError(t, err)
	f.putRemote(t, remote.StatsPath, map[string]statDoc{"Running": {Experience: 100}})
	require.NoError(t, f.coord.FetchStatsIfStale(ctx, true))

	stats, err = f.coord.Stats()
	require.NoError(t, err)
	assert.Equal(t, 31.0, stats["Running"].Experience)
}

func TestForcedStatsFetchDoesNotJoinUnforced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.putRemote(t, remote.StatsPath, map[string]statDoc{"Running": {Experience: 30}})
	require.NoError(t, f.coord.FetchStatsIfStale(ctx, false))
	f.putRemote(t, remote.StatsPath, map[string]statDoc{"Running": {Experience: 50}})

	// The unforced fetch parks inside its freshness check.
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	now := *f.clock
	f.coord.now = func() time.Time {
		once.Do(func() {
			close(entered)
			<-release
		})
		return now
	}

	unforced := make(chan error, 1)
	go func() { unforced <- f.coord.FetchStatsIfStale(ctx, false) }()
	<-entered

	forced := make(chan error, 1)
	go func() { forced <- f.coord.FetchStatsIfStale(ctx, true) }()
	select {
	case err := <-forced:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("forced fetch waited on the unforced one")
	}
	close(release)
	require.NoError(t, <-unforced)

	stats, err := f.coord.Stats()
	require.NoError(t, err)
	assert.Equal(t, 50.0, stats["Running"].Experience)
}

func TestFetchStatsCapsHugeExperience(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.putRemote(t, remote.StatsPath, map[string]statDoc{"Running": {Experience: 1e300}})
	require.NoError(t, f.coord.FetchStatsIfStale(ctx, true))
	stats, err := f.coord.Stats()
	require.NoError(t, err)
	assert.Equal(t, f.coord.Curve().MaxLevel, stats["Running"].Level)
}
