// Package cache is the read-aside, write-through layer between the in-memory
// graph, the local SQLite store and the remote document store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lazypower/questlog/internal/errs"
	"github.com/lazypower/questlog/internal/graph"
	"github.com/lazypower/questlog/internal/level"
	"github.com/lazypower/questlog/internal/remote"
	"github.com/lazypower/questlog/internal/store"
)

// Cache keys.
const (
	ManifestKey = "manifest"
	StatsKey    = "stats"
)

func NodeKey(id string) string  { return "node:" + id }
func EdgeKey(id string) string  { return "edge:" + id }
func EntryKey(id string) string { return "entry:" + id }

// DefaultTTL is how long a fetched document counts as fresh.
const DefaultTTL = 5 * time.Minute

// Queue accepts remote batches. EnqueueTx must persist the write inside tx so
// it commits atomically with the local change; Notify is called once the
// transaction has committed.
type Queue interface {
	EnqueueTx(tx *store.Tx, b remote.Batch, scope []string) (string, error)
	Notify()
}

// Options tune a Coordinator. Zero values take defaults.
type Options struct {
	TTL   time.Duration
	Curve level.Curve
	Now   func() time.Time
}

// Coordinator owns the graph model and keeps it, the local store and the
// remote store consistent.
type Coordinator struct {
	db     *store.DB
	remote remote.Store
	queue  Queue
	model  *graph.Model
	curve  level.Curve
	ttl    time.Duration
	now    func() time.Time
	log    *zap.Logger

	// mu serializes local mutations and fetch merges so the model and the
	// store never diverge.
	mu      sync.Mutex
	statsMu sync.Mutex
	group   singleflight.Group
}

// New builds a coordinator and loads the persisted graph into memory.
func New(db *store.DB, rs remote.Store, q Queue, log *zap.Logger, opts Options) (*Coordinator, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Curve == (level.Curve{}) {
		opts.Curve = level.Default()
	}
	if err := opts.Curve.Validate(); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Coordinator{
		db:     db,
		remote: rs,
		queue:  q,
		model:  graph.New(),
		curve:  opts.Curve,
		ttl:    opts.TTL,
		now:    opts.Now,
		log:    log.Named("cache"),
	}
	if err := c.reload(); err != nil {
		return nil, err
	}
	var healed []string
	err := db.InTx(func(tx *store.Tx) error {
		var err error
		healed, err = tx.ReconcilePending()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile pending writes: %w", err)
	}
	if len(healed) > 0 {
		c.log.Warn("pending write counts reconciled with the sync queue", zap.Strings("keys", healed))
	}
	return c, nil
}

func (c *Coordinator) reload() error {
	nodes, edges, version, err := c.db.LoadGraph()
	if err != nil {
		return err
	}
	if err := c.model.Restore(nodes, edges, version); err != nil {
		return fmt.Errorf("restore graph: %w", err)
	}
	return nil
}

// Model returns the live graph. Callers must mutate it only through the
// coordinator.
func (c *Coordinator) Model() *graph.Model { return c.model }

// Curve returns the leveling curve used for statistics.
func (c *Coordinator) Curve() level.Curve { return c.curve }

// IsStale reports whether a cached document must be refetched: it was never
// fetched, it is dirty, or it is older than ttl.
func IsStale(e store.CacheEntry, ok bool, ttl time.Duration, now time.Time) bool {
	if !ok || e.Dirty || e.LastFetchedAt.IsZero() {
		return true
	}
	return now.Sub(e.LastFetchedAt) > ttl
}

// Entry returns the cache entry for key.
func (c *Coordinator) Entry(key string) (store.CacheEntry, bool, error) {
	return c.db.CacheEntry(key)
}

// Invalidate marks keys dirty so the next fetch refreshes them. Cached data
// is kept.
func (c *Coordinator) Invalidate(keys ...string) error {
	for _, k := range keys {
		if err := c.db.Invalidate(k); err != nil {
			return err
		}
	}
	return nil
}

// Acknowledge records that the remote store confirmed a write touching keys.
func (c *Coordinator) Acknowledge(keys []string) error {
	return c.db.InTx(func(tx *store.Tx) error { return c.AcknowledgeTx(tx, keys) })
}

// AcknowledgeTx is Acknowledge inside the caller's transaction, typically
// the one that removes the write from the sync queue.
func (c *Coordinator) AcknowledgeTx(tx *store.Tx, keys []string) error {
	now := c.now()
	for _, k := range keys {
		if err := tx.Acknowledge(k, now); err != nil {
			return err
		}
	}
	return nil
}

// Release forgets an abandoned write touching keys. The keys stay dirty.
func (c *Coordinator) Release(keys []string) error {
	return c.db.InTx(func(tx *store.Tx) error { return c.ReleaseTx(tx, keys) })
}

// ReleaseTx is Release inside the caller's transaction.
func (c *Coordinator) ReleaseTx(tx *store.Tx, keys []string) error {
	for _, k := range keys {
		if err := tx.Release(k); err != nil {
			return err
		}
	}
	return nil
}

// FetchNodesIfStale fetches the stale nodes among ids, or all of them when
// force is set, in sequential batches of at most remote.MaxBatchRead. Nodes
// with unacknowledged local writes are never overwritten. Invalid documents
// are skipped and reported together in the returned error; their entries stay
// stale. The count is the number of documents merged.
func (c *Coordinator) FetchNodesIfStale(ctx context.Context, ids []string, force bool) (int, error) {
	return c.fetchDocs(ctx, "nodes", ids, force, NodeKey, remote.NodePath, c.mergeNode)
}

// FetchEdgesIfStale is FetchNodesIfStale for edges.
func (c *Coordinator) FetchEdgesIfStale(ctx context.Context, ids []string, force bool) (int, error) {
	return c.fetchDocs(ctx, "edges", ids, force, EdgeKey, remote.EdgePath, c.mergeEdge)
}

func (c *Coordinator) mergeNode(tx *store.Tx, id string, raw []byte) error {
	n, err := graph.ParseNode(raw)
	if err != nil {
		return err
	}
	if n.ID != id {
		return errs.Validation("cache.FetchNodes", "document nodes/%s carries id %q", id, n.ID)
	}
	if err := c.model.MergeNode(n); err != nil {
		return err
	}
	return tx.SaveNode(n)
}

func (c *Coordinator) mergeEdge(tx *store.Tx, id string, raw []byte) error {
	e, err := graph.ParseEdge(raw)
	if err != nil {
		return err
	}
	if e.ID != id {
		return errs.Validation("cache.FetchEdges", "document edges/%s describes %s", id, e.ID)
	}
	if err := c.model.MergeEdge(e); err != nil {
		return err
	}
	return tx.SaveEdge(e)
}

type mergeFunc func(tx *store.Tx, id string, raw []byte) error

func (c *Coordinator) fetchDocs(ctx context.Context, kind string, ids []string, force bool,
	key func(string) string, path func(string) string, merge mergeFunc) (int, error) {

	ids = dedupe(ids)
	flightKey := fmt.Sprintf("%s|%t|%s", kind, force, strings.Join(ids, ","))
	v, err, _ := c.group.Do(flightKey, func() (any, error) {
		return c.fetchDocsOnce(ctx, ids, force, key, path, merge)
	})
	n, _ := v.(int)
	return n, err
}

func (c *Coordinator) fetchDocsOnce(ctx context.Context, ids []string, force bool,
	key func(string) string, path func(string) string, merge mergeFunc) (int, error) {

	now := c.now()
	var want []string
	for _, id := range ids {
		e, ok, err := c.db.CacheEntry(key(id))
		if err != nil {
			return 0, err
		}
		if e.Pending > 0 {
			continue
		}
		if force || IsStale(e, ok, c.ttl, now) {
			want = append(want, id)
		}
	}

	merged := 0
	var invalid []error
	for start := 0; start < len(want); start += remote.MaxBatchRead {
		end := min(start+remote.MaxBatchRead, len(want))
		chunk := want[start:end]

		paths := make([]string, len(chunk))
		byPath := make(map[string]string, len(chunk))
		for i, id := range chunk {
			paths[i] = path(id)
			byPath[paths[i]] = id
		}
		docs, err := c.remote.GetMany(ctx, paths)
		if err != nil {
			return merged, err
		}

		n, bad, err := c.mergeChunk(docs, byPath, chunk, key, merge)
		merged += n
		invalid = append(invalid, bad...)
		if err != nil {
			return merged, err
		}
	}

	if len(invalid) > 0 {
		c.log.Warn("skipped invalid remote documents", zap.Int("count", len(invalid)), zap.Error(errors.Join(invalid...)))
		return merged, errors.Join(invalid...)
	}
	return merged, nil
}

// mergeChunk applies one fetched batch. Documents that fail validation are
// returned in bad; a store failure is returned as err and reloads the model.
func (c *Coordinator) mergeChunk(docs []remote.Document, byPath map[string]string, chunk []string,
	key func(string) string, merge mergeFunc) (merged int, bad []error, err error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	got := make(map[string]bool, len(docs))
	err = c.db.InTx(func(tx *store.Tx) error {
		for _, d := range docs {
			id, ok := byPath[d.Path]
			if !ok {
				continue
			}
			got[id] = true

			// A local write may have landed while the request was in flight.
			e, _, err := tx.CacheEntry(key(id))
			if err != nil {
				return err
			}
			if e.Pending > 0 {
				continue
			}
			if err := merge(tx, id, d.Data); err != nil {
				if errs.KindOf(err) == errs.KindValidation {
					bad = append(bad, fmt.Errorf("%s: %w", d.Path, err))
					continue
				}
				return err
			}
			if err := tx.MarkFetched(key(id), now); err != nil {
				return err
			}
			merged++
		}
		// Absent documents have nothing newer remotely.
		for _, id := range chunk {
			if got[id] {
				continue
			}
			if err := tx.MarkFetched(key(id), now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if rerr := c.reload(); rerr != nil {
			c.log.Error("reload graph after failed merge", zap.Error(rerr))
		}
		return 0, bad, err
	}
	return merged, bad, nil
}

// FetchManifestIfStale fetches the structure manifest when stale, or always
// when force is set, and merges it into the graph. It is skipped while local
// structural writes are pending.
func (c *Coordinator) FetchManifestIfStale(ctx context.Context, force bool) error {
	_, err, _ := c.group.Do(fmt.Sprintf("manifest|%t", force), func() (any, error) {
		return nil, c.fetchManifest(ctx, force)
	})
	return err
}

func (c *Coordinator) fetchManifest(ctx context.Context, force bool) error {
	e, ok, err := c.db.CacheEntry(ManifestKey)
	if err != nil {
		return err
	}
	if e.Pending > 0 || (!force && !IsStale(e, ok, c.ttl, c.now())) {
		return nil
	}

	doc, err := c.remote.Get(ctx, remote.ManifestPath)
	if errs.KindOf(err) == errs.KindNotFound {
		return c.db.MarkFetched(ManifestKey, c.now())
	}
	if err != nil {
		return err
	}
	man, err := graph.ParseManifest(doc.Data)
	if err != nil {
		c.log.Warn("remote manifest rejected", zap.Error(err))
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, _, err := c.db.CacheEntry(ManifestKey); err != nil || e.Pending > 0 {
		return err
	}
	if err := c.model.ApplyManifest(man); err != nil {
		return err
	}
	nodes, edges := c.model.Snapshot()
	err = c.db.InTx(func(tx *store.Tx) error {
		if err := tx.SaveGraph(nodes, edges, c.model.Version()); err != nil {
			return err
		}
		return tx.MarkFetched(ManifestKey, c.now())
	})
	if err != nil {
		if rerr := c.reload(); rerr != nil {
			c.log.Error("reload graph after failed manifest merge", zap.Error(rerr))
		}
		return err
	}
	c.log.Debug("manifest merged",
		zap.Int64("version", man.Version),
		zap.Int("nodes", man.Metrics.NodeCount),
		zap.Int("edges", man.Metrics.EdgeCount))
	return nil
}

// Refresh fetches the manifest, then every stale node and edge it names, then
// the statistics document.
func (c *Coordinator) Refresh(ctx context.Context, force bool) error {
	if err := c.FetchManifestIfStale(ctx, force); err != nil {
		return fmt.Errorf("fetch manifest: %w", err)
	}
	nodes, edges := c.model.Snapshot()
	nodeIDs := make([]string, 0, len(nodes))
	for _, n := range nodes {
		nodeIDs = append(nodeIDs, n.ID)
	}
	edgeIDs := make([]string, 0, len(edges))
	for _, e := range edges {
		edgeIDs = append(edgeIDs, e.ID)
	}

	var invalid []error
	if _, err := c.FetchNodesIfStale(ctx, nodeIDs, force); err != nil {
		if !isValidationJoin(err) {
			return fmt.Errorf("fetch nodes: %w", err)
		}
		invalid = append(invalid, err)
	}
	if _, err := c.FetchEdgesIfStale(ctx, edgeIDs, force); err != nil {
		if !isValidationJoin(err) {
			return fmt.Errorf("fetch edges: %w", err)
		}
		invalid = append(invalid, err)
	}
	if err := c.FetchStatsIfStale(ctx, force); err != nil {
		return fmt.Errorf("fetch stats: %w", err)
	}
	return errors.Join(invalid...)
}

// isValidationJoin reports whether err is a join of validation errors, as
// returned for skipped documents.
func isValidationJoin(err error) bool {
	j, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return false
	}
	for _, e := range j.Unwrap() {
		if !errors.Is(e, errs.ErrValidation) {
			return false
		}
	}
	return true
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
