package cache

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lazypower/questlog/internal/graph"
	"github.com/lazypower/questlog/internal/remote"
	"github.com/lazypower/questlog/internal/store"
)

// UpsertNode writes a node through to the model and the local store and
// queues the node and manifest documents for the remote store.
func (c *Coordinator) UpsertNode(ctx context.Context, n graph.Node) (graph.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.model.UpsertNode(n)
	if err != nil {
		return graph.Node{}, err
	}
	nodeOp, err := remote.Set(remote.NodePath(n.ID), n)
	if err != nil {
		return graph.Node{}, err
	}
	err = c.writeThrough([]remote.Op{nodeOp}, []string{NodeKey(n.ID)}, func(tx *store.Tx) error {
		return tx.SaveNode(n)
	})
	if err != nil {
		return graph.Node{}, err
	}
	c.log.Debug("node written", zap.String("id", n.ID), zap.String("type", string(n.Type)))
	return n, nil
}

// RemoveNode deletes a node and its incident edges locally and queues the
// matching remote deletes.
func (c *Coordinator) RemoveNode(ctx context.Context, id string) ([]graph.Edge, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed, err := c.model.RemoveNode(id)
	if err != nil {
		return nil, err
	}
	ops := []remote.Op{remote.Delete(remote.NodePath(id))}
	keys := []string{NodeKey(id)}
	for _, e := range removed {
		ops = append(ops, remote.Delete(remote.EdgePath(e.ID)))
		keys = append(keys, EdgeKey(e.ID))
	}
	err = c.writeThrough(ops, keys, func(tx *store.Tx) error {
		return tx.DeleteNode(id)
	})
	if err != nil {
		return nil, err
	}
	c.log.Debug("node removed", zap.String("id", id), zap.Int("edges", len(removed)))
	return removed, nil
}

// UpsertEdge writes an edge through and queues it remotely.
func (c *Coordinator) UpsertEdge(ctx context.Context, e graph.Edge) (graph.Edge, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.model.UpsertEdge(e)
	if err != nil {
		return graph.Edge{}, err
	}
	edgeOp, err := remote.Set(remote.EdgePath(e.ID), e)
	if err != nil {
		return graph.Edge{}, err
	}
	err = c.writeThrough([]remote.Op{edgeOp}, []string{EdgeKey(e.ID)}, func(tx *store.Tx) error {
		return tx.SaveEdge(e)
	})
	if err != nil {
		return graph.Edge{}, err
	}
	c.log.Debug("edge written", zap.String("id", e.ID), zap.Float64("weight", e.Weight))
	return e, nil
}

// RemoveEdge deletes an edge locally and queues the remote delete.
func (c *Coordinator) RemoveEdge(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.model.RemoveEdge(id); err != nil {
		return err
	}
	return c.writeThrough([]remote.Op{remote.Delete(remote.EdgePath(id))}, []string{EdgeKey(id)},
		func(tx *store.Tx) error { return tx.DeleteEdge(id) })
}

// writeThrough persists a structural change that the model already holds,
// marks keys and the manifest pending, and queues ops plus the new manifest
// as one remote batch. Caller holds c.mu. If the local write fails the model
// is reloaded from the store.
func (c *Coordinator) writeThrough(ops []remote.Op, keys []string, persist func(tx *store.Tx) error) error {
	man := c.model.Manifest()
	manOp, err := remote.Set(remote.ManifestPath, man)
	if err != nil {
		return err
	}
	ops = append(ops, manOp)
	keys = append(keys, ManifestKey)

	err = c.db.InTx(func(tx *store.Tx) error {
		if err := persist(tx); err != nil {
			return err
		}
		if err := tx.SetGraphVersion(man.Version); err != nil {
			return err
		}
		for _, k := range keys {
			if err := tx.MarkPending(k); err != nil {
				return err
			}
		}
		_, err := c.queue.EnqueueTx(tx, remote.Batch{Ops: ops}, keys)
		return err
	})
	if err != nil {
		if rerr := c.reload(); rerr != nil {
			c.log.Error("reload graph after failed write", zap.Error(rerr))
		}
		return fmt.Errorf("write through: %w", err)
	}
	c.queue.Notify()
	return nil
}
