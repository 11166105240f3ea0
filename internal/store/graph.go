package store

import (
	"fmt"
	"time"

	"github.com/lazypower/questlog/internal/graph"
)

// SaveNode inserts or replaces a node row.
func (o ops) SaveNode(n graph.Node) error {
	_, err := o.q.Exec(`
		INSERT INTO nodes (id, label, node_type, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET label = excluded.label, node_type = excluded.node_type, updated_at = excluded.updated_at
	`, n.ID, n.Label, string(n.Type), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save node %s: %w", n.ID, err)
	}
	return nil
}

// DeleteNode removes a node row and every edge row incident to it.
func (o ops) DeleteNode(id string) error {
	if _, err := o.q.Exec(`DELETE FROM edges WHERE source = ? OR target = ?`, id, id); err != nil {
		return fmt.Errorf("delete edges of %s: %w", id, err)
	}
	if _, err := o.q.Exec(`DELETE FROM nodes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete node %s: %w", id, err)
	}
	return nil
}

// SaveEdge inserts or replaces an edge row.
func (o ops) SaveEdge(e graph.Edge) error {
	_, err := o.q.Exec(`
		INSERT INTO edges (id, source, target, weight, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET weight = excluded.weight, updated_at = excluded.updated_at
	`, e.ID, e.Source, e.Target, e.Weight, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save edge %s: %w", e.ID, err)
	}
	return nil
}

// DeleteEdge removes an edge row.
func (o ops) DeleteEdge(id string) error {
	if _, err := o.q.Exec(`DELETE FROM edges WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete edge %s: %w", id, err)
	}
	return nil
}

// SetGraphVersion records the manifest version.
func (o ops) SetGraphVersion(v int64) error {
	_, err := o.q.Exec(`
		INSERT INTO graph_meta (key, value) VALUES ('version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, v)
	if err != nil {
		return fmt.Errorf("set graph version: %w", err)
	}
	return nil
}

// SaveGraph writes a full model snapshot: every node and edge, and the version.
// Rows for nodes or edges no longer in the snapshot are left alone; use
// DeleteNode and DeleteEdge for removals.
func (o ops) SaveGraph(nodes []graph.Node, edges []graph.Edge, version int64) error {
	for _, n := range nodes {
		if err := o.SaveNode(n); err != nil {
			return err
		}
	}
	for _, e := range edges {
		if err := o.SaveEdge(e); err != nil {
			return err
		}
	}
	return o.SetGraphVersion(version)
}

// LoadGraph reads every node and edge, ordered by id, and the stored version.
func (o ops) LoadGraph() ([]graph.Node, []graph.Edge, int64, error) {
	rows, err := o.q.Query(`SELECT id, label, node_type FROM nodes ORDER BY id`)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("load nodes: %w", err)
	}
	var nodes []graph.Node
	for rows.Next() {
		var n graph.Node
		var typ string
		if err := rows.Scan(&n.ID, &n.Label, &typ); err != nil {
			rows.Close()
			return nil, nil, 0, fmt.Errorf("scan node: %w", err)
		}
		n.Type = graph.NodeType(typ)
		nodes = append(nodes, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, 0, err
	}

	rows, err = o.q.Query(`SELECT id, source, target, weight FROM edges ORDER BY id`)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("load edges: %w", err)
	}
	var edges []graph.Edge
	for rows.Next() {
		var e graph.Edge
		if err := rows.Scan(&e.ID, &e.Source, &e.Target, &e.Weight); err != nil {
			rows.Close()
			return nil, nil, 0, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, 0, err
	}

	var version int64
	err = o.q.QueryRow(`SELECT COALESCE(MAX(value), 0) FROM graph_meta WHERE key = 'version'`).Scan(&version)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("load graph version: %w", err)
	}
	return nodes, edges, version, nil
}
