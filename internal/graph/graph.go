// Package graph holds the concept graph: characteristic, skill and action nodes
// linked by weighted parent-child edges, plus the compact structure manifest
// that is synchronized separately from the full node and edge documents.
package graph

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/lazypower/questlog/internal/errs"
)

// Reserved root node. It always exists and cannot be removed.
const (
	RootID    = "progression"
	RootLabel = "Progression"
)

// NodeType is the role a node plays in the hierarchy.
type NodeType string

const (
	TypeAction         NodeType = "action"
	TypeSkill          NodeType = "skill"
	TypeCharacteristic NodeType = "characteristic"
	TypeNone           NodeType = "none"
)

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	switch t {
	case TypeAction, TypeSkill, TypeCharacteristic, TypeNone:
		return true
	}
	return false
}

// Node is a characteristic, skill or action.
type Node struct {
	ID    string   `json:"id"`
	Label string   `json:"label"`
	Type  NodeType `json:"type"`
}

// Edge links a parent (Source) to a child (Target). The child forwards Weight
// of the EXP it receives to the parent.
type Edge struct {
	ID     string  `json:"id"`
	Source string  `json:"source"`
	Target string  `json:"target"`
	Weight float64 `json:"weight"`
}

// EdgeID derives the edge id from its endpoints.
func EdgeID(source, target string) string {
	return source + "~" + target
}

// Model is the in-memory graph: normalized node and edge maps plus the
// manifest kept in step with them. Safe for concurrent use.
type Model struct {
	mu       sync.RWMutex
	nodes    map[string]Node
	edges    map[string]Edge
	manifest Manifest
}

// New returns a model containing only the root node.
func New() *Model {
	m := &Model{}
	m.reset()
	return m
}

func (m *Model) reset() {
	root := Node{ID: RootID, Label: RootLabel, Type: TypeCharacteristic}
	m.nodes = map[string]Node{RootID: root}
	m.edges = make(map[string]Edge)
	m.manifest = Manifest{
		AdjacencyList: make(map[string][]Link),
		NodeSummaries: map[string]Summary{RootID: {Label: root.Label, Type: root.Type}},
		Metrics:       Metrics{NodeCount: 1},
	}
}

// Restore replaces the model contents with the given nodes and edges, as loaded
// from local storage. The root node is added if missing.
func (m *Model) Restore(nodes []Node, edges []Edge, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reset()
	for _, n := range nodes {
		if err := validateNode(&n); err != nil {
			return fmt.Errorf("restore node %q: %w", n.ID, err)
		}
		m.putNode(n)
	}
	for _, e := range edges {
		if _, ok := m.nodes[e.Source]; !ok {
			return errs.Validation("graph.Restore", "edge %s: unknown source %q", e.ID, e.Source)
		}
		if _, ok := m.nodes[e.Target]; !ok {
			return errs.Validation("graph.Restore", "edge %s: unknown target %q", e.ID, e.Target)
		}
		e.ID = EdgeID(e.Source, e.Target)
		m.putEdge(e)
	}
	m.manifest.Version = version
	return m.check()
}

// Node returns the node with the given id.
func (m *Model) Node(id string) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	return n, ok
}

// Edge returns the edge with the given id.
func (m *Model) Edge(id string) (Edge, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.edges[id]
	return e, ok
}

// NodeByLabel finds a node by its label.
func (m *Model) NodeByLabel(label string) (Node, bool) {
	return m.Node(NodeID(label))
}

// Snapshot returns copies of all nodes and edges, sorted by id.
func (m *Model) Snapshot() ([]Node, []Edge) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	edges := make([]Edge, 0, len(m.edges))
	for _, e := range m.edges {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	return nodes, edges
}

// Manifest returns a deep copy of the current manifest.
func (m *Model) Manifest() Manifest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.manifest.Clone()
}

// Version returns the manifest version.
func (m *Model) Version() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.manifest.Version
}

// UpsertNode inserts or replaces a node. An empty id is derived from the label.
func (m *Model) UpsertNode(n Node) (Node, error) {
	if err := validateNode(&n); err != nil {
		return Node{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.putNode(n)
	m.manifest.Version++
	return m.nodes[n.ID], m.check()
}

// RemoveNode deletes a node and every edge incident to it. The removed edges
// are returned so callers can propagate the deletion.
func (m *Model) RemoveNode(id string) ([]Edge, error) {
	if id == RootID {
		return nil, errs.Validation("graph.RemoveNode", "root node cannot be removed")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[id]; !ok {
		return nil, errs.E(errs.KindNotFound, "graph.RemoveNode", fmt.Errorf("node %q", id))
	}

	var removed []Edge
	for _, e := range m.edges {
		if e.Source == id || e.Target == id {
			removed = append(removed, e)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })

	for _, e := range removed {
		m.dropEdge(e)
	}
	delete(m.manifest.AdjacencyList, id)
	delete(m.nodes, id)
	delete(m.manifest.NodeSummaries, id)
	m.recount()
	m.manifest.Version++
	return removed, m.check()
}

// UpsertEdge inserts an edge or replaces the weight of an existing one. Edges
// with unknown endpoints, self loops, out-of-range weights or that would close
// a cycle are rejected.
func (m *Model) UpsertEdge(e Edge) (Edge, error) {
	const op = "graph.UpsertEdge"
	if e.Source == "" || e.Target == "" {
		return Edge{}, errs.Validation(op, "source and target are required")
	}
	if e.Source == e.Target {
		return Edge{}, errs.Validation(op, "self loop on %q", e.Source)
	}
	if math.IsNaN(e.Weight) || e.Weight < 0 || e.Weight > 1 {
		return Edge{}, errs.Validation(op, "weight %v outside [0,1]", e.Weight)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[e.Source]; !ok {
		return Edge{}, errs.Validation(op, "unknown source %q", e.Source)
	}
	if _, ok := m.nodes[e.Target]; !ok {
		return Edge{}, errs.Validation(op, "unknown target %q", e.Target)
	}
	e.ID = EdgeID(e.Source, e.Target)
	if _, exists := m.edges[e.ID]; !exists && m.reachable(e.Target, e.Source) {
		return Edge{}, errs.E(errs.KindValidation, op,
			fmt.Errorf("%w: %s -> %s", errs.ErrCycle, e.Source, e.Target))
	}

	m.putEdge(e)
	m.manifest.Version++
	return e, m.check()
}

// RemoveEdge deletes an edge by id.
func (m *Model) RemoveEdge(id string) (Edge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.edges[id]
	if !ok {
		return Edge{}, errs.E(errs.KindNotFound, "graph.RemoveEdge", fmt.Errorf("edge %q", id))
	}
	m.dropEdge(e)
	m.recount()
	m.manifest.Version++
	return e, m.check()
}

// ApplyManifest merges a remote manifest into the model. Nodes and edges the
// manifest references but the model lacks are materialized from the summaries;
// conflicting summaries and weights take the manifest's value. Structure that
// exists only locally is kept. Applying the same manifest twice is a no-op.
func (m *Model) ApplyManifest(in Manifest) error {
	if err := in.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range sortedKeys(in.NodeSummaries) {
		s := in.NodeSummaries[id]
		n := Node{ID: id, Label: s.Label, Type: s.Type}
		if id == RootID {
			n.Type = TypeCharacteristic
		}
		if cur, ok := m.nodes[id]; ok && cur == n {
			continue
		}
		m.putNode(n)
	}

	for _, source := range sortedKeys(in.AdjacencyList) {
		for _, l := range in.AdjacencyList[source] {
			e := Edge{ID: EdgeID(source, l.Target), Source: source, Target: l.Target, Weight: l.Weight}
			if cur, ok := m.edges[e.ID]; ok && cur == e {
				continue
			}
			m.putEdge(e)
		}
	}

	if in.Version > m.manifest.Version {
		m.manifest.Version = in.Version
	}
	return m.check()
}

// MergeNode stores a node fetched from the remote store. Unlike UpsertNode it
// leaves the version alone.
func (m *Model) MergeNode(n Node) error {
	if err := validateNode(&n); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putNode(n)
	return m.check()
}

// MergeEdge stores an edge fetched from the remote store. Both endpoints
// must already be known and the edge must not close a cycle.
func (m *Model) MergeEdge(e Edge) error {
	const op = "graph.MergeEdge"
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[e.Source]; !ok {
		return errs.Validation(op, "edge %s: unknown source %q", e.ID, e.Source)
	}
	if _, ok := m.nodes[e.Target]; !ok {
		return errs.Validation(op, "edge %s: unknown target %q", e.ID, e.Target)
	}
	e.ID = EdgeID(e.Source, e.Target)
	if _, exists := m.edges[e.ID]; !exists && m.reachable(e.Target, e.Source) {
		return errs.E(errs.KindValidation, op, fmt.Errorf("%w: %s -> %s", errs.ErrCycle, e.Source, e.Target))
	}
	m.putEdge(e)
	return m.check()
}

// Check verifies the manifest invariants against the live maps.
func (m *Model) Check() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.check()
}

func (m *Model) check() error {
	const op = "graph.Check"
	total := 0
	for source, links := range m.manifest.AdjacencyList {
		if _, ok := m.nodes[source]; !ok {
			return errs.Errorf(errs.KindInvariant, op, "adjacency key %q has no node", source)
		}
		for _, l := range links {
			if _, ok := m.nodes[l.Target]; !ok {
				return errs.Errorf(errs.KindInvariant, op, "link %s -> %s has no target node", source, l.Target)
			}
			if _, ok := m.edges[EdgeID(source, l.Target)]; !ok {
				return errs.Errorf(errs.KindInvariant, op, "link %s -> %s has no edge", source, l.Target)
			}
		}
		total += len(links)
	}
	if total != len(m.edges) {
		return errs.Errorf(errs.KindInvariant, op, "adjacency holds %d links, edge map %d", total, len(m.edges))
	}
	if m.manifest.Metrics.EdgeCount != total {
		return errs.Errorf(errs.KindInvariant, op, "edgeCount %d, want %d", m.manifest.Metrics.EdgeCount, total)
	}
	if m.manifest.Metrics.NodeCount != len(m.nodes) || len(m.manifest.NodeSummaries) != len(m.nodes) {
		return errs.Errorf(errs.KindInvariant, op, "nodeCount %d, want %d", m.manifest.Metrics.NodeCount, len(m.nodes))
	}
	return nil
}

// putNode stores n and its summary. Caller holds the write lock.
func (m *Model) putNode(n Node) {
	m.nodes[n.ID] = n
	m.manifest.NodeSummaries[n.ID] = Summary{Label: n.Label, Type: n.Type}
	m.recount()
}

// putEdge stores e and replaces its adjacency link in place, or appends one.
func (m *Model) putEdge(e Edge) {
	m.edges[e.ID] = e
	links := m.manifest.AdjacencyList[e.Source]
	replaced := false
	for i := range links {
		if links[i].Target == e.Target {
			links[i].Weight = e.Weight
			replaced = true
			break
		}
	}
	if !replaced {
		links = append(links, Link{Target: e.Target, Weight: e.Weight})
	}
	m.manifest.AdjacencyList[e.Source] = links
	m.recount()
}

func (m *Model) dropEdge(e Edge) {
	delete(m.edges, e.ID)
	links := m.manifest.AdjacencyList[e.Source]
	kept := links[:0]
	for _, l := range links {
		if l.Target != e.Target {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		delete(m.manifest.AdjacencyList, e.Source)
	} else {
		m.manifest.AdjacencyList[e.Source] = kept
	}
}

func (m *Model) recount() {
	total := 0
	for _, links := range m.manifest.AdjacencyList {
		total += len(links)
	}
	m.manifest.Metrics = Metrics{NodeCount: len(m.nodes), EdgeCount: total}
}

// reachable reports whether to can be reached from from by following
// parent-to-child links.
func (m *Model) reachable(from, to string) bool {
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		for _, l := range m.manifest.AdjacencyList[cur] {
			if !seen[l.Target] {
				seen[l.Target] = true
				stack = append(stack, l.Target)
			}
		}
	}
	return false
}

func validateNode(n *Node) error {
	const op = "graph.UpsertNode"
	if n.Label == "" {
		return errs.Validation(op, "label is required")
	}
	if n.ID == "" {
		n.ID = NodeID(n.Label)
	}
	if n.ID == "" {
		return errs.Validation(op, "label %q yields an empty id", n.Label)
	}
	if n.Type == "" {
		n.Type = TypeNone
	}
	if !n.Type.Valid() {
		return errs.Validation(op, "unknown node type %q", n.Type)
	}
	if n.ID == RootID {
		n.Type = TypeCharacteristic
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
