package graph

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/lazypower/questlog/internal/errs"
)

// Link is one adjacency entry: the child and the edge weight.
type Link struct {
	Target string  `json:"target"`
	Weight float64 `json:"weight"`
}

// Summary is the lightweight description of a node carried by the manifest.
type Summary struct {
	Label string   `json:"label"`
	Type  NodeType `json:"type"`
}

// Metrics counts the manifest contents.
type Metrics struct {
	NodeCount int `json:"nodeCount"`
	EdgeCount int `json:"edgeCount"`
}

// Manifest is the compact structural summary of the graph.
type Manifest struct {
	AdjacencyList map[string][]Link  `json:"adjacencyList"`
	NodeSummaries map[string]Summary `json:"nodeSummaries"`
	Metrics       Metrics            `json:"metrics"`
	Version       int64              `json:"version"`
}

// Clone returns a deep copy.
func (m Manifest) Clone() Manifest {
	out := Manifest{
		AdjacencyList: make(map[string][]Link, len(m.AdjacencyList)),
		NodeSummaries: make(map[string]Summary, len(m.NodeSummaries)),
		Metrics:       m.Metrics,
		Version:       m.Version,
	}
	for k, v := range m.AdjacencyList {
		out.AdjacencyList[k] = append([]Link(nil), v...)
	}
	for k, v := range m.NodeSummaries {
		out.NodeSummaries[k] = v
	}
	return out
}

// Validate checks the manifest's structural invariants: every adjacency key
// and link target has a summary, weights are in [0,1], no duplicate or self
// links, and the metrics match the contents.
func (m Manifest) Validate() error {
	const op = "graph.Manifest"
	for id, s := range m.NodeSummaries {
		if id == "" || s.Label == "" {
			return errs.Validation(op, "summary %q has empty id or label", id)
		}
		if !s.Type.Valid() {
			return errs.Validation(op, "summary %q has unknown type %q", id, s.Type)
		}
	}
	total := 0
	for source, links := range m.AdjacencyList {
		if _, ok := m.NodeSummaries[source]; !ok {
			return errs.Validation(op, "adjacency key %q has no summary", source)
		}
		seen := make(map[string]bool, len(links))
		for _, l := range links {
			if _, ok := m.NodeSummaries[l.Target]; !ok {
				return errs.Validation(op, "link %s -> %s has no summary", source, l.Target)
			}
			if l.Target == source {
				return errs.Validation(op, "self link on %q", source)
			}
			if seen[l.Target] {
				return errs.Validation(op, "duplicate link %s -> %s", source, l.Target)
			}
			seen[l.Target] = true
			if math.IsNaN(l.Weight) || l.Weight < 0 || l.Weight > 1 {
				return errs.Validation(op, "link %s -> %s weight %v outside [0,1]", source, l.Target, l.Weight)
			}
		}
		total += len(links)
	}
	if m.Metrics.EdgeCount != total {
		return errs.Validation(op, "metrics.edgeCount %d, adjacency holds %d", m.Metrics.EdgeCount, total)
	}
	if m.Metrics.NodeCount != len(m.NodeSummaries) {
		return errs.Validation(op, "metrics.nodeCount %d, summaries hold %d", m.Metrics.NodeCount, len(m.NodeSummaries))
	}
	return nil
}

// wireLink allows a missing weight, which defaults to 1.0.
type wireLink struct {
	Target string   `json:"target"`
	Weight *float64 `json:"weight"`
}

type wireManifest struct {
	AdjacencyList map[string][]wireLink `json:"adjacencyList"`
	NodeSummaries map[string]Summary    `json:"nodeSummaries"`
	Metrics       *Metrics              `json:"metrics"`
	Version       int64                 `json:"version"`
}

// ParseManifest decodes and validates a manifest document fetched from the
// remote store.
func ParseManifest(raw []byte) (Manifest, error) {
	var w wireManifest
	if err := json.Unmarshal(raw, &w); err != nil {
		return Manifest{}, errs.E(errs.KindValidation, "graph.ParseManifest", err)
	}
	if w.NodeSummaries == nil || w.Metrics == nil {
		return Manifest{}, errs.Validation("graph.ParseManifest", "nodeSummaries and metrics are required")
	}

	m := Manifest{
		AdjacencyList: make(map[string][]Link, len(w.AdjacencyList)),
		NodeSummaries: w.NodeSummaries,
		Metrics:       *w.Metrics,
		Version:       w.Version,
	}
	for source, links := range w.AdjacencyList {
		out := make([]Link, 0, len(links))
		for _, l := range links {
			weight := 1.0
			if l.Weight != nil {
				weight = *l.Weight
			}
			out = append(out, Link{Target: l.Target, Weight: weight})
		}
		if len(out) > 0 {
			m.AdjacencyList[source] = out
		}
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// ParseNode decodes and validates a node document.
func ParseNode(raw []byte) (Node, error) {
	var n Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return Node{}, errs.E(errs.KindValidation, "graph.ParseNode", err)
	}
	if n.ID == "" {
		return Node{}, errs.Validation("graph.ParseNode", "id is required")
	}
	if err := validateNode(&n); err != nil {
		return Node{}, err
	}
	return n, nil
}

// ParseEdge decodes and validates an edge document. A missing weight
// defaults to 1.0.
func ParseEdge(raw []byte) (Edge, error) {
	var w struct {
		Source string   `json:"source"`
		Target string   `json:"target"`
		Weight *float64 `json:"weight"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return Edge{}, errs.E(errs.KindValidation, "graph.ParseEdge", err)
	}
	if w.Source == "" || w.Target == "" || w.Source == w.Target {
		return Edge{}, errs.Validation("graph.ParseEdge", "invalid endpoints %q -> %q", w.Source, w.Target)
	}
	e := Edge{ID: EdgeID(w.Source, w.Target), Source: w.Source, Target: w.Target, Weight: 1.0}
	if w.Weight != nil {
		e.Weight = *w.Weight
	}
	if math.IsNaN(e.Weight) || e.Weight < 0 || e.Weight > 1 {
		return Edge{}, errs.Validation("graph.ParseEdge", "weight %v outside [0,1]", e.Weight)
	}
	return e, nil
}

// NodeID normalizes a label into a node id: lowercase [a-z0-9_-], with
// spaces, dots and slashes collapsed into single hyphens.
func NodeID(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return ""
	}

	var b strings.Builder
	prevHyphen := false
	for _, r := range strings.ToLower(label) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_':
			b.WriteRune(r)
			prevHyphen = r == '-'
		case r == ' ' || r == '.' || r == '/':
			if !prevHyphen && b.Len() > 0 {
				b.WriteByte('-')
				prevHyphen = true
			}
		}
	}
	return strings.Trim(b.String(), "-_")
}
