package graph

import (
	"encoding/json"
	"testing"

	"github.com/lazypower/questlog/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustNode(t *testing.T, m *Model, label string, typ NodeType) Node {
	t.Helper()
	n, err := m.UpsertNode(Node{Label: label, Type: typ})
	require.NoError(t, err)
	return n
}

func mustEdge(t *testing.T, m *Model, source, target string, w float64) Edge {
	t.Helper()
	e, err := m.UpsertEdge(Edge{Source: source, Target: target, Weight: w})
	require.NoError(t, err)
	return e
}

func TestNewHasRoot(t *testing.T) {
	m := New()
	root, ok := m.Node(RootID)
	require.True(t, ok)
	assert.Equal(t, TypeCharacteristic, root.Type)

	man := m.Manifest()
	assert.Equal(t, Metrics{NodeCount: 1, EdgeCount: 0}, man.Metrics)
	assert.NoError(t, m.Check())
}

func TestUpsertNodeDerivesID(t *testing.T) {
	m := New()
	n := mustNode(t, m, "Deep Work", TypeSkill)
	assert.Equal(t, "deep-work", n.ID)

	got, ok := m.NodeByLabel("Deep Work")
	require.True(t, ok)
	assert.Equal(t, n, got)
}

func TestUpsertNodeRejectsBadType(t *testing.T) {
	m := New()
	_, err := m.UpsertNode(Node{Label: "X", Type: "wizard"})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestUpsertEdgeReplacesInPlace(t *testing.T) {
	m := New()
	mustNode(t, m, "Intellect", TypeCharacteristic)
	mustEdge(t, m, RootID, "intellect", 0.5)
	mustEdge(t, m, RootID, "intellect", 0.9)

	man := m.Manifest()
	require.Len(t, man.AdjacencyList[RootID], 1)
	assert.Equal(t, 0.9, man.AdjacencyList[RootID][0].Weight)
	assert.Equal(t, 1, man.Metrics.EdgeCount)
}

func TestUpsertEdgeValidation(t *testing.T) {
	m := New()
	mustNode(t, m, "A", TypeSkill)
	mustNode(t, m, "B", TypeAction)
	mustEdge(t, m, "a", "b", 1)

	cases := []struct {
		name string
		edge Edge
	}{
		{"unknown source", Edge{Source: "nope", Target: "a", Weight: 1}},
		{"unknown target", Edge{Source: "a", Target: "nope", Weight: 1}},
		{"self loop", Edge{Source: "a", Target: "a", Weight: 1}},
		{"weight above one", Edge{Source: RootID, Target: "a", Weight: 1.2}},
		{"negative weight", Edge{Source: RootID, Target: "a", Weight: -0.1}},
		{"closes cycle", Edge{Source: "b", Target: "a", Weight: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.UpsertEdge(tc.edge)
			assert.ErrorIs(t, err, errs.ErrValidation)
		})
	}
	assert.NoError(t, m.Check())
}

func TestRemoveNodeDropsIncidentEdges(t *testing.T) {
	m := New()
	mustNode(t, m, "Intellect", TypeCharacteristic)
	mustNode(t, m, "Coding", TypeSkill)
	mustNode(t, m, "Debugging", TypeAction)
	mustNode(t, m, "Reading", TypeAction)

	mustEdge(t, m, RootID, "intellect", 1)
	mustEdge(t, m, "intellect", "coding", 0.8)
	mustEdge(t, m, "coding", "debugging", 0.7)
	mustEdge(t, m, "coding", "reading", 0.3)
	require.Equal(t, 4, m.Manifest().Metrics.EdgeCount)

	removed, err := m.RemoveNode("coding")
	require.NoError(t, err)
	assert.Len(t, removed, 3)

	man := m.Manifest()
	assert.Equal(t, 1, man.Metrics.EdgeCount)
	assert.Equal(t, 4, man.Metrics.NodeCount)
	assert.NotContains(t, man.AdjacencyList, "coding")
	assert.Empty(t, man.AdjacencyList["intellect"])
	_, ok := m.Edge(EdgeID("intellect", "coding"))
	assert.False(t, ok)
	assert.NoError(t, m.Check())
}

func TestRemoveNodeRoot(t *testing.T) {
	m := New()
	_, err := m.RemoveNode(RootID)
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = m.RemoveNode("missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRemoveEdge(t *testing.T) {
	m := New()
	mustNode(t, m, "Focus", TypeSkill)
	e := mustEdge(t, m, RootID, "focus", 0.4)

	got, err := m.RemoveEdge(e.ID)
	require.NoError(t, err)
	assert.Equal(t, e, got)
	assert.Equal(t, 0, m.Manifest().Metrics.EdgeCount)

	_, err = m.RemoveEdge(e.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func remoteManifest() Manifest {
	return Manifest{
		AdjacencyList: map[string][]Link{
			RootID:      {{Target: "intellect", Weight: 1}},
			"intellect": {{Target: "debugging", Weight: 0.8}},
		},
		NodeSummaries: map[string]Summary{
			RootID:      {Label: RootLabel, Type: TypeCharacteristic},
			"intellect": {Label: "Intellect", Type: TypeCharacteristic},
			"debugging": {Label: "Debugging", Type: TypeAction},
		},
		Metrics: Metrics{NodeCount: 3, EdgeCount: 2},
		Version: 7,
	}
}

func TestApplyManifestMaterializesAndOverwrites(t *testing.T) {
	m := New()
	mustNode(t, m, "Intellect", TypeCharacteristic)
	mustNode(t, m, "Fitness", TypeCharacteristic)
	mustEdge(t, m, RootID, "intellect", 0.2)

	require.NoError(t, m.ApplyManifest(remoteManifest()))

	debugging, ok := m.Node("debugging")
	require.True(t, ok)
	assert.Equal(t, TypeAction, debugging.Type)

	e, ok := m.Edge(EdgeID(RootID, "intellect"))
	require.True(t, ok)
	assert.Equal(t, 1.0, e.Weight, "manifest weight wins")

	_, ok = m.Node("fitness")
	assert.True(t, ok, "local-only node is kept")
	assert.Equal(t, int64(7), m.Version())
	assert.NoError(t, m.Check())
}

func TestApplyManifestIdempotent(t *testing.T) {
	m := New()
	mustNode(t, m, "Fitness", TypeCharacteristic)

	require.NoError(t, m.ApplyManifest(remoteManifest()))
	nodes1, edges1 := m.Snapshot()
	first, err := json.Marshal(m.Manifest())
	require.NoError(t, err)

	require.NoError(t, m.ApplyManifest(remoteManifest()))
	nodes2, edges2 := m.Snapshot()
	second, err := json.Marshal(m.Manifest())
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
	assert.Equal(t, nodes1, nodes2)
	assert.Equal(t, edges1, edges2)
	assert.Len(t, m.Manifest().AdjacencyList["intellect"], 1)
}

func TestApplyManifestRejectsInvalid(t *testing.T) {
	m := New()
	bad := remoteManifest()
	bad.Metrics.EdgeCount = 5
	assert.ErrorIs(t, m.ApplyManifest(bad), errs.ErrValidation)

	bad = remoteManifest()
	bad.AdjacencyList["ghost"] = []Link{{Target: RootID, Weight: 1}}
	assert.ErrorIs(t, m.ApplyManifest(bad), errs.ErrValidation)
}

func TestParseManifestDefaultsWeight(t *testing.T) {
	raw := []byte(`{
		"adjacencyList": {"progression": [{"target": "focus"}]},
		"nodeSummaries": {
			"progression": {"label": "Progression", "type": "characteristic"},
			"focus": {"label": "Focus", "type": "skill"}
		},
		"metrics": {"nodeCount": 2, "edgeCount": 1},
		"version": 3
	}`)
	m, err := ParseManifest(raw)
	require.NoError(t, err)
	assert.Equal(t, 1.0, m.AdjacencyList[RootID][0].Weight)
	assert.Equal(t, int64(3), m.Version)
}

func TestParseManifestRejectsShape(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":        `{`,
		"missing metrics": `{"nodeSummaries": {}}`,
		"bad type":        `{"nodeSummaries": {"x": {"label": "X", "type": "boss"}}, "metrics": {"nodeCount": 1}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifest([]byte(raw))
			assert.ErrorIs(t, err, errs.ErrValidation)
		})
	}
}

func TestParseEdge(t *testing.T) {
	e, err := ParseEdge([]byte(`{"source": "intellect", "target": "debugging"}`))
	require.NoError(t, err)
	assert.Equal(t, Edge{ID: "intellect~debugging", Source: "intellect", Target: "debugging", Weight: 1}, e)

	_, err = ParseEdge([]byte(`{"source": "a", "target": "b", "weight": 3}`))
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestRestore(t *testing.T) {
	m := New()
	err := m.Restore(
		[]Node{{ID: "focus", Label: "Focus", Type: TypeSkill}},
		[]Edge{{Source: RootID, Target: "focus", Weight: 0.5}},
		12,
	)
	require.NoError(t, err)
	assert.Equal(t, int64(12), m.Version())
	assert.Equal(t, Metrics{NodeCount: 2, EdgeCount: 1}, m.Manifest().Metrics)

	err = m.Restore(nil, []Edge{{Source: RootID, Target: "ghost", Weight: 1}}, 1)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestMergeKeepsVersion(t *testing.T) {
	m := New()
	require.NoError(t, m.MergeNode(Node{ID: "focus", Label: "Focus", Type: TypeSkill}))
	require.NoError(t, m.MergeEdge(Edge{Source: RootID, Target: "focus", Weight: 0.5}))
	assert.Equal(t, int64(0), m.Version())
	assert.Equal(t, 1, m.Manifest().Metrics.EdgeCount)

	assert.ErrorIs(t, m.MergeEdge(Edge{Source: "focus", Target: RootID, Weight: 1}), errs.ErrCycle)
	assert.ErrorIs(t, m.MergeEdge(Edge{Source: "focus", Target: "ghost", Weight: 1}), errs.ErrValidation)
}

func TestNodeID(t *testing.T) {
	cases := map[string]string{
		"Debugging":        "debugging",
		"  Deep Work  ":    "deep-work",
		"Go/Rust Interop.": "go-rust-interop",
		"C++":              "c",
		"!!!":              "",
	}
	for in, want := range cases {
		if got := NodeID(in); got != want {
			t.Errorf("NodeID(%q) = %q, want %q", in, got, want)
		}
	}
}
