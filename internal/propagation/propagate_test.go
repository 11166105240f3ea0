package propagation

import (
	"math"
	"testing"

	"github.com/lazypower/questlog/internal/errs"
	"github.com/lazypower/questlog/internal/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(label string, typ graph.NodeType) graph.Node {
	return graph.Node{ID: graph.NodeID(label), Label: label, Type: typ}
}

func edge(parent, child string, w float64) graph.Edge {
	return graph.Edge{ID: graph.EdgeID(parent, child), Source: parent, Target: child, Weight: w}
}

func TestPropagateDebuggingScenario(t *testing.T) {
	nodes := []graph.Node{
		node("Debugging", graph.TypeAction),
		node("Intellect", graph.TypeCharacteristic),
		node("Discipline", graph.TypeCharacteristic),
	}
	edges := []graph.Edge{
		edge("intellect", "debugging", 0.8),
		edge("discipline", "debugging", 0.2),
	}

	res := Propagate(nodes, edges, map[string]float64{"Debugging": 1.0})
	require.NoError(t, res.Err())
	assert.InDeltaMapValues(t, map[string]float64{"Debugging": 1.0, "Intellect": 0.8, "Discipline": 0.2}, res.Increases, 1e-9)

	scaled := Scale(res.Increases, 60.0/30.0)
	assert.InDeltaMapValues(t, map[string]float64{"Debugging": 2.0, "Intellect": 1.6, "Discipline": 0.4}, scaled, 1e-9)
	assert.InDelta(t, 4.0, Sum(scaled), 1e-9)
}

func TestPropagateChainAttenuation(t *testing.T) {
	nodes := []graph.Node{node("A", graph.TypeAction), node("B", graph.TypeSkill), node("C", graph.TypeCharacteristic)}
	edges := []graph.Edge{edge("b", "a", 0.5), edge("c", "b", 0.5)}

	res := Propagate(nodes, edges, map[string]float64{"A": 1})
	assert.InDelta(t, 1.0, res.Increases["A"], 1e-9)
	assert.InDelta(t, 0.5, res.Increases["B"], 1e-9)
	assert.InDelta(t, 0.25, res.Increases["C"], 1e-9)
}

func TestPropagateSumsBeforeForwarding(t *testing.T) {
	// X and Y both feed P, which feeds Q. P must forward the combined total once.
	nodes := []graph.Node{
		node("X", graph.TypeAction), node("Y", graph.TypeAction),
		node("P", graph.TypeSkill), node("Q", graph.TypeCharacteristic),
	}
	edges := []graph.Edge{edge("p", "x", 1), edge("p", "y", 0.5), edge("q", "p", 0.5)}

	res := Propagate(nodes, edges, map[string]float64{"X": 2, "Y": 2})
	require.NoError(t, res.Err())
	assert.InDelta(t, 3.0, res.Increases["P"], 1e-9)
	assert.InDelta(t, 1.5, res.Increases["Q"], 1e-9)
}

func TestPropagateDiamond(t *testing.T) {
	nodes := []graph.Node{
		node("Leaf", graph.TypeAction), node("Left", graph.TypeSkill),
		node("Right", graph.TypeSkill), node("Top", graph.TypeCharacteristic),
	}
	edges := []graph.Edge{
		edge("left", "leaf", 1), edge("right", "leaf", 1),
		edge("top", "left", 0.5), edge("top", "right", 0.5),
	}

	res := Propagate(nodes, edges, map[string]float64{"Leaf": 1})
	assert.InDelta(t, 1.0, res.Increases["Top"], 1e-9)
	assert.Empty(t, res.Cycles)
}

func TestPropagateTerminatesCycles(t *testing.T) {
	nodes := []graph.Node{node("A", graph.TypeAction), node("B", graph.TypeSkill), node("C", graph.TypeSkill)}
	edges := []graph.Edge{edge("b", "a", 1), edge("c", "b", 1), edge("a", "c", 1)}

	res := Propagate(nodes, edges, map[string]float64{"A": 1})
	require.Len(t, res.Cycles, 1)
	assert.Equal(t, []string{"a", "b", "c", "a"}, res.Cycles[0].Path)
	assert.ErrorIs(t, res.Err(), errs.ErrCycle)

	assert.InDelta(t, 1.0, res.Increases["A"], 1e-9)
	assert.InDelta(t, 1.0, res.Increases["B"], 1e-9)
	assert.InDelta(t, 1.0, res.Increases["C"], 1e-9)
}

func TestPropagateClampsWeights(t *testing.T) {
	nodes := []graph.Node{node("A", graph.TypeAction), node("Hi", graph.TypeSkill), node("Lo", graph.TypeSkill), node("Missing", graph.TypeSkill)}
	edges := []graph.Edge{edge("hi", "a", 3), edge("lo", "a", -1), edge("missing", "a", math.NaN())}

	res := Propagate(nodes, edges, map[string]float64{"A": 1})
	assert.InDelta(t, 1.0, res.Increases["Hi"], 1e-9)
	assert.InDelta(t, 1.0, res.Increases["Missing"], 1e-9)
	assert.NotContains(t, res.Increases, "Lo", "zero totals are omitted")
}

func TestPropagateUnknownSeed(t *testing.T) {
	res := Propagate(nil, nil, map[string]float64{"Juggling": 0.7, "Nothing": 0})
	assert.Equal(t, map[string]float64{"Juggling": 0.7}, res.Increases)
}

func TestPropagateSeedByNormalizedLabel(t *testing.T) {
	nodes := []graph.Node{node("Deep Work", graph.TypeAction), node("Focus", graph.TypeSkill)}
	edges := []graph.Edge{edge("focus", "deep-work", 0.5)}

	res := Propagate(nodes, edges, map[string]float64{"deep work": 1})
	assert.InDelta(t, 1.0, res.Increases["Deep Work"], 1e-9)
	assert.InDelta(t, 0.5, res.Increases["Focus"], 1e-9)
}

func TestDiff(t *testing.T) {
	prev := map[string]float64{"A": 1, "B": 2}
	next := map[string]float64{"A": 1, "B": 3, "C": 1}
	assert.Equal(t, map[string]float64{"B": 1, "C": 1}, Diff(next, prev))
	assert.Equal(t, map[string]float64{"A": -1, "B": -2}, Diff(nil, prev))
	assert.Empty(t, Diff(prev, prev))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "A=1.000 B=0.500", Describe(map[string]float64{"B": 0.5, "A": 1}))
}
