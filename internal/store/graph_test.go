package store

import (
	"testing"

	"github.com/lazypower/questlog/internal/graph"
)

func TestSaveAndLoadGraph(t *testing.T) {
	db := testDB(t)

	nodes := []graph.Node{
		{ID: "intellect", Label: "Intellect", Type: graph.TypeCharacteristic},
		{ID: "debugging", Label: "Debugging", Type: graph.TypeAction},
	}
	edges := []graph.Edge{
		{ID: graph.EdgeID("intellect", "debugging"), Source: "intellect", Target: "debugging", Weight: 0.8},
	}
	if err := db.SaveGraph(nodes, edges, 4); err != nil {
		t.Fatalf("SaveGraph: %v", err)
	}

	gotNodes, gotEdges, version, err := db.LoadGraph()
	if err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}
	if len(gotNodes) != 2 || gotNodes[0].ID != "debugging" {
		t.Errorf("nodes = %v, want 2 ordered by id", gotNodes)
	}
	if len(gotEdges) != 1 || gotEdges[0].Weight != 0.8 {
		t.Errorf("edges = %v", gotEdges)
	}
	if version != 4 {
		t.Errorf("version = %d, want 4", version)
	}
}

func TestSaveEdgeReplacesWeight(t *testing.T) {
	db := testDB(t)

	e := graph.Edge{ID: "a~b", Source: "a", Target: "b", Weight: 0.1}
	if err := db.SaveEdge(e); err != nil {
		t.Fatalf("SaveEdge: %v", err)
	}
	e.Weight = 0.9
	if err := db.SaveEdge(e); err != nil {
		t.Fatalf("SaveEdge again: %v", err)
	}

	_, edges, _, err := db.LoadGraph()
	if err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}
	if len(edges) != 1 || edges[0].Weight != 0.9 {
		t.Errorf("edges = %v, want one edge with weight 0.9", edges)
	}
}

func TestDeleteNodeCascadesEdges(t *testing.T) {
	db := testDB(t)

	for _, n := range []graph.Node{
		{ID: "a", Label: "A", Type: graph.TypeSkill},
		{ID: "b", Label: "B", Type: graph.TypeAction},
		{ID: "c", Label: "C", Type: graph.TypeAction},
	} {
		if err := db.SaveNode(n); err != nil {
			t.Fatalf("SaveNode: %v", err)
		}
	}
	for _, e := range []graph.Edge{
		{ID: "a~b", Source: "a", Target: "b", Weight: 1},
		{ID: "a~c", Source: "a", Target: "c", Weight: 1},
		{ID: "b~c", Source: "b", Target: "c", Weight: 1},
	} {
		if err := db.SaveEdge(e); err != nil {
			t.Fatalf("SaveEdge: %v", err)
		}
	}

	err := db.InTx(func(tx *Tx) error { return tx.DeleteNode("a") })
	if err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}

	nodes, edges, _, err := db.LoadGraph()
	if err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}
	if len(nodes) != 2 {
		t.Errorf("nodes = %d, want 2", len(nodes))
	}
	if len(edges) != 1 || edges[0].ID != "b~c" {
		t.Errorf("edges = %v, want only b~c", edges)
	}
}

func TestLoadGraphEmpty(t *testing.T) {
	db := testDB(t)

	nodes, edges, version, err := db.LoadGraph()
	if err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}
	if len(nodes) != 0 || len(edges) != 0 || version != 0 {
		t.Errorf("LoadGraph = %v, %v, %d; want empty", nodes, edges, version)
	}
}
