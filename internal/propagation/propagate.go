// Package propagation distributes raw activity seeds upward through the
// concept graph. Everything here is a pure function of its inputs and safe to
// call from any number of goroutines.
package propagation

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/lazypower/questlog/internal/errs"
	"github.com/lazypower/questlog/internal/graph"
)

// Cycle records a branch that was cut because it revisited a node on the same
// upward path. Path runs from the revisited node back to itself.
type Cycle struct {
	Path []string
}

func (c Cycle) String() string {
	return strings.Join(c.Path, " -> ")
}

// Result is the outcome of one propagation.
type Result struct {
	// Increases maps node label to the EXP it received. Zero totals are omitted.
	Increases map[string]float64
	// Cycles lists the branches terminated because of malformed structure.
	Cycles []Cycle
}

// Err returns a CycleDetected diagnostic when any branch was cut, nil otherwise.
// The increases are still valid: only the offending edges were skipped.
func (r Result) Err() error {
	if len(r.Cycles) == 0 {
		return nil
	}
	parts := make([]string, len(r.Cycles))
	for i, c := range r.Cycles {
		parts[i] = c.String()
	}
	return errs.Errorf(errs.KindCycle, "propagation.Propagate", "%d cycle(s): %s", len(r.Cycles), strings.Join(parts, "; "))
}

type parentLink struct {
	parent string
	weight float64
}

// Propagate computes per-node EXP increases for the given seeds (label to
// amount). Each seeded node keeps its seed; every node forwards its full
// inbound total to each parent scaled by the edge weight, and only once all of
// its children in this computation have reported.
func Propagate(nodes []graph.Node, edges []graph.Edge, seeds map[string]float64) Result {
	labels := make(map[string]string, len(nodes))
	byLabel := make(map[string]string, len(nodes))
	for _, n := range nodes {
		labels[n.ID] = n.Label
		byLabel[n.Label] = n.ID
	}

	// Seeds resolve by exact label, then by normalized id. Labels the graph
	// does not know still count as isolated nodes.
	seedByID := make(map[string]float64, len(seeds))
	for label, amount := range seeds {
		if math.IsNaN(amount) || math.IsInf(amount, 0) || amount == 0 {
			continue
		}
		id, ok := byLabel[label]
		if !ok {
			if nid := graph.NodeID(label); nid != "" {
				if _, known := labels[nid]; known {
					id, ok = nid, true
				}
			}
		}
		if !ok {
			id = "label:" + label
			labels[id] = label
		}
		seedByID[id] += amount
	}

	parents := make(map[string][]parentLink)
	for _, e := range edges {
		parents[e.Target] = append(parents[e.Target], parentLink{parent: e.Source, weight: clampWeight(e.Weight)})
	}
	for child := range parents {
		links := parents[child]
		sort.Slice(links, func(i, j int) bool { return links[i].parent < links[j].parent })
	}

	seeded := make([]string, 0, len(seedByID))
	for id := range seedByID {
		seeded = append(seeded, id)
	}
	sort.Strings(seeded)

	// Depth-first walk upward marks the reachable subgraph and cuts back edges.
	const (
		white = iota
		gray
		black
	)
	state := make(map[string]int)
	cut := make(map[[2]string]bool)
	var cycles []Cycle
	var path []string
	var visit func(id string)
	visit = func(id string) {
		state[id] = gray
		path = append(path, id)
		for _, l := range parents[id] {
			switch state[l.parent] {
			case gray:
				cut[[2]string{id, l.parent}] = true
				cycles = append(cycles, Cycle{Path: cyclePath(path, l.parent)})
			case white:
				visit(l.parent)
			}
		}
		path = path[:len(path)-1]
		state[id] = black
	}
	for _, id := range seeded {
		if state[id] == white {
			visit(id)
		}
	}

	pending := make(map[string]int)
	for id := range state {
		for _, l := range parents[id] {
			if !cut[[2]string{id, l.parent}] {
				pending[l.parent]++
			}
		}
	}

	var wave []string
	for id := range state {
		if pending[id] == 0 {
			wave = append(wave, id)
		}
	}

	totals := make(map[string]float64, len(state))
	for id, amount := range seedByID {
		totals[id] = amount
	}
	for len(wave) > 0 {
		sort.Strings(wave)
		var next []string
		for _, id := range wave {
			amount := totals[id]
			for _, l := range parents[id] {
				if cut[[2]string{id, l.parent}] {
					continue
				}
				totals[l.parent] += amount * l.weight
				pending[l.parent]--
				if pending[l.parent] == 0 {
					next = append(next, l.parent)
				}
			}
		}
		wave = next
	}

	out := make(map[string]float64, len(totals))
	for id, amount := range totals {
		if amount == 0 {
			continue
		}
		label, ok := labels[id]
		if !ok {
			label = id
		}
		out[label] += amount
	}
	return Result{Increases: out, Cycles: cycles}
}

func cyclePath(path []string, revisit string) []string {
	start := 0
	for i, id := range path {
		if id == revisit {
			start = i
			break
		}
	}
	out := append([]string(nil), path[start:]...)
	return append(out, revisit)
}

// clampWeight bounds w to [0,1]. NaN stands for a missing weight and
// defaults to 1.
func clampWeight(w float64) float64 {
	switch {
	case math.IsNaN(w):
		return 1
	case w < 0:
		return 0
	case w > 1:
		return 1
	}
	return w
}

// Scale multiplies every increase by k.
func Scale(increases map[string]float64, k float64) map[string]float64 {
	out := make(map[string]float64, len(increases))
	for label, v := range increases {
		if s := v * k; s != 0 {
			out[label] = s
		}
	}
	return out
}

// Sum adds up all increases.
func Sum(increases map[string]float64) float64 {
	labels := make([]string, 0, len(increases))
	for label := range increases {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	total := 0.0
	for _, label := range labels {
		total += increases[label]
	}
	return total
}

// Diff returns next minus prev per label, omitting labels whose difference is
// zero. It is what must be applied to move a rollup from prev to next.
func Diff(next, prev map[string]float64) map[string]float64 {
	out := make(map[string]float64)
	for label, v := range next {
		if d := v - prev[label]; d != 0 {
			out[label] = d
		}
	}
	for label, v := range prev {
		if _, ok := next[label]; !ok && v != 0 {
			out[label] = -v
		}
	}
	return out
}

// Describe renders increases in label order, for logs.
func Describe(increases map[string]float64) string {
	labels := make([]string, 0, len(increases))
	for label := range increases {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	parts := make([]string, len(labels))
	for i, label := range labels {
		parts[i] = fmt.Sprintf("%s=%.3f", label, increases[label])
	}
	return strings.Join(parts, " ")
}
