package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lazypower/questlog/internal/graph"
	"github.com/lazypower/questlog/internal/level"
	"github.com/lazypower/questlog/internal/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show experience and level per label",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		stats, err := rt.cache.Stats()
		if err != nil {
			return err
		}
		renderStats(cmd.OutOrStdout(), stats, rt.cache.Curve())
		return nil
	},
}

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Show or edit the progression graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		stats, err := rt.cache.Stats()
		if err != nil {
			return err
		}
		nodes, edges := rt.cache.Model().Snapshot()
		renderTree(cmd.OutOrStdout(), nodes, edges, stats)
		return nil
	},
}

var nodeType string

var graphNodeCmd = &cobra.Command{
	Use:   "node <label>",
	Short: "Add or update a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		n, err := rt.cache.UpsertNode(cmd.Context(), graph.Node{Label: args[0], Type: graph.NodeType(nodeType)})
		if err != nil {
			return err
		}
		rt.flush(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "node %s (%s)\n", n.ID, n.Type)
		return nil
	},
}

var graphEdgeCmd = &cobra.Command{
	Use:   "edge <parent> <child> <weight>",
	Short: "Link a child to a parent; the child forwards weight of its EXP upward",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		weight, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("weight: %w", err)
		}
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		e, err := rt.cache.UpsertEdge(cmd.Context(), graph.Edge{
			Source: graph.NodeID(args[0]),
			Target: graph.NodeID(args[1]),
			Weight: weight,
		})
		if err != nil {
			return err
		}
		rt.flush(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "edge %s (%.2f)\n", e.ID, e.Weight)
		return nil
	},
}

var graphRmCmd = &cobra.Command{
	Use:   "rm <node-or-edge-id>",
	Short: "Remove a node with its edges, or a single edge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		w := cmd.OutOrStdout()
		id := args[0]
		if strings.Contains(id, "~") {
			if err := rt.cache.RemoveEdge(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(w, "removed edge %s\n", id)
		} else {
			removed, err := rt.cache.RemoveNode(cmd.Context(), graph.NodeID(id))
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "removed node %s and %d edge(s)\n", graph.NodeID(id), len(removed))
		}
		rt.flush(cmd.Context())
		return nil
	},
}

var refreshForce bool

var graphRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Pull the graph and stats from the remote store",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.cache.Refresh(cmd.Context(), refreshForce); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "graph at version %d\n", rt.cache.Model().Version())
		return nil
	},
}

func init() {
	graphNodeCmd.Flags().StringVar(&nodeType, "type", string(graph.TypeSkill), "node type: characteristic, skill, action, none")
	graphRefreshCmd.Flags().BoolVar(&refreshForce, "force", false, "ignore cache freshness")

	graphCmd.AddCommand(graphNodeCmd)
	graphCmd.AddCommand(graphEdgeCmd)
	graphCmd.AddCommand(graphRmCmd)
	graphCmd.AddCommand(graphRefreshCmd)
}

func renderStats(w io.Writer, stats map[string]store.Stat, curve level.Curve) {
	if len(stats) == 0 {
		fmt.Fprintln(w, "no experience yet")
		return
	}
	list := make([]store.Stat, 0, len(stats))
	for _, s := range stats {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Experience != list[j].Experience {
			return list[i].Experience > list[j].Experience
		}
		return list[i].Label < list[j].Label
	})
	for _, s := range list {
		fmt.Fprintf(w, "%-24s lvl %-3d %8.1f exp  %3.0f%%\n",
			s.Label, s.Level, s.Experience, 100*curve.ProgressWithinLevel(s.Experience))
	}
}

// renderTree prints the graph from the root down, parents before children.
// Nodes reachable through more than one parent are printed under each.
func renderTree(w io.Writer, nodes []graph.Node, edges []graph.Edge, stats map[string]store.Stat) {
	byID := make(map[string]graph.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	children := make(map[string][]graph.Edge)
	for _, e := range edges {
		children[e.Source] = append(children[e.Source], e)
	}
	for _, list := range children {
		sort.Slice(list, func(i, j int) bool { return list[i].Target < list[j].Target })
	}

	var walk func(id string, depth int, weight float64, top bool)
	walk = func(id string, depth int, weight float64, top bool) {
		n := byID[id]
		line := strings.Repeat("  ", depth) + n.Label
		if !top {
			line += fmt.Sprintf(" (%.2f)", weight)
		}
		if st, ok := stats[n.Label]; ok {
			line += fmt.Sprintf("  lvl %d, %.1f exp", st.Level, st.Experience)
		}
		fmt.Fprintln(w, line)
		for _, e := range children[id] {
			walk(e.Target, depth+1, e.Weight, false)
		}
	}
	walk(graph.RootID, 0, 0, true)

	// Detached nodes are listed after the root tree.
	hasParent := make(map[string]bool)
	for _, e := range edges {
		hasParent[e.Target] = true
	}
	var orphans []string
	for _, n := range nodes {
		if n.ID != graph.RootID && !hasParent[n.ID] {
			orphans = append(orphans, n.ID)
		}
	}
	sort.Strings(orphans)
	for _, id := range orphans {
		walk(id, 0, 0, true)
	}
}
