package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/questlog/internal/graph"
	"github.com/lazypower/questlog/internal/level"
	"github.com/lazypower/questlog/internal/store"
)

func TestRenderTree(t *testing.T) {
	nodes := []graph.Node{
		{ID: graph.RootID, Label: graph.RootLabel, Type: graph.TypeCharacteristic},
		{ID: "intellect", Label: "Intellect", Type: graph.TypeCharacteristic},
		{ID: "debugging", Label: "Debugging", Type: graph.TypeSkill},
		{ID: "loose", Label: "Loose", Type: graph.TypeAction},
	}
	edges := []graph.Edge{
		{ID: "progression~intellect", Source: graph.RootID, Target: "intellect", Weight: 1},
		{ID: "intellect~debugging", Source: "intellect", Target: "debugging", Weight: 0.8},
	}
	stats := map[string]store.Stat{
		"Debugging": {Label: "Debugging", Experience: 4, Level: 1},
	}

	var buf bytes.Buffer
	renderTree(&buf, nodes, edges, stats)

	want := "Progression\n" +
		"  Intellect (1.00)\n" +
		"    Debugging (0.80)  lvl 1, 4.0 exp\n" +
		"Loose\n"
	assert.Equal(t, want, buf.String())
}

func TestRenderStats(t *testing.T) {
	var buf bytes.Buffer
	renderStats(&buf, nil, level.Default())
	assert.Equal(t, "no experience yet\n", buf.String())

	buf.Reset()
	renderStats(&buf, map[string]store.Stat{
		"A": {Label: "A", Experience: 1},
		"B": {Label: "B", Experience: 9},
	}, level.Default())
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.True(t, bytes.HasPrefix(lines[0], []byte("B ")), "highest experience first: %q", lines[0])
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b", truncate("a\n  b", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func run(t *testing.T, cfgPath string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	require.NoError(t, rootCmd.ExecuteContext(context.Background()), "questlog %v: %s", args, out.String())
	return out.String()
}

func TestCommandsAgainstLocalStore(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	cfg := `
[database]
path = "` + filepath.ToSlash(filepath.Join(dir, "questlog.db")) + `"

[log]
level = "error"

[remote]
url = "memory"

[llm]
provider = "mock"
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	out := run(t, cfgPath, "log", "read", "a", "chapter")
	assert.Contains(t, out, store.StatusCompleted)

	out = run(t, cfgPath, "entries")
	assert.Contains(t, out, "read a chapter")

	out = run(t, cfgPath, "graph", "node", "Reading")
	assert.Contains(t, out, "node reading (skill)")

	out = run(t, cfgPath, "graph")
	assert.Contains(t, out, "Progression")
	assert.Contains(t, out, "Reading")

	out = run(t, cfgPath, "sync", "status")
	assert.Contains(t, out, "pending:      0")

	out = run(t, cfgPath, "sync", "dead")
	assert.Contains(t, out, "no dead letters")

	out = run(t, cfgPath, "version")
	assert.Contains(t, out, "questlog dev")
}
