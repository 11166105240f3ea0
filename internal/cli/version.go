package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "questlog %s\n  commit: %s\n  built:  %s\n  go:     %s\n",
			Version, Commit, BuildDate, runtime.Version())
	},
}

// VersionString is the short form reported by /api/health.
func VersionString() string {
	return Version + "+" + Commit
}
