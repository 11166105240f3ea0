package cli

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "questlog",
	Short: "Local-first progress tracker",
	Long: "questlog turns journal entries into experience on a graph of characteristics, skills and actions.\n" +
		"Everything is stored locally first and synchronized to a remote document store when reachable.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.questlog/config.toml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(entriesCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(remoteCmd)
}
