package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/questlog/internal/engine"
	"github.com/lazypower/questlog/internal/store"
)

var logMinutes float64

var logCmd = &cobra.Command{
	Use:   "log <text>",
	Short: "Record a journal entry and analyze it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		var opts engine.EntryOptions
		if cmd.Flags().Changed("minutes") {
			opts.DurationMinutes = &logMinutes
		}
		entry, err := rt.engine.SubmitText(cmd.Context(), strings.Join(args, " "), opts)
		if err != nil {
			return err
		}
		rt.flush(cmd.Context())
		printEntry(cmd.OutOrStdout(), entry)
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <entry-id>",
	Short: "Re-run analysis for an entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		entry, err := rt.engine.RetryAnalysis(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		rt.flush(cmd.Context())
		printEntry(cmd.OutOrStdout(), entry)
		return nil
	},
}

var (
	entriesLimit  int
	entriesStatus string
)

var entriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "List recent entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		entries, err := rt.engine.Entries(entriesLimit, entriesStatus)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintln(w, "no entries")
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(w, "%s  %-16s %s  %s\n", e.ID,
				e.Status, time.UnixMilli(e.CreatedAt).Format(time.DateTime), truncate(e.Content, 60))
		}
		return nil
	},
}

func init() {
	logCmd.Flags().Float64Var(&logMinutes, "minutes", 0, "how long the activity took")
	entriesCmd.Flags().IntVar(&entriesLimit, "limit", 20, "maximum entries to list")
	entriesCmd.Flags().StringVar(&entriesStatus, "status", "", "only entries with this status")
}

func printEntry(w io.Writer, e *store.Entry) {
	fmt.Fprintf(w, "%s  %s\n", e.ID, e.Status)
	if e.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", e.Error)
	}
	if e.Result == nil {
		return
	}
	fmt.Fprintf(w, "  +%.1f exp", e.Result.TotalExpIncrease)
	if e.Result.LevelsGained > 0 {
		fmt.Fprintf(w, ", %d level(s) gained", e.Result.LevelsGained)
	}
	fmt.Fprintln(w)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
