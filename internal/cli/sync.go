package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Inspect and drive the outbound write queue",
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth, dead letters and the next due write",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		pending, err := rt.queue.Pending()
		if err != nil {
			return err
		}
		dead, err := rt.queue.DeadLetters()
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "remote:       %s\n", rt.cfg.Remote.URL)
		fmt.Fprintf(w, "pending:      %d\n", len(pending))
		fmt.Fprintf(w, "dead letters: %d\n", len(dead))
		for _, p := range pending {
			fmt.Fprintf(w, "  %s  retries=%d  due %s\n", p.ID, p.Retries,
				p.NextAttemptAt.Local().Format(time.DateTime))
			if p.LastError != "" {
				fmt.Fprintf(w, "    last error: %s\n", p.LastError)
			}
		}
		return nil
	},
}

var syncSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Deliver queued writes now, ignoring backoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		rt.monitor.Check(cmd.Context())
		if err := rt.queue.Save(cmd.Context()); err != nil {
			return err
		}
		depth, err := rt.queue.Depth()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s, %d write(s) pending\n", rt.queue.Status(), depth)
		return nil
	},
}

var syncDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List writes that exhausted their retries or were rejected",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		dead, err := rt.queue.DeadLetters()
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if len(dead) == 0 {
			fmt.Fprintln(w, "no dead letters")
			return nil
		}
		for _, d := range dead {
			fmt.Fprintf(w, "%s  retries=%d  %s\n", d.ID, d.Retries, d.Reason)
		}
		return nil
	},
}

var syncRequeueCmd = &cobra.Command{
	Use:   "requeue <write-id>",
	Short: "Move a dead letter back onto the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.queue.Requeue(args[0]); err != nil {
			return err
		}
		rt.flush(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", args[0])
		return nil
	},
}

var syncDiscardCmd = &cobra.Command{
	Use:   "discard <write-id>",
	Short: "Drop a dead letter for good",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.queue.Discard(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", args[0])
		return nil
	},
}

func init() {
	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncSaveCmd)
	syncCmd.AddCommand(syncDeadCmd)
	syncCmd.AddCommand(syncRequeueCmd)
	syncCmd.AddCommand(syncDiscardCmd)
}
