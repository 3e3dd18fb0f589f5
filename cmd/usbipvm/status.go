package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ckoehler/usbipvm/internal/config"
)

func statusCmd(cfg *config.Config) *cobra.Command {
	var historyLimit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show running instances and recent run history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			instances, err := findInstances(cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(instances) == 0 {
				fmt.Fprintln(out, "no running instances")
			} else {
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "INSTANCE\tPID\tSTATE")
				for _, inst := range instances {
					state := "running"
					if !inst.Alive {
						state = "dead (stale pidfile)"
					}
					fmt.Fprintf(w, "%s\t%d\t%s\n", inst.ID, inst.PID, state)
				}
				w.Flush()
			}

			runs := openHistory(cfg)
			if runs == nil {
				return nil
			}
			defer runs.Close()

			recent, err := runs.Recent(historyLimit)
			if err != nil || len(recent) == 0 {
				return nil
			}
			fmt.Fprintln(out, "\nrecent runs:")
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tINSTANCE\tOUTCOME\tBOOT\tATTEMPTS")
			for _, run := range recent {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
					run.CreatedAt.Format("2006-01-02 15:04:05"),
					run.InstanceID, run.Outcome, run.BootTime.Round(1e9), run.Attempts)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().IntVar(&historyLimit, "history", 10, "Number of recent runs to show")
	return cmd
}
