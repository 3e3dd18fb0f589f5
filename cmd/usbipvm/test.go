package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ckoehler/usbipvm/internal/config"
	"github.com/ckoehler/usbipvm/internal/console"
)

func testCmd(cfg *config.Config) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "test [instance-id]",
		Short: "Wait for the guest test run to complete and report its markers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveInstance(cfg, args)
			if err != nil {
				return err
			}

			tailer := console.NewTailer(consolePath(cfg, id))
			deadline := time.Now().Add(timeout)
			var markers []console.Marker

			for {
				events, err := tailer.Poll()
				if err != nil {
					return fmt.Errorf("read console log: %w", err)
				}
				for _, ev := range events {
					me, ok := ev.(console.MarkerEvent)
					if !ok {
						continue
					}
					markers = append(markers, me.Marker)
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n",
						me.Line.Timestamp.Format("15:04:05.000"), me.Marker, me.Line.Message)
					if me.Marker == console.MarkerTestComplete {
						fmt.Fprintf(cmd.OutOrStdout(), "test complete (%d markers observed)\n", len(markers))
						return nil
					}
				}

				if time.Now().After(deadline) {
					return fmt.Errorf("no %s marker within %s (%d markers observed)",
						console.MarkerTestComplete, timeout, len(markers))
				}
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(cfg.PollInterval):
				}
			}
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Maximum wait for the test-complete marker")
	return cmd
}

// resolveInstance picks the instance to operate on: the explicit argument,
// or the single live instance when unambiguous.
func resolveInstance(cfg *config.Config, args []string) (string, error) {
	instances, err := findInstances(cfg)
	if err != nil {
		return "", err
	}
	if len(args) == 1 {
		for _, inst := range instances {
			if inst.ID == args[0] {
				return inst.ID, nil
			}
		}
		return "", fmt.Errorf("no instance %q (no pidfile under %s)", args[0], cfg.StateDir)
	}

	var live []liveInstance
	for _, inst := range instances {
		if inst.Alive {
			live = append(live, inst)
		}
	}
	switch len(live) {
	case 0:
		return "", fmt.Errorf("no running instances under %s", cfg.StateDir)
	case 1:
		return live[0].ID, nil
	default:
		return "", fmt.Errorf("%d running instances, specify one by id", len(live))
	}
}
