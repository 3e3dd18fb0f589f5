package main

import (
	"context"
	"fmt"
	"log"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ckoehler/usbipvm/internal/config"
	"github.com/ckoehler/usbipvm/internal/history"
	"github.com/ckoehler/usbipvm/internal/launcher"
	"github.com/ckoehler/usbipvm/internal/monitor"
)

func stopCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stop [instance-id]",
		Short: "Stop a running test VM (all instances when id is omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instances, err := findInstances(cfg)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				var found bool
				for _, inst := range instances {
					if inst.ID == args[0] {
						instances = []liveInstance{inst}
						found = true
						break
					}
				}
				if !found {
					return fmt.Errorf("no instance %q (no pidfile under %s)", args[0], cfg.StateDir)
				}
			}
			if len(instances) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no running instances")
				return nil
			}

			runs := openHistory(cfg)
			if runs != nil {
				defer runs.Close()
			}

			for _, inst := range instances {
				stopInstance(cmd.Context(), cfg, runs, inst)
				fmt.Fprintf(cmd.OutOrStdout(), "stopped %s\n", inst.ID)
			}
			return nil
		},
	}
}

// stopInstance powers an instance down gracefully, escalates to signals,
// and removes its runtime files.
func stopInstance(ctx context.Context, cfg *config.Config, runs *history.DB, inst liveInstance) {
	if inst.Alive {
		handle := launcher.Attach(inst.PID)
		client := monitor.NewClient(socketPath(cfg, inst.ID))
		if err := client.Powerdown(ctx); err != nil {
			log.Printf("main: %s: graceful power-down failed: %v", inst.ID, err)
		}
		if !handle.WaitExit(cfg.ShutdownTimeout) {
			log.Printf("main: %s: sending SIGTERM to pid %d", inst.ID, inst.PID)
			handle.Signal(syscall.SIGTERM)
			if !handle.WaitExit(cfg.ShutdownTimeout) {
				log.Printf("main: %s: sending SIGKILL to pid %d", inst.ID, inst.PID)
				handle.Signal(syscall.SIGKILL)
			}
		}
	}

	removeInstanceFiles(cfg, inst.ID)

	if runs != nil {
		if _, err := runs.Record(&history.Run{
			InstanceID: inst.ID,
			Outcome:    "stopped",
			State:      "Stopped",
		}); err != nil {
			log.Printf("main: %s: record run: %v", inst.ID, err)
		}
	}
}
