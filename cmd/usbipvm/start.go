package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ckoehler/usbipvm/internal/config"
	"github.com/ckoehler/usbipvm/internal/history"
	"github.com/ckoehler/usbipvm/internal/lifecycle"
	"github.com/ckoehler/usbipvm/internal/storage"
)

func startCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Provision and boot a test VM, then leave it running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if _, err := storage.PrepareBase(ctx, cfg.BaseImagePath); err != nil {
				return err
			}

			runs := openHistory(cfg)
			if runs != nil {
				defer runs.Close()
			}

			id := lifecycle.NewInstanceID(cfg.StateDir)
			ctrl := lifecycle.New(cfg, id, runs)

			if err := ctrl.Start(ctx); err != nil {
				if path := ctrl.DiagnosticsPath(); path != "" {
					fmt.Fprintln(cmd.ErrOrStderr(), "diagnostics:", path)
				}
				return err
			}

			alloc := ctrl.Allocation()
			res := ctrl.BootResult()
			fmt.Fprintf(cmd.OutOrStdout(), "instance %s ready in %s\n", id, res.Elapsed.Round(1e9))
			fmt.Fprintf(cmd.OutOrStdout(), "  control: 127.0.0.1:%d -> guest:%d\n", alloc.ControlPort, cfg.GuestControlPort)
			fmt.Fprintf(cmd.OutOrStdout(), "  data:    127.0.0.1:%d -> guest:%d\n", alloc.DataPort, cfg.GuestDataPort)
			fmt.Fprintf(cmd.OutOrStdout(), "  console: %s\n", consolePath(cfg, id))
			return nil
		},
	}

	cmd.Flags().IntVar(&cfg.RequestedMemoryMB, "memory", cfg.RequestedMemoryMB, "Requested guest memory in MB (0 = auto)")
	cmd.Flags().IntVar(&cfg.RequestedCPUs, "cpus", cfg.RequestedCPUs, "Requested guest CPU count (0 = auto)")
	return cmd
}

// openHistory opens the run-history database; history is advisory, so a
// failure only logs.
func openHistory(cfg *config.Config) *history.DB {
	runs, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		log.Printf("main: run history unavailable: %v", err)
		return nil
	}
	return runs
}
