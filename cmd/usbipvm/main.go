// usbipvm provisions and supervises ephemeral QEMU test VMs for exercising
// a USB/IP client against a device server.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/ckoehler/usbipvm/internal/config"
	"github.com/ckoehler/usbipvm/internal/version"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "usbipvm:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:           "usbipvm",
		Short:         "Ephemeral test-VM orchestrator for USB/IP client testing",
		Version:       version.Version(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				if err := cfg.LoadFile(configPath); err != nil {
					return err
				}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return cfg.EnsureDirs()
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML config file")

	cmd.AddCommand(startCmd(cfg))
	cmd.AddCommand(stopCmd(cfg))
	cmd.AddCommand(statusCmd(cfg))
	cmd.AddCommand(testCmd(cfg))
	return cmd
}
