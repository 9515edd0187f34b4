package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/templui/provenance/cmd/provctl/cmd"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "provctl",
		Short:         "Operator tools for the provenance service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(cmd.MigrateCmd())
	rootCmd.AddCommand(cmd.TokenCmd())
	rootCmd.AddCommand(cmd.MnemonicCmd())
	rootCmd.AddCommand(cmd.FingerprintCmd())
	rootCmd.AddCommand(cmd.SweepCmd())
	rootCmd.AddCommand(cmd.EvictCmd())
	rootCmd.AddCommand(cmd.ReindexCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
