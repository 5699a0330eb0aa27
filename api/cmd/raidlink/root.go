package raidlink

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "raidlink",
		Short: "Raidlink",
		Long:  `Raid coordination hub with live stream relay`,
	}

	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewVersionCommand())

	return rootCmd
}

func Execute() {
	rootCmd := NewRootCmd()
	rootCmd.SetContext(context.Background())
	rootCmd.SetOutput(os.Stdout)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
