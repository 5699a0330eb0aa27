package raidlink

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raidlink/raidlink/api/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Println(version.Version)
		},
	}
}
