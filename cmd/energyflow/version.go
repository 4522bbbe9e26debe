package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rickgao/energy-pipeline/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "energyflow", version.String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
