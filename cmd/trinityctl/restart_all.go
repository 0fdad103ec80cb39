package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var restartAllCmd = &cobra.Command{
	Use:   "restart-all",
	Short: "Restart every agent currently running",
	RunE:  runRestartAll,
}

func init() {
	rootCmd.AddCommand(restartAllCmd)
}

func runRestartAll(cmd *cobra.Command, args []string) error {
	if err := post("/fleet/restart-all", nil); err != nil {
		return err
	}
	fmt.Println("restart issued for all running agents")
	return nil
}
