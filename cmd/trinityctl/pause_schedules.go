package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pauseSchedulesCmd = &cobra.Command{
	Use:   "pause-schedules",
	Short: "Disable schedule firing platform-wide",
	RunE:  runPauseSchedules,
}

func init() {
	rootCmd.AddCommand(pauseSchedulesCmd)
}

func runPauseSchedules(cmd *cobra.Command, args []string) error {
	if err := post("/fleet/pause-schedules", nil); err != nil {
		return err
	}
	fmt.Println("schedules paused")
	return nil
}
