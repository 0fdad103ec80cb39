package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var emergencyStopCmd = &cobra.Command{
	Use:   "emergency-stop",
	Short: "Stop every running non-system agent and pause all schedules",
	Long: `emergency-stop calls the supervisor's emergency stop, which stops
every running agent except system-protected ones and pauses schedule
firing until resume-schedules is run. It does not cancel executions
separately.`,
	RunE: runEmergencyStop,
}

func init() {
	rootCmd.AddCommand(emergencyStopCmd)
}

func runEmergencyStop(cmd *cobra.Command, args []string) error {
	if err := post("/fleet/emergency-stop", nil); err != nil {
		return err
	}
	fmt.Println("emergency stop issued: non-system agents stopping, schedules paused")
	return nil
}
