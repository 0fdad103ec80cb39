package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resumeSchedulesCmd = &cobra.Command{
	Use:   "resume-schedules",
	Short: "Re-enable schedule firing platform-wide",
	RunE:  runResumeSchedules,
}

func init() {
	rootCmd.AddCommand(resumeSchedulesCmd)
}

func runResumeSchedules(cmd *cobra.Command, args []string) error {
	if err := post("/fleet/resume-schedules", nil); err != nil {
		return err
	}
	fmt.Println("schedules resumed")
	return nil
}
