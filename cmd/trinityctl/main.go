// Command trinityctl is an administrative CLI for fleet operations
// (emergency-stop, pause-schedules, resume-schedules, restart-all): a thin
// consumer of the same control-plane HTTP contract httpapi serves.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	baseURL       string
	principalID   string
	principalRole string
)

var rootCmd = &cobra.Command{
	Use:   "trinityctl",
	Short: "Trinity fleet operations CLI",
	Long: `trinityctl drives the Trinity control plane's fleet-ops endpoints.

Available commands:
  emergency-stop    Halt every running non-system agent and pause schedules
  pause-schedules   Disable schedule firing platform-wide
  resume-schedules  Re-enable schedule firing platform-wide
  restart-all       Restart every agent currently running
  health            Report every agent's current state`,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "http://localhost:8080/api/v1", "control plane base URL")
	rootCmd.PersistentFlags().StringVar(&principalID, "principal", "admin", "X-Principal-ID sent with every request")
	rootCmd.PersistentFlags().StringVar(&principalRole, "role", "admin", "X-Principal-Role sent with every request")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
