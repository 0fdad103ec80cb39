package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/trinity-platform/orchestrator/internal/domain"
)

type healthResponse struct {
	Agents     []*domain.Agent `json:"agents"`
	Supervisor string          `json:"supervisor"`
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report every agent's current state",
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	var resp healthResponse
	if err := get("/fleet/health", &resp); err != nil {
		return err
	}

	fmt.Printf("supervisor: %s\n\n", resp.Supervisor)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tOWNER\tSTATE\tRUNTIME\tAUTONOMY")
	for _, a := range resp.Agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", a.Name, a.Owner, a.State, a.RuntimeKind, a.Autonomy)
	}
	return w.Flush()
}
