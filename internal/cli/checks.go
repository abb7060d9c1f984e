package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var checksCmd = &cobra.Command{
	Use:   "checks",
	Short: "List the server's registered checks",
	RunE:  runChecks,
}

func runChecks(cmd *cobra.Command, args []string) error {
	c := mustClient()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	defs, rawJSON, err := c.ListChecks(ctx)
	if err != nil {
		fail("Failed to list checks", err)
	}

	if cfgJSON {
		printJSON(rawJSON)
		return nil
	}

	fmt.Fprintf(os.Stdout, "%-6s %-22s %-9s %-12s %s\n", "TIER", "NAME", "ENABLED", "ON ERROR", "DESCRIPTION")
	for _, d := range defs {
		enabled := successColor.Sprint("yes")
		if !d.Enabled {
			enabled = dimColor.Sprint("no ")
		}
		fmt.Fprintf(os.Stdout, "%-6d %-22s %-9s %-12s %s\n", d.Tier, d.Name, enabled, d.OnError.Policy, d.Description)
	}
	return nil
}
