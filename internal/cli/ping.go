package cli

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check server readiness",
	Long:  `Sends a readiness request to the gatekeeper server and displays the status of each dependency.`,
	RunE:  runPing,
}

func runPing(cmd *cobra.Command, args []string) error {
	c := mustClient()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := c.Ping(ctx)
	if err != nil {
		fail("Server unreachable", err)
	}

	if cfgJSON {
		jsonOut, _ := json.MarshalIndent(health, "", "  ")
		printJSON(jsonOut)
		return nil
	}

	if health.Status == "ok" {
		printSuccess("Server is ready")
	} else {
		printWarn("Server is %s", health.Status)
	}
	if health.Version != "" {
		printKeyValue("Version", health.Version)
	}

	names := make([]string, 0, len(health.Checks))
	for name := range health.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		printKeyValue(name, health.Checks[name])
	}

	return nil
}
