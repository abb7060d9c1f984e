package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var abuseCmd = &cobra.Command{
	Use:   "abuse",
	Short: "Inspect and clear per-IP abuse state",
}

var abuseStatusCmd = &cobra.Command{
	Use:     "status <ip>",
	Short:   "Show warnings, timeout and deny-list state for an IP",
	Example: `  gatectl abuse status 203.0.113.50`,
	Args:    cobra.ExactArgs(1),
	RunE:    runAbuseStatus,
}

var abuseClearCmd = &cobra.Command{
	Use:   "clear <ip>",
	Short: "Lift an IP's timeout and reset its warnings",
	Args:  cobra.ExactArgs(1),
	RunE:  runAbuseClear,
}

func init() {
	abuseCmd.AddCommand(abuseStatusCmd)
	abuseCmd.AddCommand(abuseClearCmd)
}

func runAbuseStatus(cmd *cobra.Command, args []string) error {
	c := mustClient()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, rawJSON, err := c.AbuseStatus(ctx, args[0])
	if err != nil {
		fail("Failed to get abuse status", err)
	}

	if cfgJSON {
		printJSON(rawJSON)
		return nil
	}

	printSection("Abuse status for " + status.IP)
	printKeyValue("Warnings", fmt.Sprintf("%d / %d", status.Warnings, status.WarningLimit))
	if status.Denied {
		printKeyValue("Deny-list", errorColor.Sprint("denied"))
	} else {
		printKeyValue("Deny-list", successColor.Sprint("not listed"))
	}
	if t := status.Timeout; t != nil {
		printKeyValue("Timeout", warnColor.Sprintf("until %s (%s left)", t.Until.Local().Format(time.RFC1123), t.Remaining(time.Now()).Round(time.Second)))
		printKeyValue("Reason", t.Reason)
		printKeyValue("Timeout count", fmt.Sprintf("%d", t.TimeoutCount))
	} else {
		printKeyValue("Timeout", "none")
	}
	return nil
}

func runAbuseClear(cmd *cobra.Command, args []string) error {
	c := mustClient()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.ClearTimeout(ctx, args[0]); err != nil {
		fail("Failed to clear timeout", err)
	}
	if cfgJSON {
		out, _ := json.Marshal(map[string]string{"ip": args[0], "status": "cleared"})
		printJSON(out)
		return nil
	}
	printSuccess("Timeout cleared for %s", args[0])
	return nil
}
