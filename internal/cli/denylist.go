package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var denylistCmd = &cobra.Command{
	Use:   "denylist",
	Short: "Manage the IP deny-list",
}

var denylistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deny-listed IPs",
	RunE:  runDenylistList,
}

var denylistAddCmd = &cobra.Command{
	Use:   "add <ip>",
	Short: "Add an IP to the deny-list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDenylistUpdate(args[0], true)
	},
}

var denylistRemoveCmd = &cobra.Command{
	Use:   "remove <ip>",
	Short: "Remove an IP from the deny-list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDenylistUpdate(args[0], false)
	},
}

func init() {
	denylistCmd.AddCommand(denylistListCmd)
	denylistCmd.AddCommand(denylistAddCmd)
	denylistCmd.AddCommand(denylistRemoveCmd)
}

func runDenylistList(cmd *cobra.Command, args []string) error {
	c := mustClient()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ips, rawJSON, err := c.ListDenied(ctx)
	if err != nil {
		fail("Failed to list deny-list", err)
	}

	if cfgJSON {
		printJSON(rawJSON)
		return nil
	}
	if len(ips) == 0 {
		dimColor.Fprintln(os.Stdout, "No IPs are deny-listed")
		return nil
	}
	for _, ip := range ips {
		fmt.Fprintln(os.Stdout, ip)
	}
	return nil
}

func runDenylistUpdate(ip string, deny bool) error {
	c := mustClient()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	action, status := "remove", "allowed"
	update := c.AllowIP
	if deny {
		action, status = "add", "denied"
		update = c.DenyIP
	}

	if err := update(ctx, ip); err != nil {
		fail("Failed to "+action+" "+ip, err)
	}

	if cfgJSON {
		out, _ := json.Marshal(map[string]string{"ip": ip, "status": status})
		printJSON(out)
		return nil
	}
	printSuccess("%s is now %s", ip, status)
	return nil
}
