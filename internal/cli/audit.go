package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"gatekeeper/internal/client"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Retrieve audit records",
}

var auditShowCmd = &cobra.Command{
	Use:     "get <audit_id>",
	Aliases: []string{"show"},
	Short:   "Show an audit record",
	Example: `  gatectl audit get 6f1c...
  gatectl audit get 6f1c... --json`,
	Args: cobra.ExactArgs(1),
	RunE: runAuditShow,
}

var (
	auditUser   string
	auditIP     string
	auditCode   string
	auditPassed string
	auditLimit  int
)

var auditListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List recent audit records",
	Example: `  gatectl audit list --user u1 --passed=false --limit 20`,
	RunE:    runAuditList,
}

func init() {
	auditListCmd.Flags().StringVar(&auditUser, "user", "", "Filter by user ID")
	auditListCmd.Flags().StringVar(&auditIP, "ip", "", "Filter by client IP")
	auditListCmd.Flags().StringVar(&auditCode, "code", "", "Filter by result code")
	auditListCmd.Flags().StringVar(&auditPassed, "passed", "", "Filter by verdict (true or false)")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 0, "Maximum records to return")

	auditCmd.AddCommand(auditShowCmd)
	auditCmd.AddCommand(auditListCmd)
}

func runAuditShow(cmd *cobra.Command, args []string) error {
	c := mustClient()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	record, rawJSON, err := c.GetAudit(ctx, args[0])
	if err != nil {
		if client.IsNotFound(err) {
			printError("Audit record %s not found", args[0])
			os.Exit(ExitValidationError)
		}
		fail("Failed to retrieve audit record", err)
	}

	if cfgJSON {
		printJSON(rawJSON)
		return nil
	}

	printSection("Audit Record")
	printKeyValue("Audit ID", record.AuditID)
	printKeyValue("Request ID", record.RequestID)
	printKeyValue("Created", record.CreatedAt.Local().Format(time.RFC3339))
	printKeyValue("User", record.UserID)
	if record.IP != "" {
		printKeyValue("IP", record.IP)
	}
	if record.Passed {
		printKeyValue("Verdict", successColor.Sprint("passed"))
	} else {
		printKeyValue("Verdict", errorColor.Sprint("rejected"))
		printKeyValue("Failed check", record.FailedCheck)
	}
	printKeyValue("Code", record.Code)
	printKeyValue("Duration", fmt.Sprintf("%dms", record.ExecutionTimeMs))

	if len(record.CheckResults) > 0 {
		printSection("Checks")
		for _, r := range record.CheckResults {
			fmt.Fprintf(os.Stdout, "  [tier %d] %-22s %s\n", r.Tier, r.Check, r.Result.Code)
		}
	}
	return nil
}

func runAuditList(cmd *cobra.Command, args []string) error {
	q := client.AuditQuery{
		UserID: auditUser,
		IP:     auditIP,
		Code:   auditCode,
		Limit:  auditLimit,
	}
	if auditPassed != "" {
		passed, err := strconv.ParseBool(auditPassed)
		if err != nil {
			printError("--passed must be true or false")
			os.Exit(ExitValidationError)
		}
		q.Passed = &passed
	}

	c := mustClient()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	records, rawJSON, err := c.ListAudit(ctx, q)
	if err != nil {
		fail("Failed to list audit records", err)
	}

	if cfgJSON {
		printJSON(rawJSON)
		return nil
	}
	if len(records) == 0 {
		dimColor.Fprintln(os.Stdout, "No audit records")
		return nil
	}

	for _, r := range records {
		verdict := successColor.Sprint("pass")
		if !r.Passed {
			verdict = errorColor.Sprint("fail")
		}
		fmt.Fprintf(os.Stdout, "%s  %s  %-16s %-15s %s  %s\n",
			r.CreatedAt.Local().Format(time.DateTime), verdict, r.UserID, r.IP, r.Code, dimColor.Sprint(r.AuditID))
	}
	return nil
}
