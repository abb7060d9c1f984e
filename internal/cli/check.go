package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	gkhttp "gatekeeper/internal/http"
	"gatekeeper/internal/preflight"
	"gatekeeper/internal/types"
)

var (
	checkFile       string
	checkUser       string
	checkTiers      []int
	checkRunAll     bool
	checkAllResults bool
	checkDisable    []string
)

var checkCmd = &cobra.Command{
	Use:   "check [text]",
	Short: "Run preflight checks on a message",
	Long: `Sends a message to the preflight endpoint and prints the verdict.

The message is the positional argument, or the contents of --file. A file
holding a JSON array of {role, content} objects is sent as a conversation,
in which case the last user message is checked. The command exits 1 when
the message is rejected.`,
	Example: `  gatectl check "Tell me about your projects"
  gatectl check -f conversation.json --all-results
  gatectl check "hello" --tier 1 --tier 2 --disable language`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVarP(&checkFile, "file", "f", "", "Read the message from a file")
	checkCmd.Flags().StringVarP(&checkUser, "user", "u", "", "User ID to rate-limit against")
	checkCmd.Flags().IntSliceVar(&checkTiers, "tier", nil, "Tiers to run (repeatable, default all)")
	checkCmd.Flags().BoolVar(&checkRunAll, "run-all", false, "Finish the failing tier instead of stopping at the first failure")
	checkCmd.Flags().BoolVar(&checkAllResults, "all-results", false, "Show the result of every executed check")
	checkCmd.Flags().StringSliceVar(&checkDisable, "disable", nil, "Checks to disable for this run")
}

func runCheck(cmd *cobra.Command, args []string) error {
	input, err := readInput(checkFile, args)
	if err != nil {
		printError("%v", err)
		os.Exit(ExitValidationError)
	}

	c := mustClient()

	opts := &preflight.Options{
		RunAllChecks:      checkRunAll,
		IncludeAllResults: checkAllResults,
	}
	for _, t := range checkTiers {
		opts.Tiers = append(opts.Tiers, types.Tier(t))
	}
	if len(checkDisable) > 0 {
		opts.Checks = make(map[string]bool, len(checkDisable))
		for _, name := range checkDisable {
			opts.Checks[name] = false
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, rawJSON, err := c.Preflight(ctx, &gkhttp.PreflightRequest{
		UserID:  checkUser,
		Input:   &input,
		Options: opts,
	})
	if err != nil {
		fail("Preflight failed", err)
	}

	if cfgJSON {
		printJSON(rawJSON)
	} else {
		printVerdict(resp)
	}

	if !resp.Result.Passed {
		os.Exit(ExitValidationError)
	}
	return nil
}

// readInput builds the message from the file or the positional argument.
func readInput(path string, args []string) (preflight.Input, error) {
	switch {
	case path != "" && len(args) > 0:
		return preflight.Input{}, fmt.Errorf("pass either a message or --file, not both")
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return preflight.Input{}, fmt.Errorf("failed to read %s: %w", path, err)
		}
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			var in preflight.Input
			if err := json.Unmarshal(trimmed, &in); err != nil {
				return preflight.Input{}, fmt.Errorf("invalid conversation in %s: %w", path, err)
			}
			return in, nil
		}
		return preflight.TextInput(string(data)), nil
	case len(args) == 1:
		return preflight.TextInput(args[0]), nil
	default:
		return preflight.Input{}, fmt.Errorf("a message or --file is required")
	}
}

func printVerdict(resp *gkhttp.PreflightResponse) {
	res := resp.Result
	if res.Passed {
		fmt.Fprintf(os.Stdout, "\nVerdict: %s\n", successColor.Sprint("PASSED"))
	} else {
		fmt.Fprintf(os.Stdout, "\nVerdict: %s\n", errorColor.Sprint("REJECTED"))
	}

	if res.Result != nil {
		printKeyValue("Code", res.Result.Code)
		if res.FailedCheck != "" {
			printKeyValue("Failed check", res.FailedCheck)
		}
		printKeyValue("Severity", severityColor(res.Result.Severity).Sprint(res.Result.Severity))
		printKeyValue("Message", res.Result.Message)
	}
	printKeyValue("Duration", fmt.Sprintf("%dms", res.ExecutionTimeMs))
	if res.AuditID != "" {
		printKeyValue("Audit ID", res.AuditID)
	}

	if resp.Display != nil {
		printSection("Shown to user")
		printKeyValue("Title", resp.Display.Title)
		printKeyValue("Description", resp.Display.Description)
		if resp.Display.Action != "" {
			printKeyValue("Action", resp.Display.Action)
		}
	}

	if len(res.CheckResults) > 0 {
		printSection("Checks")
		for _, r := range res.CheckResults {
			mark := successColor.Sprint("✓")
			if !r.Result.Passed {
				mark = errorColor.Sprint("✗")
			}
			fmt.Fprintf(os.Stdout, "  %s [tier %d] %-22s %s", mark, r.Tier, r.Check, r.Result.Code)
			if r.Result.ExecutionTimeMs > 0 {
				dimColor.Fprintf(os.Stdout, " (%dms)", r.Result.ExecutionTimeMs)
			}
			fmt.Fprintln(os.Stdout)
		}
	}

	fmt.Fprintln(os.Stdout)
}

func severityColor(s types.Severity) *color.Color {
	switch types.Severity(strings.ToLower(string(s))) {
	case types.SeverityError:
		return errorColor
	case types.SeverityWarning:
		return warnColor
	default:
		return infoColor
	}
}
