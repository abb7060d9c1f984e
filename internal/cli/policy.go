package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"gatekeeper/internal/checks"
	"gatekeeper/internal/display"
	"gatekeeper/internal/policy"
	"gatekeeper/internal/registry"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Work with server policy and error display files",
}

var (
	policyFile  string
	displayFile string
)

var policyValidateCmd = &cobra.Command{
	Use:   "validate [policy-file]",
	Short: "Validate policy and error display files locally",
	Long: `Validates a policy file (POLICY_FILE) and/or an error display file
(ERROR_DISPLAY_FILE) against the built-in checks without contacting the
server. Check names and per-check configuration are checked against each
check's JSON schema.`,
	Example: `  gatectl policy validate policy.yaml
  gatectl policy validate --display errors.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPolicyValidate,
}

func init() {
	policyValidateCmd.Flags().StringVarP(&policyFile, "file", "f", "", "Path to policy file")
	policyValidateCmd.Flags().StringVar(&displayFile, "display", "", "Path to error display file")
	policyCmd.AddCommand(policyValidateCmd)
}

type validationReport struct {
	File   string `json:"file"`
	Kind   string `json:"kind"`
	Valid  bool   `json:"valid"`
	Error  string `json:"error,omitempty"`
	Policy any    `json:"policy,omitempty"`
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		policyFile = args[0]
	}
	if policyFile == "" && displayFile == "" {
		printError("pass --file and/or --display")
		os.Exit(ExitValidationError)
	}

	var reports []validationReport
	if policyFile != "" {
		reports = append(reports, validatePolicyFile(policyFile))
	}
	if displayFile != "" {
		r := validationReport{File: displayFile, Kind: "display", Valid: true}
		if _, err := display.LoadFile(displayFile); err != nil {
			r.Valid, r.Error = false, err.Error()
		}
		reports = append(reports, r)
	}

	valid := true
	for _, r := range reports {
		valid = valid && r.Valid
	}

	if cfgJSON {
		jsonOut, _ := json.MarshalIndent(reports, "", "  ")
		printJSON(jsonOut)
	} else {
		for _, r := range reports {
			if r.Valid {
				printSuccess("%s file %s is valid", r.Kind, r.File)
			} else {
				printError("%s file %s is invalid", r.Kind, r.File)
				for _, line := range strings.Split(r.Error, "\n") {
					fmt.Fprintf(os.Stderr, "    %s\n", line)
				}
			}
		}
	}

	if !valid {
		os.Exit(ExitValidationError)
	}
	return nil
}

func validatePolicyFile(path string) validationReport {
	r := validationReport{File: path, Kind: "policy"}

	// Only definitions and schemas matter here, so the checks get no backends.
	reg, err := registry.New(checks.Defaults(checks.Deps{})...)
	if err != nil {
		r.Error = err.Error()
		return r
	}

	p, err := policy.LoadFile(path, reg)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Valid = true
	r.Policy = p
	return r
}
