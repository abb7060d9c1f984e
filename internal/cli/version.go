package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print gatectl build information",
	RunE:  runVersion,
}

type buildInfo struct {
	Version   string `json:"version"`
	Revision  string `json:"revision,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func currentBuild() buildInfo {
	b := buildInfo{
		Version:   Version,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				b.Revision = s.Value
			case "vcs.modified":
				b.Modified = s.Value == "true"
			}
		}
	}
	return b
}

func runVersion(cmd *cobra.Command, args []string) error {
	b := currentBuild()

	if cfgJSON {
		out, _ := json.MarshalIndent(b, "", "  ")
		printJSON(out)
		return nil
	}

	fmt.Fprintf(os.Stdout, "gatectl %s (%s, %s)\n", b.Version, b.GoVersion, b.Platform)
	if b.Revision != "" {
		rev := b.Revision
		if b.Modified {
			rev += "-dirty"
		}
		printKeyValue("Revision", rev)
	}
	return nil
}
