package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"

	errwrap "github.com/shardline/shardline/internal/errors"
	"github.com/shardline/shardline/internal/gateway"
	"github.com/shardline/shardline/internal/output"
)

var extended bool

// buildInfo is the json form of the version command.
type buildInfo struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Commit     string `json:"commit,omitempty"`
	BuildDate  string `json:"build_date,omitempty"`
	Go         string `json:"go,omitempty"`
	GatewayAPI int    `json:"gateway_api,omitempty"`
	Gofulmen   string `json:"gofulmen,omitempty"`
	Crucible   string `json:"crucible,omitempty"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information. Use --extended for the gateway API, Gofulmen, Crucible and Go versions.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(outputFormat)
		if err != nil {
			return errwrap.WrapInvalidInput(cmd.Context(), err, "invalid output format")
		}
		return writeVersion(cmd.OutOrStdout(), currentBuildInfo(extended), format)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVarP(&extended, "extended", "e", false, "show extended version information")
}

func currentBuildInfo(extended bool) buildInfo {
	name := "shardline"
	if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
		name = identity.BinaryName
	}
	info := buildInfo{Name: name, Version: versionInfo.Version}
	if !extended {
		return info
	}
	deps := crucible.GetVersion()
	info.Commit = versionInfo.Commit
	info.BuildDate = versionInfo.BuildDate
	info.Go = runtime.Version()
	info.GatewayAPI = gateway.APIVersion
	info.Gofulmen = deps.Gofulmen
	info.Crucible = deps.Crucible
	return info
}

func writeVersion(w io.Writer, info buildInfo, format output.Format) error {
	if format == output.FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	_, _ = fmt.Fprintf(w, "%s %s\n", info.Name, info.Version)
	if info.Go == "" {
		return nil
	}
	_, _ = fmt.Fprintf(w, "Commit: %s\nBuilt: %s\nGo: %s\n", info.Commit, info.BuildDate, info.Go)
	_, _ = fmt.Fprintf(w, "Gateway API: v%d (json)\n\n", info.GatewayAPI)
	_, err := fmt.Fprintf(w, "Gofulmen: %s\nCrucible: %s\n", info.Gofulmen, info.Crucible)
	return err
}
