package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/kestrel/internal/agent/hostinfo"
)

var infoOutput string

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show agent and host information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if infoOutput != "table" && infoOutput != "json" {
			return withCode(ExitInvalidArgs, fmt.Errorf("unknown output format %q", infoOutput))
		}
		info := hostinfo.Collect(cmd.Context())
		return writeInfo(cmd.OutOrStdout(), infoOutput, info)
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().StringVarP(&infoOutput, "output", "o", "table", "output format: table or json")
}

func writeInfo(w io.Writer, format string, info *hostinfo.Info) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			AgentVersion string         `json:"agent_version"`
			Server       string         `json:"server"`
			Host         *hostinfo.Info `json:"host"`
		}{Version, clientServerURL(), info})
	}

	table := tablewriter.NewWriter(w)
	table.Header("Property", "Value")
	table.Append([]string{"Agent version", Version})
	table.Append([]string{"Server", clientServerURL()})
	for _, row := range info.Rows() {
		table.Append(row)
	}
	table.Render()
	return nil
}
