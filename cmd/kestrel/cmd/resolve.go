package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/kestrel/pkg/models"
)

var (
	resolveRequest requestFlags
	resolveOutput  string
)

// resolveCmd represents the resolve command
var resolveCmd = &cobra.Command{
	Use:   "resolve [flags] -- [command args]",
	Short: "Show how the server would resolve a job",
	Long: `Ask the server to resolve a job request without saving it and print the
resulting specification: cluster, command, applications, environment and
job directory.`,
	RunE: runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)

	resolveRequest.register(resolveCmd.Flags())
	resolveCmd.Flags().StringVarP(&resolveOutput, "output", "o", "table", "output format: table, json or yaml")
}

func runResolve(cmd *cobra.Command, args []string) error {
	if !validFormat(resolveOutput) {
		return withCode(ExitInvalidArgs, fmt.Errorf("unknown output format %q", resolveOutput))
	}
	req, err := resolveRequest.build(args)
	if err != nil {
		return withCode(ExitInvalidArgs, err)
	}
	c, err := newClient()
	if err != nil {
		return withCode(ExitInitFailure, err)
	}

	spec, err := c.ResolveJobSpecification(cmd.Context(), req)
	if err != nil {
		return withCode(ExitExecFailure, fmt.Errorf("resolve: %w", err))
	}
	if err := writeSpec(cmd.OutOrStdout(), resolveOutput, spec); err != nil {
		return withCode(ExitExecFailure, err)
	}
	return nil
}

func validFormat(format string) bool {
	switch format {
	case "table", "json", "yaml":
		return true
	}
	return false
}

// writeSpec prints a specification in the given format
func writeSpec(w io.Writer, format string, spec *models.JobSpecification) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(spec)
	case "yaml":
		// go through JSON so the keys match the API
		raw, err := json.Marshal(spec)
		if err != nil {
			return err
		}
		var doc interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		out, err := yaml.Marshal(doc)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	case "table":
		table := tablewriter.NewWriter(w)
		table.Header("Field", "Value")
		for _, row := range specRows(spec) {
			table.Append(row)
		}
		table.Render()
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func specRows(spec *models.JobSpecification) [][]string {
	timeout := "server default"
	if spec.TimeoutSeconds != nil {
		timeout = strconv.Itoa(*spec.TimeoutSeconds) + "s"
	}
	rows := [][]string{
		{"User", spec.User},
		{"Cluster", resourceLabel(spec.Cluster)},
		{"Command", resourceLabel(spec.Command)},
		{"Applications", strings.Join(spec.ApplicationIDs(), ", ")},
		{"Executable", strings.Join(spec.Executable, " ")},
		{"Arguments", strings.Join(spec.CommandArgs, " ")},
		{"Job directory", spec.JobDirectory},
		{"Archive location", spec.ArchiveLocation},
		{"Memory (MB)", strconv.Itoa(spec.Memory)},
		{"Timeout", timeout},
		{"Interactive", strconv.FormatBool(spec.Interactive)},
	}
	if spec.JobID != "" {
		rows = append([][]string{{"Job ID", spec.JobID}}, rows...)
	}

	keys := make([]string, 0, len(spec.EnvironmentVariables))
	for k := range spec.EnvironmentVariables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rows = append(rows, []string{k, spec.EnvironmentVariables[k]})
	}
	return rows
}

func resourceLabel(r models.ExecutionResource) string {
	if r.Name == "" || r.Name == r.ID {
		return r.ID
	}
	return r.Name + " (" + r.ID + ")"
}
