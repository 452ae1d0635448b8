package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// pingCmd represents the ping command
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the server is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return withCode(ExitInitFailure, err)
		}
		start := time.Now()
		resp, err := c.Ping(cmd.Context())
		if err != nil {
			return withCode(ExitExecFailure, fmt.Errorf("ping: %w", err))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (version %s) in %s\n",
			clientServerURL(), resp.Status, resp.Version, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
