package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/psantana5/kestrel/pkg/filetransfer"
)

var (
	downloadTransfer transferFlags
	downloadDir      string
)

// downloadCmd represents the download command
var downloadCmd = &cobra.Command{
	Use:   "download <uri>...",
	Short: "Download files into a directory",
	Long: `Download one or more files the way the agent fetches job dependencies.
Supported schemes are file://, http://, https:// and s3://.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	downloadTransfer.register(downloadCmd.Flags())
	downloadCmd.Flags().StringVarP(&downloadDir, "dir", "d", ".", "destination directory")
}

func runDownload(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	defer logger.Close()

	registry, err := downloadTransfer.registry(cmd.Context())
	if err != nil {
		return withCode(ExitInitFailure, err)
	}

	targets := make([]string, 0, len(args))
	for _, uri := range args {
		if err := registry.Validate(uri); err != nil {
			return withCode(ExitInvalidArgs, err)
		}
		name, err := filetransfer.FileName(uri)
		if err != nil {
			return withCode(ExitInvalidArgs, err)
		}
		targets = append(targets, filepath.Join(downloadDir, name))
	}
	if err := os.MkdirAll(downloadDir, 0755); err != nil {
		return withCode(ExitCommandInit, fmt.Errorf("create %s: %w", downloadDir, err))
	}

	for i, uri := range args {
		if err := registry.Get(cmd.Context(), uri, targets[i]); err != nil {
			return withCode(ExitExecFailure, err)
		}
		logger.Info("Downloaded", map[string]interface{}{"uri": uri, "path": targets[i]})
		fmt.Fprintln(cmd.OutOrStdout(), targets[i])
	}
	return nil
}
