package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/kestrel/pkg/auth"
	"github.com/psantana5/kestrel/pkg/config"
	"github.com/psantana5/kestrel/pkg/store"
	tlsutil "github.com/psantana5/kestrel/pkg/tls"
)

var version = "dev"

var (
	cfgFile string
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:           "kestrel-server",
	Short:         "kestrel job coordination server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the job API",
	Long: `Serve the job API: submission and resolution, agent claims, status
reports, heartbeats and kills. Settings come from --config, KESTREL_*
environment variables and the flags below.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Close()

		ctx := cmd.Context()
		s, err := newServer(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer s.Close()
		return s.run(ctx)
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Print the job metrics of the configured store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Close()

		s, err := newServer(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer s.Close()
		return s.writeMetrics(cmd.OutOrStdout())
	},
}

var catalogCmd = &cobra.Command{
	Use:   "check-catalog <file>",
	Short: "Validate a catalog seed file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		catalog, err := store.ParseCatalog(data)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d clusters, %d commands, %d applications\n",
			args[0], len(catalog.Clusters), len(catalog.Commands), len(catalog.Applications))
		return nil
	},
}

var genKeyCmd = &cobra.Command{
	Use:   "gen-key",
	Short: "Generate an API key for auth.api_keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := auth.NewAPIKeyManager().GenerateAPIKey("cli")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var (
	certFile  string
	keyFile   string
	certHosts []string
)

var genCertCmd = &cobra.Command{
	Use:   "gen-cert",
	Short: "Generate a self-signed certificate for development",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, f := range []string{certFile, keyFile} {
			if err := os.MkdirAll(filepath.Dir(f), 0755); err != nil {
				return fmt.Errorf("create %s: %w", filepath.Dir(f), err)
			}
		}
		if err := tlsutil.GenerateSelfSignedCert(certFile, keyFile, "kestrel-server", certHosts...); err != nil {
			return err
		}
		log.Printf("Certificate: %s", certFile)
		log.Printf("Key: %s", keyFile)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "server config file (YAML)")

	flags := serveCmd.Flags()
	flags.String("addr", ":8080", "listen address")
	flags.String("store-type", "sqlite", "store: memory, sqlite or postgres")
	flags.String("store-dsn", "kestrel.db", "sqlite path or postgres connection string")
	flags.String("catalog", "", "YAML catalog of clusters, commands and applications loaded at start")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	bindings := map[string]string{
		"addr":       "server.addr",
		"store-type": "store.type",
		"store-dsn":  "store.dsn",
		"catalog":    "catalog",
		"log-level":  "log.level",
	}
	for flag, key := range bindings {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
	metricsCmd.Flags().AddFlagSet(flags)

	genCertCmd.Flags().StringVar(&certFile, "cert", "certs/kestrel-server.crt", "certificate output file")
	genCertCmd.Flags().StringVar(&keyFile, "key", "certs/kestrel-server.key", "key output file")
	genCertCmd.Flags().StringSliceVar(&certHosts, "hosts", nil, "extra IP addresses and host names for the certificate")

	rootCmd.AddCommand(serveCmd, metricsCmd, catalogCmd, genKeyCmd, genCertCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}
	if cfg.Tracing.ServiceVersion == "" {
		cfg.Tracing.ServiceVersion = version
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
