package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/kestrel/pkg/client"
	"github.com/psantana5/kestrel/pkg/logging"
	"github.com/psantana5/kestrel/pkg/retry"
	tlsutil "github.com/psantana5/kestrel/pkg/tls"
)

// Version is the agent version reported to the server
var Version = "dev"

// Process exit codes
const (
	ExitOK          = 0
	ExitInitFailure = 101
	ExitInvalidArgs = 102
	ExitCommandInit = 103
	ExitExecFailure = 104
	ExitAborted     = 105
)

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "kestrel",
	Short: "Agent and client for the kestrel job platform",
	Long: `kestrel submits jobs to a kestrel server, resolves them and runs them
on this host, reporting status back to the server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries the process exit code of a failed command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// ExitCode maps a command error to the process exit code. Errors that carry
// no code come from cobra itself, which means bad arguments.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitInvalidArgs
}

// Execute runs the command tree and returns the process exit code
func Execute() int {
	err := rootCmd.Execute()
	code := ExitCode(err)
	var ee *exitError
	if err != nil && (!errors.As(err, &ee) || ee.err != nil) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return code
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.kestrel.yaml)")
	flags.String("server", "http://localhost:8080", "kestrel server URL")
	flags.String("api-key", "", "API key sent as a bearer token")
	flags.Duration("request-timeout", 30*time.Second, "timeout of a single server request")
	flags.String("ca-file", "", "CA certificate used to verify the server")
	flags.String("cert-file", "", "client certificate for mutual TLS")
	flags.String("key-file", "", "client key for mutual TLS")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Bool("log-json", false, "log in JSON")

	for _, name := range []string{"server", "api-key", "request-timeout", "ca-file", "cert-file", "key-file", "log-level", "log-json"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.SetConfigFile(filepath.Join(home, ".kestrel.yaml"))
	}

	viper.SetEnvPrefix("KESTREL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil && cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Warning: could not read config %s: %v\n", cfgFile, err)
	}
}

// newLogger logs to stderr so stdout stays with the job
func newLogger() *logging.Logger {
	l := logging.NewLogger(logging.ParseLevel(viper.GetString("log-level")), viper.GetBool("log-json"))
	l.SetOutput(os.Stderr)
	return l
}

// clientConfig builds the server client configuration from flags, env and
// config file
func clientConfig() (client.Config, error) {
	cfg := client.Config{
		ServerURL: clientServerURL(),
		APIKey:    viper.GetString("api-key"),
		Timeout:   viper.GetDuration("request-timeout"),
		Retry:     retry.DefaultConfig(),
	}
	if cfg.ServerURL == "" {
		return cfg, fmt.Errorf("server URL is required")
	}

	tlsCfg := tlsutil.Config{
		CAFile:   viper.GetString("ca-file"),
		CertFile: viper.GetString("cert-file"),
		KeyFile:  viper.GetString("key-file"),
	}
	if strings.HasPrefix(cfg.ServerURL, "https://") || tlsCfg.CAFile != "" || tlsCfg.Enabled() {
		t, err := tlsutil.LoadClientTLSConfig(tlsCfg)
		if err != nil {
			return cfg, err
		}
		cfg.TLS = t
	}
	return cfg, nil
}

func newClient() (*client.Client, error) {
	cfg, err := clientConfig()
	if err != nil {
		return nil, err
	}
	return client.New(cfg)
}

func clientServerURL() string {
	return strings.TrimRight(viper.GetString("server"), "/")
}
