//	@title			filedrop API
//	@version		1.0
//	@description	Ephemeral file sharing: upload a file, share the identifier, the file expires on its own.
//
//	@host		localhost:8080
//	@BasePath	/api/v1

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/filedrop/service/internal/config"
	"github.com/filedrop/service/internal/logging"

	_ "github.com/filedrop/service/docs/swagger"
)

// exitBackend is the exit status when the metadata index or byte store
// cannot be constructed.
const exitBackend = 2

var (
	envFile  string
	logLevel string
)

// backendError marks startup failures of external backends.
type backendError struct{ err error }

func (e backendError) Error() string { return e.err.Error() }
func (e backendError) Unwrap() error { return e.err }

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		var be backendError
		if errors.As(err, &be) {
			log.Error().Err(err).Msg("backend unavailable")
			os.Exit(exitBackend)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the expiration watcher",
		RunE:  runServe,
	}

	rootCmd := &cobra.Command{
		Use:   "filedrop",
		Short: "filedrop - ephemeral file sharing",
		Long: `filedrop stores uploaded files for a limited time and serves them by an
opaque identifier. When a file's metadata expires its bytes are deleted.

Configuration is read from the environment and an optional .env file.
Run "filedrop config" to see the resolved values.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load variables from this file instead of .env")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (trace, debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration with secrets masked",
		RunE:  runConfig,
	})
	return rootCmd
}

// loadConfig reads configuration and installs the logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Warn().Err(err).Msg("logging falls back to defaults")
	}
	return cfg, nil
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return cfg.Print(cmd.OutOrStdout())
}
