package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/schedopt/pkg/config"
	"github.com/psantana5/schedopt/pkg/logging"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=..."
var Version = "dev"

var (
	cfgFile string
	v       = viper.New()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "optimizer",
	Short: "Schedule optimization service",
	Long: `optimizer runs the asynchronous schedule optimization service.

Clients submit schedules to /api/schedules/optimize, follow progress over
server-sent events and fetch the optimized version once the run completes.

Configuration is read from --config, ./schedopt.yaml or
$HOME/.schedopt/schedopt.yaml, and every key can be overridden with a
SCHEDOPT_ environment variable (server.addr -> SCHEDOPT_SERVER_ADDR).`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./schedopt.yaml or $HOME/.schedopt/schedopt.yaml)")
	rootCmd.Version = Version
}

// loadConfig resolves the full configuration once flags have been parsed
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger. File logging falls back to stdout
// when no log directory is writable.
func newLogger(cfg config.LogConfig, component string) *logging.Logger {
	level := logging.ParseLevel(cfg.Level)
	if cfg.File {
		logger, err := logging.NewFileLogger(component, level, cfg.JSON)
		if err == nil {
			return logger
		}
		fmt.Fprintf(os.Stderr, "file logging unavailable, using stdout: %v\n", err)
	}
	return logging.NewLogger(level, cfg.JSON)
}
