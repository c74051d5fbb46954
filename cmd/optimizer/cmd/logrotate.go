package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/psantana5/schedopt/pkg/logging"
)

var (
	logrotateKeepDays int
	logrotateOutput   string
)

var logrotateCmd = &cobra.Command{
	Use:   "logrotate",
	Short: "Print a logrotate configuration for the optimizer log files",
	Long: `Generate a logrotate snippet matching the paths used when log.file is enabled.

Example:
  optimizer logrotate --keep 30 --output /etc/logrotate.d/schedopt-optimizer`,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf := logging.GenerateLogrotateConfig("optimizer", logrotateKeepDays)
		if logrotateOutput == "" {
			fmt.Print(conf)
			return nil
		}
		if err := os.WriteFile(logrotateOutput, []byte(conf), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", logrotateOutput, err)
		}
		fmt.Printf("Wrote %s\n", logrotateOutput)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logrotateCmd)
	logrotateCmd.Flags().IntVar(&logrotateKeepDays, "keep", 14, "days of logs to keep")
	logrotateCmd.Flags().StringVarP(&logrotateOutput, "output", "o", "", "write to file instead of stdout")
}
