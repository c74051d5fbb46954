package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/psantana5/schedopt/pkg/client"
	"github.com/psantana5/schedopt/pkg/models"
)

var watchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Stream progress of an optimization run",
	Long: `Follow a run over server-sent events until it completes, fails or is
cancelled. Press Ctrl+C to stop watching; the run keeps going.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		return watchRun(cmd, c, args[0])
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func watchRun(cmd *cobra.Command, c *client.Client, runID string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	last, err := c.Watch(ctx, runID, func(ev models.ProgressEvent) error {
		printEvent(&ev)
		return nil
	})
	if err != nil {
		// interrupted by the user
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil
		}
		return err
	}
	if last != nil && last.Status == models.JobStatusFailed {
		return fmt.Errorf("run %s failed", runID)
	}
	return nil
}

func printEvent(ev *models.ProgressEvent) {
	if IsJSONOutput() {
		data, _ := json.Marshal(ev)
		fmt.Println(string(data))
		return
	}
	line := fmt.Sprintf("[%s] %-9s %3d%%", ev.Timestamp.Format("15:04:05"), ev.Status, ev.Progress)
	if ev.CurrentStep != "" {
		line += "  " + ev.CurrentStep
	}
	fmt.Println(line)
	switch {
	case ev.Error != nil:
		fmt.Printf("  error: %s\n", ev.Error.Error())
	case ev.Result != nil:
		fmt.Printf("  version %s, makespan %.2fh, %d event(s) changed\n",
			ev.Result.VersionID, ev.Result.Metrics.Makespan, len(ev.Result.ChangedEvents))
		for _, w := range ev.Result.Warnings {
			fmt.Printf("  warning: %s\n", w)
		}
	}
}
