package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/schedopt/pkg/models"
)

var algorithmsCmd = &cobra.Command{
	Use:   "algorithms",
	Short: "List available optimization algorithms",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		algs, err := c.Algorithms(cmd.Context())
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(algs)
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("ID", "Name", "Objectives", "Description")
		for _, a := range algs {
			table.Append(a.ID, a.Name, strings.Join(a.Objectives, ", "), a.Description)
		}
		table.Render()
		return nil
	},
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List optimization profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ps, err := c.Profiles(cmd.Context())
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(ps)
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("ID", "Name", "Algorithms", "Time Limit", "Rules")
		for _, p := range ps {
			algs := "all"
			if len(p.Algorithms) > 0 {
				algs = strings.Join(p.Algorithms, ", ")
			}
			limit := "default"
			if p.TimeLimit > 0 {
				limit = (time.Duration(p.TimeLimit) * time.Second).String()
			}
			table.Append(p.ID, p.Name, algs, limit, fmt.Sprintf("%d", len(p.Rules)))
		}
		table.Render()
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version <version-id>",
	Short: "Show an optimized schedule version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		v, err := c.Version(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(v)
		}
		fmt.Printf("Version %s from run %s (owner %s), makespan %.2fh\n\n",
			v.VersionID, v.RunID, v.Owner, v.Metrics.Makespan)
		events := append([]models.Event(nil), v.Events...)
		sort.SliceStable(events, func(i, j int) bool { return events[i].StartDate.Before(events[j].StartDate) })
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Event", "Name", "Resource", "Start", "End")
		for _, e := range events {
			table.Append(e.ID, e.Name, e.ResourceID, e.StartDate.Format(time.RFC3339), e.EndDate.Format(time.RFC3339))
		}
		table.Render()
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts and worker pool state (requires metrics:read)",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		s, err := c.Stats(cmd.Context())
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(s)
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Metric", "Value")
		table.Append("Total jobs", fmt.Sprintf("%d", s.Total))
		for _, st := range []models.JobStatus{
			models.JobStatusQueued, models.JobStatusRunning, models.JobStatusCompleted,
			models.JobStatusFailed, models.JobStatusCancelled,
		} {
			table.Append("  "+string(st), fmt.Sprintf("%d", s.ByStatus[st]))
		}
		algs := make([]string, 0, len(s.ByAlgorithm))
		for a := range s.ByAlgorithm {
			algs = append(algs, a)
		}
		sort.Strings(algs)
		for _, a := range algs {
			table.Append("  "+a, fmt.Sprintf("%d", s.ByAlgorithm[a]))
		}
		table.Append("Queue depth", fmt.Sprintf("%d", s.QueueDepth))
		table.Append("Running", fmt.Sprintf("%d/%d", s.Running, s.Workers))
		table.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(algorithmsCmd)
	rootCmd.AddCommand(profilesCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statsCmd)
}
