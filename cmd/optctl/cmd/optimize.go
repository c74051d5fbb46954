package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/schedopt/internal/fixtures"
	"github.com/psantana5/schedopt/pkg/client"
	"github.com/psantana5/schedopt/pkg/models"
)

var (
	submitAlgorithm string
	submitProfile   string
	submitEvents    int
	submitResources int
	submitSeed      int64
	submitTimeLimit int
	submitWatch     bool

	listStatus string
	listOwner  string
	listLimit  int
)

var submitCmd = &cobra.Command{
	Use:   "submit [request.json]",
	Short: "Submit a schedule for optimization",
	Long: `Submit an optimization request read from a JSON file, or a generated
test schedule when no file is given.

Example:
  optctl submit request.json
  optctl submit --algorithm critical-path --events 200 --resources 10 --watch`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the status of an optimization run",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a queued or running optimization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.Cancel(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Cancellation requested for %s\n", args[0])
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List optimization runs",
	Long:  `List your optimization runs, newest first. Admins may list another owner's runs with --owner.`,
	RunE:  runJobs,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(jobsCmd)

	submitCmd.Flags().StringVar(&submitAlgorithm, "algorithm", "forward-scheduling", "algorithm for generated requests")
	submitCmd.Flags().StringVar(&submitProfile, "profile", "1", "profile for generated requests")
	submitCmd.Flags().IntVar(&submitEvents, "events", 20, "events in the generated schedule")
	submitCmd.Flags().IntVar(&submitResources, "resources", 3, "resources in the generated schedule")
	submitCmd.Flags().Int64Var(&submitSeed, "seed", 1, "seed for the generated schedule")
	submitCmd.Flags().IntVar(&submitTimeLimit, "time-limit", 0, "time limit in seconds (0 uses the profile default)")
	submitCmd.Flags().BoolVar(&submitWatch, "watch", false, "stream progress until the run finishes")

	jobsCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	jobsCmd.Flags().StringVar(&listOwner, "owner", "", "filter by owner (admin only)")
	jobsCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum runs to list")
}

func loadRequest(args []string) (interface{}, error) {
	if len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		// sent as-is so the server reports schema errors against the original document
		var raw json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%s is not valid JSON: %w", args[0], err)
		}
		return raw, nil
	}
	req := fixtures.Request(submitAlgorithm, submitEvents, submitResources, submitSeed)
	req.ProfileID = models.ProfileRef(submitProfile)
	if submitTimeLimit > 0 {
		req.Parameters.TimeLimit = float64(submitTimeLimit)
	}
	return req, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	req, err := loadRequest(args)
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	result, err := c.Submit(cmd.Context(), req)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		if err := printJSON(result); err != nil {
			return err
		}
	} else {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")
		table.Append("Run ID", result.RunID)
		table.Append("Status", string(result.Status))
		table.Append("Submitted At", result.SubmittedAt.Format(time.RFC3339))
		table.Render()
	}

	if submitWatch {
		return watchRun(cmd, c, result.RunID)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	job, err := c.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(job)
	}
	displayJob(job)
	return nil
}

func displayJob(job *models.Job) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Run ID", job.RunID)
	table.Append("Algorithm", job.AlgorithmID)
	table.Append("Profile", job.ProfileID)
	table.Append("Owner", job.Owner)
	table.Append("Status", string(job.Status))
	table.Append("Progress", fmt.Sprintf("%d%%", job.Progress))
	if job.CurrentStep != "" {
		table.Append("Step", job.CurrentStep)
	}
	table.Append("Submitted At", job.SubmittedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		table.Append("Started At", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		table.Append("Completed At", job.CompletedAt.Format(time.RFC3339))
	}
	if job.Error != nil {
		table.Append("Error", job.Error.Error())
	}
	if r := job.Result; r != nil {
		table.Append("Version", r.VersionID)
		table.Append("Makespan (h)", strconv.FormatFloat(r.Metrics.Makespan, 'f', 2, 64))
		table.Append("Utilization", fmt.Sprintf("%.1f%%", r.Metrics.ResourceUtilization*100))
		table.Append("Improvement", fmt.Sprintf("%.1f%%", r.Metrics.ImprovementPercentage))
		table.Append("Changed Events", strconv.Itoa(len(r.ChangedEvents)))
		for _, w := range r.Warnings {
			table.Append("Warning", w)
		}
		if r.ArtifactURI != "" {
			table.Append("Artifact", r.ArtifactURI)
		}
	}
	table.Render()
}

func runJobs(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	list, err := c.List(cmd.Context(), client.ListOptions{
		Status: models.JobStatus(listStatus),
		Owner:  listOwner,
		Limit:  listLimit,
	})
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(list)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Run ID", "Algorithm", "Owner", "Status", "Progress", "Submitted")
	for _, job := range list.Jobs {
		table.Append(job.RunID, job.AlgorithmID, job.Owner, string(job.Status),
			fmt.Sprintf("%d%%", job.Progress), job.SubmittedAt.Format(time.RFC3339))
	}
	table.Render()
	fmt.Printf("\n%d run(s)\n", list.Count)
	return nil
}
