package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"
)

var metricsPrefix string

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Scrape and summarize the optimizer's Prometheus metrics",
	Long: `Fetch /metrics from the optimizer and print the matching series.

Example:
  optctl metrics
  optctl metrics --prefix schedopt_jobs`,
	RunE: runMetrics,
}

func init() {
	rootCmd.AddCommand(metricsCmd)
	metricsCmd.Flags().StringVar(&metricsPrefix, "prefix", "schedopt_", "only show metric families with this prefix")
}

func runMetrics(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	families, err := c.Metrics(cmd.Context(), "/metrics")
	if err != nil {
		return err
	}

	names := make([]string, 0, len(families))
	for name := range families {
		if strings.HasPrefix(name, metricsPrefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	if IsJSONOutput() {
		out := make(map[string][]sample, len(names))
		for _, name := range names {
			out[name] = samples(families[name])
		}
		return printJSON(out)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Metric", "Labels", "Value")
	for _, name := range names {
		for _, s := range samples(families[name]) {
			table.Append(name, s.Labels, fmt.Sprintf("%g", s.Value))
		}
	}
	table.Render()
	return nil
}

type sample struct {
	Labels string  `json:"labels,omitempty"`
	Value  float64 `json:"value"`
}

// samples flattens a family. Histograms and summaries report their
// sample count and sum.
func samples(mf *dto.MetricFamily) []sample {
	var out []sample
	for _, m := range mf.GetMetric() {
		pairs := make([]string, 0, len(m.GetLabel()))
		for _, l := range m.GetLabel() {
			pairs = append(pairs, l.GetName()+"="+l.GetValue())
		}
		labels := strings.Join(pairs, ",")

		switch mf.GetType() {
		case dto.MetricType_COUNTER:
			out = append(out, sample{labels, m.GetCounter().GetValue()})
		case dto.MetricType_GAUGE:
			out = append(out, sample{labels, m.GetGauge().GetValue()})
		case dto.MetricType_HISTOGRAM:
			h := m.GetHistogram()
			out = append(out,
				sample{join(labels, "stat=count"), float64(h.GetSampleCount())},
				sample{join(labels, "stat=sum"), h.GetSampleSum()})
		case dto.MetricType_SUMMARY:
			s := m.GetSummary()
			out = append(out,
				sample{join(labels, "stat=count"), float64(s.GetSampleCount())},
				sample{join(labels, "stat=sum"), s.GetSampleSum()})
		default:
			out = append(out, sample{labels, m.GetUntyped().GetValue()})
		}
	}
	return out
}

func join(labels, extra string) string {
	if labels == "" {
		return extra
	}
	return labels + "," + extra
}
