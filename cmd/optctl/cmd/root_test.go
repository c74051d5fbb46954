package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/schedopt/pkg/models"
)

func useServer(t *testing.T, h http.Handler) {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	prevURL, prevToken := serverURL, token
	serverURL, token = ts.URL+"/", "test-token"
	t.Cleanup(func() { serverURL, token = prevURL, prevToken })
}

func TestNewClientUsesResolvedServer(t *testing.T) {
	useServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/schedules/optimize/opt_run_1", r.URL.Path)
		json.NewEncoder(w).Encode(models.Job{RunID: "opt_run_1", Status: models.JobStatusRunning, Progress: 40})
	}))

	c, err := newClient()
	require.NoError(t, err)
	job, err := c.Get(context.Background(), "opt_run_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.Equal(t, 40, job.Progress)
}

func TestNewClientRejectsMissingCA(t *testing.T) {
	prev := caCert
	caCert = "/nonexistent/ca.pem"
	t.Cleanup(func() { caCert = prev })

	_, err := newClient()
	assert.Error(t, err)
}

func TestWatchFailsOnFailedRun(t *testing.T) {
	useServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "retry: 3000\n\n")
		for i, st := range []models.JobStatus{models.JobStatusQueued, models.JobStatusRunning, models.JobStatusFailed} {
			ev := models.ProgressEvent{RunID: "opt_run_1", Seq: uint64(i + 1), Status: st}
			if st == models.JobStatusFailed {
				ev.Error = models.NewJobError(models.ErrCodeTimeout, "time limit exceeded")
			}
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, data)
		}
		fmt.Fprint(w, ": heartbeat\n\n")
	}))

	c, err := newClient()
	require.NoError(t, err)
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())

	err = watchRun(cmd, c, "opt_run_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
}

func TestSamplesFlattenFamilies(t *testing.T) {
	reg := prometheus.NewRegistry()
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "schedopt_jobs", Help: "h"}, []string{"status"})
	g.WithLabelValues("queued").Set(3)
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "schedopt_run_seconds", Help: "h"})
	h.Observe(2)
	reg.MustRegister(g, h)

	rec := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(strings.NewReader(rec.Body.String()))
	require.NoError(t, err)

	assert.Equal(t, []sample{{Labels: "status=queued", Value: 3}}, samples(families["schedopt_jobs"]))
	assert.Equal(t, []sample{{Labels: "stat=count", Value: 1}, {Labels: "stat=sum", Value: 2}},
		samples(families["schedopt_run_seconds"]))
}
