package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psantana5/schedopt/pkg/models"
	"github.com/psantana5/schedopt/pkg/store"
)

const namespace = "schedopt"

// Metrics owns the service's Prometheus registry
type Metrics struct {
	registry *prometheus.Registry

	submissions   *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	queueWait     prometheus.Histogram
	subscribers   prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	responseBytes *prometheus.HistogramVec
}

// New creates a registry with the Go and process collectors attached
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Optimization requests accepted, by algorithm",
		}, []string{"algorithm"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Requests refused before a job was created, by error code",
		}, []string{"code"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Job status changes",
		}, []string{"from", "to"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from start to terminal state",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"algorithm", "status"}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_queue_wait_seconds",
			Help:      "Time jobs spend queued before a worker picks them up",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_subscribers",
			Help:      "Open progress streams",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		responseBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response sizes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.submissions, m.rejections, m.transitions, m.jobDuration, m.queueWait,
		m.subscribers, m.httpRequests, m.httpDuration, m.responseBytes,
	)
	return m
}

// Registry exposes the registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Rejected counts an admission failure
func (m *Metrics) Rejected(code string) {
	m.rejections.WithLabelValues(code).Inc()
}

// ObserveTransition is a jobs.TransitionFunc
func (m *Metrics) ObserveTransition(job *models.Job, from models.JobStatus) {
	to := job.Status
	if from == "" {
		m.submissions.WithLabelValues(job.AlgorithmID).Inc()
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()

	if to == models.JobStatusRunning && job.StartedAt != nil {
		m.queueWait.Observe(job.StartedAt.Sub(job.SubmittedAt).Seconds())
	}
	if models.IsTerminalState(to) && job.StartedAt != nil && job.CompletedAt != nil {
		m.jobDuration.WithLabelValues(job.AlgorithmID, string(to)).
			Observe(job.CompletedAt.Sub(*job.StartedAt).Seconds())
	}
}

// SetSubscribers matches broadcast.Broker.OnChange
func (m *Metrics) SetSubscribers(total int) {
	m.subscribers.Set(float64(total))
}

// PoolStats is implemented by the executor
type PoolStats interface {
	QueueDepth() int
	Running() int
	Workers() int
}

// RegisterPool exports live worker pool gauges
func (m *Metrics) RegisterPool(p PoolStats) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "executor_queue_depth", Help: "Jobs waiting for a worker",
		}, func() float64 { return float64(p.QueueDepth()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "executor_running", Help: "Jobs currently executing",
		}, func() float64 { return float64(p.Running()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "executor_workers", Help: "Configured worker count",
		}, func() float64 { return float64(p.Workers()) }),
	)
}

// RegisterStore exports job counts read from the store at scrape time
func (m *Metrics) RegisterStore(s store.Store) {
	m.registry.MustRegister(&storeCollector{
		store: s,
		jobs: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "jobs"),
			"Stored jobs by status", []string{"status"}, nil),
		byAlgorithm: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "jobs_by_algorithm"),
			"Stored jobs by algorithm", []string{"algorithm"}, nil),
		up: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "store_up"),
			"Whether the last store query succeeded", nil, nil),
	})
}

type storeCollector struct {
	store       store.Store
	jobs        *prometheus.Desc
	byAlgorithm *prometheus.Desc
	up          *prometheus.Desc
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.byAlgorithm
	ch <- c.up
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	jm, err := c.store.GetJobMetrics(ctx)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	// every status is exported so absent series read as zero
	for _, st := range []models.JobStatus{
		models.JobStatusQueued, models.JobStatusRunning, models.JobStatusCompleted,
		models.JobStatusFailed, models.JobStatusCancelled,
	} {
		ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(jm.JobsByState[st]), string(st))
	}
	for alg, n := range jm.JobsByAlgorithm {
		ch <- prometheus.MustNewConstMetric(c.byAlgorithm, prometheus.GaugeValue, float64(n), alg)
	}
}

// Middleware records request counts, latency and response sizes. Routes
// are labelled by their mux template so run IDs do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		begin := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(begin).Seconds())
		m.responseBytes.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
	})
}

type responseWriter struct {
	http.ResponseWriter
	bytesWritten int
	statusCode   int
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

// Flush keeps progress streams working through the wrapper
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }
