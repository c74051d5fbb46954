package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/schedopt/pkg/logging"
	"github.com/psantana5/schedopt/pkg/models"
	"github.com/psantana5/schedopt/pkg/retry"
)

func testJob() *models.Job {
	return &models.Job{
		RunID:       "opt_run_test",
		AlgorithmID: "forward-scheduling",
		InputHash:   "abcdef0123456789",
		SubmittedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}
}

func TestFileSinkWrite(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)

	w := NewWriter(sink, fastRetry(), logging.Discard())
	require.True(t, w.Enabled())

	res := &models.OptimizationResult{VersionID: "v_1", Warnings: []string{}}
	uri, err := w.Write(context.Background(), testJob(), res)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "file://"))

	data, err := os.ReadFile(strings.TrimPrefix(uri, "file://"))
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "opt_run_test", doc.RunID)
	assert.Equal(t, "v_1", doc.Result.VersionID)
}

func TestFileSinkRejectsEscapingKeys(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)
	_, err = sink.Put(context.Background(), "../outside.json", []byte("{}"))
	assert.Error(t, err)
}

type flakySink struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (s *flakySink) Put(ctx context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.fails {
		return "", errors.New("connection reset")
	}
	return "mem://" + key, nil
}

func TestWriterRetries(t *testing.T) {
	sink := &flakySink{fails: 2}
	w := NewWriter(sink, fastRetry(), logging.Discard())
	uri, err := w.Write(context.Background(), testJob(), &models.OptimizationResult{})
	require.NoError(t, err)
	assert.Equal(t, "mem://opt_run_test/result.json", uri)
	assert.Equal(t, 3, sink.calls)

	sink = &flakySink{fails: 10}
	w = NewWriter(sink, fastRetry(), logging.Discard())
	_, err = w.Write(context.Background(), testJob(), &models.OptimizationResult{})
	assert.Error(t, err)
}

func TestDisabledWriter(t *testing.T) {
	sink, err := NewSink(context.Background(), Config{Type: "none"})
	require.NoError(t, err)
	assert.Nil(t, sink)

	w := NewWriter(nil, fastRetry(), logging.Discard())
	assert.False(t, w.Enabled())
	uri, err := w.Write(context.Background(), testJob(), &models.OptimizationResult{})
	assert.NoError(t, err)
	assert.Empty(t, uri)

	_, err = NewSink(context.Background(), Config{Type: "gcs"})
	assert.Error(t, err)
}

func TestS3SinkPutsObject(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		method, path = r.Method, r.URL.Path
		mu.Unlock()
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewS3Sink(context.Background(), Config{
		Bucket: "results", Prefix: "runs", Region: "us-east-1",
		Endpoint: srv.URL, AccessKey: "minio", SecretKey: "minio123",
	})
	require.NoError(t, err)

	uri, err := sink.Put(context.Background(), Key("opt_run_1"), []byte(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, "s3://results/runs/opt_run_1/result.json", uri)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/results/runs/opt_run_1/result.json", path)
}

func TestS3SinkRequiresBucket(t *testing.T) {
	_, err := NewS3Sink(context.Background(), Config{Region: "us-east-1"})
	assert.Error(t, err)
}
