// Package artifacts persists completed optimization results outside the
// job store, either on local disk or in an S3 compatible bucket.
package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/psantana5/schedopt/pkg/logging"
	"github.com/psantana5/schedopt/pkg/models"
	"github.com/psantana5/schedopt/pkg/retry"
)

// Sink stores one object and returns a URI for it
type Sink interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// Config selects and configures a sink
type Config struct {
	Type      string `mapstructure:"type"` // "none", "file" or "s3"
	Dir       string `mapstructure:"dir"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// NewSink builds the sink named by cfg.Type. "none" returns nil.
func NewSink(ctx context.Context, cfg Config) (Sink, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "file":
		return NewFileSink(cfg.Dir)
	case "s3":
		return NewS3Sink(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported artifact sink: %s", cfg.Type)
	}
}

// FileSink writes artifacts below a directory
type FileSink struct {
	dir string
}

// NewFileSink creates dir if needed
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		dir = "./artifacts"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
	}
	return &FileSink{dir: dir}, nil
}

// Put writes data atomically through a temp file and rename
func (s *FileSink) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, filepath.FromSlash(key))
	if !strings.HasPrefix(path, filepath.Clean(s.dir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + filepath.ToSlash(abs), nil
}

// Document is the JSON written for every completed run
type Document struct {
	RunID       string                     `json:"runId"`
	AlgorithmID string                     `json:"algorithmId"`
	ProfileID   string                     `json:"profileId,omitempty"`
	InputHash   string                     `json:"inputHash"`
	Owner       string                     `json:"owner,omitempty"`
	SubmittedAt time.Time                  `json:"submittedAt"`
	StartedAt   *time.Time                 `json:"startedAt,omitempty"`
	WrittenAt   time.Time                  `json:"writtenAt"`
	Result      *models.OptimizationResult `json:"result"`
}

// Writer renders results and hands them to a sink with retries
type Writer struct {
	sink   Sink
	retry  retry.Config
	logger *logging.Logger
}

// NewWriter creates a writer. A nil sink makes Write a no-op.
func NewWriter(sink Sink, cfg retry.Config, logger *logging.Logger) *Writer {
	return &Writer{sink: sink, retry: cfg, logger: logger.WithField("component", "artifacts")}
}

// Enabled reports whether results are exported
func (w *Writer) Enabled() bool {
	return w != nil && w.sink != nil
}

// Key is the object key used for a run
func Key(runID string) string {
	return runID + "/result.json"
}

// Write exports the result of job and returns its URI
func (w *Writer) Write(ctx context.Context, job *models.Job, result *models.OptimizationResult) (string, error) {
	if !w.Enabled() {
		return "", nil
	}
	data, err := json.MarshalIndent(Document{
		RunID:       job.RunID,
		AlgorithmID: job.AlgorithmID,
		ProfileID:   job.ProfileID,
		InputHash:   job.InputHash,
		Owner:       job.Owner,
		SubmittedAt: job.SubmittedAt,
		StartedAt:   job.StartedAt,
		WrittenAt:   time.Now().UTC(),
		Result:      result,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}

	var uri string
	err = retry.Do(ctx, w.retry, func(ctx context.Context) error {
		var putErr error
		uri, putErr = w.sink.Put(ctx, Key(job.RunID), data)
		if putErr != nil {
			w.logger.Warn("Artifact upload attempt failed", logging.Fields{"run_id": job.RunID, "error": putErr})
		}
		return putErr
	})
	if err != nil {
		return "", fmt.Errorf("failed to export result: %w", err)
	}
	w.logger.Debug("Result exported", logging.Fields{"run_id": job.RunID, "uri": uri, "bytes": len(data)})
	return uri, nil
}
