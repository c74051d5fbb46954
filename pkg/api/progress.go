package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/psantana5/schedopt/pkg/auth"
	"github.com/psantana5/schedopt/pkg/logging"
	"github.com/psantana5/schedopt/pkg/models"
)

// Progress streams a run's events as server-sent events. The first event
// is the current snapshot and the stream ends after a terminal event.
func (s *Server) Progress(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, CodeInternal, "Streaming unsupported", nil)
		return
	}

	sub, job, err := s.tracker.Watch(r.Context(), runID)
	if err != nil {
		s.jobError(w, runID, err)
		return
	}
	defer sub.Close()
	if !auth.PrincipalFrom(r.Context()).CanAccess(job.Owner) {
		s.forbidden(w, r)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "retry: 3000\n\n")
	flusher.Flush()

	log := s.logger.WithField("run_id", runID)
	log.Debug("Progress stream opened")
	for {
		ev, err := s.next(r.Context(), sub.Next)
		switch {
		case err == nil:
			if werr := writeEvent(w, ev); werr != nil {
				log.Debug("Progress stream write failed", logging.Fields{"error": werr.Error()})
				return
			}
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		case errors.Is(err, errHeartbeat):
			if _, werr := fmt.Fprint(w, ": heartbeat\n\n"); werr != nil {
				return
			}
			flusher.Flush()
		case errors.Is(err, io.EOF):
			return
		default:
			log.Debug("Progress stream closed", logging.Fields{"reason": err.Error()})
			return
		}
	}
}

var errHeartbeat = errors.New("heartbeat due")

// next waits for one event, giving up after the heartbeat interval so
// idle connections see traffic
func (s *Server) next(ctx context.Context, next func(context.Context) (models.ProgressEvent, error)) (models.ProgressEvent, error) {
	if s.cfg.Heartbeat <= 0 {
		return next(ctx)
	}
	wait, cancel := context.WithTimeout(ctx, s.cfg.Heartbeat)
	defer cancel()
	ev, err := next(wait)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return ev, errHeartbeat
	}
	return ev, err
}

func writeEvent(w io.Writer, ev models.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, data)
	return err
}
