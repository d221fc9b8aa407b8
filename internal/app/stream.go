package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"campuswatch/presence-server/internal/broadcast"
	"campuswatch/presence-server/internal/metrics"
	"campuswatch/presence-server/internal/model"
)

const defaultHeartbeat = 25 * time.Second

var errTooManyStreams = errors.New("too many open streams")

// streamWriter renders hub events for one transport. begin runs once the
// subscription is in place and commits the response; every other method
// sends its frame immediately.
type streamWriter interface {
	begin() error
	event(ev model.Event) error
	hello() error
	heartbeat(ts int64) error
}

// serveStream subscribes to the hub and copies events to out until ctx is
// done, a write fails or the subscriber falls too far behind. The snapshot
// always goes out before the greeting and any location event. An error
// means the stream never started and nothing was written to out.
func (a *App) serveStream(ctx context.Context, transport string, out streamWriter) error {
	if n := a.streams.Add(1); a.cfg.MaxStreams > 0 && n > int64(a.cfg.MaxStreams) {
		a.streams.Add(-1)
		return errTooManyStreams
	}
	defer a.streams.Add(-1)

	q := broadcast.NewQueue(a.cfg.StreamBuffer)
	defer q.Close()

	handle, err := a.hub.Subscribe(q)
	if err != nil {
		return fmt.Errorf("stream subscribe: %w", err)
	}
	defer a.hub.Unsubscribe(handle)

	metrics.StreamsActive.WithLabelValues(transport).Inc()
	defer metrics.StreamsActive.WithLabelValues(transport).Dec()

	if err := out.begin(); err != nil {
		return nil
	}
	if err := out.event(<-q.Events()); err != nil {
		return nil
	}
	if err := out.hello(); err != nil {
		return nil
	}

	interval := a.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.Overflowed():
			a.logger.Warn("stream subscriber lagging, closing", "transport", transport)
			return nil
		case ev := <-q.Events():
			if err := out.event(ev); err != nil {
				a.logger.Debug("stream write failed", "transport", transport, "error", err)
				return nil
			}
		case t := <-ticker.C:
			if err := out.heartbeat(t.UnixMilli()); err != nil {
				a.logger.Debug("stream heartbeat failed", "transport", transport, "error", err)
				return nil
			}
		}
	}
}

func (a *App) handleStream(w http.ResponseWriter, r *http.Request) {
	err := a.serveStream(r.Context(), "sse", &sseWriter{w: w, rc: http.NewResponseController(w)})
	if err != nil {
		a.logger.Warn("stream not started", "transport", "sse", "error", err)
		writeError(w, http.StatusServiceUnavailable, "stream unavailable")
	}
}

type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (s *sseWriter) begin() error {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	return s.rc.Flush()
}

func (s *sseWriter) event(ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseWriter) hello() error {
	if _, err := io.WriteString(s.w, "event: hello\ndata: connected\n\n"); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseWriter) heartbeat(ts int64) error {
	if _, err := fmt.Fprintf(s.w, "event: heartbeat\ndata: %d\n\n", ts); err != nil {
		return err
	}
	return s.rc.Flush()
}
