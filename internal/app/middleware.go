package app

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"campuswatch/presence-server/internal/metrics"
)

// statusWriter records the status code and byte count of a response. It
// keeps Flush and Hijack reachable for the streaming handlers.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// accessLog logs every request at debug level. Long-lived streams are left
// out of the latency histogram.
func accessLog(l *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		dur := time.Since(start)
		l.Debug("http_access",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"bytes", sw.bytes,
			"duration_ms", dur.Milliseconds(),
			"ip", r.RemoteAddr,
		)
		if !isStreamPath(r.URL.Path) {
			metrics.HTTPDurationMs.WithLabelValues(r.Method, strconv.Itoa(sw.status)).Observe(float64(dur.Microseconds()) / 1000)
		}
	})
}

func isStreamPath(p string) bool {
	return p == "/api/v1/location/stream" || p == "/api/v1/location/ws"
}

const (
	corsAllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsAllowHeaders = "Content-Type, Authorization"
	corsMaxAge       = "600"
)

// cors applies the origin allowlist. Requests without an Origin header get a
// wildcard; listed origins are echoed back; anything else gets no CORS
// headers and is left to the browser to block. "*" in the list allows every
// origin.
func cors(allowlist []string, next http.Handler) http.Handler {
	allowed := newOriginSet(allowlist)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		h := w.Header()
		allow := ""
		switch {
		case origin == "":
			allow = "*"
		case allowed.allows(origin):
			allow = origin
			h.Add("Vary", "Origin")
		}

		if allow != "" {
			h.Set("Access-Control-Allow-Origin", allow)
			h.Set("Access-Control-Expose-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if allow != "" {
				h.Set("Access-Control-Allow-Methods", corsAllowMethods)
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Max-Age", corsMaxAge)
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type originSet map[string]struct{}

func newOriginSet(list []string) originSet {
	s := make(originSet, len(list))
	for _, o := range list {
		s[strings.TrimRight(o, "/")] = struct{}{}
	}
	return s
}

func (s originSet) allows(origin string) bool {
	if _, ok := s["*"]; ok {
		return true
	}
	_, ok := s[strings.TrimRight(origin, "/")]
	return ok
}
