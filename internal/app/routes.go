package app

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"campuswatch/presence-server/internal/auth"
	"campuswatch/presence-server/internal/locations"
	"campuswatch/presence-server/internal/model"
)

type response struct {
	OK   bool `json:"ok"`
	Data any  `json:"data"`
}

func (a *App) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/config", a.handleConfig)
	api.HandleFunc("GET /api/ingest/errors", a.handleIngestErrors)
	api.HandleFunc("GET /api/v1/location", a.handleList)
	api.HandleFunc("POST /api/v1/location", a.handleIngest)
	api.HandleFunc("GET /api/v1/location/near", a.handleNear)
	api.HandleFunc("GET /api/v1/location/stream", a.handleStream)
	api.HandleFunc("GET /api/v1/location/ws", a.handleWebSocket)
	api.HandleFunc("GET /api/v1/location/campus", a.handleCampus)
	api.HandleFunc("GET /api/v1/location/geofence", a.handleGeofence)
	api.HandleFunc("GET /api/v1/location/{userId}", a.handleGet)
	// The path id is ignored; the token decides whose location this is.
	api.HandleFunc("POST /api/v1/location/{userId}", a.handleIngest)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /readyz", a.handleReadyz)
	mux.Handle("/api/", auth.Middleware(a.verifier, api))

	return accessLog(a.logger, cors(a.cfg.CORSOrigins, mux))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, response{OK: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}{OK: false, Error: msg})
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || a.hub == nil || (a.cfg.MQTTBindAddress != "" && a.broker == nil) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"degraded"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleConfig(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	persisted, err := a.store.AppConfig(ctx)
	if err != nil {
		a.logger.Error("failed to load app config", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load config")
		return
	}

	// Secrets are never echoed.
	active := map[string]any{
		"http_port":          a.cfg.HTTPPort,
		"mqtt_bind":          a.cfg.MQTTBindAddress,
		"metrics_port":       a.cfg.MetricsPort,
		"database_path":      a.cfg.DatabasePath,
		"log_level":          a.cfg.LogLevel,
		"heartbeat_interval": a.cfg.HeartbeatInterval.String(),
		"stale_after":        a.cfg.StaleAfter.String(),
		"stream_buffer":      a.cfg.StreamBuffer,
		"max_streams":        a.cfg.MaxStreams,
		"relay":              a.cfg.Relay,
		"relay_channel":      a.cfg.RelayChannel,
		"cors_origins":       a.cfg.CORSOrigins,
		"mdns":               a.cfg.MDNS,
	}

	writeData(w, struct {
		Active    map[string]any    `json:"active"`
		Persisted map[string]string `json:"persisted"`
	}{
		Active:    active,
		Persisted: persisted,
	})
}

func (a *App) handleIngestErrors(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			if parsed > 0 && parsed <= 500 {
				limit = parsed
			}
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	entries, err := a.store.RecentIngestionErrors(ctx, limit)
	if err != nil {
		a.logger.Error("failed to load ingestion errors", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load ingestion errors")
		return
	}
	if entries == nil {
		entries = []model.IngestionError{}
	}
	writeData(w, entries)
}

func (a *App) handleList(w http.ResponseWriter, r *http.Request) {
	writeData(w, a.svc.List(r.URL.Query().Get("role")))
}

func (a *App) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.svc.Get(r.PathValue("userId"))
	if !ok {
		writeData(w, nil)
		return
	}
	writeData(w, rec)
}

func (a *App) handleNear(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	nearby, err := a.svc.Near(queryFloat(q.Get("lat")), queryFloat(q.Get("lng")), queryFloat(q.Get("radius")), q.Get("role"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeData(w, nearby)
}

func (a *App) handleCampus(w http.ResponseWriter, r *http.Request) {
	writeData(w, a.svc.Campus())
}

func (a *App) handleGeofence(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c, err := a.svc.Geofence(queryFloat(q.Get("lat")), queryFloat(q.Get("lng")))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeData(w, c)
}

func (a *App) writeServiceError(w http.ResponseWriter, err error) {
	var ve *locations.ValidationError
	if errors.As(err, &ve) {
		writeError(w, http.StatusBadRequest, ve.Error())
		return
	}
	a.logger.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// queryFloat parses a numeric query value. Missing or malformed values come
// back as NaN so the service applies its own defaults and validation.
func queryFloat(v string) float64 {
	v = strings.TrimSpace(v)
	if v == "" {
		return math.NaN()
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}
