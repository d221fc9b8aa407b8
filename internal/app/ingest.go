package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"campuswatch/presence-server/internal/auth"
	"campuswatch/presence-server/internal/broadcast"
	"campuswatch/presence-server/internal/locations"
	"campuswatch/presence-server/internal/metrics"
	"campuswatch/presence-server/internal/model"
	"campuswatch/presence-server/internal/mqttbroker"
)

const (
	ingestTopic       = "campus/location"
	mirrorTopicPrefix = "campus/locations/"
	maxIngestBody     = 16 << 10
	mirrorBuffer      = 256
)

func (a *App) handleIngest(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	in, err := locations.ParseIngest(body)
	if err == nil {
		_, err = a.svc.Ingest(r.Context(), id, in)
	}
	if err != nil {
		var ve *locations.ValidationError
		if errors.As(err, &ve) {
			metrics.IngestRejectedTotal.WithLabelValues("http", "validation").Inc()
			a.recordIngestionError(r.Context(), id.ActorID, "http", body, err)
			writeError(w, http.StatusBadRequest, ve.Error())
			return
		}
		a.logger.Error("ingest failed", "user", id.ActorID, "error", err)
		writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}

	metrics.IngestTotal.WithLabelValues("http").Inc()
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
	}{OK: true})
}

func (a *App) authenticateMQTT(_ string, password string) (model.Identity, error) {
	id, err := a.verifier.Verify(password)
	if err != nil {
		metrics.IngestRejectedTotal.WithLabelValues("mqtt", "unauthorized").Inc()
		return model.Identity{}, fmt.Errorf("%w: %v", mqttbroker.ErrBadCredentials, err)
	}
	return id, nil
}

func isIngestTopic(topic string) bool {
	return topic == ingestTopic || strings.HasPrefix(topic, ingestTopic+"/")
}

func (a *App) handleMQTTPublish(ctx context.Context, msg mqttbroker.PublishMessage) {
	if !isIngestTopic(msg.Topic) {
		return
	}

	if msg.Identity.ActorID == "" {
		metrics.IngestRejectedTotal.WithLabelValues("mqtt", "unauthorized").Inc()
		a.recordIngestionError(ctx, "", "mqtt", msg.Payload, auth.ErrUnauthorized)
		return
	}

	in, err := locations.ParseIngest(msg.Payload)
	if err == nil {
		_, err = a.svc.Ingest(ctx, msg.Identity, in)
	}
	if err != nil {
		a.logger.Warn("mqtt location rejected", "topic", msg.Topic, "client", msg.ClientID, "user", msg.Identity.ActorID, "error", err)
		metrics.IngestRejectedTotal.WithLabelValues("mqtt", "validation").Inc()
		a.recordIngestionError(ctx, msg.Identity.ActorID, "mqtt", msg.Payload, err)
		return
	}

	metrics.IngestTotal.WithLabelValues("mqtt").Inc()
	a.logger.Debug("ingested mqtt location", "user", msg.Identity.ActorID, "client", msg.ClientID)
}

// startMirror republishes every location event to MQTT subscribers on
// campus/locations/<userId> until ctx is done.
func (a *App) startMirror(ctx context.Context) error {
	q := broadcast.NewQueue(mirrorBuffer)
	handle, err := a.hub.Subscribe(q)
	if err != nil {
		return fmt.Errorf("mqtt mirror subscribe: %w", err)
	}

	go func() {
		defer q.Close()
		defer a.hub.Unsubscribe(handle)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-q.Events():
				if ev.Kind != model.EventLocation {
					continue
				}
				payload, err := json.Marshal(ev.Record)
				if err != nil {
					a.logger.Error("mqtt mirror encode failed", "user", ev.Record.ActorID, "error", err)
					continue
				}
				if err := a.broker.Publish(mirrorTopicPrefix+ev.Record.ActorID, payload); err != nil {
					a.logger.Warn("mqtt mirror publish failed", "user", ev.Record.ActorID, "error", err)
				}
			}
		}
	}()
	return nil
}

func (a *App) recordIngestionError(ctx context.Context, actorID, source string, payload []byte, cause error) {
	if a.store == nil {
		return
	}

	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	entry := model.IngestionError{
		ActorID: actorID,
		Source:  source,
		Payload: truncateString(string(payload), 4096),
		Error:   cause.Error(),
	}

	if err := a.store.InsertIngestionError(recCtx, entry); err != nil {
		a.logger.Error("failed to persist ingestion error", "error", err)
	}
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
