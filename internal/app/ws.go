package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"campuswatch/presence-server/internal/model"
)

const wsWriteWait = 10 * time.Second

func (a *App) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	origins := newOriginSet(a.cfg.CORSOrigins)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || origins.allows(origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		a.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Clients never send anything we act on; reading only surfaces the
	// close frame or a dead connection.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	code := websocket.CloseGoingAway
	if err := a.serveStream(ctx, "ws", wsWriter{conn: conn}); err != nil {
		a.logger.Warn("stream not started", "transport", "ws", "error", err)
		code = websocket.CloseTryAgainLater
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(time.Second))
}

type wsWriter struct {
	conn *websocket.Conn
}

type wsFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func (w wsWriter) send(v any) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return w.conn.WriteJSON(v)
}

func (w wsWriter) begin() error { return nil }

func (w wsWriter) event(ev model.Event) error { return w.send(ev) }

func (w wsWriter) hello() error { return w.send(wsFrame{Type: "hello", Data: "connected"}) }

func (w wsWriter) heartbeat(ts int64) error {
	return w.send(wsFrame{Type: "heartbeat", Data: ts})
}
