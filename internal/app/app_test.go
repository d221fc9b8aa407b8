package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"

	"campuswatch/presence-server/internal/auth"
	"campuswatch/presence-server/internal/broadcast"
	"campuswatch/presence-server/internal/config"
	"campuswatch/presence-server/internal/geo"
	"campuswatch/presence-server/internal/locations"
	"campuswatch/presence-server/internal/model"
	"campuswatch/presence-server/internal/mqttbroker"
	"campuswatch/presence-server/internal/presence"
	"campuswatch/presence-server/internal/store"
)

const allowedOrigin = "http://localhost:3000"

var (
	student = model.Identity{ActorID: "u1", DisplayName: "Asha", Role: model.RoleStudent}
	driver  = model.Identity{ActorID: "d1", DisplayName: "Bus 4", Role: model.RoleDriver}
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := store.Open(filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	fence, err := geo.NewFence(geo.DefaultCampus())
	if err != nil {
		t.Fatalf("fence: %v", err)
	}

	ps := presence.New()
	hub := broadcast.New(ps, logger)
	return &App{
		cfg: config.Config{
			HTTPPort:          4000,
			HeartbeatInterval: time.Hour,
			StreamBuffer:      16,
			CORSOrigins:       []string{allowedOrigin},
		},
		logger:   logger,
		store:    db,
		presence: ps,
		hub:      hub,
		svc:      locations.NewService(ps, hub, fence),
		verifier: auth.NewVerifier([]byte("test-secret")),
	}
}

// startServer serves the app's routes. Open streams are cancelled before
// the server closes.
func startServer(t *testing.T, a *App) *httptest.Server {
	t.Helper()
	srv := httptest.NewUnstartedServer(a.routes())
	ctx, cancel := context.WithCancel(context.Background())
	srv.Config.BaseContext = func(net.Listener) context.Context { return ctx }
	srv.Start()
	t.Cleanup(srv.Close)
	t.Cleanup(cancel)
	return srv
}

func tokenFor(t *testing.T, a *App, id model.Identity) string {
	t.Helper()
	token, err := a.verifier.Issue(id, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func do(t *testing.T, a *App, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	a.routes().ServeHTTP(rr, req)
	return rr
}

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return env
}

func TestHealthz(t *testing.T) {
	a := newTestApp(t)
	rr := do(t, a, http.MethodGet, "/healthz", "", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Fatalf("healthz = %d %q", rr.Code, rr.Body.String())
	}
	rr = do(t, a, http.MethodGet, "/readyz", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz = %d %q", rr.Code, rr.Body.String())
	}
}

func TestAPIRequiresToken(t *testing.T) {
	a := newTestApp(t)
	for _, target := range []string{"/api/v1/location", "/api/v1/location/u1", "/api/config"} {
		rr := do(t, a, http.MethodGet, target, "", "")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s status = %d", target, rr.Code)
		}
		if strings.TrimSpace(rr.Body.String()) != "Unauthorized" {
			t.Fatalf("%s body = %q", target, rr.Body.String())
		}
	}
	rr := do(t, a, http.MethodPost, "/api/v1/location", "", `{"lat":31.7,"lng":76.5}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("ingest status = %d", rr.Code)
	}
	if a.presence.Len() != 0 {
		t.Fatal("unauthenticated ingest changed presence")
	}
}

func TestIngestThenGet(t *testing.T) {
	a := newTestApp(t)
	token := tokenFor(t, a, student)

	rr := do(t, a, http.MethodPost, "/api/v1/location", token, `{"lat":31.7085,"lng":76.5262,"speed":1.5,"userId":"spoofed"}`)
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != `{"ok":true}` {
		t.Fatalf("ingest = %d %q", rr.Code, rr.Body.String())
	}

	env := decode(t, do(t, a, http.MethodGet, "/api/v1/location/u1", token, ""))
	var rec model.LocationRecord
	if err := json.Unmarshal(env.Data, &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.ActorID != "u1" || rec.DisplayName != "Asha" || rec.Role != model.RoleStudent {
		t.Fatalf("record identity = %+v", rec)
	}
	if rec.Speed == nil || *rec.Speed != 1.5 || rec.Heading != nil {
		t.Fatalf("optional fields = %+v", rec)
	}

	env = decode(t, do(t, a, http.MethodGet, "/api/v1/location/spoofed", token, ""))
	if !env.OK || string(env.Data) != "null" {
		t.Fatalf("absent lookup = %+v", env)
	}
}

func TestIngestPathIDIsIgnored(t *testing.T) {
	a := newTestApp(t)
	token := tokenFor(t, a, student)
	rr := do(t, a, http.MethodPost, "/api/v1/location/someone-else", token, `{"lat":31.7085,"lng":76.5262}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if _, ok := a.presence.Get("someone-else"); ok {
		t.Fatal("path id was used as identity")
	}
	if _, ok := a.presence.Get("u1"); !ok {
		t.Fatal("token identity not stored")
	}
}

func TestIngestValidationIsAudited(t *testing.T) {
	a := newTestApp(t)
	token := tokenFor(t, a, student)

	cases := []string{`{"lat":"31.7","lng":76.5}`, `{"lng":76.5}`, `not json`}
	for _, body := range cases {
		rr := do(t, a, http.MethodPost, "/api/v1/location", token, body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", body, rr.Code)
		}
		env := decode(t, rr)
		if env.OK || env.Error != "lat/lng required" {
			t.Fatalf("%s: body = %q", body, rr.Body.String())
		}
	}
	if a.presence.Len() != 0 {
		t.Fatal("rejected ingest changed presence")
	}

	env := decode(t, do(t, a, http.MethodGet, "/api/ingest/errors?limit=10", token, ""))
	var entries []model.IngestionError
	if err := json.Unmarshal(env.Data, &entries); err != nil {
		t.Fatalf("decode errors: %v", err)
	}
	if len(entries) != len(cases) {
		t.Fatalf("audited %d entries, want %d", len(entries), len(cases))
	}
	if entries[0].Source != "http" || entries[0].ActorID != "u1" || entries[0].Payload != "not json" {
		t.Fatalf("newest entry = %+v", entries[0])
	}
}

func TestListFiltersByRole(t *testing.T) {
	a := newTestApp(t)
	do(t, a, http.MethodPost, "/api/v1/location", tokenFor(t, a, student), `{"lat":31.7085,"lng":76.5262}`)
	do(t, a, http.MethodPost, "/api/v1/location", tokenFor(t, a, driver), `{"lat":31.7090,"lng":76.5265}`)

	token := tokenFor(t, a, student)
	env := decode(t, do(t, a, http.MethodGet, "/api/v1/location?role=DRIVER", token, ""))
	var recs []model.LocationRecord
	if err := json.Unmarshal(env.Data, &recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 1 || recs[0].ActorID != "d1" {
		t.Fatalf("drivers = %+v", recs)
	}

	env = decode(t, do(t, a, http.MethodGet, "/api/v1/location", token, ""))
	if err := json.Unmarshal(env.Data, &recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("all = %+v", recs)
	}
}

func TestNearEndpoint(t *testing.T) {
	a := newTestApp(t)
	token := tokenFor(t, a, student)

	rr := do(t, a, http.MethodGet, "/api/v1/location/near?lng=76.5", token, "")
	if rr.Code != http.StatusBadRequest || decode(t, rr).Error != "lat and lng required" {
		t.Fatalf("missing lat = %d %q", rr.Code, rr.Body.String())
	}

	do(t, a, http.MethodPost, "/api/v1/location", token, `{"lat":31.7085,"lng":76.5262}`)
	env := decode(t, do(t, a, http.MethodGet, "/api/v1/location/near?lat=31.7085&lng=76.5262&radius=abc", token, ""))
	var near []model.NearbyRecord
	if err := json.Unmarshal(env.Data, &near); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(near) != 1 || near[0].ActorID != "u1" || near[0].Distance > 0.001 {
		t.Fatalf("near = %+v", near)
	}

	env = decode(t, do(t, a, http.MethodGet, "/api/v1/location/near?lat=31.7085&lng=76.5262&role=guard", token, ""))
	if string(env.Data) != "[]" {
		t.Fatalf("guards near = %s", env.Data)
	}
}

func TestCampusAndGeofence(t *testing.T) {
	a := newTestApp(t)
	token := tokenFor(t, a, student)

	env := decode(t, do(t, a, http.MethodGet, "/api/v1/location/campus", token, ""))
	var poly geo.Polygon
	if err := json.Unmarshal(env.Data, &poly); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(poly) != len(geo.DefaultCampus()) {
		t.Fatalf("campus has %d vertices", len(poly))
	}

	env = decode(t, do(t, a, http.MethodGet, "/api/v1/location/geofence?lat=31.69&lng=76.52", token, ""))
	var c geo.Classification
	if err := json.Unmarshal(env.Data, &c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.Inside || c.Snapped == (geo.Point{Lat: 31.69, Lng: 76.52}) {
		t.Fatalf("geofence = %+v", c)
	}

	rr := do(t, a, http.MethodGet, "/api/v1/location/geofence?lat=x", token, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad geofence query = %d", rr.Code)
	}
}

func TestConfigHidesSecrets(t *testing.T) {
	a := newTestApp(t)
	a.cfg.JWTSecret = "super-secret"
	rr := do(t, a, http.MethodGet, "/api/config", tokenFor(t, a, student), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "super-secret") {
		t.Fatal("config response leaks the signing secret")
	}
}

func TestCORS(t *testing.T) {
	a := newTestApp(t)
	h := a.routes()

	cases := []struct {
		name   string
		origin string
		want   string
	}{
		{"allowed", allowedOrigin, allowedOrigin},
		{"foreign", "http://evil.example", ""},
		{"no origin", "", "*"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/api/v1/location", nil)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != http.StatusNoContent {
				t.Fatalf("preflight status = %d", rr.Code)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tc.want {
				t.Fatalf("Allow-Origin = %q, want %q", got, tc.want)
			}
			if tc.want != "" && rr.Header().Get("Access-Control-Max-Age") != "600" {
				t.Fatalf("Max-Age = %q", rr.Header().Get("Access-Control-Max-Age"))
			}
		})
	}
}

func readSSEFrame(t *testing.T, r *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if data != "" || event != "" {
				return event, data
			}
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

// requestStream issues a stream request that stays open until cancel is
// called or the test ends.
func requestStream(t *testing.T, srv *httptest.Server, token string) (*http.Response, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/location/stream?token="+token, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp, cancel
}

func openStream(t *testing.T, srv *httptest.Server, token string) *bufio.Reader {
	t.Helper()
	r, _ := openCancelableStream(t, srv, token)
	return r
}

func openCancelableStream(t *testing.T, srv *httptest.Server, token string) (*bufio.Reader, context.CancelFunc) {
	t.Helper()
	resp, cancel := requestStream(t, srv, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	return bufio.NewReader(resp.Body), func() {
		cancel()
		_ = resp.Body.Close()
	}
}

func waitForSubscribers(t *testing.T, a *App, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for a.hub.Len() != want {
		if time.Now().After(deadline) {
			t.Fatalf("hub subscribers = %d, want %d", a.hub.Len(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamSnapshotIncludesEarlierReport(t *testing.T) {
	a := newTestApp(t)
	srv := startServer(t, a)
	token := tokenFor(t, a, student)

	do(t, a, http.MethodPost, "/api/v1/location", token, `{"lat":31.7085,"lng":76.5262}`)

	stream := openStream(t, srv, token)
	_, data := readSSEFrame(t, stream)
	var snap struct {
		Type string                 `json:"type"`
		Data []model.LocationRecord `json:"data"`
	}
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		t.Fatalf("decode snapshot %q: %v", data, err)
	}
	if snap.Type != "snapshot" || len(snap.Data) != 1 || snap.Data[0].ActorID != "u1" {
		t.Fatalf("snapshot = %+v", snap)
	}

	if event, data := readSSEFrame(t, stream); event != "hello" || data != "connected" {
		t.Fatalf("greeting = %q %q", event, data)
	}
}

func TestStreamReceivesLaterReport(t *testing.T) {
	a := newTestApp(t)
	srv := startServer(t, a)
	token := tokenFor(t, a, student)

	stream := openStream(t, srv, token)
	if _, data := readSSEFrame(t, stream); data != `{"type":"snapshot","data":[]}` {
		t.Fatalf("snapshot = %q", data)
	}
	if event, _ := readSSEFrame(t, stream); event != "hello" {
		t.Fatalf("greeting = %q", event)
	}

	do(t, a, http.MethodPost, "/api/v1/location", tokenFor(t, a, driver), `{"lat":31.709,"lng":76.5265}`)

	_, data := readSSEFrame(t, stream)
	var ev struct {
		Type string               `json:"type"`
		Data model.LocationRecord `json:"data"`
	}
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	if ev.Type != "location" || ev.Data.ActorID != "d1" || ev.Data.Role != model.RoleDriver {
		t.Fatalf("event = %+v", ev)
	}
}

func TestStreamHeartbeat(t *testing.T) {
	a := newTestApp(t)
	a.cfg.HeartbeatInterval = 20 * time.Millisecond
	srv := startServer(t, a)

	stream := openStream(t, srv, tokenFor(t, a, student))
	readSSEFrame(t, stream)
	readSSEFrame(t, stream)
	event, data := readSSEFrame(t, stream)
	if event != "heartbeat" || data == "" {
		t.Fatalf("heartbeat = %q %q", event, data)
	}
}

func TestStreamDisconnectUnsubscribes(t *testing.T) {
	a := newTestApp(t)
	srv := startServer(t, a)
	token := tokenFor(t, a, student)

	for i := 0; i < 5; i++ {
		stream, closeStream := openCancelableStream(t, srv, token)
		readSSEFrame(t, stream)
		if event, _ := readSSEFrame(t, stream); event != "hello" {
			t.Fatalf("cycle %d: greeting = %q", i, event)
		}
		if n := a.hub.Len(); n != 1 {
			t.Fatalf("cycle %d: hub subscribers = %d, want 1", i, n)
		}
		closeStream()
		waitForSubscribers(t, a, 0)
	}
	if n := a.streams.Load(); n != 0 {
		t.Fatalf("open stream count = %d after disconnects", n)
	}
}

func TestStreamLimitRefusesBeforeHeaders(t *testing.T) {
	a := newTestApp(t)
	a.cfg.MaxStreams = 1
	srv := startServer(t, a)
	token := tokenFor(t, a, student)

	stream := openStream(t, srv, token)
	readSSEFrame(t, stream)

	resp, _ := requestStream(t, srv, token)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("second stream status = %d, want 503", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("refused stream Content-Type = %q", ct)
	}
	var body envelope
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.OK || body.Error == "" {
		t.Fatalf("refused stream body = %+v, %v", body, err)
	}
	if n := a.hub.Len(); n != 1 {
		t.Fatalf("hub subscribers = %d, want 1", n)
	}
}

func TestWebSocketStream(t *testing.T) {
	a := newTestApp(t)
	srv := startServer(t, a)
	token := tokenFor(t, a, student)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/location/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v (resp %v)", err, resp)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var frame struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := conn.ReadJSON(&frame); err != nil || frame.Type != "snapshot" || string(frame.Data) != "[]" {
		t.Fatalf("snapshot = %+v, %v", frame, err)
	}
	if err := conn.ReadJSON(&frame); err != nil || frame.Type != "hello" || string(frame.Data) != `"connected"` {
		t.Fatalf("hello = %+v, %v", frame, err)
	}

	do(t, a, http.MethodPost, "/api/v1/location", token, `{"lat":31.7085,"lng":76.5262}`)
	if err := conn.ReadJSON(&frame); err != nil || frame.Type != "location" {
		t.Fatalf("location = %+v, %v", frame, err)
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	a := newTestApp(t)
	srv := startServer(t, a)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/location/ws?token=" + tokenFor(t, a, student)
	header := http.Header{"Origin": []string{"http://evil.example"}}
	if conn, _, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		conn.Close()
		t.Fatal("foreign origin upgraded")
	}
}

func dialStream(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/location/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v (resp %v)", err, resp)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestWebSocketDisconnectUnsubscribes(t *testing.T) {
	a := newTestApp(t)
	srv := startServer(t, a)
	token := tokenFor(t, a, student)

	for i := 0; i < 3; i++ {
		conn := dialStream(t, srv, token)
		var frame struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&frame); err != nil || frame.Type != "snapshot" {
			t.Fatalf("cycle %d: snapshot = %+v, %v", i, frame, err)
		}
		if err := conn.ReadJSON(&frame); err != nil || frame.Type != "hello" {
			t.Fatalf("cycle %d: hello = %+v, %v", i, frame, err)
		}
		if n := a.hub.Len(); n != 1 {
			t.Fatalf("cycle %d: hub subscribers = %d, want 1", i, n)
		}
		// Drop the TCP connection without a close handshake.
		_ = conn.UnderlyingConn().Close()
		waitForSubscribers(t, a, 0)
	}
}

func TestWebSocketStreamLimit(t *testing.T) {
	a := newTestApp(t)
	a.cfg.MaxStreams = 1
	srv := startServer(t, a)
	token := tokenFor(t, a, student)

	first := dialStream(t, srv, token)
	defer first.Close()
	var frame struct {
		Type string `json:"type"`
	}
	if err := first.ReadJSON(&frame); err != nil || frame.Type != "snapshot" {
		t.Fatalf("snapshot = %+v, %v", frame, err)
	}

	second := dialStream(t, srv, token)
	defer second.Close()
	err := second.ReadJSON(&frame)
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("over-limit stream error = %v", err)
	}
}

func TestAuthenticateMQTT(t *testing.T) {
	a := newTestApp(t)
	id, err := a.authenticateMQTT("ignored", tokenFor(t, a, driver))
	if err != nil || id != driver {
		t.Fatalf("authenticate = %+v, %v", id, err)
	}
	if _, err := a.authenticateMQTT("d1", "forged"); !errors.Is(err, mqttbroker.ErrBadCredentials) {
		t.Fatalf("forged token error = %v", err)
	}
}

func TestHandleMQTTPublish(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	a.handleMQTTPublish(ctx, mqttbroker.PublishMessage{Topic: "campus/other", Payload: []byte(`{"lat":31.7,"lng":76.5}`), Identity: driver})
	if a.presence.Len() != 0 {
		t.Fatal("unrelated topic was ingested")
	}

	a.handleMQTTPublish(ctx, mqttbroker.PublishMessage{Topic: "campus/location/bus-4", Payload: []byte(`{"lat":31.709,"lng":76.5265}`), Identity: driver})
	if rec, ok := a.presence.Get("d1"); !ok || rec.Role != model.RoleDriver {
		t.Fatalf("record = %+v, %v", rec, ok)
	}

	a.handleMQTTPublish(ctx, mqttbroker.PublishMessage{Topic: "campus/location", Payload: []byte(`{"lat":null}`), Identity: student})
	entries, err := a.store.RecentIngestionErrors(ctx, 5)
	if err != nil {
		t.Fatalf("RecentIngestionErrors: %v", err)
	}
	if len(entries) != 1 || entries[0].Source != "mqtt" || entries[0].ActorID != "u1" {
		t.Fatalf("audit = %+v", entries)
	}
}

func TestMQTTIngestAndMirror(t *testing.T) {
	a := newTestApp(t)
	broker := mqttbroker.New(a.logger, mqttbroker.WithAuthenticator(a.authenticateMQTT))
	broker.SetPublishHandler(a.handleMQTTPublish)
	if _, err := broker.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start broker: %v", err)
	}
	t.Cleanup(func() { _ = broker.Stop() })
	a.broker = broker

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.startMirror(ctx); err != nil {
		t.Fatalf("startMirror: %v", err)
	}

	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + broker.Addr().String()).
		SetClientID("bus-4").
		SetUsername("d1").
		SetPassword(tokenFor(t, a, driver)).
		SetAutoReconnect(false).
		SetConnectTimeout(2 * time.Second)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); !token.WaitTimeout(3*time.Second) || token.Error() != nil {
		t.Fatalf("connect: %v", token.Error())
	}
	defer client.Disconnect(50)

	mirrored := make(chan []byte, 4)
	sub := client.Subscribe("campus/locations/#", 0, func(_ mqtt.Client, m mqtt.Message) {
		if m.Topic() == "campus/locations/d1" {
			mirrored <- m.Payload()
		}
	})
	if !sub.WaitTimeout(3*time.Second) || sub.Error() != nil {
		t.Fatalf("subscribe: %v", sub.Error())
	}

	pub := client.Publish("campus/location", 0, false, []byte(`{"lat":31.709,"lng":76.5265,"heading":90}`))
	pub.WaitTimeout(time.Second)

	select {
	case payload := <-mirrored:
		var rec model.LocationRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			t.Fatalf("decode mirror: %v", err)
		}
		if rec.ActorID != "d1" || rec.Heading == nil || *rec.Heading != 90 {
			t.Fatalf("mirrored = %+v", rec)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("location was not mirrored")
	}
}

func TestQueryFloat(t *testing.T) {
	if v := queryFloat(" 12.5 "); v != 12.5 {
		t.Fatalf("queryFloat = %v", v)
	}
	for _, in := range []string{"", "abc", "  "} {
		if v := queryFloat(in); !math.IsNaN(v) {
			t.Fatalf("queryFloat(%q) = %v, want NaN", in, v)
		}
	}
}
