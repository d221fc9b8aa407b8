package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"campuswatch/presence-server/internal/auth"
	"campuswatch/presence-server/internal/geo"
	"campuswatch/presence-server/internal/model"
)

type options struct {
	transport string
	apiURL    string
	brokerURL string
	secret    string
	campus    string
	actors    int
	roles     []string
	interval  time.Duration
	stepMin   float64
	stepMax   float64
}

type report struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Heading float64 `json:"heading"`
	Speed   float64 `json:"speed"`
}

// publisher sends one report on behalf of a single actor.
type publisher interface {
	send(ctx context.Context, r report) error
	close()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("actor-sim", pflag.ContinueOnError)
	flagSet.StringVar(&opts.transport, "transport", "http", "how reports are sent: http or mqtt")
	flagSet.StringVar(&opts.apiURL, "api", "http://localhost:4000", "presence server base URL")
	flagSet.StringVar(&opts.brokerURL, "broker", "tcp://localhost:1883", "MQTT broker address")
	flagSet.StringVar(&opts.secret, "secret", envOr("CAMPUSWATCH_JWT_SECRET", "dev-secret"), "JWT signing secret shared with the server")
	flagSet.StringVar(&opts.campus, "campus", "", "campus polygon file (GeoJSON or YAML); the built-in boundary when empty")
	flagSet.IntVarP(&opts.actors, "actors", "n", 5, "number of simulated actors")
	flagSet.StringSliceVar(&opts.roles, "roles", []string{"student", "driver", "guard", "faculty", "ambulance"}, "roles assigned round-robin")
	flagSet.DurationVar(&opts.interval, "interval", 2*time.Second, "interval between reports per actor")
	flagSet.Float64Var(&opts.stepMin, "step-min", 2, "minimum distance walked per report in meters")
	flagSet.Float64Var(&opts.stepMax, "step-max", 12, "maximum distance walked per report in meters")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.actors <= 0 {
		return fmt.Errorf("--actors must be positive")
	}
	if opts.stepMin < 0 || opts.stepMax < opts.stepMin {
		return fmt.Errorf("--step-min and --step-max must satisfy 0 <= min <= max")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	poly := geo.DefaultCampus()
	if opts.campus != "" {
		p, err := geo.LoadPolygon(opts.campus)
		if err != nil {
			return err
		}
		poly = p
	}

	roles := make([]model.Role, 0, len(opts.roles))
	for _, raw := range opts.roles {
		r, err := model.ParseRole(raw)
		if err != nil {
			return err
		}
		roles = append(roles, r)
	}
	if len(roles) == 0 {
		return fmt.Errorf("--roles must not be empty")
	}

	verifier := auth.NewVerifier([]byte(opts.secret))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < opts.actors; i++ {
		role := roles[i%len(roles)]
		id := model.Identity{
			ActorID:     fmt.Sprintf("sim-%s-%d", role, i+1),
			DisplayName: fmt.Sprintf("Sim %s %d", capitalize(string(role)), i+1),
			Role:        role,
		}
		token, err := verifier.Issue(id, 24*time.Hour)
		if err != nil {
			return fmt.Errorf("issue token for %s: %w", id.ActorID, err)
		}

		pub, err := newPublisher(opts, id, token)
		if err != nil {
			stop()
			wg.Wait()
			return err
		}

		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))
		w := &walker{poly: poly, pos: randomStart(poly, rng), heading: rng.Float64() * 360, rng: rng}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer pub.close()
			simulate(ctx, logger.With("user", id.ActorID), pub, w, opts)
		}()
	}

	logger.Info("simulating actors", "count", opts.actors, "transport", opts.transport)
	<-ctx.Done()
	wg.Wait()
	logger.Info("simulation stopped")
	return nil
}

func simulate(ctx context.Context, logger *slog.Logger, pub publisher, w *walker, opts options) {
	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	for {
		dist := opts.stepMin + w.rng.Float64()*(opts.stepMax-opts.stepMin)
		w.step(dist)
		r := report{
			Lat:     w.pos.Lat,
			Lng:     w.pos.Lng,
			Heading: math.Round(w.heading),
			Speed:   math.Round(dist/opts.interval.Seconds()*100) / 100,
		}
		if err := pub.send(ctx, r); err != nil && ctx.Err() == nil {
			logger.Warn("report failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func newPublisher(opts options, id model.Identity, token string) (publisher, error) {
	switch opts.transport {
	case "http":
		return &httpPublisher{
			url:    strings.TrimRight(opts.apiURL, "/") + "/api/v1/location",
			token:  token,
			client: &http.Client{Timeout: 5 * time.Second},
		}, nil
	case "mqtt":
		clientOpts := mqtt.NewClientOptions().
			AddBroker(opts.brokerURL).
			SetClientID(id.ActorID + "-" + uuid.NewString()[:8]).
			SetUsername(id.ActorID).
			SetPassword(token).
			SetAutoReconnect(true).
			SetOrderMatters(false)
		client := mqtt.NewClient(clientOpts)
		if t := client.Connect(); t.Wait() && t.Error() != nil {
			return nil, fmt.Errorf("connect %s to broker: %w", id.ActorID, t.Error())
		}
		return &mqttPublisher{client: client}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q: want http or mqtt", opts.transport)
	}
}

type httpPublisher struct {
	url    string
	token  string
	client *http.Client
}

func (p *httpPublisher) send(ctx context.Context, r report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server responded %s", resp.Status)
	}
	return nil
}

func (p *httpPublisher) close() { p.client.CloseIdleConnections() }

type mqttPublisher struct {
	client mqtt.Client
}

func (p *mqttPublisher) send(ctx context.Context, r report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	token := p.client.Publish("campus/location", 0, false, body)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *mqttPublisher) close() { p.client.Disconnect(250) }

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
