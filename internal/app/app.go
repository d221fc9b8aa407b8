package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"

	"campuswatch/presence-server/internal/auth"
	"campuswatch/presence-server/internal/broadcast"
	"campuswatch/presence-server/internal/config"
	"campuswatch/presence-server/internal/geo"
	"campuswatch/presence-server/internal/locations"
	"campuswatch/presence-server/internal/metrics"
	"campuswatch/presence-server/internal/mqttbroker"
	"campuswatch/presence-server/internal/presence"
	"campuswatch/presence-server/internal/relay"
	"campuswatch/presence-server/internal/store"
)

// App wires together the presence services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store    *store.Store
	presence *presence.Store
	hub      *broadcast.Hub
	svc      *locations.Service
	verifier *auth.Verifier
	broker   *mqttbroker.Broker
	bus      relay.Bus
	mdns     *zeroconf.Server

	streams atomic.Int64
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	fence, err := a.loadCampus(ctx)
	if err != nil {
		return err
	}

	a.presence = presence.New(presence.WithStaleAfter(a.cfg.StaleAfter))
	a.bus = a.openRelay(ctx)
	defer func() {
		if cerr := a.bus.Close(); cerr != nil {
			a.logger.Warn("close relay", "error", cerr)
		}
	}()
	a.hub = broadcast.New(a.presence, a.logger, broadcast.WithRelay(a.bus))
	a.svc = locations.NewService(a.presence, a.hub, fence)
	a.verifier = auth.NewVerifier([]byte(a.cfg.JWTSecret))

	workCtx, stopWork := context.WithCancel(ctx)
	defer stopWork()

	go func() {
		if err := a.hub.Run(workCtx); err != nil {
			a.logger.Error("relay stopped", "error", err)
		}
	}()
	go a.presence.RunJanitor(workCtx, janitorInterval(a.cfg.StaleAfter), func(n int) {
		if n > 0 {
			metrics.PresencePrunedTotal.Add(float64(n))
			a.logger.Debug("pruned stale presence", "count", n)
		}
		metrics.PresenceRecords.Set(float64(a.presence.Len()))
	})
	go a.pruneAuditLog(workCtx)

	var brokerErrCh <-chan error
	if a.cfg.MQTTBindAddress != "" {
		broker := mqttbroker.New(a.logger, mqttbroker.WithAuthenticator(a.authenticateMQTT))
		broker.SetPublishHandler(a.handleMQTTPublish)
		brokerErrCh, err = broker.Start(a.cfg.MQTTBindAddress)
		if err != nil {
			return err
		}
		a.broker = broker
		if err := a.startMirror(workCtx); err != nil {
			_ = broker.Stop()
			return err
		}
	}

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// Streams end when background work stops, so Shutdown does not
		// wait on them.
		BaseContext: func(net.Listener) context.Context { return workCtx },
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var metricsServer *http.Server
	if a.cfg.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.logger.Info("metrics server started", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErrCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	if a.cfg.MDNS {
		if err := a.startMDNS(); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer a.stopMDNS()
	}

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopWork()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http server shutdown", "error", err)
		}
		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		if a.broker != nil {
			_ = a.broker.Stop()
			a.logger.Info("mqtt broker stopped")
		}
	}

	for {
		select {
		case <-ctx.Done():
			shutdown()
			a.logger.Info("http server stopped")
			return nil
		case err := <-httpErrCh:
			shutdown()
			return err
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			if err != nil {
				shutdown()
				return err
			}
		}
	}
}

// loadCampus picks the campus boundary: an explicit file wins, then the
// boundary saved by a previous run, then the built-in default. The chosen
// boundary is saved for the next start.
func (a *App) loadCampus(ctx context.Context) (*geo.Fence, error) {
	var (
		poly   geo.Polygon
		source string
	)
	if a.cfg.CampusFile != "" {
		p, err := geo.LoadPolygon(a.cfg.CampusFile)
		if err != nil {
			return nil, err
		}
		poly, source = p, a.cfg.CampusFile
	} else {
		p, ok, err := a.store.Campus(ctx)
		if err != nil {
			a.logger.Warn("ignoring stored campus polygon", "error", err)
		}
		if ok {
			poly, source = p, "database"
		} else {
			poly, source = geo.DefaultCampus(), "default"
		}
	}

	fence, err := geo.NewFence(poly)
	if err != nil {
		return nil, fmt.Errorf("campus polygon from %s: %w", source, err)
	}
	if source != "database" {
		if err := a.store.SaveCampus(ctx, poly); err != nil {
			a.logger.Warn("failed to persist campus polygon", "error", err)
		}
	}
	a.logger.Info("campus boundary loaded", "source", source, "vertices", len(poly))
	return fence, nil
}

// openRelay connects the configured cross-instance bus. Any failure falls
// back to local-only fan-out.
func (a *App) openRelay(ctx context.Context) relay.Bus {
	switch a.cfg.Relay {
	case config.RelayRedis:
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		bus, err := relay.NewRedis(dialCtx, a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB, a.cfg.RelayChannel)
		if err != nil {
			a.logger.Warn("redis relay unavailable, using local fan-out only", "error", err)
			return relay.Local{}
		}
		a.logger.Info("redis relay connected", "addr", a.cfg.RedisAddr, "channel", a.cfg.RelayChannel)
		return bus
	case config.RelayMQTT:
		clientID := "campuswatch-relay-" + uuid.NewString()
		bus, err := relay.NewMQTT(a.cfg.RelayMQTTURL, clientID, a.cfg.RelayChannel, a.cfg.RelayMQTTUsername, a.cfg.RelayMQTTPassword)
		if err != nil {
			a.logger.Warn("mqtt relay unavailable, using local fan-out only", "error", err)
			return relay.Local{}
		}
		a.logger.Info("mqtt relay connected", "broker", a.cfg.RelayMQTTURL, "topic", a.cfg.RelayChannel)
		return bus
	default:
		return relay.Local{}
	}
}

func (a *App) pruneAuditLog(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			n, err := a.store.PruneIngestionErrors(pruneCtx, time.Now().Add(-7*24*time.Hour))
			cancel()
			if err != nil {
				a.logger.Warn("prune ingestion errors", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("pruned ingestion errors", "count", n)
			}
		}
	}
}

func janitorInterval(staleAfter time.Duration) time.Duration {
	if staleAfter <= 0 {
		return 0
	}
	iv := staleAfter / 4
	if iv < time.Second {
		iv = time.Second
	}
	return iv
}
