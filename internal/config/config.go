package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config lists the tunable parameters for the presence server.
type Config struct {
	HTTPPort          int
	MQTTBindAddress   string
	MetricsPort       int
	DatabasePath      string
	LogLevel          string
	LogFormat         string
	JWTSecret         string
	CampusFile        string
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	StreamBuffer      int
	MaxStreams        int
	Relay             string
	RelayChannel      string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RelayMQTTURL      string
	RelayMQTTUsername string
	RelayMQTTPassword string
	CORSOrigins       []string
	MDNS              bool
}

const (
	defaultHTTPPort          = 4000
	defaultMQTTBindAddress   = ":1883"
	defaultMetricsPort       = 9090
	defaultDatabasePath      = "data/campuswatch.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultJWTSecret         = "dev-secret"
	defaultHeartbeatInterval = 25 * time.Second
	defaultStaleAfter        = 15 * time.Minute
	defaultStreamBuffer      = 64
	defaultRelay             = "none"
	defaultRelayChannel      = "location-updates"
	defaultRedisAddr         = "localhost:6379"
	defaultRelayMQTTURL      = "tcp://localhost:1883"
)

const (
	RelayNone  = "none"
	RelayRedis = "redis"
	RelayMQTT  = "mqtt"
)

// Load derives configuration values from environment variables, falling back to defaults.
// A .env file in the working directory, when present, is loaded first without
// overriding variables that are already set.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPPort:          defaultHTTPPort,
		MQTTBindAddress:   defaultMQTTBindAddress,
		MetricsPort:       defaultMetricsPort,
		DatabasePath:      defaultDatabasePath,
		LogLevel:          defaultLogLevel,
		LogFormat:         defaultLogFormat,
		JWTSecret:         defaultJWTSecret,
		HeartbeatInterval: defaultHeartbeatInterval,
		StaleAfter:        defaultStaleAfter,
		StreamBuffer:      defaultStreamBuffer,
		Relay:             defaultRelay,
		RelayChannel:      defaultRelayChannel,
		RedisAddr:         defaultRedisAddr,
		RelayMQTTURL:      defaultRelayMQTTURL,
		CORSOrigins:       []string{"http://localhost:3000"},
	}

	var err error
	if cfg.HTTPPort, err = intVar("CAMPUSWATCH_HTTP_PORT", cfg.HTTPPort); err != nil {
		return Config{}, err
	}

	// An explicitly empty value turns the embedded broker off.
	if v, ok := os.LookupEnv("CAMPUSWATCH_MQTT_BIND"); ok {
		cfg.MQTTBindAddress = strings.TrimSpace(v)
	}

	if cfg.MetricsPort, err = intVar("CAMPUSWATCH_METRICS_PORT", cfg.MetricsPort); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("CAMPUSWATCH_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("CAMPUSWATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("CAMPUSWATCH_LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}

	if v := os.Getenv("CAMPUSWATCH_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}

	cfg.CampusFile = os.Getenv("CAMPUSWATCH_CAMPUS_FILE")

	if cfg.HeartbeatInterval, err = durationVar("CAMPUSWATCH_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("invalid CAMPUSWATCH_HEARTBEAT_INTERVAL: must be positive")
	}

	if cfg.StaleAfter, err = durationVar("CAMPUSWATCH_STALE_AFTER", cfg.StaleAfter); err != nil {
		return Config{}, err
	}

	if cfg.StreamBuffer, err = intVar("CAMPUSWATCH_STREAM_BUFFER", cfg.StreamBuffer); err != nil {
		return Config{}, err
	}
	if cfg.StreamBuffer <= 0 {
		return Config{}, fmt.Errorf("invalid CAMPUSWATCH_STREAM_BUFFER: must be positive")
	}

	// Zero leaves the number of concurrent streams unbounded.
	if cfg.MaxStreams, err = intVar("CAMPUSWATCH_MAX_STREAMS", cfg.MaxStreams); err != nil {
		return Config{}, err
	}
	if cfg.MaxStreams < 0 {
		return Config{}, fmt.Errorf("invalid CAMPUSWATCH_MAX_STREAMS: must not be negative")
	}

	if v := os.Getenv("CAMPUSWATCH_RELAY"); v != "" {
		cfg.Relay = strings.ToLower(strings.TrimSpace(v))
	}
	switch cfg.Relay {
	case RelayNone, RelayRedis, RelayMQTT:
	default:
		return Config{}, fmt.Errorf("invalid CAMPUSWATCH_RELAY %q: want none, redis or mqtt", cfg.Relay)
	}

	if v := os.Getenv("CAMPUSWATCH_RELAY_CHANNEL"); v != "" {
		cfg.RelayChannel = v
	}

	if v := os.Getenv("CAMPUSWATCH_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}

	cfg.RedisPassword = os.Getenv("CAMPUSWATCH_REDIS_PASSWORD")

	if cfg.RedisDB, err = intVar("CAMPUSWATCH_REDIS_DB", cfg.RedisDB); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("CAMPUSWATCH_RELAY_MQTT_URL"); v != "" {
		cfg.RelayMQTTURL = v
	}

	cfg.RelayMQTTUsername = os.Getenv("CAMPUSWATCH_RELAY_MQTT_USERNAME")
	cfg.RelayMQTTPassword = os.Getenv("CAMPUSWATCH_RELAY_MQTT_PASSWORD")

	if v := os.Getenv("CAMPUSWATCH_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}

	if v := os.Getenv("CAMPUSWATCH_MDNS"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CAMPUSWATCH_MDNS: %w", err)
		}
		cfg.MDNS = enabled
	}

	return cfg, nil
}

func intVar(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationVar(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
