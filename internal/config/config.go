package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config lists the tunable parameters for the coopwatch server.
type Config struct {
	HTTPPort        int
	MetricsPort     int
	MQTTBrokerURL   string
	MQTTBindAddress string
	MQTTClientID    string
	Subscriptions   []string
	DatabasePath    string
	LogLevel        string
	DefaultCoopID   string
	EnableMDNS      bool

	EventCapacity          int
	ReadingCacheTTL        time.Duration
	StaleAfter             time.Duration
	SafetyRateLimit        time.Duration
	OverdueThreshold       time.Duration
	ApprovalThresholdHours float64
	ApprovalTimeout        time.Duration
}

// UseEmbeddedBroker reports whether the server hosts its own MQTT listener.
func (c Config) UseEmbeddedBroker() bool {
	return c.MQTTBrokerURL == ""
}

const (
	defaultHTTPPort        = 8080
	defaultMetricsPort     = 9090
	defaultMQTTBindAddress = ":1883"
	defaultMQTTClientID    = "coopwatch"
	defaultSubscriptions   = "coops/#,sensors/#"
	defaultDatabasePath    = "data/coopwatch.db"
	defaultLogLevel        = "info"
	defaultCoopID          = "main"

	defaultEventCapacity          = 100
	defaultReadingCacheTTL        = 30 * time.Second
	defaultStaleAfter             = 2 * time.Minute
	defaultSafetyRateLimit        = 5 * time.Second
	defaultOverdueThreshold       = 60 * time.Minute
	defaultApprovalThresholdHours = 6
	defaultApprovalTimeout        = 2 * time.Minute
)

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:        defaultHTTPPort,
		MetricsPort:     defaultMetricsPort,
		MQTTBindAddress: defaultMQTTBindAddress,
		MQTTClientID:    defaultMQTTClientID,
		Subscriptions:   splitList(defaultSubscriptions),
		DatabasePath:    defaultDatabasePath,
		LogLevel:        defaultLogLevel,
		DefaultCoopID:   defaultCoopID,
		EnableMDNS:      true,

		EventCapacity:          defaultEventCapacity,
		ReadingCacheTTL:        defaultReadingCacheTTL,
		StaleAfter:             defaultStaleAfter,
		SafetyRateLimit:        defaultSafetyRateLimit,
		OverdueThreshold:       defaultOverdueThreshold,
		ApprovalThresholdHours: defaultApprovalThresholdHours,
		ApprovalTimeout:        defaultApprovalTimeout,
	}

	var err error
	if cfg.HTTPPort, err = intEnv("COOPWATCH_HTTP_PORT", cfg.HTTPPort); err != nil {
		return Config{}, err
	}
	if cfg.MetricsPort, err = intEnv("COOPWATCH_METRICS_PORT", cfg.MetricsPort); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("COOPWATCH_MQTT_BROKER"); v != "" {
		cfg.MQTTBrokerURL = v
	}
	if v := os.Getenv("COOPWATCH_MQTT_BIND"); v != "" {
		cfg.MQTTBindAddress = v
	}
	if v := os.Getenv("COOPWATCH_MQTT_CLIENT_ID"); v != "" {
		cfg.MQTTClientID = v
	}
	if v, ok := os.LookupEnv("COOPWATCH_SUBSCRIBE"); ok {
		cfg.Subscriptions = splitList(v)
	}
	if v := os.Getenv("COOPWATCH_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("COOPWATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("COOPWATCH_DEFAULT_COOP"); v != "" {
		cfg.DefaultCoopID = v
	}
	if v := os.Getenv("COOPWATCH_MDNS"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid COOPWATCH_MDNS: %w", err)
		}
		cfg.EnableMDNS = enabled
	}

	if cfg.EventCapacity, err = intEnv("COOPWATCH_EVENT_CAPACITY", cfg.EventCapacity); err != nil {
		return Config{}, err
	}
	if cfg.EventCapacity <= 0 {
		return Config{}, fmt.Errorf("invalid COOPWATCH_EVENT_CAPACITY: must be positive")
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"COOPWATCH_READING_CACHE_TTL", &cfg.ReadingCacheTTL},
		{"COOPWATCH_STALE_AFTER", &cfg.StaleAfter},
		{"COOPWATCH_SAFETY_RATE_LIMIT", &cfg.SafetyRateLimit},
		{"COOPWATCH_OVERDUE_THRESHOLD", &cfg.OverdueThreshold},
		{"COOPWATCH_APPROVAL_TIMEOUT", &cfg.ApprovalTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	if v := os.Getenv("COOPWATCH_APPROVAL_THRESHOLD_HOURS"); v != "" {
		hours, err := strconv.ParseFloat(v, 64)
		if err != nil || hours < 0 {
			return Config{}, fmt.Errorf("invalid COOPWATCH_APPROVAL_THRESHOLD_HOURS: %q", v)
		}
		cfg.ApprovalThresholdHours = hours
	}

	return cfg, nil
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: negative duration", key)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
