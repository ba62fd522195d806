package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/entitysim/telemetry-streamer/internal/record"
)

// DestinationConfig holds the per-destination delivery settings.
type DestinationConfig struct {
	// Endpoint is the ingestion URL batches are POSTed to.
	Endpoint string `yaml:"endpoint"`
	// RateLimit is the request budget per rolling window.
	RateLimit int `yaml:"rateLimit"`
	// WindowDurationMs is the rolling window length in milliseconds.
	WindowDurationMs int `yaml:"windowDurationMs"`
}

// Window returns the rolling window as a duration.
func (d DestinationConfig) Window() time.Duration {
	return time.Duration(d.WindowDurationMs) * time.Millisecond
}

// Config holds instance-level configuration for the streamer.
type Config struct {
	ListenAddr            string `yaml:"listenAddr"`
	MaxReceiveMessageSize int    `yaml:"maxReceiveMessageSize"`

	APIKey string `yaml:"apiKey"`

	BatchSize     int           `yaml:"batchSize"`
	FlushInterval time.Duration `yaml:"-"`
	MaxQueue      int           `yaml:"maxQueue"`

	FailureThreshold int           `yaml:"failureThreshold"`
	SuccessThreshold int           `yaml:"successThreshold"`
	BreakerTimeout   time.Duration `yaml:"-"`
	RetryDelay       time.Duration `yaml:"-"`
	MaxRetries       int           `yaml:"maxRetries"`

	RequestTimeout  time.Duration `yaml:"-"`
	GracefulTimeout time.Duration `yaml:"-"`
	LogLevel        string        `yaml:"logLevel"`

	// Millisecond mirrors of the duration fields for the YAML file.
	FlushIntervalMs   int `yaml:"flushIntervalMs"`
	TimeoutMs         int `yaml:"timeoutMs"`
	RetryDelayMs      int `yaml:"retryDelayMs"`
	RequestTimeoutMs  int `yaml:"requestTimeoutMs"`
	GracefulTimeoutMs int `yaml:"gracefulTimeoutMs"`

	Destinations map[string]DestinationConfig `yaml:"destinations"`

	ConfigFile string `yaml:"-"`
}

// RegisterFlags registers CLI flags and returns a reader that captures them
// after flag.Parse().
func RegisterFlags() func() Config {
	listenAddr := flag.String("listenAddr", "localhost:4317", "The OTLP ingest listen address")
	maxRecv := flag.Int("maxReceiveMessageSize", 16*1024*1024, "The max message size in bytes the ingest server can receive")

	apiKey := flag.String("apiKey", "", "Ingestion API key sent as the Api-Key header")

	batchSize := flag.Int("batchSize", 100, "Max records per delivery batch")
	flushInterval := flag.Duration("flushInterval", 5*time.Second, "Periodic flush interval")
	maxQueue := flag.Int("maxQueue", 100_000, "Max queued records per destination; overflow is shed")

	failureThreshold := flag.Int("failureThreshold", 5, "Consecutive failures that open a destination's circuit")
	successThreshold := flag.Int("successThreshold", 2, "Half-open successes that close the circuit")
	breakerTimeout := flag.Duration("breakerTimeout", 30*time.Second, "How long an open circuit waits before a trial call")
	retryDelay := flag.Duration("retryDelay", time.Second, "Delay between breaker retry attempts")
	maxRetries := flag.Int("maxRetries", 3, "Max delivery attempts per flush")

	requestTimeout := flag.Duration("requestTimeout", 30*time.Second, "Per-request timeout for ingestion calls")
	graceful := flag.Duration("gracefulTimeout", 10*time.Second, "Graceful shutdown timeout")
	logLevel := flag.String("logLevel", "info", "Log level: debug|info|warn|error")

	eventsEndpoint := flag.String("eventsEndpoint", "http://localhost:8080/v1/events", "Events ingestion endpoint")
	metricsEndpoint := flag.String("metricsEndpoint", "http://localhost:8080/v1/metrics", "Metrics ingestion endpoint")
	rateLimit := flag.Int("rateLimit", 12, "Requests allowed per rate-limit window, per destination")
	windowDuration := flag.Duration("windowDuration", time.Minute, "Rate-limit window length")

	configFile := flag.String("config", "", "Optional YAML config file; overrides flag values")

	return func() Config {
		return Config{
			ListenAddr:            *listenAddr,
			MaxReceiveMessageSize: *maxRecv,
			APIKey:                *apiKey,
			BatchSize:             *batchSize,
			FlushInterval:         *flushInterval,
			MaxQueue:              *maxQueue,
			FailureThreshold:      *failureThreshold,
			SuccessThreshold:      *successThreshold,
			BreakerTimeout:        *breakerTimeout,
			RetryDelay:            *retryDelay,
			MaxRetries:            *maxRetries,
			RequestTimeout:        *requestTimeout,
			GracefulTimeout:       *graceful,
			LogLevel:              *logLevel,
			Destinations: map[string]DestinationConfig{
				string(record.DestinationEvents): {
					Endpoint:         *eventsEndpoint,
					RateLimit:        *rateLimit,
					WindowDurationMs: int(windowDuration.Milliseconds()),
				},
				string(record.DestinationMetrics): {
					Endpoint:         *metricsEndpoint,
					RateLimit:        *rateLimit,
					WindowDurationMs: int(windowDuration.Milliseconds()),
				},
			},
			ConfigFile: *configFile,
		}
	}
}

// ApplyFile overlays settings from a YAML file onto the config. Millisecond
// fields in the file override the corresponding durations; per-destination
// blocks are merged key by key so a file can set just an endpoint.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	overlay := *c
	overlay.Destinations = nil
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if overlay.FlushIntervalMs > 0 {
		overlay.FlushInterval = time.Duration(overlay.FlushIntervalMs) * time.Millisecond
	}
	if overlay.TimeoutMs > 0 {
		overlay.BreakerTimeout = time.Duration(overlay.TimeoutMs) * time.Millisecond
	}
	if overlay.RetryDelayMs > 0 {
		overlay.RetryDelay = time.Duration(overlay.RetryDelayMs) * time.Millisecond
	}
	if overlay.RequestTimeoutMs > 0 {
		overlay.RequestTimeout = time.Duration(overlay.RequestTimeoutMs) * time.Millisecond
	}
	if overlay.GracefulTimeoutMs > 0 {
		overlay.GracefulTimeout = time.Duration(overlay.GracefulTimeoutMs) * time.Millisecond
	}

	for name, dest := range overlay.Destinations {
		base := c.Destinations[name]
		if dest.Endpoint == "" {
			dest.Endpoint = base.Endpoint
		}
		if dest.RateLimit == 0 {
			dest.RateLimit = base.RateLimit
		}
		if dest.WindowDurationMs == 0 {
			dest.WindowDurationMs = base.WindowDurationMs
		}
		overlay.Destinations[name] = dest
	}
	if overlay.Destinations == nil {
		overlay.Destinations = map[string]DestinationConfig{}
	}
	for name, dest := range c.Destinations {
		if _, ok := overlay.Destinations[name]; !ok {
			overlay.Destinations[name] = dest
		}
	}

	*c = overlay
	return nil
}

// Destination returns the settings for a destination, zero-valued when
// unconfigured.
func (c Config) Destination(d record.Destination) DestinationConfig {
	return c.Destinations[string(d)]
}

// Endpoints returns the destination→URL map the HTTP sender needs.
func (c Config) Endpoints() map[record.Destination]string {
	out := make(map[record.Destination]string, len(c.Destinations))
	for name, dest := range c.Destinations {
		out[record.Destination(name)] = dest.Endpoint
	}
	return out
}
