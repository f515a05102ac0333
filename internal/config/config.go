package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32
}

type Redis struct {
	Addr string // host:port or redis:// URL; empty keeps idempotency in memory
}

type NSQ struct {
	Enabled        bool
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	AlertsTopic    string // alerts raised by the evaluator
	DLQTopic       string // dead letter lifecycle events
	MonitorChannel string // channel used by alert-monitor
}

type Engine struct {
	StoreBackend     string        // memory or postgres
	ConfigFile       string        // YAML queue registry; empty uses the built-in defaults
	PollInterval     time.Duration // worker pool poll interval
	BreakerDelay     time.Duration // wait before re-polling a job refused by its breaker
	DrainTimeout     time.Duration // graceful shutdown deadline for in-flight jobs
	SampleInterval   time.Duration // queue depth sampling
	AlertInterval    time.Duration // threshold evaluation
	AutoRetryEvery   time.Duration // DLQ auto-retry pass
	PurgeEvery       time.Duration // DLQ and idempotency purge pass
	BreakerTickEvery time.Duration
	JitterPercent    float64
	BackoffCurve     []time.Duration // optional "default" curve override
}

type Auth struct {
	Disabled bool
	JWKSURL  string
	Issuer   string
	Audience string
}

type Handler struct {
	SigningSecret   string
	SignatureHeader string
	TimestampHeader string
	Timeout         time.Duration
	// FallbackURL serves queues that do not name a target_url.
	FallbackURL string
}

type FakeDependency struct {
	FailFirstN           int           // Number of requests to fail initially
	FailStatus           int           // Status returned while failing
	EndpointSecret       string        // Secret for signature verification
	SigningLeewaySeconds int           // Allowed timestamp skew in seconds
	ResponseDelayMS      int           // Simulated response delay in milliseconds
	Port                 string        // Server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Config struct {
	AppName        string
	HTTPPort       string // :8080
	GRPCPort       string // :50051
	DB             DB
	Redis          Redis
	NSQ            NSQ
	Engine         Engine
	Auth           Auth
	Handler        Handler
	FakeDependency FakeDependency
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parseDurations reads a comma separated list such as "1s,5s,30s". Invalid
// entries are skipped; nil means no override.
func parseDurations(list string) []time.Duration {
	if list == "" {
		return nil
	}
	parts := strings.Split(list, ",")
	durations := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil && d > 0 {
			durations = append(durations, d)
		}
	}
	if len(durations) == 0 {
		return nil
	}
	return durations
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "jobharbor"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		GRPCPort: getenv("GRPC_PORT", ":50051"),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "jobharbor"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 20)),
		},
		Redis: Redis{
			Addr: getenv("REDIS_ADDR", ""),
		},
		NSQ: NSQ{
			Enabled:        getenvBool("NSQ_ENABLED", false),
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			AlertsTopic:    getenv("NSQ_ALERTS_TOPIC", "jobharbor_alerts"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "jobharbor_dlq"),
			MonitorChannel: getenv("NSQ_MONITOR_CHANNEL", "monitor"),
		},
		Engine: Engine{
			StoreBackend:     getenv("STORE_BACKEND", "postgres"),
			ConfigFile:       getenv("ENGINE_CONFIG", ""),
			PollInterval:     getenvDuration("POLL_INTERVAL", 500*time.Millisecond),
			BreakerDelay:     getenvDuration("BREAKER_DELAY", 5*time.Second),
			DrainTimeout:     getenvDuration("DRAIN_TIMEOUT", 30*time.Second),
			SampleInterval:   getenvDuration("SAMPLE_INTERVAL", 5*time.Second),
			AlertInterval:    getenvDuration("ALERT_INTERVAL", 30*time.Second),
			AutoRetryEvery:   getenvDuration("DLQ_AUTO_RETRY_EVERY", time.Minute),
			PurgeEvery:       getenvDuration("PURGE_EVERY", time.Hour),
			BreakerTickEvery: getenvDuration("BREAKER_TICK_EVERY", time.Second),
			JitterPercent:    getenvFloat("BACKOFF_JITTER_PCT", 0.2),
			BackoffCurve:     parseDurations(getenv("BACKOFF_CURVE", "")),
		},
		Auth: Auth{
			Disabled: getenvBool("AUTH_DISABLED", false),
			JWKSURL:  getenv("JWKS_URL", "http://jwks-server:8082/.well-known/jwks.json"),
			Issuer:   getenv("JWT_ISSUER", "jobharbor-auth"),
			Audience: getenv("JWT_AUDIENCE", "jobharbor-api"),
		},
		Handler: Handler{
			SigningSecret:   getenv("HANDLER_SIGNING_SECRET", ""),
			SignatureHeader: getenv("HANDLER_SIGNATURE_HEADER", "X-JobHarbor-Signature"),
			TimestampHeader: getenv("HANDLER_TIMESTAMP_HEADER", "X-JobHarbor-Timestamp"),
			Timeout:         getenvDuration("HANDLER_HTTP_TIMEOUT", 30*time.Second),
			FallbackURL:     getenv("HANDLER_FALLBACK_URL", ""),
		},
		FakeDependency: FakeDependency{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			FailStatus:           getenvInt("FAIL_STATUS", 503),
			EndpointSecret:       getenv("ENDPOINT_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 getenv("FAKE_DEPENDENCY_PORT", ":8081"),
			ReadTimeout:          getenvDuration("FAKE_DEPENDENCY_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_DEPENDENCY_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_DEPENDENCY_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
