package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/harbor_fdx/internal/engine"
	"github.com/austindbirch/harbor_fdx/internal/faults"
	"github.com/austindbirch/harbor_fdx/internal/queue/nsqq"
	"github.com/austindbirch/harbor_fdx/internal/queue/redisq"
	"github.com/austindbirch/harbor_fdx/internal/retry"
	"github.com/austindbirch/harbor_fdx/internal/taskerr"
	"github.com/austindbirch/harbor_fdx/internal/worker"
)

// Queue backends.
const (
	BackendMemory = "memory"
	BackendNSQ    = "nsq"
	BackendRedis  = "redis"
)

// Dataset sources.
const (
	SourceMemory   = "memory"
	SourcePostgres = "postgres"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	NsqdHTTPAddr   string // e.g. nsqd:4151, stats for queue depth
	LookupHTTPAddr string // e.g. nsqlookupd:4161, optional
	WorkerChannel  string // NSQ channel name for workers
	MaxInFlight    int
}

type Redis struct {
	URL          string
	Password     string
	Prefix       string
	PollInterval time.Duration // delayed-set promotion interval
}

type Engine struct {
	Queue          string // task queue name, also the NSQ topic
	Backend        string // memory|nsq|redis
	Concurrency    int
	AttemptTimeout time.Duration
	DepthInterval  time.Duration
}

type Retry struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaxInterval        time.Duration
	MaxAttempts        int
	NonRetryableKinds  string         // comma separated kind names
	AttemptOverrides   map[string]int // operation -> MaxAttempts
}

type Faults struct {
	Enabled      bool
	ErrorRate    float64
	EnabledKinds string // comma separated, empty means every kind
	AddLatency   bool
	Seed         uint64
}

type Dataset struct {
	Source string // memory|postgres
	Path   string // JSON file replacing the bundled seed for the memory source
	Seed   bool   // upsert the bundled records into Postgres at startup
}

type Auth struct {
	Enabled      bool
	PublicKeyPEM string
	JWKSURL      string
	KeyID        string
	Issuer       string
	Audience     string
	TrustGateway bool
}

// DLQ selects where terminal failures are recorded.
type DLQ struct {
	Log      bool
	NSQ      bool
	Postgres bool
}

type Config struct {
	AppName        string
	HTTPPort       string        // :8080
	GRPCPort       string        // :50051
	RequestTimeout time.Duration // upper bound on one API request, retries included
	SampleRatio    float64
	DB             DB
	NSQ            NSQ
	Redis          Redis
	Engine         Engine
	Retry          Retry
	Faults         Faults
	Dataset        Dataset
	Auth           Auth
	DLQ            DLQ
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

func getenvUint64(key string, def uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseUint(v, 10, 64); err == nil {
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

// parseAttemptOverrides reads "getStatement=3, getCustomer=5". Malformed
// entries are skipped.
func parseAttemptOverrides(s string) map[string]int {
	out := map[string]int{}
	for _, part := range strings.Split(s, ",") {
		op, n, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		attempts, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil || attempts < 1 || strings.TrimSpace(op) == "" {
			continue
		}
		out[strings.TrimSpace(op)] = attempts
	}
	return out
}

func FromEnv() Config {
	return Config{
		AppName:        getenv("APP_NAME", "harborfdx"),
		HTTPPort:       getenv("HTTP_PORT", ":8080"),
		GRPCPort:       getenv("GRPC_PORT", ":50051"),
		RequestTimeout: getenvDuration("REQUEST_TIMEOUT", 2*time.Minute),
		SampleRatio:    getenvFloat("TRACE_SAMPLE_RATIO", 0.1),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "harborfdx"),
			MaxConns: getenvInt("DB_MAX_CONNS", 10),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", ""),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
			MaxInFlight:    getenvInt("NSQ_MAX_IN_FLIGHT", 0),
		},
		Redis: Redis{
			URL:          getenv("REDIS_URL", "redis://redis:6379/0"),
			Password:     getenv("REDIS_PASSWORD", ""),
			Prefix:       getenv("REDIS_PREFIX", "harborfdx"),
			PollInterval: getenvDuration("REDIS_POLL_INTERVAL", 100*time.Millisecond),
		},
		Engine: Engine{
			Queue:          getenv("TASK_QUEUE", "fdx-tasks"),
			Backend:        getenv("QUEUE_BACKEND", BackendMemory),
			Concurrency:    getenvInt("WORKER_CONCURRENCY", worker.DefaultConcurrency),
			AttemptTimeout: getenvDuration("ATTEMPT_TIMEOUT", worker.DefaultAttemptTimeout),
			DepthInterval:  getenvDuration("QUEUE_DEPTH_INTERVAL", engine.DefaultDepthInterval),
		},
		Retry: Retry{
			InitialInterval:    getenvDuration("RETRY_INITIAL_INTERVAL", retry.DefaultInitialInterval),
			BackoffCoefficient: getenvFloat("RETRY_BACKOFF_COEFFICIENT", retry.DefaultBackoffCoefficient),
			MaxInterval:        getenvDuration("RETRY_MAX_INTERVAL", retry.DefaultMaxInterval),
			MaxAttempts:        getenvInt("RETRY_MAX_ATTEMPTS", retry.DefaultMaxAttempts),
			NonRetryableKinds:  getenv("RETRY_NON_RETRYABLE_KINDS", ""),
			AttemptOverrides:   parseAttemptOverrides(getenv("RETRY_MAX_ATTEMPTS_OVERRIDES", "")),
		},
		Faults: Faults{
			Enabled:      getenvBool("FAULT_ENABLED", false),
			ErrorRate:    getenvFloat("FAULT_ERROR_RATE", 0.1),
			EnabledKinds: getenv("FAULT_ENABLED_KINDS", ""),
			AddLatency:   getenvBool("FAULT_ADD_LATENCY", false),
			Seed:         getenvUint64("FAULT_SEED", 0),
		},
		Dataset: Dataset{
			Source: getenv("DATASET_SOURCE", SourceMemory),
			Path:   getenv("DATASET_PATH", ""),
			Seed:   getenvBool("DATASET_SEED", false),
		},
		Auth: Auth{
			Enabled:      getenvBool("AUTH_ENABLED", true),
			PublicKeyPEM: getenv("AUTH_PUBLIC_KEY", ""),
			JWKSURL:      getenv("AUTH_JWKS_URL", "http://jwks-server:8082/.well-known/jwks.json"),
			KeyID:        getenv("AUTH_KEY_ID", ""),
			Issuer:       getenv("AUTH_ISSUER", "harborfdx"),
			Audience:     getenv("AUTH_AUDIENCE", "harborfdx-api"),
			TrustGateway: getenvBool("AUTH_TRUST_GATEWAY", false),
		},
		DLQ: DLQ{
			Log:      getenvBool("DLQ_LOG", true),
			NSQ:      getenvBool("DLQ_NSQ", false),
			Postgres: getenvBool("DLQ_POSTGRES", false),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// NeedsDB reports whether any configured component talks to Postgres.
func (c Config) NeedsDB() bool {
	return c.Dataset.Source == SourcePostgres || c.DLQ.Postgres
}

// Validate checks the enumerated settings that FromEnv cannot default.
func (c Config) Validate() error {
	switch c.Engine.Backend {
	case BackendMemory, BackendNSQ, BackendRedis:
	default:
		return fmt.Errorf("QUEUE_BACKEND %q: want memory, nsq or redis", c.Engine.Backend)
	}
	switch c.Dataset.Source {
	case SourceMemory, SourcePostgres:
	default:
		return fmt.Errorf("DATASET_SOURCE %q: want memory or postgres", c.Dataset.Source)
	}
	if c.Queue() == "" {
		return fmt.Errorf("TASK_QUEUE must not be empty")
	}
	return nil
}

func (c Config) Queue() string { return c.Engine.Queue }

// RetryPolicy builds the default policy.
func (c Config) RetryPolicy() (retry.Policy, error) {
	kinds, err := taskerr.ParseKinds(c.Retry.NonRetryableKinds)
	if err != nil {
		return retry.Policy{}, fmt.Errorf("RETRY_NON_RETRYABLE_KINDS: %w", err)
	}
	return retry.NewPolicy(c.Retry.InitialInterval, c.Retry.BackoffCoefficient,
		c.Retry.MaxInterval, c.Retry.MaxAttempts, kinds...)
}

// FaultConfig builds the injector configuration.
func (c Config) FaultConfig() (faults.Config, error) {
	kinds, err := taskerr.ParseKinds(c.Faults.EnabledKinds)
	if err != nil {
		return faults.Config{}, fmt.Errorf("FAULT_ENABLED_KINDS: %w", err)
	}
	fc := faults.Config{
		Enabled:      c.Faults.Enabled,
		ErrorRate:    c.Faults.ErrorRate,
		EnabledKinds: kinds,
		AddLatency:   c.Faults.AddLatency,
		Seed:         c.Faults.Seed,
	}
	return fc, fc.Validate()
}

// EngineConfig assembles the engine configuration, including per-operation
// attempt overrides derived from the default policy.
func (c Config) EngineConfig() (engine.Config, error) {
	policy, err := c.RetryPolicy()
	if err != nil {
		return engine.Config{}, err
	}
	fc, err := c.FaultConfig()
	if err != nil {
		return engine.Config{}, err
	}

	cfg := engine.DefaultConfig()
	cfg.Worker = worker.Config{
		Concurrency:    c.Engine.Concurrency,
		AttemptTimeout: c.Engine.AttemptTimeout,
	}
	cfg.Retry = policy
	cfg.Faults = fc
	cfg.DepthInterval = c.Engine.DepthInterval
	if len(c.Retry.AttemptOverrides) > 0 {
		cfg.Overrides = make(map[string]retry.Policy, len(c.Retry.AttemptOverrides))
		for op, attempts := range c.Retry.AttemptOverrides {
			p := policy
			p.MaxAttempts = attempts
			cfg.Overrides[op] = p
		}
	}
	return cfg, nil
}

func (c Config) NSQConfig() nsqq.Config {
	return nsqq.Config{
		Topic:          c.Engine.Queue,
		Channel:        c.NSQ.WorkerChannel,
		NsqdTCPAddr:    c.NSQ.NsqdTCPAddr,
		NsqdHTTPAddr:   c.NSQ.NsqdHTTPAddr,
		LookupHTTPAddr: c.NSQ.LookupHTTPAddr,
		MaxInFlight:    c.NSQ.MaxInFlight,
	}
}

func (c Config) RedisConfig() redisq.Config {
	return redisq.Config{
		URL:          c.Redis.URL,
		Password:     c.Redis.Password,
		Prefix:       c.Redis.Prefix,
		PollInterval: c.Redis.PollInterval,
	}
}
