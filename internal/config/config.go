package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/LeventeLantos/whatsapp-queue/internal/dispatcher"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	App        AppConfig
	Server     ServerConfig
	Store      StoreConfig
	Gateway    GatewayConfig
	Engine     EngineConfig
	Queue      QueueConfig
	Backoff    BackoffConfig
	Dispatcher DispatcherConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
}

type AppConfig struct {
	Env      string
	LogLevel string
}

type ServerConfig struct {
	Address string
}

type StoreConfig struct {
	Driver      string
	PostgresURL string
}

type GatewayConfig struct {
	BaseURL     string
	Instance    string
	Token       string
	ClientToken string
	Timeout     time.Duration
}

type EngineConfig struct {
	URL   string
	Token string
}

type QueueConfig struct {
	MaxRetries      int
	DefaultPriority int
	InboundPriority int
	Retention       time.Duration
	PurgeInterval   time.Duration
}

type BackoffConfig struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

type DispatcherConfig struct {
	Workers          int
	ClaimTimeout     time.Duration
	PollInterval     time.Duration
	PollMaxInterval  time.Duration
	StarvationWindow time.Duration
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

// LoadAll reads the whole configuration from the environment. Every problem
// found is reported in the returned error, not only the first one.
func LoadAll() (*Config, error) {
	var errs []error
	str := func(key, def string) string { return getEnv(key, def) }
	num := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	seconds := func(key string, def int) time.Duration { return time.Duration(num(key, def)) * time.Second }
	millis := func(key string, def int) time.Duration { return time.Duration(num(key, def)) * time.Millisecond }
	need := func(key string) string {
		v, err := requireEnv(key)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := &Config{
		App: AppConfig{
			Env:      str("APP_ENV", "production"),
			LogLevel: str("LOG_LEVEL", "info"),
		},
		Server: ServerConfig{
			Address: str("SERVER_ADDRESS", ":8080"),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(str("STORE_DRIVER", DriverPostgres)),
		},
		Gateway: GatewayConfig{
			BaseURL:     strings.TrimRight(str("ZAPI_URL", "https://api.z-api.io"), "/"),
			Instance:    need("ZAPI_INSTANCE"),
			Token:       need("ZAPI_TOKEN"),
			ClientToken: str("ZAPI_CLIENT_TOKEN", ""),
			Timeout:     seconds("SEND_TIMEOUT_SECONDS", 10),
		},
		Engine: EngineConfig{
			URL:   str("ENGINE_URL", ""),
			Token: str("ENGINE_TOKEN", ""),
		},
		Queue: QueueConfig{
			MaxRetries:      num("QUEUE_MAX_RETRIES", 5),
			DefaultPriority: num("DEFAULT_PRIORITY", 5),
			InboundPriority: num("INBOUND_PRIORITY", 1),
			Retention:       time.Duration(num("QUEUE_RETENTION_HOURS", 168)) * time.Hour,
			PurgeInterval:   seconds("PURGE_INTERVAL_SECONDS", 3600),
		},
		Backoff: BackoffConfig{
			Base: millis("BACKOFF_BASE_MS", 1000),
			Max:  millis("BACKOFF_MAX_MS", 300000),
		},
		Dispatcher: DispatcherConfig{
			Workers:          num("WORKER_POOL_SIZE", 4),
			ClaimTimeout:     seconds("CLAIM_TIMEOUT_SECONDS", 60),
			PollInterval:     millis("POLL_INTERVAL_MS", 500),
			PollMaxInterval:  millis("POLL_MAX_INTERVAL_MS", 5000),
			StarvationWindow: seconds("STARVATION_WINDOW_SECONDS", 300),
		},
	}

	jitter, err := getEnvFloat("BACKOFF_JITTER", 0.2)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Backoff.Jitter = jitter

	if cfg.Store.Driver == DriverPostgres {
		cfg.Store.PostgresURL = need("POSTGRES_URL")
	}

	redisCfg, err := loadRedisConfig()
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Redis = redisCfg
	cfg.Kafka = loadKafkaConfig()

	if len(errs) == 0 {
		errs = append(errs, validate(cfg)...)
	}
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	var errs []error
	db, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		errs = append(errs, err)
	}
	ttl, err := getEnvInt("REDIS_TTL_SECONDS", 86400)
	if err != nil {
		errs = append(errs, err)
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
	}, joinErrors(errs)
}

func loadKafkaConfig() KafkaConfig {
	raw := os.Getenv("KAFKA_BROKERS")
	if strings.TrimSpace(raw) == "" {
		return KafkaConfig{Enabled: false}
	}

	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return KafkaConfig{
		Enabled: len(brokers) > 0,
		Brokers: brokers,
		Topic:   getEnv("KAFKA_EVENTS_TOPIC", "message-queue-events"),
	}
}

func validate(cfg *Config) []error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(cfg.Store.Driver == DriverPostgres || cfg.Store.Driver == DriverMemory,
		fmt.Sprintf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, cfg.Store.Driver))
	check(cfg.Gateway.Timeout > 0, "SEND_TIMEOUT_SECONDS must be > 0")
	check(cfg.Queue.MaxRetries >= 0, "QUEUE_MAX_RETRIES must be >= 0")
	check(cfg.Queue.Retention > 0, "QUEUE_RETENTION_HOURS must be > 0")
	check(cfg.Queue.PurgeInterval > 0, "PURGE_INTERVAL_SECONDS must be > 0")
	check(cfg.Backoff.Base > 0, "BACKOFF_BASE_MS must be > 0")
	check(cfg.Backoff.Max >= cfg.Backoff.Base, "BACKOFF_MAX_MS must be >= BACKOFF_BASE_MS")
	check(cfg.Backoff.Jitter >= 0 && cfg.Backoff.Jitter <= dispatcher.MaxJitter,
		fmt.Sprintf("BACKOFF_JITTER must be between 0 and %.3f", dispatcher.MaxJitter))
	check(cfg.Dispatcher.Workers > 0, "WORKER_POOL_SIZE must be > 0")
	check(cfg.Dispatcher.ClaimTimeout > 0, "CLAIM_TIMEOUT_SECONDS must be > 0")
	check(cfg.Dispatcher.PollInterval > 0, "POLL_INTERVAL_MS must be > 0")
	check(cfg.Dispatcher.PollMaxInterval >= cfg.Dispatcher.PollInterval, "POLL_MAX_INTERVAL_MS must be >= POLL_INTERVAL_MS")
	check(cfg.Dispatcher.StarvationWindow > 0, "STARVATION_WINDOW_SECONDS must be > 0")
	return errs
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def, fmt.Errorf("invalid float for env %s: %q", key, v)
	}
	return f, nil
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
