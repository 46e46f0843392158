package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type HTTPConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	GeoKey   string `koanf:"geo_key"`
}

type KafkaConfig struct {
	Brokers         []string `koanf:"brokers"`
	RideEventsTopic string   `koanf:"ride_events_topic"`
	HeartbeatTopic  string   `koanf:"heartbeat_topic"`
	ConsumerGroup   string   `koanf:"consumer_group"`
}

type PostgresConfig struct {
	DSN           string `koanf:"dsn"`
	RunMigrations bool   `koanf:"run_migrations"`
}

type DispatchConfig struct {
	OfferTTL       time.Duration `koanf:"offer_ttl"`
	SearchWindow   time.Duration `koanf:"search_window"`
	BaseDelay      time.Duration `koanf:"base_delay"`
	MaxDelay       time.Duration `koanf:"max_delay"`
	MinDelay       time.Duration `koanf:"min_delay"`
	DeclineDelay   time.Duration `koanf:"decline_delay"`
	Jitter         float64       `koanf:"jitter"`
	DeclineJitter  float64       `koanf:"decline_jitter"`
	OffersPerRound int           `koanf:"offers_per_round"`
	MaxAttempts    int           `koanf:"max_attempts"`
	// CancelCutoff is accepted or started.
	CancelCutoff string `koanf:"cancel_cutoff"`
}

type MatcherConfig struct {
	RadiusM float64 `koanf:"radius_m"`
	Limit   int     `koanf:"limit"`
}

type JanitorConfig struct {
	// Interval of the in-process reconcile loop. Zero leaves reconciliation
	// to an external scheduler.
	Interval     time.Duration `koanf:"interval"`
	HeartbeatTTL time.Duration `koanf:"heartbeat_ttl"`
}

type PaymentsConfig struct {
	StripeKey     string        `koanf:"stripe_key"`
	WebhookSecret string        `koanf:"webhook_secret"`
	Currency      string        `koanf:"currency"`
	AuthWait      time.Duration `koanf:"auth_wait"`
}

// Enabled reports whether rides should carry a payment hold.
func (p PaymentsConfig) Enabled() bool { return p.StripeKey != "" }

type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
	Issuer    string `koanf:"issuer"`
}

type StorageConfig struct {
	RetryAttempts  int           `koanf:"retry_attempts"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
	RetryMaxDelay  time.Duration `koanf:"retry_max_delay"`
}

// ServerConfig captures all tunable parameters for the server and consumer processes.
type ServerConfig struct {
	HTTP     HTTPConfig     `koanf:"http"`
	Redis    RedisConfig    `koanf:"redis"`
	Kafka    KafkaConfig    `koanf:"kafka"`
	Postgres PostgresConfig `koanf:"postgres"`
	Dispatch DispatchConfig `koanf:"dispatch"`
	Matcher  MatcherConfig  `koanf:"matcher"`
	Janitor  JanitorConfig  `koanf:"janitor"`
	Payments PaymentsConfig `koanf:"payments"`
	Auth     AuthConfig     `koanf:"auth"`
	Storage  StorageConfig  `koanf:"storage"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

func Default() ServerConfig {
	return ServerConfig{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Redis: RedisConfig{GeoKey: "drivers_geo"},
		Kafka: KafkaConfig{
			RideEventsTopic: "ride-events",
			HeartbeatTopic:  "driver-heartbeats",
			ConsumerGroup:   "ride-dispatch-heartbeats",
		},
		Dispatch: DispatchConfig{
			OfferTTL:       15 * time.Second,
			SearchWindow:   5 * time.Minute,
			BaseDelay:      2 * time.Second,
			MaxDelay:       30 * time.Second,
			MinDelay:       500 * time.Millisecond,
			DeclineDelay:   time.Second,
			Jitter:         0.2,
			DeclineJitter:  0.4,
			OffersPerRound: 3,
			MaxAttempts:    5,
			CancelCutoff:   "started",
		},
		Matcher: MatcherConfig{RadiusM: 5000, Limit: 50},
		Janitor: JanitorConfig{Interval: 10 * time.Second, HeartbeatTTL: 2 * time.Minute},
		Payments: PaymentsConfig{
			Currency: "usd",
			AuthWait: 3 * time.Second,
		},
		Auth: AuthConfig{Issuer: "ride-dispatch"},
		Storage: StorageConfig{
			RetryAttempts:  4,
			RetryBaseDelay: 10 * time.Millisecond,
			RetryMaxDelay:  200 * time.Millisecond,
		},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path and then environment variables, in that order of precedence.
func Load(path string) (ServerConfig, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	var errs []error
	applyEnv(&cfg, &errs)
	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func loadFile(path string, cfg *ServerConfig) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
	default:
		return fmt.Errorf("unsupported config format: %s", ext)
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *ServerConfig, errs *[]error) {
	setStringFromEnv(&cfg.HTTP.Addr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.HTTP.ReadTimeout, "HTTP_READ_TIMEOUT", errs)
	setDurationFromEnv(&cfg.HTTP.WriteTimeout, "HTTP_WRITE_TIMEOUT", errs)
	setDurationFromEnv(&cfg.HTTP.IdleTimeout, "HTTP_IDLE_TIMEOUT", errs)
	setDurationFromEnv(&cfg.HTTP.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", errs)

	setStringFromEnv(&cfg.Redis.Addr, "REDIS_ADDR")
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.Redis.Password = v
	}
	setStringFromEnv(&cfg.Redis.GeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.Kafka.RideEventsTopic, "KAFKA_RIDE_EVENTS_TOPIC")
	setStringFromEnv(&cfg.Kafka.HeartbeatTopic, "KAFKA_HEARTBEAT_TOPIC")
	setStringFromEnv(&cfg.Kafka.ConsumerGroup, "KAFKA_CONSUMER_GROUP")

	setStringFromEnv(&cfg.Postgres.DSN, "PG_DSN")
	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.Postgres.RunMigrations = strings.EqualFold(v, "true")
	}

	setDurationFromEnv(&cfg.Dispatch.OfferTTL, "DISPATCH_OFFER_TTL", errs)
	setDurationFromEnv(&cfg.Dispatch.SearchWindow, "DISPATCH_SEARCH_WINDOW", errs)
	setDurationFromEnv(&cfg.Dispatch.BaseDelay, "DISPATCH_BASE_DELAY", errs)
	setDurationFromEnv(&cfg.Dispatch.MaxDelay, "DISPATCH_MAX_DELAY", errs)
	setDurationFromEnv(&cfg.Dispatch.MinDelay, "DISPATCH_MIN_DELAY", errs)
	setDurationFromEnv(&cfg.Dispatch.DeclineDelay, "DISPATCH_DECLINE_DELAY", errs)
	setFloatFromEnv(&cfg.Dispatch.Jitter, "DISPATCH_JITTER", errs)
	setFloatFromEnv(&cfg.Dispatch.DeclineJitter, "DISPATCH_DECLINE_JITTER", errs)
	setIntFromEnv(&cfg.Dispatch.OffersPerRound, "DISPATCH_OFFERS_PER_ROUND", errs)
	setIntFromEnv(&cfg.Dispatch.MaxAttempts, "DISPATCH_MAX_ATTEMPTS", errs)
	setStringFromEnv(&cfg.Dispatch.CancelCutoff, "DISPATCH_CANCEL_CUTOFF")

	setFloatFromEnv(&cfg.Matcher.RadiusM, "MATCHER_RADIUS_M", errs)
	setIntFromEnv(&cfg.Matcher.Limit, "MATCHER_LIMIT", errs)

	setDurationFromEnv(&cfg.Janitor.Interval, "JANITOR_INTERVAL", errs)
	setDurationFromEnv(&cfg.Janitor.HeartbeatTTL, "JANITOR_HEARTBEAT_TTL", errs)

	setStringFromEnv(&cfg.Payments.StripeKey, "STRIPE_KEY")
	setStringFromEnv(&cfg.Payments.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
	setStringFromEnv(&cfg.Payments.Currency, "PAYMENTS_CURRENCY")
	setDurationFromEnv(&cfg.Payments.AuthWait, "PAYMENTS_AUTH_WAIT", errs)

	setStringFromEnv(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setStringFromEnv(&cfg.Auth.Issuer, "JWT_ISSUER")

	setIntFromEnv(&cfg.Storage.RetryAttempts, "STORAGE_RETRY_ATTEMPTS", errs)
	setDurationFromEnv(&cfg.Storage.RetryBaseDelay, "STORAGE_RETRY_BASE_DELAY", errs)
	setDurationFromEnv(&cfg.Storage.RetryMaxDelay, "STORAGE_RETRY_MAX_DELAY", errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")
}

func (c ServerConfig) validate() []error {
	var errs []error
	d := c.Dispatch
	if d.OfferTTL <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.offer_ttl must be > 0"))
	}
	if d.SearchWindow <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.search_window must be > 0"))
	}
	if d.BaseDelay <= 0 || d.MaxDelay < d.BaseDelay {
		errs = append(errs, fmt.Errorf("dispatch delays need 0 < base_delay <= max_delay"))
	}
	if d.Jitter < 0 || d.Jitter >= 1 || d.DeclineJitter < 0 || d.DeclineJitter >= 1 {
		errs = append(errs, fmt.Errorf("dispatch jitter ratios must be in [0,1)"))
	}
	if d.OffersPerRound <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.offers_per_round must be > 0"))
	}
	if d.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.max_attempts must be > 0"))
	}
	switch d.CancelCutoff {
	case "accepted", "started":
	default:
		errs = append(errs, fmt.Errorf("dispatch.cancel_cutoff %q must be accepted or started", d.CancelCutoff))
	}
	if c.Matcher.RadiusM <= 0 {
		errs = append(errs, fmt.Errorf("matcher.radius_m must be > 0"))
	}
	if c.Janitor.HeartbeatTTL <= 0 {
		errs = append(errs, fmt.Errorf("janitor.heartbeat_ttl must be > 0"))
	}
	if c.Janitor.Interval < 0 {
		errs = append(errs, fmt.Errorf("janitor.interval must be >= 0"))
	}
	if c.Payments.Enabled() && c.Payments.WebhookSecret == "" {
		errs = append(errs, fmt.Errorf("payments.webhook_secret is required with a stripe key"))
	}
	if c.Storage.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("storage.retry_attempts must be > 0"))
	}
	return errs
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
