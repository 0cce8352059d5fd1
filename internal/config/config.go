package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr          string
	RedisPassword      string
	RedisChannelPrefix string

	KafkaBrokers        []string
	KafkaEventsTopic    string
	KafkaLocationsTopic string

	PGDSN         string
	RunMigrations bool
	MigrationsDir string

	Dispatch DispatchConfig

	MaxOfferPrice      float64
	MaxOfferETAMinutes int
	DefaultRadiusKm    float64
	DefaultSpeedMps    float64
	OSRMEndpoint       string
	ETACacheTTL        time.Duration
	NearbyHelpLimit    int

	FCMEndpoint string
	FCMKey      string

	StripeAPIKey    string
	PaymentCurrency string

	LogLevel  string
	LogFormat string
}

// DispatchConfig drives the scheduler and the expansion policy.
type DispatchConfig struct {
	TickInterval       time.Duration
	RoundDuration      time.Duration
	InitialPoolSize    int
	ExpansionIncrement int
	MaxRounds          int
	Retention          time.Duration
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisChannelPrefix:  "roadside",
		KafkaEventsTopic:    "dispatch-events",
		KafkaLocationsTopic: "operator-locations",
		MigrationsDir:       "migrations",
		Dispatch: DispatchConfig{
			TickInterval:       5 * time.Second,
			RoundDuration:      30 * time.Second,
			InitialPoolSize:    15,
			ExpansionIncrement: 10,
			MaxRounds:          3,
			Retention:          24 * time.Hour,
		},
		MaxOfferPrice:      100000,
		MaxOfferETAMinutes: 1440,
		DefaultRadiusKm:    20,
		DefaultSpeedMps:    8,
		ETACacheTTL:        30 * time.Second,
		NearbyHelpLimit:    10,
		PaymentCurrency:    "pln",
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisChannelPrefix, "REDIS_CHANNEL_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaLocationsTopic, "KAFKA_LOCATIONS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.MigrationsDir, "MIGRATIONS_DIR")

	d := &cfg.Dispatch
	setDurationFromEnv(&d.TickInterval, "DISPATCH_TICK_INTERVAL", &errs)
	setDurationFromEnv(&d.RoundDuration, "DISPATCH_ROUND_DURATION", &errs)
	setIntFromEnv(&d.InitialPoolSize, "DISPATCH_INITIAL_POOL_SIZE", &errs)
	setIntFromEnv(&d.ExpansionIncrement, "DISPATCH_EXPANSION_INCREMENT", &errs)
	setIntFromEnv(&d.MaxRounds, "DISPATCH_MAX_ROUNDS", &errs)
	setDurationFromEnv(&d.Retention, "REQUEST_RETENTION", &errs)

	setFloatFromEnv(&cfg.MaxOfferPrice, "OFFER_MAX_PRICE", &errs)
	setIntFromEnv(&cfg.MaxOfferETAMinutes, "OFFER_MAX_ETA_MINUTES", &errs)
	setFloatFromEnv(&cfg.DefaultRadiusKm, "OPERATOR_DEFAULT_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setIntFromEnv(&cfg.NearbyHelpLimit, "NEARBY_HELP_LIMIT", &errs)

	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	cfg.FCMKey = os.Getenv("FCM_KEY")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.PaymentCurrency, "PAYMENT_CURRENCY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	positiveDuration := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", name))
		}
	}
	positiveDuration("DISPATCH_TICK_INTERVAL", c.Dispatch.TickInterval)
	positiveDuration("DISPATCH_ROUND_DURATION", c.Dispatch.RoundDuration)
	positiveDuration("REQUEST_RETENTION", c.Dispatch.Retention)
	if c.Dispatch.InitialPoolSize <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_INITIAL_POOL_SIZE must be > 0"))
	}
	if c.Dispatch.ExpansionIncrement < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_EXPANSION_INCREMENT must be >= 0"))
	}
	if c.Dispatch.MaxRounds < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_ROUNDS must be >= 0"))
	}
	if c.MaxOfferPrice <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_MAX_PRICE must be > 0"))
	}
	if c.MaxOfferETAMinutes <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_MAX_ETA_MINUTES must be > 0"))
	}
	if c.DefaultRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("OPERATOR_DEFAULT_RADIUS_KM must be > 0"))
	}
	if c.DefaultSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("ETA_DEFAULT_SPEED_MPS must be > 0"))
	}
	if c.FCMEndpoint != "" && c.FCMKey == "" {
		errs = append(errs, fmt.Errorf("FCM_KEY is required when FCM_ENDPOINT is set"))
	}
	return errs
}

// ConsumerConfig configures the operator-location consumer.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string
	PGDSN        string
	LogLevel     string
	LogFormat    string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "operator-locations",
		KafkaGroup:   "roadside-location-consumer",
		LogLevel:     "info",
		LogFormat:    "json",
	}
	var errs []error
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_LOCATIONS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	cfg.PGDSN = os.Getenv("PG_DSN")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required"))
	}
	return cfg, errors.Join(errs...)
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
