package config

import (
	"fmt"
	"time"

	"github.com/fjod/stockcart/internal/repository"
	"github.com/kelseyhightower/envconfig"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	HTTPPort string `envconfig:"HTTP_PORT" default:"8080"`
	GRPCPort string `envconfig:"GRPC_PORT" default:"50051"`

	StoreDriver string `envconfig:"STORE_DRIVER" default:"postgres"`
	SeedFile    string `envconfig:"SEED_FILE"`

	DBHost         string `envconfig:"DB_HOST" default:"localhost"`
	DBPort         int    `envconfig:"DB_PORT" default:"5432"`
	DBUser         string `envconfig:"DB_USER" default:"postgres"`
	DBPassword     string `envconfig:"DB_PASSWORD" default:"postgres"`
	DBName         string `envconfig:"DB_NAME" default:"stockcart"`
	MigrationsPath string `envconfig:"MIGRATIONS_PATH" default:"internal/repository/migrations"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	OutboxTopic  string   `envconfig:"OUTBOX_TOPIC" default:"stockcart-outbox"`

	LockTimeout     time.Duration `envconfig:"LOCK_TIMEOUT" default:"5s"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	NotifyTimeout   time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"10s"`

	VAPIDPublicKey  string        `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string        `envconfig:"VAPID_PRIVATE_KEY"`
	VAPIDSubscriber string        `envconfig:"VAPID_SUBSCRIBER" default:"mailto:admin@stockcart.local"`
	PushTTL         time.Duration `envconfig:"PUSH_TTL" default:"24h"`

	OtelEndpoint string `envconfig:"OTEL_ENDPOINT"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive, got %s", c.LockTimeout)
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}
	return nil
}

// PushEnabled reports whether VAPID keys are configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

func (c *Config) Credentials() *repository.Credentials {
	return &repository.Credentials{
		Host:              c.DBHost,
		Port:              c.DBPort,
		User:              c.DBUser,
		Password:          c.DBPassword,
		DBName:            c.DBName,
		MigrationsDirPath: c.MigrationsPath,
	}
}
