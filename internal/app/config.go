package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	CatalogDriverMemory   = "memory"
	CatalogDriverPostgres = "postgres"
)

// EnvPrefix — префикс переменных окружения: CHECKOUT_HTTP_ADDR и т.п.
const EnvPrefix = "CHECKOUT"

// Config описывает настройки запуска сервиса. Значения сравнимы, поэтому списки
// (брокеры Kafka) хранятся строкой через запятую.
type Config struct {
	HTTPAddr       string
	MetricsAddr    string
	GRPCHealthAddr string

	StorageDriver           string
	PostgresDSN             string
	PostgresAutoMigrate     bool
	PostgresMaxOpenConns    int
	PostgresMaxIdleConns    int
	PostgresConnMaxLifetime time.Duration

	CatalogDriver   string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisCartPrefix string

	KafkaBrokers            string
	KafkaNotificationsTopic string
	KafkaEventsTopic        string
	KafkaDLQTopic           string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	OutboxMaxRetry     time.Duration
	OutboxClaimLease   time.Duration

	// OutboxStaleAfter — возраст самого старого pending-сообщения, после которого health переходит в degraded; 0 отключает проверку.
	OutboxStaleAfter time.Duration

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	SweeperInterval  time.Duration
	SweeperMaxAge    time.Duration
	SweeperBatchSize int

	BaseURL           string
	Currency          string
	ShippingFee       string
	LowStockThreshold int64

	ProviderTimeout        time.Duration
	ProviderSandbox        bool
	ProviderAAPIKey        string
	ProviderAWebhookSecret string
	ProviderABaseURL       string
	ProviderBClientID      string
	ProviderBClientSecret  string
	ProviderBWebhookID     string
	ProviderBWebhookSecret string
	ProviderBBaseURL       string

	JWTSecret   string
	JWTIssuer   string
	VerifyRPS   float64
	VerifyBurst int

	OTLPEndpoint string
	ServiceName  string
	LogLevel     string
	LogFormat    string
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:       ":8080",
		MetricsAddr:    ":9090",
		GRPCHealthAddr: ":50051",

		StorageDriver:           StorageDriverMemory,
		PostgresAutoMigrate:     true,
		PostgresMaxOpenConns:    25,
		PostgresMaxIdleConns:    25,
		PostgresConnMaxLifetime: 30 * time.Minute,

		CatalogDriver:   CatalogDriverMemory,
		RedisCartPrefix: "cart:",

		KafkaNotificationsTopic: "checkout.notifications",
		KafkaEventsTopic:        "checkout.order.events",
		KafkaDLQTopic:           "checkout.dlq",

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  8,
		OutboxRetryDelay:   time.Second,
		OutboxMaxRetry:     5 * time.Minute,
		OutboxClaimLease:   30 * time.Second,
		OutboxStaleAfter:   10 * time.Minute,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  time.Minute,
		IdempotencyCleanupBatchSize: 500,

		SweeperInterval:  time.Minute,
		SweeperMaxAge:    30 * time.Minute,
		SweeperBatchSize: 100,

		BaseURL:           "http://localhost:8080",
		Currency:          "USD",
		ShippingFee:       "5.99",
		LowStockThreshold: 5,

		ProviderTimeout:  10 * time.Second,
		ProviderABaseURL: "https://api.provider-a.example",
		ProviderBBaseURL: "https://api.provider-b.example",

		JWTIssuer:   "",
		VerifyRPS:   1,
		VerifyBurst: 5,

		ServiceName: "checkout-service",
		LogLevel:    "info",
		LogFormat:   "text",
	}
}

// setDefaults регистрирует значения по умолчанию под ключами конфигурации.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("http.addr", d.HTTPAddr)
	v.SetDefault("metrics.addr", d.MetricsAddr)
	v.SetDefault("grpc.health_addr", d.GRPCHealthAddr)

	v.SetDefault("storage.driver", d.StorageDriver)
	v.SetDefault("postgres.dsn", d.PostgresDSN)
	v.SetDefault("postgres.auto_migrate", d.PostgresAutoMigrate)
	v.SetDefault("postgres.max_open_conns", d.PostgresMaxOpenConns)
	v.SetDefault("postgres.max_idle_conns", d.PostgresMaxIdleConns)
	v.SetDefault("postgres.conn_max_lifetime", d.PostgresConnMaxLifetime)

	v.SetDefault("catalog.driver", d.CatalogDriver)
	v.SetDefault("redis.addr", d.RedisAddr)
	v.SetDefault("redis.password", d.RedisPassword)
	v.SetDefault("redis.db", d.RedisDB)
	v.SetDefault("redis.cart_prefix", d.RedisCartPrefix)

	v.SetDefault("kafka.brokers", d.KafkaBrokers)
	v.SetDefault("kafka.notifications_topic", d.KafkaNotificationsTopic)
	v.SetDefault("kafka.events_topic", d.KafkaEventsTopic)
	v.SetDefault("kafka.dlq_topic", d.KafkaDLQTopic)

	v.SetDefault("outbox.poll_interval", d.OutboxPollInterval)
	v.SetDefault("outbox.batch_size", d.OutboxBatchSize)
	v.SetDefault("outbox.max_attempts", d.OutboxMaxAttempts)
	v.SetDefault("outbox.retry_base_delay", d.OutboxRetryDelay)
	v.SetDefault("outbox.retry_max_delay", d.OutboxMaxRetry)
	v.SetDefault("outbox.claim_lease", d.OutboxClaimLease)
	v.SetDefault("outbox.stale_after", d.OutboxStaleAfter)

	v.SetDefault("idempotency.ttl", d.IdempotencyTTL)
	v.SetDefault("idempotency.cleanup_interval", d.IdempotencyCleanupInterval)
	v.SetDefault("idempotency.cleanup_batch_size", d.IdempotencyCleanupBatchSize)

	v.SetDefault("sweeper.interval", d.SweeperInterval)
	v.SetDefault("sweeper.max_age", d.SweeperMaxAge)
	v.SetDefault("sweeper.batch_size", d.SweeperBatchSize)

	v.SetDefault("checkout.base_url", d.BaseURL)
	v.SetDefault("checkout.currency", d.Currency)
	v.SetDefault("checkout.shipping_fee", d.ShippingFee)
	v.SetDefault("checkout.low_stock_threshold", d.LowStockThreshold)

	v.SetDefault("provider.timeout", d.ProviderTimeout)
	v.SetDefault("provider.sandbox", d.ProviderSandbox)
	v.SetDefault("provider_a.api_key", d.ProviderAAPIKey)
	v.SetDefault("provider_a.webhook_secret", d.ProviderAWebhookSecret)
	v.SetDefault("provider_a.base_url", d.ProviderABaseURL)
	v.SetDefault("provider_b.client_id", d.ProviderBClientID)
	v.SetDefault("provider_b.client_secret", d.ProviderBClientSecret)
	v.SetDefault("provider_b.webhook_id", d.ProviderBWebhookID)
	v.SetDefault("provider_b.webhook_secret", d.ProviderBWebhookSecret)
	v.SetDefault("provider_b.base_url", d.ProviderBBaseURL)

	v.SetDefault("auth.jwt_secret", d.JWTSecret)
	v.SetDefault("auth.jwt_issuer", d.JWTIssuer)
	v.SetDefault("ratelimit.verify_rps", d.VerifyRPS)
	v.SetDefault("ratelimit.verify_burst", d.VerifyBurst)

	v.SetDefault("tracing.otlp_endpoint", d.OTLPEndpoint)
	v.SetDefault("tracing.service_name", d.ServiceName)
	v.SetDefault("log.level", d.LogLevel)
	v.SetDefault("log.format", d.LogFormat)
}

// NewViper создаёт viper с префиксом окружения CHECKOUT_ и, если задан, файлом конфигурации.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}

// LoadConfig читает настройки из viper и проверяет их.
func LoadConfig(v *viper.Viper) (Config, error) {
	setDefaults(v)

	cfg := Config{
		HTTPAddr:       v.GetString("http.addr"),
		MetricsAddr:    v.GetString("metrics.addr"),
		GRPCHealthAddr: v.GetString("grpc.health_addr"),

		StorageDriver:           strings.ToLower(strings.TrimSpace(v.GetString("storage.driver"))),
		PostgresDSN:             strings.TrimSpace(v.GetString("postgres.dsn")),
		PostgresAutoMigrate:     v.GetBool("postgres.auto_migrate"),
		PostgresMaxOpenConns:    v.GetInt("postgres.max_open_conns"),
		PostgresMaxIdleConns:    v.GetInt("postgres.max_idle_conns"),
		PostgresConnMaxLifetime: v.GetDuration("postgres.conn_max_lifetime"),

		CatalogDriver:   strings.ToLower(strings.TrimSpace(v.GetString("catalog.driver"))),
		RedisAddr:       strings.TrimSpace(v.GetString("redis.addr")),
		RedisPassword:   v.GetString("redis.password"),
		RedisDB:         v.GetInt("redis.db"),
		RedisCartPrefix: v.GetString("redis.cart_prefix"),

		KafkaBrokers:            strings.TrimSpace(v.GetString("kafka.brokers")),
		KafkaNotificationsTopic: v.GetString("kafka.notifications_topic"),
		KafkaEventsTopic:        v.GetString("kafka.events_topic"),
		KafkaDLQTopic:           v.GetString("kafka.dlq_topic"),

		OutboxPollInterval: v.GetDuration("outbox.poll_interval"),
		OutboxBatchSize:    v.GetInt("outbox.batch_size"),
		OutboxMaxAttempts:  v.GetInt("outbox.max_attempts"),
		OutboxRetryDelay:   v.GetDuration("outbox.retry_base_delay"),
		OutboxMaxRetry:     v.GetDuration("outbox.retry_max_delay"),
		OutboxClaimLease:   v.GetDuration("outbox.claim_lease"),
		OutboxStaleAfter:   v.GetDuration("outbox.stale_after"),

		IdempotencyTTL:              v.GetDuration("idempotency.ttl"),
		IdempotencyCleanupInterval:  v.GetDuration("idempotency.cleanup_interval"),
		IdempotencyCleanupBatchSize: v.GetInt("idempotency.cleanup_batch_size"),

		SweeperInterval:  v.GetDuration("sweeper.interval"),
		SweeperMaxAge:    v.GetDuration("sweeper.max_age"),
		SweeperBatchSize: v.GetInt("sweeper.batch_size"),

		BaseURL:           strings.TrimRight(v.GetString("checkout.base_url"), "/"),
		Currency:          strings.ToUpper(v.GetString("checkout.currency")),
		ShippingFee:       v.GetString("checkout.shipping_fee"),
		LowStockThreshold: v.GetInt64("checkout.low_stock_threshold"),

		ProviderTimeout:        v.GetDuration("provider.timeout"),
		ProviderSandbox:        v.GetBool("provider.sandbox"),
		ProviderAAPIKey:        v.GetString("provider_a.api_key"),
		ProviderAWebhookSecret: v.GetString("provider_a.webhook_secret"),
		ProviderABaseURL:       v.GetString("provider_a.base_url"),
		ProviderBClientID:      v.GetString("provider_b.client_id"),
		ProviderBClientSecret:  v.GetString("provider_b.client_secret"),
		ProviderBWebhookID:     v.GetString("provider_b.webhook_id"),
		ProviderBWebhookSecret: v.GetString("provider_b.webhook_secret"),
		ProviderBBaseURL:       v.GetString("provider_b.base_url"),

		JWTSecret:   v.GetString("auth.jwt_secret"),
		JWTIssuer:   v.GetString("auth.jwt_issuer"),
		VerifyRPS:   v.GetFloat64("ratelimit.verify_rps"),
		VerifyBurst: v.GetInt("ratelimit.verify_burst"),

		OTLPEndpoint: v.GetString("tracing.otlp_endpoint"),
		ServiceName:  v.GetString("tracing.service_name"),
		LogLevel:     v.GetString("log.level"),
		LogFormat:    v.GetString("log.format"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres.dsn is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}
	if c.PostgresMaxOpenConns < 0 || c.PostgresMaxIdleConns < 0 || c.PostgresConnMaxLifetime < 0 {
		errs = append(errs, errors.New("postgres pool settings must not be negative"))
	} else if c.PostgresMaxOpenConns > 0 && c.PostgresMaxIdleConns > c.PostgresMaxOpenConns {
		errs = append(errs, errors.New("postgres.max_idle_conns must not exceed postgres.max_open_conns"))
	}

	switch c.CatalogDriver {
	case CatalogDriverMemory:
	case CatalogDriverPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres.dsn is required for postgres catalog"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported catalog driver %q", c.CatalogDriver))
	}

	if c.Currency == "" {
		errs = append(errs, domain.ErrCurrencyRequired)
	}
	if _, err := c.ShippingFeeMinor(); err != nil {
		errs = append(errs, err)
	}
	if c.LowStockThreshold < 0 {
		errs = append(errs, errors.New("checkout.low_stock_threshold must be >= 0"))
	}
	if c.BaseURL == "" {
		errs = append(errs, errors.New("checkout.base_url is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if !c.ProviderSandbox {
		if !c.providerAConfigured() {
			errs = append(errs, errors.New("provider_a.api_key and provider_a.webhook_secret are required unless provider.sandbox is enabled"))
		}
		if !c.providerBConfigured() {
			errs = append(errs, errors.New("provider_b client_id, client_secret, webhook_id and webhook_secret are required unless provider.sandbox is enabled"))
		}
	}
	if c.OutboxBatchSize <= 0 || c.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox batch size and max attempts must be > 0"))
	}
	if c.OutboxClaimLease <= 0 {
		errs = append(errs, errors.New("outbox.claim_lease must be > 0"))
	}
	if c.SweeperMaxAge <= 0 {
		errs = append(errs, errors.New("sweeper.max_age must be > 0"))
	}
	return errors.Join(errs...)
}

func (c Config) providerAConfigured() bool {
	return c.ProviderAAPIKey != "" && c.ProviderAWebhookSecret != ""
}

func (c Config) providerBConfigured() bool {
	return c.ProviderBClientID != "" && c.ProviderBClientSecret != "" &&
		c.ProviderBWebhookID != "" && c.ProviderBWebhookSecret != ""
}

// ShippingFeeMinor переводит фиксированную стоимость доставки в минимальные единицы.
func (c Config) ShippingFeeMinor() (int64, error) {
	fee, err := domain.ParseMinor(c.ShippingFee)
	if err != nil {
		return 0, fmt.Errorf("checkout.shipping_fee: %w", err)
	}
	if fee < 0 {
		return 0, fmt.Errorf("checkout.shipping_fee: %w", domain.ErrShippingFeeNegative)
	}
	return fee, nil
}

// Brokers возвращает список брокеров Kafka.
func (c Config) Brokers() []string {
	if c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
