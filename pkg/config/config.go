package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all platform configuration. Each service binary loads the
// full config and reads only the sections it needs.
type Config struct {
	App               AppConfig
	Server            ServerConfig
	OrderDatabase     DatabaseConfig
	PaymentDatabase   DatabaseConfig
	InventoryDatabase DatabaseConfig
	ShippingDatabase  DatabaseConfig
	AuthDatabase      DatabaseConfig
	Redis             RedisConfig
	Kafka             KafkaConfig
	JWT               JWTConfig
	Authz             AuthzConfig
	Provider          ProviderConfig
	Outbox            OutboxConfig
	OTel              OTelConfig
	Services          ServicesConfig
}

// AppConfig holds application-level settings
type AppConfig struct {
	Name        string
	Environment string // development, staging, production
	LogLevel    string
	Version     string
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// ServicesConfig holds URLs of the downstream services the gateway proxies to
type ServicesConfig struct {
	OrderServiceURL   string
	PaymentServiceURL string
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Addr returns the Redis address
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// KafkaTopics enumerates the command and event topics
type KafkaTopics struct {
	OrderCreateCommand string
	OrderEvents        string
	PaymentEvents      string
	InventoryEvents    string
}

// All returns every topic in the set.
func (t KafkaTopics) All() []string {
	return []string{t.OrderCreateCommand, t.OrderEvents, t.PaymentEvents, t.InventoryEvents}
}

// KafkaConfig holds Kafka connection and tuning settings
type KafkaConfig struct {
	Brokers          []string
	ClientID         string
	GroupID          string
	Acks             string
	CompressionType  string
	BatchSize        int
	LingerMs         int
	DeliveryTimeout  time.Duration
	MaxPollRecords   int
	FetchMaxWait     time.Duration
	CommitInterval   time.Duration
	SessionTimeout   time.Duration
	RebalanceTimeout time.Duration
	Topics           KafkaTopics
}

// JWTConfig holds token issuance settings
type JWTConfig struct {
	Issuer              string
	Audience            string
	AccessTokenTTL      time.Duration
	KeyRotationInterval time.Duration
	KeySize             int
}

// AuthzConfig holds authority-derivation settings
type AuthzConfig struct {
	ScopeAuthorityPrefix         string
	TenantRoleAuthorityPattern   string
	KeycloakTenantResourcePrefix string
	MapAudienceToAuthorities     bool
	AudienceAuthorityPrefix      string
	PermissionAuthorityPrefix    string
	TenantHeader                 string
}

// FakeProviderConfig configures the built-in payment provider used in
// development and load testing.
type FakeProviderConfig struct {
	Enabled        bool
	MinLatency     time.Duration
	MaxLatency     time.Duration
	MaxAmountMinor int64
	RiskModulo     int64
}

// ExternalProviderConfig configures a real payment provider integration.
type ExternalProviderConfig struct {
	Enabled   bool
	APIKey    string
	APISecret string
	Endpoint  string
}

// ProviderConfig selects and configures the payment provider
type ProviderConfig struct {
	Fake   FakeProviderConfig
	Adyen  ExternalProviderConfig
	Stripe ExternalProviderConfig
}

// OutboxConfig tunes the outbox publisher
type OutboxConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	LeaseDuration time.Duration
	MaxAttempts   int
	MaxInFlight   int
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled       bool
	ServiceName   string
	CollectorAddr string
	SampleRatio   float64
}

// Load loads configuration from environment variables and an optional .env
// file. Environment variables always win over file values.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// .env is optional; env vars may still carry everything
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{}
	bindConfig(v, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// App
	v.SetDefault("APP_NAME", "order-platform")
	v.SetDefault("APP_ENVIRONMENT", "development")
	v.SetDefault("APP_LOG_LEVEL", "info")
	v.SetDefault("APP_VERSION", "1.0.0")

	// Server
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("SERVER_READ_TIMEOUT", "30s")
	v.SetDefault("SERVER_WRITE_TIMEOUT", "30s")
	v.SetDefault("SERVER_IDLE_TIMEOUT", "120s")

	// Services
	v.SetDefault("SERVICES_ORDER_URL", "http://localhost:8081")
	v.SetDefault("SERVICES_PAYMENT_URL", "http://localhost:8082")

	// Per-service databases. Each service owns its store; no sharing.
	for prefix, name := range map[string]string{
		"ORDER_DATABASE":     "order_db",
		"PAYMENT_DATABASE":   "payment_db",
		"INVENTORY_DATABASE": "inventory_db",
		"SHIPPING_DATABASE":  "shipping_db",
		"AUTH_DATABASE":      "auth_db",
	} {
		v.SetDefault(prefix+"_HOST", "localhost")
		v.SetDefault(prefix+"_PORT", 5432)
		v.SetDefault(prefix+"_USER", "postgres")
		v.SetDefault(prefix+"_PASSWORD", "postgres")
		v.SetDefault(prefix+"_DBNAME", name)
		v.SetDefault(prefix+"_SSLMODE", "disable")
		v.SetDefault(prefix+"_MAX_CONNS", 25)
		v.SetDefault(prefix+"_MIN_CONNS", 5)
		v.SetDefault(prefix+"_CONN_MAX_LIFETIME", "1h")
		v.SetDefault(prefix+"_CONN_MAX_IDLE_TIME", "30m")
	}

	// Redis
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 100)
	v.SetDefault("REDIS_MIN_IDLE_CONNS", 10)
	v.SetDefault("REDIS_DIAL_TIMEOUT", "5s")
	v.SetDefault("REDIS_READ_TIMEOUT", "3s")
	v.SetDefault("REDIS_WRITE_TIMEOUT", "3s")

	// Kafka
	v.SetDefault("KAFKA_BOOTSTRAP", "localhost:9092")
	v.SetDefault("KAFKA_CLIENT_ID", "order-platform")
	v.SetDefault("KAFKA_GROUP_ID", "order-platform")
	v.SetDefault("KAFKA_ACKS", "all")
	v.SetDefault("KAFKA_COMPRESSION_TYPE", "snappy")
	v.SetDefault("KAFKA_BATCH_SIZE", 16384)
	v.SetDefault("KAFKA_LINGER_MS", 5)
	v.SetDefault("KAFKA_DELIVERY_TIMEOUT", "120s")
	v.SetDefault("KAFKA_MAX_POLL_RECORDS", 500)
	v.SetDefault("KAFKA_FETCH_MAX_WAIT", "500ms")
	v.SetDefault("KAFKA_COMMIT_INTERVAL", "2s")
	v.SetDefault("KAFKA_SESSION_TIMEOUT", "10s")
	v.SetDefault("KAFKA_REBALANCE_TIMEOUT", "30s")
	v.SetDefault("KAFKA_TOPIC_ORDER_CREATE_COMMAND", "order.command.create.v1")
	v.SetDefault("KAFKA_TOPIC_ORDER_EVENTS", "order.events.v1")
	v.SetDefault("KAFKA_TOPIC_PAYMENT_EVENTS", "payment.events.v1")
	v.SetDefault("KAFKA_TOPIC_INVENTORY_EVENTS", "inventory.events.v1")

	// JWT / keys
	v.SetDefault("SECURITY_JWT_ISSUER", "http://localhost:8080")
	v.SetDefault("SECURITY_JWT_AUDIENCE", "order-platform")
	v.SetDefault("SECURITY_JWT_ACCESS_TOKEN_TTL", "15m")
	v.SetDefault("SECURITY_JWT_KEY_ROTATION_INTERVAL", "24h")
	v.SetDefault("SECURITY_JWT_KEY_SIZE", 2048)

	// Authority derivation
	v.SetDefault("SECURITY_AUTHZ_SCOPE_AUTHORITY_PREFIX", "SCOPE_")
	v.SetDefault("SECURITY_AUTHZ_TENANT_ROLE_AUTHORITY_PATTERN", "TENANT_%s:%s")
	v.SetDefault("SECURITY_AUTHZ_KEYCLOAK_TENANT_RESOURCE_PREFIX", "tenant-")
	v.SetDefault("SECURITY_AUTHZ_MAP_AUDIENCE_TO_AUTHORITIES", false)
	v.SetDefault("SECURITY_AUTHZ_AUDIENCE_AUTHORITY_PREFIX", "AUD_")
	v.SetDefault("SECURITY_AUTHZ_PERMISSION_AUTHORITY_PREFIX", "PERM_")
	v.SetDefault("SECURITY_AUTHZ_TENANT_HEADER", "X-Tenant-ID")

	// Payment provider
	v.SetDefault("PROVIDER_FAKE_ENABLED", true)
	v.SetDefault("PROVIDER_FAKE_MIN_LATENCY", "10ms")
	v.SetDefault("PROVIDER_FAKE_MAX_LATENCY", "120ms")
	v.SetDefault("PROVIDER_FAKE_MAX_AMOUNT_MINOR", 1000000)
	v.SetDefault("PROVIDER_FAKE_RISK_MODULO", 97)
	v.SetDefault("PROVIDER_ADYEN_ENABLED", false)
	v.SetDefault("PROVIDER_STRIPE_ENABLED", false)

	// Outbox publisher
	v.SetDefault("OUTBOX_POLL_INTERVAL", "100ms")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_LEASE_DURATION", "30s")
	v.SetDefault("OUTBOX_MAX_ATTEMPTS", 12)
	v.SetDefault("OUTBOX_MAX_IN_FLIGHT", 16)

	// OTel
	v.SetDefault("OTEL_ENABLED", true)
	v.SetDefault("OTEL_SERVICE_NAME", "order-platform")
	v.SetDefault("OTEL_COLLECTOR_ADDR", "localhost:4317")
	v.SetDefault("OTEL_SAMPLE_RATIO", 1.0)
}

func bindDatabase(v *viper.Viper, prefix string, db *DatabaseConfig) {
	db.Host = v.GetString(prefix + "_HOST")
	db.Port = v.GetInt(prefix + "_PORT")
	db.User = v.GetString(prefix + "_USER")
	db.Password = v.GetString(prefix + "_PASSWORD")
	db.DBName = v.GetString(prefix + "_DBNAME")
	db.SSLMode = v.GetString(prefix + "_SSLMODE")
	db.MaxConns = v.GetInt32(prefix + "_MAX_CONNS")
	db.MinConns = v.GetInt32(prefix + "_MIN_CONNS")
	db.ConnMaxLifetime = v.GetDuration(prefix + "_CONN_MAX_LIFETIME")
	db.ConnMaxIdleTime = v.GetDuration(prefix + "_CONN_MAX_IDLE_TIME")
}

func bindConfig(v *viper.Viper, cfg *Config) {
	cfg.App.Name = v.GetString("APP_NAME")
	cfg.App.Environment = v.GetString("APP_ENVIRONMENT")
	cfg.App.LogLevel = v.GetString("APP_LOG_LEVEL")
	cfg.App.Version = v.GetString("APP_VERSION")

	cfg.Server.Host = v.GetString("SERVER_HOST")
	cfg.Server.Port = v.GetInt("SERVER_PORT")
	cfg.Server.ReadTimeout = v.GetDuration("SERVER_READ_TIMEOUT")
	cfg.Server.WriteTimeout = v.GetDuration("SERVER_WRITE_TIMEOUT")
	cfg.Server.IdleTimeout = v.GetDuration("SERVER_IDLE_TIMEOUT")

	cfg.Services.OrderServiceURL = v.GetString("SERVICES_ORDER_URL")
	cfg.Services.PaymentServiceURL = v.GetString("SERVICES_PAYMENT_URL")

	bindDatabase(v, "ORDER_DATABASE", &cfg.OrderDatabase)
	bindDatabase(v, "PAYMENT_DATABASE", &cfg.PaymentDatabase)
	bindDatabase(v, "INVENTORY_DATABASE", &cfg.InventoryDatabase)
	bindDatabase(v, "SHIPPING_DATABASE", &cfg.ShippingDatabase)
	bindDatabase(v, "AUTH_DATABASE", &cfg.AuthDatabase)

	cfg.Redis.Host = v.GetString("REDIS_HOST")
	cfg.Redis.Port = v.GetInt("REDIS_PORT")
	cfg.Redis.Password = v.GetString("REDIS_PASSWORD")
	cfg.Redis.DB = v.GetInt("REDIS_DB")
	cfg.Redis.PoolSize = v.GetInt("REDIS_POOL_SIZE")
	cfg.Redis.MinIdleConns = v.GetInt("REDIS_MIN_IDLE_CONNS")
	cfg.Redis.DialTimeout = v.GetDuration("REDIS_DIAL_TIMEOUT")
	cfg.Redis.ReadTimeout = v.GetDuration("REDIS_READ_TIMEOUT")
	cfg.Redis.WriteTimeout = v.GetDuration("REDIS_WRITE_TIMEOUT")

	cfg.Kafka.Brokers = strings.Split(v.GetString("KAFKA_BOOTSTRAP"), ",")
	cfg.Kafka.ClientID = v.GetString("KAFKA_CLIENT_ID")
	cfg.Kafka.GroupID = v.GetString("KAFKA_GROUP_ID")
	cfg.Kafka.Acks = v.GetString("KAFKA_ACKS")
	cfg.Kafka.CompressionType = v.GetString("KAFKA_COMPRESSION_TYPE")
	cfg.Kafka.BatchSize = v.GetInt("KAFKA_BATCH_SIZE")
	cfg.Kafka.LingerMs = v.GetInt("KAFKA_LINGER_MS")
	cfg.Kafka.DeliveryTimeout = v.GetDuration("KAFKA_DELIVERY_TIMEOUT")
	cfg.Kafka.MaxPollRecords = v.GetInt("KAFKA_MAX_POLL_RECORDS")
	cfg.Kafka.FetchMaxWait = v.GetDuration("KAFKA_FETCH_MAX_WAIT")
	cfg.Kafka.CommitInterval = v.GetDuration("KAFKA_COMMIT_INTERVAL")
	cfg.Kafka.SessionTimeout = v.GetDuration("KAFKA_SESSION_TIMEOUT")
	cfg.Kafka.RebalanceTimeout = v.GetDuration("KAFKA_REBALANCE_TIMEOUT")
	cfg.Kafka.Topics.OrderCreateCommand = v.GetString("KAFKA_TOPIC_ORDER_CREATE_COMMAND")
	cfg.Kafka.Topics.OrderEvents = v.GetString("KAFKA_TOPIC_ORDER_EVENTS")
	cfg.Kafka.Topics.PaymentEvents = v.GetString("KAFKA_TOPIC_PAYMENT_EVENTS")
	cfg.Kafka.Topics.InventoryEvents = v.GetString("KAFKA_TOPIC_INVENTORY_EVENTS")

	cfg.JWT.Issuer = v.GetString("SECURITY_JWT_ISSUER")
	cfg.JWT.Audience = v.GetString("SECURITY_JWT_AUDIENCE")
	cfg.JWT.AccessTokenTTL = v.GetDuration("SECURITY_JWT_ACCESS_TOKEN_TTL")
	cfg.JWT.KeyRotationInterval = v.GetDuration("SECURITY_JWT_KEY_ROTATION_INTERVAL")
	cfg.JWT.KeySize = v.GetInt("SECURITY_JWT_KEY_SIZE")

	cfg.Authz.ScopeAuthorityPrefix = v.GetString("SECURITY_AUTHZ_SCOPE_AUTHORITY_PREFIX")
	cfg.Authz.TenantRoleAuthorityPattern = v.GetString("SECURITY_AUTHZ_TENANT_ROLE_AUTHORITY_PATTERN")
	cfg.Authz.KeycloakTenantResourcePrefix = v.GetString("SECURITY_AUTHZ_KEYCLOAK_TENANT_RESOURCE_PREFIX")
	cfg.Authz.MapAudienceToAuthorities = v.GetBool("SECURITY_AUTHZ_MAP_AUDIENCE_TO_AUTHORITIES")
	cfg.Authz.AudienceAuthorityPrefix = v.GetString("SECURITY_AUTHZ_AUDIENCE_AUTHORITY_PREFIX")
	cfg.Authz.PermissionAuthorityPrefix = v.GetString("SECURITY_AUTHZ_PERMISSION_AUTHORITY_PREFIX")
	cfg.Authz.TenantHeader = v.GetString("SECURITY_AUTHZ_TENANT_HEADER")

	cfg.Provider.Fake.Enabled = v.GetBool("PROVIDER_FAKE_ENABLED")
	cfg.Provider.Fake.MinLatency = v.GetDuration("PROVIDER_FAKE_MIN_LATENCY")
	cfg.Provider.Fake.MaxLatency = v.GetDuration("PROVIDER_FAKE_MAX_LATENCY")
	cfg.Provider.Fake.MaxAmountMinor = v.GetInt64("PROVIDER_FAKE_MAX_AMOUNT_MINOR")
	cfg.Provider.Fake.RiskModulo = v.GetInt64("PROVIDER_FAKE_RISK_MODULO")
	cfg.Provider.Adyen.Enabled = v.GetBool("PROVIDER_ADYEN_ENABLED")
	cfg.Provider.Adyen.APIKey = v.GetString("PROVIDER_ADYEN_API_KEY")
	cfg.Provider.Adyen.APISecret = v.GetString("PROVIDER_ADYEN_API_SECRET")
	cfg.Provider.Adyen.Endpoint = v.GetString("PROVIDER_ADYEN_ENDPOINT")
	cfg.Provider.Stripe.Enabled = v.GetBool("PROVIDER_STRIPE_ENABLED")
	cfg.Provider.Stripe.APIKey = v.GetString("PROVIDER_STRIPE_API_KEY")
	cfg.Provider.Stripe.APISecret = v.GetString("PROVIDER_STRIPE_API_SECRET")
	cfg.Provider.Stripe.Endpoint = v.GetString("PROVIDER_STRIPE_ENDPOINT")

	cfg.Outbox.PollInterval = v.GetDuration("OUTBOX_POLL_INTERVAL")
	cfg.Outbox.BatchSize = v.GetInt("OUTBOX_BATCH_SIZE")
	cfg.Outbox.LeaseDuration = v.GetDuration("OUTBOX_LEASE_DURATION")
	cfg.Outbox.MaxAttempts = v.GetInt("OUTBOX_MAX_ATTEMPTS")
	cfg.Outbox.MaxInFlight = v.GetInt("OUTBOX_MAX_IN_FLIGHT")

	cfg.OTel.Enabled = v.GetBool("OTEL_ENABLED")
	cfg.OTel.ServiceName = v.GetString("OTEL_SERVICE_NAME")
	cfg.OTel.CollectorAddr = v.GetString("OTEL_COLLECTOR_ADDR")
	cfg.OTel.SampleRatio = v.GetFloat64("OTEL_SAMPLE_RATIO")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app name is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if len(c.Kafka.Brokers) == 0 || c.Kafka.Brokers[0] == "" {
		return fmt.Errorf("KAFKA_BOOTSTRAP is required")
	}
	if c.JWT.Issuer == "" {
		return fmt.Errorf("SECURITY_JWT_ISSUER is required")
	}
	if c.JWT.KeyRotationInterval <= 0 {
		return fmt.Errorf("key rotation interval must be positive")
	}
	if c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("outbox max attempts must be positive")
	}
	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}
