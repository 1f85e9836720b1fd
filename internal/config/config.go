package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	Stripe       StripeConfig
	Orchestrator OrchestratorConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	Host         string
	Port         string
	Username     string
	Password     string
	Database     string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

type RedisConfig struct {
	Addr string
}

type KafkaConfig struct {
	Brokers  []string
	GroupID  string
	Topics   TopicConfig
	MockMode bool
	Enabled  bool
}

type TopicConfig struct {
	OrderEvents   string
	Notifications string
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
	SuccessURL    string
	CancelURL     string
}

// OrchestratorConfig carries the time windows and retry ceilings the
// order state machine, matching engine and settlement reconciler run on.
type OrchestratorConfig struct {
	RestaurantAcceptWindow time.Duration
	DriverAcceptWindow     time.Duration
	CheckoutSessionExpiry  time.Duration
	DriverSearchRadiusKm   float64
	DriverSearchRetryDelay time.Duration
	DriverSearchMaxRetries int
	SettlementRetryBase    time.Duration
	SettlementMaxRetries   int
	ExclusionSetTTL        time.Duration
	JobConcurrency         int
	JobMaxAttempts         int
	JobRetryBase           time.Duration
	JobPollInterval        time.Duration
}

func Load() *Config {
	kafkaEnabled := getEnvBool("KAFKA_ENABLED", true)
	mockMode := getEnvBool("KAFKA_MOCK_MODE", false)

	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8080"),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			Username:     getEnv("DB_USERNAME", "delivery_user"),
			Password:     getEnv("DB_PASSWORD", "delivery_pass"),
			Database:     getEnv("DB_NAME", "delivery"),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  time.Duration(getEnvInt("DB_MAX_LIFETIME_MINUTES", 5)) * time.Minute,
		},
		Redis: RedisConfig{
			Addr: getEnv("REDIS_ADDR", "localhost:6379"),
		},
		Kafka: KafkaConfig{
			Brokers:  []string{getEnv("KAFKA_BROKERS", "localhost:9092")},
			GroupID:  getEnv("KAFKA_GROUP_ID", "delivery-service-group"),
			Enabled:  kafkaEnabled,
			MockMode: mockMode,
			Topics: TopicConfig{
				OrderEvents:   getEnv("KAFKA_TOPIC_ORDER_EVENTS", "order-events"),
				Notifications: getEnv("KAFKA_TOPIC_NOTIFICATIONS", "delivery-notifications"),
			},
		},
		Stripe: StripeConfig{
			SecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			Currency:      getEnv("STRIPE_CURRENCY", "usd"),
			SuccessURL:    getEnv("CHECKOUT_SUCCESS_URL", "http://localhost:3000/orders/success"),
			CancelURL:     getEnv("CHECKOUT_CANCEL_URL", "http://localhost:3000/orders/cancel"),
		},
		Orchestrator: OrchestratorConfig{
			RestaurantAcceptWindow: time.Duration(getEnvInt("RESTAURANT_ACCEPT_WINDOW_MINUTES", 25)) * time.Minute,
			DriverAcceptWindow:     time.Duration(getEnvInt("DRIVER_ACCEPT_WINDOW_MINUTES", 5)) * time.Minute,
			CheckoutSessionExpiry:  time.Duration(getEnvInt("CHECKOUT_SESSION_EXPIRY_MINUTES", 30)) * time.Minute,
			DriverSearchRadiusKm:   getEnvFloat("DRIVER_SEARCH_RADIUS_KM", 5.0),
			DriverSearchRetryDelay: time.Duration(getEnvInt("DRIVER_SEARCH_RETRY_MINUTES", 15)) * time.Minute,
			DriverSearchMaxRetries: getEnvInt("DRIVER_SEARCH_MAX_RETRIES", 3),
			SettlementRetryBase:    time.Duration(getEnvInt("SETTLEMENT_RETRY_BASE_MINUTES", 15)) * time.Minute,
			SettlementMaxRetries:   getEnvInt("SETTLEMENT_MAX_RETRIES", 5),
			ExclusionSetTTL:        time.Duration(getEnvInt("EXCLUSION_SET_TTL_HOURS", 24)) * time.Hour,
			JobConcurrency:         getEnvInt("JOB_CONCURRENCY", 8),
			JobMaxAttempts:         getEnvInt("JOB_MAX_ATTEMPTS", 3),
			JobRetryBase:           time.Duration(getEnvInt("JOB_RETRY_BASE_SECONDS", 30)) * time.Second,
			JobPollInterval:        time.Duration(getEnvInt("JOB_POLL_INTERVAL_SECONDS", 1)) * time.Second,
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
