package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	base "github.com/Abhishekmac/creditFlow-14sep/libs/config"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

type KafkaTopics struct {
	PaymentsSettled string
	PaymentsFailed  string
	GatewayEvents   string
	DeadLetter      string
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret string
}

type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

type SettlementConfig struct {
	MaxAmount       string
	ResolveDelayMin time.Duration
	ResolveDelayMax time.Duration
	SuccessRate     float64
}

type Config struct {
	App        base.AppConfig
	DB         DBConfig
	Kafka      KafkaConfig
	Redis      RedisConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Settlement SettlementConfig
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("CREDITFLOW_CONFIG"))
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("CREDITFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := os.Getenv("CREDITFLOW_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "creditflow-settlement")
	v.SetDefault("kafka.topics.payments_settled", "payments.settled")
	v.SetDefault("kafka.topics.payments_failed", "payments.failed")
	v.SetDefault("kafka.topics.gateway_events", "gateway.events")
	v.SetDefault("kafka.topics.dead_letter", "payments.dead_letter")

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "creditflow"),
			User:     envString("POSTGRES_USER", "creditflow"),
			Password: envString("POSTGRES_PASSWORD", "creditflow"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				PaymentsSettled: envString("KAFKA_PAYMENTS_SETTLED_TOPIC", v.GetString("kafka.topics.payments_settled")),
				PaymentsFailed:  envString("KAFKA_PAYMENTS_FAILED_TOPIC", v.GetString("kafka.topics.payments_failed")),
				GatewayEvents:   envString("KAFKA_GATEWAY_EVENTS_TOPIC", v.GetString("kafka.topics.gateway_events")),
				DeadLetter:      envString("KAFKA_DEAD_LETTER_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", "localhost:6379"),
			Password: envString("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret: envString("CREDITFLOW_JWT_SECRET", ""),
		},
		RateLimit: RateLimitConfig{
			Limit:  envInt("CREDITFLOW_PAYMENT_RATE_LIMIT", 10),
			Window: envDuration("CREDITFLOW_PAYMENT_RATE_WINDOW", time.Minute),
		},
		Settlement: SettlementConfig{
			MaxAmount:       envString("CREDITFLOW_MAX_PAYMENT_AMOUNT", "1000000"),
			ResolveDelayMin: envDuration("CREDITFLOW_RESOLVE_DELAY_MIN", 2*time.Second),
			ResolveDelayMax: envDuration("CREDITFLOW_RESOLVE_DELAY_MAX", 10*time.Second),
			SuccessRate:     envFloat("CREDITFLOW_RESOLVE_SUCCESS_RATE", 0.9),
		},
	}

	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("CREDITFLOW_JWT_SECRET is required")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if cfg.Kafka.ConsumerGroup == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if cfg.Kafka.Topics.PaymentsSettled == "" || cfg.Kafka.Topics.PaymentsFailed == "" {
		return nil, fmt.Errorf("kafka payment topics required")
	}
	if cfg.Kafka.Topics.GatewayEvents == "" {
		return nil, fmt.Errorf("kafka gateway events topic required")
	}
	if cfg.RateLimit.Limit <= 0 {
		return nil, fmt.Errorf("CREDITFLOW_PAYMENT_RATE_LIMIT must be positive")
	}
	if cfg.Settlement.ResolveDelayMin < 0 || cfg.Settlement.ResolveDelayMax < cfg.Settlement.ResolveDelayMin {
		return nil, fmt.Errorf("resolve delay bounds invalid")
	}
	if cfg.Settlement.SuccessRate < 0 || cfg.Settlement.SuccessRate > 1 {
		return nil, fmt.Errorf("CREDITFLOW_RESOLVE_SUCCESS_RATE must be between 0 and 1")
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
