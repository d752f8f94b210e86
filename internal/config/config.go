// Package config loads the immutable configuration value passed into every
// component constructor at composition time. There is no global mutable
// config singleton: cmd/msgcore loads one Config and threads it through.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface for msgcore:
// kafka.*, delivery.*, retry.*, heartbeat.*, rate_limit.*, limits.*, plus
// the ambient stack (redis, http, logging).
type Config struct {
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Retry     RetryConfig     `yaml:"retry"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Limits    LimitsConfig    `yaml:"limits"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
}

// KafkaConfig names the brokers and the five fixed topics.
type KafkaConfig struct {
	Brokers               []string `yaml:"brokers"`
	ConsumerGroup         string   `yaml:"consumer_group"`
	TopicMessageStore     string   `yaml:"topic_message_store"`
	TopicDistribution     string   `yaml:"topic_message_distribution"`
	TopicOfflineNotify    string   `yaml:"topic_offline_notifications"`
	TopicMessageStatus    string   `yaml:"topic_message_status"`
	TopicDeadLetter       string   `yaml:"topic_dead_letter"`
	PartitionCount        int32    `yaml:"partition_count"`
	ProducerFlushMS       int      `yaml:"producer_flush_ms"`
}

// RedisConfig configures both the Session Registry and the Sync Coordinator.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DeliveryConfig bounds the Delivery Worker's concurrency and batching.
type DeliveryConfig struct {
	MaxConcurrentDeliveries int `yaml:"max_concurrent_deliveries"`
	GroupFanoutPageSize     int `yaml:"group_fanout_page_size"`
	GatewayCallTimeoutMS    int `yaml:"gateway_call_timeout_ms"`
	RouteFanoutConcurrency  int `yaml:"route_fanout_concurrency"`
}

// RetryConfig parameterizes the exponential backoff before a message is
// handed to the dead-letter topic.
type RetryConfig struct {
	MaxRetries   int `yaml:"max_retries"`
	BaseDelayMS  int `yaml:"base_delay_ms"`
	MaxDelayMS   int `yaml:"max_delay_ms"`
}

// HeartbeatConfig governs route liveness in the Session Registry.
type HeartbeatConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	TimeoutSeconds  int `yaml:"timeout_seconds"`
}

// RateLimitConfig feeds the per-sender token bucket at Admission.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LimitsConfig holds the Admission stage's business limits: content/attachment
// size ceilings and daily per-conversation message caps, split between
// group and 1:1 conversations since a group's shared cap is sized
// differently from a single recipient's.
type LimitsConfig struct {
	MaxContentBytes    int `yaml:"max_content_bytes"`
	MaxAttachmentBytes int `yaml:"max_attachment_bytes"`
	GroupDailyCap      int `yaml:"group_daily"`
	PrivateDailyCap    int `yaml:"private_daily"`
}

// HTTPConfig is the ops surface: health/readiness/metrics.
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig configures the zerolog writer.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the built-in defaults, overridden first by an optional
// YAML file and then by MSGCORE_-prefixed environment variables.
func Default() Config {
	return Config{
		Kafka: KafkaConfig{
			Brokers:            []string{"localhost:9092"},
			ConsumerGroup:      "msgcore",
			TopicMessageStore:  "message_store",
			TopicDistribution:  "message_distribution",
			TopicOfflineNotify: "offline_notifications",
			TopicMessageStatus: "message_status",
			TopicDeadLetter:    "dead_letter",
			PartitionCount:     16,
			ProducerFlushMS:    50,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
		Delivery: DeliveryConfig{
			MaxConcurrentDeliveries: 100,
			GroupFanoutPageSize:     1000,
			GatewayCallTimeoutMS:    1500,
			RouteFanoutConcurrency:  10,
		},
		Retry: RetryConfig{
			MaxRetries:  5,
			BaseDelayMS: 200,
			MaxDelayMS:  30000,
		},
		Heartbeat: HeartbeatConfig{
			IntervalSeconds: 10,
			TimeoutSeconds:  30,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5,
			Burst:             10,
		},
		Limits: LimitsConfig{
			MaxContentBytes:    1 << 20,
			MaxAttachmentBytes: 100 << 20,
			GroupDailyCap:      1000,
			PrivateDailyCap:    200,
		},
		HTTP: HTTPConfig{
			ListenAddr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: false,
		},
	}
}

// Load reads configPath (if non-empty) over the defaults, then applies
// MSGCORE_* environment overrides, then validates the result.
func Load(configPath string) (Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", configPath, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides walks a small fixed set of MSGCORE_-prefixed variables.
// Only the fields operators most commonly need to override per-environment
// (brokers, redis address and password, listen address, log level, and
// max concurrent deliveries) get env overrides; the rest are
// file-or-default.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MSGCORE_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("MSGCORE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("MSGCORE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("MSGCORE_HTTP_LISTEN_ADDR"); v != "" {
		cfg.HTTP.ListenAddr = v
	}
	if v := os.Getenv("MSGCORE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MSGCORE_DELIVERY_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Delivery.MaxConcurrentDeliveries = n
		}
	}
}

// Validate ensures the configuration is internally consistent.
func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty")
	}
	if c.Kafka.PartitionCount <= 0 {
		return fmt.Errorf("kafka.partition_count must be positive, got %d", c.Kafka.PartitionCount)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr cannot be empty")
	}
	if c.Delivery.MaxConcurrentDeliveries <= 0 {
		return fmt.Errorf("delivery.max_concurrent_deliveries must be positive, got %d", c.Delivery.MaxConcurrentDeliveries)
	}
	if c.Delivery.GroupFanoutPageSize <= 0 {
		return fmt.Errorf("delivery.group_fanout_page_size must be positive, got %d", c.Delivery.GroupFanoutPageSize)
	}
	if c.Delivery.RouteFanoutConcurrency <= 0 {
		return fmt.Errorf("delivery.route_fanout_concurrency must be positive, got %d", c.Delivery.RouteFanoutConcurrency)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive, got %f", c.RateLimit.RequestsPerSecond)
	}
	if c.RateLimit.Burst < 1 {
		return fmt.Errorf("rate_limit.burst must be at least 1, got %d", c.RateLimit.Burst)
	}
	if c.Limits.MaxContentBytes <= 0 {
		return fmt.Errorf("limits.max_content_bytes must be positive, got %d", c.Limits.MaxContentBytes)
	}
	if c.Limits.GroupDailyCap <= 0 {
		return fmt.Errorf("limits.group_daily must be positive, got %d", c.Limits.GroupDailyCap)
	}
	if c.Limits.PrivateDailyCap <= 0 {
		return fmt.Errorf("limits.private_daily must be positive, got %d", c.Limits.PrivateDailyCap)
	}
	return nil
}

// Validate ensures the backoff schedule is well-formed.
func (r *RetryConfig) Validate() error {
	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", r.MaxRetries)
	}
	if r.BaseDelayMS <= 0 {
		return fmt.Errorf("base_delay_ms must be positive, got %d", r.BaseDelayMS)
	}
	if r.MaxDelayMS <= r.BaseDelayMS {
		return fmt.Errorf("max_delay_ms (%d) must be > base_delay_ms (%d)", r.MaxDelayMS, r.BaseDelayMS)
	}
	return nil
}

// BaseDelay returns the retry base delay as a time.Duration.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

// MaxDelay returns the retry max delay as a time.Duration.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// HeartbeatTimeout returns the route liveness window as a time.Duration.
func (h HeartbeatConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// HeartbeatInterval returns the expected heartbeat cadence.
func (h HeartbeatConfig) HeartbeatInterval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

// GatewayCallTimeout returns the per-call deadline for gateway push RPCs.
// Collaborator calls at Admission use their own fixed timeout.
func (d DeliveryConfig) GatewayCallTimeout() time.Duration {
	return time.Duration(d.GatewayCallTimeoutMS) * time.Millisecond
}
