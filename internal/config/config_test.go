package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestLoad_NoPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") failed: %v", err)
	}
	if cfg.Kafka.TopicMessageStore != "message_store" {
		t.Errorf("expected default topic message_store, got %s", cfg.Kafka.TopicMessageStore)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := []byte("kafka:\n  brokers:\n    - broker-a:9092\n    - broker-b:9092\n  partition_count: 32\n")
	if err := os.WriteFile(path, yamlContent, 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[0] != "broker-a:9092" {
		t.Errorf("expected overridden brokers, got %v", cfg.Kafka.Brokers)
	}
	if cfg.Kafka.PartitionCount != 32 {
		t.Errorf("expected partition_count 32, got %d", cfg.Kafka.PartitionCount)
	}
	// Fields not present in the file keep their defaults.
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("expected default redis addr to survive, got %s", cfg.Redis.Addr)
	}
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("MSGCORE_REDIS_ADDR", "redis-prod:6379")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Redis.Addr != "redis-prod:6379" {
		t.Errorf("expected env override, got %s", cfg.Redis.Addr)
	}
}

func TestValidate_RejectsEmptyBrokers(t *testing.T) {
	cfg := Default()
	cfg.Kafka.Brokers = nil
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty brokers")
	}
}

func TestValidate_RejectsBadRetrySchedule(t *testing.T) {
	cfg := Default()
	cfg.Retry.MaxDelayMS = cfg.Retry.BaseDelayMS
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when max_delay_ms <= base_delay_ms")
	}
}

func TestValidate_RejectsNonPositivePartitionCount(t *testing.T) {
	cfg := Default()
	cfg.Kafka.PartitionCount = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero partition_count")
	}
}
