package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	pebblestore "github.com/rzbill/sharepipe/internal/storage/pebble"
	"github.com/rzbill/sharepipe/pkg/log"
)

// Transports.
const (
	TransportLocal = "local"
	TransportKafka = "kafka"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config is the top-level configuration loaded from file/env. Durations are
// milliseconds.
type Config struct {
	// Transport is local (embedded broker) or kafka.
	Transport string `json:"transport" yaml:"transport"`
	// DataDir holds the embedded broker. Empty keeps it in memory.
	DataDir   string `json:"dataDir" yaml:"dataDir"`
	Fsync     string `json:"fsync" yaml:"fsync"`
	AdminAddr string `json:"adminAddr" yaml:"adminAddr"`

	Queue  QueueConfig  `json:"queue" yaml:"queue"`
	Kafka  KafkaConfig  `json:"kafka" yaml:"kafka"`
	Cohort CohortConfig `json:"cohort" yaml:"cohort"`
	Alerts AlertsConfig `json:"alerts" yaml:"alerts"`
	Redis  RedisConfig  `json:"redis" yaml:"redis"`
	Log    log.Config   `json:"log" yaml:"log"`
}

// QueueConfig tunes share-group delivery.
type QueueConfig struct {
	LeaseMs int64 `json:"leaseMs" yaml:"leaseMs"`
	// MaxDeliveries before a record is dead-lettered. Negative is unbounded.
	MaxDeliveries   int   `json:"maxDeliveries" yaml:"maxDeliveries"`
	MaxPollRecords  int   `json:"maxPollRecords" yaml:"maxPollRecords"`
	SweepIntervalMs int64 `json:"sweepIntervalMs" yaml:"sweepIntervalMs"`
	SweepBatch      int   `json:"sweepBatch" yaml:"sweepBatch"`
}

type KafkaConfig struct {
	Brokers           []string `json:"brokers" yaml:"brokers"`
	ClientID          string   `json:"clientId" yaml:"clientId"`
	EnsureTopics      bool     `json:"ensureTopics" yaml:"ensureTopics"`
	Partitions        int      `json:"partitions" yaml:"partitions"`
	ReplicationFactor int      `json:"replicationFactor" yaml:"replicationFactor"`
}

// CohortConfig sizes the two-stage cohort pipeline.
type CohortConfig struct {
	LoadTopic     string `json:"loadTopic" yaml:"loadTopic"`
	FileTopic     string `json:"fileTopic" yaml:"fileTopic"`
	MemberTopic   string `json:"memberTopic" yaml:"memberTopic"`
	LoadGroup     string `json:"loadGroup" yaml:"loadGroup"`
	FileGroup     string `json:"fileGroup" yaml:"fileGroup"`
	LoadWorkers   int    `json:"loadWorkers" yaml:"loadWorkers"`
	FileWorkers   int    `json:"fileWorkers" yaml:"fileWorkers"`
	PollTimeoutMs int64  `json:"pollTimeoutMs" yaml:"pollTimeoutMs"`
	// ResourceDir serves cohort files from disk instead of the embedded set.
	ResourceDir    string `json:"resourceDir" yaml:"resourceDir"`
	FilesPerCohort int    `json:"filesPerCohort" yaml:"filesPerCohort"`
	// Seed publishes the sample update events on start.
	Seed bool `json:"seed" yaml:"seed"`
}

// AlertsConfig sizes the alert generator and processors.
type AlertsConfig struct {
	Topic         string `json:"topic" yaml:"topic"`
	Group         string `json:"group" yaml:"group"`
	Processors    int    `json:"processors" yaml:"processors"`
	PollTimeoutMs int64  `json:"pollTimeoutMs" yaml:"pollTimeoutMs"`
	IntervalMs    int64  `json:"intervalMs" yaml:"intervalMs"`
	// DurationMs bounds the generator. Zero runs until shutdown.
	DurationMs    int64  `json:"durationMs" yaml:"durationMs"`
	Devices       int    `json:"devices" yaml:"devices"`
	MinRecipients int    `json:"minRecipients" yaml:"minRecipients"`
	MaxRecipients int    `json:"maxRecipients" yaml:"maxRecipients"`
	CacheSize     int    `json:"cacheSize" yaml:"cacheSize"`
	CacheTTLMs    int64  `json:"cacheTtlMs" yaml:"cacheTtlMs"`
	CacheBackend  string `json:"cacheBackend" yaml:"cacheBackend"`
	// Filter is a CEL expression; non-matching alerts are skipped.
	Filter string `json:"filter" yaml:"filter"`
	Seed   int64  `json:"seed" yaml:"seed"`
}

type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	Prefix    string `json:"prefix" yaml:"prefix"`
	TimeoutMs int64  `json:"timeoutMs" yaml:"timeoutMs"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Transport: TransportLocal,
		Fsync:     "interval",
		AdminAddr: "127.0.0.1:8088",
		Queue: QueueConfig{
			LeaseMs:         30_000,
			MaxDeliveries:   5,
			MaxPollRecords:  16,
			SweepIntervalMs: 500,
			SweepBatch:      1024,
		},
		Kafka: KafkaConfig{
			Brokers:           []string{"localhost:9092"},
			ClientID:          "sharepipe",
			Partitions:        3,
			ReplicationFactor: 1,
		},
		Cohort: CohortConfig{
			LoadTopic:      "cohort-load",
			FileTopic:      "cohort-file-process",
			MemberTopic:    "cohort-member-command",
			LoadGroup:      "example1-consumer-group",
			FileGroup:      "example1-file-processor",
			LoadWorkers:    6,
			FileWorkers:    9,
			PollTimeoutMs:  100,
			FilesPerCohort: 3,
			Seed:           true,
		},
		Alerts: AlertsConfig{
			Topic:         "iot-alerts",
			Group:         "alert-processor",
			Processors:    6,
			PollTimeoutMs: 1000,
			IntervalMs:    100,
			DurationMs:    5 * 60 * 1000,
			Devices:       25,
			MinRecipients: 1,
			MaxRecipients: 2,
			CacheSize:     10_000,
			CacheTTLMs:    24 * 60 * 60 * 1000,
			CacheBackend:  CacheMemory,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			Prefix:    "sharepipe:recipients",
			TimeoutMs: 2000,
		},
		Log: log.Config{
			Level:  "info",
			Format: "text",
			Redact: []string{"email", "phone"},
		},
	}
}

// Load reads configuration from a JSON or YAML file (by extension) over the
// defaults. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Millis converts a millisecond setting to a Duration.
func Millis(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

// FsyncMode maps the fsync setting to a storage mode.
func (c Config) FsyncMode() (pebblestore.FsyncMode, error) {
	switch strings.ToLower(c.Fsync) {
	case "", "interval":
		return pebblestore.FsyncModeInterval, nil
	case "always":
		return pebblestore.FsyncModeAlways, nil
	case "never":
		return pebblestore.FsyncModeNever, nil
	default:
		return pebblestore.FsyncModeUnspecified, fmt.Errorf("unknown fsync mode %q", c.Fsync)
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...interface{}) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch c.Transport {
	case TransportLocal:
	case TransportKafka:
		if len(c.Kafka.Brokers) == 0 {
			bad("kafka transport needs at least one broker")
		}
		if c.Kafka.Partitions <= 0 || c.Kafka.ReplicationFactor <= 0 {
			bad("kafka partitions and replicationFactor must be positive")
		}
	default:
		bad("unknown transport %q", c.Transport)
	}
	if _, err := c.FsyncMode(); err != nil {
		errs = append(errs, err)
	}
	if c.Queue.LeaseMs <= 0 {
		bad("queue.leaseMs must be positive")
	}
	if c.Queue.MaxPollRecords <= 0 {
		bad("queue.maxPollRecords must be positive")
	}

	for name, v := range map[string]string{
		"cohort.loadTopic":   c.Cohort.LoadTopic,
		"cohort.fileTopic":   c.Cohort.FileTopic,
		"cohort.memberTopic": c.Cohort.MemberTopic,
		"cohort.loadGroup":   c.Cohort.LoadGroup,
		"cohort.fileGroup":   c.Cohort.FileGroup,
		"alerts.topic":       c.Alerts.Topic,
		"alerts.group":       c.Alerts.Group,
	} {
		if strings.TrimSpace(v) == "" {
			bad("%s is required", name)
		}
	}
	if c.Cohort.LoadWorkers <= 0 || c.Cohort.FileWorkers <= 0 || c.Alerts.Processors <= 0 {
		bad("worker counts must be positive")
	}
	if c.Alerts.IntervalMs <= 0 {
		bad("alerts.intervalMs must be positive")
	}
	if c.Alerts.DurationMs < 0 {
		bad("alerts.durationMs must not be negative")
	}
	if c.Alerts.Devices <= 0 {
		bad("alerts.devices must be positive")
	}
	if c.Alerts.MinRecipients < 0 || c.Alerts.MaxRecipients < c.Alerts.MinRecipients {
		bad("alerts recipient bounds are invalid")
	}
	switch c.Alerts.CacheBackend {
	case CacheMemory:
	case CacheRedis:
		if c.Redis.Addr == "" {
			bad("redis cache backend needs redis.addr")
		}
	default:
		bad("unknown cache backend %q", c.Alerts.CacheBackend)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
