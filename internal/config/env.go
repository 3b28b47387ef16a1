package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=value pairs from the given files (default ".env")
// into the process environment without overriding variables already set.
// Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// FromEnv overlays SHAREPIPE_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	envString("SHAREPIPE_TRANSPORT", &cfg.Transport)
	envString("SHAREPIPE_DATA_DIR", &cfg.DataDir)
	envString("SHAREPIPE_FSYNC", &cfg.Fsync)
	envString("SHAREPIPE_ADMIN_ADDR", &cfg.AdminAddr)

	envInt64("SHAREPIPE_QUEUE_LEASE_MS", &cfg.Queue.LeaseMs)
	envInt("SHAREPIPE_QUEUE_MAX_DELIVERIES", &cfg.Queue.MaxDeliveries)
	envInt("SHAREPIPE_QUEUE_MAX_POLL_RECORDS", &cfg.Queue.MaxPollRecords)
	envInt64("SHAREPIPE_QUEUE_SWEEP_INTERVAL_MS", &cfg.Queue.SweepIntervalMs)

	envList("SHAREPIPE_KAFKA_BROKERS", &cfg.Kafka.Brokers)
	envString("SHAREPIPE_KAFKA_CLIENT_ID", &cfg.Kafka.ClientID)
	envBool("SHAREPIPE_KAFKA_ENSURE_TOPICS", &cfg.Kafka.EnsureTopics)
	envInt("SHAREPIPE_KAFKA_PARTITIONS", &cfg.Kafka.Partitions)
	envInt("SHAREPIPE_KAFKA_REPLICATION_FACTOR", &cfg.Kafka.ReplicationFactor)

	envInt("SHAREPIPE_COHORT_LOAD_WORKERS", &cfg.Cohort.LoadWorkers)
	envInt("SHAREPIPE_COHORT_FILE_WORKERS", &cfg.Cohort.FileWorkers)
	envInt64("SHAREPIPE_COHORT_POLL_TIMEOUT_MS", &cfg.Cohort.PollTimeoutMs)
	envString("SHAREPIPE_COHORT_RESOURCE_DIR", &cfg.Cohort.ResourceDir)
	envBool("SHAREPIPE_COHORT_SEED", &cfg.Cohort.Seed)

	envInt("SHAREPIPE_ALERTS_PROCESSORS", &cfg.Alerts.Processors)
	envInt64("SHAREPIPE_ALERTS_POLL_TIMEOUT_MS", &cfg.Alerts.PollTimeoutMs)
	envInt64("SHAREPIPE_ALERTS_INTERVAL_MS", &cfg.Alerts.IntervalMs)
	envInt64("SHAREPIPE_ALERTS_DURATION_MS", &cfg.Alerts.DurationMs)
	envInt("SHAREPIPE_ALERTS_CACHE_SIZE", &cfg.Alerts.CacheSize)
	envInt64("SHAREPIPE_ALERTS_CACHE_TTL_MS", &cfg.Alerts.CacheTTLMs)
	envString("SHAREPIPE_ALERTS_CACHE_BACKEND", &cfg.Alerts.CacheBackend)
	envString("SHAREPIPE_ALERTS_FILTER", &cfg.Alerts.Filter)
	envInt64("SHAREPIPE_ALERTS_SEED", &cfg.Alerts.Seed)

	envString("SHAREPIPE_REDIS_ADDR", &cfg.Redis.Addr)
	envString("SHAREPIPE_REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("SHAREPIPE_REDIS_DB", &cfg.Redis.DB)
	envString("SHAREPIPE_REDIS_PREFIX", &cfg.Redis.Prefix)

	envString("SHAREPIPE_LOG_LEVEL", &cfg.Log.Level)
	envString("SHAREPIPE_LOG_FORMAT", &cfg.Log.Format)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envList(key string, dst *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	*dst = nil
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			*dst = append(*dst, p)
		}
	}
}
