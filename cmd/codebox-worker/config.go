package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Mazene-ZERGUINE/CodeBox/internal/cache"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/db"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/queue"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/sandbox"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/storage"
	"github.com/Mazene-ZERGUINE/CodeBox/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8081"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultTaskTopic     = "codebox.tasks"
	defaultDeadLetter    = "codebox.tasks.dlq"
	defaultConsumerGroup = "codebox-workers"
	defaultStorageRoot   = "/var/lib/codebox"
	defaultStatusTTL     = 24 * time.Hour
	defaultConcurrency   = 4
	defaultRetentionTTL  = 24 * time.Hour
	defaultSweepInterval = time.Hour
)

// ServerConfig holds the health endpoint HTTP settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// KafkaConfig holds the consumer-side Kafka settings. BatchSize and
// BatchTimeout still matter here: dead-lettered messages are published back
// through the same client.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	ClientID      string        `yaml:"clientID"`
	MinBytes      int           `yaml:"minBytes"`
	MaxBytes      int           `yaml:"maxBytes"`
	MaxWait       time.Duration `yaml:"maxWait"`
	BatchSize     int           `yaml:"batchSize"`
	BatchTimeout  time.Duration `yaml:"batchTimeout"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	RequiredAcks  int           `yaml:"requiredAcks"`
	Compression   string        `yaml:"compression"`
	TaskTopic     string        `yaml:"taskTopic"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	PrefetchCount int           `yaml:"prefetchCount"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	DeadLetter    string        `yaml:"deadLetterTopic"`
	MessageTTL    time.Duration `yaml:"messageTTL"`
}

// MinIOConfig wraps the object storage settings with an enable switch; the
// output mirror is optional.
type MinIOConfig struct {
	Enabled             bool `yaml:"enabled"`
	storage.MinIOConfig `yaml:",inline"`
}

// StorageConfig locates the shared task file tree.
type StorageConfig struct {
	RootDir string `yaml:"rootDir"`
}

// StatusConfig tunes the lifecycle store.
type StatusConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// SandboxConfig bounds every container run. Images points individual
// languages at dedicated runner images, keyed by canonical language name.
type SandboxConfig struct {
	CPUs      float64           `yaml:"cpus"`
	MemoryMB  int               `yaml:"memoryMB"`
	PidsLimit int               `yaml:"pidsLimit"`
	TmpfsMB   int               `yaml:"tmpfsMB"`
	Timeout   time.Duration     `yaml:"timeout"`
	Images    map[string]string `yaml:"images"`
}

// WorkerConfig sizes the pool. Concurrency is the number of containers that
// may run at once; the fetch limiter is sized to it.
type WorkerConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	HeartbeatEvery time.Duration `yaml:"heartbeatEvery"`
}

// RetentionConfig drives the storage sweep.
type RetentionConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	Interval time.Duration `yaml:"interval"`
}

// ReaperConfig drives the stuck-task reaper. Zero values fall back to the
// lifecycle defaults.
type ReaperConfig struct {
	StaleAfter time.Duration `yaml:"staleAfter"`
	Interval   time.Duration `yaml:"interval"`
}

// AppConfig is the full configuration of the worker binary.
type AppConfig struct {
	Server    ServerConfig      `yaml:"server"`
	Logger    logger.Config     `yaml:"logger"`
	Kafka     KafkaConfig       `yaml:"kafka"`
	Database  db.MySQLConfig    `yaml:"database"`
	Redis     cache.RedisConfig `yaml:"redis"`
	MinIO     MinIOConfig       `yaml:"minio"`
	Storage   StorageConfig     `yaml:"storage"`
	Status    StatusConfig      `yaml:"status"`
	Sandbox   SandboxConfig     `yaml:"sandbox"`
	Worker    WorkerConfig      `yaml:"worker"`
	Retention RetentionConfig   `yaml:"retention"`
	Reaper    ReaperConfig      `yaml:"reaper"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.MinIO.Enabled {
		if cfg.MinIO.Endpoint == "" {
			return nil, fmt.Errorf("minio endpoint is required when minio is enabled")
		}
		if cfg.MinIO.Bucket == "" {
			return nil, fmt.Errorf("minio bucket is required when minio is enabled")
		}
	}
	applyRedisDefaults(&cfg.Redis)
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Kafka.TaskTopic == "" {
		cfg.Kafka.TaskTopic = defaultTaskTopic
	}
	if cfg.Kafka.DeadLetter == "" {
		cfg.Kafka.DeadLetter = defaultDeadLetter
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = defaultConsumerGroup
	}
	if cfg.Storage.RootDir == "" {
		cfg.Storage.RootDir = defaultStorageRoot
	}
	if cfg.Status.TTL == 0 {
		cfg.Status.TTL = defaultStatusTTL
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = defaultConcurrency
	}
	if cfg.Retention.TTL == 0 {
		cfg.Retention.TTL = defaultRetentionTTL
	}
	if cfg.Retention.Interval == 0 {
		cfg.Retention.Interval = defaultSweepInterval
	}
	return &cfg, nil
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	if cfg == nil {
		return
	}
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}

func (k KafkaConfig) toQueueConfig() queue.KafkaConfig {
	cfg := queue.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
	}
	cfg.Compression = parseCompression(k.Compression)
	return cfg
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

func (s SandboxConfig) toOptions() sandbox.Options {
	return sandbox.Options{
		CPUs:      s.CPUs,
		MemoryMB:  s.MemoryMB,
		PidsLimit: s.PidsLimit,
		TmpfsMB:   s.TmpfsMB,
		Timeout:   s.Timeout,
	}
}
