package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Mazene-ZERGUINE/CodeBox/internal/cache"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/db"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/queue"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/storage"
	"github.com/Mazene-ZERGUINE/CodeBox/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr    = "0.0.0.0:8080"
	defaultReadTimeout = 5 * time.Second
	// Downloads stream produced files, so the write window is wider than
	// the usual JSON-only default.
	defaultWriteTimeout    = 60 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultTaskTopic      = "codebox.tasks"
	defaultStorageRoot    = "/var/lib/codebox"
	defaultStatusTTL      = 24 * time.Hour
	defaultStoreTimeout   = 3 * time.Second
	defaultPublishTimeout = 5 * time.Second
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// KafkaConfig holds the producer-side Kafka settings.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientID"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	RequiredAcks int           `yaml:"requiredAcks"`
	Compression  string        `yaml:"compression"`
	TaskTopic    string        `yaml:"taskTopic"`
}

// MinIOConfig wraps the object storage settings with an enable switch; the
// output mirror is optional and the API falls back to local files only when
// it is off.
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

// TimeoutConfig bounds the service calls made per request.
type TimeoutConfig struct {
	Store   time.Duration `yaml:"store"`
	Publish time.Duration `yaml:"publish"`
}

// AppConfig is the full configuration of the API binary.
type AppConfig struct {
	Server   ServerConfig      `yaml:"server"`
	Logger   logger.Config     `yaml:"logger"`
	Kafka    KafkaConfig       `yaml:"kafka"`
	Database db.MySQLConfig    `yaml:"database"`
	Redis    cache.RedisConfig `yaml:"redis"`
	MinIO    MinIOConfig       `yaml:"minio"`
	Storage  StorageConfig     `yaml:"storage"`
	Status   StatusConfig      `yaml:"status"`
	Timeouts TimeoutConfig     `yaml:"timeouts"`
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
	if cfg.Storage.RootDir == "" {
		cfg.Storage.RootDir = defaultStorageRoot
	}
	if cfg.Status.TTL == 0 {
		cfg.Status.TTL = defaultStatusTTL
	}
	if cfg.Timeouts.Store == 0 {
		cfg.Timeouts.Store = defaultStoreTimeout
	}
	if cfg.Timeouts.Publish == 0 {
		cfg.Timeouts.Publish = defaultPublishTimeout
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
