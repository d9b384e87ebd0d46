package config

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	AI       AIConfig       `mapstructure:"ai"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | text
}

type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Addr              string `mapstructure:"addr"`
	Password          string `mapstructure:"password"`
	DB                int    `mapstructure:"db"`
	SummaryTTLSeconds int    `mapstructure:"summary_ttl_seconds"`
}

type AIConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	APIKey            string  `mapstructure:"api_key"`
	BaseURL           string  `mapstructure:"base_url"`
	Model             string  `mapstructure:"model"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	MaxEvents         int     `mapstructure:"max_events"` // hard ceiling 200
	ChunkSize         int     `mapstructure:"chunk_size"` // hard ceiling 50
	MaxReasonChars    int     `mapstructure:"max_reason_chars"`
	Workers           int     `mapstructure:"workers"`
	QueueSize         int     `mapstructure:"queue_size"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"` // 0 disables throttling
}

func (c AIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type IngestConfig struct {
	InboxDir     string `mapstructure:"inbox_dir"`
	UserID       string `mapstructure:"user_id"`
	MaxFileBytes int64  `mapstructure:"max_file_bytes"`
}

type ArchiveConfig struct {
	S3Bucket string `mapstructure:"s3_bucket"`
	S3Prefix string `mapstructure:"s3_prefix"`
	Region   string `mapstructure:"region"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// e.g. PROXYLENS_AI_API_KEY
	v.SetEnvPrefix("proxylens")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.summary_ttl_seconds", 3600)

	v.SetDefault("ai.enabled", true)
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.base_url", "https://api.openai.com")
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("ai.timeout_seconds", 30)
	v.SetDefault("ai.max_events", 50)
	v.SetDefault("ai.chunk_size", 25)
	v.SetDefault("ai.max_reason_chars", 220)
	v.SetDefault("ai.workers", 4)
	v.SetDefault("ai.queue_size", 64)
	v.SetDefault("ai.requests_per_second", 2.0)

	v.SetDefault("ingest.inbox_dir", "")
	v.SetDefault("ingest.user_id", "inbox")
	v.SetDefault("ingest.max_file_bytes", 25*1024*1024)

	v.SetDefault("archive.s3_bucket", "")
	v.SetDefault("archive.s3_prefix", "raw/")
	v.SetDefault("archive.region", "us-east-1")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}
