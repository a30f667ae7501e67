package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment"`
	Server      struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	Buffer struct {
		SampleInterval    time.Duration `yaml:"sample_interval"`
		BatchSize         int           `yaml:"batch_size"`
		FlushInterval     time.Duration `yaml:"flush_interval"`
		MaxTicks          int64         `yaml:"max_ticks"`
		MaxAge            time.Duration `yaml:"max_age"`
		RetentionInterval time.Duration `yaml:"retention_interval"`
	} `yaml:"buffer"`
	Collector struct {
		Throttle             time.Duration `yaml:"throttle"`
		ObserverTimeout      time.Duration `yaml:"observer_timeout"`
		IdlePollInterval     time.Duration `yaml:"idle_poll_interval"`
		FallbackPollInterval time.Duration `yaml:"fallback_poll_interval"`
		CandleInterval       string        `yaml:"candle_interval"`
		SubscriberWarnAt     int           `yaml:"subscriber_warn_at"`
	} `yaml:"collector"`
	Resampler struct {
		LegacyTable string        `yaml:"legacy_table"`
		MarkTTL     time.Duration `yaml:"mark_ttl"`
	} `yaml:"resampler"`
	ClickHouse struct {
		Host             string        `yaml:"host"`
		Port             int           `yaml:"port"`
		Database         string        `yaml:"database"`
		User             string        `yaml:"user"`
		Password         string        `yaml:"password"`
		DialTimeout      time.Duration `yaml:"dial_timeout"`
		ReadTimeout      time.Duration `yaml:"read_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	} `yaml:"clickhouse"`
	Kafka struct {
		Brokers      []string `yaml:"brokers"`
		MirrorTopic  string   `yaml:"mirror_topic"`
		ImportTopic  string   `yaml:"import_topic"`
		LogTopic     string   `yaml:"log_topic"`
		RequiredAcks int      `yaml:"required_acks"`
		Compression  string   `yaml:"compression"`
		Producer     struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			Linger       time.Duration `yaml:"linger"`
			BatchBytes   int           `yaml:"batch_bytes"`
			BatchSize    int           `yaml:"batch_size"`
			WriteTimeout time.Duration `yaml:"write_timeout"`
			ReadTimeout  time.Duration `yaml:"read_timeout"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID    string        `yaml:"group_id"`
			Workers    int           `yaml:"workers"`
			BufferSize int           `yaml:"buffer_size"`
			RetryMax   int           `yaml:"retry_max"`
			BackoffMin time.Duration `yaml:"backoff_min"`
			BackoffMax time.Duration `yaml:"backoff_max"`
			DLQTopic   string        `yaml:"dlq_topic"`
			MinBytes   int           `yaml:"min_bytes"`
			MaxBytes   int           `yaml:"max_bytes"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	Redis struct {
		Enabled   bool          `yaml:"enabled"`
		Addr      string        `yaml:"addr"`
		Password  string        `yaml:"password"`
		DB        int           `yaml:"db"`
		CandleTTL time.Duration `yaml:"candle_ttl"`
	} `yaml:"redis"`
	Stream struct {
		URL            string        `yaml:"url"`
		APIKey         string        `yaml:"api_key"`
		Symbols        []string      `yaml:"symbols"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay"`
		PingInterval   time.Duration `yaml:"ping_interval"`
	} `yaml:"stream"`
	Poll struct {
		BaseURL string        `yaml:"base_url"`
		APIKey  string        `yaml:"api_key"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"poll"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("STREAM_API_KEY"); v != "" {
		c.Stream.APIKey = v
	}
	if v := os.Getenv("POLL_API_KEY"); v != "" {
		c.Poll.APIKey = v
	}
	if v := os.Getenv("SYMBOLS"); v != "" {
		c.Stream.Symbols = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}

	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Buffer.SampleInterval <= 0 {
		c.Buffer.SampleInterval = 500 * time.Millisecond
	}
	if c.Buffer.BatchSize <= 0 {
		c.Buffer.BatchSize = 200
	}
	if c.Buffer.FlushInterval <= 0 {
		c.Buffer.FlushInterval = 5 * time.Second
	}
	if c.Buffer.MaxTicks <= 0 {
		c.Buffer.MaxTicks = 1_000_000
	}
	if c.Buffer.MaxAge <= 0 {
		c.Buffer.MaxAge = 72 * time.Hour
	}
	if c.Buffer.RetentionInterval <= 0 {
		c.Buffer.RetentionInterval = 10 * time.Minute
	}
	if c.Collector.Throttle <= 0 {
		c.Collector.Throttle = 250 * time.Millisecond
	}
	if c.Collector.ObserverTimeout <= 0 {
		c.Collector.ObserverTimeout = 30 * time.Second
	}
	if c.Collector.IdlePollInterval <= 0 {
		c.Collector.IdlePollInterval = time.Minute
	}
	if c.Collector.FallbackPollInterval <= 0 {
		c.Collector.FallbackPollInterval = 5 * time.Second
	}
	if c.Collector.CandleInterval == "" {
		c.Collector.CandleInterval = "1m"
	}
	if c.Collector.SubscriberWarnAt <= 0 {
		c.Collector.SubscriberWarnAt = 10
	}
	if c.Resampler.MarkTTL <= 0 {
		c.Resampler.MarkTTL = 30 * time.Second
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if len(c.Stream.Symbols) == 0 {
		return fmt.Errorf("stream.symbols cannot be empty")
	}
	if c.Stream.URL == "" {
		return fmt.Errorf("stream.url is required")
	}
	if c.ClickHouse.Host == "" {
		return fmt.Errorf("clickhouse.host is required")
	}
	if c.Collector.FallbackPollInterval > c.Collector.IdlePollInterval {
		return fmt.Errorf("collector.fallback_poll_interval must not exceed idle_poll_interval")
	}
	return nil
}
