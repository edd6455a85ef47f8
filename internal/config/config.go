// Package config handles configuration loading for purpletrace.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Elastic ElasticConfig `yaml:"elastic"`
	Fields  FieldMappings `yaml:"field_mappings"`
	Tagger  TaggerConfig  `yaml:"tagger"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Events  EventsConfig  `yaml:"events"`
	Host    HostConfig    `yaml:"host"`
	Logging LoggingConfig `yaml:"logging"`
}

// HostConfig points at the attack-emulation platform's REST API, used to
// resolve operation ids from lifecycle events into full records.
type HostConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ElasticConfig holds backend search-index connection settings.
type ElasticConfig struct {
	URL string `yaml:"url"`

	// APIKey is preferred; username/password is the fallback.
	APIKey   string `yaml:"api_key"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Index is the write target; IndexPattern is the read/aggregation scope.
	Index        string `yaml:"index"`
	IndexPattern string `yaml:"index_pattern"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	VerifyTLS      bool          `yaml:"verify_tls"`

	// SendMargin is added on top of RequestTimeout for the hard per-send
	// deadline, so a hung connection cannot stall the tag limiter.
	SendMargin time.Duration `yaml:"send_margin"`

	MaxFailures   int `yaml:"max_failures"`
	ProbeInterval int `yaml:"probe_interval"`
}

// FieldMappings overrides the dotted field paths the fetcher queries.
type FieldMappings struct {
	OperationID     string `yaml:"operation_id"`
	Technique       string `yaml:"technique"`
	DetectionStatus string `yaml:"detection_status"`
	RuleName        string `yaml:"rule_name"`
}

// TaggerConfig holds tagging-service settings.
type TaggerConfig struct {
	MaxConcurrent  int     `yaml:"max_concurrent"`
	FallbackDir    string  `yaml:"fallback_dir"`
	DiskWarningGB  float64 `yaml:"disk_warning_gb"`
	DiskCriticalGB float64 `yaml:"disk_critical_gb"`

	// OutputCapBytes bounds each captured output stream on link tags.
	OutputCapBytes int `yaml:"output_cap_bytes"`
}

// FetchConfig holds detection-fetch settings.
type FetchConfig struct {
	MaxTechniquesPerQuery int `yaml:"max_techniques_per_query"`
}

// EventsConfig holds event-source settings.
type EventsConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig holds the optional Kafka event-source settings.
type KafkaConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	ConsumerGroup string        `yaml:"consumer_group"`
	MinBytes      int           `yaml:"min_bytes"`
	MaxBytes      int           `yaml:"max_bytes"`
	MaxWait       time.Duration `yaml:"max_wait"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8890,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Elastic: ElasticConfig{
			URL:            "http://localhost:9200",
			Username:       "elastic",
			Index:          "purple-team-logs",
			IndexPattern:   "purple-team-logs-*",
			RequestTimeout: 30 * time.Second,
			MaxRetries:     3,
			VerifyTLS:      false,
			SendMargin:     5 * time.Second,
			MaxFailures:    5,
			ProbeInterval:  10,
		},
		Fields: FieldMappings{
			OperationID:     "purple.operation_id",
			Technique:       "purple.technique",
			DetectionStatus: "purple.detection_status",
			RuleName:        "rule.name",
		},
		Tagger: TaggerConfig{
			MaxConcurrent:  5,
			FallbackDir:    "data/fallback_logs",
			DiskWarningGB:  10.0,
			DiskCriticalGB: 5.0,
			OutputCapBytes: 10 * 1024,
		},
		Fetch: FetchConfig{
			MaxTechniquesPerQuery: 100,
		},
		Events: EventsConfig{
			Kafka: KafkaConfig{
				Enabled:       false,
				Brokers:       []string{"localhost:9092"},
				Topic:         "purple-operation-events",
				ConsumerGroup: "purpletrace",
				MinBytes:      1,
				MaxBytes:      1024 * 1024,
				MaxWait:       500 * time.Millisecond,
			},
		},
		Host: HostConfig{
			BaseURL: "http://localhost:8888",
			Timeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a file or returns defaults.
// Resolution order: explicit file, then environment overrides, then defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("PURPLETRACE_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// envString resolves the first set variable among the service-prefixed and
// legacy naming conventions (PURPLETRACE_ELK_URL, then ELK_URL).
func envString(key string) string {
	if v := os.Getenv("PURPLETRACE_" + key); v != "" {
		return v
	}
	return os.Getenv(key)
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if url := envString("ELK_URL"); url != "" {
		c.Elastic.URL = url
	}
	if index := envString("ELK_INDEX"); index != "" {
		c.Elastic.Index = index
	}
	if pattern := envString("ELK_INDEX_PATTERN"); pattern != "" {
		c.Elastic.IndexPattern = pattern
	}
	if key := envString("ELK_API_KEY"); key != "" {
		c.Elastic.APIKey = key
	}
	if user := envString("ELK_USER"); user != "" {
		c.Elastic.Username = user
	}
	if pass := envString("ELK_PASS"); pass != "" {
		c.Elastic.Password = pass
	}
	if verify := envString("ELK_VERIFY_SSL"); verify != "" {
		c.Elastic.VerifyTLS = verify == "true" || verify == "1" || verify == "yes"
	}
	if timeout := envString("ELK_CONNECTION_TIMEOUT"); timeout != "" {
		if secs, err := strconv.Atoi(timeout); err == nil && secs > 0 {
			c.Elastic.RequestTimeout = time.Duration(secs) * time.Second
		}
	}
	if retries := envString("ELK_MAX_RETRIES"); retries != "" {
		if n, err := strconv.Atoi(retries); err == nil && n >= 0 {
			c.Elastic.MaxRetries = n
		}
	}
	if dir := envString("FALLBACK_DIR"); dir != "" {
		c.Tagger.FallbackDir = dir
	}
	if level := envString("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if port := os.Getenv("PURPLETRACE_HTTP_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.Server.HTTPPort = n
		}
	}
	if brokers := os.Getenv("PURPLETRACE_KAFKA_BROKERS"); brokers != "" {
		c.Events.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Events.Kafka.Enabled = true
	}
}

// splitAndTrim splits a string by separator, trimming whitespace and dropping
// empty parts.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}
	if c.Elastic.URL == "" {
		return fmt.Errorf("elastic.url must be set")
	}
	if c.Elastic.Index == "" {
		return fmt.Errorf("elastic.index must be set")
	}
	if c.Elastic.MaxFailures <= 0 {
		return fmt.Errorf("elastic.max_failures must be positive")
	}
	if c.Tagger.MaxConcurrent <= 0 {
		return fmt.Errorf("tagger.max_concurrent must be positive")
	}
	if c.Fetch.MaxTechniquesPerQuery < 1 || c.Fetch.MaxTechniquesPerQuery > 500 {
		return fmt.Errorf("fetch.max_techniques_per_query out of range: %d", c.Fetch.MaxTechniquesPerQuery)
	}
	return nil
}
