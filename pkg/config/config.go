package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full NetPulse configuration tree. Every field can be set
// from a YAML file and overridden by a NETPULSE_* environment variable
// named after its path (NETPULSE_SERVER_PORT, NETPULSE_REDIS_ADDR, ...).
type Config struct {
	Server ServerConfig `yaml:"server"`
	Redis  RedisConfig  `yaml:"redis"`
	Worker WorkerConfig `yaml:"worker"`
	Job    JobConfig    `yaml:"job"`
	Log    LogConfig    `yaml:"log"`

	// DriverStrategies maps driver name to its default queue strategy,
	// consulted when a request omits queue_strategy.
	DriverStrategies map[string]string `yaml:"driver_strategies"`
}

// ServerConfig holds the HTTP API settings
type ServerConfig struct {
	Host         string  `yaml:"host"`
	Port         int     `yaml:"port"`
	APIKey       string  `yaml:"api_key"`
	APIKeyHeader string  `yaml:"api_key_header"`
	RateLimit    float64 `yaml:"rate_limit"`
	RateBurst    int     `yaml:"rate_burst"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RedisConfig holds the shared store settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TLS      bool   `yaml:"tls"`
	KeyPrefix string `yaml:"key_prefix"`
}

// WorkerConfig holds node supervisor and worker pool settings
type WorkerConfig struct {
	Scheduler       string        `yaml:"scheduler"`
	NodeTTL         time.Duration `yaml:"node_ttl"`
	PinnedPerNode   int           `yaml:"pinned_per_node"`
	FIFOConcurrency int           `yaml:"fifo_concurrency"`
	IdleTTL         time.Duration `yaml:"idle_ttl"`
	SpawnRetries    int           `yaml:"spawn_retries"`
	SpawnTimeout    time.Duration `yaml:"spawn_timeout"`
	HeartbeatEvery  time.Duration `yaml:"heartbeat_every"`
}

// JobConfig holds per-job TTL defaults
type JobConfig struct {
	QueueTTL     time.Duration `yaml:"ttl"`
	ExecTimeout  time.Duration `yaml:"timeout"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	ResultTTL    time.Duration `yaml:"result_ttl"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         9000,
			APIKeyHeader: "X-API-KEY",
			RateLimit:    50,
			RateBurst:    100,
		},
		Redis: RedisConfig{
			Addr:      "127.0.0.1:6379",
			KeyPrefix: "netpulse",
		},
		Worker: WorkerConfig{
			Scheduler:       "least_load",
			NodeTTL:         30 * time.Second,
			PinnedPerNode:   32,
			FIFOConcurrency: 8,
			IdleTTL:         20 * time.Minute,
			SpawnRetries:    3,
			SpawnTimeout:    10 * time.Second,
			HeartbeatEvery:  10 * time.Second,
		},
		Job: JobConfig{
			QueueTTL:     30 * time.Minute,
			ExecTimeout:  300 * time.Second,
			BatchTimeout: 600 * time.Second,
			ResultTTL:    time.Hour,
		},
		Log: LogConfig{Level: "info"},
		DriverStrategies: map[string]string{
			"ssh":     "pinned",
			"httpapi": "fifo",
			"sftp":    "fifo",
		},
	}
}

// Load reads path (if non-empty and present) over the defaults, then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Worker.PinnedPerNode < 1 {
		return fmt.Errorf("worker.pinned_per_node must be >= 1, got %d", c.Worker.PinnedPerNode)
	}
	if c.Worker.HeartbeatEvery >= c.Worker.NodeTTL {
		return fmt.Errorf("worker.heartbeat_every (%s) must be shorter than worker.node_ttl (%s)",
			c.Worker.HeartbeatEvery, c.Worker.NodeTTL)
	}
	return nil
}

// applyEnv overrides fields from NETPULSE_* variables
func (c *Config) applyEnv() error {
	var err error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, e := strconv.Atoi(v)
			if e != nil {
				err = fmt.Errorf("%s: %w", key, e)
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok {
			f, e := strconv.ParseFloat(v, 64)
			if e != nil {
				err = fmt.Errorf("%s: %w", key, e)
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, e := strconv.ParseBool(v)
			if e != nil {
				err = fmt.Errorf("%s: %w", key, e)
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, e := time.ParseDuration(v)
			if e != nil {
				// Bare numbers are seconds
				if n, e2 := strconv.Atoi(v); e2 == nil {
					*dst = time.Duration(n) * time.Second
					return
				}
				err = fmt.Errorf("%s: %w", key, e)
				return
			}
			*dst = d
		}
	}

	str("NETPULSE_SERVER_HOST", &c.Server.Host)
	integer("NETPULSE_SERVER_PORT", &c.Server.Port)
	str("NETPULSE_SERVER_API_KEY", &c.Server.APIKey)
	str("NETPULSE_SERVER_API_KEY_HEADER", &c.Server.APIKeyHeader)
	float("NETPULSE_SERVER_RATE_LIMIT", &c.Server.RateLimit)
	integer("NETPULSE_SERVER_RATE_BURST", &c.Server.RateBurst)

	str("NETPULSE_REDIS_ADDR", &c.Redis.Addr)
	str("NETPULSE_REDIS_PASSWORD", &c.Redis.Password)
	integer("NETPULSE_REDIS_DB", &c.Redis.DB)
	boolean("NETPULSE_REDIS_TLS", &c.Redis.TLS)
	str("NETPULSE_REDIS_KEY_PREFIX", &c.Redis.KeyPrefix)

	str("NETPULSE_WORKER_SCHEDULER", &c.Worker.Scheduler)
	duration("NETPULSE_WORKER_NODE_TTL", &c.Worker.NodeTTL)
	integer("NETPULSE_WORKER_PINNED_PER_NODE", &c.Worker.PinnedPerNode)
	integer("NETPULSE_WORKER_FIFO_CONCURRENCY", &c.Worker.FIFOConcurrency)
	duration("NETPULSE_WORKER_IDLE_TTL", &c.Worker.IdleTTL)
	integer("NETPULSE_WORKER_SPAWN_RETRIES", &c.Worker.SpawnRetries)
	duration("NETPULSE_WORKER_SPAWN_TIMEOUT", &c.Worker.SpawnTimeout)
	duration("NETPULSE_WORKER_HEARTBEAT_EVERY", &c.Worker.HeartbeatEvery)

	duration("NETPULSE_JOB_TTL", &c.Job.QueueTTL)
	duration("NETPULSE_JOB_TIMEOUT", &c.Job.ExecTimeout)
	duration("NETPULSE_JOB_BATCH_TIMEOUT", &c.Job.BatchTimeout)
	duration("NETPULSE_JOB_RESULT_TTL", &c.Job.ResultTTL)

	str("NETPULSE_LOG_LEVEL", &c.Log.Level)
	boolean("NETPULSE_LOG_JSON", &c.Log.JSON)

	// NETPULSE_DRIVER_STRATEGIES=ssh:pinned,httpapi:fifo
	if v, ok := os.LookupEnv("NETPULSE_DRIVER_STRATEGIES"); ok {
		m := make(map[string]string)
		for _, pair := range strings.Split(v, ",") {
			name, strategy, found := strings.Cut(strings.TrimSpace(pair), ":")
			if !found {
				return fmt.Errorf("NETPULSE_DRIVER_STRATEGIES: malformed entry %q", pair)
			}
			m[name] = strategy
		}
		c.DriverStrategies = m
	}

	return err
}

// DefaultStrategy returns the configured default queue strategy for a
// driver, falling back to fifo for unknown drivers.
func (c *Config) DefaultStrategy(driver string) string {
	if s, ok := c.DriverStrategies[driver]; ok {
		return s
	}
	return "fifo"
}
