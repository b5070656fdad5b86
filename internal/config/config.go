package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

// Duration is a time.Duration that reads and writes as "30s", "1h".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

type Config struct {
	DataDir    string `json:"data_dir" env:"CONTINUITY_DATA_DIR"`
	LogLevel   string `json:"log_level" env:"CONTINUITY_LOG_LEVEL"`
	InstanceID string `json:"instance_id" env:"CONTINUITY_INSTANCE_ID"`

	Redis struct {
		Addr      string `json:"addr" env:"REDIS_ADDR"`
		Password  string `json:"password" env:"REDIS_PASSWORD"`
		DB        int    `json:"db" env:"REDIS_DB"`
		KeyPrefix string `json:"key_prefix" env:"CONTINUITY_REDIS_KEY_PREFIX"`
	} `json:"redis"`

	Cache struct {
		TTL         Duration `json:"ttl" env:"CONTINUITY_CACHE_TTL"`
		ReadTimeout Duration `json:"read_timeout" env:"CONTINUITY_CACHE_READ_TIMEOUT"`
	} `json:"cache"`

	Durable struct {
		Path         string   `json:"path" env:"CONTINUITY_DURABLE_PATH"`
		WriteTimeout Duration `json:"write_timeout" env:"CONTINUITY_DURABLE_WRITE_TIMEOUT"`
	} `json:"durable"`

	Queue struct {
		Key    string `json:"key" env:"CONTINUITY_QUEUE_KEY"`
		MaxLen int64  `json:"max_len" env:"CONTINUITY_QUEUE_MAX_LEN"`
	} `json:"queue"`

	Recovery struct {
		Interval Duration `json:"interval" env:"CONTINUITY_RECOVERY_INTERVAL"`
	} `json:"recovery"`

	Writes struct {
		MaxConcurrent int      `json:"max_concurrent" env:"CONTINUITY_WRITES_MAX_CONCURRENT"`
		LaneBuffer    int      `json:"lane_buffer" env:"CONTINUITY_WRITES_LANE_BUFFER"`
		RetryAttempts int      `json:"retry_attempts" env:"CONTINUITY_WRITES_RETRY_ATTEMPTS"`
		RetryDelay    Duration `json:"retry_delay" env:"CONTINUITY_WRITES_RETRY_DELAY"`
	} `json:"writes"`

	Detect struct {
		SpeedWordThreshold int      `json:"speed_word_threshold" env:"CONTINUITY_SPEED_WORD_THRESHOLD"`
		SpeedWindow        Duration `json:"speed_window" env:"CONTINUITY_SPEED_WINDOW"`
	} `json:"detect"`

	Context struct {
		Model     string `json:"model" env:"CONTINUITY_CONTEXT_MODEL"`
		MaxTokens int    `json:"max_tokens" env:"CONTINUITY_CONTEXT_MAX_TOKENS"`
	} `json:"context"`

	HTTP struct {
		Enabled bool   `json:"enabled" env:"CONTINUITY_HTTP_ENABLED"`
		Listen  string `json:"listen" env:"CONTINUITY_HTTP_LISTEN"`
	} `json:"http"`
}

// Default returns the configuration written on first run.
func Default() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".continuity"),
		LogLevel: "info",
	}
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.KeyPrefix = "continuity:"
	cfg.Cache.TTL = Duration(time.Hour)
	cfg.Cache.ReadTimeout = Duration(250 * time.Millisecond)
	cfg.Durable.WriteTimeout = Duration(5 * time.Second)
	cfg.Queue.Key = "continuity:retry"
	cfg.Queue.MaxLen = 10000
	cfg.Recovery.Interval = Duration(30 * time.Second)
	cfg.Writes.MaxConcurrent = 4
	cfg.Writes.LaneBuffer = 64
	cfg.Writes.RetryAttempts = 2
	cfg.Writes.RetryDelay = Duration(100 * time.Millisecond)
	cfg.Detect.SpeedWordThreshold = 50
	cfg.Detect.SpeedWindow = Duration(5 * time.Second)
	cfg.Context.Model = "gpt-4"
	cfg.Context.MaxTokens = 4096
	cfg.HTTP.Listen = "127.0.0.1:8787"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DurablePath returns the SQLite path, defaulting to data_dir/continuity.db.
func (c *Config) DurablePath() string {
	if c.Durable.Path != "" {
		return c.Durable.Path
	}
	return filepath.Join(c.DataDir, "continuity.db")
}

// FallbackDir returns the local fallback root.
func (c *Config) FallbackDir() string {
	return filepath.Join(c.DataDir, "fallback")
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.Queue.MaxLen <= 0 {
		errs = append(errs, errors.New("queue.max_len must be positive"))
	}
	if c.Recovery.Interval <= 0 {
		errs = append(errs, errors.New("recovery.interval must be positive"))
	}
	if c.Writes.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("writes.max_concurrent must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return writeJSON(path, cfg)
}

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return writeJSON(path, cfg)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its generic JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns cfg as dot-separated keys, optionally masking secrets.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return m, nil
}

// GetValue reads one dot-separated key from the file at path.
func GetValue(path, key string) (any, error) {
	m, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue writes one dot-separated key into the file at path. The value is
// stored as JSON when it parses as JSON (numbers, booleans), else as a string.
func SetValue(path, key, value string) error {
	m, err := readRaw(path)
	if err != nil {
		return err
	}

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}

	flat := Flatten(m)
	flat[strings.TrimSpace(key)] = parsed
	return writeJSON(path, Unflatten(flat))
}
