package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	APIURL         string `toml:"api_url"`
	SocketURL      string `toml:"socket_url"`
	MetricsAddr    string `toml:"metrics_addr"`

	Timeline      TimelineConfig      `toml:"timeline"`
	Typing        TypingConfig        `toml:"typing"`
	Notifications NotificationsConfig `toml:"notifications"`
	Composer      ComposerConfig      `toml:"composer"`
	Reconnect     ReconnectConfig     `toml:"reconnect"`
	HTTP          HTTPConfig          `toml:"http"`
}

type TimelineConfig struct {
	PageSize int `toml:"page_size"`
}

type TypingConfig struct {
	Timeout Duration `toml:"timeout"`
}

type NotificationsConfig struct {
	TTL   Duration `toml:"ttl"`
	Sound bool     `toml:"sound"`
}

type ComposerConfig struct {
	ReconcileWindow Duration `toml:"reconcile_window"`
}

// ReconnectConfig bounds the transport's reconnect loop.
type ReconnectConfig struct {
	Initial     Duration `toml:"initial"`
	Max         Duration `toml:"max"`
	MaxAttempts int      `toml:"max_attempts"`
}

type HTTPConfig struct {
	Timeout           Duration `toml:"timeout"`
	MaxRetries        int      `toml:"max_retries"`
	RetryDelay        Duration `toml:"retry_delay"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
}

// Duration is a time.Duration written as "3s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		APIURL:         "http://localhost:8000",
		SocketURL:      "ws://localhost:8000/ws",
		Timeline:       TimelineConfig{PageSize: 20},
		Typing:         TypingConfig{Timeout: Duration{3 * time.Second}},
		Notifications:  NotificationsConfig{TTL: Duration{5 * time.Second}, Sound: true},
		Composer:       ComposerConfig{ReconcileWindow: Duration{2 * time.Minute}},
		Reconnect: ReconnectConfig{
			Initial:     Duration{500 * time.Millisecond},
			Max:         Duration{30 * time.Second},
			MaxAttempts: 12,
		},
		HTTP: HTTPConfig{
			Timeout:           Duration{15 * time.Second},
			MaxRetries:        3,
			RetryDelay:        Duration{time.Second},
			RequestsPerSecond: 10,
			Burst:             20,
		},
	}
}

// Load reads config from path on top of the defaults. Returns an error if the
// file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// ApplyEnv loads envFile if present and overrides fields from CHATSYNC_*
// variables.
func (c *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if v, ok := os.LookupEnv("CHATSYNC_API_URL"); ok {
		c.APIURL = v
	}
	if v, ok := os.LookupEnv("CHATSYNC_SOCKET_URL"); ok {
		c.SocketURL = v
	}
	if v, ok := os.LookupEnv("CHATSYNC_METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}
	if v, ok := os.LookupEnv("CHATSYNC_PAGE_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHATSYNC_PAGE_SIZE: %w", err)
		}
		c.Timeline.PageSize = n
	}
	return c.Validate()
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.APIURL == "":
		return errors.New("api_url is required")
	case c.SocketURL == "":
		return errors.New("socket_url is required")
	case c.Timeline.PageSize <= 0:
		return fmt.Errorf("timeline.page_size must be positive, got %d", c.Timeline.PageSize)
	case c.Reconnect.Initial.Duration <= 0 || c.Reconnect.Max.Duration < c.Reconnect.Initial.Duration:
		return fmt.Errorf("reconnect: need 0 < initial <= max, got %s/%s", c.Reconnect.Initial, c.Reconnect.Max)
	case c.Reconnect.MaxAttempts <= 0:
		return fmt.Errorf("reconnect.max_attempts must be positive, got %d", c.Reconnect.MaxAttempts)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
