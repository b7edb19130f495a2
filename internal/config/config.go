package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.vkd/config.toml.
type Config struct {
	DefaultSession string    `toml:"default_session"`
	API            API       `toml:"api"`
	Auth           Auth      `toml:"auth"`
	Backoff        Backoff   `toml:"backoff"`
	Formatter      Formatter `toml:"formatter"`
	HTTP           HTTP      `toml:"http"`
}

// API configures the remote service endpoints and long-poll behavior.
type API struct {
	BaseURL        string `toml:"base_url"`
	AuthURL        string `toml:"auth_url"`
	LongPollWait   int    `toml:"long_poll_wait_seconds"`
	RequestTimeout int    `toml:"request_timeout_seconds"`
}

// Auth holds authentication policy.
type Auth struct {
	// OfflineScope requests the offline permission at authentication time,
	// which spares the user a forced reauthentication on client IP change.
	OfflineScope bool `toml:"offline_scope"`
}

// Backoff configures long-poll reconnection behavior.
type Backoff struct {
	MinSeconds       int `toml:"min_seconds"`
	MaxSeconds       int `toml:"max_seconds"`
	FailureThreshold int `toml:"failure_threshold"`
}

// Formatter holds read-only rendering settings consumed by the message formatter.
type Formatter struct {
	// NameFormat supports the variables {name}, {nick} and {surname}.
	NameFormat string `toml:"name_format"`
	// ImageMode is "embedded" or "link".
	ImageMode string `toml:"image_mode"`
	// MaxImageSize bounds the rendered side of embedded images, in pixels.
	MaxImageSize int `toml:"max_image_size"`
	// MaxForwardDepth bounds forwarded-message recursion.
	MaxForwardDepth int `toml:"max_forward_depth"`
}

// HTTP configures the daemon's local control API.
type HTTP struct {
	Listen string `toml:"listen"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		API: API{
			BaseURL:        "https://api.vk.example/method",
			AuthURL:        "https://oauth.vk.example/token",
			LongPollWait:   25,
			RequestTimeout: 30,
		},
		Auth: Auth{OfflineScope: true},
		Backoff: Backoff{
			MinSeconds:       1,
			MaxSeconds:       60,
			FailureThreshold: 10,
		},
		Formatter: Formatter{
			NameFormat:      "{name} {nick} {surname}",
			ImageMode:       "embedded",
			MaxImageSize:    512,
			MaxForwardDepth: 5,
		},
		HTTP: HTTP{Listen: "127.0.0.1:7432"},
	}
}

// Load reads config from the given path, filling unset fields with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads config from path, returning defaults if the file is missing.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
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

func (c *Config) validate() error {
	if c.Formatter.ImageMode != "embedded" && c.Formatter.ImageMode != "link" {
		return fmt.Errorf("formatter.image_mode must be \"embedded\" or \"link\", got %q", c.Formatter.ImageMode)
	}
	if c.Backoff.MinSeconds <= 0 || c.Backoff.MaxSeconds < c.Backoff.MinSeconds {
		return fmt.Errorf("invalid backoff bounds: min=%d max=%d", c.Backoff.MinSeconds, c.Backoff.MaxSeconds)
	}
	return nil
}

// Timeout returns the per-request timeout as a duration.
func (a API) Timeout() time.Duration {
	if a.RequestTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(a.RequestTimeout) * time.Second
}
