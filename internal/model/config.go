package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// APIConfig holds settings for the portal REST backend.
type APIConfig struct {
	// BaseURL is the root of the portal API (e.g., https://portal.example.com/api).
	BaseURL string `mapstructure:"base_url" yaml:"base_url" validate:"required,url"`

	// TimeoutSec bounds every outbound call.
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec" validate:"gte=1"`

	// RatePerSec caps outbound requests per second.
	RatePerSec float64 `mapstructure:"rate_per_sec" yaml:"rate_per_sec" validate:"gt=0"`
}

// PushConfig holds the push channel settings.
type PushConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// VAPIDKey is the project credential presented when subscribing.
	VAPIDKey string `mapstructure:"vapid_key" yaml:"vapid_key" validate:"required_if=Enabled true"`

	// RedisURL locates the push relay.
	RedisURL string `mapstructure:"redis_url" yaml:"redis_url" validate:"required_if=Enabled true"`

	// ChannelPrefix namespaces per-token pub/sub channels.
	ChannelPrefix string `mapstructure:"channel_prefix" yaml:"channel_prefix"`

	// FreshnessDays is how long a token is trusted before refresh.
	FreshnessDays int `mapstructure:"freshness_days" yaml:"freshness_days" validate:"gte=1"`

	// WorkerTimeoutSec bounds the wait for the worker to become active.
	WorkerTimeoutSec int `mapstructure:"worker_timeout_sec" yaml:"worker_timeout_sec" validate:"gte=1"`

	Device DeviceDescriptor `mapstructure:"device" yaml:"device"`
}

// NotificationsConfig holds store and toast behaviour settings.
type NotificationsConfig struct {
	MaxRetained     int `mapstructure:"max_retained" yaml:"max_retained" validate:"gte=1"`
	ToastTTLSec     int `mapstructure:"toast_ttl_sec" yaml:"toast_ttl_sec" validate:"gte=1"`
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec" validate:"gte=5"`
}

// StorageConfig locates the local state database.
type StorageConfig struct {
	DBPath string `mapstructure:"db_path" yaml:"db_path" validate:"required"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	API           APIConfig           `mapstructure:"api" yaml:"api"`
	Push          PushConfig          `mapstructure:"push" yaml:"push"`
	Notifications NotificationsConfig `mapstructure:"notifications" yaml:"notifications"`
	Storage       StorageConfig       `mapstructure:"storage" yaml:"storage"`
}

// Timeout returns the outbound call timeout.
func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// Freshness returns the token freshness window.
func (c PushConfig) Freshness() time.Duration {
	return time.Duration(c.FreshnessDays) * 24 * time.Hour
}

// WorkerTimeout returns the worker activation timeout.
func (c PushConfig) WorkerTimeout() time.Duration {
	return time.Duration(c.WorkerTimeoutSec) * time.Second
}

// ToastTTL returns the toast auto-expiry.
func (c NotificationsConfig) ToastTTL() time.Duration {
	return time.Duration(c.ToastTTLSec) * time.Second
}

// PollInterval returns the fallback polling interval.
func (c NotificationsConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/aquaportal/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "aquaportal")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		API: APIConfig{
			BaseURL:    "http://localhost:8000/api",
			TimeoutSec: 15,
			RatePerSec: 5,
		},
		Push: PushConfig{
			Enabled:          false,
			ChannelPrefix:    "aquaportal:push",
			FreshnessDays:    7,
			WorkerTimeoutSec: 10,
			Device: DeviceDescriptor{
				Type:       "terminal",
				Name:       hostName(),
				AppVersion: "1.0.0",
			},
		},
		Notifications: NotificationsConfig{
			MaxRetained:     50,
			ToastTTLSec:     5,
			PollIntervalSec: 60,
		},
		Storage: StorageConfig{
			DBPath: filepath.Join(configDir(), "state.db"),
		},
	}
}

func hostName() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "aquaportal-cli"
	}
	return name
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Environment variables prefixed with AQUAPORTAL_ override file values
// (e.g., AQUAPORTAL_API_BASE_URL). If the file does not exist, defaults
// plus environment overrides are used.
func LoadConfig(path string) (*AppConfig, error) {
	def := defaultAppConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("aquaportal")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults so missing keys resolve to sensible values and so
	// AutomaticEnv can see every key during Unmarshal.
	v.SetDefault("api.base_url", def.API.BaseURL)
	v.SetDefault("api.timeout_sec", def.API.TimeoutSec)
	v.SetDefault("api.rate_per_sec", def.API.RatePerSec)
	v.SetDefault("push.enabled", def.Push.Enabled)
	v.SetDefault("push.vapid_key", "")
	v.SetDefault("push.redis_url", "")
	v.SetDefault("push.channel_prefix", def.Push.ChannelPrefix)
	v.SetDefault("push.freshness_days", def.Push.FreshnessDays)
	v.SetDefault("push.worker_timeout_sec", def.Push.WorkerTimeoutSec)
	v.SetDefault("push.device.device_type", def.Push.Device.Type)
	v.SetDefault("push.device.device_name", def.Push.Device.Name)
	v.SetDefault("push.device.app_version", def.Push.Device.AppVersion)
	v.SetDefault("notifications.max_retained", def.Notifications.MaxRetained)
	v.SetDefault("notifications.toast_ttl_sec", def.Notifications.ToastTTLSec)
	v.SetDefault("notifications.poll_interval_sec", def.Notifications.PollIntervalSec)
	v.SetDefault("storage.db_path", def.Storage.DBPath)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrCreateConfig loads path and, when no file exists there yet,
// writes the resolved configuration to it. The backend knows this client
// by its device name, which must not change between runs.
func LoadOrCreateConfig(path string) (*AppConfig, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := SaveConfig(path, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Validate checks the configuration against its struct tags.
func (c *AppConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid config: %s failed on '%s'", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("api", cfg.API)
	v.Set("push", cfg.Push)
	v.Set("notifications", cfg.Notifications)
	v.Set("storage", cfg.Storage)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
