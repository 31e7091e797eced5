// Package config handles configuration loading and management
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/deckhand/deckhand/pkg/types"
)

// DefaultConfigName is the file name searched for when no path is given
const DefaultConfigName = "deckhand"

// Config is the engine configuration
type Config struct {
	LogLevel      string        `mapstructure:"log_level"`
	LogFile       string        `mapstructure:"log_file"`
	CancelTimeout time.Duration `mapstructure:"cancel_timeout"`
	VerboseErrors bool          `mapstructure:"verbose_errors"`
	TmpDir        string        `mapstructure:"tmp_dir"`
	CacheDir      string        `mapstructure:"cache_dir"`
	StateDir      string        `mapstructure:"state_dir"`
	// Paused disables dispatch of new jobs
	Paused        bool               `mapstructure:"paused"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Kubernetes    KubernetesConfig   `mapstructure:"kubernetes"`
}

// NotificationConfig configures desktop notifications
type NotificationConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	QueueThreshold int  `mapstructure:"queue_threshold"`
}

// KubernetesConfig configures the cluster executor
type KubernetesConfig struct {
	Namespace    string        `mapstructure:"namespace"`
	Kubeconfig   string        `mapstructure:"kubeconfig"`
	Image        string        `mapstructure:"image"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// Manager handles configuration operations
type Manager struct {
	v *viper.Viper
}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DECKHAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Manager{v: v}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("cancel_timeout", d.CancelTimeout)
	v.SetDefault("verbose_errors", d.VerboseErrors)
	v.SetDefault("tmp_dir", d.TmpDir)
	v.SetDefault("cache_dir", d.CacheDir)
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("paused", d.Paused)
	v.SetDefault("notifications.enabled", d.Notifications.Enabled)
	v.SetDefault("notifications.queue_threshold", d.Notifications.QueueThreshold)
	v.SetDefault("kubernetes.namespace", d.Kubernetes.Namespace)
	v.SetDefault("kubernetes.kubeconfig", d.Kubernetes.Kubeconfig)
	v.SetDefault("kubernetes.image", d.Kubernetes.Image)
	v.SetDefault("kubernetes.poll_interval", d.Kubernetes.PollInterval)
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	cacheDir := filepath.Join(os.TempDir(), "deckhand", "cache")
	if dir, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(dir, "deckhand")
	}
	return &Config{
		LogLevel:      "info",
		CancelTimeout: 15 * time.Second,
		TmpDir:        os.TempDir(),
		CacheDir:      cacheDir,
		StateDir:      filepath.Join(cacheDir, "jobs"),
		Notifications: NotificationConfig{QueueThreshold: 5},
		Kubernetes: KubernetesConfig{
			Namespace:    "default",
			Image:        "alpine/git:latest",
			PollInterval: 2 * time.Second,
		},
	}
}

// LoadConfig reads path, or searches dir for deckhand.{yaml,yml,json}
// when path is empty. A missing file in search mode is not an error.
func (m *Manager) LoadConfig(path, dir string) (*Config, error) {
	if path != "" {
		m.v.SetConfigFile(path)
	} else {
		if dir == "" {
			dir = "."
		}
		m.v.AddConfigPath(dir)
		m.v.SetConfigName(DefaultConfigName)
	}

	if err := m.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFileUsed returns the file read by the last LoadConfig, if any
func (m *Manager) ConfigFileUsed() string {
	return m.v.ConfigFileUsed()
}

// Validate validates a configuration
func (c *Config) Validate() error {
	switch types.LogLevel(strings.ToLower(c.LogLevel)) {
	case types.LogLevelDebug, types.LogLevelInfo, types.LogLevelWarn, "warning", types.LogLevelError:
	default:
		return fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}
	if c.CancelTimeout <= 0 {
		return fmt.Errorf("cancel_timeout must be positive, got %s", c.CancelTimeout)
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.Kubernetes.PollInterval <= 0 {
		return fmt.Errorf("kubernetes.poll_interval must be positive, got %s", c.Kubernetes.PollInterval)
	}
	return nil
}
