package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jamesainslie/dirmon/pkg/dirmon/logging"
	"github.com/jamesainslie/dirmon/pkg/dirmon/types"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAge     int  `mapstructure:"max_age" yaml:"max_age"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// LoggingConfig configures application logging.
type LoggingConfig struct {
	Level      string            `mapstructure:"level" yaml:"level"`
	Path       string            `mapstructure:"path" yaml:"path"`
	Console    string            `mapstructure:"console" yaml:"console"`
	Rotation   RotationConfig    `mapstructure:"rotation" yaml:"rotation"`
	Components map[string]string `mapstructure:"components" yaml:"components"`
}

// Config represents the application configuration.
type Config struct {
	Threshold   string `mapstructure:"threshold" yaml:"threshold"`
	DefaultPath string `mapstructure:"default_path" yaml:"default_path"`
	Workers     int    `mapstructure:"workers" yaml:"workers"`
	Resync      struct {
		Rate float64 `mapstructure:"rate" yaml:"rate"`
	} `mapstructure:"resync" yaml:"resync"`
	Events struct {
		Buffer int `mapstructure:"buffer" yaml:"buffer"`
	} `mapstructure:"events" yaml:"events"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-" yaml:"-"`
}

// Load loads configuration from file and environment variables.
// Config file locations (in order of precedence):
//   - $XDG_CONFIG_HOME/dirmon/config.yaml
//   - $HOME/.config/dirmon/config.yaml
//
// Environment variables are prefixed with DIRMON_ (e.g. DIRMON_THRESHOLD,
// DIRMON_LOGGING_LEVEL).
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. An empty file searches
// the default locations; a named file must exist.
func LoadFile(file string) (*Config, error) {
	v := viper.New()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
			v.AddConfigPath(filepath.Join(xdgConfigHome, "dirmon"))
		}
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		v.AddConfigPath(filepath.Join(homeDir, ".config", "dirmon"))
	}

	v.SetEnvPrefix("DIRMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.File = v.ConfigFileUsed()

	var err error
	if cfg.DefaultPath, err = ExpandPath(cfg.DefaultPath); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("threshold", DefaultThreshold)
	v.SetDefault("default_path", DefaultPath)
	v.SetDefault("workers", DefaultWorkers)
	v.SetDefault("resync.rate", 0)
	v.SetDefault("events.buffer", DefaultEventBuffer)

	rotation := logging.DefaultRotationConfig()
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.console", "")
	v.SetDefault("logging.rotation.max_size_mb", rotation.MaxSizeMB)
	v.SetDefault("logging.rotation.max_age", rotation.MaxAge)
	v.SetDefault("logging.rotation.max_backups", rotation.MaxBackups)
	v.SetDefault("logging.rotation.compress", rotation.Compress)
	v.SetDefault("logging.components", DefaultComponents)
}

// Validate checks every value that is parsed later.
func (c *Config) Validate() error {
	if _, err := c.ThresholdBytes(); err != nil {
		return fmt.Errorf("%w: threshold: %w", ErrInvalidConfig, err)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers must not be negative, got %d", ErrInvalidConfig, c.Workers)
	}
	if c.Resync.Rate < 0 {
		return fmt.Errorf("%w: resync.rate must not be negative, got %g", ErrInvalidConfig, c.Resync.Rate)
	}
	if c.Events.Buffer < 0 {
		return fmt.Errorf("%w: events.buffer must not be negative, got %d", ErrInvalidConfig, c.Events.Buffer)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging.level: %w", ErrInvalidConfig, err)
	}
	if c.Logging.Console != "" {
		if _, err := logging.ParseLevel(c.Logging.Console); err != nil {
			return fmt.Errorf("%w: logging.console: %w", ErrInvalidConfig, err)
		}
	}
	for comp, lvl := range c.Logging.Components {
		if _, err := logging.ParseLevel(lvl); err != nil {
			return fmt.Errorf("%w: logging.components.%s: %w", ErrInvalidConfig, comp, err)
		}
	}
	return nil
}

// ThresholdBytes parses the threshold.
func (c *Config) ThresholdBytes() (int64, error) {
	n, err := types.ParseSize(c.Threshold)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("threshold must be positive: %q", c.Threshold)
	}
	return n, nil
}

// LoggingOptions converts the logging section for logging.Init.
func (c *Config) LoggingOptions() logging.Config {
	return logging.Config{
		Level: c.Logging.Level,
		Path:  c.Logging.Path,
		Rotation: logging.RotationConfig{
			MaxSizeMB:  c.Logging.Rotation.MaxSizeMB,
			MaxAge:     c.Logging.Rotation.MaxAge,
			MaxBackups: c.Logging.Rotation.MaxBackups,
			Compress:   c.Logging.Rotation.Compress,
		},
		Components:   c.Logging.Components,
		ConsoleLevel: c.Logging.Console,
	}
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	var sb strings.Builder
	enc := yaml.NewEncoder(&sb)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

// ConfigDir returns the configuration directory.
func ConfigDir() (string, error) {
	if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
		return filepath.Join(xdgConfigHome, "dirmon"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "dirmon"), nil
}

// ConfigFile returns the path of the configuration file.
func ConfigFile() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// StateDir returns $XDG_STATE_HOME/dirmon/ for log files.
func StateDir() string {
	return filepath.Join(xdg.StateHome, "dirmon")
}

// WriteDefault writes a default config file unless one exists.
func WriteDefault() (string, error) {
	path, err := ConfigFile()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to check config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`# dirmon configuration

# Files at or above this size make their directory appear in the index
threshold: %s

# Scan root used when none is given
default_path: %s

# Walk parallelism; 0 derives it from the storage medium
workers: %d

resync:
  # Re-scans per second; 0 means unlimited
  rate: 0

events:
  # Capacity of each observer channel
  buffer: %d

logging:
  # Log level: debug, info, warn, error
  level: info
  # Log file path (empty means $XDG_STATE_HOME/dirmon/dirmon.log)
  path: ""
  # Console level; empty disables console output
  console: ""
  rotation:
    max_size_mb: 10
    max_age: 30       # days
    max_backups: 5
    compress: false
  components:
    watcher: warn
`, DefaultThreshold, DefaultPath, DefaultWorkers, DefaultEventBuffer)

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write default config: %w", err)
	}
	return path, nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, path[1:]), nil
}
