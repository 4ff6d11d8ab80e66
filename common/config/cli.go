package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// CLIConfig holds taskctl configuration.
type CLIConfig struct {
	UserURL         string        `yaml:"user_url" mapstructure:"user_url"`
	TaskURL         string        `yaml:"task_url" mapstructure:"task_url"`
	NotificationURL string        `yaml:"notification_url" mapstructure:"notification_url"`
	Output          string        `yaml:"output" mapstructure:"output"`
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`
	path            string
}

// DefaultCLI returns a CLIConfig pointing at locally running services.
func DefaultCLI() *CLIConfig {
	return &CLIConfig{
		UserURL:         "http://localhost:8081",
		TaskURL:         "http://localhost:8082",
		NotificationURL: "http://localhost:8083",
		Output:          "table",
		Timeout:         10 * time.Second,
	}
}

// cliKeys are the settable keys, in display order.
var cliKeys = []string{"user_url", "task_url", "notification_url", "output", "timeout"}

// CLIKeys returns the keys accepted by Set.
func CLIKeys() []string {
	return append([]string(nil), cliKeys...)
}

// LoadCLI loads configuration for taskctl.
// Uses $HOME/.taskctl unless TASKCTL_CONFIG_DIR is set.
func LoadCLI() (*CLIConfig, error) {
	configDir := os.Getenv("TASKCTL_CONFIG_DIR")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to determine home directory: %w", err)
		}
		configDir = filepath.Join(home, ".taskctl")
	}
	return LoadCLIFile(filepath.Join(configDir, "config.yaml"))
}

// LoadCLIFile loads taskctl configuration from configPath. Save writes back
// to the same path.
func LoadCLIFile(configPath string) (*CLIConfig, error) {
	v := viper.New()

	d := DefaultCLI()
	v.SetDefault("user_url", d.UserURL)
	v.SetDefault("task_url", d.TaskURL)
	v.SetDefault("notification_url", d.NotificationURL)
	v.SetDefault("output", d.Output)
	v.SetDefault("timeout", d.Timeout.String())

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Environment variables override with TASKCTL prefix, e.g. TASKCTL_USER_URL.
	v.SetEnvPrefix("TASKCTL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	_ = v.ReadInConfig() // file may not exist yet

	cfg := &CLIConfig{path: configPath}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// Path returns the file Save writes to.
func (c *CLIConfig) Path() string {
	return c.path
}

// Set updates one key by name.
func (c *CLIConfig) Set(key, value string) error {
	switch key {
	case "user_url":
		c.UserURL = value
	case "task_url":
		c.TaskURL = value
	case "notification_url":
		c.NotificationURL = value
	case "output":
		switch value {
		case "table", "json", "yaml":
		default:
			return fmt.Errorf("invalid output format %q (want table, json or yaml)", value)
		}
		c.Output = value
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
		c.Timeout = d
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

// Get returns the value of one key.
func (c *CLIConfig) Get(key string) (string, error) {
	switch key {
	case "user_url":
		return c.UserURL, nil
	case "task_url":
		return c.TaskURL, nil
	case "notification_url":
		return c.NotificationURL, nil
	case "output":
		return c.Output, nil
	case "timeout":
		return c.Timeout.String(), nil
	default:
		return "", fmt.Errorf("unknown config key %q", key)
	}
}

// ServiceURL returns the base URL of a producing service (user or task).
func (c *CLIConfig) ServiceURL(service string) (string, error) {
	switch service {
	case ServiceUser:
		return c.UserURL, nil
	case ServiceTask:
		return c.TaskURL, nil
	default:
		return "", fmt.Errorf("unknown service %q (want %s or %s)", service, ServiceUser, ServiceTask)
	}
}

// Save writes the CLI config to disk
func (c *CLIConfig) Save() error {
	if c.path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		c.path = filepath.Join(home, ".taskctl", "config.yaml")
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(c.fileView())
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0o600)
}

// fileView is the on-disk form; durations are written as strings so viper
// reads them back.
func (c *CLIConfig) fileView() map[string]string {
	return map[string]string{
		"user_url":         c.UserURL,
		"task_url":         c.TaskURL,
		"notification_url": c.NotificationURL,
		"output":           c.Output,
		"timeout":          c.Timeout.String(),
	}
}
