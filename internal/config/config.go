package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for the Feishu bot gateway.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Channels ChannelsConfig `json:"channels"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	Workspace string `json:"workspace"`
	LogLevel  string `json:"logLevel"`
	BusBuffer int    `json:"busBuffer,omitempty"` // inbound bus capacity (default: 100)
}

type ChannelsConfig struct {
	Feishu FeishuConfig `json:"feishu"`
}

// FeishuConfig holds the app credentials from the Feishu Open Platform.
// Bot capability and the im.message.receive_v1 event subscription must be
// enabled on the app for the long connection to deliver anything.
type FeishuConfig struct {
	Enabled           bool   `json:"enabled"`
	AppID             string `json:"appId"`
	AppSecret         string `json:"appSecret"`
	EncryptKey        string `json:"encryptKey,omitempty"`
	VerificationToken string `json:"verificationToken,omitempty"`
}

// MetricsConfig configures the Prometheus-format metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // listen address, e.g. "127.0.0.1:9090"
}

// DefaultConfigDir returns the default config directory (~/.feishubot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".feishubot"
	}
	return filepath.Join(home, ".feishubot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace: "~/.feishubot/workspace",
			LogLevel:  "info",
			BusBuffer: 100,
		},
		Channels: ChannelsConfig{
			Feishu: FeishuConfig{
				Enabled: false,
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9090",
		},
	}
}

func Load(path string) (*Config, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.Workspace = ExpandPath(cfg.General.Workspace)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values. An enabled Feishu channel
// with missing credentials is an error: the gateway refuses to start rather
// than coming up half-configured.
func Validate(cfg *Config) error {
	var errs []string

	if strings.TrimSpace(cfg.General.Workspace) == "" {
		errs = append(errs, "general.workspace must not be empty")
	}
	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.BusBuffer < 0 {
		errs = append(errs, "general.busBuffer must be >= 0")
	}

	if cfg.Channels.Feishu.Enabled {
		if strings.TrimSpace(cfg.Channels.Feishu.AppID) == "" {
			errs = append(errs, "channels.feishu.appId is required when the channel is enabled")
		}
		if strings.TrimSpace(cfg.Channels.Feishu.AppSecret) == "" {
			errs = append(errs, "channels.feishu.appSecret is required when the channel is enabled")
		}
	}

	if cfg.Metrics.Enabled && strings.TrimSpace(cfg.Metrics.Addr) == "" {
		errs = append(errs, "metrics.addr is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Sanitize returns a copy of the config with secrets masked, safe to print.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	if out.Channels.Feishu.AppSecret != "" {
		out.Channels.Feishu.AppSecret = "***"
	}
	if out.Channels.Feishu.EncryptKey != "" {
		out.Channels.Feishu.EncryptKey = "***"
	}
	if out.Channels.Feishu.VerificationToken != "" {
		out.Channels.Feishu.VerificationToken = "***"
	}
	return &out
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
