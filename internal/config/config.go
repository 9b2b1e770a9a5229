package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	SchemaVersion                = 1
	DefaultPath                  = "/etc/gohome/config.yaml"
	DefaultGRPCAddr              = "0.0.0.0:9000"
	DefaultHTTPAddr              = "0.0.0.0:8080"
	DefaultDashboardDir          = "/var/lib/gohome/dashboards"
	DefaultLogLevel              = "info"
	DefaultAmbrogioEndpoint      = "https://api-de.devicewise.com/api"
	DefaultScanIntervalSeconds   = 300
	DefaultActiveIntervalSeconds = 60
	DefaultRequestsPerMinute     = 60
	DefaultMQTTTopicPrefix       = "gohome/ambrogio"
	MinScanIntervalSeconds       = 30
	MaxScanIntervalSeconds       = 14400
)

// Config is the root daemon configuration.
type Config struct {
	SchemaVersion int             `yaml:"schema_version"`
	Core          *CoreConfig     `yaml:"core"`
	Ambrogio      *AmbrogioConfig `yaml:"ambrogio"`
}

type CoreConfig struct {
	GRPCAddr       string `yaml:"grpc_addr"`
	HTTPAddr       string `yaml:"http_addr"`
	DashboardDir   string `yaml:"dashboard_dir"`
	LogLevel       string `yaml:"log_level"`
	LogDevelopment bool   `yaml:"log_development"`
}

// AmbrogioConfig configures the Zucchetti/Ambrogio mower plugin.
type AmbrogioConfig struct {
	Endpoint              string        `yaml:"endpoint"`
	AppID                 string        `yaml:"app_id"`
	AppTokenFile          string        `yaml:"app_token_file"`
	AccessTokenFile       string        `yaml:"access_token_file"`
	ScanIntervalSeconds   int           `yaml:"scan_interval_seconds"`
	ActiveIntervalSeconds int           `yaml:"active_interval_seconds"`
	RequestsPerMinute     int           `yaml:"requests_per_minute"`
	Mowers                []MowerConfig `yaml:"mowers"`
	MQTT                  *MQTTConfig   `yaml:"mqtt"`
}

type MowerConfig struct {
	IMEI string `yaml:"imei"`
	Name string `yaml:"name"`
}

// MQTTConfig enables publishing mower state to a broker.
type MQTTConfig struct {
	Broker       string `yaml:"broker"`
	Username     string `yaml:"username"`
	PasswordFile string `yaml:"password_file"`
	TopicPrefix  string `yaml:"topic_prefix"`
	Retain       *bool  `yaml:"retain"`
}

// Load parses the YAML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes config bytes, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Core == nil {
		cfg.Core = &CoreConfig{}
	}
	if cfg.Core.GRPCAddr == "" {
		cfg.Core.GRPCAddr = DefaultGRPCAddr
	}
	if cfg.Core.HTTPAddr == "" {
		cfg.Core.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.Core.DashboardDir == "" {
		cfg.Core.DashboardDir = DefaultDashboardDir
	}
	if cfg.Core.LogLevel == "" {
		cfg.Core.LogLevel = DefaultLogLevel
	}

	if cfg.Ambrogio == nil {
		return
	}
	if cfg.Ambrogio.Endpoint == "" {
		cfg.Ambrogio.Endpoint = DefaultAmbrogioEndpoint
	}
	if cfg.Ambrogio.ScanIntervalSeconds == 0 {
		cfg.Ambrogio.ScanIntervalSeconds = DefaultScanIntervalSeconds
	}
	if cfg.Ambrogio.ActiveIntervalSeconds == 0 {
		cfg.Ambrogio.ActiveIntervalSeconds = DefaultActiveIntervalSeconds
	}
	if cfg.Ambrogio.RequestsPerMinute == 0 {
		cfg.Ambrogio.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if cfg.Ambrogio.MQTT != nil && cfg.Ambrogio.MQTT.TopicPrefix == "" {
		cfg.Ambrogio.MQTT.TopicPrefix = DefaultMQTTTopicPrefix
	}
}

// Validate enforces required invariants beyond YAML typing.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if cfg.SchemaVersion != SchemaVersion {
		return fmt.Errorf("schema_version must be %d", SchemaVersion)
	}

	if cfg.Core == nil {
		return fmt.Errorf("core config is required")
	}
	if cfg.Core.GRPCAddr == "" {
		return fmt.Errorf("core.grpc_addr is required")
	}
	if cfg.Core.HTTPAddr == "" {
		return fmt.Errorf("core.http_addr is required")
	}

	if cfg.Ambrogio != nil {
		if err := validateAmbrogio(cfg.Ambrogio); err != nil {
			return err
		}
	}
	return nil
}

func validateAmbrogio(cfg *AmbrogioConfig) error {
	if cfg.AppID == "" {
		return fmt.Errorf("ambrogio.app_id is required")
	}
	if cfg.AppTokenFile == "" {
		return fmt.Errorf("ambrogio.app_token_file is required")
	}
	if cfg.AccessTokenFile == "" {
		return fmt.Errorf("ambrogio.access_token_file is required")
	}
	if cfg.ScanIntervalSeconds < MinScanIntervalSeconds || cfg.ScanIntervalSeconds > MaxScanIntervalSeconds {
		return fmt.Errorf("ambrogio.scan_interval_seconds must be between %d and %d", MinScanIntervalSeconds, MaxScanIntervalSeconds)
	}
	if cfg.ActiveIntervalSeconds <= 0 || cfg.ActiveIntervalSeconds > cfg.ScanIntervalSeconds {
		return fmt.Errorf("ambrogio.active_interval_seconds must be between 1 and scan_interval_seconds")
	}
	if cfg.RequestsPerMinute < 0 {
		return fmt.Errorf("ambrogio.requests_per_minute must not be negative")
	}
	if len(cfg.Mowers) == 0 {
		return fmt.Errorf("ambrogio.mowers requires at least one mower")
	}

	imeis := make(map[string]bool)
	names := make(map[string]bool)
	for i, mower := range cfg.Mowers {
		imei := strings.TrimSpace(mower.IMEI)
		name := strings.TrimSpace(mower.Name)
		if imei == "" {
			return fmt.Errorf("ambrogio.mowers[%d].imei is required", i)
		}
		if name == "" {
			return fmt.Errorf("ambrogio.mowers[%d].name is required", i)
		}
		if imeis[imei] {
			return fmt.Errorf("ambrogio.mowers: duplicate imei %s", imei)
		}
		if names[name] {
			return fmt.Errorf("ambrogio.mowers: duplicate name %q", name)
		}
		imeis[imei] = true
		names[name] = true
	}

	if cfg.MQTT != nil && cfg.MQTT.Broker == "" {
		return fmt.Errorf("ambrogio.mqtt.broker is required")
	}
	return nil
}

// EnabledPlugins maps enabled plugin IDs based on config presence.
func EnabledPlugins(cfg *Config) map[string]bool {
	enabled := make(map[string]bool)
	if cfg == nil {
		return enabled
	}
	if cfg.Ambrogio != nil {
		enabled["ambrogio"] = true
	}
	return enabled
}

// ReadSecretFile reads a secret from disk with surrounding whitespace removed.
func ReadSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
