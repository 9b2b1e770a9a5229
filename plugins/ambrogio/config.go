package ambrogio

import (
	"fmt"
	"time"

	"github.com/joshp123/gohome-ambrogio/internal/config"
)

// Config defines runtime configuration for the Ambrogio plugin.
type Config struct {
	Endpoint          string
	Credentials       Credentials
	Mowers            []Mower
	IdleInterval      time.Duration
	ActiveInterval    time.Duration
	RequestsPerMinute int
	MQTT              *MQTTConfig
}

// ConfigFromFile resolves secrets referenced by the YAML config.
func ConfigFromFile(cfg *config.AmbrogioConfig) (Config, error) {
	if cfg == nil {
		return Config{}, fmt.Errorf("ambrogio config is required")
	}

	appToken, err := config.ReadSecretFile(cfg.AppTokenFile)
	if err != nil {
		return Config{}, fmt.Errorf("read ambrogio app_token_file: %w", err)
	}
	accessToken, err := config.ReadSecretFile(cfg.AccessTokenFile)
	if err != nil {
		return Config{}, fmt.Errorf("read ambrogio access_token_file: %w", err)
	}
	if appToken == "" || accessToken == "" {
		return Config{}, fmt.Errorf("ambrogio app token and access token must not be empty")
	}

	out := Config{
		Endpoint: cfg.Endpoint,
		Credentials: Credentials{
			AppID:    cfg.AppID,
			AppToken: appToken,
			ThingKey: accessToken,
		},
		IdleInterval:      time.Duration(cfg.ScanIntervalSeconds) * time.Second,
		ActiveInterval:    time.Duration(cfg.ActiveIntervalSeconds) * time.Second,
		RequestsPerMinute: cfg.RequestsPerMinute,
	}
	for _, mower := range cfg.Mowers {
		out.Mowers = append(out.Mowers, Mower{IMEI: mower.IMEI, Name: mower.Name})
	}

	if cfg.MQTT != nil {
		mqttCfg := &MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Retain:      true,
		}
		if cfg.MQTT.Retain != nil {
			mqttCfg.Retain = *cfg.MQTT.Retain
		}
		if cfg.MQTT.PasswordFile != "" {
			password, err := config.ReadSecretFile(cfg.MQTT.PasswordFile)
			if err != nil {
				return Config{}, fmt.Errorf("read ambrogio mqtt password_file: %w", err)
			}
			mqttCfg.Password = password
		}
		out.MQTT = mqttCfg
	}

	return out, nil
}
