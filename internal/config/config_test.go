package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleConfig = `
schema_version: 1
core:
  grpc_addr: 127.0.0.1:9000
ambrogio:
  app_id: app
  app_token_file: /run/secrets/ambrogio-app-token
  access_token_file: /run/secrets/ambrogio-access-token
  mowers:
    - imei: "351234567890123"
      name: Front lawn
    - imei: "351234567890124"
      name: Back lawn
  mqtt:
    broker: tcp://127.0.0.1:1883
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}

	if cfg.Core.GRPCAddr != "127.0.0.1:9000" {
		t.Fatalf("unexpected grpc addr: %s", cfg.Core.GRPCAddr)
	}
	if cfg.Core.HTTPAddr != DefaultHTTPAddr {
		t.Fatalf("unexpected http addr: %s", cfg.Core.HTTPAddr)
	}
	if cfg.Ambrogio.Endpoint != DefaultAmbrogioEndpoint {
		t.Fatalf("unexpected endpoint: %s", cfg.Ambrogio.Endpoint)
	}
	if cfg.Ambrogio.ScanIntervalSeconds != DefaultScanIntervalSeconds {
		t.Fatalf("unexpected scan interval: %d", cfg.Ambrogio.ScanIntervalSeconds)
	}
	if cfg.Ambrogio.ActiveIntervalSeconds != DefaultActiveIntervalSeconds {
		t.Fatalf("unexpected active interval: %d", cfg.Ambrogio.ActiveIntervalSeconds)
	}
	if cfg.Ambrogio.MQTT.TopicPrefix != DefaultMQTTTopicPrefix {
		t.Fatalf("unexpected topic prefix: %s", cfg.Ambrogio.MQTT.TopicPrefix)
	}
	if len(cfg.Ambrogio.Mowers) != 2 || cfg.Ambrogio.Mowers[1].Name != "Back lawn" {
		t.Fatalf("unexpected mowers: %+v", cfg.Ambrogio.Mowers)
	}

	enabled := EnabledPlugins(cfg)
	if !enabled["ambrogio"] {
		t.Fatalf("expected ambrogio enabled")
	}
}

func TestValidateRejectsBadRoster(t *testing.T) {
	cases := map[string]string{
		"duplicate imei": strings.Replace(sampleConfig, "351234567890124", "351234567890123", 1),
		"duplicate name": strings.Replace(sampleConfig, "Back lawn", "Front lawn", 1),
		"interval":       strings.Replace(sampleConfig, "app_id: app", "app_id: app\n  scan_interval_seconds: 10", 1),
		"schema":         strings.Replace(sampleConfig, "schema_version: 1", "schema_version: 2", 1),
	}
	for name, raw := range cases {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadAndReadSecretFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("schema_version: 1\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Ambrogio != nil {
		t.Fatalf("expected ambrogio disabled")
	}
	if len(EnabledPlugins(cfg)) != 0 {
		t.Fatalf("expected no enabled plugins")
	}

	secret := filepath.Join(dir, "token")
	if err := os.WriteFile(secret, []byte("  s3cret\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	value, err := ReadSecretFile(secret)
	if err != nil {
		t.Fatalf("ReadSecretFile error: %v", err)
	}
	if value != "s3cret" {
		t.Fatalf("unexpected secret: %q", value)
	}
}
