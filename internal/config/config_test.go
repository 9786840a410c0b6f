package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
transport:
  kind: serial
  serial:
    port: /dev/ttyUSB0
    read_timeout: 500ms
protocol:
  poll: ["010C"]
mqtt:
  enabled: true
  broker: localhost
  retry_delay: 2s
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport.Kind != TransportSerial || cfg.Transport.Serial.Port != "/dev/ttyUSB0" {
		t.Fatalf("transport %+v", cfg.Transport)
	}
	if cfg.Transport.Serial.ReadTimeout != 500*time.Millisecond || cfg.Transport.Serial.Baud != 38400 {
		t.Fatalf("serial %+v", cfg.Transport.Serial)
	}
	if len(cfg.Protocol.Poll) != 1 || cfg.Protocol.Poll[0] != "010C" {
		t.Fatalf("poll %v", cfg.Protocol.Poll)
	}
	if len(cfg.Protocol.InitCommands) != 5 {
		t.Fatalf("init commands lost: %v", cfg.Protocol.InitCommands)
	}
	if cfg.MQTT.Port != 1883 || cfg.MQTT.RetryDelay != 2*time.Second {
		t.Fatalf("mqtt %+v", cfg.MQTT)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown transport", "transport: {kind: usb}", "transport.kind"},
		{"serial without port", "transport: {kind: serial}", "serial.port"},
		{"empty poll token", `protocol: {poll: ["0105", " "]}`, "empty PID"},
		{"non-hex pid", `protocol: {poll: ["01ZZ"]}`, "not hex"},
		{"odd pid", `protocol: {poll: ["010"]}`, "odd length"},
		{"empty poll", `protocol: {poll: []}`, "poll is empty"},
		{"mqtt without broker", "mqtt: {enabled: true}", "mqtt.broker"},
		{"redis without addr", "lookup: {cache: {kind: redis}}", "redis_addr"},
		{"auto connect without remote", "device: {auto_connect: true}", "device.remote"},
		{"bad log format", "logging: {format: xml}", "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfigExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "obd.yaml")
	if err := os.WriteFile(path, []byte("api: {listen_addr: ':9999'}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, used, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if used != path || cfg.API.ListenAddr != ":9999" {
		t.Fatalf("used %q, api %+v", used, cfg.API)
	}
}

func TestLoadConfigMissingExplicitPath(t *testing.T) {
	if _, _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing -config file")
	}
}
