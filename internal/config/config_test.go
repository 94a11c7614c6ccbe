package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hearthkit/hearthd/pkg/pin"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hearthd.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.AccessoryName() != "family_room Fireplace Control" {
		t.Errorf("AccessoryName() = %q", cfg.AccessoryName())
	}
	if cfg.MaxPulse() != 5*time.Second {
		t.Errorf("MaxPulse() = %v, want 5s", cfg.MaxPulse())
	}
	fp, ok := cfg.PinByGPIO(17)
	if !ok || fp.ID != "fireplace" || !fp.ActiveLow {
		t.Errorf("PinByGPIO(17) = %+v, %v", fp, ok)
	}
}

func TestLoad_EmptyPathGivesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if len(cfg.Pins) != 4 {
		t.Errorf("len(Pins) = %d, want 4", len(cfg.Pins))
	}
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
room:
  name: den
pins:
  - id: stove
    label: Stove
    gpio: 5
    active_low: true
gpio:
  driver: sim
hap:
  pin: "031-45-926"
  heartbeat: 30s
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Room.Name != "den" {
		t.Errorf("Room.Name = %q, want den", cfg.Room.Name)
	}
	if len(cfg.Pins) != 1 {
		t.Fatalf("pins list should replace defaults, got %d pins", len(cfg.Pins))
	}
	if cfg.HAP.Heartbeat != 30*time.Second {
		t.Errorf("HAP.Heartbeat = %v, want 30s", cfg.HAP.Heartbeat)
	}
	if cfg.API.Listen != "0.0.0.0:8090" {
		t.Errorf("API.Listen = %q, default should survive", cfg.API.Listen)
	}
	code, err := cfg.SetupCode()
	if err != nil || code.String() != "03145926" {
		t.Errorf("SetupCode() = %v, %v", code, err)
	}

	defs := cfg.PinDefinitions()
	if defs[0].Kind != pin.KindSwitch {
		t.Errorf("empty kind should default to switch, got %q", defs[0].Kind)
	}
	bc := cfg.BuildConfig()
	if bc.Name != "den Fireplace Control" || len(bc.Pins) != 1 {
		t.Errorf("BuildConfig() = %+v", bc)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/hearthd.yaml"); err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "room: [yaml: content")
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HEARTHD_ROOM", "office")
	t.Setenv("HEARTHD_HAP_PORT", "51999")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Room.Name != "office" || cfg.HAP.Port != 51999 {
		t.Errorf("env overrides not applied: room=%q port=%d", cfg.Room.Name, cfg.HAP.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"duplicate id", func(c *Config) { c.Pins[1].ID = "fireplace" }, `"fireplace" is duplicated`},
		{"duplicate gpio", func(c *Config) { c.Pins[1].GPIO = 17 }, "gpio 17 already used"},
		{"bad pin", func(c *Config) { c.HAP.SetupCode = "1234" }, "hap.pin must be 8 digits"},
		{"empty label", func(c *Config) { c.Pins[0].Label = "" }, "pins[0].label is required"},
		{"unknown kind", func(c *Config) { c.Pins[0].Kind = "heater" }, `kind "heater" is unknown`},
		{"unknown driver", func(c *Config) { c.GPIO.Driver = "sysfs" }, "gpio.driver"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"mqtt qos", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"no room", func(c *Config) { c.Room.Name = " " }, "room.name is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Validate() error = %v, want ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_HAPDisabledSkipsPin(t *testing.T) {
	cfg := Default()
	cfg.HAP.Enabled = false
	cfg.HAP.SetupCode = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestResolveDevice(t *testing.T) {
	cfg := Default()
	for name, want := range map[string]string{
		"fireplace":          "fireplace",
		"FAN":                "fireplace_fan",
		"Fireplace Fan":      "fireplace_fan",
		"lights":             "lights",
		" secondary_device ": "secondary_device",
	} {
		p, ok := cfg.ResolveDevice(name)
		if !ok || p.ID != want {
			t.Errorf("ResolveDevice(%q) = %q, %v; want %q", name, p.ID, ok, want)
		}
	}
	if _, ok := cfg.ResolveDevice("garage"); ok {
		t.Error("ResolveDevice(garage) should fail")
	}
}
