package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hearthkit/hearthd/pkg/accessory"
	"github.com/hearthkit/hearthd/pkg/commissioning"
	"github.com/hearthkit/hearthd/pkg/pin"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the root of hearthd.yaml.
type Config struct {
	Room    RoomConfig    `yaml:"room" json:"room"`
	Pins    []PinConfig   `yaml:"pins" json:"pins"`
	GPIO    GPIOConfig    `yaml:"gpio" json:"gpio"`
	API     APIConfig     `yaml:"api" json:"api"`
	HAP     HAPConfig     `yaml:"hap" json:"hap"`
	Safety  SafetyConfig  `yaml:"safety" json:"safety"`
	History HistoryConfig `yaml:"history" json:"history"`
	MQTT    MQTTConfig    `yaml:"mqtt" json:"mqtt"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// RoomConfig names the room the controller sits in.
type RoomConfig struct {
	Name     string `yaml:"name" json:"name"`
	DeviceIP string `yaml:"device_ip,omitempty" json:"device_ip,omitempty"`
}

// PinConfig declares one relay output.
type PinConfig struct {
	ID        string   `yaml:"id" json:"id"`
	Label     string   `yaml:"label" json:"label"`
	GPIO      int      `yaml:"gpio" json:"gpio"`
	ActiveLow bool     `yaml:"active_low" json:"active_low"`
	Kind      pin.Kind `yaml:"kind" json:"kind"`

	// Aliases are extra device names accepted by the control endpoint.
	Aliases []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`

	Model        string `yaml:"model,omitempty" json:"model,omitempty"`
	SerialNumber string `yaml:"serial_number,omitempty" json:"serial_number,omitempty"`
}

// GPIOConfig selects the hardware driver.
type GPIOConfig struct {
	// Driver is "shell" or "sim".
	Driver  string        `yaml:"driver" json:"driver"`
	Command string        `yaml:"command" json:"command"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// APIConfig configures the REST and legacy surface.
type APIConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	Listen         string   `yaml:"listen" json:"listen"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// HAPConfig configures the accessory-protocol server.
type HAPConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Name    string `yaml:"name" json:"name"`

	// SetupCode is the 8-digit PIN, with or without dashes.
	SetupCode string `yaml:"pin" json:"-"`

	// SetupID enables the sh TXT record and the setup URI.
	SetupID string `yaml:"setup_id,omitempty" json:"setup_id,omitempty"`

	Port        int           `yaml:"port" json:"port"`
	StorageDir  string        `yaml:"storage_dir" json:"storage_dir"`
	Interface   string        `yaml:"interface,omitempty" json:"interface,omitempty"`
	Heartbeat   time.Duration `yaml:"heartbeat" json:"heartbeat"`
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	Advertise   bool          `yaml:"advertise" json:"advertise"`
}

// SafetyConfig mirrors the safety section of the original controller.
type SafetyConfig struct {
	MaxPulseDurationMS  int  `yaml:"max_pulse_duration_ms" json:"max_pulse_duration_ms"`
	RequireConfirmation bool `yaml:"require_confirmation" json:"require_confirmation"`
}

// HistoryConfig configures the SQLite change history.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Buffer  int    `yaml:"buffer" json:"buffer"`
}

// MQTTConfig configures the optional state mirror.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Broker      string `yaml:"broker" json:"broker"`
	ClientID    string `yaml:"client_id" json:"client_id"`
	Username    string `yaml:"username,omitempty" json:"username,omitempty"`
	Password    string `yaml:"password,omitempty" json:"-"`
	TopicPrefix string `yaml:"topic_prefix" json:"topic_prefix"`
	QoS         int    `yaml:"qos" json:"qos"`
}

// LoggingConfig configures the process logger and the protocol trace.
type LoggingConfig struct {
	Level       string `yaml:"level" json:"level"`
	Format      string `yaml:"format" json:"format"`
	ProtocolLog string `yaml:"protocol_log,omitempty" json:"protocol_log,omitempty"`
}

// Default returns the stock family-room controller.
func Default() *Config {
	return &Config{
		Room: RoomConfig{Name: "family_room", DeviceIP: "127.0.0.1"},
		Pins: []PinConfig{
			{ID: "fireplace", Label: "Fireplace", GPIO: 17, ActiveLow: true, Kind: pin.KindSwitch},
			{ID: "fireplace_fan", Label: "Fireplace Fan", GPIO: 27, ActiveLow: true, Kind: pin.KindFan, Aliases: []string{"fan"}},
			{ID: "lights", Label: "Lights", GPIO: 22, Kind: pin.KindLightbulb},
			{ID: "secondary_device", Label: "Secondary Device", GPIO: 23, Kind: pin.KindSwitch},
		},
		GPIO: GPIOConfig{Driver: "shell", Command: "gpio", Timeout: 2 * time.Second},
		API:  APIConfig{Enabled: true, Listen: "0.0.0.0:8090", AllowedOrigins: []string{"*"}},
		HAP: HAPConfig{
			Enabled:    true,
			SetupCode:  "12345678",
			Port:       51826,
			StorageDir: "homekit_data",
			Heartbeat:  60 * time.Second,
			Advertise:  true,
		},
		Safety:  SafetyConfig{MaxPulseDurationMS: 5000},
		History: HistoryConfig{Enabled: true, Path: "hearthd.db", Buffer: 64},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "hearthd",
			TopicPrefix: "hearthd",
			QoS:         1,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path yields the defaults. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. A pins list in the document replaces the
// default pins entirely.
func Parse(data []byte, cfg *Config) error {
	var probe struct {
		Pins []PinConfig `yaml:"pins"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	if probe.Pins != nil {
		cfg.Pins = nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HEARTHD_ROOM"); v != "" {
		cfg.Room.Name = v
	}
	if v := os.Getenv("HEARTHD_API_LISTEN"); v != "" {
		cfg.API.Listen = v
	}
	if v := os.Getenv("HEARTHD_HAP_PIN"); v != "" {
		cfg.HAP.SetupCode = v
	}
	if v := os.Getenv("HEARTHD_HAP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.HAP.Port = port
		}
	}
	if v := os.Getenv("HEARTHD_STORAGE_DIR"); v != "" {
		cfg.HAP.StorageDir = v
	}
	if v := os.Getenv("HEARTHD_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Room.Name) == "" {
		errs = append(errs, "room.name is required")
	}
	if len(c.Pins) == 0 {
		errs = append(errs, "at least one pin is required")
	}
	ids := make(map[string]bool)
	gpios := make(map[int]string)
	for i, p := range c.Pins {
		where := fmt.Sprintf("pins[%d]", i)
		if p.ID == "" {
			errs = append(errs, where+".id is required")
		} else if ids[p.ID] {
			errs = append(errs, fmt.Sprintf("%s.id %q is duplicated", where, p.ID))
		}
		ids[p.ID] = true
		if p.Label == "" {
			errs = append(errs, where+".label is required")
		}
		if p.GPIO < 0 {
			errs = append(errs, where+".gpio must not be negative")
		} else if other, dup := gpios[p.GPIO]; dup {
			errs = append(errs, fmt.Sprintf("%s.gpio %d already used by %q", where, p.GPIO, other))
		}
		gpios[p.GPIO] = p.ID
		switch p.Kind {
		case "", pin.KindSwitch, pin.KindFan, pin.KindLightbulb:
		default:
			errs = append(errs, fmt.Sprintf("%s.kind %q is unknown", where, p.Kind))
		}
	}

	switch c.GPIO.Driver {
	case "shell", "sim":
	default:
		errs = append(errs, fmt.Sprintf("gpio.driver %q must be shell or sim", c.GPIO.Driver))
	}

	if c.HAP.Enabled {
		if _, err := commissioning.ParseSetupCode(c.HAP.SetupCode); err != nil {
			errs = append(errs, "hap.pin must be 8 digits")
		}
		if c.HAP.Port < 0 || c.HAP.Port > 65535 {
			errs = append(errs, "hap.port must be between 0 and 65535")
		}
		if c.HAP.StorageDir == "" {
			errs = append(errs, "hap.storage_dir is required")
		}
	}
	if c.API.Enabled && c.API.Listen == "" {
		errs = append(errs, "api.listen is required")
	}
	if c.Safety.MaxPulseDurationMS < 0 {
		errs = append(errs, "safety.max_pulse_duration_ms must not be negative")
	}
	if c.History.Enabled && c.History.Path == "" {
		errs = append(errs, "history.path is required")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, "mqtt.broker is required")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is unknown", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q must be text or json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// AccessoryName is the bridge name shown in the Home app.
func (c *Config) AccessoryName() string {
	if c.HAP.Name != "" {
		return c.HAP.Name
	}
	return c.Room.Name + " Fireplace Control"
}

// SetupCode parses hap.pin.
func (c *Config) SetupCode() (commissioning.SetupCode, error) {
	return commissioning.ParseSetupCode(c.HAP.SetupCode)
}

// PinDefinitions converts the pin list for the Pin Store.
func (c *Config) PinDefinitions() []pin.Definition {
	defs := make([]pin.Definition, 0, len(c.Pins))
	for _, p := range c.Pins {
		defs = append(defs, p.definition())
	}
	return defs
}

// BuildConfig converts the pin list for the accessory database.
func (c *Config) BuildConfig() accessory.BuildConfig {
	bc := accessory.BuildConfig{Name: c.AccessoryName(), Room: c.Room.Name}
	for _, p := range c.Pins {
		bc.Pins = append(bc.Pins, accessory.PinInfo{
			Definition:   p.definition(),
			Model:        p.Model,
			SerialNumber: p.SerialNumber,
		})
	}
	return bc
}

func (p PinConfig) definition() pin.Definition {
	kind := p.Kind
	if kind == "" {
		kind = pin.KindSwitch
	}
	return pin.Definition{ID: p.ID, Label: p.Label, GPIO: p.GPIO, ActiveLow: p.ActiveLow, Kind: kind}
}

// PinByGPIO finds the pin on a physical number.
func (c *Config) PinByGPIO(gpio int) (PinConfig, bool) {
	for _, p := range c.Pins {
		if p.GPIO == gpio {
			return p, true
		}
	}
	return PinConfig{}, false
}

// ResolveDevice maps a device name from the control endpoint onto a pin:
// the pin id, its label or one of its aliases, case-insensitively.
func (c *Config) ResolveDevice(name string) (PinConfig, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, p := range c.Pins {
		if strings.ToLower(p.ID) == name || strings.ToLower(p.Label) == name {
			return p, true
		}
		for _, a := range p.Aliases {
			if strings.ToLower(a) == name {
				return p, true
			}
		}
	}
	return PinConfig{}, false
}

// MaxPulse is safety.max_pulse_duration_ms as a duration.
func (c *Config) MaxPulse() time.Duration {
	return time.Duration(c.Safety.MaxPulseDurationMS) * time.Millisecond
}
