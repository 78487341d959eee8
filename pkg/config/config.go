package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Decode rules for channel payloads.
const (
	DecodeScaled  = "scaled"  // unsigned register / scale
	DecodeRaw     = "raw"     // unsigned register as-is
	DecodeFloat32 = "float32" // two registers, high word first, IEEE-754
)

// Config represents the application configuration.
type Config struct {
	Serial      SerialConfig      `yaml:"serial"`
	Bus         BusConfig         `yaml:"bus"`
	Sensors     SensorsConfig     `yaml:"sensors"`
	Temperature TemperatureConfig `yaml:"temperature"`
	Poll        PollConfig        `yaml:"poll"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Upload      UploadConfig      `yaml:"upload"`
	Feed        FeedConfig        `yaml:"feed"`
	Logging     LoggingConfig     `yaml:"logging"`
	Mock        MockConfig        `yaml:"mock"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Port      string `yaml:"port"`
	BaudRate  int    `yaml:"baud_rate"`
	Direction string `yaml:"direction"` // rts, rts-inverted or auto
}

// BusConfig contains half-duplex timing.
type BusConfig struct {
	GuardDelay      time.Duration `yaml:"guard_delay"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	Timeout         time.Duration `yaml:"timeout"`          // per transaction
	DiscoverTimeout time.Duration `yaml:"discover_timeout"` // per device during discovery
}

// ChannelConfig maps one measured quantity to a register read.
type ChannelConfig struct {
	Address  uint8   `yaml:"address"`
	Function uint8   `yaml:"function"`
	Register uint16  `yaml:"register"`
	Count    uint16  `yaml:"count"`
	Decode   string  `yaml:"decode"`
	Scale    float64 `yaml:"scale,omitempty"`
}

// SensorsConfig contains the register map of every bus channel.
type SensorsConfig struct {
	PH       ChannelConfig `yaml:"ph"`
	DO       ChannelConfig `yaml:"do"`
	EC       ChannelConfig `yaml:"ec"`
	TDS      ChannelConfig `yaml:"tds"`
	Salinity ChannelConfig `yaml:"salinity"`
	Ammonia  ChannelConfig `yaml:"ammonia"`
}

// TemperatureConfig locates the 1-Wire probe.
type TemperatureConfig struct {
	Device string `yaml:"device"` // sysfs path or glob
}

// PollConfig contains scheduler periods.
type PollConfig struct {
	ReadInterval   time.Duration `yaml:"read_interval"`
	UploadInterval time.Duration `yaml:"upload_interval"`
	UTCOffsetHours int           `yaml:"utc_offset_hours"`
}

// CommitConfig is the register write that accepts one calibration point.
type CommitConfig struct {
	Register uint16 `yaml:"register"`
	Value    uint16 `yaml:"value"`
}

// CalibrationConfig contains stability parameters and commit commands keyed
// by target id (ph_4_01, do_zero, ec_1413, ...).
type CalibrationConfig struct {
	Hold          time.Duration           `yaml:"hold"`
	Tolerance     float64                 `yaml:"tolerance"`      // relative
	ZeroTolerance float64                 `yaml:"zero_tolerance"` // absolute, for a zero baseline
	Commits       map[string]CommitConfig `yaml:"commits"`
}

// UploadConfig contains the HTTP sink for flat records.
type UploadConfig struct {
	URL     string        `yaml:"url"`
	UID     string        `yaml:"uid"`
	Timeout time.Duration `yaml:"timeout"`
}

// FeedConfig contains the live feed server settings.
type FeedConfig struct {
	Listen        string        `yaml:"listen"`
	HistoryWindow time.Duration `yaml:"history_window"`
	HistoryPoints int           `yaml:"history_points"`
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	Debug bool `yaml:"debug"` // log every bus frame
}

// MockConfig contains the values served by the simulated sensor fleet.
type MockConfig struct {
	Temperature float64 `yaml:"temperature"`
	PH          float64 `yaml:"ph"`
	DO          float64 `yaml:"do"`
	EC          float64 `yaml:"ec"`
	TDS         float64 `yaml:"tds"`
	Salinity    float64 `yaml:"salinity"`
	Ammonia     float64 `yaml:"ammonia"`
	Jitter      bool    `yaml:"jitter"` // wander by a few counts per read
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:      "/dev/ttyUSB0",
			BaudRate:  9600,
			Direction: "rts",
		},
		Bus: BusConfig{
			GuardDelay:      2 * time.Millisecond,
			PollInterval:    10 * time.Millisecond,
			Timeout:         300 * time.Millisecond,
			DiscoverTimeout: 300 * time.Millisecond,
		},
		Sensors: SensorsConfig{
			PH:       ChannelConfig{Address: 0x01, Function: 0x04, Register: 0x0001, Count: 1, Decode: DecodeScaled, Scale: 100},
			DO:       ChannelConfig{Address: 0x37, Function: 0x03, Register: 0x0101, Count: 1, Decode: DecodeScaled, Scale: 100},
			EC:       ChannelConfig{Address: 0x01, Function: 0x04, Register: 0x0002, Count: 1, Decode: DecodeRaw},
			TDS:      ChannelConfig{Address: 0x01, Function: 0x04, Register: 0x0004, Count: 1, Decode: DecodeRaw},
			Salinity: ChannelConfig{Address: 0x01, Function: 0x04, Register: 0x0003, Count: 1, Decode: DecodeRaw},
			Ammonia:  ChannelConfig{Address: 0x01, Function: 0x03, Register: 0x0000, Count: 2, Decode: DecodeFloat32},
		},
		Temperature: TemperatureConfig{
			Device: "/sys/bus/w1/devices/28-*/temperature",
		},
		Poll: PollConfig{
			ReadInterval:   5 * time.Second,
			UploadInterval: 30 * time.Second,
			UTCOffsetHours: 7,
		},
		Calibration: CalibrationConfig{
			Hold:          30 * time.Second,
			Tolerance:     0.01,
			ZeroTolerance: 0.01,
			Commits: map[string]CommitConfig{
				"ph_4_01":  {Register: 0x0030, Value: 401},
				"ph_7_00":  {Register: 0x0030, Value: 700},
				"ph_10_01": {Register: 0x0030, Value: 1001},
				"do_zero":  {Register: 0x0031, Value: 0},
				"do_slope": {Register: 0x0031, Value: 1},
				"ec_1413":  {Register: 0x0032, Value: 1413},
				"ec_12880": {Register: 0x0032, Value: 12880},
			},
		},
		Upload: UploadConfig{
			UID:     "AER2023AQ0015",
			Timeout: 10 * time.Second,
		},
		Feed: FeedConfig{
			Listen:        ":8080",
			HistoryWindow: time.Hour,
			HistoryPoints: 240,
		},
		Mock: MockConfig{
			Temperature: 27.5,
			PH:          7.0,
			DO:          6.8,
			EC:          1413,
			TDS:         706,
			Salinity:    35,
			Ammonia:     0.153,
			Jitter:      true,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values. A .env file next to the config
// or in the working directory and then the environment override file values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		cfg.ensureDefaults()
	case os.IsNotExist(err):
		// File doesn't exist, keep defaults
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, p := range []string{filepath.Join(filepath.Dir(filename), ".env"), ".env"} {
		loadEnvFile(p)
	}
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}
	if c.Serial.Direction == "" {
		c.Serial.Direction = def.Serial.Direction
	}

	if c.Bus.GuardDelay == 0 {
		c.Bus.GuardDelay = def.Bus.GuardDelay
	}
	if c.Bus.PollInterval == 0 {
		c.Bus.PollInterval = def.Bus.PollInterval
	}
	if c.Bus.Timeout == 0 {
		c.Bus.Timeout = def.Bus.Timeout
	}
	if c.Bus.DiscoverTimeout == 0 {
		c.Bus.DiscoverTimeout = def.Bus.DiscoverTimeout
	}

	ensureChannel(&c.Sensors.PH, def.Sensors.PH)
	ensureChannel(&c.Sensors.DO, def.Sensors.DO)
	ensureChannel(&c.Sensors.EC, def.Sensors.EC)
	ensureChannel(&c.Sensors.TDS, def.Sensors.TDS)
	ensureChannel(&c.Sensors.Salinity, def.Sensors.Salinity)
	ensureChannel(&c.Sensors.Ammonia, def.Sensors.Ammonia)

	if c.Temperature.Device == "" {
		c.Temperature.Device = def.Temperature.Device
	}

	if c.Poll.ReadInterval == 0 {
		c.Poll.ReadInterval = def.Poll.ReadInterval
	}
	if c.Poll.UploadInterval == 0 {
		c.Poll.UploadInterval = def.Poll.UploadInterval
	}

	if c.Calibration.Hold == 0 {
		c.Calibration.Hold = def.Calibration.Hold
	}
	if c.Calibration.Tolerance == 0 {
		c.Calibration.Tolerance = def.Calibration.Tolerance
	}
	if c.Calibration.ZeroTolerance == 0 {
		c.Calibration.ZeroTolerance = def.Calibration.ZeroTolerance
	}
	if c.Calibration.Commits == nil {
		c.Calibration.Commits = make(map[string]CommitConfig)
	}
	for id, cmd := range def.Calibration.Commits {
		if _, ok := c.Calibration.Commits[id]; !ok {
			c.Calibration.Commits[id] = cmd
		}
	}

	if c.Upload.UID == "" {
		c.Upload.UID = def.Upload.UID
	}
	if c.Upload.Timeout == 0 {
		c.Upload.Timeout = def.Upload.Timeout
	}

	if c.Feed.Listen == "" {
		c.Feed.Listen = def.Feed.Listen
	}
	if c.Feed.HistoryWindow == 0 {
		c.Feed.HistoryWindow = def.Feed.HistoryWindow
	}
	if c.Feed.HistoryPoints == 0 {
		c.Feed.HistoryPoints = def.Feed.HistoryPoints
	}
}

// ensureChannel fills a channel left out of the file. A channel is considered
// configured once it names a function code.
func ensureChannel(ch *ChannelConfig, def ChannelConfig) {
	if ch.Function == 0 {
		*ch = def
		return
	}
	if ch.Count == 0 {
		ch.Count = def.Count
	}
	if ch.Decode == "" {
		ch.Decode = def.Decode
	}
	if ch.Decode == DecodeScaled && ch.Scale == 0 {
		ch.Scale = def.Scale
	}
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets unset env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: WQM_PORT, WQM_BAUD, WQM_LISTEN, WQM_UPLOAD_URL, WQM_UID, WQM_DEBUG.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("WQM_PORT"); v != "" {
		c.Serial.Port = v
	}
	if v := os.Getenv("WQM_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("WQM_LISTEN"); v != "" {
		c.Feed.Listen = v
	}
	if v := os.Getenv("WQM_UPLOAD_URL"); v != "" {
		c.Upload.URL = v
	}
	if v := os.Getenv("WQM_UID"); v != "" {
		c.Upload.UID = v
	}
	if v := os.Getenv("WQM_DEBUG"); v != "" {
		c.Logging.Debug = v == "1" || v == "true" || v == "yes"
	}
}
