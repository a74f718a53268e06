package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// NOTE: The daemon keeps no state on disk. Load never writes; Save is only
// reached through the -write-config flag.

// PanelConfig describes how the e-paper panel is wired and how long the
// driver may wait on its busy line.
type PanelConfig struct {
	// SPIPort is the periph.io SPI port name ("" selects the first one,
	// typically /dev/spidev0.0 on a Raspberry Pi).
	SPIPort string `yaml:"spi_port"`
	// SPIHz is the bus clock in Hz.
	SPIHz int64 `yaml:"spi_hz"`

	// GPIO names as known to periph.io's gpioreg (e.g. "GPIO25").
	DCPin   string `yaml:"dc_pin"`
	CSPin   string `yaml:"cs_pin"`
	RSTPin  string `yaml:"rst_pin"`
	BusyPin string `yaml:"busy_pin"`

	// BusyTimeout bounds every wait on the busy line.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
	// BusyPoll is the busy line sampling period.
	BusyPoll time.Duration `yaml:"busy_poll"`
	// BusyRetries is how many times an operation is retried after a busy
	// timeout before the panel is reported as faulty.
	BusyRetries int `yaml:"busy_retries"`

	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// InputConfig selects where schedule messages come from.
type InputConfig struct {
	// SerialPort, if set, is read instead of stdin (e.g. "/dev/ttyACM0").
	SerialPort string `yaml:"serial_port"`
	Baud       int    `yaml:"baud"`
}

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	URL  string `yaml:"url" json:"url"`
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// FeedConfig controls the built-in calendar feed. With no ICS sources the
// feed is disabled and messages only arrive over the input line.
type FeedConfig struct {
	// Refresh is a cron-style schedule string (e.g. "*/15 * * * *").
	Refresh string `yaml:"refresh"`
	// StartingSoonMinutes marks meetings starting within this window.
	StartingSoonMinutes int `yaml:"starting_soon_minutes"`
	// MaxEntries caps how many meetings are sent to the display.
	MaxEntries int         `yaml:"max_entries"`
	ICS        []ICSConfig `yaml:"ics"`
}

// BatteryConfig enables the optional I2C battery controller.
type BatteryConfig struct {
	Enabled bool `yaml:"enabled"`
	// I2CBus is the periph.io bus name ("" selects the first one).
	I2CBus string `yaml:"i2c_bus"`
	Addr   uint16 `yaml:"addr"`
}

// BasicAuthConfig protects the HTTP API. Empty fields disable it.
type BasicAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	// Timezone is the IANA zone of the displayed wall clock, or "Local".
	Timezone string `yaml:"timezone"`

	// Tick is the pause between two partial refreshes.
	Tick time.Duration `yaml:"tick"`

	// ClearPasses is the number of white/black conditioning passes run
	// before the first frame.
	ClearPasses int `yaml:"clear_passes"`

	// Listen is the HTTP listen address; empty disables the web server.
	Listen string `yaml:"listen"`
	// BasicAuth, if set, guards every route except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty"`

	// Deghost is an optional cron spec forcing a full redraw of the last
	// schedule to clear partial-update ghosting.
	Deghost string `yaml:"deghost"`

	Panel   PanelConfig   `yaml:"panel"`
	Input   InputConfig   `yaml:"input"`
	Feed    FeedConfig    `yaml:"feed"`
	Battery BatteryConfig `yaml:"battery"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Timezone: "Local",
		Tick:     time.Second,
		Panel: PanelConfig{
			SPIHz:       4_000_000,
			DCPin:       "GPIO25",
			CSPin:       "GPIO8",
			RSTPin:      "GPIO17",
			BusyPin:     "GPIO24",
			BusyTimeout: 10 * time.Second,
			BusyPoll:    10 * time.Millisecond,
			BusyRetries: 2,
			Width:       128,
			Height:      250,
		},
		Input: InputConfig{
			Baud: 115200,
		},
		Feed: FeedConfig{
			Refresh:             "*/15 * * * *",
			StartingSoonMinutes: 10,
			MaxEntries:          8,
			ICS:                 []ICSConfig{},
		},
		Battery: BatteryConfig{
			Addr: 0x57,
		},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.Tick <= 0 {
		c.Tick = def.Tick
	}
	if c.ClearPasses < 0 {
		c.ClearPasses = 0
	}

	p := &c.Panel
	if p.SPIHz <= 0 {
		p.SPIHz = def.Panel.SPIHz
	}
	if p.DCPin == "" {
		p.DCPin = def.Panel.DCPin
	}
	if p.CSPin == "" {
		p.CSPin = def.Panel.CSPin
	}
	if p.RSTPin == "" {
		p.RSTPin = def.Panel.RSTPin
	}
	if p.BusyPin == "" {
		p.BusyPin = def.Panel.BusyPin
	}
	if p.BusyTimeout <= 0 {
		p.BusyTimeout = def.Panel.BusyTimeout
	}
	if p.BusyPoll <= 0 {
		p.BusyPoll = def.Panel.BusyPoll
	}
	if p.BusyRetries < 0 {
		p.BusyRetries = 0
	}
	// Geometry must be byte aligned horizontally.
	if p.Width <= 0 || p.Width%8 != 0 {
		p.Width = def.Panel.Width
	}
	if p.Height <= 0 {
		p.Height = def.Panel.Height
	}

	if c.Input.Baud <= 0 {
		c.Input.Baud = def.Input.Baud
	}

	if c.Feed.Refresh == "" {
		c.Feed.Refresh = def.Feed.Refresh
	}
	if c.Feed.StartingSoonMinutes <= 0 {
		c.Feed.StartingSoonMinutes = def.Feed.StartingSoonMinutes
	}
	if c.Feed.MaxEntries <= 0 {
		c.Feed.MaxEntries = def.Feed.MaxEntries
	}
	if c.Feed.ICS == nil {
		c.Feed.ICS = []ICSConfig{}
	}

	if c.Battery.Addr == 0 {
		c.Battery.Addr = def.Battery.Addr
	}
}

// Location resolves Timezone, falling back to time.Local for "Local" or an
// unknown zone name.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local, err
	}
	return loc, nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, the default config is returned.
//   - If the file exists, it is unmarshaled and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".epdagenda-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
