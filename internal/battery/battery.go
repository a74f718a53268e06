// Package battery reads a PiSugar style battery controller over I2C.
package battery

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// DefaultAddr is the PiSugar3 battery controller address.
const DefaultAddr = 0x57

// Controller registers.
const (
	regVoltageHigh = 0x22
	regVoltageLow  = 0x23
	regPercent     = 0x2A
)

// Status represents current battery status for the API.
type Status struct {
	// Percent is the battery level in 0–100%.
	Percent int `json:"percent"`
	// VoltageMv is the battery voltage in millivolts.
	VoltageMv int       `json:"voltage_mv"`
	ReadAt    time.Time `json:"read_at"`
}

// Reader abstracts how we obtain battery information.
type Reader interface {
	Read(ctx context.Context) (Status, error)
}

// Device talks to the controller on an already opened bus.
type Device struct {
	dev i2c.Dev
	now func() time.Time
}

// New returns a device at addr on bus.
func New(bus i2c.Bus, addr uint16) *Device {
	return &Device{dev: i2c.Dev{Bus: bus, Addr: addr}, now: time.Now}
}

// Open initializes periph and opens busName ("" for the first bus). The
// closer releases the bus.
func Open(busName string, addr uint16) (*Device, io.Closer, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("battery: periph host init: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, nil, fmt.Errorf("battery: open i2c %q: %w", busName, err)
	}
	return New(bus, addr), bus, nil
}

func (d *Device) String() string {
	return fmt.Sprintf("battery.Device{%s}", &d.dev)
}

func (d *Device) readReg(reg byte) (byte, error) {
	buf := []byte{0}
	if err := d.dev.Tx([]byte{reg}, buf); err != nil {
		return 0, fmt.Errorf("battery: read 0x%02X: %w", reg, err)
	}
	return buf[0], nil
}

// Read implements Reader.
func (d *Device) Read(_ context.Context) (Status, error) {
	high, err := d.readReg(regVoltageHigh)
	if err != nil {
		return Status{}, err
	}
	low, err := d.readReg(regVoltageLow)
	if err != nil {
		return Status{}, err
	}
	pct, err := d.readReg(regPercent)
	if err != nil {
		return Status{}, err
	}
	if pct > 100 {
		pct = 100
	}

	return Status{
		Percent:   int(pct),
		VoltageMv: int(uint16(high)<<8 | uint16(low)),
		ReadAt:    d.now(),
	}, nil
}

// Cached wraps a Reader so that callers within ttl of the last good read
// get that read back instead of touching the bus.
type Cached struct {
	r   Reader
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	last *Status
	at   time.Time
}

// NewCached returns a caching reader.
func NewCached(r Reader, ttl time.Duration) *Cached {
	return &Cached{r: r, ttl: ttl, now: time.Now}
}

// Read implements Reader.
func (c *Cached) Read(ctx context.Context) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.last != nil && now.Sub(c.at) < c.ttl {
		return *c.last, nil
	}
	st, err := c.r.Read(ctx)
	if err != nil {
		return Status{}, err
	}
	c.last, c.at = &st, now
	return st, nil
}

var (
	_ Reader = &Device{}
	_ Reader = &Cached{}
)
