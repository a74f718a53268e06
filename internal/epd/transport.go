package epd

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// ErrBusyTimeout is returned when the busy line stays asserted longer than
// the configured timeout.
var ErrBusyTimeout = errors.New("epd: busy line timeout")

// Transport moves commands and data to the controller and reports when it
// is idle again. Implementations are not safe for concurrent use.
type Transport interface {
	Reset() error
	SendCommand(cmd byte) error
	SendData(data []byte) error
	WaitUntilIdle() error
	PowerDown() error
	Close() error
}

// TransportOpts tunes an SPITransport.
type TransportOpts struct {
	Freq        physic.Frequency
	BusyTimeout time.Duration
	BusyPoll    time.Duration

	// Sleep is used for reset pulses and busy polling; nil means time.Sleep.
	Sleep func(time.Duration)
}

const defaultMaxTxSize = 4096

// SPITransport drives the controller over a periph.io SPI connection plus
// four GPIO lines.
type SPITransport struct {
	c    conn.Conn
	dc   gpio.PinOut
	cs   gpio.PinOut
	rst  gpio.PinOut
	busy gpio.PinIn

	maxTxSize int
	opts      TransportOpts
}

// NewSPI connects to p in mode 0 with 8 bit words and configures busy as a
// pulled-up input.
func NewSPI(p spi.Port, dc, cs, rst gpio.PinOut, busy gpio.PinIn, opts *TransportOpts) (*SPITransport, error) {
	o := TransportOpts{}
	if opts != nil {
		o = *opts
	}
	if o.Freq <= 0 {
		o.Freq = 4 * physic.MegaHertz
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 10 * time.Second
	}
	if o.BusyPoll <= 0 {
		o.BusyPoll = 10 * time.Millisecond
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}

	c, err := p.Connect(o.Freq, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("epd: spi connect: %w", err)
	}
	if err := busy.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("epd: busy pin: %w", err)
	}

	maxTxSize := defaultMaxTxSize
	if limits, ok := c.(conn.Limits); ok && limits.MaxTxSize() > 0 {
		maxTxSize = limits.MaxTxSize()
	}

	return &SPITransport{
		c:         c,
		dc:        dc,
		cs:        cs,
		rst:       rst,
		busy:      busy,
		maxTxSize: maxTxSize,
		opts:      o,
	}, nil
}

func (t *SPITransport) String() string {
	return fmt.Sprintf("epd.SPITransport{%s, maxTx: %d}", t.c, t.maxTxSize)
}

// Reset pulses the reset line: high 50ms, low 2ms, high 50ms.
func (t *SPITransport) Reset() error {
	eh := errorHandler{t: t}
	eh.rstOut(gpio.High)
	eh.sleep(50 * time.Millisecond)
	eh.rstOut(gpio.Low)
	eh.sleep(2 * time.Millisecond)
	eh.rstOut(gpio.High)
	eh.sleep(50 * time.Millisecond)
	return eh.err
}

func (t *SPITransport) SendCommand(cmd byte) error {
	eh := errorHandler{t: t}
	eh.dcOut(gpio.Low)
	eh.csOut(gpio.Low)
	eh.cTx([]byte{cmd})
	eh.csOut(gpio.High)
	return eh.err
}

// SendData writes data with DC high, split into transfers no larger than
// the connection allows.
func (t *SPITransport) SendData(data []byte) error {
	eh := errorHandler{t: t}
	eh.dcOut(gpio.High)
	eh.csOut(gpio.Low)
	for len(data) > 0 {
		n := min(len(data), t.maxTxSize)
		eh.cTx(data[:n])
		data = data[n:]
	}
	eh.csOut(gpio.High)
	return eh.err
}

// WaitUntilIdle polls the busy line until it reads low. It gives up with
// ErrBusyTimeout once BusyTimeout has elapsed.
func (t *SPITransport) WaitUntilIdle() error {
	deadline := time.Now().Add(t.opts.BusyTimeout)
	for t.busy.Read() == gpio.High {
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w after %s", ErrBusyTimeout, t.opts.BusyTimeout)
		}
		t.opts.Sleep(t.opts.BusyPoll)
	}
	return nil
}

// PowerDown holds the controller in reset.
func (t *SPITransport) PowerDown() error {
	return t.rst.Out(gpio.Low)
}

// Close releases nothing; the SPI port is owned by the caller.
func (t *SPITransport) Close() error {
	return nil
}

// errorHandler keeps the first error of a pin/bus sequence and turns the
// remaining steps into no-ops.
type errorHandler struct {
	t   *SPITransport
	err error
}

func (eh *errorHandler) rstOut(l gpio.Level) {
	if eh.err != nil {
		return
	}
	eh.err = eh.t.rst.Out(l)
}

func (eh *errorHandler) dcOut(l gpio.Level) {
	if eh.err != nil {
		return
	}
	eh.err = eh.t.dc.Out(l)
}

func (eh *errorHandler) csOut(l gpio.Level) {
	if eh.err != nil {
		return
	}
	eh.err = eh.t.cs.Out(l)
}

func (eh *errorHandler) cTx(w []byte) {
	if eh.err != nil {
		return
	}
	eh.err = eh.t.c.Tx(w, nil)
}

func (eh *errorHandler) sleep(d time.Duration) {
	if eh.err != nil {
		return
	}
	eh.t.opts.Sleep(d)
}

// NullTransport accepts everything and never blocks. It backs the
// render-only mode where no panel is attached.
type NullTransport struct {
	Commands int
	Bytes    int
}

func (n *NullTransport) Reset() error { return nil }

func (n *NullTransport) SendCommand(byte) error {
	n.Commands++
	return nil
}

func (n *NullTransport) SendData(data []byte) error {
	n.Bytes += len(data)
	return nil
}

func (n *NullTransport) WaitUntilIdle() error { return nil }
func (n *NullTransport) PowerDown() error     { return nil }
func (n *NullTransport) Close() error         { return nil }

var (
	_ Transport = &SPITransport{}
	_ Transport = &NullTransport{}
)
