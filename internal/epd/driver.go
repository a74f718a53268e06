package epd

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	appLog "epdagenda/internal/log"
)

var (
	// ErrBufferSize is returned when a frame does not match the panel
	// geometry.
	ErrBufferSize = errors.New("epd: frame buffer size mismatch")
	// ErrNeedsFull is returned by PushPartial until a full frame has been
	// pushed: partial updates diff against the previous image.
	ErrNeedsFull = errors.New("epd: partial update before any full update")
	// ErrWrongMode is returned when a push does not match the initialised
	// refresh mode.
	ErrWrongMode = errors.New("epd: push does not match refresh mode")
)

// Mode selects the waveform and register set used by Init.
type Mode int

const (
	Full Mode = iota
	Partial
)

func (m Mode) String() string {
	switch m {
	case Full:
		return "full"
	case Partial:
		return "partial"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// FaultError reports an operation that kept timing out after exhausting
// its retry budget. The panel should be considered unusable.
type FaultError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("epd: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// Opts defines the panel geometry and waveforms.
type Opts struct {
	Width   int
	Height  int
	Full    LUT
	Partial LUT

	// SleepSettle is the pause between the deep sleep command and pulling
	// reset low.
	SleepSettle time.Duration

	// Retries is how many extra attempts Do makes after a busy timeout.
	Retries int
}

// EPD2in13 is the 2.13" 128x250 panel.
var EPD2in13 = Opts{
	Width:       128,
	Height:      250,
	Full:        FullLUT,
	Partial:     PartialLUT,
	SleepSettle: 2 * time.Second,
	Retries:     2,
}

// Driver runs the controller's refresh state machine on top of a
// Transport. It is owned by a single goroutine.
type Driver struct {
	t    Transport
	opts Opts

	// sleep is swapped in tests.
	sleep func(time.Duration)

	mode       Mode
	ready      bool
	fullPushed bool
}

// New returns a driver for the given transport. A nil opts selects
// EPD2in13.
func New(t Transport, opts *Opts) (*Driver, error) {
	o := EPD2in13
	if opts != nil {
		o = *opts
	}
	if o.Width <= 0 || o.Width%8 != 0 || o.Height <= 0 || o.Height > gateCount {
		return nil, fmt.Errorf("epd: invalid geometry %dx%d", o.Width, o.Height)
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	return &Driver{t: t, opts: o, sleep: time.Sleep}, nil
}

func (d *Driver) String() string {
	return fmt.Sprintf("epd.Driver{%dx%d, mode: %s}", d.opts.Width, d.opts.Height, d.mode)
}

// FrameSize is the number of bytes in one frame.
func (d *Driver) FrameSize() int {
	return d.opts.Height * d.opts.Width / 8
}

// Mode returns the mode of the last successful Init.
func (d *Driver) Mode() Mode { return d.mode }

// FullPushed reports whether a full frame has been pushed since start.
func (d *Driver) FullPushed() bool { return d.fullPushed }

// Init resets the controller and programs it for mode.
func (d *Driver) Init(mode Mode) error {
	d.ready = false
	if err := d.t.Reset(); err != nil {
		return fmt.Errorf("epd: reset: %w", err)
	}

	s := sequence{t: d.t}
	switch mode {
	case Full:
		d.initFull(&s)
	case Partial:
		d.initPartial(&s)
	default:
		return fmt.Errorf("epd: unknown mode %d", int(mode))
	}
	if s.err != nil {
		return fmt.Errorf("epd: init %s: %w", mode, s.err)
	}
	d.mode = mode
	d.ready = true
	return nil
}

func (d *Driver) initFull(s *sequence) {
	lut := &d.opts.Full
	lastGate := gateCount - 1
	firstGate := gateCount - d.opts.Height

	s.wait()
	s.command(swReset)
	s.wait()

	s.command(setAnalogBlockControl, analogBlockControl)
	s.command(setDigitalBlockControl, digitalBlockControl)

	s.command(driverOutputControl, byte(lastGate&0xFF), byte(lastGate>>8), gateScanDirection)
	s.command(dataEntryModeSetting, dataEntryYDecXInc)
	s.command(setRAMXAddressStartEndPosition, 0x00, byte(d.opts.Width/8-1))
	s.command(setRAMYAddressStartEndPosition,
		byte(lastGate&0xFF), byte(lastGate>>8), byte(firstGate&0xFF), byte(firstGate>>8))

	s.command(borderWaveformControl, borderWaveformFull)
	s.command(writeVcomRegister, vcomFull)

	s.command(gateDrivingVoltageControl, lut.GateVoltage())
	s.command(sourceDrivingVoltageControl, lut.SourceVoltages()...)
	s.command(setDummyLinePeriod, lut.DummyLine())
	s.command(setGateTime, lut.GateTime())
	s.command(writeLutRegister, lut.Waveform()...)

	s.command(setRAMXAddressCounter, 0x00)
	s.command(setRAMYAddressCounter, 0x00, 0x00)
	s.wait()
}

func (d *Driver) initPartial(s *sequence) {
	lut := &d.opts.Partial

	s.command(writeVcomRegister, vcomPartial)
	s.wait()

	s.command(writeLutRegister, lut.Waveform()...)
	s.command(writeDisplayOptionRegister, partialWindow[:]...)

	s.command(displayUpdateControl2, updateSequenceClockOnly)
	s.command(masterActivation)
	s.wait()

	s.command(borderWaveformControl, borderWaveformPartial)
}

func (d *Driver) check(buf []byte, mode Mode) error {
	if len(buf) != d.FrameSize() {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrBufferSize, len(buf), d.FrameSize())
	}
	return d.checkMode(mode)
}

func (d *Driver) checkMode(mode Mode) error {
	if !d.ready || d.mode != mode {
		return fmt.Errorf("%w: %s push in %s mode", ErrWrongMode, mode, d.mode)
	}
	return nil
}

// PushFull writes buf as the new image and runs the full waveform.
func (d *Driver) PushFull(buf []byte) error {
	if err := d.check(buf, Full); err != nil {
		return err
	}
	s := sequence{t: d.t}
	s.command(writeRAMBW, buf...)
	d.turnOn(&s, updateSequenceFull)
	if s.err != nil {
		return fmt.Errorf("epd: push full: %w", s.err)
	}
	d.fullPushed = true
	return nil
}

// PushPartial writes buf as the new image and its complement as the old
// one, then runs the partial waveform. buf is not modified.
func (d *Driver) PushPartial(buf []byte) error {
	if !d.fullPushed {
		return ErrNeedsFull
	}
	if err := d.check(buf, Partial); err != nil {
		return err
	}
	inv := make([]byte, len(buf))
	for i, b := range buf {
		inv[i] = ^b
	}
	s := sequence{t: d.t}
	s.command(writeRAMBW, buf...)
	s.command(writeRAMRed, inv...)
	d.turnOn(&s, updateSequencePartial)
	if s.err != nil {
		return fmt.Errorf("epd: push partial: %w", s.err)
	}
	return nil
}

// PushBase writes buf to both RAM planes so later partial updates diff
// against it.
func (d *Driver) PushBase(buf []byte) error {
	if err := d.check(buf, Full); err != nil {
		return err
	}
	s := sequence{t: d.t}
	s.command(writeRAMBW, buf...)
	s.command(writeRAMRed, buf...)
	d.turnOn(&s, updateSequenceFull)
	if s.err != nil {
		return fmt.Errorf("epd: push base: %w", s.err)
	}
	d.fullPushed = true
	return nil
}

// Clear fills both RAM planes with fill and runs the full waveform.
func (d *Driver) Clear(fill byte) error {
	if err := d.checkMode(Full); err != nil {
		return err
	}
	data := bytes.Repeat([]byte{fill}, d.FrameSize())
	s := sequence{t: d.t}
	s.command(writeRAMBW, data...)
	s.command(writeRAMRed, data...)
	d.turnOn(&s, updateSequenceFull)
	if s.err != nil {
		return fmt.Errorf("epd: clear: %w", s.err)
	}
	return nil
}

// Sleep puts the controller into deep sleep. The next operation needs an
// Init.
func (d *Driver) Sleep() error {
	d.ready = false
	s := sequence{t: d.t}
	s.command(deepSleepMode, deepSleepRAMOff)
	if s.err != nil {
		return fmt.Errorf("epd: sleep: %w", s.err)
	}
	d.sleep(d.opts.SleepSettle)
	if err := d.t.PowerDown(); err != nil {
		return fmt.Errorf("epd: power down: %w", err)
	}
	return nil
}

// Do runs Init(mode) followed by fn. A busy timeout in either is retried up
// to Opts.Retries more times; when the budget runs out a *FaultError is
// returned. Other errors are returned as is.
func (d *Driver) Do(op string, mode Mode, fn func() error) error {
	var err error
	attempts := 0
	for attempts <= d.opts.Retries {
		attempts++
		if err = d.Init(mode); err == nil {
			err = fn()
		}
		if err == nil || !errors.Is(err, ErrBusyTimeout) {
			return err
		}
		appLog.Warn("epd: busy timeout, retrying", "op", op, "attempt", attempts, "mode", mode)
	}
	return &FaultError{Op: op, Attempts: attempts, Err: err}
}

func (d *Driver) turnOn(s *sequence, update byte) {
	s.command(displayUpdateControl2, update)
	s.command(masterActivation)
	s.wait()
}

// sequence issues commands until the first failure and remembers it.
type sequence struct {
	t   Transport
	err error
}

func (s *sequence) command(cmd byte, data ...byte) {
	if s.err != nil {
		return
	}
	if s.err = s.t.SendCommand(cmd); s.err != nil {
		return
	}
	if len(data) > 0 {
		s.err = s.t.SendData(data)
	}
}

func (s *sequence) wait() {
	if s.err != nil {
		return
	}
	s.err = s.t.WaitUntilIdle()
}
