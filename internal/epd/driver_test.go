package epd

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type record struct {
	cmd  byte
	data []byte
}

// fakeTransport records commands with their data. Waits are recorded as a
// pseudo command 0xFF so ordering can be asserted.
type fakeTransport struct {
	records   []record
	resets    int
	powerDown int

	// busyFor makes the next n waits time out.
	busyFor int
}

const waitMarker byte = 0xFF

func (f *fakeTransport) Reset() error {
	f.resets++
	return nil
}

func (f *fakeTransport) SendCommand(cmd byte) error {
	f.records = append(f.records, record{cmd: cmd})
	return nil
}

func (f *fakeTransport) SendData(data []byte) error {
	cur := &f.records[len(f.records)-1]
	cur.data = append(cur.data, data...)
	return nil
}

func (f *fakeTransport) WaitUntilIdle() error {
	f.records = append(f.records, record{cmd: waitMarker})
	if f.busyFor > 0 {
		f.busyFor--
		return ErrBusyTimeout
	}
	return nil
}

func (f *fakeTransport) PowerDown() error {
	f.powerDown++
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) take() []record {
	r := f.records
	f.records = nil
	return r
}

func diffRecords(got, want []record) string {
	return cmp.Diff(got, want, cmpopts.EquateEmpty(), cmp.AllowUnexported(record{}))
}

func newTestDriver(t *testing.T) (*Driver, *fakeTransport) {
	t.Helper()
	f := &fakeTransport{}
	d, err := New(f, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	d.sleep = func(time.Duration) {}
	return d, f
}

func wait() record { return record{cmd: waitMarker} }

func TestLUTLayout(t *testing.T) {
	for _, tc := range []struct {
		name string
		lut  LUT
	}{
		{name: "full", lut: FullLUT},
		{name: "partial", lut: PartialLUT},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if len(tc.lut) != 76 {
				t.Fatalf("len = %d, want 76", len(tc.lut))
			}
			if got := tc.lut.Waveform(); len(got) != 70 {
				t.Errorf("Waveform() length = %d, want 70", len(got))
			}
			if diff := cmp.Diff(tc.lut.GateVoltage(), byte(0x15)); diff != "" {
				t.Errorf("GateVoltage() (-got +want):\n%s", diff)
			}
			if diff := cmp.Diff(tc.lut.SourceVoltages(), []byte{0x41, 0xA8, 0x32}); diff != "" {
				t.Errorf("SourceVoltages() (-got +want):\n%s", diff)
			}
			if diff := cmp.Diff(tc.lut.DummyLine(), byte(0x30)); diff != "" {
				t.Errorf("DummyLine() (-got +want):\n%s", diff)
			}
			if diff := cmp.Diff(tc.lut.GateTime(), byte(0x0A)); diff != "" {
				t.Errorf("GateTime() (-got +want):\n%s", diff)
			}
		})
	}
}

func TestInitFull(t *testing.T) {
	d, f := newTestDriver(t)

	if err := d.Init(Full); err != nil {
		t.Fatalf("Init(Full) failed: %v", err)
	}

	want := []record{
		wait(),
		{cmd: swReset},
		wait(),
		{cmd: setAnalogBlockControl, data: []byte{0x54}},
		{cmd: setDigitalBlockControl, data: []byte{0x3B}},
		{cmd: driverOutputControl, data: []byte{0x27, 0x01, 0x01}},
		{cmd: dataEntryModeSetting, data: []byte{0x01}},
		{cmd: setRAMXAddressStartEndPosition, data: []byte{0x00, 0x0F}},
		{cmd: setRAMYAddressStartEndPosition, data: []byte{0x27, 0x01, 0x2E, 0x00}},
		{cmd: borderWaveformControl, data: []byte{0x03}},
		{cmd: writeVcomRegister, data: []byte{0x55}},
		{cmd: gateDrivingVoltageControl, data: []byte{FullLUT[70]}},
		{cmd: sourceDrivingVoltageControl, data: FullLUT[71:74]},
		{cmd: setDummyLinePeriod, data: []byte{FullLUT[74]}},
		{cmd: setGateTime, data: []byte{FullLUT[75]}},
		{cmd: writeLutRegister, data: FullLUT[:70]},
		{cmd: setRAMXAddressCounter, data: []byte{0x00}},
		{cmd: setRAMYAddressCounter, data: []byte{0x00, 0x00}},
		wait(),
	}
	if diff := diffRecords(f.take(), want); diff != "" {
		t.Errorf("Init(Full) difference (-got +want):\n%s", diff)
	}
	if f.resets != 1 {
		t.Errorf("resets = %d, want 1", f.resets)
	}
	if d.Mode() != Full {
		t.Errorf("Mode() = %s, want full", d.Mode())
	}
}

func TestInitFullGeometry(t *testing.T) {
	f := &fakeTransport{}
	opts := EPD2in13
	opts.Width = 200
	opts.Height = 200
	d, err := New(f, &opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Init(Full); err != nil {
		t.Fatal(err)
	}
	got := map[byte][]byte{}
	for _, r := range f.records {
		got[r.cmd] = r.data
	}
	if diff := cmp.Diff(got[driverOutputControl], []byte{0x27, 0x01, 0x01}); diff != "" {
		t.Errorf("driver output control (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(got[setRAMXAddressStartEndPosition], []byte{0x00, 24}); diff != "" {
		t.Errorf("ram x window (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(got[setRAMYAddressStartEndPosition], []byte{0x27, 0x01, 0x60, 0x00}); diff != "" {
		t.Errorf("ram y window (-got +want):\n%s", diff)
	}
}

func TestInitPartial(t *testing.T) {
	d, f := newTestDriver(t)

	if err := d.Init(Partial); err != nil {
		t.Fatalf("Init(Partial) failed: %v", err)
	}

	want := []record{
		{cmd: writeVcomRegister, data: []byte{0x26}},
		wait(),
		{cmd: writeLutRegister, data: PartialLUT[:70]},
		{cmd: writeDisplayOptionRegister, data: []byte{0x00, 0x00, 0x00, 0x00, 0x40, 0x00, 0x00}},
		{cmd: displayUpdateControl2, data: []byte{0xC0}},
		{cmd: masterActivation},
		wait(),
		{cmd: borderWaveformControl, data: []byte{0x01}},
	}
	if diff := diffRecords(f.take(), want); diff != "" {
		t.Errorf("Init(Partial) difference (-got +want):\n%s", diff)
	}
}

func TestPushFull(t *testing.T) {
	d, f := newTestDriver(t)
	buf := bytes.Repeat([]byte{0xA5}, d.FrameSize())

	if err := d.Init(Full); err != nil {
		t.Fatal(err)
	}
	f.take()

	if err := d.PushFull(buf); err != nil {
		t.Fatalf("PushFull() failed: %v", err)
	}
	want := []record{
		{cmd: writeRAMBW, data: buf},
		{cmd: displayUpdateControl2, data: []byte{0xC7}},
		{cmd: masterActivation},
		wait(),
	}
	if diff := diffRecords(f.take(), want); diff != "" {
		t.Errorf("PushFull() difference (-got +want):\n%s", diff)
	}
	if !d.FullPushed() {
		t.Error("FullPushed() = false after PushFull")
	}
}

func TestPushPartialComplement(t *testing.T) {
	d, f := newTestDriver(t)
	buf := make([]byte, d.FrameSize())
	for i := range buf {
		buf[i] = byte(i)
	}
	orig := append([]byte(nil), buf...)

	if err := d.Init(Full); err != nil {
		t.Fatal(err)
	}
	if err := d.PushFull(buf); err != nil {
		t.Fatal(err)
	}
	if err := d.Init(Partial); err != nil {
		t.Fatal(err)
	}
	f.take()

	if err := d.PushPartial(buf); err != nil {
		t.Fatalf("PushPartial() failed: %v", err)
	}
	got := f.take()
	if len(got) != 5 {
		t.Fatalf("got %d records, want 5: %v", len(got), got)
	}
	if got[0].cmd != writeRAMBW || got[1].cmd != writeRAMRed {
		t.Fatalf("RAM writes = %#x, %#x", got[0].cmd, got[1].cmd)
	}
	for i := range buf {
		if got[0].data[i] != buf[i] {
			t.Fatalf("plane 0x24 byte %d = %#x, want %#x", i, got[0].data[i], buf[i])
		}
		if got[1].data[i] != ^buf[i] {
			t.Fatalf("plane 0x26 byte %d = %#x, want %#x", i, got[1].data[i], ^buf[i])
		}
	}
	if diff := cmp.Diff(got[2].data, []byte{0x0C}); diff != "" {
		t.Errorf("update sequence (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(buf, orig); diff != "" {
		t.Errorf("PushPartial() modified the caller's buffer (-got +want):\n%s", diff)
	}
}

func TestPushPartialRequiresFull(t *testing.T) {
	d, f := newTestDriver(t)
	if err := d.Init(Partial); err != nil {
		t.Fatal(err)
	}
	f.take()

	err := d.PushPartial(make([]byte, d.FrameSize()))
	if !errors.Is(err, ErrNeedsFull) {
		t.Fatalf("PushPartial() = %v, want ErrNeedsFull", err)
	}
	if len(f.records) != 0 {
		t.Errorf("panel traffic on refused push: %v", f.records)
	}
}

func TestPushWrongMode(t *testing.T) {
	d, _ := newTestDriver(t)
	buf := make([]byte, d.FrameSize())

	if err := d.PushFull(buf); !errors.Is(err, ErrWrongMode) {
		t.Errorf("PushFull() before Init = %v, want ErrWrongMode", err)
	}
	if err := d.Init(Partial); err != nil {
		t.Fatal(err)
	}
	if err := d.PushFull(buf); !errors.Is(err, ErrWrongMode) {
		t.Errorf("PushFull() in partial mode = %v, want ErrWrongMode", err)
	}
}

func TestPushBufferSize(t *testing.T) {
	d, _ := newTestDriver(t)
	if err := d.Init(Full); err != nil {
		t.Fatal(err)
	}
	for _, n := range []int{0, d.FrameSize() - 1, d.FrameSize() + 1} {
		if err := d.PushFull(make([]byte, n)); !errors.Is(err, ErrBufferSize) {
			t.Errorf("PushFull(%d bytes) = %v, want ErrBufferSize", n, err)
		}
	}
	if got, want := d.FrameSize(), 4000; got != want {
		t.Errorf("FrameSize() = %d, want %d", got, want)
	}
}

func TestPushBase(t *testing.T) {
	d, f := newTestDriver(t)
	buf := bytes.Repeat([]byte{0x0F}, d.FrameSize())
	if err := d.Init(Full); err != nil {
		t.Fatal(err)
	}
	f.take()

	if err := d.PushBase(buf); err != nil {
		t.Fatal(err)
	}
	want := []record{
		{cmd: writeRAMBW, data: buf},
		{cmd: writeRAMRed, data: buf},
		{cmd: displayUpdateControl2, data: []byte{0xC7}},
		{cmd: masterActivation},
		wait(),
	}
	if diff := diffRecords(f.take(), want); diff != "" {
		t.Errorf("PushBase() difference (-got +want):\n%s", diff)
	}
}

func TestClear(t *testing.T) {
	d, f := newTestDriver(t)
	if err := d.Init(Full); err != nil {
		t.Fatal(err)
	}
	f.take()

	if err := d.Clear(0xFF); err != nil {
		t.Fatal(err)
	}
	fill := bytes.Repeat([]byte{0xFF}, d.FrameSize())
	want := []record{
		{cmd: writeRAMBW, data: fill},
		{cmd: writeRAMRed, data: fill},
		{cmd: displayUpdateControl2, data: []byte{0xC7}},
		{cmd: masterActivation},
		wait(),
	}
	if diff := diffRecords(f.take(), want); diff != "" {
		t.Errorf("Clear() difference (-got +want):\n%s", diff)
	}
}

func TestSleep(t *testing.T) {
	d, f := newTestDriver(t)
	var slept time.Duration
	d.sleep = func(dur time.Duration) { slept += dur }

	if err := d.Init(Full); err != nil {
		t.Fatal(err)
	}
	if err := d.PushFull(make([]byte, d.FrameSize())); err != nil {
		t.Fatal(err)
	}
	f.take()

	if err := d.Sleep(); err != nil {
		t.Fatal(err)
	}
	want := []record{{cmd: deepSleepMode, data: []byte{0x03}}}
	if diff := diffRecords(f.take(), want); diff != "" {
		t.Errorf("Sleep() difference (-got +want):\n%s", diff)
	}
	if slept != 2*time.Second {
		t.Errorf("settle = %s, want 2s", slept)
	}
	if f.powerDown != 1 {
		t.Errorf("powerDown = %d, want 1", f.powerDown)
	}
	if !d.FullPushed() {
		t.Error("full frame state lost across Sleep")
	}
	if err := d.PushFull(make([]byte, d.FrameSize())); !errors.Is(err, ErrWrongMode) {
		t.Errorf("PushFull() after Sleep = %v, want ErrWrongMode", err)
	}
}

func TestDoRetries(t *testing.T) {
	d, f := newTestDriver(t)
	buf := make([]byte, d.FrameSize())

	// First attempt times out in Init's first wait, the second succeeds.
	f.busyFor = 1
	err := d.Do("redraw", Full, func() error { return d.PushFull(buf) })
	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if f.resets != 2 {
		t.Errorf("resets = %d, want 2", f.resets)
	}
}

func TestDoFault(t *testing.T) {
	d, f := newTestDriver(t)
	f.busyFor = 100

	err := d.Do("tick", Partial, func() error { return nil })
	var fault *FaultError
	if !errors.As(err, &fault) {
		t.Fatalf("Do() = %v, want *FaultError", err)
	}
	if fault.Op != "tick" || fault.Attempts != 3 {
		t.Errorf("fault = %+v, want op tick, 3 attempts", fault)
	}
	if !errors.Is(err, ErrBusyTimeout) {
		t.Errorf("errors.Is(%v, ErrBusyTimeout) = false", err)
	}
}

func TestDoPassesOtherErrors(t *testing.T) {
	d, f := newTestDriver(t)
	boom := errors.New("boom")

	err := d.Do("redraw", Full, func() error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Do() = %v, want boom", err)
	}
	if f.resets != 1 {
		t.Errorf("resets = %d, want 1", f.resets)
	}
}

func TestNewRejectsGeometry(t *testing.T) {
	for _, opts := range []Opts{
		{Width: 0, Height: 250},
		{Width: 122, Height: 250},
		{Width: 128, Height: 0},
		{Width: 128, Height: 297},
	} {
		if _, err := New(&NullTransport{}, &opts); err == nil {
			t.Errorf("New(%dx%d) succeeded", opts.Width, opts.Height)
		}
	}
}
