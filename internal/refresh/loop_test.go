package refresh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/devices/v3/ssd1306/image1bit"

	"epdagenda/internal/canvas"
	"epdagenda/internal/clock"
	"epdagenda/internal/epd"
	"epdagenda/internal/message"
)

// fakePanel records operations by name. Do behaves like the driver's:
// an init per attempt, then fn.
type fakePanel struct {
	ops        []string
	frames     [][]byte
	fullPushed bool
	failDo     error
	// failOp limits failDo to one operation; empty fails them all.
	failOp string
}

func (p *fakePanel) Do(op string, mode epd.Mode, fn func() error) error {
	p.ops = append(p.ops, "init:"+mode.String())
	if p.failDo != nil && (p.failOp == "" || p.failOp == op) {
		return p.failDo
	}
	return fn()
}

func (p *fakePanel) PushFull(buf []byte) error {
	p.ops = append(p.ops, "full")
	p.frames = append(p.frames, append([]byte(nil), buf...))
	p.fullPushed = true
	return nil
}

func (p *fakePanel) PushPartial(buf []byte) error {
	p.ops = append(p.ops, "partial")
	p.frames = append(p.frames, append([]byte(nil), buf...))
	return nil
}

func (p *fakePanel) PushBase(buf []byte) error {
	p.ops = append(p.ops, "base")
	p.fullPushed = true
	return nil
}

func (p *fakePanel) Clear(fill byte) error {
	p.ops = append(p.ops, fmt.Sprintf("clear:%02x", fill))
	return nil
}

func (p *fakePanel) Sleep() error {
	p.ops = append(p.ops, "sleep")
	return nil
}

func (p *fakePanel) FullPushed() bool { return p.fullPushed }

func (p *fakePanel) take() []string {
	ops := p.ops
	p.ops = nil
	return ops
}

type fixture struct {
	loop  *Loop
	panel *fakePanel
	inbox *message.Inbox
	now   time.Time
}

func newFixture(t *testing.T, opts Opts) *fixture {
	t.Helper()
	f := &fixture{
		panel: &fakePanel{},
		inbox: message.NewInbox(4),
		now:   time.Date(2024, 1, 1, 8, 50, 0, 0, time.UTC),
	}
	clk := clock.New(func() time.Time { return f.now }, time.UTC)
	f.loop = New(f.panel, canvas.New(128, 250), clk, f.inbox, opts)
	f.loop.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func TestComputeCountdown(t *testing.T) {
	for _, tc := range []struct {
		next, now      int
		minutes, width int
	}{
		{3600, 3000, 10, 13},
		{32400, 32400, 0, 0},
		{32400, 32400 - 59, 0, 0},
		{32400, 32400 - 60, 1, 1},
		{32400, 32400 - 3600, 60, 82},
		{32400, 0, 60, 82},
		// Already started: clamped, where the raw formula would go negative.
		{32400, 32400 + 30, 0, 0},
		{32400, 32400 + 600, 0, 0},
	} {
		got := ComputeCountdown(tc.next, tc.now)
		assert.Equal(t, Countdown{tc.minutes, tc.width}, got, "next=%d now=%d", tc.next, tc.now)
	}
}

func TestStart(t *testing.T) {
	f := newFixture(t, Opts{ClearPasses: 2})
	require.NoError(t, f.loop.Start())

	assert.Equal(t, []string{
		"init:full", "clear:ff", "full", "clear:00", "full",
		"init:full", "clear:ff", "full", "clear:00", "full",
		"init:full", "clear:ff", "base",
	}, f.panel.take())
	assert.True(t, f.panel.FullPushed())
}

func TestTickBeforeFullDoesNothing(t *testing.T) {
	f := newFixture(t, Opts{})
	phase, err := f.loop.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PartialTick, phase)
	assert.Empty(t, f.panel.take())
}

func TestFullRedrawThenTick(t *testing.T) {
	f := newFixture(t, Opts{})
	var redrawn int
	f.loop.opts.OnRedraw = func(*canvas.Canvas) { redrawn++ }
	require.NoError(t, f.loop.Start())
	f.panel.take()

	require.True(t, f.inbox.Offer(`{"dates":[{"startTime":"09:00","summary":"Team Standup Meeting","startingSoon":false,"startSecsFromMidnight":32400}]}`))

	phase, err := f.loop.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FullRedraw, phase)
	assert.Equal(t, []string{"init:full", "clear:ff", "full", "sleep"}, f.panel.take())
	assert.Equal(t, 32400, f.loop.nextMeetingSecs)
	assert.Equal(t, 1, redrawn)

	st := f.loop.Status()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, 32400, st.NextMeetingSecs)

	// 08:50 against a 09:00 meeting: 10 minutes, bar 13 pixels.
	phase, err = f.loop.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PartialTick, phase)
	assert.Equal(t, []string{"init:partial", "partial"}, f.panel.take())

	frame := f.panel.frames[len(f.panel.frames)-1]
	c := &canvas.Canvas{Pix: frame, Stride: 16, Rect: f.loop.canvas.Rect}
	for x := 0; x < 13; x++ {
		assert.Equal(t, image1bit.Off, c.BitAt(x, BarTop+5), "bar pixel x=%d", x)
	}
	for x := 13; x < ClockX; x++ {
		assert.Equal(t, image1bit.On, c.BitAt(x, BarTop+5), "empty bar pixel x=%d", x)
	}

	st = f.loop.Status()
	assert.Equal(t, 10, st.MinutesTill)
	assert.Equal(t, 13, st.BarWidth)
	assert.Equal(t, 1, st.Ticks)
}

func TestTimeSyncOnlyLeavesPanelAlone(t *testing.T) {
	f := newFixture(t, Opts{})
	require.NoError(t, f.loop.Start())
	f.panel.take()

	require.True(t, f.inbox.Offer(`{"timeSync":"2024 01 01 09 00 00"}`))
	phase, err := f.loop.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FullRedraw, phase)
	assert.Empty(t, f.panel.take())
	assert.Equal(t, "09:00", f.loop.clock.HoursMinutes())
}

func TestBadTimeSyncStillDraws(t *testing.T) {
	f := newFixture(t, Opts{})
	require.NoError(t, f.loop.Start())
	f.panel.take()

	require.True(t, f.inbox.Offer(`{"timeSync":"garbage","dates":[]}`))
	_, err := f.loop.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"init:full", "clear:ff", "full", "sleep"}, f.panel.take())
	assert.Zero(t, f.loop.clock.Offset())
}

func TestMalformedMessageIsSkipped(t *testing.T) {
	f := newFixture(t, Opts{})
	require.NoError(t, f.loop.Start())
	f.panel.take()
	before := f.loop.canvas.Clone()

	require.True(t, f.inbox.Offer(`{"dates":`))
	phase, err := f.loop.Step(context.Background())
	assert.ErrorIs(t, err, message.ErrMalformed)
	assert.Equal(t, FullRedraw, phase)
	assert.Empty(t, f.panel.take())
	assert.Equal(t, before.Pix, f.loop.canvas.Pix)
}

func TestDroppedEntriesCounted(t *testing.T) {
	f := newFixture(t, Opts{})
	require.NoError(t, f.loop.Start())

	require.True(t, f.inbox.Offer(`{"dates":[{"startTime":"09:00"},{"startTime":"10:00","summary":"ok","startingSoon":false,"startSecsFromMidnight":36000}]}`))
	_, err := f.loop.Step(context.Background())
	require.NoError(t, err)

	st := f.loop.Status()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, 1, st.DroppedEntries)
	assert.Equal(t, 36000, f.loop.nextMeetingSecs)
}

func TestRequestRedraw(t *testing.T) {
	f := newFixture(t, Opts{})
	require.NoError(t, f.loop.Start())
	f.panel.take()

	// Nothing to redraw yet: the request is consumed by a plain tick.
	f.loop.RequestRedraw()
	phase, err := f.loop.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PartialTick, phase)
	f.panel.take()

	require.True(t, f.inbox.Offer(`{"dates":[{"startTime":"09:00","summary":"A","startingSoon":true,"startSecsFromMidnight":32400}]}`))
	_, err = f.loop.Step(context.Background())
	require.NoError(t, err)
	first := f.panel.frames[len(f.panel.frames)-1]
	f.panel.take()

	f.loop.RequestRedraw()
	f.loop.RequestRedraw()
	phase, err = f.loop.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FullRedraw, phase)
	assert.Equal(t, []string{"init:full", "clear:ff", "full", "sleep"}, f.panel.take())
	assert.Equal(t, first, f.panel.frames[len(f.panel.frames)-1])

	phase, _ = f.loop.Step(context.Background())
	assert.Equal(t, PartialTick, phase, "requests are coalesced")
}

func TestRunStopsOnFault(t *testing.T) {
	f := newFixture(t, Opts{})
	require.NoError(t, f.loop.Start())

	fault := &epd.FaultError{Op: "partial tick", Attempts: 3, Err: epd.ErrBusyTimeout}
	f.panel.failDo = fault
	// Start inside Run fails first; check the loop surfaces the fault.
	err := f.loop.Run(context.Background())
	require.Error(t, err)
	var got *epd.FaultError
	assert.True(t, errors.As(err, &got))
}

func TestRunStopsOnTickFault(t *testing.T) {
	f := newFixture(t, Opts{})
	fault := &epd.FaultError{Op: "partial tick", Attempts: 3, Err: epd.ErrBusyTimeout}
	f.panel.failDo = fault
	f.panel.failOp = "partial tick"

	err := f.loop.Run(context.Background())
	require.Error(t, err)
	var got *epd.FaultError
	require.True(t, errors.As(err, &got))
	assert.Equal(t, "partial tick", got.Op)
	assert.Equal(t, []string{"init:full", "clear:ff", "base", "init:partial"}, f.panel.take())
	assert.Equal(t, fault.Error(), f.loop.Status().LastError)
}

func TestFailedRedrawKeepsPreviousFrame(t *testing.T) {
	f := newFixture(t, Opts{})
	require.NoError(t, f.loop.Start())

	require.True(t, f.inbox.Offer(`{"dates":[{"startTime":"09:00","summary":"Standup","startingSoon":false,"startSecsFromMidnight":32400}]}`))
	_, err := f.loop.Step(context.Background())
	require.NoError(t, err)
	shown := f.loop.canvas.Clone()
	f.panel.take()

	f.panel.failDo = errors.New("spi: write failed")
	require.True(t, f.inbox.Offer(`{"dates":[{"startTime":"10:00","summary":"Quarterly planning review","startingSoon":true,"startSecsFromMidnight":36000}]}`))
	phase, err := f.loop.Step(context.Background())
	require.Error(t, err)
	assert.Equal(t, FullRedraw, phase)
	assert.Equal(t, []string{"init:full"}, f.panel.take())

	assert.Equal(t, shown.Pix, f.loop.canvas.Pix)
	assert.Equal(t, 32400, f.loop.nextMeetingSecs)
	assert.Equal(t, 32400, f.loop.Status().NextMeetingSecs)
	assert.Equal(t, 1, f.loop.Status().Entries)
	require.Len(t, f.loop.lastDates, 1)
	assert.Equal(t, "Standup", f.loop.lastDates[0].Summary)

	// The next tick refreshes only the bar over the schedule that was
	// actually pushed.
	f.panel.failDo = nil
	phase, err = f.loop.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PartialTick, phase)
	assert.Equal(t, []string{"init:partial", "partial"}, f.panel.take())
	frame := f.panel.frames[len(f.panel.frames)-1]
	text := BarTop * shown.Stride
	assert.Equal(t, shown.Pix[:text], frame[:text])
	assert.Equal(t, 10, f.loop.Status().MinutesTill)
}

func TestFailedFirstRedrawTicksBlank(t *testing.T) {
	f := newFixture(t, Opts{})
	require.NoError(t, f.loop.Start())
	f.panel.take()

	f.panel.failDo = errors.New("spi: write failed")
	require.True(t, f.inbox.Offer(`{"dates":[{"startTime":"09:00","summary":"Standup","startingSoon":false,"startSecsFromMidnight":32400}]}`))
	_, err := f.loop.Step(context.Background())
	require.Error(t, err)
	assert.False(t, f.loop.haveDates)

	f.panel.failDo = nil
	_, err = f.loop.Step(context.Background())
	require.NoError(t, err)
	frame := f.panel.frames[len(f.panel.frames)-1]
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, BarTop*16), frame[:BarTop*16])
}

func TestRunContinuesAfterErrors(t *testing.T) {
	f := newFixture(t, Opts{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.True(t, f.inbox.Offer(`not json`))
	require.True(t, f.inbox.Offer(`{"dates":[]}`))

	iterations := 0
	f.loop.sleep = func(ctx context.Context, d time.Duration) error {
		iterations++
		if iterations == 3 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	require.NoError(t, f.loop.Run(ctx))
	ops := f.panel.take()
	assert.Contains(t, ops, "full")
	assert.Contains(t, ops, "partial")
	assert.Equal(t, 3, f.loop.Status().Ticks)
}

func TestWritePreview(t *testing.T) {
	f := newFixture(t, Opts{})

	var buf bytes.Buffer
	ok, err := f.loop.WritePreview(&buf)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.loop.Start())
	ok, err = f.loop.WritePreview(&buf)
	require.NoError(t, err)
	require.True(t, ok)
	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 128, img.Bounds().Dx())
}

func TestLoopWithDriver(t *testing.T) {
	opts := epd.EPD2in13
	opts.SleepSettle = 0
	null := &epd.NullTransport{}
	d, err := epd.New(null, &opts)
	require.NoError(t, err)

	inbox := message.NewInbox(1)
	clk := clock.New(nil, time.UTC)
	l := New(d, canvas.New(128, 250), clk, inbox, Opts{})
	require.NoError(t, l.Start())

	require.True(t, inbox.Offer(`{"dates":[{"startTime":"09:00","summary":"x","startingSoon":false,"startSecsFromMidnight":32400}]}`))
	_, err = l.Step(context.Background())
	require.NoError(t, err)
	_, err = l.Step(context.Background())
	require.NoError(t, err)

	assert.True(t, d.FullPushed())
	assert.Equal(t, epd.Partial, d.Mode())
	assert.Greater(t, null.Bytes, 4*4000)
}
