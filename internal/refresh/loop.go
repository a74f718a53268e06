// Package refresh runs the display state machine: a full redraw for every
// schedule message and a partial countdown tick otherwise.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"periph.io/x/devices/v3/ssd1306/image1bit"

	"epdagenda/internal/canvas"
	"epdagenda/internal/clock"
	"epdagenda/internal/epd"
	"epdagenda/internal/layout"
	appLog "epdagenda/internal/log"
	"epdagenda/internal/message"
	"epdagenda/internal/model"
)

// Countdown bar geometry.
const (
	BarTop      = 242
	BarHeight   = 10
	BarMaxWidth = 82
	ClockX      = 82
)

// Panel is the part of *epd.Driver the loop drives.
type Panel interface {
	Do(op string, mode epd.Mode, fn func() error) error
	PushFull(buf []byte) error
	PushPartial(buf []byte) error
	PushBase(buf []byte) error
	Clear(fill byte) error
	Sleep() error
	FullPushed() bool
}

// Phase is the state an iteration ran in.
type Phase int

const (
	PartialTick Phase = iota
	FullRedraw
)

func (p Phase) String() string {
	if p == FullRedraw {
		return "full-redraw"
	}
	return "partial-tick"
}

// Opts configures a Loop.
type Opts struct {
	// Tick is the pause after every partial tick.
	Tick time.Duration
	// ClearPasses is the number of white/black conditioning passes run by
	// Start.
	ClearPasses int
	// OnRedraw, if set, is called with the canvas after every full redraw.
	OnRedraw func(c *canvas.Canvas)
}

// Status is a snapshot for observers on other goroutines.
type Status struct {
	Phase           string    `json:"phase"`
	Clock           time.Time `json:"clock"`
	ClockOffset     string    `json:"clockOffset"`
	NextMeetingSecs int       `json:"nextMeetingSecs"`
	MinutesTill     int       `json:"minutesTill"`
	BarWidth        int       `json:"barWidth"`
	Entries         int       `json:"entries"`
	DroppedEntries  int       `json:"droppedEntries"`
	DroppedRows     int       `json:"droppedRows"`
	LastRedraw      time.Time `json:"lastRedraw,omitempty"`
	Ticks           int       `json:"ticks"`
	LastError       string    `json:"lastError,omitempty"`
}

// Loop owns the panel, the canvas, the clock and the next meeting time.
// Only Run (or Step) touches them; other goroutines talk to it through the
// inbox, RequestRedraw, Status and WritePreview.
type Loop struct {
	panel  Panel
	canvas *canvas.Canvas
	clock  *clock.Clock
	inbox  *message.Inbox
	opts   Opts

	nextMeetingSecs int
	lastDates       []model.Entry
	haveDates       bool

	redraw chan struct{}

	// sleep waits between ticks; swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	status  Status
	preview *canvas.Canvas
}

// New wires a loop. The canvas must match the panel's frame size.
func New(panel Panel, c *canvas.Canvas, clk *clock.Clock, inbox *message.Inbox, opts Opts) *Loop {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	return &Loop{
		panel:  panel,
		canvas: c,
		clock:  clk,
		inbox:  inbox,
		opts:   opts,
		redraw: make(chan struct{}, 1),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Countdown is the bar state for one tick.
type Countdown struct {
	Minutes  int
	BarWidth int
}

// ComputeCountdown returns whole minutes until next, capped at 60 and
// floored at 0 for meetings that already started, and the matching bar
// width out of BarMaxWidth.
func ComputeCountdown(next, now int) Countdown {
	m := min((next-now)/60, 60)
	if m < 0 {
		m = 0
	}
	return Countdown{Minutes: m, BarWidth: BarMaxWidth * m / 60}
}

// Start conditions the panel and pushes a white base frame so that
// partial ticks have something to diff against.
func (l *Loop) Start() error {
	for i := 0; i < l.opts.ClearPasses; i++ {
		err := l.panel.Do("clear pass", epd.Full, func() error {
			if err := l.flash(image1bit.On, 0xFF); err != nil {
				return err
			}
			return l.flash(image1bit.Off, 0x00)
		})
		if err != nil {
			return err
		}
		appLog.Debug("clear pass done", "pass", i+1, "of", l.opts.ClearPasses)
	}

	l.canvas.Fill(image1bit.On)
	err := l.panel.Do("start", epd.Full, func() error {
		if err := l.panel.Clear(0xFF); err != nil {
			return err
		}
		return l.panel.PushBase(l.canvas.Bytes())
	})
	if err != nil {
		return err
	}
	l.snapshot(func(s *Status) {})
	return nil
}

func (l *Loop) flash(b image1bit.Bit, fill byte) error {
	if err := l.panel.Clear(fill); err != nil {
		return err
	}
	l.canvas.Fill(b)
	return l.panel.PushFull(l.canvas.Bytes())
}

// RequestRedraw asks for the last schedule to be redrawn with a full
// update, clearing partial update residue. It never blocks.
func (l *Loop) RequestRedraw() {
	select {
	case l.redraw <- struct{}{}:
	default:
	}
}

// Step runs one iteration: a pending message or redraw request leads to a
// full redraw, otherwise a partial tick runs. It does not sleep.
func (l *Loop) Step(ctx context.Context) (Phase, error) {
	if err := ctx.Err(); err != nil {
		return PartialTick, err
	}
	if line, ok := l.inbox.Poll(); ok {
		return FullRedraw, l.handle(line)
	}
	select {
	case <-l.redraw:
		if l.haveDates {
			appLog.Info("redrawing last schedule", "entries", len(l.lastDates))
			return FullRedraw, l.render(l.lastDates, 0)
		}
	default:
	}
	return PartialTick, l.tick()
}

// Run starts the panel and iterates until ctx is cancelled. Only a panel
// fault ends it early; other errors are logged and the previous image
// stays up.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.Start(); err != nil {
		return fmt.Errorf("refresh: start: %w", err)
	}
	appLog.Info("refresh loop started", "tick", l.opts.Tick)

	for {
		phase, err := l.Step(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			var fault *epd.FaultError
			if errors.As(err, &fault) {
				l.snapshot(func(s *Status) { s.LastError = err.Error() })
				return fmt.Errorf("refresh: %w", err)
			}
			appLog.Error("refresh iteration failed", err, "phase", phase)
			l.snapshot(func(s *Status) { s.LastError = err.Error() })
		}
		if phase == PartialTick {
			if err := l.sleep(ctx, l.opts.Tick); err != nil {
				return nil
			}
		}
	}
}

func (l *Loop) handle(line string) error {
	m, err := message.Parse(line)
	if err != nil {
		return err
	}
	for _, d := range m.Dropped {
		appLog.Warn("dropping schedule entry", "err", d)
	}

	if m.TimeSync != nil {
		if err := l.clock.Sync(*m.TimeSync); err != nil {
			appLog.Error("clock sync failed", err)
		} else {
			appLog.Info("clock synced", "now", l.clock.Now(), "offset", l.clock.Offset())
		}
	}

	if !m.HasDates {
		l.snapshot(func(s *Status) {})
		return nil
	}
	return l.render(m.Dates, len(m.Dropped))
}

// render lays entries out on a scratch frame and pushes it with a full
// update. The canvas, the next meeting and the last schedule only change
// once the push succeeded, so a failed redraw leaves the previous frame
// for the partial ticks.
func (l *Loop) render(entries []model.Entry, dropped int) error {
	b := l.canvas.Bounds()
	frame := canvas.New(b.Dx(), b.Dy())
	rows := layout.Paginate(entries)
	drawn := layout.Render(frame, layout.NewCursor(0), rows, BarTop)
	if drawn < len(rows) {
		appLog.Warn("schedule does not fit", "rows", len(rows), "drawn", drawn)
	}

	err := l.panel.Do("full redraw", epd.Full, func() error {
		if err := l.panel.Clear(0xFF); err != nil {
			return err
		}
		return l.panel.PushFull(frame.Bytes())
	})
	if err != nil {
		return err
	}

	copy(l.canvas.Pix, frame.Pix)
	if len(entries) > 0 {
		l.nextMeetingSecs = entries[0].StartSecsFromMidnight
	}
	l.lastDates = entries
	l.haveDates = true

	if err := l.panel.Sleep(); err != nil {
		return err
	}

	appLog.Info("schedule redrawn", "entries", len(entries), "rows", drawn, "next_meeting_secs", l.nextMeetingSecs)
	if l.opts.OnRedraw != nil {
		l.opts.OnRedraw(l.canvas)
	}
	l.snapshot(func(s *Status) {
		s.Phase = FullRedraw.String()
		s.Entries = len(entries)
		s.DroppedEntries = dropped
		s.DroppedRows = len(rows) - drawn
		s.LastRedraw = l.clock.Now()
		s.LastError = ""
	})
	return nil
}

func (l *Loop) tick() error {
	if !l.panel.FullPushed() {
		return nil
	}

	cd := ComputeCountdown(l.nextMeetingSecs, l.clock.SecondsFromMidnight())
	w := l.canvas.Bounds().Dx()
	l.canvas.FillRect(0, BarTop, w, BarHeight, image1bit.On)
	l.canvas.FillRect(0, BarTop, cd.BarWidth, BarHeight, image1bit.Off)
	l.canvas.Text(l.clock.HoursMinutes(), ClockX, BarTop, image1bit.Off)

	err := l.panel.Do("partial tick", epd.Partial, func() error {
		return l.panel.PushPartial(l.canvas.Bytes())
	})
	if err != nil {
		return err
	}
	l.snapshot(func(s *Status) {
		s.Phase = PartialTick.String()
		s.MinutesTill = cd.Minutes
		s.BarWidth = cd.BarWidth
		s.Ticks++
	})
	return nil
}

// snapshot refreshes the shared status and preview. It runs on the loop
// goroutine only.
func (l *Loop) snapshot(update func(s *Status)) {
	preview := l.canvas.Clone()
	l.mu.Lock()
	defer l.mu.Unlock()
	update(&l.status)
	l.status.Clock = l.clock.Now()
	l.status.ClockOffset = l.clock.Offset().String()
	l.status.NextMeetingSecs = l.nextMeetingSecs
	l.preview = preview
}

// Status returns the latest snapshot.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// WritePreview encodes the last pushed frame as PNG. It reports false when
// nothing has been drawn yet.
func (l *Loop) WritePreview(w io.Writer) (bool, error) {
	l.mu.Lock()
	p := l.preview
	l.mu.Unlock()
	if p == nil {
		return false, nil
	}
	return true, p.PNG(w)
}
