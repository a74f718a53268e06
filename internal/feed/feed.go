// Package feed builds display messages from ICS calendars, standing in for
// an external host that would otherwise send them over the input line.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"epdagenda/internal/ics"
	appLog "epdagenda/internal/log"
	"epdagenda/internal/message"
	"epdagenda/internal/model"
)

// TimeSyncLayout formats a time the way Clock.Sync reads it.
const TimeSyncLayout = "2006 01 02 15 04 05"

// ErrInboxFull is returned by Refresh when the message could not be queued.
var ErrInboxFull = errors.New("feed: inbox full")

// Fetcher is implemented by *ics.Fetcher.
type Fetcher interface {
	FetchAll(ctx context.Context, sources []ics.Source) ([]ics.FetchResult, []error)
}

// Offerer is implemented by *message.Inbox.
type Offerer interface {
	Offer(line string) bool
}

// Options tunes a Feed.
type Options struct {
	Sources  []ics.Source
	Location *time.Location
	// StartingSoon marks meetings that start within this window.
	StartingSoon time.Duration
	MaxEntries   int
	// Now defaults to time.Now.
	Now func() time.Time
}

// Feed turns today's calendar into one message per refresh.
type Feed struct {
	fetcher Fetcher
	inbox   Offerer
	opts    Options
}

// New returns a feed. Zero options get the config defaults.
func New(fetcher Fetcher, inbox Offerer, opts Options) *Feed {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.StartingSoon <= 0 {
		opts.StartingSoon = 10 * time.Minute
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 8
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Feed{fetcher: fetcher, inbox: inbox, opts: opts}
}

// Build fetches, parses and expands every source and returns the message
// for the current moment. It fails only when no source could be read.
func (f *Feed) Build(ctx context.Context) (message.Message, error) {
	now := f.opts.Now().In(f.opts.Location)

	results, errs := f.fetcher.FetchAll(ctx, f.opts.Sources)
	if len(results) == 0 && len(errs) > 0 {
		return message.Message{}, fmt.Errorf("feed: no source available: %w", errors.Join(errs...))
	}

	var events []ics.ParsedEvent
	for _, res := range results {
		parsed, err := ics.ParseICS(res.Source, res.Body, f.opts.Location)
		if err != nil {
			appLog.Error("ics parse failed", err, "id", res.Source.ID)
			continue
		}
		events = append(events, parsed...)
	}

	occs, err := ics.ExpandOccurrences(events, ics.DayRange(now, f.opts.Location))
	if err != nil {
		return message.Message{}, fmt.Errorf("feed: %w", err)
	}
	return BuildMessage(occs, now, f.opts.StartingSoon, f.opts.MaxEntries), nil
}

// Refresh builds the current message and queues it.
func (f *Feed) Refresh(ctx context.Context) error {
	m, err := f.Build(ctx)
	if err != nil {
		return err
	}
	line, err := message.Encode(m)
	if err != nil {
		return fmt.Errorf("feed: encode: %w", err)
	}
	if !f.inbox.Offer(string(line)) {
		return ErrInboxFull
	}
	appLog.Info("feed refreshed", "entries", len(m.Dates))
	return nil
}

// BuildMessage selects the timed occurrences of the day that have not
// ended, in start order, capped at max, and stamps the message with now
// for the clock.
func BuildMessage(occs []model.Occurrence, now time.Time, soon time.Duration, max int) message.Message {
	loc := now.Location()
	ts := now.Format(TimeSyncLayout)

	sorted := append([]model.Occurrence(nil), occs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	dates := []model.Entry{}
	for _, o := range sorted {
		if len(dates) >= max {
			break
		}
		if o.AllDay || ended(o, now) {
			continue
		}
		start := o.Start.In(loc)
		summary := o.Summary
		if summary == "" {
			summary = "(no title)"
		}
		dates = append(dates, model.Entry{
			StartTime:             start.Format("15:04"),
			Summary:               summary,
			StartingSoon:          start.Sub(now) <= soon,
			StartSecsFromMidnight: secondsFromMidnight(start),
		})
	}

	return message.Message{TimeSync: &ts, HasDates: true, Dates: dates}
}

func ended(o model.Occurrence, now time.Time) bool {
	if o.End.After(o.Start) {
		return !o.End.After(now)
	}
	return o.Start.Before(now)
}

func secondsFromMidnight(t time.Time) int {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return int(t.Unix() - midnight.Unix())
}
