package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "epdagenda/internal/log"
	"epdagenda/internal/model"
)

const defaultMaxOccurrencesPerEvent = 500

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// DisplayLocation is the zone occurrences are converted to; nil means
	// time.Local.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd bound the occurrences that are returned. An
	// occurrence is kept when it overlaps the range.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps a single series.
	MaxOccurrencesPerEvent int
}

// DayRange returns the config for the calendar day containing t in loc.
func DayRange(t time.Time, loc *time.Location) ExpandConfig {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return ExpandConfig{
		DisplayLocation: loc,
		RangeStart:      start,
		RangeEnd:        start.AddDate(0, 0, 1),
	}
}

// ExpandOccurrences turns parsed events into concrete occurrences sorted
// by start. It handles single events, RRULE series with EXDATE, and
// RECURRENCE-ID overrides, including cancelled ones.
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) ([]model.Occurrence, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	bases := make(map[string][]ParsedEvent)
	overrides := make(map[string][]ParsedEvent)
	var uids []string
	for _, ev := range events {
		if ev.IsOverride() {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		if _, seen := bases[ev.UID]; !seen {
			uids = append(uids, ev.UID)
		}
		bases[ev.UID] = append(bases[ev.UID], ev)
	}

	var out []model.Occurrence
	for _, uid := range uids {
		for _, ev := range bases[uid] {
			if ev.Cancelled {
				continue
			}
			if ev.RawRRule == "" {
				out = appendInstance(out, ev, ev.Start, overrides[uid], cfg)
				continue
			}
			out = append(out, expandSeries(ev, overrides[uid], cfg)...)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].Summary < out[j].Summary
	})
	return out, nil
}

func expandSeries(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) []model.Occurrence {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// Widen the lower bound by the event length so instances that started
	// before the range but are still running are found.
	dur := ev.End.Sub(ev.Start)
	from := cfg.RangeStart.Add(-dur).In(ev.Start.Location())
	to := cfg.RangeEnd.In(ev.Start.Location())

	starts := set.Between(from, to, true)
	if len(starts) > cfg.MaxOccurrencesPerEvent {
		appLog.Warn("expand: series truncated", "uid", ev.UID, "cap", cfg.MaxOccurrencesPerEvent)
		starts = starts[:cfg.MaxOccurrencesPerEvent]
	}

	var out []model.Occurrence
	for _, s := range starts {
		out = appendInstance(out, ev, s, overrides, cfg)
	}
	return out
}

// appendInstance adds the instance of ev starting at start, replaced by a
// matching override if there is one.
func appendInstance(out []model.Occurrence, ev ParsedEvent, start time.Time, overrides []ParsedEvent, cfg ExpandConfig) []model.Occurrence {
	end := start.Add(ev.End.Sub(ev.Start))
	if o, ok := findOverride(overrides, start); ok {
		if o.Cancelled {
			return out
		}
		ev, start, end = o, o.Start, o.End
	}
	if !overlaps(start, end, cfg.RangeStart, cfg.RangeEnd) {
		return out
	}

	startLocal := start.In(cfg.DisplayLocation)
	return append(out, model.Occurrence{
		SourceID:    ev.Source.ID,
		UID:         ev.UID,
		InstanceKey: startLocal.Format(time.RFC3339),
		Summary:     ev.Summary,
		Location:    ev.Location,
		AllDay:      ev.AllDay,
		Start:       startLocal,
		End:         end.In(cfg.DisplayLocation),
	})
}

func findOverride(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, o := range overrides {
		if o.Recurrence != nil && o.Recurrence.Equal(start) {
			return o, true
		}
	}
	return ParsedEvent{}, false
}

// overlaps treats zero-length events as points inside [rs, re).
func overlaps(s, e, rs, re time.Time) bool {
	if e.Equal(s) {
		return !s.Before(rs) && s.Before(re)
	}
	return s.Before(re) && e.After(rs)
}
