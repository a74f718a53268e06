package ics

import (
	"bytes"
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "epdagenda/internal/log"
)

// ParsedEvent is one VEVENT with its recurrence data still unexpanded.
type ParsedEvent struct {
	Source Source

	UID      string
	Summary  string
	Location string

	Start  time.Time
	End    time.Time
	AllDay bool

	// Cancelled is set for STATUS:CANCELLED; a cancelled override removes
	// its instance from the series.
	Cancelled bool

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID, set on overrides only
}

// IsOverride reports whether ev replaces a single instance of a series.
func (ev ParsedEvent) IsOverride() bool { return ev.Recurrence != nil }

// ParseICS parses a single ICS payload. Events that cannot be parsed are
// logged and skipped. Floating times (no TZID, no Z) are read in loc.
func ParseICS(src Source, body []byte, loc *time.Location) ([]ParsedEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var events []ParsedEvent
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(src, comp, loc)
		if perr != nil {
			appLog.Warn("ics vevent skipped", "err", perr, "id", src.ID)
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "id", src.ID, "event_count", len(events))
	return events, nil
}

func parseVEvent(src Source, ve *ical.VEvent, loc *time.Location) (ParsedEvent, error) {
	out := ParsedEvent{Source: src}

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uid.Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = strings.TrimSpace(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if p := ve.GetProperty("STATUS"); p != nil {
		out.Cancelled = strings.EqualFold(strings.TrimSpace(p.Value), "CANCELLED")
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	out.AllDay = isDateValue(dtStart)

	start, err := propertyTime(dtStart, loc)
	if err != nil {
		return out, err
	}
	out.Start = start

	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
		if end, err := propertyTime(dtEnd, loc); err == nil {
			out.End = end
		}
	}
	if out.End.IsZero() || out.End.Before(out.Start) {
		if out.AllDay {
			out.End = out.Start.AddDate(0, 0, 1)
		} else {
			out.End = out.Start
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}

	// EXDATE may repeat and may hold a comma separated list.
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		exLoc := paramLocation(p, loc)
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(part, exLoc); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if rid := ve.GetProperty("RECURRENCE-ID"); rid != nil {
		if t, err := propertyTime(rid, loc); err == nil {
			out.Recurrence = &t
		}
	}

	return out, nil
}

func isDateValue(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

// paramLocation resolves the TZID parameter of p, falling back to def.
func paramLocation(p *ical.IANAProperty, def *time.Location) *time.Location {
	tzs, ok := p.ICalParameters["TZID"]
	if !ok || len(tzs) == 0 {
		return def
	}
	loc, err := time.LoadLocation(strings.Trim(tzs[0], `"`))
	if err != nil {
		return def
	}
	return loc
}

func propertyTime(p *ical.IANAProperty, def *time.Location) (time.Time, error) {
	return parseICSTime(p.Value, paramLocation(p, def))
}

// parseICSTime parses the DATE, DATE-TIME and UTC DATE-TIME forms.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
