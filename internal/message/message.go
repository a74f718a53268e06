// Package message decodes the line-delimited JSON messages that carry
// clock syncs and schedules to the display.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"epdagenda/internal/model"
)

var (
	// ErrMalformed is returned for a line that is not a message at all.
	ErrMalformed = errors.New("message: malformed message")
	// ErrMalformedEntry marks a schedule entry that was dropped.
	ErrMalformedEntry = errors.New("message: malformed schedule entry")
)

// Message is one decoded line. Either part may be absent.
type Message struct {
	// TimeSync is "YYYY MM DD HH MM SS" when present.
	TimeSync *string

	// HasDates distinguishes an empty schedule from no schedule.
	HasDates bool
	Dates    []model.Entry

	// Dropped holds one ErrMalformedEntry error per entry left out of Dates.
	Dropped []error
}

type wireMessage struct {
	TimeSync *string           `json:"timeSync,omitempty"`
	Dates    *[]json.RawMessage `json:"dates,omitempty"`
}

// wireEntry uses pointers so missing fields can be told from zero values.
type wireEntry struct {
	StartTime             *string  `json:"startTime"`
	Summary               *string  `json:"summary"`
	StartingSoon          *bool    `json:"startingSoon"`
	StartSecsFromMidnight *float64 `json:"startSecsFromMidnight"`
}

// Parse decodes one line. Unknown fields are ignored. A bad entry is
// reported in Dropped and does not fail the message.
func Parse(line string) (Message, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Message{}, fmt.Errorf("%w: empty line", ErrMalformed)
	}

	var w wireMessage
	if err := json.Unmarshal([]byte(line), &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	m := Message{TimeSync: w.TimeSync}
	if w.Dates == nil {
		return m, nil
	}

	m.HasDates = true
	m.Dates = make([]model.Entry, 0, len(*w.Dates))
	for i, raw := range *w.Dates {
		e, err := parseEntry(raw)
		if err != nil {
			m.Dropped = append(m.Dropped, fmt.Errorf("%w: entry %d: %v", ErrMalformedEntry, i, err))
			continue
		}
		m.Dates = append(m.Dates, e)
	}
	return m, nil
}

func parseEntry(raw json.RawMessage) (model.Entry, error) {
	var w wireEntry
	if err := json.Unmarshal(raw, &w); err != nil {
		return model.Entry{}, err
	}

	var missing []string
	if w.StartTime == nil {
		missing = append(missing, "startTime")
	}
	if w.Summary == nil {
		missing = append(missing, "summary")
	}
	if w.StartingSoon == nil {
		missing = append(missing, "startingSoon")
	}
	if w.StartSecsFromMidnight == nil {
		missing = append(missing, "startSecsFromMidnight")
	}
	if len(missing) > 0 {
		return model.Entry{}, fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}

	return model.Entry{
		StartTime:             *w.StartTime,
		Summary:               *w.Summary,
		StartingSoon:          *w.StartingSoon,
		StartSecsFromMidnight: int(*w.StartSecsFromMidnight),
	}, nil
}

// Encode renders m as a single line without the trailing newline. Dropped
// entries are not encoded.
func Encode(m Message) ([]byte, error) {
	type out struct {
		TimeSync *string        `json:"timeSync,omitempty"`
		Dates    *[]model.Entry `json:"dates,omitempty"`
	}
	o := out{TimeSync: m.TimeSync}
	if m.HasDates {
		dates := m.Dates
		if dates == nil {
			dates = []model.Entry{}
		}
		o.Dates = &dates
	}
	return json.Marshal(o)
}
