package model

import "time"

// Entry is one meeting as shown on the panel. Entries arrive ordered by
// start time; the first one drives the countdown bar.
type Entry struct {
	// StartTime is preformatted by the sender, usually "HH:MM".
	StartTime string `json:"startTime"`
	Summary   string `json:"summary"`

	// StartingSoon puts the start time on its own underlined row.
	StartingSoon bool `json:"startingSoon"`

	// StartSecsFromMidnight is the start offset from local midnight.
	StartSecsFromMidnight int `json:"startSecsFromMidnight"`
}

// Occurrence represents a single concrete instance of a calendar event
// (after recurrence expansion and timezone normalization).
type Occurrence struct {
	SourceID string // calendar source ID
	UID      string // iCalendar UID

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// event, derived from the local start time.
	InstanceKey string

	Summary  string
	Location string

	AllDay bool

	// Start / End are in the configured display timezone.
	Start time.Time
	End   time.Time
}
