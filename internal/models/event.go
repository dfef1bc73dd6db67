package models

import "time"

// RawEvent is one event exactly as a provider reported it, before
// normalization. Timestamps are kept as strings because providers disagree
// on granularity: date-times arrive as RFC 3339, all-day events as a bare
// "2006-01-02" date. The normalizer is the only consumer.
type RawEvent struct {
	ID          string // provider event id, unique per calendar
	Summary     string // display title
	Description string
	Location    string
	Start       string // RFC 3339 date-time, or date for all-day
	End         string // exclusive for all-day events
	Updated     string // RFC 3339 last-modified timestamp
	EventType   string // provider event class (e.g. "fromGmail")
	Visibility  string
	Private     map[string]string // private metadata persisted on the event
}

// EventRecord is the canonical representation of one event as seen on one
// calendar. All downstream components operate on this type only.
type EventRecord struct {
	CalendarID  string // the synchronized calendar it was read from
	ProviderID  string // opaque id on that calendar
	Title       string
	Description string
	Location    string
	StartsAt    time.Time
	EndsAt      time.Time
	AllDay      bool
	UpdatedAt   time.Time // authoritative for conflict resolution
	EventType   string
	Visibility  string // provider visibility; empty means the provider default
	IsMirror    bool   // true when metadata marks it a copy made by us
	ChainID     string // shared by all records of one logical event
	Origin      string // calendar recorded as authoritative for the chain
}

// Chain is the set of records, at most one per calendar, that represent one
// logical event across all synchronized calendars.
type Chain struct {
	ID      string
	Origin  string // authoritative calendar per the chain's metadata
	Records []EventRecord
}

// RecordOn returns the chain's record on the given calendar, or nil.
func (c *Chain) RecordOn(calendarID string) *EventRecord {
	for i := range c.Records {
		if c.Records[i].CalendarID == calendarID {
			return &c.Records[i]
		}
	}
	return nil
}

// Window is the reconciliation time window a pass operates on.
type Window struct {
	Start time.Time
	End   time.Time
}

// EventContent is the payload of a create or update directive: everything a
// provider needs to write one mirror.
type EventContent struct {
	Title       string
	Description string
	Location    string
	StartsAt    time.Time
	EndsAt      time.Time
	AllDay      bool
	Visibility  string
	Metadata    map[string]string
}

// Op enumerates the directives a reconciliation plan can contain.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	// OpTag persists freshly minted chain metadata on an origin event
	// without touching its content.
	OpTag  Op = "tag"
	OpSkip Op = "skip"
)

// Action is one per-calendar, per-chain directive. A plan holds at most one
// action per (calendar, chain) pair.
type Action struct {
	Op         Op
	CalendarID string
	ChainID    string
	EventID    string            // provider event id, set for update/tag/delete
	Content    *EventContent     // set for create/update
	Metadata   map[string]string // set for tag
	Reason     string            // set for skip
}

// Summary counts what a pass did, for cron log inspection.
type Summary struct {
	Created   int
	Updated   int
	Deleted   int
	Tagged    int
	Skipped   int
	Failed    int
	Malformed int
}
