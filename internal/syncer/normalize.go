package syncer

import (
	"fmt"
	"strings"
	"time"

	"trisync/internal/models"
)

// Private metadata keys persisted on every mirror. This schema is the wire
// contract between reconciliation passes: changing a key breaks loop
// detection for every mirror already created.
const (
	MetaMarker  = "trisync"
	MetaChainID = "trisync_chain_id"
	MetaOrigin  = "trisync_origin"
)

const dateOnly = "2006-01-02"

// Normalize converts a raw provider event into the canonical record for the
// named calendar. It returns nil and an error when the event is missing
// required fields; malformed events are reported by the caller, never fatal.
//
// All-day events get a synthetic midnight-UTC timestamp for both ends of the
// window (the end date stays exclusive, as providers report it), so equality
// and ordering are well-defined across granularities.
func Normalize(raw models.RawEvent, calendarID string) (*models.EventRecord, error) {
	if raw.ID == "" {
		return nil, fmt.Errorf("event without id")
	}
	if raw.Start == "" || raw.End == "" {
		return nil, fmt.Errorf("event %s: missing start or end", raw.ID)
	}

	starts, allDay, err := parseEventTime(raw.Start)
	if err != nil {
		return nil, fmt.Errorf("event %s: bad start: %w", raw.ID, err)
	}
	ends, _, err := parseEventTime(raw.End)
	if err != nil {
		return nil, fmt.Errorf("event %s: bad end: %w", raw.ID, err)
	}

	// A missing updated timestamp sorts before everything instead of
	// rejecting the event, so a provider quirk cannot hide an origin.
	var updated time.Time
	if raw.Updated != "" {
		updated, err = time.Parse(time.RFC3339, raw.Updated)
		if err != nil {
			return nil, fmt.Errorf("event %s: bad updated: %w", raw.ID, err)
		}
	}

	rec := &models.EventRecord{
		CalendarID:  calendarID,
		ProviderID:  raw.ID,
		Title:       raw.Summary,
		Description: raw.Description,
		Location:    raw.Location,
		StartsAt:    starts.UTC(),
		EndsAt:      ends.UTC(),
		AllDay:      allDay,
		UpdatedAt:   updated.UTC(),
		EventType:   raw.EventType,
		Visibility:  raw.Visibility,
	}

	if raw.Private[MetaMarker] == "1" && raw.Private[MetaChainID] != "" {
		rec.ChainID = raw.Private[MetaChainID]
		rec.Origin = raw.Private[MetaOrigin]
		// The origin event itself carries the same metadata as its
		// mirrors; only copies on other calendars count as mirrors.
		rec.IsMirror = rec.Origin != calendarID
	}

	return rec, nil
}

func parseEventTime(s string) (t time.Time, allDay bool, err error) {
	if len(s) == len(dateOnly) {
		t, err = time.Parse(dateOnly, s)
		return t, true, err
	}
	t, err = time.Parse(time.RFC3339, s)
	return t, false, err
}

// RenderTitle prepends the origin tag to a title, never double-applying it.
func RenderTitle(tag, title string) string {
	prefix := "[" + tag + "] "
	if strings.HasPrefix(title, prefix) {
		return title
	}
	return prefix + title
}

// StripKnownPrefix removes a leading origin prefix when it matches one of
// the configured tags. Used when re-rendering a mirror's title under a new
// origin, and for events that lost their metadata.
func StripKnownPrefix(title string, tags []string) string {
	for _, tag := range tags {
		prefix := "[" + tag + "] "
		if strings.HasPrefix(title, prefix) {
			return strings.TrimPrefix(title, prefix)
		}
	}
	return title
}
