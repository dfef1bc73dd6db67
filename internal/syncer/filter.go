package syncer

import (
	"fmt"
	"strings"

	"trisync/internal/models"
)

// FilterPolicy decides whether a source event is eligible for propagation at
// all. It is a pure predicate over normalized records.
type FilterPolicy struct {
	keywords        []string          // lowercased forbidden substrings
	tags            map[string]string // calendar id -> origin tag
	skipKnownPrefix bool
	ignoreTypes     map[string]bool
}

// NewFilterPolicy builds the policy from configuration. tags maps every
// synchronized calendar to its origin prefix tag.
func NewFilterPolicy(keywords []string, tags map[string]string, skipKnownPrefix bool, ignoreTypes []string) *FilterPolicy {
	f := &FilterPolicy{
		tags:            tags,
		skipKnownPrefix: skipKnownPrefix,
		ignoreTypes:     make(map[string]bool, len(ignoreTypes)),
	}
	for _, kw := range keywords {
		if kw != "" {
			f.keywords = append(f.keywords, strings.ToLower(kw))
		}
	}
	for _, t := range ignoreTypes {
		if t != "" {
			f.ignoreTypes[t] = true
		}
	}
	return f
}

// Eligible reports whether rec may seed propagation, with a reason when it
// may not. Rules are evaluated in order; first match wins.
func (f *FilterPolicy) Eligible(rec *models.EventRecord) (bool, string) {
	if rec.IsMirror {
		return false, "mirror"
	}

	title := strings.ToLower(rec.Title)
	for _, kw := range f.keywords {
		if strings.Contains(title, kw) {
			return false, fmt.Sprintf("title contains forbidden keyword %q", kw)
		}
	}

	if f.skipKnownPrefix {
		for cal, tag := range f.tags {
			if cal == rec.CalendarID {
				continue
			}
			if strings.HasPrefix(rec.Title, "["+tag+"] ") {
				return false, fmt.Sprintf("title carries foreign origin prefix [%s]", tag)
			}
		}
	}

	if f.ignoreTypes[rec.EventType] {
		return false, fmt.Sprintf("excluded event type %q", rec.EventType)
	}

	return true, ""
}
