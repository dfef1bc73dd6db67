package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// CalendarConfig describes one synchronized calendar.
type CalendarConfig struct {
	// Name is the internal identifier for this calendar. It is also what
	// mirror metadata records as the origin, so renaming a calendar orphans
	// its existing chains.
	Name string `yaml:"name"`

	// Provider selects the backend: "google" or "caldav".
	Provider string `yaml:"provider"`

	// CalendarID is the provider-side calendar identifier (e.g. the Google
	// calendar id, or the CalDAV calendar display name).
	CalendarID string `yaml:"calendar_id"`

	// Account selects the Google token file (token-<account>.json) used for
	// this calendar. Ignored by the caldav provider.
	Account string `yaml:"account"`

	// Tag is the short label rendered into mirror titles as "[TAG] ".
	// Defaults to the uppercased Name.
	Tag string `yaml:"tag"`

	// Targets lists the calendars that receive mirrors of this calendar's
	// events. Defaults to every other configured calendar.
	Targets []string `yaml:"targets"`

	// CopyVisibility overrides the global default visibility for mirrors
	// created on this calendar.
	CopyVisibility string `yaml:"copy_visibility"`
}

// Config is the top-level configuration loaded from config.yaml.
type Config struct {
	Calendars []CalendarConfig `yaml:"calendars"`

	// WindowDaysPast / WindowDaysFuture bound the reconciliation window
	// around "now".
	WindowDaysPast   int `yaml:"window_days_past"`
	WindowDaysFuture int `yaml:"window_days_future"`

	// IgnoreIfSummaryContains lists keywords that exclude an event from
	// propagation (case-insensitive substring match).
	IgnoreIfSummaryContains []string `yaml:"ignore_if_summary_contains"`

	// IgnoreEventTypes lists provider event types that are never
	// propagated (e.g. "fromGmail").
	IgnoreEventTypes []string `yaml:"ignore_event_types"`

	// SkipIfTitleHasKnownPrefix rejects events whose title already starts
	// with another calendar's origin prefix, so a mirror that lost its
	// metadata is never relayed again. Defaults to true.
	SkipIfTitleHasKnownPrefix *bool `yaml:"skip_if_title_has_known_prefix"`

	// PrefixOriginInTitle renders "[TAG] " into mirror titles.
	// Defaults to true.
	PrefixOriginInTitle *bool `yaml:"prefix_origin_in_title"`

	// PreferOriginOnTie keeps the current origin authoritative when two
	// records share the same update timestamp. Defaults to true.
	PreferOriginOnTie *bool `yaml:"prefer_origin_on_tie"`

	// SyncDelete propagates deletion of an origin to its mirrors.
	// Defaults to true.
	SyncDelete *bool `yaml:"sync_delete"`

	// SyncTagInDescription, when set, is appended once to every mirror's
	// description.
	SyncTagInDescription string `yaml:"sync_tag_in_description"`

	// DefaultCopyVisibility is the visibility applied to mirrors unless a
	// calendar overrides it. Defaults to "private".
	DefaultCopyVisibility string `yaml:"default_copy_visibility"`
}

var validVisibilities = map[string]bool{
	"default": true, "private": true, "public": true, "confidential": true,
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.WindowDaysPast <= 0 {
		c.WindowDaysPast = 30
	}
	if c.WindowDaysFuture <= 0 {
		c.WindowDaysFuture = 365
	}
	if c.SkipIfTitleHasKnownPrefix == nil {
		c.SkipIfTitleHasKnownPrefix = boolPtr(true)
	}
	if c.PrefixOriginInTitle == nil {
		c.PrefixOriginInTitle = boolPtr(true)
	}
	if c.PreferOriginOnTie == nil {
		c.PreferOriginOnTie = boolPtr(true)
	}
	if c.SyncDelete == nil {
		c.SyncDelete = boolPtr(true)
	}
	if c.DefaultCopyVisibility == "" {
		c.DefaultCopyVisibility = "private"
	}

	names := make([]string, 0, len(c.Calendars))
	for _, cal := range c.Calendars {
		names = append(names, cal.Name)
	}
	for i := range c.Calendars {
		cal := &c.Calendars[i]
		if cal.Provider == "" {
			cal.Provider = "google"
		}
		if cal.Tag == "" {
			cal.Tag = strings.ToUpper(cal.Name)
		}
		if len(cal.Targets) == 0 {
			for _, n := range names {
				if n != cal.Name {
					cal.Targets = append(cal.Targets, n)
				}
			}
		}
	}
}

func (c *Config) validate() error {
	if len(c.Calendars) < 2 {
		return fmt.Errorf("config needs at least 2 calendars, got %d", len(c.Calendars))
	}

	seen := make(map[string]bool)
	for _, cal := range c.Calendars {
		if cal.Name == "" {
			return fmt.Errorf("calendar with empty name")
		}
		if seen[cal.Name] {
			return fmt.Errorf("duplicate calendar name %q", cal.Name)
		}
		seen[cal.Name] = true

		if cal.Provider != "google" && cal.Provider != "caldav" {
			return fmt.Errorf("calendar %q: unknown provider %q", cal.Name, cal.Provider)
		}
		if cal.CalendarID == "" {
			return fmt.Errorf("calendar %q: calendar_id is required", cal.Name)
		}
		if cal.CopyVisibility != "" && !validVisibilities[cal.CopyVisibility] {
			return fmt.Errorf("calendar %q: invalid copy_visibility %q", cal.Name, cal.CopyVisibility)
		}
	}

	for _, cal := range c.Calendars {
		for _, target := range cal.Targets {
			if !seen[target] {
				return fmt.Errorf("calendar %q: unknown target %q", cal.Name, target)
			}
			if target == cal.Name {
				return fmt.Errorf("calendar %q: cannot target itself", cal.Name)
			}
		}
	}

	if !validVisibilities[c.DefaultCopyVisibility] {
		return fmt.Errorf("invalid default_copy_visibility %q", c.DefaultCopyVisibility)
	}
	return nil
}

// CopyVisibilityFor resolves the visibility mirrors get on the named
// calendar: per-calendar override first, then the global default.
func (c *Config) CopyVisibilityFor(name string) string {
	for _, cal := range c.Calendars {
		if cal.Name == name && cal.CopyVisibility != "" {
			return cal.CopyVisibility
		}
	}
	return c.DefaultCopyVisibility
}

func boolPtr(b bool) *bool { return &b }
