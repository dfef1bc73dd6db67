package caldav

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"trisync/internal/models"
)

const (
	dateOnly       = "2006-01-02"
	icalDateLayout = "20060102"
	productID      = "-//trisync//EN"
	metaPropPrefix = "X-"
)

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "trisync/1.0")
	return t.Transport.RoundTrip(req)
}

// Client is a CalDAV-backed provider (iCloud, Fastmail, Radicale, ...). It
// implements the syncer.Provider contract; the calendarID it receives is
// the CalDAV calendar's display name. Mirror metadata travels as X-TRISYNC-*
// properties on the VEVENT.
type Client struct {
	caldavClient *caldav.Client
	webdavClient *webdav.Client
	logger       *slog.Logger

	mu    sync.Mutex
	paths map[string]string // calendar name -> collection path
}

// NewClient creates a CalDAV provider client for one server account.
func NewClient(logger *slog.Logger, endpoint, username, password string) (*Client, error) {
	transport := &customTransport{
		Username:  username,
		Password:  password,
		Transport: http.DefaultTransport,
	}
	httpClient := &http.Client{Transport: transport}

	caldavClient, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	webdavClient, err := webdav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create webdav client: %w", err)
	}

	return &Client{
		caldavClient: caldavClient,
		webdavClient: webdavClient,
		logger:       logger,
		paths:        make(map[string]string),
	}, nil
}

// ListEvents queries the calendar for VEVENTs in the window.
func (c *Client) ListEvents(ctx context.Context, calendarID string, window models.Window) ([]models.RawEvent, error) {
	calPath, err := c.calendarPath(ctx, calendarID)
	if err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: window.Start,
				End:   window.End,
			}},
		},
	}

	objects, err := c.caldavClient.QueryCalendar(ctx, calPath, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar %q: %w", calendarID, err)
	}

	var raws []models.RawEvent
	for _, obj := range objects {
		raw, ok := toRawEvent(obj)
		if !ok {
			continue
		}
		raws = append(raws, raw)
	}

	c.logger.Info("Fetched events from CalDAV calendar", "count", len(raws), "calendar", calendarID)
	return raws, nil
}

// CreateEvent puts a new .ics resource and returns its path as the provider
// event id.
func (c *Client) CreateEvent(ctx context.Context, calendarID string, content models.EventContent) (string, error) {
	calPath, err := c.calendarPath(ctx, calendarID)
	if err != nil {
		return "", err
	}

	uid := uuid.New().String()
	eventPath := path.Join(calPath, uid+".ics")

	cal := newCalendar(toVEvent(uid, content))
	if _, err := c.caldavClient.PutCalendarObject(ctx, eventPath, cal); err != nil {
		return "", fmt.Errorf("failed to put event on CalDAV server: %w", err)
	}
	return eventPath, nil
}

// UpdateEvent replaces the .ics resource at eventID with the new content,
// keeping its UID.
func (c *Client) UpdateEvent(ctx context.Context, calendarID, eventID string, content models.EventContent) error {
	uid := strings.TrimSuffix(path.Base(eventID), ".ics")
	cal := newCalendar(toVEvent(uid, content))
	if _, err := c.caldavClient.PutCalendarObject(ctx, eventID, cal); err != nil {
		return fmt.Errorf("failed to update event %s: %w", eventID, err)
	}
	return nil
}

// PatchEventMetadata rewrites the X-TRISYNC-* properties of an existing
// event. CalDAV has no partial update, so this is a fetch-modify-put.
func (c *Client) PatchEventMetadata(ctx context.Context, calendarID, eventID string, meta map[string]string) error {
	obj, err := c.caldavClient.GetCalendarObject(ctx, eventID)
	if err != nil {
		return fmt.Errorf("failed to fetch event %s: %w", eventID, err)
	}
	ve := findEvent(obj.Data)
	if ve == nil {
		return fmt.Errorf("no VEVENT in %s", eventID)
	}
	for key, value := range meta {
		ve.Props.SetText(metaPropName(key), value)
	}
	if _, err := c.caldavClient.PutCalendarObject(ctx, eventID, obj.Data); err != nil {
		return fmt.Errorf("failed to write back event %s: %w", eventID, err)
	}
	return nil
}

// DeleteEvent removes the .ics resource.
func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if err := c.webdavClient.RemoveAll(ctx, eventID); err != nil {
		return fmt.Errorf("failed to delete event %s: %w", eventID, err)
	}
	return nil
}

// calendarPath resolves and caches the collection path for a calendar name.
func (c *Client) calendarPath(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.paths[name]; ok {
		return p, nil
	}

	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}
	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}
	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if cal.Name == name {
			c.paths[name] = cal.Path
			return cal.Path, nil
		}
	}
	return "", fmt.Errorf("no calendar found with name %q", name)
}

func newCalendar(ve *ical.Component) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, ve)
	return cal
}

// toVEvent renders directive content into a VEVENT.
func toVEvent(uid string, content models.EventContent) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, content.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ve.Props.SetDateTime(ical.PropLastModified, time.Now().UTC())

	if content.AllDay {
		setDateProp(ve, ical.PropDateTimeStart, content.StartsAt)
		setDateProp(ve, ical.PropDateTimeEnd, content.EndsAt)
	} else {
		ve.Props.SetDateTime(ical.PropDateTimeStart, content.StartsAt)
		ve.Props.SetDateTime(ical.PropDateTimeEnd, content.EndsAt)
	}

	if content.Description != "" {
		ve.Props.SetText(ical.PropDescription, content.Description)
	}
	if content.Location != "" {
		ve.Props.SetText(ical.PropLocation, content.Location)
	}
	if class := visibilityToClass(content.Visibility); class != "" {
		ve.Props.SetText(ical.PropClass, class)
	}
	for key, value := range content.Metadata {
		ve.Props.SetText(metaPropName(key), value)
	}
	return ve
}

func setDateProp(ve *ical.Component, name string, t time.Time) {
	prop := ical.NewProp(name)
	prop.SetValueType(ical.ValueDate)
	prop.Value = t.Format(icalDateLayout)
	ve.Props.Set(prop)
}

// toRawEvent maps a calendar object onto the provider-neutral raw event.
// The object path serves as the provider event id.
func toRawEvent(obj caldav.CalendarObject) (models.RawEvent, bool) {
	ve := findEvent(obj.Data)
	if ve == nil {
		return models.RawEvent{}, false
	}

	raw := models.RawEvent{
		ID:      obj.Path,
		Private: make(map[string]string),
	}
	raw.Summary = textProp(ve, ical.PropSummary)
	raw.Description = textProp(ve, ical.PropDescription)
	raw.Location = textProp(ve, ical.PropLocation)
	raw.Visibility = classToVisibility(textProp(ve, ical.PropClass))

	raw.Start = formatDateProp(ve, ical.PropDateTimeStart)
	raw.End = formatDateProp(ve, ical.PropDateTimeEnd)

	if prop := ve.Props.Get(ical.PropLastModified); prop != nil {
		if t, err := prop.DateTime(time.UTC); err == nil {
			raw.Updated = t.UTC().Format(time.RFC3339)
		}
	}
	if raw.Updated == "" && !obj.ModTime.IsZero() {
		raw.Updated = obj.ModTime.UTC().Format(time.RFC3339)
	}

	for _, props := range ve.Props {
		for _, prop := range props {
			if key, ok := metaKey(prop.Name); ok {
				raw.Private[key] = prop.Value
			}
		}
	}
	return raw, true
}

func findEvent(cal *ical.Calendar) *ical.Component {
	if cal == nil {
		return nil
	}
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent {
			return child
		}
	}
	return nil
}

func textProp(ve *ical.Component, name string) string {
	prop := ve.Props.Get(name)
	if prop == nil {
		return ""
	}
	return prop.Value
}

// formatDateProp renders DTSTART/DTEND into the normalizer's string form:
// a bare date for all-day events, RFC 3339 otherwise.
func formatDateProp(ve *ical.Component, name string) string {
	prop := ve.Props.Get(name)
	if prop == nil {
		return ""
	}
	t, err := prop.DateTime(time.UTC)
	if err != nil {
		return ""
	}
	if prop.ValueType() == ical.ValueDate {
		return t.Format(dateOnly)
	}
	return t.UTC().Format(time.RFC3339)
}

// metaPropName maps a private metadata key to its X- property name:
// trisync_chain_id -> X-TRISYNC-CHAIN-ID.
func metaPropName(key string) string {
	return metaPropPrefix + strings.ToUpper(strings.ReplaceAll(key, "_", "-"))
}

// metaKey is the inverse of metaPropName, for properties we recognize.
func metaKey(propName string) (string, bool) {
	if !strings.HasPrefix(propName, metaPropPrefix+"TRISYNC") {
		return "", false
	}
	key := strings.TrimPrefix(propName, metaPropPrefix)
	return strings.ToLower(strings.ReplaceAll(key, "-", "_")), true
}

func visibilityToClass(visibility string) string {
	switch visibility {
	case "private":
		return "PRIVATE"
	case "public":
		return "PUBLIC"
	case "confidential":
		return "CONFIDENTIAL"
	}
	return ""
}

func classToVisibility(class string) string {
	switch class {
	case "PRIVATE":
		return "private"
	case "PUBLIC":
		return "public"
	case "CONFIDENTIAL":
		return "confidential"
	}
	return ""
}
