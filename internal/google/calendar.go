package google

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"trisync/internal/models"
)

const (
	credentialsFile = "credentials.json"
	dateOnly        = "2006-01-02"
	maxPageSize     = 2500
)

// CalendarClient provides a client for interacting with the Google Calendar
// API. It implements the syncer.Provider contract.
type CalendarClient struct {
	service *calendar.Service
	logger  *slog.Logger
}

// NewClient creates a new Google Calendar client for one authenticated
// account. It supports multiple accounts by looking for token files like
// token-personal.json, token-work.json, etc.
func NewClient(ctx context.Context, logger *slog.Logger, clientID, clientSecret, accountName string) (*CalendarClient, error) {
	config, err := getOAuthConfig(clientID, clientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to get OAuth config: %w", err)
	}

	tokenFile := fmt.Sprintf("token-%s.json", accountName)
	token, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("could not load token for account %s: %w. Please run the 'auth' command first", accountName, err)
	}

	client := config.Client(ctx, token)
	service, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return &CalendarClient{service: service, logger: logger}, nil
}

// ListEvents fetches all events in the window, following pagination.
func (c *CalendarClient) ListEvents(ctx context.Context, calendarID string, window models.Window) ([]models.RawEvent, error) {
	c.logger.Debug("Fetching events", "calendarID", calendarID, "from", window.Start, "to", window.End)

	var raws []models.RawEvent
	pageToken := ""
	for {
		call := c.service.Events.List(calendarID).
			ShowDeleted(false).
			SingleEvents(true).
			TimeMin(window.Start.Format(time.RFC3339)).
			TimeMax(window.End.Format(time.RFC3339)).
			MaxResults(maxPageSize).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve events: %w", err)
		}
		for _, item := range resp.Items {
			raws = append(raws, toRawEvent(item))
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	c.logger.Info("Fetched events from Google Calendar", "count", len(raws), "calendarID", calendarID)
	return raws, nil
}

// CreateEvent inserts a mirror event and returns its id.
func (c *CalendarClient) CreateEvent(ctx context.Context, calendarID string, content models.EventContent) (string, error) {
	created, err := c.service.Events.Insert(calendarID, toGoogleEvent(content)).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to insert event: %w", err)
	}
	return created.Id, nil
}

// UpdateEvent patches the content fields of an existing event. Patch rather
// than update so fields the engine does not manage (reminders, attendees)
// survive.
func (c *CalendarClient) UpdateEvent(ctx context.Context, calendarID, eventID string, content models.EventContent) error {
	_, err := c.service.Events.Patch(calendarID, eventID, toGoogleEvent(content)).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to patch event %s: %w", eventID, err)
	}
	return nil
}

// PatchEventMetadata writes private extended properties without touching
// the event's content.
func (c *CalendarClient) PatchEventMetadata(ctx context.Context, calendarID, eventID string, meta map[string]string) error {
	patch := &calendar.Event{
		ExtendedProperties: &calendar.EventExtendedProperties{Private: meta},
	}
	_, err := c.service.Events.Patch(calendarID, eventID, patch).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to patch event metadata %s: %w", eventID, err)
	}
	return nil
}

// DeleteEvent removes an event.
func (c *CalendarClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if err := c.service.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to delete event %s: %w", eventID, err)
	}
	return nil
}

// toRawEvent maps a Google Calendar event onto the provider-neutral raw
// representation the normalizer consumes.
func toRawEvent(item *calendar.Event) models.RawEvent {
	raw := models.RawEvent{
		ID:          item.Id,
		Summary:     item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Updated:     item.Updated,
		EventType:   item.EventType,
		Visibility:  item.Visibility,
	}
	if item.Start != nil {
		raw.Start = item.Start.DateTime
		if raw.Start == "" {
			raw.Start = item.Start.Date
		}
	}
	if item.End != nil {
		raw.End = item.End.DateTime
		if raw.End == "" {
			raw.End = item.End.Date
		}
	}
	if item.ExtendedProperties != nil {
		raw.Private = item.ExtendedProperties.Private
	}
	return raw
}

// toGoogleEvent renders directive content into the Google event body.
func toGoogleEvent(content models.EventContent) *calendar.Event {
	ev := &calendar.Event{
		Summary:     content.Title,
		Description: content.Description,
		Location:    content.Location,
		Visibility:  content.Visibility,
		// These fields are omitempty, so a patch would silently drop a
		// cleared description or location and the mirror would keep its
		// stale value. The engine owns them on a mirror; always send them.
		ForceSendFields: []string{"Summary", "Description", "Location"},
	}
	if content.AllDay {
		ev.Start = &calendar.EventDateTime{Date: content.StartsAt.Format(dateOnly)}
		ev.End = &calendar.EventDateTime{Date: content.EndsAt.Format(dateOnly)}
	} else {
		ev.Start = &calendar.EventDateTime{DateTime: content.StartsAt.Format(time.RFC3339)}
		ev.End = &calendar.EventDateTime{DateTime: content.EndsAt.Format(time.RFC3339)}
	}
	if len(content.Metadata) > 0 {
		ev.ExtendedProperties = &calendar.EventExtendedProperties{Private: content.Metadata}
	}
	return ev
}

// DiscoverCalendars lists the calendar ids visible to this account, for the
// 'calendars' command.
func (c *CalendarClient) DiscoverCalendars(ctx context.Context) ([]string, error) {
	list, err := c.service.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}

	var calendarIDs []string
	for _, item := range list.Items {
		calendarIDs = append(calendarIDs, item.Id)
	}
	return calendarIDs, nil
}

// GetOAuthConfigForAuthFlow is used by the auth command to get the config
// for the web flow.
func GetOAuthConfigForAuthFlow(clientID, clientSecret string) (*oauth2.Config, error) {
	return getOAuthConfig(clientID, clientSecret)
}

// getOAuthConfig reads credentials and returns an OAuth2 config.
// It prioritizes environment variables over a local credentials.json file.
func getOAuthConfig(clientID, clientSecret string) (*oauth2.Config, error) {
	if clientID != "" && clientSecret != "" {
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
			Scopes:       []string{calendar.CalendarScope},
			Endpoint:     google.Endpoint,
		}, nil
	}

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if _, ok := err.(*fs.PathError); ok {
			return nil, fmt.Errorf("credentials.json not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars or place credentials.json in the root directory")
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = "urn:ietf:wg:oauth:2.0:oob" // For desktop app flow
	return config, nil
}

// TokenFromWeb is called by the auth flow to retrieve a token.
func TokenFromWeb(config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(context.Background(), authCode)
}

// SaveToken saves a token to a file path.
func SaveToken(path string, token *oauth2.Token) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// tokenFromFile retrieves a token from a local file.
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// GetTokenAccounts lists the account names with a saved token file.
func GetTokenAccounts() ([]string, error) {
	files, err := os.ReadDir(".")
	if err != nil {
		return nil, err
	}

	var accounts []string
	for _, file := range files {
		if strings.HasPrefix(file.Name(), "token-") && strings.HasSuffix(file.Name(), ".json") {
			accountName := strings.TrimSuffix(strings.TrimPrefix(file.Name(), "token-"), ".json")
			accounts = append(accounts, accountName)
		}
	}
	return accounts, nil
}
