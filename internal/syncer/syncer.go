package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"trisync/internal/config"
	"trisync/internal/models"
)

// Provider is the calendar backend the engine reads snapshots from and
// applies directives to. Implementations live outside the core; the engine
// depends only on this contract.
type Provider interface {
	ListEvents(ctx context.Context, calendarID string, window models.Window) ([]models.RawEvent, error)
	CreateEvent(ctx context.Context, calendarID string, content models.EventContent) (string, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, content models.EventContent) error
	PatchEventMetadata(ctx context.Context, calendarID, eventID string, meta map[string]string) error
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}

// Calendar binds one configured calendar to its provider client.
type Calendar struct {
	Name       string   // internal identifier, recorded in mirror metadata
	ID         string   // provider-side calendar id
	Tag        string   // origin prefix rendered into mirror titles
	Targets    []string // calendars receiving mirrors of this one's events
	Visibility string   // visibility applied to mirrors created here
	Provider   Provider
}

// Syncer runs reconciliation passes: fetch a snapshot of every calendar,
// normalize, filter, resolve chains, plan, execute.
type Syncer struct {
	logger    *slog.Logger
	calendars []Calendar
	filter    *FilterPolicy
	planner   *Planner
	executor  *Executor

	windowDaysPast   int
	windowDaysFuture int
}

// New wires the engine from configuration and provider-bound calendars.
func New(logger *slog.Logger, calendars []Calendar, cfg *config.Config, dryRun bool) *Syncer {
	tags := make(map[string]string, len(calendars))
	for _, cal := range calendars {
		tags[cal.Name] = cal.Tag
	}

	return &Syncer{
		logger:    logger,
		calendars: calendars,
		filter: NewFilterPolicy(
			cfg.IgnoreIfSummaryContains,
			tags,
			*cfg.SkipIfTitleHasKnownPrefix,
			cfg.IgnoreEventTypes,
		),
		planner: NewPlanner(calendars, PlannerConfig{
			PrefixOriginInTitle:  *cfg.PrefixOriginInTitle,
			SyncTagInDescription: cfg.SyncTagInDescription,
			SyncDelete:           *cfg.SyncDelete,
			PreferOriginOnTie:    *cfg.PreferOriginOnTie,
		}),
		executor:         NewExecutor(calendars, logger, dryRun),
		windowDaysPast:   cfg.WindowDaysPast,
		windowDaysFuture: cfg.WindowDaysFuture,
	}
}

// Run performs one full reconciliation pass and returns what it did.
func (s *Syncer) Run(ctx context.Context) (models.Summary, error) {
	now := time.Now().UTC()
	window := models.Window{
		Start: now.AddDate(0, 0, -s.windowDaysPast),
		End:   now.AddDate(0, 0, s.windowDaysFuture),
	}

	s.logger.Info("Starting reconciliation pass.", "window_start", window.Start, "window_end", window.End)

	snapshot, err := s.fetchSnapshot(ctx, window)
	if err != nil {
		return models.Summary{}, err
	}

	records, malformed := s.normalizeSnapshot(snapshot)
	candidates := s.selectCandidates(records)
	chains := ResolveChains(candidates)
	s.logger.Info("Resolved chains.", "records", len(records), "chains", len(chains), "malformed", malformed)

	var plan []models.Action
	for _, chain := range chains {
		plan = append(plan, s.planner.Plan(chain)...)
	}

	sum := s.executor.Execute(ctx, plan)
	sum.Malformed = malformed

	s.logger.Info("Reconciliation pass finished.",
		"created", sum.Created, "updated", sum.Updated, "deleted", sum.Deleted,
		"tagged", sum.Tagged, "skipped", sum.Skipped, "failed", sum.Failed,
		"malformed", sum.Malformed)
	return sum, nil
}

// fetchSnapshot lists every calendar concurrently and gathers the results
// into one consistent point-in-time snapshot. Any fetch failure aborts the
// pass: planning against a partial snapshot would read the missing
// calendar's events as deletions.
func (s *Syncer) fetchSnapshot(ctx context.Context, window models.Window) (map[string][]models.RawEvent, error) {
	type result struct {
		name   string
		events []models.RawEvent
		err    error
	}

	results := make(chan result, len(s.calendars))
	for _, cal := range s.calendars {
		go func(cal Calendar) {
			events, err := cal.Provider.ListEvents(ctx, cal.ID, window)
			results <- result{name: cal.Name, events: events, err: err}
		}(cal)
	}

	snapshot := make(map[string][]models.RawEvent, len(s.calendars))
	var firstErr error
	for range s.calendars {
		r := <-results
		if r.err != nil {
			s.logger.Error("Failed to list calendar.", "calendar", r.name, "error", r.err)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to list calendar %q: %w", r.name, r.err)
			}
			continue
		}
		s.logger.Info("Fetched calendar.", "calendar", r.name, "events", len(r.events))
		snapshot[r.name] = r.events
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return snapshot, nil
}

func (s *Syncer) normalizeSnapshot(snapshot map[string][]models.RawEvent) ([]models.EventRecord, int) {
	var records []models.EventRecord
	malformed := 0
	for _, cal := range s.calendars {
		for _, raw := range snapshot[cal.Name] {
			rec, err := Normalize(raw, cal.Name)
			if err != nil {
				malformed++
				s.logger.Warn("Malformed event, skipping.", "calendar", cal.Name, "error", err)
				continue
			}
			records = append(records, *rec)
		}
	}
	return records, malformed
}

// selectCandidates keeps every record already in a chain, plus the untagged
// records the filter policy accepts as new origins. Filter rejections are
// deliberate exclusions, logged for observability.
func (s *Syncer) selectCandidates(records []models.EventRecord) []models.EventRecord {
	var candidates []models.EventRecord
	for _, rec := range records {
		if rec.ChainID != "" {
			candidates = append(candidates, rec)
			continue
		}
		if ok, reason := s.filter.Eligible(&rec); !ok {
			s.logger.Debug("Event not eligible for propagation.", "calendar", rec.CalendarID, "title", rec.Title, "reason", reason)
			continue
		}
		candidates = append(candidates, rec)
	}
	return candidates
}
