package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/api/googleapi"

	"trisync/internal/models"
)

// Executor applies an action plan against the providers. It is the only
// component with external side effects; the plan itself is a pure function
// of the snapshot, so re-issuing directives after a partial failure is safe.
type Executor struct {
	calendars map[string]Calendar
	logger    *slog.Logger
	dryRun    bool

	// retry tuning, overridden in tests
	retryInitialInterval time.Duration
	retryMaxAttempts     uint64
}

func NewExecutor(calendars []Calendar, logger *slog.Logger, dryRun bool) *Executor {
	e := &Executor{
		calendars:            make(map[string]Calendar, len(calendars)),
		logger:               logger,
		dryRun:               dryRun,
		retryInitialInterval: 500 * time.Millisecond,
		retryMaxAttempts:     3,
	}
	for _, cal := range calendars {
		e.calendars[cal.Name] = cal
	}
	return e
}

// Execute issues every directive in the plan, retrying transient provider
// errors per directive. One directive's failure never abandons the rest:
// the next pass reconciles whatever diverged.
func (e *Executor) Execute(ctx context.Context, plan []models.Action) models.Summary {
	var sum models.Summary
	for _, action := range plan {
		if action.Op == models.OpSkip {
			sum.Skipped++
			e.logger.Debug("Skipped directive.", "calendar", action.CalendarID, "chain", short(action.ChainID), "reason", action.Reason)
			continue
		}

		if e.dryRun {
			e.logger.Info("[DRY RUN] Would apply directive.", "op", string(action.Op), "calendar", action.CalendarID, "chain", short(action.ChainID))
			e.count(&sum, action.Op)
			continue
		}

		if err := e.apply(ctx, action); err != nil {
			sum.Failed++
			e.logger.Error("Directive failed.", "op", string(action.Op), "calendar", action.CalendarID, "chain", short(action.ChainID), "error", err)
			continue
		}
		e.count(&sum, action.Op)
		e.logger.Info("Applied directive.", "op", string(action.Op), "calendar", action.CalendarID, "chain", short(action.ChainID))
	}
	return sum
}

func (e *Executor) apply(ctx context.Context, action models.Action) error {
	cal, ok := e.calendars[action.CalendarID]
	if !ok {
		return fmt.Errorf("calendar %q not configured", action.CalendarID)
	}

	op := func() error {
		var err error
		switch action.Op {
		case models.OpCreate:
			_, err = cal.Provider.CreateEvent(ctx, cal.ID, *action.Content)
		case models.OpUpdate:
			err = cal.Provider.UpdateEvent(ctx, cal.ID, action.EventID, *action.Content)
		case models.OpTag:
			err = cal.Provider.PatchEventMetadata(ctx, cal.ID, action.EventID, action.Metadata)
		case models.OpDelete:
			err = cal.Provider.DeleteEvent(ctx, cal.ID, action.EventID)
		default:
			return backoff.Permanent(fmt.Errorf("unknown op %q", action.Op))
		}
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retryInitialInterval
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, e.retryMaxAttempts), ctx))
}

// isTransient classifies provider errors worth retrying: rate limiting and
// server-side failures. Permission and validation errors are permanent and
// surface immediately.
func isTransient(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case 429, 500, 502, 503, 504:
			return true
		case 403:
			for _, e := range gerr.Errors {
				if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
					return true
				}
			}
		}
		return false
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return nerr.Timeout()
	}
	return false
}

func (e *Executor) count(sum *models.Summary, op models.Op) {
	switch op {
	case models.OpCreate:
		sum.Created++
	case models.OpUpdate:
		sum.Updated++
	case models.OpDelete:
		sum.Deleted++
	case models.OpTag:
		sum.Tagged++
	}
}

// short trims a chain id for log lines, the way humans grep them.
func short(chainID string) string {
	if len(chainID) > 6 {
		return chainID[:6]
	}
	return chainID
}
