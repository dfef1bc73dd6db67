package syncer

import (
	"fmt"
	"strings"

	"trisync/internal/models"
)

// PlannerConfig carries the policy knobs the planner honors.
type PlannerConfig struct {
	// PrefixOriginInTitle renders "[TAG] " into mirror titles.
	PrefixOriginInTitle bool
	// SyncTagInDescription is appended once to mirror descriptions.
	SyncTagInDescription string
	// SyncDelete propagates origin deletion to the remaining mirrors.
	// When disabled the mirrors are left in place, but the chain is still
	// never recreated.
	SyncDelete bool
	// PreferOriginOnTie keeps the current origin authoritative when update
	// timestamps are equal, avoiding oscillation at second resolution.
	PreferOriginOnTie bool
}

// Planner computes, per chain, the directives that bring every calendar in
// line with the chain's authoritative record. It is a pure function of the
// snapshot: no side effects, safe to re-run.
type Planner struct {
	calendars map[string]Calendar
	tags      []string
	cfg       PlannerConfig
}

func NewPlanner(calendars []Calendar, cfg PlannerConfig) *Planner {
	p := &Planner{
		calendars: make(map[string]Calendar, len(calendars)),
		cfg:       cfg,
	}
	for _, cal := range calendars {
		p.calendars[cal.Name] = cal
		p.tags = append(p.tags, cal.Tag)
	}
	return p
}

// Plan produces the action plan for one chain: at most one directive per
// calendar. A failure to build content for one calendar degrades to a skip
// for that calendar only.
func (p *Planner) Plan(chain *models.Chain) []models.Action {
	// Safe cancellation: the authoritative record is gone. Mirrors are only
	// ever deleted from here on, never recreated, even if one of them was
	// edited since the origin disappeared.
	if chain.Origin != "" && chain.RecordOn(chain.Origin) == nil {
		return p.planCancellation(chain)
	}

	winner := p.pickWinner(chain)
	origin := chain.Origin
	if origin == "" {
		origin = winner.CalendarID
	}

	// The freshest timestamp may belong to a mirror the engine itself wrote
	// on the previous pass. Authority migrates only when the mirror's
	// content actually diverged from the current origin (a human edit);
	// a faithful copy leaves the origin authoritative, which is what makes
	// a pass over an already-reconciled snapshot produce only skips.
	if winner.CalendarID != origin {
		originRec := chain.RecordOn(origin)
		if originRec != nil && !p.diverged(winner, originRec) {
			winner = originRec
		} else {
			origin = winner.CalendarID
		}
	}

	var actions []models.Action

	// Persist chain metadata on the winner itself when it is missing
	// (freshly observed origin) or stale (authority migrated here).
	// Metadata-only: the winner's content is by definition authoritative.
	if winner.ChainID == "" || winner.Origin != origin {
		if winner.EventType == "fromGmail" {
			// Google refuses writes to Gmail-generated events; mirrors
			// still work, identified by the deterministic chain id.
			actions = append(actions, models.Action{
				Op:         models.OpSkip,
				CalendarID: origin,
				ChainID:    chain.ID,
				Reason:     "fromGmail event cannot carry metadata",
			})
		} else {
			actions = append(actions, models.Action{
				Op:         models.OpTag,
				CalendarID: origin,
				ChainID:    chain.ID,
				EventID:    winner.ProviderID,
				Metadata:   p.metadataFor(chain.ID, origin),
			})
		}
	}

	originCal, ok := p.calendars[origin]
	if !ok {
		// Records from a calendar that has since been dropped from the
		// config; nothing sensible to propagate.
		return append(actions, models.Action{
			Op:         models.OpSkip,
			CalendarID: origin,
			ChainID:    chain.ID,
			Reason:     fmt.Sprintf("winner calendar %q not configured", origin),
		})
	}

	for _, target := range originCal.Targets {
		if target == origin {
			continue
		}
		targetCal, ok := p.calendars[target]
		if !ok {
			actions = append(actions, models.Action{
				Op:         models.OpSkip,
				CalendarID: target,
				ChainID:    chain.ID,
				Reason:     fmt.Sprintf("target calendar %q not configured", target),
			})
			continue
		}

		content := p.buildContent(winner, originCal, targetCal, chain.ID)
		existing := chain.RecordOn(target)

		switch {
		case existing == nil:
			actions = append(actions, models.Action{
				Op:         models.OpCreate,
				CalendarID: target,
				ChainID:    chain.ID,
				Content:    content,
			})
		case p.needsUpdate(existing, content, origin):
			actions = append(actions, models.Action{
				Op:         models.OpUpdate,
				CalendarID: target,
				ChainID:    chain.ID,
				EventID:    existing.ProviderID,
				Content:    content,
			})
		default:
			actions = append(actions, models.Action{
				Op:         models.OpSkip,
				CalendarID: target,
				ChainID:    chain.ID,
				Reason:     "up to date",
			})
		}
	}

	return actions
}

// diverged reports whether a mirror's content no longer matches what the
// engine would have written from the origin: a human edit. Titles compare
// with origin prefixes stripped, descriptions with the sync note applied.
func (p *Planner) diverged(mirror, origin *models.EventRecord) bool {
	return StripKnownPrefix(mirror.Title, p.tags) != StripKnownPrefix(origin.Title, p.tags) ||
		!mirror.StartsAt.Equal(origin.StartsAt) ||
		!mirror.EndsAt.Equal(origin.EndsAt) ||
		mirror.AllDay != origin.AllDay ||
		mirror.Location != origin.Location ||
		mirror.Description != addSyncNote(origin.Description, p.cfg.SyncTagInDescription)
}

// pickWinner selects the authoritative record: latest update timestamp,
// ties resolved in favor of the current origin. Records are sorted by
// calendar, so the choice is deterministic for a given snapshot.
func (p *Planner) pickWinner(chain *models.Chain) *models.EventRecord {
	var best *models.EventRecord
	for i := range chain.Records {
		rec := &chain.Records[i]
		switch {
		case best == nil:
			best = rec
		case rec.UpdatedAt.After(best.UpdatedAt):
			best = rec
		case rec.UpdatedAt.Equal(best.UpdatedAt) && p.cfg.PreferOriginOnTie &&
			rec.CalendarID == chain.Origin && best.CalendarID != chain.Origin:
			best = rec
		}
	}
	return best
}

func (p *Planner) planCancellation(chain *models.Chain) []models.Action {
	var actions []models.Action
	for _, rec := range chain.Records {
		if !rec.IsMirror {
			// Not ours to delete.
			continue
		}
		if !p.cfg.SyncDelete {
			actions = append(actions, models.Action{
				Op:         models.OpSkip,
				CalendarID: rec.CalendarID,
				ChainID:    chain.ID,
				Reason:     "origin gone, sync_delete disabled",
			})
			continue
		}
		actions = append(actions, models.Action{
			Op:         models.OpDelete,
			CalendarID: rec.CalendarID,
			ChainID:    chain.ID,
			EventID:    rec.ProviderID,
		})
	}
	return actions
}

// buildContent renders the winner into the payload a target mirror gets:
// the winner's origin tag in the title, the winner's window, the target's
// configured visibility, and the chain metadata.
func (p *Planner) buildContent(winner *models.EventRecord, originCal, targetCal Calendar, chainID string) *models.EventContent {
	title := StripKnownPrefix(winner.Title, p.tags)
	if p.cfg.PrefixOriginInTitle {
		title = RenderTitle(originCal.Tag, title)
	}
	return &models.EventContent{
		Title:       title,
		Description: addSyncNote(winner.Description, p.cfg.SyncTagInDescription),
		Location:    winner.Location,
		StartsAt:    winner.StartsAt,
		EndsAt:      winner.EndsAt,
		AllDay:      winner.AllDay,
		Visibility:  targetCal.Visibility,
		Metadata:    p.metadataFor(chainID, originCal.Name),
	}
}

// needsUpdate reports whether an existing mirror differs materially from
// the desired content. Origin metadata counts: after an authority
// migration every mirror must record the new origin even if its content
// already matches. Visibility counts too: a mirror whose visibility was
// flipped by hand is restored to the calendar's configured copy
// visibility, which is why diverged does not look at it.
func (p *Planner) needsUpdate(existing *models.EventRecord, desired *models.EventContent, origin string) bool {
	return existing.Title != desired.Title ||
		!existing.StartsAt.Equal(desired.StartsAt) ||
		!existing.EndsAt.Equal(desired.EndsAt) ||
		existing.AllDay != desired.AllDay ||
		existing.Location != desired.Location ||
		existing.Description != desired.Description ||
		!sameVisibility(existing.Visibility, desired.Visibility) ||
		existing.Origin != origin
}

// sameVisibility compares provider visibilities, treating an absent value
// as "default" (Google omits the field at its default).
func sameVisibility(a, b string) bool {
	if a == "" {
		a = "default"
	}
	if b == "" {
		b = "default"
	}
	return a == b
}

func (p *Planner) metadataFor(chainID, origin string) map[string]string {
	return map[string]string{
		MetaMarker:  "1",
		MetaChainID: chainID,
		MetaOrigin:  origin,
	}
}

// addSyncNote appends the configured note to a description exactly once.
func addSyncNote(desc, note string) string {
	if note == "" || strings.Contains(desc, note) {
		return desc
	}
	if strings.TrimSpace(desc) == "" {
		return note
	}
	return desc + "\n\n" + note
}
