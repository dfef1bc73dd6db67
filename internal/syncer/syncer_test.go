package syncer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trisync/internal/config"
	"trisync/internal/models"
)

// memProvider is an in-memory calendar backend. Every write bumps the
// event's updated timestamp, like a real provider would, so the tests
// exercise the engine against its own write side effects.
type memProvider struct {
	mu     sync.Mutex
	clock  time.Time
	seq    int
	stores map[string]map[string]*memEvent // calendar id -> event id -> event
}

type memEvent struct {
	summary     string
	description string
	location    string
	start       string
	end         string
	visibility  string
	updated     time.Time
	private     map[string]string
}

func newMemProvider(start time.Time) *memProvider {
	return &memProvider{clock: start, stores: make(map[string]map[string]*memEvent)}
}

func (m *memProvider) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memProvider) store(calendarID string) map[string]*memEvent {
	if m.stores[calendarID] == nil {
		m.stores[calendarID] = make(map[string]*memEvent)
	}
	return m.stores[calendarID]
}

func (m *memProvider) seed(calendarID, id, summary, start, end string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(calendarID)[id] = &memEvent{
		summary: summary, start: start, end: end, updated: m.tick(),
	}
}

func (m *memProvider) ListEvents(ctx context.Context, calendarID string, w models.Window) ([]models.RawEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var raws []models.RawEvent
	for id, ev := range m.store(calendarID) {
		private := make(map[string]string, len(ev.private))
		for k, v := range ev.private {
			private[k] = v
		}
		raws = append(raws, models.RawEvent{
			ID:          id,
			Summary:     ev.summary,
			Description: ev.description,
			Location:    ev.location,
			Start:       ev.start,
			End:         ev.end,
			Updated:     ev.updated.UTC().Format(time.RFC3339),
			Visibility:  ev.visibility,
			Private:     private,
		})
	}
	return raws, nil
}

func (m *memProvider) CreateEvent(ctx context.Context, calendarID string, c models.EventContent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("ev-%d", m.seq)
	m.store(calendarID)[id] = &memEvent{
		summary:     c.Title,
		description: c.Description,
		location:    c.Location,
		start:       formatContentTime(c.StartsAt, c.AllDay),
		end:         formatContentTime(c.EndsAt, c.AllDay),
		visibility:  c.Visibility,
		updated:     m.tick(),
		private:     copyMeta(c.Metadata),
	}
	return id, nil
}

func (m *memProvider) UpdateEvent(ctx context.Context, calendarID, eventID string, c models.EventContent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.store(calendarID)[eventID]
	if !ok {
		return fmt.Errorf("no event %s", eventID)
	}
	ev.summary = c.Title
	ev.description = c.Description
	ev.location = c.Location
	ev.start = formatContentTime(c.StartsAt, c.AllDay)
	ev.end = formatContentTime(c.EndsAt, c.AllDay)
	ev.visibility = c.Visibility
	ev.private = copyMeta(c.Metadata)
	ev.updated = m.tick()
	return nil
}

func (m *memProvider) PatchEventMetadata(ctx context.Context, calendarID, eventID string, meta map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.store(calendarID)[eventID]
	if !ok {
		return fmt.Errorf("no event %s", eventID)
	}
	if ev.private == nil {
		ev.private = make(map[string]string)
	}
	for k, v := range meta {
		ev.private[k] = v
	}
	ev.updated = m.tick()
	return nil
}

func (m *memProvider) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store(calendarID)[eventID]; !ok {
		return fmt.Errorf("no event %s", eventID)
	}
	delete(m.store(calendarID), eventID)
	return nil
}

func formatContentTime(t time.Time, allDay bool) string {
	if allDay {
		return t.Format(dateOnly)
	}
	return t.UTC().Format(time.RFC3339)
}

func copyMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func testConfig() *config.Config {
	yes := true
	return &config.Config{
		WindowDaysPast:            30,
		WindowDaysFuture:          365,
		IgnoreIfSummaryContains:   []string{"compleanno"},
		SkipIfTitleHasKnownPrefix: &yes,
		PrefixOriginInTitle:       &yes,
		PreferOriginOnTie:         &yes,
		SyncDelete:                &yes,
		DefaultCopyVisibility:     "private",
	}
}

func testSyncer(provider Provider) *Syncer {
	calendars := []Calendar{
		{Name: "alpha", ID: "alpha-cal", Tag: "A", Targets: []string{"beta", "gamma"}, Visibility: "private", Provider: provider},
		{Name: "beta", ID: "beta-cal", Tag: "B", Targets: []string{"alpha", "gamma"}, Visibility: "private", Provider: provider},
		{Name: "gamma", ID: "gamma-cal", Tag: "C", Targets: []string{"alpha", "beta"}, Visibility: "private", Provider: provider},
	}
	return New(testLogger(), calendars, testConfig(), false)
}

// Full lifecycle across passes: mirror creation, convergence, authority
// migration after a human edit, and safe cancellation.
func TestSyncerLifecycle(t *testing.T) {
	ctx := context.Background()
	provider := newMemProvider(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	provider.seed("alpha-cal", "a1", "Team retro", "2026-03-10T09:00:00Z", "2026-03-10T10:00:00Z")
	s := testSyncer(provider)

	// Pass 1: origin tagged, mirrors created on both other calendars.
	sum, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Tagged)
	assert.Equal(t, 2, sum.Created)
	assert.Zero(t, sum.Failed)

	chainID := MintChainID("alpha", "a1")
	origin := provider.stores["alpha-cal"]["a1"]
	assert.Equal(t, "1", origin.private["trisync"])
	assert.Equal(t, chainID, origin.private["trisync_chain_id"])
	assert.Equal(t, "alpha", origin.private["trisync_origin"])

	require.Len(t, provider.stores["beta-cal"], 1)
	require.Len(t, provider.stores["gamma-cal"], 1)
	var mirrorID string
	var mirror *memEvent
	for id, ev := range provider.stores["beta-cal"] {
		mirrorID, mirror = id, ev
	}
	assert.Equal(t, "[A] Team retro", mirror.summary)
	assert.Equal(t, "private", mirror.visibility)
	assert.Equal(t, chainID, mirror.private["trisync_chain_id"])
	assert.Equal(t, "alpha", mirror.private["trisync_origin"])

	// Pass 2: nothing to do, even though the mirrors now carry the newest
	// timestamps.
	sum, err = s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Summary{Skipped: 2}, sum)

	// A human edits the mirror on beta: authority migrates there.
	mirror.summary = "[A] Team retro v2"
	provider.mu.Lock()
	mirror.updated = provider.tick()
	provider.mu.Unlock()

	sum, err = s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Tagged)
	assert.Equal(t, 2, sum.Updated)

	assert.Equal(t, "beta", provider.stores["beta-cal"][mirrorID].private["trisync_origin"])
	assert.Equal(t, "[B] Team retro v2", provider.stores["alpha-cal"]["a1"].summary)
	assert.Equal(t, "beta", provider.stores["alpha-cal"]["a1"].private["trisync_origin"])

	// Pass 4: converged again.
	sum, err = s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Summary{Skipped: 2}, sum)

	// The authoritative event is deleted: every mirror goes, nothing comes
	// back.
	provider.mu.Lock()
	delete(provider.stores["beta-cal"], mirrorID)
	provider.mu.Unlock()

	sum, err = s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Deleted)
	assert.Empty(t, provider.stores["alpha-cal"])
	assert.Empty(t, provider.stores["gamma-cal"])

	sum, err = s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Summary{}, sum)
}

// An event with a forbidden keyword never leaves its calendar.
func TestSyncerForbiddenKeywordNeverPropagates(t *testing.T) {
	ctx := context.Background()
	provider := newMemProvider(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	provider.seed("alpha-cal", "a1", "Compleanno di Luca", "2026-05-02T18:00:00Z", "2026-05-02T22:00:00Z")
	s := testSyncer(provider)

	for i := 0; i < 3; i++ {
		sum, err := s.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.Summary{}, sum)
	}
	assert.Empty(t, provider.stores["beta-cal"])
	assert.Empty(t, provider.stores["gamma-cal"])
	// The source event itself is untouched: no metadata was written.
	assert.Empty(t, provider.stores["alpha-cal"]["a1"].private)
}

// A record missing required fields is counted and skipped without aborting
// the pass.
func TestSyncerMalformedEventDoesNotAbort(t *testing.T) {
	ctx := context.Background()
	provider := newMemProvider(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	provider.seed("alpha-cal", "a1", "Team retro", "2026-03-10T09:00:00Z", "2026-03-10T10:00:00Z")
	provider.seed("alpha-cal", "a2", "broken", "", "")
	s := testSyncer(provider)

	sum, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Malformed)
	assert.Equal(t, 2, sum.Created)
	assert.Equal(t, 1, sum.Tagged)
}

// A failed calendar fetch aborts the pass: planning against a partial
// snapshot would read the missing calendar's events as deletions.
func TestSyncerPartialSnapshotAborts(t *testing.T) {
	ctx := context.Background()
	mem := newMemProvider(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	mem.seed("alpha-cal", "a1", "Team retro", "2026-03-10T09:00:00Z", "2026-03-10T10:00:00Z")

	failing := &failingListProvider{memProvider: mem, failOn: "beta-cal"}
	calendars := []Calendar{
		{Name: "alpha", ID: "alpha-cal", Tag: "A", Targets: []string{"beta"}, Visibility: "private", Provider: failing},
		{Name: "beta", ID: "beta-cal", Tag: "B", Targets: []string{"alpha"}, Visibility: "private", Provider: failing},
	}
	s := New(testLogger(), calendars, testConfig(), false)

	_, err := s.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "beta")
	assert.Empty(t, mem.stores["beta-cal"])
}

type failingListProvider struct {
	*memProvider
	failOn string
}

func (f *failingListProvider) ListEvents(ctx context.Context, calendarID string, w models.Window) ([]models.RawEvent, error) {
	if calendarID == f.failOn {
		return nil, fmt.Errorf("upstream unavailable")
	}
	return f.memProvider.ListEvents(ctx, calendarID, w)
}

// A human flips a mirror's visibility: the next pass restores the
// configured copy visibility without migrating authority, and the one
// after that converges.
func TestSyncerMirrorVisibilityRestored(t *testing.T) {
	ctx := context.Background()
	provider := newMemProvider(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	provider.seed("alpha-cal", "a1", "Team retro", "2026-03-10T09:00:00Z", "2026-03-10T10:00:00Z")
	s := testSyncer(provider)

	_, err := s.Run(ctx)
	require.NoError(t, err)

	var mirrorID string
	for id := range provider.stores["beta-cal"] {
		mirrorID = id
	}
	provider.mu.Lock()
	provider.stores["beta-cal"][mirrorID].visibility = "public"
	provider.stores["beta-cal"][mirrorID].updated = provider.tick()
	provider.mu.Unlock()

	sum, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Summary{Updated: 1, Skipped: 1}, sum)

	restored := provider.stores["beta-cal"][mirrorID]
	assert.Equal(t, "private", restored.visibility)
	assert.Equal(t, "alpha", restored.private["trisync_origin"])
	assert.Equal(t, "[A] Team retro", restored.summary)

	sum, err = s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Summary{Skipped: 2}, sum)
}

// All-day windows survive a round trip through a provider unchanged, so
// repeated passes converge.
func TestSyncerAllDayRoundTrip(t *testing.T) {
	ctx := context.Background()
	provider := newMemProvider(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	provider.seed("alpha-cal", "a1", "Ferie", "2026-08-01", "2026-08-03")
	s := testSyncer(provider)

	sum, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Created)

	for _, ev := range provider.stores["beta-cal"] {
		assert.Equal(t, "2026-08-01", ev.start)
		assert.Equal(t, "2026-08-03", ev.end)
	}

	sum, err = s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Summary{Skipped: 2}, sum)
}
