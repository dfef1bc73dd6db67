package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trisync/internal/models"
)

func TestNormalizeTimedEvent(t *testing.T) {
	raw := models.RawEvent{
		ID:         "ev1",
		Summary:    "Staff meeting",
		Start:      "2026-03-10T09:00:00+01:00",
		End:        "2026-03-10T10:00:00+01:00",
		Updated:    "2026-03-01T12:00:00Z",
		Visibility: "public",
	}

	rec, err := Normalize(raw, "alpha")
	require.NoError(t, err)

	assert.Equal(t, "alpha", rec.CalendarID)
	assert.Equal(t, "ev1", rec.ProviderID)
	assert.Equal(t, "Staff meeting", rec.Title)
	assert.False(t, rec.AllDay)
	assert.False(t, rec.IsMirror)
	assert.Empty(t, rec.ChainID)
	// Offsets collapse to UTC so records from different calendars compare.
	assert.Equal(t, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC), rec.StartsAt)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), rec.UpdatedAt)
	assert.Equal(t, "public", rec.Visibility)
}

func TestNormalizeAllDayEvent(t *testing.T) {
	raw := models.RawEvent{
		ID:      "ev2",
		Summary: "Ferie",
		Start:   "2026-08-01",
		End:     "2026-08-03",
		Updated: "2026-07-20T08:00:00Z",
	}

	rec, err := Normalize(raw, "alpha")
	require.NoError(t, err)

	assert.True(t, rec.AllDay)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), rec.StartsAt)
	// End date stays exclusive, pinned to midnight UTC.
	assert.Equal(t, time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC), rec.EndsAt)
}

func TestNormalizeMirrorMetadata(t *testing.T) {
	raw := models.RawEvent{
		ID:      "ev3",
		Summary: "[A] Staff meeting",
		Start:   "2026-03-10T09:00:00Z",
		End:     "2026-03-10T10:00:00Z",
		Updated: "2026-03-01T12:00:00Z",
		Private: map[string]string{
			"trisync":          "1",
			"trisync_chain_id": "c1",
			"trisync_origin":   "alpha",
		},
	}

	mirror, err := Normalize(raw, "beta")
	require.NoError(t, err)
	assert.True(t, mirror.IsMirror)
	assert.Equal(t, "c1", mirror.ChainID)
	assert.Equal(t, "alpha", mirror.Origin)

	// The tagged origin event carries the same metadata but is not a copy.
	origin, err := Normalize(raw, "alpha")
	require.NoError(t, err)
	assert.False(t, origin.IsMirror)
	assert.Equal(t, "c1", origin.ChainID)
}

func TestNormalizeIgnoresMarkerWithoutChainID(t *testing.T) {
	raw := models.RawEvent{
		ID:      "ev4",
		Summary: "X",
		Start:   "2026-03-10T09:00:00Z",
		End:     "2026-03-10T10:00:00Z",
		Private: map[string]string{"trisync": "1"},
	}

	rec, err := Normalize(raw, "beta")
	require.NoError(t, err)
	assert.False(t, rec.IsMirror)
	assert.Empty(t, rec.ChainID)
}

func TestNormalizeMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  models.RawEvent
	}{
		{"missing id", models.RawEvent{Start: "2026-03-10T09:00:00Z", End: "2026-03-10T10:00:00Z"}},
		{"missing start", models.RawEvent{ID: "x", End: "2026-03-10T10:00:00Z"}},
		{"garbage start", models.RawEvent{ID: "x", Start: "not-a-time", End: "2026-03-10T10:00:00Z"}},
		{"garbage updated", models.RawEvent{ID: "x", Start: "2026-03-10T09:00:00Z", End: "2026-03-10T10:00:00Z", Updated: "yesterday"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Normalize(tt.raw, "alpha")
			assert.Error(t, err)
			assert.Nil(t, rec)
		})
	}
}

func TestNormalizeMissingUpdatedSortsFirst(t *testing.T) {
	raw := models.RawEvent{ID: "x", Start: "2026-03-10T09:00:00Z", End: "2026-03-10T10:00:00Z"}
	rec, err := Normalize(raw, "alpha")
	require.NoError(t, err)
	assert.True(t, rec.UpdatedAt.IsZero())
}

func TestRenderTitleNeverDoublePrefixes(t *testing.T) {
	assert.Equal(t, "[A] X", RenderTitle("A", "X"))
	assert.Equal(t, "[A] X", RenderTitle("A", "[A] X"))
	assert.Equal(t, "[A] [B] X", RenderTitle("A", "[B] X"))
}

func TestStripKnownPrefix(t *testing.T) {
	tags := []string{"A", "B"}
	assert.Equal(t, "X", StripKnownPrefix("[A] X", tags))
	assert.Equal(t, "X", StripKnownPrefix("[B] X", tags))
	assert.Equal(t, "[C] X", StripKnownPrefix("[C] X", tags))
	assert.Equal(t, "X", StripKnownPrefix("X", tags))
}
