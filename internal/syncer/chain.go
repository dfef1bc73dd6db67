package syncer

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"

	"trisync/internal/models"
)

// MintChainID derives the stable chain identifier for an origin event.
//
// The id is a hash of the origin's coordinates rather than a random token:
// a pass that crashed between creating mirrors and tagging the origin
// recomputes the identical id on retry and regroups with the mirrors it
// already created, instead of minting a duplicate chain.
func MintChainID(calendarID, providerEventID string) string {
	sum := sha1.Sum([]byte(calendarID + ":" + providerEventID))
	return hex.EncodeToString(sum[:])
}

// ResolveChains groups records from all calendars into chains. Records
// carrying a chain id group directly; eligible records without one seed a
// new chain under a freshly minted id.
//
// A chain holds at most one record per calendar. Should a calendar somehow
// present two records under one chain id, the more recently updated one
// wins. Chains are returned sorted by id so a snapshot always yields the
// same plan order.
func ResolveChains(records []models.EventRecord) []*models.Chain {
	byID := make(map[string]*models.Chain)

	add := func(id string, rec models.EventRecord) {
		chain, ok := byID[id]
		if !ok {
			chain = &models.Chain{ID: id}
			byID[id] = chain
		}
		if existing := chain.RecordOn(rec.CalendarID); existing != nil {
			if rec.UpdatedAt.After(existing.UpdatedAt) {
				*existing = rec
			}
			return
		}
		chain.Records = append(chain.Records, rec)
	}

	for _, rec := range records {
		if rec.ChainID != "" {
			add(rec.ChainID, rec)
			continue
		}
		rec.Origin = rec.CalendarID
		add(MintChainID(rec.CalendarID, rec.ProviderID), rec)
	}

	chains := make([]*models.Chain, 0, len(byID))
	for _, chain := range byID {
		if len(chain.Records) == 0 {
			continue
		}
		chain.Origin = chainOrigin(chain)
		sort.Slice(chain.Records, func(i, j int) bool {
			return chain.Records[i].CalendarID < chain.Records[j].CalendarID
		})
		chains = append(chains, chain)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i].ID < chains[j].ID })
	return chains
}

// chainOrigin recovers the authoritative calendar recorded on the chain's
// metadata. Any record's trisync_origin serves; mirrors of one chain always
// agree after a completed pass, and during authority migration the planner
// rewrites stragglers anyway.
func chainOrigin(chain *models.Chain) string {
	for _, rec := range chain.Records {
		if !rec.IsMirror && rec.Origin != "" {
			return rec.Origin
		}
	}
	for _, rec := range chain.Records {
		if rec.Origin != "" {
			return rec.Origin
		}
	}
	return ""
}
