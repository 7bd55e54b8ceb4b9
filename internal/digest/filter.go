// Package digest selects, groups and classifies open connection requests
// into one bundle per connector. Nothing here performs I/O.
package digest

import (
	"time"

	"github.com/google/uuid"

	"github.com/BEMADEV/Open-Connections-Digest/internal/models"
)

// FilterOptions narrows the raw request set.
type FilterOptions struct {
	// Now is the run start, already in the organization's location.
	Now time.Time

	// OpportunityGUIDs is an allow-list. Empty means every opportunity.
	OpportunityGUIDs []uuid.UUID

	// ConnectorScope holds the person ids of the connection group's members.
	// A nil map disables scoping; an empty non-nil map excludes everything.
	ConnectorScope map[int]struct{}
}

// StartOfTomorrow returns local midnight at the end of now's day.
func StartOfTomorrow(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}

// Filter returns the requests that should appear in a digest. The input
// slice is not modified and the relative order is preserved.
func Filter(requests []models.ConnectionRequest, opts FilterOptions) []models.ConnectionRequest {
	midnight := StartOfTomorrow(opts.Now)

	var allowed map[uuid.UUID]struct{}
	if len(opts.OpportunityGUIDs) > 0 {
		allowed = make(map[uuid.UUID]struct{}, len(opts.OpportunityGUIDs))
		for _, g := range opts.OpportunityGUIDs {
			allowed[g] = struct{}{}
		}
	}

	out := make([]models.ConnectionRequest, 0, len(requests))
	for _, r := range requests {
		if r.ConnectorPersonID == nil {
			continue
		}
		if !isDue(r, midnight) {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[r.Opportunity.GUID]; !ok {
				continue
			}
		}
		if opts.ConnectorScope != nil {
			if _, ok := opts.ConnectorScope[*r.ConnectorPersonID]; !ok {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// isDue reports whether the request is active, or is a future follow-up
// whose date falls before midnight.
func isDue(r models.ConnectionRequest, midnight time.Time) bool {
	switch r.State {
	case models.StateActive:
		return true
	case models.StateFutureFollowUp:
		return r.FollowUpDate != nil && r.FollowUpDate.Before(midnight)
	default:
		return false
	}
}
