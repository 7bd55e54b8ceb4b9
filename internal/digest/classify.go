package digest

import (
	"time"

	"github.com/BEMADEV/Open-Connections-Digest/internal/models"
)

// OpportunityRequests is a slice of requests that share one opportunity.
type OpportunityRequests struct {
	Opportunity models.ConnectionOpportunity
	Requests    []models.ConnectionRequest
}

// IDs returns the request ids in the group.
func (o OpportunityRequests) IDs() []int {
	ids := make([]int, len(o.Requests))
	for i, r := range o.Requests {
		ids[i] = r.ID
	}
	return ids
}

// OpportunityRequestIDs is a set of request ids for one opportunity.
type OpportunityRequestIDs struct {
	OpportunityID int
	IDs           []int
}

// IDGroups is a classification result keyed by opportunity.
type IDGroups []OpportunityRequestIDs

// Has reports whether any group contains the request id. Templates use it
// to flag rows in the full request list.
func (g IDGroups) Has(requestID int) bool {
	for _, grp := range g {
		for _, id := range grp.IDs {
			if id == requestID {
				return true
			}
		}
	}
	return false
}

// Count returns the number of ids across all groups.
func (g IDGroups) Count() int {
	n := 0
	for _, grp := range g {
		n += len(grp.IDs)
	}
	return n
}

// ForOpportunity returns the ids recorded for one opportunity.
func (g IDGroups) ForOpportunity(opportunityID int) []int {
	for _, grp := range g {
		if grp.OpportunityID == opportunityID {
			return grp.IDs
		}
	}
	return nil
}

// RequestGroups is a list of requests keyed by opportunity.
type RequestGroups []OpportunityRequests

// Count returns the number of requests across all groups.
func (g RequestGroups) Count() int {
	n := 0
	for _, grp := range g {
		n += len(grp.Requests)
	}
	return n
}

// Classification holds the derived subsets for one connector.
type Classification struct {
	Opportunities []models.ConnectionOpportunity
	ByOpportunity RequestGroups
	New           RequestGroups
	Idle          IDGroups
	Critical      IDGroups
}

// Classify derives the new, idle and critical subsets for one connector's
// requests. A request may land in more than one subset.
func Classify(requests []models.ConnectionRequest, now time.Time, lastRun *time.Time) Classification {
	var c Classification
	var isNew, isIdle, isCritical []models.ConnectionRequest

	seen := make(map[int]struct{})
	for _, r := range requests {
		if _, ok := seen[r.OpportunityID]; !ok {
			seen[r.OpportunityID] = struct{}{}
			c.Opportunities = append(c.Opportunities, r.Opportunity)
		}
		if IsNew(r, lastRun) {
			isNew = append(isNew, r)
		}
		if IsIdle(r, now) {
			isIdle = append(isIdle, r)
		}
		if IsCritical(r) {
			isCritical = append(isCritical, r)
		}
	}

	c.ByOpportunity = groupRequests(requests)
	c.New = groupRequests(isNew)
	c.Idle = groupIDs(isIdle)
	c.Critical = groupIDs(isCritical)
	return c
}

// IsNew reports whether the request was created at or after the last
// successful run. Without a previous run nothing is new.
func IsNew(r models.ConnectionRequest, lastRun *time.Time) bool {
	if lastRun == nil {
		return false
	}
	return !r.CreatedAt.Before(*lastRun)
}

// IsIdle reports whether the request has gone quiet for longer than its own
// connection type allows. The last activity is used when there is one,
// otherwise the creation time.
func IsIdle(r models.ConnectionRequest, now time.Time) bool {
	cutoff := IdleCutoff(r, now)
	if last, ok := r.LastActivity(); ok {
		return last.Before(cutoff)
	}
	return r.CreatedAt.Before(cutoff)
}

// IdleCutoff is now minus the request's idle threshold in calendar days.
func IdleCutoff(r models.ConnectionRequest, now time.Time) time.Time {
	return now.AddDate(0, 0, -r.Opportunity.ConnectionType.DaysUntilRequestIdle)
}

// IsCritical reports whether the request's current status is flagged
// critical in Rock.
func IsCritical(r models.ConnectionRequest) bool {
	return r.StatusIsCritical
}

func groupRequests(requests []models.ConnectionRequest) RequestGroups {
	index := make(map[int]int)
	var out RequestGroups
	for _, r := range requests {
		i, ok := index[r.OpportunityID]
		if !ok {
			i = len(out)
			index[r.OpportunityID] = i
			out = append(out, OpportunityRequests{Opportunity: r.Opportunity})
		}
		out[i].Requests = append(out[i].Requests, r)
	}
	return out
}

func groupIDs(requests []models.ConnectionRequest) IDGroups {
	index := make(map[int]int)
	var out IDGroups
	for _, r := range requests {
		i, ok := index[r.OpportunityID]
		if !ok {
			i = len(out)
			index[r.OpportunityID] = i
			out = append(out, OpportunityRequestIDs{OpportunityID: r.OpportunityID})
		}
		out[i].IDs = append(out[i].IDs, r.ID)
	}
	return out
}
