package digest

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/BEMADEV/Open-Connections-Digest/internal/models"
)

// Presentation toggles are copied verbatim from the job configuration.
type Presentation struct {
	IncludeOpportunityBreakdown bool
	IncludeAllRequests          bool
}

// RecipientBundle is everything one connector's digest is rendered from.
type RecipientBundle struct {
	Person        models.Person
	Requests      []models.ConnectionRequest
	Opportunities []models.ConnectionOpportunity
	ByOpportunity RequestGroups
	New           RequestGroups
	Idle          IDGroups
	Critical      IDGroups
	LastRun       *time.Time

	IncludeOpportunityBreakdown bool
	IncludeAllRequests          bool
}

// Assemble builds the bundle for one connector group.
func Assemble(person models.Person, group ConnectorGroup, c Classification, lastRun *time.Time, p Presentation) RecipientBundle {
	return RecipientBundle{
		Person:                      person,
		Requests:                    group.Requests,
		Opportunities:               c.Opportunities,
		ByOpportunity:               c.ByOpportunity,
		New:                         c.New,
		Idle:                        c.Idle,
		Critical:                    c.Critical,
		LastRun:                     lastRun,
		IncludeOpportunityBreakdown: p.IncludeOpportunityBreakdown,
		IncludeAllRequests:          p.IncludeAllRequests,
	}
}

// Merge field names handed to the notifier.
const (
	FieldRequests                     = "Requests"
	FieldConnectionOpportunities      = "ConnectionOpportunities"
	FieldConnectionRequests           = "ConnectionRequests"
	FieldNewConnectionRequests        = "NewConnectionRequests"
	FieldIdleConnectionRequestIDs     = "IdleConnectionRequestIds"
	FieldCriticalConnectionRequestIDs = "CriticalConnectionRequestIds"
	FieldPerson                       = "Person"
	FieldLastRunDate                  = "LastRunDate"
	FieldIncludeOpportunityBreakdown  = "IncludeOpportunityBreakdown"
	FieldIncludeAllRequests           = "IncludeAllRequests"
)

// MergeFields returns the named values templates are rendered with.
// LastRunDate is nil when there has been no successful run.
func (b RecipientBundle) MergeFields() map[string]any {
	var lastRun any
	if b.LastRun != nil {
		lastRun = *b.LastRun
	}
	return map[string]any{
		FieldRequests:                     b.Requests,
		FieldConnectionOpportunities:      b.Opportunities,
		FieldConnectionRequests:           b.ByOpportunity,
		FieldNewConnectionRequests:        b.New,
		FieldIdleConnectionRequestIDs:     b.Idle,
		FieldCriticalConnectionRequestIDs: b.Critical,
		FieldPerson:                       b.Person,
		FieldLastRunDate:                  lastRun,
		FieldIncludeOpportunityBreakdown:  b.IncludeOpportunityBreakdown,
		FieldIncludeAllRequests:           b.IncludeAllRequests,
	}
}

// Fingerprint hashes the bundle's classification so two runs over the same
// data can be compared from the digest log.
func (b RecipientBundle) Fingerprint() string {
	d := xxhash.New()
	write := func(s string) {
		_, _ = d.WriteString(s)
		_, _ = d.WriteString("|")
	}

	write("p" + strconv.Itoa(b.Person.ID))
	for _, r := range b.Requests {
		write("r" + strconv.Itoa(r.ID))
	}
	for _, g := range b.New {
		for _, id := range g.IDs() {
			write(fmt.Sprintf("n%d:%d", g.Opportunity.ID, id))
		}
	}
	for _, g := range b.Idle {
		for _, id := range g.IDs {
			write(fmt.Sprintf("i%d:%d", g.OpportunityID, id))
		}
	}
	for _, g := range b.Critical {
		for _, id := range g.IDs {
			write(fmt.Sprintf("c%d:%d", g.OpportunityID, id))
		}
	}
	if b.LastRun != nil {
		write(b.LastRun.UTC().Format(time.RFC3339Nano))
	}
	write(strconv.FormatBool(b.IncludeOpportunityBreakdown))
	write(strconv.FormatBool(b.IncludeAllRequests))

	return strconv.FormatUint(d.Sum64(), 16)
}
