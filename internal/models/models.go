package models

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionState mirrors the lifecycle states stored on a connection request.
type ConnectionState int

const (
	StateActive         ConnectionState = 0
	StateInactive       ConnectionState = 1
	StateFutureFollowUp ConnectionState = 2
	StateConnected      ConnectionState = 3
)

func (s ConnectionState) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateInactive:
		return "Inactive"
	case StateFutureFollowUp:
		return "FutureFollowUp"
	case StateConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// CommunicationType is both the job's "send using" setting and a person's
// communication preference.
type CommunicationType int

const (
	CommunicationRecipientPreference CommunicationType = 0
	CommunicationEmail               CommunicationType = 1
	CommunicationSMS                 CommunicationType = 2
	CommunicationPush                CommunicationType = 3
)

func (c CommunicationType) String() string {
	switch c {
	case CommunicationRecipientPreference:
		return "recipient-preference"
	case CommunicationEmail:
		return "email"
	case CommunicationSMS:
		return "sms"
	case CommunicationPush:
		return "push"
	default:
		return "unknown"
	}
}

// Medium is the concrete channel a digest is delivered through.
type Medium string

const (
	MediumEmail Medium = "email"
	MediumSMS   Medium = "sms"
	MediumPush  Medium = "push"
)

type ConnectionType struct {
	ID                   int
	Name                 string
	DaysUntilRequestIdle int
}

type ConnectionOpportunity struct {
	ID             int
	GUID           uuid.UUID
	Name           string
	IsActive       bool
	ConnectionType ConnectionType
}

type ConnectionRequest struct {
	ID                int
	ConnectorAliasID  *int
	ConnectorPersonID *int
	OpportunityID     int
	Opportunity       ConnectionOpportunity
	State             ConnectionState
	StatusName        string
	StatusIsCritical  bool
	FollowUpDate      *time.Time
	CreatedAt         time.Time
	// Activities holds activity timestamps, oldest first.
	Activities []time.Time
	// Person being connected, for display in the digest.
	PersonName string
	Comments   string
}

// LastActivity returns the most recent activity timestamp.
func (r ConnectionRequest) LastActivity() (time.Time, bool) {
	if len(r.Activities) == 0 {
		return time.Time{}, false
	}
	last := r.Activities[0]
	for _, a := range r.Activities[1:] {
		if a.After(last) {
			last = a
		}
	}
	return last, true
}

type Person struct {
	ID                      int
	NickName                string
	FirstName               string
	LastName                string
	Email                   string
	SMSNumber               string
	CommunicationPreference CommunicationType
}

func (p Person) FullName() string {
	first := p.NickName
	if first == "" {
		first = p.FirstName
	}
	if p.LastName == "" {
		return first
	}
	return first + " " + p.LastName
}

// SystemCommunication is the template a digest is rendered from.
type SystemCommunication struct {
	ID         int
	GUID       uuid.UUID
	Title      string
	FromName   string
	FromEmail  string
	Subject    string
	Body       string
	SMSMessage string
	PushTitle  string
	PushBody   string
}

// SendResult is what the notifier reports for a single recipient.
type SendResult struct {
	MessagesSent int
	Warnings     []string
	Errors       []string
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
	RunDryRun    RunStatus = "dry_run"
)

type RunStats struct {
	RequestsScanned int
	Connectors      int
	MessagesSent    int
	Warnings        int
	Errors          int
	Duration        time.Duration
}
