package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BEMADEV/Open-Connections-Digest/internal/database"
	"github.com/BEMADEV/Open-Connections-Digest/internal/models"
)

var (
	chicago = time.FixedZone("CST", -6*60*60)
	testNow = time.Date(2024, time.March, 12, 8, 0, 0, 0, chicago)

	commGUID  = uuid.MustParse("3f9a0c1e-4a7b-4b8e-8d1c-0a2b3c4d5e01")
	groupGUID = uuid.MustParse("3f9a0c1e-4a7b-4b8e-8d1c-0a2b3c4d5e02")

	baptism = models.ConnectionOpportunity{
		ID:             1,
		GUID:           uuid.MustParse("8a0b5b0e-6e4b-4c7a-9d2e-1f0a8c9b0a01"),
		Name:           "Baptism",
		IsActive:       true,
		ConnectionType: models.ConnectionType{ID: 10, Name: "Next Steps", DaysUntilRequestIdle: 7},
	}
	volunteer = models.ConnectionOpportunity{
		ID:             2,
		GUID:           uuid.MustParse("8a0b5b0e-6e4b-4c7a-9d2e-1f0a8c9b0a02"),
		Name:           "Volunteer",
		IsActive:       true,
		ConnectionType: models.ConnectionType{ID: 11, Name: "Serving", DaysUntilRequestIdle: 30},
	}

	ted   = models.Person{ID: 1, FirstName: "Ted", LastName: "Decker", Email: "ted@example.com", SMSNumber: "+16235551234"}
	cindy = models.Person{ID: 2, FirstName: "Cindy", LastName: "Decker", Email: "cindy@example.com", SMSNumber: "+16235554321"}
)

func ptr[T any](v T) *T { return &v }

func request(id, connector int, opp models.ConnectionOpportunity) models.ConnectionRequest {
	return models.ConnectionRequest{
		ID:                id,
		ConnectorAliasID:  ptr(connector + 1000),
		ConnectorPersonID: ptr(connector),
		OpportunityID:     opp.ID,
		Opportunity:       opp,
		State:             models.StateActive,
		CreatedAt:         testNow.AddDate(0, 0, -2),
	}
}

func reminderComm() *models.SystemCommunication {
	return &models.SystemCommunication{
		ID:         7,
		GUID:       commGUID,
		Title:      "Connection Reminder",
		Subject:    "You have open connections",
		Body:       "{{ len .Requests }} open",
		SMSMessage: "{{ len .Requests }} open connections",
	}
}

type fakeSource struct {
	comm     *models.SystemCommunication
	commErr  error
	requests []models.ConnectionRequest
	people   map[int]models.Person
	groups   map[uuid.UUID][]int

	// personErrs fails individual person lookups
	personErrs map[int]error

	mu      sync.Mutex
	queries []database.RequestQuery
	lookups int
}

func newFakeSource(requests ...models.ConnectionRequest) *fakeSource {
	return &fakeSource{
		comm:     reminderComm(),
		requests: requests,
		people:   map[int]models.Person{ted.ID: ted, cindy.ID: cindy},
		groups:   map[uuid.UUID][]int{},
	}
}

func (f *fakeSource) ConnectionRequests(_ context.Context, q database.RequestQuery) ([]models.ConnectionRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.requests, nil
}

func (f *fakeSource) Person(_ context.Context, id int) (*models.Person, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if err, ok := f.personErrs[id]; ok {
		return nil, err
	}
	p, ok := f.people[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", database.ErrPersonNotFound, id)
	}
	return &p, nil
}

func (f *fakeSource) GroupMemberPersonIDs(_ context.Context, guid uuid.UUID, _ bool) ([]int, error) {
	ids, ok := f.groups[guid]
	if !ok {
		return nil, database.ErrGroupNotFound
	}
	return ids, nil
}

func (f *fakeSource) SystemCommunication(context.Context, uuid.UUID) (*models.SystemCommunication, error) {
	return f.comm, f.commErr
}

type sentMessage struct {
	Person models.Person
	Medium models.Medium
	Fields map[string]any
}

type fakeNotifier struct {
	transports map[models.Medium]bool
	failFor    map[int]string
	warnFor    map[int]string

	mu   sync.Mutex
	sent []sentMessage
}

func newFakeNotifier(media ...models.Medium) *fakeNotifier {
	n := &fakeNotifier{
		transports: map[models.Medium]bool{models.MediumEmail: true},
		failFor:    map[int]string{},
		warnFor:    map[int]string{},
	}
	for _, m := range media {
		n.transports[m] = true
	}
	return n
}

func (n *fakeNotifier) HasActiveTransport(m models.Medium) bool { return n.transports[m] }

func (n *fakeNotifier) Send(_ context.Context, p models.Person, m models.Medium, _ *models.SystemCommunication, fields map[string]any) models.SendResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	if msg, ok := n.failFor[p.ID]; ok {
		return models.SendResult{Errors: []string{msg}}
	}
	if msg, ok := n.warnFor[p.ID]; ok {
		return models.SendResult{Warnings: []string{msg}}
	}
	n.sent = append(n.sent, sentMessage{Person: p, Medium: m, Fields: fields})
	return models.SendResult{MessagesSent: 1}
}

func (n *fakeNotifier) media() []models.Medium {
	out := make([]models.Medium, len(n.sent))
	for i, s := range n.sent {
		out[i] = s.Medium
	}
	return out
}

type alertRecorder struct {
	messages []string
}

func (a *alertRecorder) SendMessage(_ context.Context, text string) error {
	a.messages = append(a.messages, text)
	return nil
}
