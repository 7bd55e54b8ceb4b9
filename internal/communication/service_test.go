package communication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BEMADEV/Open-Connections-Digest/internal/digest"
	"github.com/BEMADEV/Open-Connections-Digest/internal/logging"
	"github.com/BEMADEV/Open-Connections-Digest/internal/models"
)

type recordingTransport struct {
	medium models.Medium
	err    error
	sent   []Message
}

func (r *recordingTransport) Medium() models.Medium { return r.medium }

func (r *recordingTransport) Send(_ context.Context, msg Message) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

var person = models.Person{ID: 42, NickName: "Ted", FirstName: "Theodore", LastName: "Decker", Email: "ted@example.com", SMSNumber: "+16235551234"}

func reminder() *models.SystemCommunication {
	return &models.SystemCommunication{
		Title:      "Connection Reminder",
		FromEmail:  "connections@example.org",
		Subject:    "{{ len .Requests }} open {{ pluralize (len .Requests) \"connection\" \"connections\" }}",
		Body:       `<p>Hi {{ .Person.NickName }},</p>{{ range .Requests }}<li>{{ .PersonName }}{{ if $.IdleConnectionRequestIds.Has .ID }} (idle){{ end }}</li>{{ end }}<p>Since {{ formatDate "" .LastRunDate }}</p>`,
		SMSMessage: "Hi {{ .Person.NickName }}, you have {{ len .Requests }} open connections.",
		PushTitle:  "Connections",
		PushBody:   "{{ len .Requests }} waiting",
	}
}

func fields() map[string]any {
	requests := []models.ConnectionRequest{
		{ID: 1, OpportunityID: 5, PersonName: "Pete <script>"},
		{ID: 2, OpportunityID: 5, PersonName: "Alisha"},
	}
	b := digest.RecipientBundle{
		Person:   person,
		Requests: requests,
		Idle:     digest.IDGroups{{OpportunityID: 5, IDs: []int{2}}},
		LastRun:  ptrTime(time.Date(2024, 3, 11, 6, 0, 0, 0, time.UTC)),
	}
	return b.MergeFields()
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestSendEmail(t *testing.T) {
	email := &recordingTransport{medium: models.MediumEmail}
	s := NewService(logging.Discard(), WithTransport(email), WithDefaultSender("fallback@example.org", "Connections Team"))

	res := s.Send(context.Background(), person, models.MediumEmail, reminder(), fields())
	assert.Equal(t, models.SendResult{MessagesSent: 1}, res)

	require.Len(t, email.sent, 1)
	msg := email.sent[0]
	assert.Equal(t, "ted@example.com", msg.To)
	assert.Equal(t, "Ted Decker", msg.ToName)
	assert.Equal(t, "connections@example.org", msg.From)
	assert.Equal(t, "Connections Team", msg.FromName)
	assert.Equal(t, "2 open connections", msg.Subject)
	assert.Contains(t, msg.Body, "<p>Hi Ted,</p>")
	assert.Contains(t, msg.Body, "Pete &lt;script&gt;")
	assert.Contains(t, msg.Body, "<li>Alisha (idle)</li>")
	assert.Contains(t, msg.Body, "Since Mar 11, 2024")
}

func TestSendSMSAndPush(t *testing.T) {
	sms := &recordingTransport{medium: models.MediumSMS}
	push := &recordingTransport{medium: models.MediumPush}
	s := NewService(nil, WithTransport(sms), WithTransport(push))

	assert.True(t, s.HasActiveTransport(models.MediumSMS))
	assert.False(t, s.HasActiveTransport(models.MediumEmail))

	res := s.Send(context.Background(), person, models.MediumSMS, reminder(), fields())
	assert.Equal(t, 1, res.MessagesSent)
	require.Len(t, sms.sent, 1)
	assert.Equal(t, "+16235551234", sms.sent[0].To)
	assert.Equal(t, "Hi Ted, you have 2 open connections.", sms.sent[0].Body)

	res = s.Send(context.Background(), person, models.MediumPush, reminder(), fields())
	assert.Equal(t, 1, res.MessagesSent)
	require.Len(t, push.sent, 1)
	assert.Equal(t, "Connections", push.sent[0].Subject)
	assert.Equal(t, "2 waiting", push.sent[0].Body)
	assert.Equal(t, 42, push.sent[0].PersonID)
}

func TestSendUnreachablePersonIsWarning(t *testing.T) {
	email := &recordingTransport{medium: models.MediumEmail}
	sms := &recordingTransport{medium: models.MediumSMS}
	s := NewService(nil, WithTransport(email), WithTransport(sms))

	noContact := person
	noContact.Email = ""
	noContact.SMSNumber = " "

	res := s.Send(context.Background(), noContact, models.MediumEmail, reminder(), fields())
	assert.Equal(t, []string{"Ted Decker does not have an email address."}, res.Warnings)
	assert.Zero(t, res.MessagesSent)
	assert.Empty(t, res.Errors)

	res = s.Send(context.Background(), noContact, models.MediumSMS, reminder(), fields())
	assert.Len(t, res.Warnings, 1)
	assert.Empty(t, email.sent)
	assert.Empty(t, sms.sent)
}

func TestSendFailuresAreErrors(t *testing.T) {
	ctx := context.Background()

	broken := &recordingTransport{medium: models.MediumEmail, err: errors.New("550 mailbox unavailable")}
	s := NewService(nil, WithTransport(broken))
	res := s.Send(ctx, person, models.MediumEmail, reminder(), fields())
	assert.Equal(t, []string{"Failed to send email to Ted Decker: 550 mailbox unavailable"}, res.Errors)
	assert.Zero(t, res.MessagesSent)

	email := &recordingTransport{medium: models.MediumEmail}
	s = NewService(nil, WithTransport(email))
	bad := reminder()
	bad.Body = "{{ .Requests"
	res = s.Send(ctx, person, models.MediumEmail, bad, fields())
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "Failed to render Connection Reminder for Ted Decker")
	assert.Empty(t, email.sent)

	res = s.Send(ctx, person, models.MediumSMS, reminder(), fields())
	assert.Equal(t, []string{"No active sms transport to reach Ted Decker."}, res.Errors)
}

func TestFormatDate(t *testing.T) {
	at := time.Date(2024, 3, 11, 6, 0, 0, 0, time.UTC)
	assert.Equal(t, "Mar 11, 2024", formatDate("", at))
	assert.Equal(t, "2024-03-11", formatDate("2006-01-02", &at))
	assert.Equal(t, "", formatDate("", nil))
	assert.Equal(t, "", formatDate("", (*time.Time)(nil)))
	assert.Equal(t, "", formatDate("", time.Time{}))
}

func TestLogTransport(t *testing.T) {
	lt := NewLogTransport(models.MediumSMS, logging.Discard())
	assert.Equal(t, models.MediumSMS, lt.Medium())
	assert.NoError(t, lt.Send(context.Background(), Message{Medium: models.MediumSMS, Body: "hi"}))
}
