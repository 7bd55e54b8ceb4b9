// Package communication renders a system communication for one person and
// delivers it over email, SMS or push.
package communication

import (
	"context"
	"fmt"
	"strings"

	"github.com/BEMADEV/Open-Connections-Digest/internal/logging"
	"github.com/BEMADEV/Open-Connections-Digest/internal/models"
)

// Message is a rendered communication ready for a transport.
type Message struct {
	Medium   models.Medium
	PersonID int
	To       string
	ToName   string
	From     string
	FromName string
	// Subject is the email subject or the push title.
	Subject string
	Body    string
}

// Transport delivers messages for a single medium.
type Transport interface {
	Medium() models.Medium
	Send(ctx context.Context, msg Message) error
}

type Service struct {
	transports map[models.Medium]Transport
	templates  *templateCache
	logger     *logging.Logger
	fromEmail  string
	fromName   string
}

type Option func(*Service)

// WithDefaultSender is used when the communication has no sender of its own.
func WithDefaultSender(email, name string) Option {
	return func(s *Service) {
		s.fromEmail = email
		s.fromName = name
	}
}

func WithTransport(t Transport) Option {
	return func(s *Service) {
		if t != nil {
			s.transports[t.Medium()] = t
		}
	}
}

func NewService(logger *logging.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Service{
		transports: make(map[models.Medium]Transport),
		templates:  newTemplateCache(),
		logger:     logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) HasActiveTransport(m models.Medium) bool {
	_, ok := s.transports[m]
	return ok
}

// Send renders comm for person and hands it to the medium's transport.
// A person who can't be reached on the medium is a warning; rendering and
// delivery failures are errors.
func (s *Service) Send(ctx context.Context, person models.Person, medium models.Medium, comm *models.SystemCommunication, mergeFields map[string]any) models.SendResult {
	var result models.SendResult

	transport, ok := s.transports[medium]
	if !ok {
		result.Errors = append(result.Errors, fmt.Sprintf("No active %s transport to reach %s.", medium, person.FullName()))
		return result
	}

	if warning := unreachable(person, medium); warning != "" {
		result.Warnings = append(result.Warnings, warning)
		return result
	}

	msg, err := s.compose(person, medium, comm, mergeFields)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("Failed to render %s for %s: %v", comm.Title, person.FullName(), err))
		return result
	}

	if err := transport.Send(ctx, msg); err != nil {
		s.logger.LogError("send failed", err, "person_id", person.ID, "medium", string(medium))
		result.Errors = append(result.Errors, fmt.Sprintf("Failed to send %s to %s: %v", medium, person.FullName(), err))
		return result
	}

	result.MessagesSent = 1
	return result
}

func unreachable(person models.Person, medium models.Medium) string {
	switch medium {
	case models.MediumEmail:
		if strings.TrimSpace(person.Email) == "" {
			return fmt.Sprintf("%s does not have an email address.", person.FullName())
		}
	case models.MediumSMS:
		if strings.TrimSpace(person.SMSNumber) == "" {
			return fmt.Sprintf("%s does not have an SMS enabled phone number.", person.FullName())
		}
	}
	return ""
}

func (s *Service) compose(person models.Person, medium models.Medium, comm *models.SystemCommunication, fields map[string]any) (Message, error) {
	msg := Message{
		Medium:   medium,
		PersonID: person.ID,
		ToName:   person.FullName(),
	}

	var err error
	switch medium {
	case models.MediumEmail:
		msg.To = person.Email
		msg.From, msg.FromName = s.fromEmail, s.fromName
		if comm.FromEmail != "" {
			msg.From = comm.FromEmail
		}
		if comm.FromName != "" {
			msg.FromName = comm.FromName
		}
		if msg.Subject, err = s.templates.text(comm.Subject, fields); err != nil {
			return msg, fmt.Errorf("subject: %w", err)
		}
		if msg.Body, err = s.templates.html(comm.Body, fields); err != nil {
			return msg, fmt.Errorf("body: %w", err)
		}
	case models.MediumSMS:
		msg.To = person.SMSNumber
		if msg.Body, err = s.templates.text(comm.SMSMessage, fields); err != nil {
			return msg, fmt.Errorf("sms message: %w", err)
		}
	case models.MediumPush:
		msg.To = fmt.Sprint(person.ID)
		if msg.Subject, err = s.templates.text(comm.PushTitle, fields); err != nil {
			return msg, fmt.Errorf("push title: %w", err)
		}
		if msg.Body, err = s.templates.text(comm.PushBody, fields); err != nil {
			return msg, fmt.Errorf("push body: %w", err)
		}
	default:
		return msg, fmt.Errorf("unknown medium %q", medium)
	}

	msg.Subject = strings.TrimSpace(msg.Subject)
	msg.Body = strings.TrimSpace(msg.Body)
	return msg, nil
}

// LogTransport stands in for a real transport on dry runs.
type LogTransport struct {
	medium models.Medium
	logger *logging.Logger
}

func NewLogTransport(medium models.Medium, logger *logging.Logger) *LogTransport {
	return &LogTransport{medium: medium, logger: logger}
}

func (t *LogTransport) Medium() models.Medium { return t.medium }

func (t *LogTransport) Send(_ context.Context, msg Message) error {
	t.logger.Info("dry run, message not sent",
		"medium", string(msg.Medium),
		"person_id", msg.PersonID,
		"to", msg.To,
		"subject", msg.Subject,
		"body_bytes", len(msg.Body),
	)
	t.logger.Verbose("dry run body", "body", msg.Body)
	return nil
}
