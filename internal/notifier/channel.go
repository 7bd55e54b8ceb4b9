package notifier

import (
	"fmt"
	"strings"

	"github.com/BEMADEV/Open-Connections-Digest/internal/models"
)

// ResolveChannelPolicy settles the run-wide send-using value before any
// recipient is considered. SMS is only kept when a transport is active and
// the communication has an SMS body; every downgrade adds one warning.
func ResolveChannelPolicy(configured models.CommunicationType, comm models.SystemCommunication, smsTransportActive bool) (models.CommunicationType, []string) {
	var warnings []string
	hasSMSBody := strings.TrimSpace(comm.SMSMessage) != ""

	if configured == models.CommunicationSMS && (!smsTransportActive || !hasSMSBody) {
		warnings = append(warnings, fmt.Sprintf(
			"The job is setup to send via SMS but either SMS isn't enabled or no SMS message was found in system communication %s.",
			comm.Title))
		configured = models.CommunicationEmail
	}

	if configured != models.CommunicationEmail && !hasSMSBody {
		warnings = append(warnings, fmt.Sprintf(
			"No SMS message found in system communication %s. All connection reminders were sent via email.",
			comm.Title))
		configured = models.CommunicationEmail
	}

	return configured, warnings
}

// ResolveMedium picks the medium for one recipient. The job setting is
// consulted first and the person's own preference second; the first concrete
// choice wins. A medium that isn't available falls back to email, which is
// always available.
func ResolveMedium(configured, personPreference models.CommunicationType, available func(models.Medium) bool) models.Medium {
	for _, pref := range []models.CommunicationType{configured, personPreference} {
		switch pref {
		case models.CommunicationEmail:
			return models.MediumEmail
		case models.CommunicationSMS:
			return availableOrEmail(models.MediumSMS, available)
		case models.CommunicationPush:
			return availableOrEmail(models.MediumPush, available)
		}
	}
	return models.MediumEmail
}

func availableOrEmail(m models.Medium, available func(models.Medium) bool) models.Medium {
	if available != nil && available(m) {
		return m
	}
	return models.MediumEmail
}
