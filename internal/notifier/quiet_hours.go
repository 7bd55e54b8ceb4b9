package notifier

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/BEMADEV/Open-Connections-Digest/internal/config"
)

// QuietHours decides whether texting connectors is acceptable right now.
// Outside business hours, on non-work days and on holidays SMS is treated
// as unavailable and recipients get email instead.
type QuietHours struct {
	enabled   bool
	startHour int
	endHour   int
	timezone  *time.Location
	workDays  map[time.Weekday]bool
	holidays  map[string]bool
}

type HolidaysFile struct {
	Holidays []string `json:"holidays"`
}

func NewQuietHours(cfg config.QuietHoursConfig, loc *time.Location) (*QuietHours, error) {
	if loc == nil {
		loc = time.UTC
	}
	qh := &QuietHours{
		enabled:   cfg.Enabled,
		startHour: cfg.StartHour,
		endHour:   cfg.EndHour,
		timezone:  loc,
		workDays:  make(map[time.Weekday]bool),
		holidays:  make(map[string]bool),
	}

	for _, day := range cfg.WorkDays {
		qh.workDays[day] = true
	}

	if cfg.HolidaysFile != "" {
		if err := qh.loadHolidays(cfg.HolidaysFile); err != nil {
			return nil, fmt.Errorf("failed to load holidays file %s: %w", cfg.HolidaysFile, err)
		}
	}

	return qh, nil
}

// SMSAllowed reports whether t falls inside business hours. It is always
// true when quiet hours are disabled.
func (qh *QuietHours) SMSAllowed(t time.Time) bool {
	if qh == nil || !qh.enabled {
		return true
	}

	localTime := t.In(qh.timezone)

	if qh.holidays[localTime.Format("2006-01-02")] {
		return false
	}

	if !qh.workDays[localTime.Weekday()] {
		return false
	}

	hour := localTime.Hour()
	return hour >= qh.startHour && hour < qh.endHour
}

func (qh *QuietHours) loadHolidays(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	var hf HolidaysFile
	if err := json.Unmarshal(data, &hf); err != nil {
		return err
	}

	for _, holiday := range hf.Holidays {
		if _, err := time.Parse("2006-01-02", holiday); err != nil {
			return fmt.Errorf("invalid holiday %q: %w", holiday, err)
		}
		qh.holidays[holiday] = true
	}

	return nil
}
