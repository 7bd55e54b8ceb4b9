package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/BEMADEV/Open-Connections-Digest/internal/models"
)

type Config struct {
	// SQLite
	DBPath    string   `json:"db_path" yaml:"db_path"`
	DBTimeout Duration `json:"db_timeout" yaml:"db_timeout"`

	// Rock database
	Rock RockConfig `json:"rock" yaml:"rock"`

	// Digest job
	Digest   DigestConfig `json:"digest" yaml:"digest"`
	Timezone string       `json:"timezone" yaml:"timezone"`

	// Delivery
	SMTP  SMTPConfig    `json:"smtp" yaml:"smtp"`
	SMS   GatewayConfig `json:"sms" yaml:"sms"`
	Push  GatewayConfig `json:"push" yaml:"push"`
	Slack SlackConfig   `json:"slack" yaml:"slack"`

	// SMS quiet hours
	QuietHours QuietHoursConfig `json:"quiet_hours" yaml:"quiet_hours"`

	// Cleanup
	RetentionDays int  `json:"retention_days" yaml:"retention_days"`
	AutoVacuum    bool `json:"auto_vacuum" yaml:"auto_vacuum"`

	// Operational
	LockTTL          Duration `json:"lock_ttl" yaml:"lock_ttl"`
	MetricsTextfile  string   `json:"metrics_textfile" yaml:"metrics_textfile"`
	DryRun           bool     `json:"dry_run" yaml:"dry_run"`
	Verbose          bool     `json:"verbose" yaml:"verbose"`
	LogFormat        string   `json:"log_format" yaml:"log_format"`
	Stats            bool     `json:"stats" yaml:"stats"`
	ShowVersion      bool     `json:"-" yaml:"-"`
	CheckConnections bool     `json:"-" yaml:"-"`
	InitDB           bool     `json:"-" yaml:"-"`
	StatsOnly        bool     `json:"-" yaml:"-"`
	Cleanup          bool     `json:"-" yaml:"-"`
}

type RockConfig struct {
	DSN     string   `json:"dsn" yaml:"dsn"`         // MySQL connection string
	Timeout Duration `json:"timeout" yaml:"timeout"` // Query timeout
}

// DigestConfig holds the job settings an administrator picks for the digest.
type DigestConfig struct {
	SystemCommunication         string   `json:"system_communication" yaml:"system_communication"`
	SendUsing                   string   `json:"send_using" yaml:"send_using"`
	ConnectionOpportunities     []string `json:"connection_opportunities" yaml:"connection_opportunities"`
	ConnectionGroup             string   `json:"connection_group" yaml:"connection_group"`
	IncludeDescendantGroups     bool     `json:"include_descendant_groups" yaml:"include_descendant_groups"`
	IncludeAllRequests          bool     `json:"include_all_requests" yaml:"include_all_requests"`
	IncludeOpportunityBreakdown bool     `json:"include_opportunity_breakdown" yaml:"include_opportunity_breakdown"`
	LastRunOverride             string   `json:"last_run_override" yaml:"last_run_override"`
	Workers                     int      `json:"workers" yaml:"workers"`
	SendRatePerMinute           int      `json:"send_rate_per_minute" yaml:"send_rate_per_minute"`
}

type SMTPConfig struct {
	Host      string   `json:"host" yaml:"host"`
	Port      int      `json:"port" yaml:"port"`
	Username  string   `json:"username" yaml:"username"`
	Password  string   `json:"password" yaml:"password"`
	FromEmail string   `json:"from_email" yaml:"from_email"`
	FromName  string   `json:"from_name" yaml:"from_name"`
	Timeout   Duration `json:"timeout" yaml:"timeout"`
}

// GatewayConfig describes an HTTP gateway that accepts JSON messages, used
// for SMS and push delivery.
type GatewayConfig struct {
	URL           string   `json:"url" yaml:"url"`
	Token         string   `json:"token" yaml:"token"`
	From          string   `json:"from" yaml:"from"`
	Timeout       Duration `json:"timeout" yaml:"timeout"`
	RetryAttempts int      `json:"retry_attempts" yaml:"retry_attempts"`
}

type SlackConfig struct {
	WebhookURL    string   `json:"webhook_url" yaml:"webhook_url"`
	Timeout       Duration `json:"timeout" yaml:"timeout"`
	RetryAttempts int      `json:"retry_attempts" yaml:"retry_attempts"`
}

type QuietHoursConfig struct {
	Enabled      bool           `json:"enabled" yaml:"enabled"`
	StartHour    int            `json:"start_hour" yaml:"start_hour"`
	EndHour      int            `json:"end_hour" yaml:"end_hour"`
	WorkDays     []time.Weekday `json:"work_days" yaml:"work_days"`
	HolidaysFile string         `json:"holidays_file" yaml:"holidays_file"`
}

// ParseFlags parses os.Args and exits on a bad config file, the way a
// scheduled binary should.
func ParseFlags() *Config {
	cfg, err := ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// ParseArgs builds a Config from defaults, flags, an optional config file
// and environment overrides, in that order.
func ParseArgs(args []string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := &Config{}
	fs := flag.NewFlagSet("open-connections-digest", flag.ContinueOnError)

	// Config file flag
	configFile := fs.String("config-file", "", "Path to JSON or YAML configuration file")

	// SQLite flags
	fs.StringVar(&cfg.DBPath, "db-path", "./digest.db", "Path to SQLite run-state database")
	fs.DurationVar(&cfg.DBTimeout.Duration, "db-timeout", 5*time.Second, "SQLite timeout")

	// Rock flags
	fs.StringVar(&cfg.Rock.DSN, "rock-dsn", "", "Rock database DSN, user:password@tcp(host:3306)/rock (required; times are read in --timezone)")
	fs.DurationVar(&cfg.Rock.Timeout.Duration, "rock-timeout", 30*time.Second, "Rock query timeout")

	// Digest flags
	fs.StringVar(&cfg.Digest.SystemCommunication, "system-communication", "", "System communication GUID used to render reminders (required)")
	fs.StringVar(&cfg.Digest.SendUsing, "send-using", "email", "How reminders are sent: email, sms or recipient-preference")
	fs.StringSliceVar(&cfg.Digest.ConnectionOpportunities, "connection-opportunities", nil, "Connection opportunity GUIDs to include (default all)")
	fs.StringVar(&cfg.Digest.ConnectionGroup, "connection-group", "", "Only email connectors who are active members of this group GUID")
	fs.BoolVar(&cfg.Digest.IncludeDescendantGroups, "include-descendant-groups", false, "Also include members of the connection group's descendant groups")
	fs.BoolVar(&cfg.Digest.IncludeAllRequests, "include-all-requests", true, "Include a line for every connection request")
	fs.BoolVar(&cfg.Digest.IncludeOpportunityBreakdown, "include-opportunity-breakdown", true, "Include an opportunity breakdown")
	fs.StringVar(&cfg.Digest.LastRunOverride, "last-run", "", "Treat this RFC3339 time as the last successful run")
	fs.IntVar(&cfg.Digest.Workers, "workers", 4, "Connectors assembled in parallel")
	fs.IntVar(&cfg.Digest.SendRatePerMinute, "send-rate-per-minute", 60, "Maximum digests sent per minute (0 = unlimited)")
	fs.StringVar(&cfg.Timezone, "timezone", "America/Chicago", "Organization timezone used for 'today'")

	// SMTP flags
	fs.StringVar(&cfg.SMTP.Host, "smtp-host", "", "SMTP host")
	fs.IntVar(&cfg.SMTP.Port, "smtp-port", 587, "SMTP port")
	fs.StringVar(&cfg.SMTP.Username, "smtp-username", "", "SMTP username")
	fs.StringVar(&cfg.SMTP.FromEmail, "smtp-from", "", "Default from address")
	fs.StringVar(&cfg.SMTP.FromName, "smtp-from-name", "", "Default from name")
	fs.DurationVar(&cfg.SMTP.Timeout.Duration, "smtp-timeout", 30*time.Second, "SMTP timeout")

	// SMS and push gateway flags
	fs.StringVar(&cfg.SMS.URL, "sms-gateway-url", "", "SMS gateway URL (empty disables SMS)")
	fs.StringVar(&cfg.SMS.From, "sms-from", "", "SMS sender number")
	fs.DurationVar(&cfg.SMS.Timeout.Duration, "sms-timeout", 10*time.Second, "SMS gateway timeout")
	fs.IntVar(&cfg.SMS.RetryAttempts, "sms-retry-attempts", 3, "SMS gateway retry attempts")
	fs.StringVar(&cfg.Push.URL, "push-gateway-url", "", "Push gateway URL (empty disables push)")
	fs.DurationVar(&cfg.Push.Timeout.Duration, "push-timeout", 10*time.Second, "Push gateway timeout")
	fs.IntVar(&cfg.Push.RetryAttempts, "push-retry-attempts", 3, "Push gateway retry attempts")

	// Slack flags
	fs.StringVar(&cfg.Slack.WebhookURL, "slack-webhook", "", "Slack webhook URL for failed-run alerts")
	fs.DurationVar(&cfg.Slack.Timeout.Duration, "slack-timeout", 10*time.Second, "Slack request timeout")
	fs.IntVar(&cfg.Slack.RetryAttempts, "slack-retry-attempts", 3, "Slack retry attempts")

	// Quiet hours flags
	fs.BoolVar(&cfg.QuietHours.Enabled, "quiet-hours-enabled", false, "Send SMS only during business hours; email otherwise")
	fs.IntVar(&cfg.QuietHours.StartHour, "business-hours-start", 9, "Business hours start (0-23)")
	fs.IntVar(&cfg.QuietHours.EndHour, "business-hours-end", 17, "Business hours end (0-23)")
	workDaysStr := fs.String("business-hours-days", "1,2,3,4,5", "Business days (1=Mon, 7=Sun)")
	fs.StringVar(&cfg.QuietHours.HolidaysFile, "holidays-file", "", "Path to holidays JSON file")

	// Cleanup flags
	fs.IntVar(&cfg.RetentionDays, "retention-days", 90, "Days to retain run history")
	fs.BoolVar(&cfg.AutoVacuum, "auto-vacuum", false, "Automatically vacuum database after cleanup")

	// Operational flags
	fs.DurationVar(&cfg.LockTTL.Duration, "lock-ttl", time.Hour, "Age after which a run lock is considered stale")
	fs.StringVar(&cfg.MetricsTextfile, "metrics-textfile", "", "Write run metrics to this node_exporter textfile")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Build and render digests but don't send them")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", "text", "Log format (text or json)")
	fs.BoolVar(&cfg.Stats, "stats", false, "Print statistics at end")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Print version and exit")
	fs.BoolVar(&cfg.CheckConnections, "check-connections", false, "Test connections and exit")
	fs.BoolVar(&cfg.InitDB, "init-db", false, "Initialize database and exit")
	fs.BoolVar(&cfg.StatsOnly, "stats-only", false, "Print statistics and exit")
	fs.BoolVar(&cfg.Cleanup, "cleanup", false, "Clean up old records and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.QuietHours.WorkDays = parseWorkDays(*workDaysStr)

	// Load config file if specified
	if *configFile != "" {
		if err := cfg.LoadFromFile(*configFile); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv lets secrets stay out of flags and config files.
func (c *Config) applyEnv() {
	if v := os.Getenv("DIGEST_ROCK_DSN"); v != "" {
		c.Rock.DSN = v
	}
	if v := os.Getenv("DIGEST_SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("DIGEST_SMS_TOKEN"); v != "" {
		c.SMS.Token = v
	}
	if v := os.Getenv("DIGEST_PUSH_TOKEN"); v != "" {
		c.Push.Token = v
	}
	if v := os.Getenv("DIGEST_SLACK_WEBHOOK"); v != "" {
		c.Slack.WebhookURL = v
	}
}

func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (c *Config) SaveToFile(filename string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Rock.DSN == "" {
		return fmt.Errorf("--rock-dsn is required")
	}
	if err := c.validateDSN(); err != nil {
		return fmt.Errorf("invalid DSN: %w", err)
	}

	// Modes that never run the digest don't need job settings.
	if c.InitDB || c.StatsOnly || c.Cleanup || c.CheckConnections {
		return nil
	}

	if _, err := c.SystemCommunicationGUID(); err != nil {
		return err
	}
	if _, err := c.SendUsing(); err != nil {
		return err
	}
	if _, err := c.OpportunityGUIDs(); err != nil {
		return err
	}
	if _, err := c.ConnectionGroupGUID(); err != nil {
		return err
	}
	if _, err := c.LastRunOverride(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid --timezone: %w", err)
	}
	if c.Digest.Workers < 1 {
		return fmt.Errorf("--workers must be at least 1")
	}
	if c.Digest.SendRatePerMinute < 0 {
		return fmt.Errorf("--send-rate-per-minute must not be negative")
	}
	if c.SMTP.Host == "" && !c.DryRun {
		return fmt.Errorf("--smtp-host is required")
	}

	if c.QuietHours.StartHour < 0 || c.QuietHours.StartHour > 23 {
		return fmt.Errorf("--business-hours-start must be 0-23")
	}
	if c.QuietHours.EndHour < 0 || c.QuietHours.EndHour > 23 {
		return fmt.Errorf("--business-hours-end must be 0-23")
	}
	if c.QuietHours.StartHour >= c.QuietHours.EndHour {
		return fmt.Errorf("--business-hours-start must be before --business-hours-end")
	}

	return nil
}

// SystemCommunicationGUID parses the required system communication.
func (c *Config) SystemCommunicationGUID() (uuid.UUID, error) {
	if strings.TrimSpace(c.Digest.SystemCommunication) == "" {
		return uuid.Nil, fmt.Errorf("--system-communication is required")
	}
	id, err := uuid.Parse(strings.TrimSpace(c.Digest.SystemCommunication))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --system-communication: %w", err)
	}
	return id, nil
}

// SendUsing accepts the names shown in --help as well as the numeric values
// stored by the original job attribute.
func (c *Config) SendUsing() (models.CommunicationType, error) {
	switch strings.ToLower(strings.TrimSpace(c.Digest.SendUsing)) {
	case "", "email", "1":
		return models.CommunicationEmail, nil
	case "sms", "2":
		return models.CommunicationSMS, nil
	case "recipient-preference", "recipient_preference", "0":
		return models.CommunicationRecipientPreference, nil
	default:
		return 0, fmt.Errorf("invalid --send-using %q (email, sms or recipient-preference)", c.Digest.SendUsing)
	}
}

func (c *Config) OpportunityGUIDs() ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, s := range c.Digest.ConnectionOpportunities {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid connection opportunity %q: %w", s, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// ConnectionGroupGUID returns nil when no group is configured.
func (c *Config) ConnectionGroupGUID() (*uuid.UUID, error) {
	s := strings.TrimSpace(c.Digest.ConnectionGroup)
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid --connection-group: %w", err)
	}
	return &id, nil
}

func (c *Config) LastRunOverride() (*time.Time, error) {
	s := strings.TrimSpace(c.Digest.LastRunOverride)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid --last-run: %w", err)
	}
	return &t, nil
}

func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// validateDSN performs basic validation on the MySQL DSN format
func (c *Config) validateDSN() error {
	dsn := c.Rock.DSN

	if !strings.Contains(dsn, "@") || !strings.Contains(dsn, "/") {
		return fmt.Errorf("DSN must be in format 'user:password@tcp(host:port)/database?options'")
	}

	if strings.HasPrefix(dsn, "tcp://") {
		return fmt.Errorf("DSN should not include 'tcp://' scheme, use format: 'user:password@tcp(host:port)/database'")
	}

	return nil
}

// GetDSNInfo returns parsed information from the DSN for display purposes
func (c *Config) GetDSNInfo() map[string]string {
	info := make(map[string]string)
	dsn := c.Rock.DSN

	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return info
	}
	if user, _, ok := strings.Cut(dsn[:at], ":"); ok || user != "" {
		info["user"] = user
	}

	remaining := dsn[at+1:]
	if strings.HasPrefix(remaining, "tcp(") {
		end := strings.Index(remaining, ")")
		if end > 4 {
			hostPort := remaining[4:end]
			info["host_port"] = hostPort
			if host, port, ok := strings.Cut(hostPort, ":"); ok {
				info["host"] = host
				info["port"] = port
			}
			remaining = remaining[end+1:]
		}
	}
	if strings.HasPrefix(remaining, "/") {
		db, _, _ := strings.Cut(remaining[1:], "?")
		info["database"] = db
	}

	return info
}

func parseWorkDays(s string) []time.Weekday {
	parts := strings.Split(s, ",")
	days := make([]time.Weekday, 0, len(parts))

	for _, p := range parts {
		p = strings.TrimSpace(p)
		switch p {
		case "1":
			days = append(days, time.Monday)
		case "2":
			days = append(days, time.Tuesday)
		case "3":
			days = append(days, time.Wednesday)
		case "4":
			days = append(days, time.Thursday)
		case "5":
			days = append(days, time.Friday)
		case "6":
			days = append(days, time.Saturday)
		case "7":
			days = append(days, time.Sunday)
		}
	}

	return days
}
