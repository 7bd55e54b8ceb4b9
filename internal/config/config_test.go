package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/BEMADEV/Open-Connections-Digest/internal/models"
)

const (
	testDSN  = "rock:secret@tcp(db.example.org:3306)/rock?parseTime=true"
	testComm = "f3694629-0c5e-4b13-bdcd-45b21480cc84"
)

func validArgs(extra ...string) []string {
	return append([]string{
		"--rock-dsn", testDSN,
		"--system-communication", testComm,
		"--smtp-host", "smtp.example.org",
	}, extra...)
}

func TestParseArgsDefaults(t *testing.T) {
	cfg, err := ParseArgs(validArgs())
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "./digest.db", cfg.DBPath)
	assert.Equal(t, 30*time.Second, cfg.Rock.Timeout.Duration)
	assert.True(t, cfg.Digest.IncludeAllRequests)
	assert.True(t, cfg.Digest.IncludeOpportunityBreakdown)
	assert.False(t, cfg.Digest.IncludeDescendantGroups)
	assert.Equal(t, 4, cfg.Digest.Workers)
	assert.Equal(t, time.Hour, cfg.LockTTL.Duration)
	assert.Equal(t, []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}, cfg.QuietHours.WorkDays)

	sendUsing, err := cfg.SendUsing()
	require.NoError(t, err)
	assert.Equal(t, models.CommunicationEmail, sendUsing)

	group, err := cfg.ConnectionGroupGUID()
	require.NoError(t, err)
	assert.Nil(t, group)
}

func TestParseArgsDigestOptions(t *testing.T) {
	opp1 := uuid.New()
	opp2 := uuid.New()
	group := uuid.New()

	cfg, err := ParseArgs(validArgs(
		"--send-using", "recipient-preference",
		"--connection-opportunities", opp1.String()+","+opp2.String(),
		"--connection-group", group.String(),
		"--include-descendant-groups",
		"--include-all-requests=false",
		"--last-run", "2024-03-11T08:00:00Z",
	))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	sendUsing, _ := cfg.SendUsing()
	assert.Equal(t, models.CommunicationRecipientPreference, sendUsing)

	opps, err := cfg.OpportunityGUIDs()
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{opp1, opp2}, opps)

	g, err := cfg.ConnectionGroupGUID()
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, group, *g)
	assert.True(t, cfg.Digest.IncludeDescendantGroups)
	assert.False(t, cfg.Digest.IncludeAllRequests)

	lastRun, err := cfg.LastRunOverride()
	require.NoError(t, err)
	require.NotNil(t, lastRun)
	assert.True(t, lastRun.Equal(time.Date(2024, 3, 11, 8, 0, 0, 0, time.UTC)))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "missing DSN",
			args:    []string{"--system-communication", testComm},
			wantErr: "--rock-dsn is required",
		},
		{
			name:    "DSN with scheme",
			args:    []string{"--rock-dsn", "tcp://user@host/db", "--system-communication", testComm},
			wantErr: "invalid DSN",
		},
		{
			name:    "missing system communication",
			args:    []string{"--rock-dsn", testDSN, "--smtp-host", "smtp"},
			wantErr: "--system-communication is required",
		},
		{
			name:    "bad system communication",
			args:    []string{"--rock-dsn", testDSN, "--system-communication", "nope"},
			wantErr: "invalid --system-communication",
		},
		{
			name:    "bad send-using",
			args:    validArgs("--send-using", "pigeon"),
			wantErr: "invalid --send-using",
		},
		{
			name:    "bad opportunity",
			args:    validArgs("--connection-opportunities", "abc"),
			wantErr: "invalid connection opportunity",
		},
		{
			name:    "bad last run",
			args:    validArgs("--last-run", "yesterday"),
			wantErr: "invalid --last-run",
		},
		{
			name:    "zero workers",
			args:    validArgs("--workers", "0"),
			wantErr: "--workers must be at least 1",
		},
		{
			name:    "business hours reversed",
			args:    validArgs("--business-hours-start", "18", "--business-hours-end", "9"),
			wantErr: "--business-hours-start must be before --business-hours-end",
		},
		{
			name:    "smtp required unless dry run",
			args:    []string{"--rock-dsn", testDSN, "--system-communication", testComm},
			wantErr: "--smtp-host is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseArgs(tt.args)
			require.NoError(t, err)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateSkipsJobSettingsForMaintenanceModes(t *testing.T) {
	cfg, err := ParseArgs([]string{"--rock-dsn", testDSN, "--init-db"})
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}

func TestSendUsingNumericValues(t *testing.T) {
	for in, want := range map[string]models.CommunicationType{
		"0": models.CommunicationRecipientPreference,
		"1": models.CommunicationEmail,
		"2": models.CommunicationSMS,
		"":  models.CommunicationEmail,
	} {
		cfg := &Config{Digest: DigestConfig{SendUsing: in}}
		got, err := cfg.SendUsing()
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "digest.yaml")
	content := `
rock:
  dsn: "` + testDSN + `"
  timeout: 45s
digest:
  system_communication: "` + testComm + `"
  send_using: sms
  connection_opportunities:
    - 8a0b5b0e-6e4b-4c7a-9d2e-1f0a8c9b0a01
  include_all_requests: false
slack:
  timeout: 1000000000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := ParseArgs([]string{"--config-file", path, "--smtp-host", "smtp"})
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, testDSN, cfg.Rock.DSN)
	assert.Equal(t, 45*time.Second, cfg.Rock.Timeout.Duration)
	assert.Equal(t, time.Second, cfg.Slack.Timeout.Duration)
	assert.False(t, cfg.Digest.IncludeAllRequests)
	sendUsing, _ := cfg.SendUsing()
	assert.Equal(t, models.CommunicationSMS, sendUsing)
}

func TestLoadFromJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "digest.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"rock":{"dsn":"`+testDSN+`","timeout":"2m"},"retention_days":30}`), 0600))

	cfg := &Config{}
	require.NoError(t, cfg.LoadFromFile(path))
	assert.Equal(t, 2*time.Minute, cfg.Rock.Timeout.Duration)
	assert.Equal(t, 30, cfg.RetentionDays)

	assert.Error(t, cfg.LoadFromFile(filepath.Join(dir, "missing.json")))
}

func TestSaveToFileRoundTripsDurations(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{LockTTL: Duration{90 * time.Minute}}

	for _, name := range []string{"out.json", "out.yaml"} {
		path := filepath.Join(dir, name)
		require.NoError(t, cfg.SaveToFile(path))
		loaded := &Config{}
		require.NoError(t, loaded.LoadFromFile(path))
		assert.Equal(t, 90*time.Minute, loaded.LockTTL.Duration, name)
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	var d Duration
	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
	assert.Error(t, yaml.Unmarshal([]byte(`soon`), &d))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DIGEST_ROCK_DSN", "env:pw@tcp(env:3306)/rock")
	t.Setenv("DIGEST_SLACK_WEBHOOK", "https://hooks.slack.test/x")

	cfg, err := ParseArgs(validArgs())
	require.NoError(t, err)
	assert.Equal(t, "env:pw@tcp(env:3306)/rock", cfg.Rock.DSN)
	assert.Equal(t, "https://hooks.slack.test/x", cfg.Slack.WebhookURL)
}

func TestGetDSNInfo(t *testing.T) {
	cfg := &Config{Rock: RockConfig{DSN: testDSN}}
	info := cfg.GetDSNInfo()
	assert.Equal(t, "rock", info["user"])
	assert.Equal(t, "db.example.org", info["host"])
	assert.Equal(t, "3306", info["port"])
	assert.Equal(t, "rock", info["database"])
	assert.NotContains(t, info, "password")
}
