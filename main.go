package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"k8s.io/utils/clock"

	"github.com/BEMADEV/Open-Connections-Digest/internal/communication"
	"github.com/BEMADEV/Open-Connections-Digest/internal/config"
	"github.com/BEMADEV/Open-Connections-Digest/internal/database"
	"github.com/BEMADEV/Open-Connections-Digest/internal/digest"
	"github.com/BEMADEV/Open-Connections-Digest/internal/logging"
	"github.com/BEMADEV/Open-Connections-Digest/internal/models"
	"github.com/BEMADEV/Open-Connections-Digest/internal/notifier"
	"github.com/BEMADEV/Open-Connections-Digest/internal/slack"
)

// Version information - these will be set at build time via ldflags
var (
	Version   = "dev"     // Version number
	GitCommit = "unknown" // Git commit hash
	BuildDate = "unknown" // Build date
	GoVersion = "unknown" // Go version used to build
)

const jobName = "open-connections-digest"

func main() {
	// Parse command line flags
	cfg := config.ParseFlags()

	// Check for version flag before other validation
	if cfg.ShowVersion {
		printVersion()
		os.Exit(0)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Set up logging
	logger := logging.NewLogger(cfg.LogFormat, cfg.Verbose, nil, Version, GitCommit)
	logger.SetAsDefault()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Verbose("starting open connections digest",
		"build_date", BuildDate,
		"quiet_hours_enabled", cfg.QuietHours.Enabled,
		"dry_run", cfg.DryRun,
	)

	// Check connections mode
	if cfg.CheckConnections {
		if err := checkConnections(ctx, cfg, logger); err != nil {
			logger.LogError("connection check failed", err)
			os.Exit(1)
		}
		color.Green("All connections successful!")
		os.Exit(0)
	}

	// Initialize SQLite database
	db, err := database.InitSQLite(cfg.DBPath)
	if err != nil {
		logger.LogError("failed to initialize SQLite", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize database schema if requested
	if cfg.InitDB {
		if err := database.InitSchema(db); err != nil {
			logger.LogError("failed to initialize database schema", err)
			os.Exit(1)
		}
		color.Green("Database initialized successfully!")
		os.Exit(0)
	}

	// Cleanup mode
	if cfg.Cleanup {
		if err := performCleanup(ctx, db, cfg, logger); err != nil {
			logger.LogError("failed to perform cleanup", err)
			os.Exit(1)
		}
		color.Green("Cleanup completed successfully!")
		os.Exit(0)
	}

	// Stats only mode
	if cfg.StatsOnly {
		if err := printStats(ctx, db, cfg); err != nil {
			logger.LogError("failed to print stats", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	// run history lives in the same file; make sure it exists
	if err := database.InitSchema(db); err != nil {
		logger.LogError("failed to initialize database schema", err)
		os.Exit(1)
	}

	loc, err := cfg.Location()
	if err != nil {
		logger.LogError("invalid timezone", err)
		os.Exit(1)
	}
	rock, err := database.ConnectRock(cfg.Rock, loc)
	if err != nil {
		logger.LogError("failed to connect to Rock", err)
		os.Exit(1)
	}
	defer rock.Close()

	runner, opts, err := buildRunner(cfg, rock, db, logger)
	if err != nil {
		logger.LogError("failed to set up digest job", err)
		os.Exit(1)
	}

	result, err := runner.Run(ctx, opts)
	if errors.Is(err, notifier.ErrRunInProgress) {
		color.Yellow("Skipped: %v", err)
		os.Exit(0)
	}
	if result != nil && (cfg.Stats || cfg.Verbose || err != nil) {
		printRunSummary(result)
	}
	if err != nil {
		logger.LogError("digest run failed", err)
		os.Exit(1)
	}
}

func buildRunner(cfg *config.Config, rock *database.RockDB, db *database.DB, logger *logging.Logger) (*notifier.Runner, notifier.Options, error) {
	var opts notifier.Options

	commGUID, err := cfg.SystemCommunicationGUID()
	if err != nil {
		return nil, opts, err
	}
	sendUsing, err := cfg.SendUsing()
	if err != nil {
		return nil, opts, err
	}
	opps, err := cfg.OpportunityGUIDs()
	if err != nil {
		return nil, opts, err
	}
	group, err := cfg.ConnectionGroupGUID()
	if err != nil {
		return nil, opts, err
	}
	lastRunOverride, err := cfg.LastRunOverride()
	if err != nil {
		return nil, opts, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, opts, err
	}

	quiet, err := notifier.NewQuietHours(cfg.QuietHours, loc)
	if err != nil {
		return nil, opts, err
	}

	opts = notifier.Options{
		SystemCommunication:     commGUID,
		SendUsing:               sendUsing,
		OpportunityGUIDs:        opps,
		ConnectionGroup:         group,
		IncludeDescendantGroups: cfg.Digest.IncludeDescendantGroups,
		Presentation: digest.Presentation{
			IncludeOpportunityBreakdown: cfg.Digest.IncludeOpportunityBreakdown,
			IncludeAllRequests:          cfg.Digest.IncludeAllRequests,
		},
		Location: loc,
	}

	serviceOpts := []communication.Option{
		communication.WithDefaultSender(cfg.SMTP.FromEmail, cfg.SMTP.FromName),
	}
	for _, t := range transports(cfg, logger) {
		serviceOpts = append(serviceOpts, communication.WithTransport(t))
	}
	service := communication.NewService(logger.With("component", "communication"), serviceOpts...)

	job := notifier.NewJob(rock, service, logger,
		notifier.WithQuietHours(quiet),
		notifier.WithWorkers(cfg.Digest.Workers),
		notifier.WithSendRate(cfg.Digest.SendRatePerMinute),
	)

	// a nil *slack.Client must not end up inside the interface
	var alerter notifier.Alerter
	if c := slack.NewClient(cfg.Slack); c != nil {
		alerter = c
	}

	var metrics *notifier.Metrics
	if cfg.MetricsTextfile != "" {
		metrics = notifier.NewMetrics()
	}

	runner := notifier.NewRunner(job, db, alerter, metrics, clock.RealClock{}, logger, notifier.RunnerConfig{
		JobName:         jobName,
		Owner:           lockOwner(),
		LockTTL:         cfg.LockTTL.Duration,
		DryRun:          cfg.DryRun,
		LastRunOverride: lastRunOverride,
		MetricsTextfile: cfg.MetricsTextfile,
	})
	return runner, opts, nil
}

// transports returns the configured delivery channels. Dry runs log instead
// of sending but keep the same set of active media.
func transports(cfg *config.Config, logger *logging.Logger) []communication.Transport {
	var out []communication.Transport
	add := func(m models.Medium, real communication.Transport) {
		if cfg.DryRun {
			out = append(out, communication.NewLogTransport(m, logger))
			return
		}
		out = append(out, real)
	}

	if cfg.SMTP.Host != "" || cfg.DryRun {
		add(models.MediumEmail, communication.NewSMTPTransport(cfg.SMTP))
	}
	if cfg.SMS.URL != "" {
		add(models.MediumSMS, communication.NewGatewayTransport(models.MediumSMS, cfg.SMS))
	}
	if cfg.Push.URL != "" {
		add(models.MediumPush, communication.NewGatewayTransport(models.MediumPush, cfg.Push))
	}
	return out
}

func lockOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

func printVersion() {
	fmt.Printf("Open Connections Digest\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Git Commit: %s\n", GitCommit)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Go Version: %s\n", GoVersion)
}

func checkConnections(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	logger.Info("checking connections")

	logger.Info("testing Rock database connection", "dsn", cfg.GetDSNInfo())
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	rock, err := database.ConnectRock(cfg.Rock, loc)
	if err != nil {
		return fmt.Errorf("Rock connection failed: %w", err)
	}
	defer rock.Close()
	if err := rock.Ping(ctx); err != nil {
		return fmt.Errorf("Rock ping failed: %w", err)
	}
	logger.Info("Rock database connection successful")

	if cfg.Digest.SystemCommunication != "" {
		guid, err := cfg.SystemCommunicationGUID()
		if err != nil {
			return err
		}
		comm, err := rock.SystemCommunication(ctx, guid)
		if err != nil {
			return err
		}
		if comm == nil {
			return notifier.ErrMissingSystemCommunication
		}
		logger.Info("system communication found", "title", comm.Title, "has_sms", comm.SMSMessage != "")
	}

	if c := slack.NewClient(cfg.Slack); c != nil {
		logger.Info("testing Slack webhook")
		if err := c.SendMessage(ctx, "Open connections digest: webhook test"); err != nil {
			return fmt.Errorf("Slack webhook test failed: %w", err)
		}
		logger.Info("Slack webhook test successful")
	}

	return nil
}

func printStats(ctx context.Context, db *database.DB, cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.DBTimeout.Duration)
	defer cancel()

	stats, err := db.GetDigestStats(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("failed to get statistics: %w", err)
	}

	// Always use human-readable format for --stats-only
	printHumanReadableStats(stats)
	return nil
}

func printHumanReadableStats(stats map[string]interface{}) {
	bold := color.New(color.Bold)
	bold.Printf("\n=== Open Connections Digest Statistics ===\n\n")

	if total, ok := stats["total_runs"].(int); ok {
		fmt.Printf("Total Runs: %d\n\n", total)
	}

	if last, ok := stats["last_successful_run"].(time.Time); ok {
		fmt.Printf("Last Successful Run: %s\n\n", last.Local().Format(time.RFC1123))
	}

	printCounts(bold, "By Status:", stats["by_status"])
	printCounts(bold, "By Medium:", stats["by_medium"])

	if sent24h, ok := stats["sent_last_24h"].(int); ok {
		fmt.Printf("Sent in Last 24 Hours: %d\n\n", sent24h)
	}

	if load, ok := stats["connector_load_7d"].(map[string]interface{}); ok {
		bold.Println("Connector Load (Last 7 Days):")
		if avg, ok := load["average_requests"].(float64); ok {
			fmt.Printf("  Average: %.1f requests\n", avg)
		}
		if avg, ok := load["average_idle"].(float64); ok {
			fmt.Printf("  Idle: %.1f per digest\n", avg)
		}
		if avg, ok := load["average_critical"].(float64); ok {
			fmt.Printf("  Critical: %.1f per digest\n", avg)
		}
	}
}

func printCounts(heading *color.Color, title string, v interface{}) {
	counts, ok := v.(map[string]int)
	if !ok || len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	heading.Println(title)
	for _, k := range keys {
		fmt.Printf("  %s: %d\n", k, counts[k])
	}
	fmt.Println()
}

func printRunSummary(result *notifier.RunResult) {
	fmt.Println()
	color.New(color.Bold).Println("=== Run Summary ===")
	fmt.Printf("Requests scanned: %d\n", result.RequestsScanned)
	fmt.Printf("Connectors: %d\n", len(result.Dispatches))

	sent := color.GreenString("%d", result.MessagesSent)
	fmt.Printf("Messages sent: %s\n", sent)

	if len(result.Warnings) > 0 {
		color.Yellow("%s", notifier.FormatMessages(result.Warnings, "Warning"))
	}
	if len(result.Errors) > 0 {
		color.Red("%s", notifier.FormatMessages(result.Errors, "Error"))
	}
}

func performCleanup(ctx context.Context, db *database.DB, cfg *config.Config, logger *logging.Logger) error {
	logger.Info("starting database cleanup",
		"retention_days", cfg.RetentionDays,
		"auto_vacuum", cfg.AutoVacuum,
	)

	if _, err := notifier.CleanupHistory(ctx, db, logger, time.Now(), cfg.RetentionDays); err != nil {
		return fmt.Errorf("failed to cleanup old runs: %w", err)
	}

	if cfg.AutoVacuum {
		if err := notifier.VacuumDatabase(ctx, db, logger); err != nil {
			return fmt.Errorf("failed to vacuum database: %w", err)
		}
	}

	return nil
}
