package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/BEMADEV/Open-Connections-Digest/internal/database"
	"github.com/BEMADEV/Open-Connections-Digest/internal/logging"
	"github.com/BEMADEV/Open-Connections-Digest/internal/models"
)

// ErrRunInProgress is returned when another run holds the job lock.
var ErrRunInProgress = errors.New("another digest run is in progress")

// RunStore keeps the lock and the run history.
type RunStore interface {
	AcquireLock(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error)
	RefreshLock(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, owner string) error
	StartRun(ctx context.Context, jobName string, startedAt time.Time) (int64, error)
	FinishRun(ctx context.Context, runID int64, o database.RunOutcome) error
	RecordSkippedRun(ctx context.Context, jobName string, at time.Time, reason string) error
	LastSuccessfulRun(ctx context.Context, jobName string) (*time.Time, error)
	RecordDigests(ctx context.Context, runID int64, records []database.DigestRecord) error
}

// Alerter is told about failed runs.
type Alerter interface {
	SendMessage(ctx context.Context, text string) error
}

type RunnerConfig struct {
	JobName string
	Owner   string
	LockTTL time.Duration
	DryRun  bool

	// LastRunOverride replaces the stored last successful run.
	LastRunOverride *time.Time

	// MetricsTextfile is written after every run when set.
	MetricsTextfile string
}

// Runner wraps a Job with the single-run lock, run history, metrics and
// failure alerts.
type Runner struct {
	job     *Job
	store   RunStore
	alerter Alerter
	metrics *Metrics
	clock   clock.Clock
	logger  *logging.Logger
	cfg     RunnerConfig
}

func NewRunner(job *Job, store RunStore, alerter Alerter, metrics *Metrics, clk clock.Clock, logger *logging.Logger, cfg RunnerConfig) *Runner {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.JobName == "" {
		cfg.JobName = "open-connections-digest"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Hour
	}
	return &Runner{
		job:     job,
		store:   store,
		alerter: alerter,
		metrics: metrics,
		clock:   clk,
		logger:  logger.With("job", cfg.JobName),
		cfg:     cfg,
	}
}

func (r *Runner) Run(ctx context.Context, opts Options) (*RunResult, error) {
	now := r.clock.Now()

	acquired, err := r.store.AcquireLock(ctx, r.cfg.JobName, r.cfg.Owner, now, r.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		r.logger.Warn("run skipped, lock is held")
		if err := r.store.RecordSkippedRun(ctx, r.cfg.JobName, now, ErrRunInProgress.Error()); err != nil {
			r.logger.LogError("failed to record skipped run", err)
		}
		return nil, ErrRunInProgress
	}
	defer func() {
		// release even if ctx was cancelled mid-run
		if err := r.store.ReleaseLock(context.WithoutCancel(ctx), r.cfg.JobName, r.cfg.Owner); err != nil {
			r.logger.LogError("failed to release lock", err)
		}
	}()
	stopRefresh := r.keepLock(ctx)
	defer stopRefresh()

	lastRun := r.cfg.LastRunOverride
	if lastRun == nil {
		lastRun, err = r.store.LastSuccessfulRun(ctx, r.cfg.JobName)
		if err != nil {
			return nil, err
		}
	}
	opts.LastSuccessfulRun = lastRun
	opts.Now = now

	runID, err := r.store.StartRun(ctx, r.cfg.JobName, now)
	if err != nil {
		return nil, err
	}

	result, runErr := r.job.Run(ctx, opts)
	finished := r.clock.Now()
	stats := result.Stats(r.clock.Since(now))

	status := models.RunSucceeded
	switch {
	case runErr != nil:
		status = models.RunFailed
	case r.cfg.DryRun:
		status = models.RunDryRun
	}

	summary := result.Summary()
	if runErr != nil {
		var re *RunError
		if !errors.As(runErr, &re) {
			summary = fmt.Sprintf("%s\n%v", summary, runErr)
		}
	}

	// history is written with a fresh context so a cancelled run is still recorded
	storeCtx := context.WithoutCancel(ctx)
	if err := r.store.RecordDigests(storeCtx, runID, digestRecords(result, finished)); err != nil {
		r.logger.LogError("failed to record digests", err)
	}
	if err := r.store.FinishRun(storeCtx, runID, database.RunOutcome{
		Status:     status,
		FinishedAt: finished,
		Stats:      stats,
		Result:     summary,
	}); err != nil {
		r.logger.LogError("failed to record run outcome", err)
	}

	r.logger.LogRunStats(status, stats)

	if r.metrics != nil {
		r.metrics.Observe(result, stats, runErr == nil)
		if r.cfg.MetricsTextfile != "" {
			if err := r.metrics.WriteTextfile(r.cfg.MetricsTextfile); err != nil {
				r.logger.LogError("failed to write metrics textfile", err, "path", r.cfg.MetricsTextfile)
			}
		}
	}

	if runErr != nil && r.alerter != nil {
		if err := r.alerter.SendMessage(storeCtx, "Open connections digest failed:\n"+summary); err != nil {
			r.logger.LogError("failed to send failure alert", err)
		}
	}

	return result, runErr
}

func digestRecords(result *RunResult, at time.Time) []database.DigestRecord {
	records := make([]database.DigestRecord, 0, len(result.Dispatches))
	for _, d := range result.Dispatches {
		records = append(records, database.DigestRecord{
			PersonID:      d.Bundle.Person.ID,
			PersonName:    d.Bundle.Person.FullName(),
			Medium:        d.Medium,
			RequestCount:  len(d.Bundle.Requests),
			NewCount:      d.Bundle.New.Count(),
			IdleCount:     d.Bundle.Idle.Count(),
			CriticalCount: d.Bundle.Critical.Count(),
			Fingerprint:   d.Bundle.Fingerprint(),
			MessagesSent:  d.Result.MessagesSent,
			Warnings:      len(d.Result.Warnings),
			Errors:        len(d.Result.Errors),
			CreatedAt:     at,
		})
	}
	return records
}

// keepLock extends the lock every third of its TTL so a long run is never
// taken over. The returned func stops the refresher and waits for it.
func (r *Runner) keepLock(ctx context.Context) func() {
	interval := r.cfg.LockTTL / 3
	timer := r.clock.NewTimer(interval)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C():
			}

			held, err := r.store.RefreshLock(ctx, r.cfg.JobName, r.cfg.Owner, r.clock.Now(), r.cfg.LockTTL)
			switch {
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				r.logger.LogError("failed to refresh lock", err)
			case !held:
				r.logger.Warn("lock lost, another run may overlap this one")
				return
			}
			timer.Reset(interval)
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
