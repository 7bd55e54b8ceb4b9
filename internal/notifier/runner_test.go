package notifier

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/BEMADEV/Open-Connections-Digest/internal/database"
	"github.com/BEMADEV/Open-Connections-Digest/internal/models"
)

const jobName = "open-connections-digest"

func newStore(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.InitSQLite(filepath.Join(t.TempDir(), "digest.db"))
	require.NoError(t, err)
	require.NoError(t, database.InitSchema(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func runnerOptions() Options {
	opts := baseOptions()
	opts.Now = time.Time{}
	opts.LastSuccessfulRun = nil
	return opts
}

func TestRunnerRecordsHistoryAndAdvancesLastRun(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	clk := testingclock.NewFakeClock(testNow)
	source := newFakeSource(scenario()...)
	metricsPath := filepath.Join(t.TempDir(), "digest.prom")

	runner := NewRunner(NewJob(source, newFakeNotifier(), nil), store, nil, NewMetrics(), clk, nil, RunnerConfig{
		JobName:         jobName,
		Owner:           "host-a",
		MetricsTextfile: metricsPath,
	})

	first, err := runner.Run(ctx, runnerOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, first.MessagesSent)
	assert.Empty(t, first.Dispatches[0].Bundle.New, "nothing is new without a previous run")

	last, err := store.LastSuccessfulRun(ctx, jobName)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(testNow))

	// a request created after the first run shows up as new in the second
	fresh := request(8, ted.ID, baptism)
	fresh.CreatedAt = testNow.Add(time.Hour)
	source.requests = append(source.requests, fresh)

	clk.SetTime(testNow.Add(24 * time.Hour))
	second, err := runner.Run(ctx, runnerOptions())
	require.NoError(t, err)

	tedBundle := second.Dispatches[0].Bundle
	require.NotNil(t, tedBundle.LastRun)
	assert.True(t, tedBundle.LastRun.Equal(testNow))
	assert.Equal(t, 1, tedBundle.New.Count())
	assert.Equal(t, []int{8}, tedBundle.New[0].IDs())

	stats, err := store.GetDigestStats(ctx, testNow.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"succeeded": 2}, stats["by_status"])
	assert.Equal(t, map[string]int{"email": 4}, stats["by_medium"])

	data, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "connections_digest_messages_sent 2")
	assert.Contains(t, string(data), "connections_digest_last_run_success 1")
	assert.Contains(t, string(data), `connections_digest_recipients{medium="email"} 2`)
}

func TestRunnerFailureAlertsAndKeepsLastRun(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	clk := testingclock.NewFakeClock(testNow)
	alerts := &alertRecorder{}
	n := newFakeNotifier()

	runner := NewRunner(NewJob(newFakeSource(scenario()...), n, nil), store, alerts, nil, clk, nil, RunnerConfig{JobName: jobName, Owner: "host-a"})
	_, err := runner.Run(ctx, runnerOptions())
	require.NoError(t, err)

	n.failFor[cindy.ID] = "Failed to send email to Cindy Decker: timeout"
	clk.SetTime(testNow.Add(24 * time.Hour))
	result, err := runner.Run(ctx, runnerOptions())
	require.Error(t, err)
	assert.Equal(t, 1, result.MessagesSent)

	require.Len(t, alerts.messages, 1)
	assert.Contains(t, alerts.messages[0], "Failed to send email to Cindy Decker: timeout")

	last, err := store.LastSuccessfulRun(ctx, jobName)
	require.NoError(t, err)
	assert.True(t, last.Equal(testNow), "failed run must not move the marker")

	stats, err := store.GetDigestStats(ctx, testNow.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"succeeded": 1, "failed": 1}, stats["by_status"])
}

func TestRunnerSkipsWhenLocked(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	clk := testingclock.NewFakeClock(testNow)
	n := newFakeNotifier()

	ok, err := store.AcquireLock(ctx, jobName, "host-b", testNow, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	runner := NewRunner(NewJob(newFakeSource(scenario()...), n, nil), store, nil, nil, clk, nil, RunnerConfig{JobName: jobName, Owner: "host-a"})
	_, err = runner.Run(ctx, runnerOptions())
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Empty(t, n.sent)

	stats, err := store.GetDigestStats(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"skipped": 1}, stats["by_status"])

	// the lock is released after a normal run
	require.NoError(t, store.ReleaseLock(ctx, jobName, "host-b"))
	_, err = runner.Run(ctx, runnerOptions())
	require.NoError(t, err)
	ok, err = store.AcquireLock(ctx, jobName, "host-c", testNow, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

type refreshSpy struct {
	*database.DB
	refreshed chan time.Time
}

func (s *refreshSpy) RefreshLock(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	held, err := s.DB.RefreshLock(ctx, name, owner, now, ttl)
	s.refreshed <- now
	return held, err
}

func TestRunnerKeepsLockDuringLongRun(t *testing.T) {
	ctx := context.Background()
	store := &refreshSpy{DB: newStore(t), refreshed: make(chan time.Time, 1)}
	clk := testingclock.NewFakeClock(testNow)

	runner := NewRunner(nil, store, nil, nil, clk, nil, RunnerConfig{JobName: jobName, Owner: "host-a", LockTTL: time.Hour})

	ok, err := store.AcquireLock(ctx, jobName, "host-a", testNow, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	stop := runner.keepLock(ctx)
	defer stop()

	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	clk.Step(50 * time.Minute)

	select {
	case at := <-store.refreshed:
		assert.True(t, at.Equal(testNow.Add(50*time.Minute)))
	case <-time.After(5 * time.Second):
		t.Fatal("lock was not refreshed")
	}

	// the original hour has passed, yet another owner is still kept out
	ok, err = store.AcquireLock(ctx, jobName, "host-b", testNow.Add(70*time.Minute), time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunnerDryRunDoesNotAdvanceLastRun(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	clk := testingclock.NewFakeClock(testNow)

	runner := NewRunner(NewJob(newFakeSource(scenario()...), newFakeNotifier(), nil), store, nil, nil, clk, nil, RunnerConfig{
		JobName: jobName,
		Owner:   "host-a",
		DryRun:  true,
	})
	_, err := runner.Run(ctx, runnerOptions())
	require.NoError(t, err)

	last, err := store.LastSuccessfulRun(ctx, jobName)
	require.NoError(t, err)
	assert.Nil(t, last)

	stats, err := store.GetDigestStats(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{string(models.RunDryRun): 1}, stats["by_status"])
}

func TestRunnerLastRunOverride(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	clk := testingclock.NewFakeClock(testNow)
	override := testNow.AddDate(0, 0, -30)

	runner := NewRunner(NewJob(newFakeSource(scenario()...), newFakeNotifier(), nil), store, nil, nil, clk, nil, RunnerConfig{
		JobName:         jobName,
		Owner:           "host-a",
		LastRunOverride: &override,
	})
	result, err := runner.Run(ctx, runnerOptions())
	require.NoError(t, err)

	// every request in the scenario is newer than the override
	assert.Equal(t, 3, result.Dispatches[0].Bundle.New.Count())
	assert.Equal(t, 1, result.Dispatches[1].Bundle.New.Count())
}
