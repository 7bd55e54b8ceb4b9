package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/BEMADEV/Open-Connections-Digest/internal/models"
)

// DB is the local run-state store. Timestamps are written in UTC so they
// compare correctly as text.
type DB struct {
	*sql.DB
}

func InitSQLite(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	// Pragmas are per connection; a single connection keeps them in force.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	return &DB{db}, nil
}

func InitSchema(db *DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS job_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_name TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP DEFAULT NULL,
		status TEXT NOT NULL,
		requests_scanned INTEGER DEFAULT 0,
		connectors INTEGER DEFAULT 0,
		messages_sent INTEGER DEFAULT 0,
		warnings INTEGER DEFAULT 0,
		errors INTEGER DEFAULT 0,
		result TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_job_runs_status ON job_runs(job_name, status, started_at);

	CREATE TABLE IF NOT EXISTS job_lock (
		name TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		acquired_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS digest_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES job_runs(id) ON DELETE CASCADE,
		person_id INTEGER NOT NULL,
		person_name TEXT,
		medium TEXT NOT NULL,
		request_count INTEGER DEFAULT 0,
		new_count INTEGER DEFAULT 0,
		idle_count INTEGER DEFAULT 0,
		critical_count INTEGER DEFAULT 0,
		fingerprint TEXT,
		messages_sent INTEGER DEFAULT 0,
		warnings INTEGER DEFAULT 0,
		errors INTEGER DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_digest_log_run ON digest_log(run_id);
	CREATE INDEX IF NOT EXISTS idx_digest_log_person ON digest_log(person_id, created_at);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// AcquireLock takes the named lock unless another owner holds one that has
// not yet expired. It reports whether the lock was taken.
func (db *DB) AcquireLock(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	now = now.UTC()
	result, err := db.ExecContext(ctx, `
		INSERT INTO job_lock (name, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			owner = excluded.owner,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE job_lock.expires_at <= ?
	`, name, owner, now, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RefreshLock pushes the expiry of a held lock to now+ttl. It reports false
// when owner no longer holds the lock.
func (db *DB) RefreshLock(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE job_lock SET expires_at = ?
		WHERE name = ? AND owner = ?
	`, now.UTC().Add(ttl), name, owner)
	if err != nil {
		return false, fmt.Errorf("failed to refresh lock %s: %w", name, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLock drops the lock if owner still holds it.
func (db *DB) ReleaseLock(ctx context.Context, name, owner string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM job_lock WHERE name = ? AND owner = ?`, name, owner); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}

func (db *DB) StartRun(ctx context.Context, jobName string, startedAt time.Time) (int64, error) {
	result, err := db.ExecContext(ctx, `
		INSERT INTO job_runs (job_name, started_at, status)
		VALUES (?, ?, ?)
	`, jobName, startedAt.UTC(), models.RunRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to record run start: %w", err)
	}
	return result.LastInsertId()
}

// RunOutcome is written to job_runs when a run ends.
type RunOutcome struct {
	Status     models.RunStatus
	FinishedAt time.Time
	Stats      models.RunStats
	Result     string
}

func (db *DB) FinishRun(ctx context.Context, runID int64, o RunOutcome) error {
	_, err := db.ExecContext(ctx, `
		UPDATE job_runs
		SET status = ?,
			finished_at = ?,
			requests_scanned = ?,
			connectors = ?,
			messages_sent = ?,
			warnings = ?,
			errors = ?,
			result = ?
		WHERE id = ?
	`, o.Status, o.FinishedAt.UTC(), o.Stats.RequestsScanned, o.Stats.Connectors,
		o.Stats.MessagesSent, o.Stats.Warnings, o.Stats.Errors, o.Result, runID)
	if err != nil {
		return fmt.Errorf("failed to record run outcome: %w", err)
	}
	return nil
}

// RecordSkippedRun notes a trigger that found another run in progress.
func (db *DB) RecordSkippedRun(ctx context.Context, jobName string, at time.Time, reason string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO job_runs (job_name, started_at, finished_at, status, result)
		VALUES (?, ?, ?, ?, ?)
	`, jobName, at.UTC(), at.UTC(), models.RunSkipped, reason)
	if err != nil {
		return fmt.Errorf("failed to record skipped run: %w", err)
	}
	return nil
}

// LastSuccessfulRun returns the start time of the latest succeeded run, or
// nil if there has never been one.
func (db *DB) LastSuccessfulRun(ctx context.Context, jobName string) (*time.Time, error) {
	var startedAt time.Time
	err := db.QueryRowContext(ctx, `
		SELECT started_at
		FROM job_runs
		WHERE job_name = ? AND status = ?
		ORDER BY started_at DESC
		LIMIT 1
	`, jobName, models.RunSucceeded).Scan(&startedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last successful run: %w", err)
	}
	return &startedAt, nil
}

// DigestRecord is one row of the per-recipient dispatch log.
type DigestRecord struct {
	PersonID      int
	PersonName    string
	Medium        models.Medium
	RequestCount  int
	NewCount      int
	IdleCount     int
	CriticalCount int
	Fingerprint   string
	MessagesSent  int
	Warnings      int
	Errors        int
	CreatedAt     time.Time
}

func (db *DB) RecordDigests(ctx context.Context, runID int64, records []DigestRecord) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO digest_log (
			run_id,
			person_id,
			person_name,
			medium,
			request_count,
			new_count,
			idle_count,
			critical_count,
			fingerprint,
			messages_sent,
			warnings,
			errors,
			created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		_, err := stmt.ExecContext(ctx,
			runID,
			r.PersonID,
			r.PersonName,
			r.Medium,
			r.RequestCount,
			r.NewCount,
			r.IdleCount,
			r.CriticalCount,
			r.Fingerprint,
			r.MessagesSent,
			r.Warnings,
			r.Errors,
			r.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to record digest for person %d: %w", r.PersonID, err)
		}
	}

	return tx.Commit()
}

// DigestsForRun returns the log rows for a run in insertion order.
func (db *DB) DigestsForRun(ctx context.Context, runID int64) ([]DigestRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT person_id, COALESCE(person_name, ''), medium, request_count, new_count,
			idle_count, critical_count, COALESCE(fingerprint, ''), messages_sent,
			warnings, errors, created_at
		FROM digest_log
		WHERE run_id = ?
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DigestRecord
	for rows.Next() {
		var r DigestRecord
		var medium string
		if err := rows.Scan(&r.PersonID, &r.PersonName, &medium, &r.RequestCount, &r.NewCount,
			&r.IdleCount, &r.CriticalCount, &r.Fingerprint, &r.MessagesSent,
			&r.Warnings, &r.Errors, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Medium = models.Medium(medium)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetDigestStats returns statistics about past runs
func (db *DB) GetDigestStats(ctx context.Context, now time.Time) (map[string]interface{}, error) {
	stats := make(map[string]interface{})
	now = now.UTC()

	var total int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM job_runs").Scan(&total); err != nil {
		return nil, err
	}
	stats["total_runs"] = total

	statusCounts, err := db.countBy(ctx, `
		SELECT status, COUNT(*)
		FROM job_runs
		GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	stats["by_status"] = statusCounts

	mediumCounts, err := db.countBy(ctx, `
		SELECT medium, COALESCE(SUM(messages_sent), 0)
		FROM digest_log
		GROUP BY medium
	`)
	if err != nil {
		return nil, err
	}
	stats["by_medium"] = mediumCounts

	var last24h int
	err = db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(messages_sent), 0)
		FROM digest_log
		WHERE created_at > ?
	`, now.Add(-24*time.Hour)).Scan(&last24h)
	if err != nil {
		return nil, err
	}
	stats["sent_last_24h"] = last24h

	var avgRequests, avgIdle, avgCritical sql.NullFloat64
	err = db.QueryRowContext(ctx, `
		SELECT
			AVG(request_count),
			AVG(idle_count),
			AVG(critical_count)
		FROM digest_log
		WHERE created_at > ?
	`, now.Add(-7*24*time.Hour)).Scan(&avgRequests, &avgIdle, &avgCritical)
	if err != nil {
		return nil, err
	}

	load := make(map[string]interface{})
	if avgRequests.Valid {
		load["average_requests"] = avgRequests.Float64
	}
	if avgIdle.Valid {
		load["average_idle"] = avgIdle.Float64
	}
	if avgCritical.Valid {
		load["average_critical"] = avgCritical.Float64
	}
	stats["connector_load_7d"] = load

	last, err := db.lastSucceededAnyJob(ctx)
	if err != nil {
		return nil, err
	}
	if last != nil {
		stats["last_successful_run"] = *last
	}

	return stats, nil
}

func (db *DB) lastSucceededAnyJob(ctx context.Context) (*time.Time, error) {
	var t time.Time
	err := db.QueryRowContext(ctx, `
		SELECT started_at FROM job_runs WHERE status = ? ORDER BY started_at DESC LIMIT 1
	`, models.RunSucceeded).Scan(&t)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (db *DB) countBy(ctx context.Context, query string) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		counts[key] = count
	}
	return counts, rows.Err()
}
