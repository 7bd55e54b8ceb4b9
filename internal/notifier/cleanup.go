package notifier

import (
	"context"
	"time"

	"github.com/BEMADEV/Open-Connections-Digest/internal/database"
	"github.com/BEMADEV/Open-Connections-Digest/internal/logging"
)

// CleanupHistory removes run history older than retentionDays. Digest log
// rows go with their run.
func CleanupHistory(ctx context.Context, db *database.DB, logger *logging.Logger, now time.Time, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	cutoff := now.AddDate(0, 0, -retentionDays).UTC()

	result, err := db.ExecContext(ctx, `DELETE FROM job_runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}

	rowsAffected, err := result.RowsAffected()
	if err == nil && rowsAffected > 0 {
		logger.Info("cleaned up old runs", "rows", rowsAffected, "cutoff", cutoff)
	}

	// orphans from before foreign keys were enforced
	if _, err := db.ExecContext(ctx, `DELETE FROM digest_log WHERE run_id NOT IN (SELECT id FROM job_runs)`); err != nil {
		return rowsAffected, err
	}

	return rowsAffected, nil
}

// VacuumDatabase performs SQLite VACUUM to reclaim disk space
func VacuumDatabase(ctx context.Context, db *database.DB, logger *logging.Logger) error {
	logger.Info("performing database vacuum")
	start := time.Now()

	if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
		return err
	}

	logger.Info("database vacuum completed", "duration", time.Since(start))
	return nil
}
