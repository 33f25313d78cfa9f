// backup_scheduler.go implements the BackupScheduler background job, which
// arms a one-shot timer for the next automatic backup and runs a "completo"
// backup when it fires. The next-run instant is persisted under
// backup:proxima_execucao so a process restart resumes the schedule instead
// of silently losing it; a persisted instant already in the past fires
// immediately on startup (the missed run is executed late, not dropped).
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/domestica-portal/domestica-portal/internal/backup"
	"github.com/domestica-portal/domestica-portal/internal/kvstore"
)

// BackupScheduler runs automatic full backups on the configured schedule.
type BackupScheduler struct {
	backups  *backup.Service
	store    kvstore.Store
	stopChan chan struct{}
	nudge    chan struct{}
}

// NewBackupScheduler creates a new BackupScheduler.
func NewBackupScheduler(backups *backup.Service, store kvstore.Store) *BackupScheduler {
	return &BackupScheduler{
		backups:  backups,
		store:    store,
		stopChan: make(chan struct{}),
		nudge:    make(chan struct{}, 1),
	}
}

// Reschedule asks the scheduler to recompute its timer from the current
// configuration. Called by the backup service after Configure. Safe to call
// before Start and never blocks.
func (s *BackupScheduler) Reschedule() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Start begins the scheduling loop. Each iteration arms a one-shot timer for
// the persisted next-run instant, executes a full backup when it fires, then
// re-arms. The loop exits when ctx is cancelled or Stop() is called.
func (s *BackupScheduler) Start(ctx context.Context) {
	slog.Info("backup scheduler started")

	for {
		next := s.nextRun(ctx)
		timer := time.NewTimer(time.Until(next))
		slog.Info("backup scheduler armed", "next_run", next)

		select {
		case <-timer.C:
			s.runScheduledBackup(ctx)
			s.persistNext(ctx, backup.NextRunFrom(time.Now(), s.backups.Config()))
		case <-s.nudge:
			timer.Stop()
		case <-s.stopChan:
			timer.Stop()
			slog.Info("backup scheduler stopped")
			return
		case <-ctx.Done():
			timer.Stop()
			slog.Info("backup scheduler context cancelled")
			return
		}
	}
}

// Stop signals the scheduling loop to exit.
func (s *BackupScheduler) Stop() {
	close(s.stopChan)
}

// nextRun returns the persisted next-run instant, computing and persisting a
// fresh one when none is stored.
func (s *BackupScheduler) nextRun(ctx context.Context) time.Time {
	var next time.Time
	err := s.store.Get(ctx, backup.KeyNextRun, &next)
	if err == nil && !next.IsZero() {
		return next
	}
	if err != nil && err != kvstore.ErrNotFound {
		slog.Error("backup scheduler: failed to read next run", "error", err)
	}

	next = backup.NextRunFrom(time.Now(), s.backups.Config())
	s.persistNext(ctx, next)
	return next
}

func (s *BackupScheduler) persistNext(ctx context.Context, next time.Time) {
	if err := s.store.Set(ctx, backup.KeyNextRun, next); err != nil {
		slog.Error("backup scheduler: failed to persist next run", "error", err)
	}
}

func (s *BackupScheduler) runScheduledBackup(ctx context.Context) {
	item, err := s.backups.Execute(ctx, backup.TypeFull)
	switch {
	case errors.Is(err, backup.ErrBackupRunning):
		slog.Warn("backup scheduler: skipped run, a backup is already in flight")
	case err != nil:
		slog.Error("backup scheduler: scheduled backup failed", "error", err)
	default:
		slog.Info("backup scheduler: scheduled backup completed", "id", item.ID, "arquivo", item.File)
	}
}
