// retention_sweeper.go implements the RetentionSweeper background job, which
// periodically applies the retention policies: audit entries older than the
// audit retention window are removed from the main trail, and backup records
// past the backup retention window are deleted along with their archive
// blobs. The critical audit trail is exempt.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/domestica-portal/domestica-portal/internal/audit"
	"github.com/domestica-portal/domestica-portal/internal/backup"
)

// RetentionSweeper periodically enforces the audit and backup retention windows.
type RetentionSweeper struct {
	audits             *audit.Service
	backups            *backup.Service
	auditRetentionDays int
	interval           time.Duration
	stopChan           chan struct{}
}

// NewRetentionSweeper creates a new RetentionSweeper. A non-positive interval
// defaults to 24h.
func NewRetentionSweeper(audits *audit.Service, backups *backup.Service, auditRetentionDays int, interval time.Duration) *RetentionSweeper {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &RetentionSweeper{
		audits:             audits,
		backups:            backups,
		auditRetentionDays: auditRetentionDays,
		interval:           interval,
		stopChan:           make(chan struct{}),
	}
}

// Start begins the sweep loop. It runs once immediately, then repeats on the
// configured interval until ctx is cancelled or Stop() is called.
func (s *RetentionSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("retention sweeper started", "interval", s.interval, "audit_retention_days", s.auditRetentionDays)

	s.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-s.stopChan:
			slog.Info("retention sweeper stopped")
			return
		case <-ctx.Done():
			slog.Info("retention sweeper context cancelled")
			return
		}
	}
}

// Stop signals the sweep loop to exit.
func (s *RetentionSweeper) Stop() {
	close(s.stopChan)
}

func (s *RetentionSweeper) sweep(ctx context.Context) {
	removedLogs := s.audits.CleanupOldLogs(ctx, s.auditRetentionDays)
	removedBackups := s.backups.CleanupOldBackups(ctx)
	if removedLogs > 0 || removedBackups > 0 {
		slog.Info("retention sweep completed", "audit_removed", removedLogs, "backups_removed", removedBackups)
	}
}
