package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fieldline/fieldsync/internal/backup"
)

// SnapshotSource produces a consistent copy of the device database.
// Implemented by store.Store.
type SnapshotSource interface {
	Snapshot(ctx context.Context, destPath string) error
}

// BackupCoordinator periodically snapshots the device database and uploads
// the copy to durable storage.
type BackupCoordinator struct {
	source   SnapshotSource
	uploader backup.Uploader
	interval time.Duration
	workDir  string
}

// NewBackupCoordinator creates a coordinator that backs up every interval.
// workDir holds snapshots while they upload; files are removed afterwards.
func NewBackupCoordinator(source SnapshotSource, uploader backup.Uploader, interval time.Duration, workDir string) *BackupCoordinator {
	return &BackupCoordinator{
		source:   source,
		uploader: uploader,
		interval: interval,
		workDir:  workDir,
	}
}

// Run starts the coordinator loop. It blocks until ctx is cancelled.
// The first backup waits a full interval: on start the sync coordinator is
// already busy flushing the queue, and a fresh snapshot has little value.
func (c *BackupCoordinator) Run(ctx context.Context) {
	slog.Info("backup coordinator started",
		"component", "worker",
		"worker", "backup-coordinator",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("backup coordinator stopped",
				"component", "worker",
				"worker", "backup-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.backupOnce(ctx)
		}
	}
}

// backupOnce snapshots the database and uploads the copy.
func (c *BackupCoordinator) backupOnce(ctx context.Context) {
	dest := filepath.Join(c.workDir, fmt.Sprintf("fieldsync-%s.db", time.Now().UTC().Format("20060102T150405Z")))

	if err := c.source.Snapshot(ctx, dest); err != nil {
		slog.Error("database snapshot failed",
			"component", "worker",
			"worker", "backup-coordinator",
			"error", err,
		)
		return
	}
	defer os.Remove(dest)

	if err := c.uploader.Upload(ctx, dest); err != nil {
		if errors.Is(err, backup.ErrNotConfigured) {
			return
		}
		slog.Warn("snapshot upload failed, will retry next cycle",
			"component", "worker",
			"worker", "backup-coordinator",
			"error", err,
		)
		return
	}

	slog.Info("database backed up",
		"component", "worker",
		"worker", "backup-coordinator",
		"snapshot", filepath.Base(dest),
	)
}
