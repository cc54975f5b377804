package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/sluicedata/sluice/pkg/jsonutil"
)

// ============================================================================
// Backups
// ============================================================================

// BackupStatus is the lifecycle of one backup run.
type BackupStatus string

const (
	BackupStatusRunning BackupStatus = "RUNNING"
	BackupStatusSuccess BackupStatus = "SUCCESS"
	BackupStatusFailed  BackupStatus = "FAILED"
)

// ValidBackupStatuses contains all valid backup status values.
var ValidBackupStatuses = []BackupStatus{
	BackupStatusRunning,
	BackupStatusSuccess,
	BackupStatusFailed,
}

// IsValidBackupStatus checks if the given status is valid.
func IsValidBackupStatus(s BackupStatus) bool {
	for _, v := range ValidBackupStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Backup is a scheduled backup definition. Name is unique; ScheduleCron
// decides when the scheduler hands it to the backup runner. Config is
// runner-specific (target path, compression, retention).
type Backup struct {
	ID           uuid.UUID         `json:"id"`
	Name         string            `json:"name"`
	DatabaseName string            `json:"database_name"`
	ScheduleCron string            `json:"schedule_cron"`
	Enabled      bool              `json:"enabled"`
	Config       jsonutil.Document `json:"config,omitempty"`
	LastRunAt    *time.Time        `json:"last_run_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// BackupHistory is the append-only record of backup runs.
type BackupHistory struct {
	ID              uuid.UUID    `json:"id"`
	BackupName      string       `json:"backup_name"`
	Status          BackupStatus `json:"status"`
	SizeBytes       *int64       `json:"size_bytes,omitempty"`
	DurationSeconds *float64     `json:"duration_seconds,omitempty"`
	ErrorMessage    *string      `json:"error_message,omitempty"`
	StartedAt       time.Time    `json:"started_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
}
