package services

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/config"
	"github.com/sluicedata/sluice/pkg/logging"
	"github.com/sluicedata/sluice/pkg/models"
)

// defaultBackupTimeout bounds one dump unless the backup config overrides
// it with timeout_seconds.
const defaultBackupTimeout = 30 * time.Minute

// defaultBackupDir receives dump files when the backup config names no
// directory.
const defaultBackupDir = "backups"

// DumpRunner produces backups by invoking pg_dump against the catalog
// server. The backup's database_name selects the database; its config may
// set directory, format (custom or plain) and timeout_seconds.
type DumpRunner struct {
	conn    config.DatabaseConfig
	command string
	logger  *zap.Logger
}

// NewDumpRunner creates a runner that dumps databases on the given server.
func NewDumpRunner(conn config.DatabaseConfig, logger *zap.Logger) *DumpRunner {
	return &DumpRunner{
		conn:    conn,
		command: "pg_dump",
		logger:  logger.Named("backup"),
	}
}

var _ BackupRunner = (*DumpRunner)(nil)

// RunBackup dumps the backup's database to a timestamped file and returns
// the artifact size in bytes.
func (r *DumpRunner) RunBackup(ctx context.Context, backup *models.Backup) (int64, error) {
	database := backup.DatabaseName
	if database == "" {
		database = r.conn.Database
	}

	dir := backup.Config.GetStringDefault("directory", defaultBackupDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create backup directory %s: %w", dir, err)
	}

	format := backup.Config.GetStringDefault("format", "custom")
	ext := ".dump"
	if format == "plain" {
		ext = ".sql"
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s%s",
		backup.Name, time.Now().UTC().Format("20060102T150405Z"), ext))

	timeout := defaultBackupTimeout
	if v := backup.Config.GetInt("timeout_seconds", 0); v > 0 {
		timeout = time.Duration(v) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"--host=" + r.conn.Host,
		"--port=" + strconv.Itoa(r.conn.Port),
		"--username=" + r.conn.User,
		"--format=" + format,
		"--file=" + path,
		database,
	}
	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+r.conn.Password)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Run(); err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("pg_dump of %s failed: %s: %w",
			database, logging.TruncateString(stderr.String(), 512), err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat backup file %s: %w", path, err)
	}

	r.logger.Info("backup written",
		zap.String("backup", backup.Name),
		zap.String("database", database),
		zap.String("path", path),
		zap.Int64("size_bytes", info.Size()),
		zap.Float64("duration_seconds", time.Since(started).Seconds()))
	return info.Size(), nil
}
