// Package lock implements the named catalog lock used to coordinate work
// across processes. Lock rows live in metadata.catalog_locks and self-heal
// through their expiry timestamp: a crashed holder's lock becomes
// reclaimable once expires_at passes.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/config"
)

// maxTTLSeconds bounds lock lifetimes; longer requests time out without work.
const maxTTLSeconds = 3600

// Manager acquires catalog locks on behalf of one process.
type Manager struct {
	pool     *pgxpool.Pool
	runtime  *config.Runtime
	hostname string
	logger   *zap.Logger
}

// NewManager creates a lock manager identified by hostname in lock rows.
func NewManager(pool *pgxpool.Pool, runtime *config.Runtime, hostname string, logger *zap.Logger) *Manager {
	return &Manager{
		pool:     pool,
		runtime:  runtime,
		hostname: hostname,
		logger:   logger.Named("lock"),
	}
}

// Lock is one held catalog lock. Release is idempotent and only removes the
// row while this session still owns it.
type Lock struct {
	manager   *Manager
	name      string
	sessionID string

	mu       sync.Mutex
	released bool
}

// TryAcquire attempts to take the named lock, retrying until maxWait elapses.
// Returns apperrors.ErrLockTimeout when the lock could not be taken in time
// or when ttlSeconds is outside (0, 3600]. Database failures during an
// attempt count as "did not acquire" and the loop keeps retrying.
func (m *Manager) TryAcquire(ctx context.Context, name string, ttlSeconds int, maxWait time.Duration) (*Lock, error) {
	if ttlSeconds <= 0 || ttlSeconds > maxTTLSeconds {
		return nil, fmt.Errorf("lock %q ttl %ds out of range: %w", name, ttlSeconds, apperrors.ErrLockTimeout)
	}

	sessionID := uuid.NewString()
	start := time.Now()

	for {
		acquired, err := m.attempt(ctx, name, sessionID, ttlSeconds)
		if err != nil {
			// DB failure is treated as contention; keep retrying until maxWait.
			m.logger.Debug("lock attempt failed",
				zap.String("lock_name", name),
				zap.Error(err))
		}
		if acquired {
			m.logger.Debug("lock acquired",
				zap.String("lock_name", name),
				zap.String("session_id", sessionID),
				zap.Duration("waited", time.Since(start)))
			return &Lock{manager: m, name: name, sessionID: sessionID}, nil
		}

		if time.Since(start) >= maxWait {
			return nil, fmt.Errorf("lock %q not acquired within %s: %w", name, maxWait, apperrors.ErrLockTimeout)
		}

		sleep := time.Duration(m.runtime.LockRetrySleepMs()) * time.Millisecond
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// attempt runs one acquisition round: clean expired rows, then
// insert-if-absent. Both statements share a transaction so peers never
// observe the window between cleanup and claim.
func (m *Manager) attempt(ctx context.Context, name, sessionID string, ttlSeconds int) (bool, error) {
	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM metadata.catalog_locks WHERE expires_at < NOW()`); err != nil {
		return false, fmt.Errorf("failed to clean expired locks: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO metadata.catalog_locks (lock_name, acquired_by, session_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, NOW(), NOW() + make_interval(secs => $4))
		ON CONFLICT (lock_name) DO NOTHING`,
		name, m.hostname, sessionID, ttlSeconds)
	if err != nil {
		return false, fmt.Errorf("failed to insert lock row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit lock transaction: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// AcquireOnce makes a single claim attempt and leaves a successful claim to
// expire on its own. Schedulers use it to dedupe per-minute dispatch across
// processes: whoever claims the row dispatches, everyone else skips, and the
// row ages out before the next wakeup.
func (m *Manager) AcquireOnce(ctx context.Context, name string, ttlSeconds int) (bool, error) {
	if ttlSeconds <= 0 || ttlSeconds > maxTTLSeconds {
		return false, fmt.Errorf("lock %q ttl %ds out of range: %w", name, ttlSeconds, apperrors.ErrLockTimeout)
	}
	return m.attempt(ctx, name, uuid.NewString(), ttlSeconds)
}

// Release removes the lock row if this session still owns it. Safe to call
// more than once; releasing a lock that expired and was taken over by a
// newer session leaves the successor's row untouched.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil
	}
	l.released = true

	_, err := l.manager.pool.Exec(ctx,
		`DELETE FROM metadata.catalog_locks WHERE lock_name = $1 AND session_id = $2`,
		l.name, l.sessionID)
	if err != nil {
		return fmt.Errorf("failed to release lock %q: %w", l.name, err)
	}
	return nil
}

// WithLock runs fn while holding the named lock and always releases it,
// including on panic. The release uses a background context so fn's
// cancellation cannot strand the row until TTL expiry.
func (m *Manager) WithLock(ctx context.Context, name string, ttlSeconds int, maxWait time.Duration, fn func(ctx context.Context) error) error {
	lock, err := m.TryAcquire(ctx, name, ttlSeconds, maxWait)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			m.logger.Warn("failed to release lock",
				zap.String("lock_name", name),
				zap.Error(err))
		}
	}()

	return fn(ctx)
}
