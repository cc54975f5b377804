//go:build integration

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/config"
	"github.com/sluicedata/sluice/pkg/testhelpers"
)

type lockTestContext struct {
	t       *testing.T
	catalog *testhelpers.CatalogDB
	runtime *config.Runtime
}

func setupLockTest(t *testing.T) *lockTestContext {
	catalog := testhelpers.GetCatalogDB(t)
	testhelpers.Truncate(t, catalog.DB, "catalog_locks")
	return &lockTestContext{
		t:       t,
		catalog: catalog,
		runtime: config.NewRuntime(),
	}
}

func (tc *lockTestContext) manager(hostname string) *Manager {
	return NewManager(tc.catalog.DB.Pool, tc.runtime, hostname, zap.NewNop())
}

func (tc *lockTestContext) lockRow(name string) (sessionID string, expiresAt time.Time, found bool) {
	err := tc.catalog.DB.Pool.QueryRow(context.Background(),
		`SELECT session_id, expires_at FROM metadata.catalog_locks WHERE lock_name = $1`,
		name,
	).Scan(&sessionID, &expiresAt)
	if err != nil {
		return "", time.Time{}, false
	}
	return sessionID, expiresAt, true
}

func TestTryAcquire_Contention(t *testing.T) {
	tc := setupLockTest(t)
	ctx := context.Background()

	holder := tc.manager("host-a")
	contender := tc.manager("host-b")

	held, err := holder.TryAcquire(ctx, "catalog_sync_postgres", 300, 2*time.Second)
	require.NoError(t, err)
	defer held.Release(ctx)

	heldSession, _, found := tc.lockRow("catalog_sync_postgres")
	require.True(t, found)

	// Second acquirer keeps retrying until max_wait elapses, then times out
	start := time.Now()
	_, err = contender.TryAcquire(ctx, "catalog_sync_postgres", 300, 2*time.Second)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, apperrors.ErrLockTimeout)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)

	// The holder's row is untouched by the failed attempts
	session, _, found := tc.lockRow("catalog_sync_postgres")
	require.True(t, found)
	assert.Equal(t, heldSession, session)

	// Once released, the contender gets the lock within one retry interval
	require.NoError(t, held.Release(ctx))

	acquired, err := contender.TryAcquire(ctx, "catalog_sync_postgres", 300, 2*time.Second)
	require.NoError(t, err)
	defer acquired.Release(ctx)

	session, _, found = tc.lockRow("catalog_sync_postgres")
	require.True(t, found)
	assert.NotEqual(t, heldSession, session)
}

func TestTryAcquire_ReclaimsExpiredLock(t *testing.T) {
	tc := setupLockTest(t)
	ctx := context.Background()

	_, err := tc.catalog.DB.Pool.Exec(ctx,
		`INSERT INTO metadata.catalog_locks (lock_name, acquired_by, session_id, acquired_at, expires_at)
		 VALUES ($1, $2, $3, NOW() - INTERVAL '2 hours', NOW() - INTERVAL '1 hour')`,
		"catalog_clean", "dead-host", "old")
	require.NoError(t, err)

	start := time.Now()
	lk, err := tc.manager("host-c").TryAcquire(ctx, "catalog_clean", 120, 5*time.Second)
	elapsed := time.Since(start)

	require.NoError(t, err)
	defer lk.Release(ctx)
	assert.Less(t, elapsed, time.Second)

	session, expiresAt, found := tc.lockRow("catalog_clean")
	require.True(t, found)
	assert.NotEqual(t, "old", session)
	assert.True(t, expiresAt.After(time.Now()))
}

func TestRelease_Idempotent(t *testing.T) {
	tc := setupLockTest(t)
	ctx := context.Background()

	lk, err := tc.manager("host-a").TryAcquire(ctx, "sched_backup_nightly", 60, time.Second)
	require.NoError(t, err)

	require.NoError(t, lk.Release(ctx))
	require.NoError(t, lk.Release(ctx))

	_, _, found := tc.lockRow("sched_backup_nightly")
	assert.False(t, found)
}

func TestRelease_OnlyRemovesOwnSession(t *testing.T) {
	tc := setupLockTest(t)
	ctx := context.Background()

	first, err := tc.manager("host-a").TryAcquire(ctx, "catalog_sync_mariadb", 60, time.Second)
	require.NoError(t, err)
	require.NoError(t, first.Release(ctx))

	second, err := tc.manager("host-b").TryAcquire(ctx, "catalog_sync_mariadb", 60, time.Second)
	require.NoError(t, err)
	defer second.Release(ctx)

	// A stale handle from the first acquisition must not free the new holder
	require.NoError(t, first.Release(ctx))

	_, _, found := tc.lockRow("catalog_sync_mariadb")
	assert.True(t, found)
}

func TestWithLock_ReleasesAfterWork(t *testing.T) {
	tc := setupLockTest(t)
	ctx := context.Background()
	m := tc.manager("host-a")

	var ranInside bool
	err := m.WithLock(ctx, "maintenance", 60, time.Second, func(ctx context.Context) error {
		ranInside = true
		_, _, found := tc.lockRow("maintenance")
		assert.True(tc.t, found)
		return nil
	})
	require.NoError(t, err)
	require.True(t, ranInside)

	_, _, found := tc.lockRow("maintenance")
	assert.False(t, found)
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	tc := setupLockTest(t)
	ctx := context.Background()
	m := tc.manager("host-a")

	wantErr := assert.AnError
	err := m.WithLock(ctx, "maintenance", 60, time.Second, func(ctx context.Context) error {
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)

	_, _, found := tc.lockRow("maintenance")
	assert.False(t, found)
}
