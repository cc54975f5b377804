package config

import (
	"strconv"
	"sync"
)

// Runtime defaults; replaced by values hot-reloaded from the metadata.config
// table by the monitoring loop.
const (
	DefaultChunkSize        = 1000
	DefaultSyncInterval     = 60
	DefaultMaxWorkers       = 4
	DefaultMaxTablesPerSync = 100
	DefaultLockRetrySleepMs = 500
)

// Bounds for runtime values. Out-of-range or unparseable values are ignored
// and the previous value kept.
const (
	minChunkSize        = 1
	maxChunkSize        = 1 << 30
	minSyncInterval     = 5
	maxSyncInterval     = 3600
	minMaxWorkers       = 1
	maxMaxWorkers       = 128
	minTablesPerSync    = 1
	maxTablesPerSync    = 1_000_000
	minLockRetrySleepMs = 100
	maxLockRetrySleepMs = 10000
)

// Runtime holds the hot-reloadable engine settings. All accessors are safe
// for concurrent use; the monitoring loop calls Apply while transfer loops
// read.
type Runtime struct {
	mu               sync.RWMutex
	chunkSize        int
	syncInterval     int
	maxWorkers       int
	maxTablesPerSync int
	lockRetrySleepMs int
}

// NewRuntime returns a Runtime populated with defaults.
func NewRuntime() *Runtime {
	return &Runtime{
		chunkSize:        DefaultChunkSize,
		syncInterval:     DefaultSyncInterval,
		maxWorkers:       DefaultMaxWorkers,
		maxTablesPerSync: DefaultMaxTablesPerSync,
		lockRetrySleepMs: DefaultLockRetrySleepMs,
	}
}

// Apply folds key/value rows from the metadata.config table into the runtime
// settings. Unrecognized keys and out-of-range values are ignored. Returns
// the number of settings that changed.
func (r *Runtime) Apply(values map[string]string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := 0
	for key, raw := range values {
		n, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		switch key {
		case "chunk_size":
			if n >= minChunkSize && n <= maxChunkSize && n != r.chunkSize {
				r.chunkSize = n
				changed++
			}
		case "sync_interval":
			if n >= minSyncInterval && n <= maxSyncInterval && n != r.syncInterval {
				r.syncInterval = n
				changed++
			}
		case "max_workers":
			if n >= minMaxWorkers && n <= maxMaxWorkers && n != r.maxWorkers {
				r.maxWorkers = n
				changed++
			}
		case "max_tables_per_cycle":
			if n >= minTablesPerSync && n <= maxTablesPerSync && n != r.maxTablesPerSync {
				r.maxTablesPerSync = n
				changed++
			}
		case "lock_retry_sleep_ms":
			if n >= minLockRetrySleepMs && n <= maxLockRetrySleepMs && n != r.lockRetrySleepMs {
				r.lockRetrySleepMs = n
				changed++
			}
		}
	}
	return changed
}

// ChunkSize returns the rows-per-batch for table transfers.
func (r *Runtime) ChunkSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.chunkSize
}

// SyncInterval returns the base cycle period in seconds.
func (r *Runtime) SyncInterval() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.syncInterval
}

// MaxWorkers returns the parallelism cap for per-engine transfers.
func (r *Runtime) MaxWorkers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxWorkers
}

// MaxTablesPerSync returns the per-cycle bound on tables touched.
func (r *Runtime) MaxTablesPerSync() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxTablesPerSync
}

// LockRetrySleepMs returns the catalog-lock spin interval in milliseconds.
func (r *Runtime) LockRetrySleepMs() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lockRetrySleepMs
}
