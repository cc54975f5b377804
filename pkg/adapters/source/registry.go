package source

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/models"
)

// Factory opens a connection to one source database from the raw catalog
// connection string.
type Factory func(ctx context.Context, conninfo string, logger *zap.Logger) (Conn, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[models.DBEngine]Factory)
)

// Register is called by each engine package's init function.
// Thread-safe for concurrent init calls.
func Register(engine models.DBEngine, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[engine] = factory
}

// IsRegistered reports whether an engine has a registered factory.
func IsRegistered(engine models.DBEngine) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[engine]
	return ok
}

// Registered returns the registered engines in stable order.
func Registered() []models.DBEngine {
	registryMu.RLock()
	defer registryMu.RUnlock()

	engines := make([]models.DBEngine, 0, len(registry))
	for engine := range registry {
		engines = append(engines, engine)
	}
	sort.Slice(engines, func(i, j int) bool { return engines[i] < engines[j] })
	return engines
}

// Open connects to a source database through the engine's registered
// factory. A nil logger is replaced with a no-op logger.
func Open(ctx context.Context, engine models.DBEngine, conninfo string, logger *zap.Logger) (Conn, error) {
	registryMu.RLock()
	factory, ok := registry[engine]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no adapter registered for %q: %w", engine, apperrors.ErrUnknownEngine)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return factory(ctx, conninfo, logger)
}
