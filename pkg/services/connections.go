package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/adapters/source"
	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/models"
	"github.com/sluicedata/sluice/pkg/retry"
)

// EngineForConnection derives the source engine from a connection string
// that is not accompanied by a catalog row: URI schemes name postgres and
// mongodb directly, anything else must carry an engine=<tag> token.
func EngineForConnection(raw string) (models.DBEngine, error) {
	info, err := source.ParseConnInfo(raw)
	if err != nil {
		return "", err
	}

	if tag, ok := info.Params["engine"]; ok {
		engine := models.DBEngine(strings.ToLower(tag))
		if models.IsValidDBEngine(engine) {
			return engine, nil
		}
		return "", fmt.Errorf("engine %q: %w", tag, apperrors.ErrUnknownEngine)
	}

	switch strings.ToLower(info.Scheme) {
	case "postgres", "postgresql":
		return models.EnginePostgres, nil
	case "mongodb", "mongodb+srv":
		return models.EngineMongoDB, nil
	}

	return "", fmt.Errorf("connection string names no engine: %w", apperrors.ErrUnknownEngine)
}

// OpenConnection parses the engine out of a bare connection string and
// opens it through the adapter registry.
func OpenConnection(ctx context.Context, raw string, logger *zap.Logger) (source.Conn, error) {
	engine, err := EngineForConnection(raw)
	if err != nil {
		return nil, err
	}
	return openSource(ctx, engine, raw, logger)
}

// openSource dials a source through the adapter registry, retrying
// transient dial failures with backoff. Malformed conninfo and unknown
// engines fail on the first attempt.
func openSource(ctx context.Context, engine models.DBEngine, conninfo string, logger *zap.Logger) (source.Conn, error) {
	var conn source.Conn
	err := retry.DoIfRetryable(ctx, retry.DefaultConfig(), func() error {
		c, err := source.Open(ctx, engine, conninfo, logger)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}
