package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Database Engines
// ============================================================================

// DBEngine identifies a supported source database engine.
type DBEngine string

const (
	EnginePostgres DBEngine = "postgres"
	EngineMariaDB  DBEngine = "mariadb"
	EngineMSSQL    DBEngine = "mssql"
	EngineOracle   DBEngine = "oracle"
	EngineMongoDB  DBEngine = "mongodb"
)

// ValidDBEngines contains all supported engine values.
var ValidDBEngines = []DBEngine{
	EnginePostgres,
	EngineMariaDB,
	EngineMSSQL,
	EngineOracle,
	EngineMongoDB,
}

// IsValidDBEngine checks if the given engine is supported.
func IsValidDBEngine(e DBEngine) bool {
	for _, v := range ValidDBEngines {
		if v == e {
			return true
		}
	}
	return false
}

// ============================================================================
// Catalog Status
// ============================================================================

// CatalogStatus is the sync lifecycle state of a catalog entry.
// State machine:
//
//	PENDING → FULL_LOAD → LISTENING_CHANGES
//	              ↓              ↓ (drift/reset)
//	           NO_DATA ←→ LISTENING_CHANGES
//
//	SKIP holds intentionally excluded tables; ERROR any failed attempt.
type CatalogStatus string

const (
	CatalogStatusPending          CatalogStatus = "PENDING"
	CatalogStatusFullLoad         CatalogStatus = "FULL_LOAD"
	CatalogStatusListeningChanges CatalogStatus = "LISTENING_CHANGES"
	CatalogStatusNoData           CatalogStatus = "NO_DATA"
	CatalogStatusSkip             CatalogStatus = "SKIP"
	CatalogStatusError            CatalogStatus = "ERROR"
)

// ValidCatalogStatuses contains all valid catalog status values.
var ValidCatalogStatuses = []CatalogStatus{
	CatalogStatusPending,
	CatalogStatusFullLoad,
	CatalogStatusListeningChanges,
	CatalogStatusNoData,
	CatalogStatusSkip,
	CatalogStatusError,
}

// IsValidCatalogStatus checks if the given status is valid.
func IsValidCatalogStatus(s CatalogStatus) bool {
	for _, v := range ValidCatalogStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// CanTransitionTo returns true if moving from this status to the target is a
// legal transition. Any status may move to ERROR on a failed attempt; SKIP
// is reachable from every status except NO_DATA, which stays put until rows
// arrive.
func (s CatalogStatus) CanTransitionTo(target CatalogStatus) bool {
	if target == CatalogStatusError {
		return true
	}
	if target == CatalogStatusSkip {
		return s != CatalogStatusNoData && s != CatalogStatusSkip
	}

	switch s {
	case CatalogStatusPending:
		return target == CatalogStatusFullLoad
	case CatalogStatusFullLoad:
		return target == CatalogStatusListeningChanges || target == CatalogStatusNoData
	case CatalogStatusListeningChanges:
		return target == CatalogStatusFullLoad
	case CatalogStatusNoData:
		// Rows arrived, or an operator reset forces a fresh copy.
		return target == CatalogStatusListeningChanges || target == CatalogStatusFullLoad
	case CatalogStatusSkip:
		return target == CatalogStatusPending
	case CatalogStatusError:
		return target == CatalogStatusFullLoad
	default:
		return false
	}
}

// ============================================================================
// Primary Key Strategy
// ============================================================================

// PKStrategy describes how the syncer pages through a source table.
type PKStrategy string

const (
	// PKStrategyNone means the table has no usable key; every sync is a
	// full reload.
	PKStrategyNone PKStrategy = "NONE"
	// PKStrategySingle pages on one primary key column.
	PKStrategySingle PKStrategy = "SINGLE"
	// PKStrategyComposite pages on a multi-column primary key.
	PKStrategyComposite PKStrategy = "COMPOSITE"
)

// ValidPKStrategies contains all valid strategy values.
var ValidPKStrategies = []PKStrategy{
	PKStrategyNone,
	PKStrategySingle,
	PKStrategyComposite,
}

// IsValidPKStrategy checks if the given strategy is valid.
func IsValidPKStrategy(s PKStrategy) bool {
	for _, v := range ValidPKStrategies {
		if v == s {
			return true
		}
	}
	return false
}

// PKStrategyFor derives the paging strategy from detected key columns.
func PKStrategyFor(pkColumns []string) PKStrategy {
	switch len(pkColumns) {
	case 0:
		return PKStrategyNone
	case 1:
		return PKStrategySingle
	default:
		return PKStrategyComposite
	}
}

// ============================================================================
// Catalog Entry
// ============================================================================

// TimeColumnCandidates is the ordered list of column names probed when
// deriving a table's incremental sync column. The first match wins.
var TimeColumnCandidates = []string{
	"updated_at",
	"modified_at",
	"last_modified",
	"updated_time",
	"created_at",
	"created_time",
	"timestamp",
}

// CatalogEntry tracks one source table known to the catalog. The identity
// key is (SchemaName, TableName, DBEngine, ConnectionString).
type CatalogEntry struct {
	ID               uuid.UUID     `json:"id"`
	SchemaName       string        `json:"schema_name"`
	TableName        string        `json:"table_name"`
	DBEngine         DBEngine      `json:"db_engine"`
	ConnectionString string        `json:"connection_string"`
	ClusterName      string        `json:"cluster_name"`
	Status           CatalogStatus `json:"status"`
	LastSyncColumn   *string       `json:"last_sync_column,omitempty"`
	PKColumns        []string      `json:"pk_columns,omitempty"`
	PKStrategy       PKStrategy    `json:"pk_strategy"`
	HasPK            bool          `json:"has_pk"`
	TableSize        int64         `json:"table_size"`
	Active           bool          `json:"active"`
	LastProcessedPK  *string       `json:"last_processed_pk,omitempty"`
	LastSyncedAt     *time.Time    `json:"last_synced_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// QualifiedName returns the schema-qualified source table name.
func (e *CatalogEntry) QualifiedName() string {
	if e.SchemaName == "" {
		return e.TableName
	}
	return e.SchemaName + "." + e.TableName
}

// Syncable reports whether the transfer loop should touch this entry.
func (e *CatalogEntry) Syncable() bool {
	if !e.Active {
		return false
	}
	switch e.Status {
	case CatalogStatusSkip, CatalogStatusError:
		return false
	default:
		return true
	}
}
