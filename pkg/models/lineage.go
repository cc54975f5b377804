package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Lineage
// ============================================================================

// TransformationType classifies how a lineage edge was derived.
type TransformationType string

const (
	TransformationRef    TransformationType = "ref"
	TransformationSource TransformationType = "source"
	TransformationSelect TransformationType = "select"
)

// ValidTransformationTypes contains all valid transformation type values.
var ValidTransformationTypes = []TransformationType{
	TransformationRef,
	TransformationSource,
	TransformationSelect,
}

// IsValidTransformationType checks if the given type is valid.
func IsValidTransformationType(t TransformationType) bool {
	for _, v := range ValidTransformationTypes {
		if v == t {
			return true
		}
	}
	return false
}

// LineageEdge is a directed dependency between two models or between a
// source and a model. Column fields are set for column-level edges; a
// SourceColumn left empty marks an expression that could not be attributed
// to a single upstream column.
type LineageEdge struct {
	ID                 uuid.UUID          `json:"id"`
	SourceModel        string             `json:"source_model"`
	TargetModel        string             `json:"target_model"`
	SourceColumn       string             `json:"source_column,omitempty"`
	TargetColumn       string             `json:"target_column,omitempty"`
	TransformationType TransformationType `json:"transformation_type"`
	CreatedAt          time.Time          `json:"created_at"`
}

// ============================================================================
// Documentation
// ============================================================================

// DBTDocumentation is rendered documentation for a model or one of its
// columns. ColumnName is empty for model-level entries.
type DBTDocumentation struct {
	ID         uuid.UUID `json:"id"`
	ModelName  string    `json:"model_name"`
	ColumnName string    `json:"column_name,omitempty"`
	Content    string    `json:"content"`
	Format     string    `json:"format"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DocumentationFormatMarkdown is the only format the executor emits today.
const DocumentationFormatMarkdown = "markdown"
