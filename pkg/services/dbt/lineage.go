package dbt

import (
	"github.com/sluicedata/sluice/pkg/models"
	"github.com/sluicedata/sluice/pkg/sqlsafe"
)

// buildLineage turns the refs and sources resolved during compilation into
// lineage edges targeting the compiled model. One table-level edge is
// emitted per distinct upstream relation. Column-level edges are added only
// when the model reads from exactly one upstream; with several upstreams a
// SELECT-list column cannot be attributed without a real SQL parser.
func buildLineage(targetModel, compiled string, refs []Reference) []models.LineageEdge {
	var edges []models.LineageEdge

	seen := make(map[string]bool, len(refs))
	var upstreams []Reference
	for _, ref := range refs {
		key := string(ref.Kind) + "|" + ref.Name
		if seen[key] {
			continue
		}
		seen[key] = true
		upstreams = append(upstreams, ref)
		edges = append(edges, models.LineageEdge{
			SourceModel:        ref.Name,
			TargetModel:        targetModel,
			TransformationType: ref.Kind,
		})
	}

	if len(upstreams) != 1 {
		return edges
	}

	// Column attribution is best effort: a plain column reference maps to
	// its source column, anything else keeps an empty source_column.
	columns, err := sqlsafe.ParseSelectColumns(compiled)
	if err != nil {
		return edges
	}
	upstream := upstreams[0]
	for _, col := range columns {
		if col.Name == "" {
			continue
		}
		edges = append(edges, models.LineageEdge{
			SourceModel:        upstream.Name,
			TargetModel:        targetModel,
			SourceColumn:       col.SourceRef(),
			TargetColumn:       col.Name,
			TransformationType: models.TransformationSelect,
		})
	}

	return edges
}
