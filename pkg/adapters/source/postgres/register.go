package postgres

import (
	"github.com/sluicedata/sluice/pkg/adapters/source"
	"github.com/sluicedata/sluice/pkg/models"
)

func init() {
	source.Register(models.EnginePostgres, Open)
}
