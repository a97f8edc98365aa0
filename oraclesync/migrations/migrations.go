package migrations

import (
	_ "embed"

	"github.com/oraclewatch/oo-indexer/db"
	"github.com/oraclewatch/oo-indexer/db/types"
)

//go:embed oraclesync0001.sql
var mig001 string

func RunMigrations(dbPath string) error {
	migrations := []types.Migration{
		{
			ID:  "oraclesync0001",
			SQL: mig001,
		},
	}
	return db.RunMigrations(dbPath, migrations)
}
