package db

import (
	"fmt"

	"github.com/oraclewatch/oo-indexer/db/types"
	"github.com/oraclewatch/oo-indexer/log"
	migrate "github.com/rubenv/sql-migrate"
)

// RunMigrations applies the given migrations (in order) to the SQLite DB at dbPath
func RunMigrations(dbPath string, migrations []types.Migration) error {
	db, err := NewSQLiteDB(dbPath)
	if err != nil {
		return fmt.Errorf("error creating DB %w", err)
	}
	migs := &migrate.MemoryMigrationSource{Migrations: []*migrate.Migration{}}
	for _, m := range migrations {
		migs.Migrations = append(migs.Migrations, &migrate.Migration{
			Id: m.ID,
			Up: []string{m.SQL},
		})
	}
	nMigrations, err := migrate.Exec(db, "sqlite3", migs, migrate.Up)
	if err != nil {
		return fmt.Errorf("error executing migration %w", err)
	}

	log.Infof("successfully ran %d migrations", nMigrations)
	return nil
}
