package db

import (
	"database/sql"
	"fmt"

	libdb "communityhub/backend/libs/db"
	"communityhub/backend/services/credits-service/internal/repository"
)

// Open connects to the ledger database of the configured driver.
func Open(driver, dsn string) (*sql.DB, repository.Dialect, error) {
	dialect, err := repository.ParseDialect(driver)
	if err != nil {
		return nil, dialect, err
	}

	var sqlDB *sql.DB
	switch dialect {
	case repository.DialectSQLite:
		sqlDB, err = libdb.NewSQLiteDB(dsn)
	default:
		sqlDB, err = libdb.NewPostgresDB(dsn)
	}
	if err != nil {
		return nil, dialect, fmt.Errorf("db: open %s: %w", dialect, err)
	}
	return sqlDB, dialect, nil
}
