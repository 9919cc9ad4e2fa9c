package db

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Pool limits of the shared PostgreSQL handle.
var postgresPool = pool{
	maxOpen:     25,
	maxIdle:     5,
	maxLifetime: time.Hour,
	maxIdleTime: 30 * time.Minute,
}

// NewPostgresDB creates a pgx/stdlib backed *sql.DB pool and validates the connection.
func NewPostgresDB(dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("db: empty DSN")
	}
	return open("pgx", dsn, postgresPool)
}
