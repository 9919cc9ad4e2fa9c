package repository

import (
	"context"
	"fmt"
)

func postgresMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS credit_balances (
			user_id     BIGINT NOT NULL,
			credit_type TEXT NOT NULL,
			balance     BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, credit_type)
		)`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id            BIGSERIAL PRIMARY KEY,
			user_id       BIGINT NOT NULL,
			credit_type   TEXT NOT NULL,
			amount        BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			source        TEXT NOT NULL,
			source_id     TEXT,
			description   TEXT NOT NULL DEFAULT '',
			expires_at    TIMESTAMPTZ,
			created_at    TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions (user_id, credit_type, id)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_transactions_source ON credit_transactions (source, source_id)`,
		`CREATE TABLE IF NOT EXISTS credit_allocation_schedules (
			id                 BIGSERIAL PRIMARY KEY,
			user_id            BIGINT NOT NULL,
			credit_type        TEXT NOT NULL,
			amount             BIGINT NOT NULL,
			frequency          TEXT NOT NULL,
			last_allocated_at  TIMESTAMPTZ,
			next_allocation_at TIMESTAMPTZ,
			period_started_at  TIMESTAMPTZ,
			period_amount      BIGINT NOT NULL DEFAULT 0,
			is_active          BOOLEAN NOT NULL DEFAULT TRUE,
			created_at         TIMESTAMPTZ NOT NULL,
			updated_at         TIMESTAMPTZ NOT NULL,
			UNIQUE (user_id, credit_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_schedules_due ON credit_allocation_schedules (is_active, next_allocation_at)`,
	}
}

func sqliteMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS credit_balances (
			user_id     INTEGER NOT NULL,
			credit_type TEXT NOT NULL,
			balance     INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
			created_at  TIMESTAMP NOT NULL,
			updated_at  TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id, credit_type)
		)`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id       INTEGER NOT NULL,
			credit_type   TEXT NOT NULL,
			amount        INTEGER NOT NULL,
			balance_after INTEGER NOT NULL,
			source        TEXT NOT NULL,
			source_id     TEXT,
			description   TEXT NOT NULL DEFAULT '',
			expires_at    TIMESTAMP,
			created_at    TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions (user_id, credit_type, id)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_transactions_source ON credit_transactions (source, source_id)`,
		`CREATE TABLE IF NOT EXISTS credit_allocation_schedules (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id            INTEGER NOT NULL,
			credit_type        TEXT NOT NULL,
			amount             INTEGER NOT NULL,
			frequency          TEXT NOT NULL,
			last_allocated_at  TIMESTAMP,
			next_allocation_at TIMESTAMP,
			period_started_at  TIMESTAMP,
			period_amount      INTEGER NOT NULL DEFAULT 0,
			is_active          BOOLEAN NOT NULL DEFAULT 1,
			created_at         TIMESTAMP NOT NULL,
			updated_at         TIMESTAMP NOT NULL,
			UNIQUE (user_id, credit_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_schedules_due ON credit_allocation_schedules (is_active, next_allocation_at)`,
	}
}

// Migrate creates the ledger tables. Statements are idempotent.
func (r *LedgerRepository) Migrate(ctx context.Context) error {
	statements := postgresMigrations()
	if r.dialect == DialectSQLite {
		statements = sqliteMigrations()
	}
	for i, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("repository: migration %d: %w", i, err)
		}
	}
	return nil
}
