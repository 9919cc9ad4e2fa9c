package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"communityhub/backend/services/credits-service/internal/models"
)

// ErrScheduleNotFound indicates a missing allocation schedule.
var ErrScheduleNotFound = errors.New("allocation schedule not found")

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// LedgerRepository persists balances, the transaction log and allocation schedules.
type LedgerRepository struct {
	db      *sql.DB
	dialect Dialect
}

// NewLedgerRepository returns repository.
func NewLedgerRepository(db *sql.DB, dialect Dialect) *LedgerRepository {
	return &LedgerRepository{db: db, dialect: dialect}
}

// Dialect returns the SQL dialect the repository speaks.
func (r *LedgerRepository) Dialect() Dialect {
	return r.dialect
}

// InTx runs fn inside a database transaction. The transaction commits only when fn
// returns nil; any error or panic rolls it back.
func (r *LedgerRepository) InTx(ctx context.Context, fn func(tx *LedgerTx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: begin tx: %w", err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	if err := fn(&LedgerTx{tx: sqlTx, dialect: r.dialect}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("repository: commit: %w", err)
	}
	return nil
}

// GetBalance returns the stored balance, 0 when the row does not exist yet.
func (r *LedgerRepository) GetBalance(ctx context.Context, userID int64, creditType models.CreditType) (int64, error) {
	const query = `SELECT balance FROM credit_balances WHERE user_id = ? AND credit_type = ?`
	var balance int64
	err := r.db.QueryRowContext(ctx, r.dialect.rebind(query), userID, string(creditType)).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

// ListBalances returns every balance row of a user.
func (r *LedgerRepository) ListBalances(ctx context.Context, userID int64) ([]models.Balance, error) {
	const query = `
		SELECT user_id, credit_type, balance, created_at, updated_at
		FROM credit_balances
		WHERE user_id = ?
		ORDER BY credit_type
	`
	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(query), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []models.Balance
	for rows.Next() {
		var b models.Balance
		var creditType string
		if err := rows.Scan(&b.UserID, &creditType, &b.Balance, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.CreditType = models.CreditType(creditType)
		b.CreatedAt = b.CreatedAt.UTC()
		b.UpdatedAt = b.UpdatedAt.UTC()
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return balances, nil
}

// TransactionFilter narrows ListTransactions.
type TransactionFilter struct {
	UserID     int64
	CreditType models.CreditType // empty = all types
	Source     models.Source     // empty = all sources
	SourceID   string            // empty = any
	Limit      int
}

// ListTransactions returns the newest transactions first.
func (r *LedgerRepository) ListTransactions(ctx context.Context, filter TransactionFilter) ([]models.Transaction, error) {
	return listTransactions(ctx, r.db, r.dialect, filter)
}

func listTransactions(ctx context.Context, q querier, dialect Dialect, filter TransactionFilter) ([]models.Transaction, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `
		SELECT id, user_id, credit_type, amount, balance_after, source, source_id, description, expires_at, created_at
		FROM credit_transactions
		WHERE user_id = ?`
	args := []any{filter.UserID}
	if filter.CreditType != "" {
		query += ` AND credit_type = ?`
		args = append(args, string(filter.CreditType))
	}
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, string(filter.Source))
	}
	if filter.SourceID != "" {
		query += ` AND source_id = ?`
		args = append(args, filter.SourceID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.QueryContext(ctx, dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txs, nil
}

// SumTransactions adds up every transaction amount of a (user, credit type).
func (r *LedgerRepository) SumTransactions(ctx context.Context, userID int64, creditType models.CreditType) (int64, error) {
	const query = `SELECT CAST(COALESCE(SUM(amount), 0) AS BIGINT) FROM credit_transactions WHERE user_id = ? AND credit_type = ?`
	var sum int64
	if err := r.db.QueryRowContext(ctx, r.dialect.rebind(query), userID, string(creditType)).Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}

// GetSchedule returns the schedule of a (user, credit type).
func (r *LedgerRepository) GetSchedule(ctx context.Context, userID int64, creditType models.CreditType) (*models.AllocationSchedule, error) {
	return getSchedule(ctx, r.db, r.dialect, userID, creditType, false)
}

// ListDueSchedules returns active schedules whose next allocation is at or before now.
func (r *LedgerRepository) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]models.AllocationSchedule, error) {
	if limit <= 0 {
		limit = 1000
	}
	const query = `
		SELECT ` + scheduleColumns + `
		FROM credit_allocation_schedules
		WHERE is_active = ? AND next_allocation_at IS NOT NULL AND next_allocation_at <= ?
		ORDER BY next_allocation_at, id
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(query), true, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []models.AllocationSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return schedules, nil
}

// SetScheduleActive toggles a schedule.
func (r *LedgerRepository) SetScheduleActive(ctx context.Context, userID int64, creditType models.CreditType, active bool, now time.Time) error {
	const query = `
		UPDATE credit_allocation_schedules
		SET is_active = ?, updated_at = ?
		WHERE user_id = ? AND credit_type = ?
	`
	result, err := r.db.ExecContext(ctx, r.dialect.rebind(query), active, now.UTC(), userID, string(creditType))
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// LedgerTx is the set of writes allowed inside one ledger transaction.
type LedgerTx struct {
	tx      *sql.Tx
	dialect Dialect
}

// LockBalance makes sure the balance row exists and locks it until the transaction ends.
func (t *LedgerTx) LockBalance(ctx context.Context, userID int64, creditType models.CreditType, now time.Time) (int64, error) {
	const insert = `
		INSERT INTO credit_balances (user_id, credit_type, balance, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT (user_id, credit_type) DO NOTHING
	`
	now = now.UTC()
	if _, err := t.tx.ExecContext(ctx, t.dialect.rebind(insert), userID, string(creditType), now, now); err != nil {
		return 0, err
	}

	query := `SELECT balance FROM credit_balances WHERE user_id = ? AND credit_type = ?` + t.dialect.forUpdate()
	var balance int64
	if err := t.tx.QueryRowContext(ctx, t.dialect.rebind(query), userID, string(creditType)).Scan(&balance); err != nil {
		return 0, err
	}
	return balance, nil
}

// UpdateBalance writes the new balance of a locked row.
func (t *LedgerTx) UpdateBalance(ctx context.Context, userID int64, creditType models.CreditType, balance int64, now time.Time) error {
	const query = `
		UPDATE credit_balances
		SET balance = ?, updated_at = ?
		WHERE user_id = ? AND credit_type = ?
	`
	result, err := t.tx.ExecContext(ctx, t.dialect.rebind(query), balance, now.UTC(), userID, string(creditType))
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// InsertTransaction appends a ledger entry and fills its ID.
func (t *LedgerTx) InsertTransaction(ctx context.Context, entry *models.Transaction) error {
	const query = `
		INSERT INTO credit_transactions (user_id, credit_type, amount, balance_after, source, source_id, description, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	var sourceID sql.NullString
	if entry.SourceID != nil {
		sourceID = sql.NullString{String: *entry.SourceID, Valid: true}
	}
	var expiresAt sql.NullTime
	if entry.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: entry.ExpiresAt.UTC(), Valid: true}
	}
	entry.CreatedAt = entry.CreatedAt.UTC()

	return t.tx.QueryRowContext(ctx, t.dialect.rebind(query),
		entry.UserID,
		string(entry.CreditType),
		entry.Amount,
		entry.BalanceAfter,
		string(entry.Source),
		sourceID,
		entry.Description,
		expiresAt,
		entry.CreatedAt,
	).Scan(&entry.ID)
}

// ListTransactions reads the log inside the transaction.
func (t *LedgerTx) ListTransactions(ctx context.Context, filter TransactionFilter) ([]models.Transaction, error) {
	return listTransactions(ctx, t.tx, t.dialect, filter)
}

// LockSchedule loads and locks the schedule of a (user, credit type).
func (t *LedgerTx) LockSchedule(ctx context.Context, userID int64, creditType models.CreditType) (*models.AllocationSchedule, error) {
	return getSchedule(ctx, t.tx, t.dialect, userID, creditType, true)
}

// SaveSchedule inserts or updates the schedule keyed by (user, credit type) and fills its ID.
func (t *LedgerTx) SaveSchedule(ctx context.Context, s *models.AllocationSchedule) error {
	const query = `
		INSERT INTO credit_allocation_schedules (
			user_id, credit_type, amount, frequency, last_allocated_at, next_allocation_at,
			period_started_at, period_amount, is_active, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, credit_type) DO UPDATE SET
			amount = excluded.amount,
			frequency = excluded.frequency,
			last_allocated_at = excluded.last_allocated_at,
			next_allocation_at = excluded.next_allocation_at,
			period_started_at = excluded.period_started_at,
			period_amount = excluded.period_amount,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
		RETURNING id
	`
	if s.CreatedAt.IsZero() {
		s.CreatedAt = s.UpdatedAt
	}
	return t.tx.QueryRowContext(ctx, t.dialect.rebind(query),
		s.UserID,
		string(s.CreditType),
		s.Amount,
		string(s.Frequency),
		nullTime(s.LastAllocatedAt),
		nullTime(s.NextAllocationAt),
		nullTime(s.PeriodStartedAt),
		s.PeriodAmount,
		s.IsActive,
		s.CreatedAt.UTC(),
		s.UpdatedAt.UTC(),
	).Scan(&s.ID)
}

const scheduleColumns = `id, user_id, credit_type, amount, frequency, last_allocated_at, next_allocation_at,
		period_started_at, period_amount, is_active, created_at, updated_at`

func getSchedule(ctx context.Context, q querier, dialect Dialect, userID int64, creditType models.CreditType, lock bool) (*models.AllocationSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM credit_allocation_schedules WHERE user_id = ? AND credit_type = ?`
	if lock {
		query += dialect.forUpdate()
	}
	rows, err := q.QueryContext(ctx, dialect.rebind(query), userID, string(creditType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrScheduleNotFound
	}
	s, err := scanSchedule(rows)
	if err != nil {
		return nil, err
	}
	return s, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (models.Transaction, error) {
	var (
		tx         models.Transaction
		creditType string
		source     string
		sourceID   sql.NullString
		expiresAt  sql.NullTime
	)
	if err := row.Scan(
		&tx.ID,
		&tx.UserID,
		&creditType,
		&tx.Amount,
		&tx.BalanceAfter,
		&source,
		&sourceID,
		&tx.Description,
		&expiresAt,
		&tx.CreatedAt,
	); err != nil {
		return models.Transaction{}, err
	}
	tx.CreditType = models.CreditType(creditType)
	tx.Source = models.Source(source)
	if sourceID.Valid {
		id := sourceID.String
		tx.SourceID = &id
	}
	tx.ExpiresAt = timePtr(expiresAt)
	tx.CreatedAt = tx.CreatedAt.UTC()
	return tx, nil
}

func scanSchedule(row scanner) (*models.AllocationSchedule, error) {
	var (
		s          models.AllocationSchedule
		creditType string
		frequency  string
		last       sql.NullTime
		next       sql.NullTime
		period     sql.NullTime
	)
	if err := row.Scan(
		&s.ID,
		&s.UserID,
		&creditType,
		&s.Amount,
		&frequency,
		&last,
		&next,
		&period,
		&s.PeriodAmount,
		&s.IsActive,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.CreditType = models.CreditType(creditType)
	s.Frequency = models.Frequency(frequency)
	s.LastAllocatedAt = timePtr(last)
	s.NextAllocationAt = timePtr(next)
	s.PeriodStartedAt = timePtr(period)
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
