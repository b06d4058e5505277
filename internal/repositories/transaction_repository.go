package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"purchasekit/internal/models"
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "pgx"

	schemaTimeout = 30 * time.Second
)

// TransactionRepository is the ledger of transactions reported by the store.
type TransactionRepository struct {
	DB     *sql.DB
	Driver string

	schemaMu    sync.Mutex
	schemaReady bool
}

func NewTransactionRepository(db *sql.DB, driver string) *TransactionRepository {
	return &TransactionRepository{DB: db, Driver: driver}
}

// ensureSchema creates the table on first use and retries after a failure.
// The DDL ignores cancellation of ctx.
func (r *TransactionRepository) ensureSchema(ctx context.Context) error {
	r.schemaMu.Lock()
	defer r.schemaMu.Unlock()
	if r.schemaReady {
		return nil
	}

	ddl := `
CREATE TABLE IF NOT EXISTS purchase_transactions (
    transaction_id VARCHAR(255) NOT NULL,
    original_transaction_id VARCHAR(255) NOT NULL DEFAULT '',
    product_id VARCHAR(255) NOT NULL DEFAULT '',
    state VARCHAR(32) NOT NULL,
    error_message TEXT,
    raw_transaction LONGTEXT,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (transaction_id),
    KEY idx_purchase_transactions_updated (updated_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`
	if r.Driver == DriverPostgres {
		ddl = `
CREATE TABLE IF NOT EXISTS purchase_transactions (
    transaction_id VARCHAR(255) PRIMARY KEY,
    original_transaction_id VARCHAR(255) NOT NULL DEFAULT '',
    product_id VARCHAR(255) NOT NULL DEFAULT '',
    state VARCHAR(32) NOT NULL,
    error_message TEXT,
    raw_transaction TEXT,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_purchase_transactions_updated ON purchase_transactions (updated_at);
`
	}

	ddlCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), schemaTimeout)
	defer cancel()
	if _, err := r.DB.ExecContext(ddlCtx, ddl); err != nil {
		return fmt.Errorf("ensure purchase_transactions schema: %w", err)
	}
	r.schemaReady = true
	return nil
}

// Save inserts the record or updates the stored state of the same transaction.
func (r *TransactionRepository) Save(ctx context.Context, rec models.TransactionRecord) error {
	if err := r.ensureSchema(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(rec.TransactionID) == "" {
		return fmt.Errorf("transaction_id is required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	query := `
INSERT INTO purchase_transactions (transaction_id, original_transaction_id, product_id, state, error_message, raw_transaction, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE state = VALUES(state), error_message = VALUES(error_message), raw_transaction = VALUES(raw_transaction), updated_at = VALUES(updated_at)
`
	if r.Driver == DriverPostgres {
		query = `
INSERT INTO purchase_transactions (transaction_id, original_transaction_id, product_id, state, error_message, raw_transaction, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (transaction_id) DO UPDATE SET state = EXCLUDED.state, error_message = EXCLUDED.error_message, raw_transaction = EXCLUDED.raw_transaction, updated_at = EXCLUDED.updated_at
`
	}
	_, err := r.DB.ExecContext(ctx, r.rebind(query),
		rec.TransactionID, rec.OriginalTransactionID, rec.ProductID, rec.State, rec.ErrorMessage, rec.Raw, rec.UpdatedAt)
	return err
}

// GetByID returns the stored record or ErrNotFound.
func (r *TransactionRepository) GetByID(ctx context.Context, transactionID string) (models.TransactionRecord, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return models.TransactionRecord{}, err
	}
	row := r.DB.QueryRowContext(ctx, r.rebind(`
SELECT transaction_id, original_transaction_id, product_id, state, COALESCE(error_message, ''), COALESCE(raw_transaction, ''), updated_at
FROM purchase_transactions WHERE transaction_id = ?`), transactionID)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TransactionRecord{}, ErrNotFound
		}
		return models.TransactionRecord{}, err
	}
	return rec, nil
}

// ListRecent returns the most recently updated records first.
func (r *TransactionRepository) ListRecent(ctx context.Context, limit int) ([]models.TransactionRecord, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, r.rebind(`
SELECT transaction_id, original_transaction_id, product_id, state, COALESCE(error_message, ''), COALESCE(raw_transaction, ''), updated_at
FROM purchase_transactions ORDER BY updated_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TransactionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountByState reports how many ledger rows are in each state.
func (r *TransactionRepository) CountByState(ctx context.Context) (map[string]int, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM purchase_transactions GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.TransactionRecord, error) {
	var rec models.TransactionRecord
	err := row.Scan(&rec.TransactionID, &rec.OriginalTransactionID, &rec.ProductID, &rec.State, &rec.ErrorMessage, &rec.Raw, &rec.UpdatedAt)
	return rec, err
}

// rebind rewrites ? placeholders to $n for the postgres driver.
func (r *TransactionRepository) rebind(query string) string {
	if r.Driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}
