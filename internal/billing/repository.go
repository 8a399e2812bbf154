package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Placeholders are numbered in the order they appear so the same SQL runs on
// PostgreSQL and SQLite.
type Repository interface {
	GetInvoice(ctx context.Context, id int64) (*Invoice, error)
	GetInvoiceForClient(ctx context.Context, id, clientID int64) (*Invoice, error)
	GetInvoiceItems(ctx context.Context, invoiceID int64) ([]InvoiceItem, error)
	UpdateInvoiceBalance(ctx context.Context, id int64, balance decimal.Decimal, status string) error

	GetClient(ctx context.Context, id int64) (*Client, error)
	AddClientCredit(ctx context.Context, clientID int64, amount decimal.Decimal) error

	GetGatewayByName(ctx context.Context, name string) (*Gateway, error)

	GetTransaction(ctx context.Context, id int64) (*Transaction, error)
	FindActiveTransaction(ctx context.Context, externalID string, gatewayID int64) (*Transaction, error)
	FindRefundTransaction(ctx context.Context, refundedTransactionID int64, reference string) (*Transaction, error)
	CreateTransaction(ctx context.Context, t *Transaction) (int64, error)
	UpdateTransactionStatus(ctx context.Context, id int64, status string) error
}

// Store is a Repository that can also run a unit of work atomically.
type Store interface {
	Repository
	RunInTx(ctx context.Context, fn func(repo Repository) error) error
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type repository struct {
	db dbtx
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

type store struct {
	*repository
	conn *sql.DB
}

func NewStore(db *sql.DB) Store {
	return &store{repository: &repository{db: db}, conn: db}
}

func (s *store) RunInTx(ctx context.Context, fn func(repo Repository) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(&repository{db: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const invoiceColumns = `id, client_id, currency, total, balance, status, created_at, updated_at`

func scanInvoice(row *sql.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(
		&inv.ID, &inv.ClientID, &inv.Currency, &inv.Total, &inv.Balance,
		&inv.Status, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *repository) GetInvoice(ctx context.Context, id int64) (*Invoice, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	return scanInvoice(row)
}

func (r *repository) GetInvoiceForClient(ctx context.Context, id, clientID int64) (*Invoice, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 AND client_id = $2`, id, clientID)
	return scanInvoice(row)
}

func (r *repository) GetInvoiceItems(ctx context.Context, invoiceID int64) ([]InvoiceItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, invoice_id, item_type, description, amount
		FROM invoice_items WHERE invoice_id = $1 ORDER BY id
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []InvoiceItem
	for rows.Next() {
		var it InvoiceItem
		if err := rows.Scan(&it.ID, &it.InvoiceID, &it.ItemType, &it.Description, &it.Amount); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *repository) UpdateInvoiceBalance(ctx context.Context, id int64, balance decimal.Decimal, status string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE invoices SET balance = $1, status = $2, updated_at = $3 WHERE id = $4
	`, balance, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (r *repository) GetClient(ctx context.Context, id int64) (*Client, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, email, phone, currency, credit
		FROM clients WHERE id = $1
	`, id)

	var c Client
	err := row.Scan(&c.ID, &c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.Currency, &c.Credit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repository) AddClientCredit(ctx context.Context, clientID int64, amount decimal.Decimal) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE clients SET credit = credit + $1 WHERE id = $2
	`, amount, clientID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (r *repository) GetGatewayByName(ctx context.Context, name string) (*Gateway, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, display_name, fixed_fee, percent_fee, enabled
		FROM gateways WHERE name = $1
	`, name)

	var g Gateway
	err := row.Scan(&g.ID, &g.Name, &g.DisplayName, &g.FixedFee, &g.PercentFee, &g.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

const transactionColumns = `id, invoice_id, external_id, amount, currency, gateway_id, fee,
	date_initiated, extra, refunded_transaction_id, reference, status, created_at, updated_at`

func scanTransaction(row *sql.Row) (*Transaction, error) {
	var (
		t        Transaction
		extra    sql.NullString
		refunded sql.NullInt64
	)
	err := row.Scan(
		&t.ID, &t.InvoiceID, &t.ExternalID, &t.Amount, &t.Currency, &t.GatewayID, &t.Fee,
		&t.DateInitiated, &extra, &refunded, &t.Reference, &t.Status, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if refunded.Valid {
		id := refunded.Int64
		t.RefundedTransactionID = &id
	}
	t.Extra = map[string]string{}
	if extra.Valid && extra.String != "" {
		if err := json.Unmarshal([]byte(extra.String), &t.Extra); err != nil {
			return nil, fmt.Errorf("decode transaction %d extra: %w", t.ID, err)
		}
	}
	return &t, nil
}

func (r *repository) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

func (r *repository) FindActiveTransaction(ctx context.Context, externalID string, gatewayID int64) (*Transaction, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE external_id = $1 AND gateway_id = $2 AND refunded_transaction_id IS NULL
		ORDER BY id LIMIT 1
	`, externalID, gatewayID)
	return scanTransaction(row)
}

func (r *repository) FindRefundTransaction(ctx context.Context, refundedTransactionID int64, reference string) (*Transaction, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE refunded_transaction_id = $1 AND reference = $2
		ORDER BY id LIMIT 1
	`, refundedTransactionID, reference)
	return scanTransaction(row)
}

func (r *repository) CreateTransaction(ctx context.Context, t *Transaction) (int64, error) {
	extra := t.Extra
	if extra == nil {
		extra = map[string]string{}
	}
	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return 0, err
	}

	var refunded sql.NullInt64
	if t.RefundedTransactionID != nil {
		refunded = sql.NullInt64{Int64: *t.RefundedTransactionID, Valid: true}
	}

	now := time.Now().UTC()
	var id int64
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO transactions (
			invoice_id, external_id, amount, currency, gateway_id, fee,
			date_initiated, extra, refunded_transaction_id, reference, status,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (refunded_transaction_id, reference) WHERE reference <> '' DO NOTHING
		RETURNING id
	`,
		t.InvoiceID, t.ExternalID, t.Amount, t.Currency, t.GatewayID, t.Fee,
		t.DateInitiated, string(extraJSON), refunded, t.Reference, t.Status,
		now, now,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrDuplicate
	}
	if err != nil {
		return 0, err
	}

	t.ID = id
	t.CreatedAt = now
	t.UpdatedAt = now
	return id, nil
}

func (r *repository) UpdateTransactionStatus(ctx context.Context, id int64, status string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE transactions SET status = $1, updated_at = $2 WHERE id = $3
	`, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
