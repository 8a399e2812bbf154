package billing

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a refund with the same reference is
	// already stored against the transaction.
	ErrDuplicate = errors.New("already recorded")
)

const (
	InvoiceStatusUnpaid    = "unpaid"
	InvoiceStatusPaid      = "paid"
	InvoiceStatusCancelled = "cancelled"
	InvoiceStatusRefunded  = "refunded"
)

const (
	TransactionStatusWaiting   = "waiting"
	TransactionStatusPreauth   = "preauth"
	TransactionStatusConfirmed = "confirmed"
	TransactionStatusRefunded  = "refunded"
	TransactionStatusFailed    = "failed"
	TransactionStatusCanceled  = "canceled"
)

type Client struct {
	ID        int64
	FirstName string
	LastName  string
	Email     string
	Phone     string
	Currency  string
	Credit    decimal.Decimal
}

func (c *Client) FullName() string {
	if c.LastName == "" {
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

type Invoice struct {
	ID        int64
	ClientID  int64
	Currency  string
	Total     decimal.Decimal
	Balance   decimal.Decimal
	Status    string
	Items     []InvoiceItem
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (i *Invoice) IsUnpaid() bool {
	return i.Status == InvoiceStatusUnpaid
}

type InvoiceItem struct {
	ID          int64
	InvoiceID   int64
	ItemType    string
	Description string
	Amount      decimal.Decimal
}

type Gateway struct {
	ID          int64
	Name        string
	DisplayName string
	FixedFee    decimal.Decimal
	PercentFee  decimal.Decimal
	Enabled     bool
}

// Fee is the processing cost the gateway charges for amount.
func (g *Gateway) Fee(amount decimal.Decimal) decimal.Decimal {
	percent := amount.Mul(g.PercentFee).Div(decimal.NewFromInt(100))
	return g.FixedFee.Add(percent).Round(2)
}

type Transaction struct {
	ID                    int64
	InvoiceID             int64
	ExternalID            string
	Amount                decimal.Decimal
	Currency              string
	GatewayID             int64
	Fee                   decimal.Decimal
	DateInitiated         time.Time
	Extra                 map[string]string
	RefundedTransactionID *int64
	// Reference is the processor id of the refund when the row is a refund.
	// It is unique per refunded transaction when set.
	Reference string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t *Transaction) IsRefund() bool {
	return t.RefundedTransactionID != nil
}

var statusRank = map[string]int{
	TransactionStatusWaiting:   1,
	TransactionStatusPreauth:   2,
	TransactionStatusConfirmed: 3,
	TransactionStatusRefunded:  4,
}

// CanAdvance reports whether a transaction in status from may move to to.
// Statuses only move forward along waiting, preauth, confirmed, refunded.
// Refunded, failed and canceled are final, and a confirmed payment cannot
// fail.
func CanAdvance(from, to string) bool {
	if from == to {
		return false
	}
	switch from {
	case TransactionStatusRefunded, TransactionStatusFailed, TransactionStatusCanceled:
		return false
	}
	switch to {
	case TransactionStatusFailed, TransactionStatusCanceled:
		return from != TransactionStatusConfirmed
	}
	next, ok := statusRank[to]
	return ok && next > statusRank[from]
}

// NewTransaction is the validated input for recording a transaction.
type NewTransaction struct {
	InvoiceID             int64             `validate:"required,gt=0"`
	ExternalID            string            `validate:"required,max=255"`
	Amount                decimal.Decimal   `validate:"-"`
	Currency              string            `validate:"required,len=3"`
	GatewayID             int64             `validate:"required,gt=0"`
	Fee                   decimal.Decimal   `validate:"-"`
	DateInitiated         time.Time         `validate:"required"`
	Extra                 map[string]string `validate:"-"`
	RefundedTransactionID *int64            `validate:"omitnil,gt=0"`
	Reference             string            `validate:"max=255"`
	Status                string            `validate:"required,oneof=waiting preauth confirmed refunded failed canceled"`
}
