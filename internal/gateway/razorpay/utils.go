package razorpay

import (
	"fmt"
	"strconv"
	"strings"

	"billing-gateways/internal/billing"
	"billing-gateways/internal/utils"

	"github.com/shopspring/decimal"
)

const (
	PaymentCreated    = "created"
	PaymentAuthorized = "authorized"
	PaymentCaptured   = "captured"
	PaymentFailed     = "failed"
	PaymentRefunded   = "refunded"
)

const (
	EventPaymentAuthorized = "payment.authorized"
	EventPaymentCaptured   = "payment.captured"
	EventPaymentFailed     = "payment.failed"
	EventRefundProcessed   = "refund.processed"
)

var paymentStatuses = map[string]string{
	PaymentCreated:    billing.TransactionStatusWaiting,
	PaymentAuthorized: billing.TransactionStatusPreauth,
	PaymentCaptured:   billing.TransactionStatusConfirmed,
	PaymentFailed:     billing.TransactionStatusFailed,
	PaymentRefunded:   billing.TransactionStatusRefunded,
}

// TransactionStatus maps a Razorpay payment status to a transaction status.
func TransactionStatus(s string) (string, bool) {
	st, ok := paymentStatuses[strings.ToLower(s)]
	return st, ok
}

// ToPaise converts an amount to the smallest currency unit, truncating
// anything below it.
func ToPaise(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).IntPart()
}

func FromPaise(p int64) decimal.Decimal {
	return decimal.New(p, -2)
}

// Receipt builds the order receipt for an invoice. Razorpay caps receipts at
// 40 characters.
func Receipt(invoiceID int64) string {
	return fmt.Sprintf("%d-%s", invoiceID, utils.RandomString(16, utils.Alphanumeric))
}

// InvoiceID reads the invoice a payment belongs to from its notes.
func InvoiceID(notes Notes) (int64, error) {
	raw, ok := notes["invoice_id"]
	if !ok {
		return 0, fmt.Errorf("payment is not linked to an invoice")
	}
	id, err := utils.ParseID(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid invoice id %q in payment notes", raw)
	}
	return id, nil
}

func invoiceNote(id int64) string {
	return strconv.FormatInt(id, 10)
}
