package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"billing-gateways/internal/billing"
	"billing-gateways/internal/billing/billingtest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seed() *billingtest.MemStore {
	st := billingtest.NewMemStore()
	st.AddClient(&billing.Client{ID: 3, FirstName: "Jan", Currency: "PLN", Credit: decimal.Zero})
	st.AddInvoice(&billing.Invoice{
		ID: 7, ClientID: 3, Currency: "PLN",
		Total: dec("120.50"), Balance: dec("120.50"), Status: billing.InvoiceStatusUnpaid,
	})
	st.AddTransaction(&billing.Transaction{
		ID: 11, InvoiceID: 7, ExternalID: "ORDER-1", Amount: dec("120.50"),
		Currency: "PLN", GatewayID: 2, Status: billing.TransactionStatusConfirmed,
	})
	return st
}

func TestService_Validate(t *testing.T) {
	svc := billing.NewService()

	valid := billing.NewTransaction{
		InvoiceID:     7,
		ExternalID:    "ORDER-1",
		Amount:        dec("10.00"),
		Currency:      "PLN",
		GatewayID:     2,
		DateInitiated: time.Now(),
		Status:        billing.TransactionStatusWaiting,
	}

	t.Run("Valid", func(t *testing.T) {
		assert.NoError(t, svc.Validate(valid))
	})

	t.Run("MissingFields", func(t *testing.T) {
		in := valid
		in.ExternalID = ""
		in.Currency = "PLNX"
		in.DateInitiated = time.Time{}

		err := svc.Validate(in)
		var verr *billing.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "required", verr.Fields["ExternalID"])
		assert.Equal(t, "len", verr.Fields["Currency"])
		assert.Equal(t, "required", verr.Fields["DateInitiated"])
	})

	t.Run("UnknownStatus", func(t *testing.T) {
		in := valid
		in.Status = "settled"

		err := svc.Validate(in)
		var verr *billing.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "oneof", verr.Fields["Status"])
	})

	t.Run("NegativeAmount", func(t *testing.T) {
		in := valid
		in.Amount = dec("-1")

		err := svc.Validate(in)
		assert.ErrorContains(t, err, "Amount: must not be negative")
	})

	t.Run("ZeroRefundedTransaction", func(t *testing.T) {
		in := valid
		zero := int64(0)
		in.RefundedTransactionID = &zero

		err := svc.Validate(in)
		var verr *billing.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Fields, "RefundedTransactionID")
	})
}

func TestService_AddTransaction(t *testing.T) {
	svc := billing.NewService()
	st := seed()

	tx, err := svc.AddTransaction(context.Background(), st, billing.NewTransaction{
		InvoiceID:     7,
		ExternalID:    "ORDER-2",
		Amount:        dec("120.50"),
		Currency:      "pln",
		GatewayID:     2,
		Fee:           dec("3.80"),
		DateInitiated: time.Now(),
		Status:        billing.TransactionStatusWaiting,
	})
	require.NoError(t, err)
	assert.NotZero(t, tx.ID)
	assert.Equal(t, "PLN", tx.Currency)

	stored, err := st.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "ORDER-2", stored.ExternalID)

	t.Run("StoreError", func(t *testing.T) {
		st.FailCreate = errors.New("disk full")
		defer func() { st.FailCreate = nil }()

		_, err := svc.AddTransaction(context.Background(), st, billing.NewTransaction{
			InvoiceID: 7, ExternalID: "ORDER-3", Amount: dec("1"), Currency: "PLN",
			GatewayID: 2, DateInitiated: time.Now(), Status: billing.TransactionStatusWaiting,
		})
		assert.ErrorContains(t, err, "disk full")
	})
}

func TestService_AddPayment(t *testing.T) {
	svc := billing.NewService()
	ctx := context.Background()

	t.Run("FullPaymentMarksPaid", func(t *testing.T) {
		st := seed()
		require.NoError(t, svc.AddPayment(ctx, st, 7, dec("120.50"), "PLN", 11))

		inv, _ := st.GetInvoice(ctx, 7)
		assert.True(t, inv.Balance.IsZero())
		assert.Equal(t, billing.InvoiceStatusPaid, inv.Status)
	})

	t.Run("PartialPaymentStaysUnpaid", func(t *testing.T) {
		st := seed()
		require.NoError(t, svc.AddPayment(ctx, st, 7, dec("20.50"), "pln", 11))

		inv, _ := st.GetInvoice(ctx, 7)
		assert.Equal(t, "100", inv.Balance.String())
		assert.Equal(t, billing.InvoiceStatusUnpaid, inv.Status)
	})

	t.Run("CurrencyMismatch", func(t *testing.T) {
		st := seed()
		err := svc.AddPayment(ctx, st, 7, dec("120.50"), "EUR", 11)
		assert.ErrorContains(t, err, "does not match invoice currency")
	})

	t.Run("ForeignTransaction", func(t *testing.T) {
		st := seed()
		st.AddTransaction(&billing.Transaction{ID: 12, InvoiceID: 8, ExternalID: "OTHER"})
		err := svc.AddPayment(ctx, st, 7, dec("1"), "PLN", 12)
		assert.ErrorContains(t, err, "does not belong to invoice")
	})

	t.Run("MissingInvoice", func(t *testing.T) {
		st := seed()
		err := svc.AddPayment(ctx, st, 70, dec("1"), "PLN", 11)
		assert.ErrorIs(t, err, billing.ErrNotFound)
	})
}

func TestService_RefundPayment(t *testing.T) {
	svc := billing.NewService()
	ctx := context.Background()

	paid := func() *billingtest.MemStore {
		st := seed()
		require.NoError(t, svc.AddPayment(ctx, st, 7, dec("120.50"), "PLN", 11))
		return st
	}

	t.Run("FullRefundToInvoice", func(t *testing.T) {
		st := paid()
		require.NoError(t, svc.RefundPayment(ctx, st, 11, dec("120.50"), false, 101))

		inv, _ := st.GetInvoice(ctx, 7)
		assert.Equal(t, billing.InvoiceStatusRefunded, inv.Status)
		assert.True(t, inv.Balance.Equal(dec("120.50")))

		orig, _ := st.GetTransaction(ctx, 11)
		assert.Equal(t, billing.TransactionStatusRefunded, orig.Status)
	})

	t.Run("PartialRefundReopensInvoice", func(t *testing.T) {
		st := paid()
		require.NoError(t, svc.RefundPayment(ctx, st, 11, dec("20.50"), false, 101))

		inv, _ := st.GetInvoice(ctx, 7)
		assert.Equal(t, billing.InvoiceStatusUnpaid, inv.Status)
		assert.Equal(t, "20.5", inv.Balance.String())
	})

	t.Run("ToClientCredit", func(t *testing.T) {
		st := paid()
		require.NoError(t, svc.RefundPayment(ctx, st, 11, dec("120.50"), true, 101))

		c, _ := st.GetClient(ctx, 3)
		assert.True(t, c.Credit.Equal(dec("120.50")))

		inv, _ := st.GetInvoice(ctx, 7)
		assert.Equal(t, billing.InvoiceStatusPaid, inv.Status)
	})

	t.Run("RefundOfRefund", func(t *testing.T) {
		st := paid()
		orig := int64(11)
		st.AddTransaction(&billing.Transaction{ID: 12, InvoiceID: 7, RefundedTransactionID: &orig})

		err := svc.RefundPayment(ctx, st, 12, dec("1"), false, 101)
		assert.ErrorContains(t, err, "is itself a refund")
	})
}
