package razorpay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"billing-gateways/internal/activity"
	"billing-gateways/internal/auth"
	"billing-gateways/internal/billing"
	"billing-gateways/internal/billing/billingtest"
	"billing-gateways/internal/config"
	"billing-gateways/internal/gateway"
	"billing-gateways/internal/gateway/gatewaytest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockAPI struct {
	mock.Mock
}

func (m *MockAPI) CreateOrder(ctx context.Context, data map[string]interface{}) (*Order, error) {
	args := m.Called(ctx, data)
	o, _ := args.Get(0).(*Order)
	return o, args.Error(1)
}

func (m *MockAPI) FetchPayment(ctx context.Context, paymentID string) (*Payment, error) {
	args := m.Called(ctx, paymentID)
	p, _ := args.Get(0).(*Payment)
	return p, args.Error(1)
}

func (m *MockAPI) CapturePayment(ctx context.Context, paymentID string, amount int64, currency string) (*Payment, error) {
	args := m.Called(ctx, paymentID, amount, currency)
	p, _ := args.Get(0).(*Payment)
	return p, args.Error(1)
}

func (m *MockAPI) RefundPayment(ctx context.Context, paymentID string, amount int64) (*Refund, error) {
	args := m.Called(ctx, paymentID, amount)
	r, _ := args.Get(0).(*Refund)
	return r, args.Error(1)
}

type activityRecorder struct {
	mu      sync.Mutex
	started []string
}

func (r *activityRecorder) Start(ctx context.Context, category, class string, invoiceID int64) *activity.Activity {
	r.mu.Lock()
	r.started = append(r.started, fmt.Sprintf("%s/%s/%d", category, class, invoiceID))
	r.mu.Unlock()
	return activity.NewHelper(nil).Start(ctx, category, class, invoiceID)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	module   *Module
	store    *billingtest.MemStore
	api      *MockAPI
	webhooks *gatewaytest.MemWebhookLog
	activity *activityRecorder
}

func newFixture() *fixture {
	st := billingtest.NewMemStore()
	st.AddGateway(&billing.Gateway{ID: 4, Name: Name, DisplayName: "Razorpay", FixedFee: decimal.Zero, PercentFee: dec("2"), Enabled: true})
	st.AddClient(&billing.Client{ID: 3, FirstName: "Asha", LastName: "Rao", Email: "accounts@rao.in", Phone: "+91 98765 43210", Currency: "INR"})
	st.AddInvoice(&billing.Invoice{
		ID: 7, ClientID: 3, Currency: "INR",
		Total: dec("120.50"), Balance: dec("120.50"), Status: billing.InvoiceStatusUnpaid,
	})

	f := &fixture{
		store:    st,
		api:      new(MockAPI),
		webhooks: gatewaytest.NewMemWebhookLog(),
		activity: &activityRecorder{},
	}
	f.module = New(Deps{
		Client:   f.api,
		Store:    st,
		Activity: f.activity,
		Webhooks: f.webhooks,
		Config: config.RazorpayConfig{
			KeyID:         "rzp_test_key",
			KeySecret:     keySecret,
			WebhookSecret: webhookSecret,
			CallbackURL:   "https://billing.example.com/razorpay/return",
			MerchantName:  "Example Hosting",
			AutoCapture:   false,
		},
	})
	f.module.now = func() time.Time { return fixedNow }
	return f
}

func (f *fixture) addTransaction(id int64, status string) {
	f.store.AddTransaction(&billing.Transaction{
		ID: id, InvoiceID: 7, ExternalID: "pay_1", Amount: dec("120.50"), Currency: "INR",
		GatewayID: 4, Fee: dec("2.41"), Status: status,
	})
}

func (f *fixture) markPaid() {
	inv := f.store.Invoices[7]
	inv.Balance = decimal.Zero
	inv.Status = billing.InvoiceStatusPaid
}

func asGatewayError(t *testing.T, err error) string {
	t.Helper()
	var gwErr *gateway.GatewayError
	require.ErrorAs(t, err, &gwErr)
	return gwErr.Message
}

func withTransaction(t *testing.T, f *fixture, req *http.Request, id int64) *http.Request {
	tx, err := f.store.GetTransaction(req.Context(), id)
	require.NoError(t, err)
	return req.WithContext(gateway.WithTransaction(req.Context(), tx))
}

func TestModule_Actions(t *testing.T) {
	f := newFixture()
	assert.Equal(t, "razorpay", f.module.Name())

	actions := map[string]gateway.Action{}
	for _, a := range f.module.Actions() {
		actions[a.Name] = a
	}
	require.Len(t, actions, 4)

	assert.False(t, actions["pay_invoice"].Staff)
	assert.Equal(t, []string{http.MethodPost}, actions["callback"].Methods)
	assert.True(t, actions["capture"].Staff)
	assert.Equal(t, []string{billing.TransactionStatusPreauth}, actions["capture"].Statuses)
	assert.ElementsMatch(t,
		[]string{billing.TransactionStatusConfirmed, billing.TransactionStatusPreauth},
		actions["refund"].Statuses)
}

func TestModule_PayInvoice(t *testing.T) {
	user := &auth.User{ID: 1, Email: "asha@rao.in", ClientID: 3}

	request := func(invoice string, u *auth.User) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/?invoice="+invoice, nil)
		if u != nil {
			req = req.WithContext(auth.WithUser(req.Context(), u))
		}
		return req
	}

	t.Run("CheckoutOptions", func(t *testing.T) {
		f := newFixture()
		f.api.On("CreateOrder", mock.Anything, mock.MatchedBy(func(d map[string]interface{}) bool {
			notes, _ := d["notes"].(map[string]string)
			receipt, _ := d["receipt"].(string)
			return d["amount"] == int64(12050) &&
				d["currency"] == "INR" &&
				d["payment_capture"] == false &&
				notes["invoice_id"] == "7" &&
				strings.HasPrefix(receipt, "7-")
		})).Return(&Order{ID: "order_1", Amount: 12050, Currency: "INR"}, nil).Once()

		w := httptest.NewRecorder()
		require.NoError(t, f.module.PayInvoice(w, request("7", user)))
		assert.Equal(t, http.StatusOK, w.Code)

		var opts CheckoutOptions
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &opts))
		assert.Equal(t, "rzp_test_key", opts.Key)
		assert.Equal(t, "order_1", opts.OrderID)
		assert.Equal(t, int64(12050), opts.Amount)
		assert.Equal(t, "Example Hosting", opts.Name)
		assert.Equal(t, "Invoice 7", opts.Description)
		assert.Equal(t, Prefill{Name: "Asha Rao", Email: "asha@rao.in", Contact: "+91 98765 43210"}, opts.Prefill)
		assert.Equal(t, "https://billing.example.com/razorpay/return", opts.CallbackURL)
		f.api.AssertExpectations(t)
	})

	t.Run("ForeignInvoice", func(t *testing.T) {
		f := newFixture()
		err := f.module.PayInvoice(httptest.NewRecorder(), request("7", &auth.User{ID: 2, ClientID: 9}))
		assert.Equal(t, "Invoice 7 does not exist", asGatewayError(t, err))
		f.api.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)
	})

	t.Run("Anonymous", func(t *testing.T) {
		f := newFixture()
		err := f.module.PayInvoice(httptest.NewRecorder(), request("7", nil))
		assert.Equal(t, "Invoice 7 does not exist", asGatewayError(t, err))
	})

	t.Run("BadID", func(t *testing.T) {
		f := newFixture()
		err := f.module.PayInvoice(httptest.NewRecorder(), request("abc", user))
		assert.Equal(t, "Invoice abc does not exist", asGatewayError(t, err))
	})

	t.Run("OrderFailed", func(t *testing.T) {
		f := newFixture()
		f.api.On("CreateOrder", mock.Anything, mock.Anything).Return(nil, errors.New("BAD_REQUEST_ERROR")).Once()

		err := f.module.PayInvoice(httptest.NewRecorder(), request("7", user))
		var payErr *gateway.InvoicePaymentError
		require.ErrorAs(t, err, &payErr)
		assert.Equal(t, int64(7), payErr.InvoiceID)
		assert.Contains(t, payErr.Message, "Could not create order")
	})
}

func TestModule_Capture(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		f := newFixture()
		f.addTransaction(11, billing.TransactionStatusPreauth)
		f.api.On("CapturePayment", mock.Anything, "pay_1", int64(12050), "INR").
			Return(&Payment{ID: "pay_1", Status: PaymentCaptured}, nil).Once()

		req := withTransaction(t, f, httptest.NewRequest(http.MethodGet, "/", nil), 11)
		require.NoError(t, f.module.Capture(httptest.NewRecorder(), req))

		tx, _ := f.store.GetTransaction(context.Background(), 11)
		assert.Equal(t, billing.TransactionStatusConfirmed, tx.Status)
	})

	t.Run("SDKError", func(t *testing.T) {
		f := newFixture()
		f.addTransaction(11, billing.TransactionStatusPreauth)
		f.api.On("CapturePayment", mock.Anything, "pay_1", int64(12050), "INR").
			Return(nil, errors.New("payment already captured")).Once()

		req := withTransaction(t, f, httptest.NewRequest(http.MethodGet, "/", nil), 11)
		err := f.module.Capture(httptest.NewRecorder(), req)
		assert.Equal(t, "Invalid Razorpay capture: payment already captured", asGatewayError(t, err))

		tx, _ := f.store.GetTransaction(context.Background(), 11)
		assert.Equal(t, billing.TransactionStatusPreauth, tx.Status)
	})

	t.Run("NoTransaction", func(t *testing.T) {
		f := newFixture()
		err := f.module.Capture(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Error(t, err)
	})
}

func TestModule_Refund(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		f := newFixture()
		f.addTransaction(11, billing.TransactionStatusConfirmed)
		f.markPaid()
		f.api.On("RefundPayment", mock.Anything, "pay_1", int64(12050)).
			Return(&Refund{ID: "rfnd_1", PaymentID: "pay_1", Amount: 12050, Currency: "INR", CreatedAt: 1772359200}, nil).Once()

		req := withTransaction(t, f, httptest.NewRequest(http.MethodGet, "/", nil), 11)
		require.NoError(t, f.module.Refund(httptest.NewRecorder(), req))

		txs := f.store.TransactionsFor("pay_1")
		require.Len(t, txs, 2)
		assert.Equal(t, billing.TransactionStatusRefunded, txs[0].Status)

		refund := txs[1]
		require.NotNil(t, refund.RefundedTransactionID)
		assert.Equal(t, int64(11), *refund.RefundedTransactionID)
		assert.Equal(t, "rfnd_1", refund.Reference)
		assert.Equal(t, "rfnd_1", refund.Extra["refundId"])
		assert.True(t, refund.Amount.Equal(dec("120.50")))
		assert.Equal(t, time.Unix(1772359200, 0).UTC(), refund.DateInitiated)

		inv, _ := f.store.GetInvoice(context.Background(), 7)
		assert.Equal(t, billing.InvoiceStatusRefunded, inv.Status)
		assert.Equal(t, []string{"razorpay/razorpay payment refund/7"}, f.activity.started)
	})

	t.Run("AmountFallback", func(t *testing.T) {
		f := newFixture()
		f.addTransaction(11, billing.TransactionStatusConfirmed)
		f.markPaid()
		f.api.On("RefundPayment", mock.Anything, "pay_1", int64(12050)).
			Return(&Refund{ID: "rfnd_1"}, nil).Once()

		req := withTransaction(t, f, httptest.NewRequest(http.MethodGet, "/", nil), 11)
		require.NoError(t, f.module.Refund(httptest.NewRecorder(), req))

		txs := f.store.TransactionsFor("pay_1")
		require.Len(t, txs, 2)
		assert.True(t, txs[1].Amount.Equal(dec("120.50")))
		assert.Equal(t, "INR", txs[1].Currency)
		assert.Equal(t, fixedNow, txs[1].DateInitiated)
	})

	t.Run("SDKError", func(t *testing.T) {
		f := newFixture()
		f.addTransaction(11, billing.TransactionStatusConfirmed)
		f.api.On("RefundPayment", mock.Anything, "pay_1", int64(12050)).
			Return(nil, errors.New("The payment has been fully refunded already")).Once()

		req := withTransaction(t, f, httptest.NewRequest(http.MethodGet, "/", nil), 11)
		err := f.module.Refund(httptest.NewRecorder(), req)
		assert.Contains(t, asGatewayError(t, err), "Invalid razorpay refund action")
		assert.Len(t, f.store.TransactionsFor("pay_1"), 1)
	})

	t.Run("RecordedConcurrently", func(t *testing.T) {
		f := newFixture()
		f.addTransaction(11, billing.TransactionStatusConfirmed)
		f.markPaid()
		refunded := int64(11)
		f.store.AddTransaction(&billing.Transaction{
			ID: 12, InvoiceID: 7, ExternalID: "pay_1", Amount: dec("120.50"), Currency: "INR",
			GatewayID: 4, RefundedTransactionID: &refunded, Reference: "rfnd_1",
			Status: billing.TransactionStatusRefunded,
		})
		// The webhook commits its refund row after the staff action looked.
		f.module.store = refundLookupMiss{f.store}
		f.api.On("RefundPayment", mock.Anything, "pay_1", int64(12050)).
			Return(&Refund{ID: "rfnd_1", Amount: 12050, Currency: "INR"}, nil).Once()

		req := withTransaction(t, f, httptest.NewRequest(http.MethodGet, "/", nil), 11)
		require.NoError(t, f.module.Refund(httptest.NewRecorder(), req))

		assert.Len(t, f.store.TransactionsFor("pay_1"), 2)
		inv, _ := f.store.GetInvoice(context.Background(), 7)
		assert.Equal(t, billing.InvoiceStatusPaid, inv.Status)
	})

	t.Run("StoreFailureRollsBack", func(t *testing.T) {
		f := newFixture()
		f.addTransaction(11, billing.TransactionStatusConfirmed)
		f.markPaid()
		f.store.FailStatusUpdate = errors.New("db down")
		f.api.On("RefundPayment", mock.Anything, "pay_1", int64(12050)).
			Return(&Refund{ID: "rfnd_1", Amount: 12050, Currency: "INR"}, nil).Once()

		req := withTransaction(t, f, httptest.NewRequest(http.MethodGet, "/", nil), 11)
		err := f.module.Refund(httptest.NewRecorder(), req)
		assert.Equal(t, "Failed to mark transaction as refunded. Check logs for more details.", asGatewayError(t, err))
		assert.Len(t, f.store.TransactionsFor("pay_1"), 1)

		inv, _ := f.store.GetInvoice(context.Background(), 7)
		assert.Equal(t, billing.InvoiceStatusPaid, inv.Status)
	})
}

// refundLookupMiss hides stored refunds from the pre-insert lookup.
type refundLookupMiss struct {
	*billingtest.MemStore
}

func (refundLookupMiss) FindRefundTransaction(ctx context.Context, refundedTransactionID int64, reference string) (*billing.Transaction, error) {
	return nil, billing.ErrNotFound
}

func paymentEvent(event, status, notes string) []byte {
	return []byte(fmt.Sprintf(`{
		"entity": "event",
		"account_id": "acc_1",
		"event": %q,
		"contains": ["payment"],
		"payload": {"payment": {"entity": {
			"id": "pay_1",
			"order_id": "order_1",
			"amount": 12050,
			"currency": "INR",
			"status": %q,
			"method": "upi",
			"notes": %s,
			"created_at": 1772359200
		}}},
		"created_at": 1772359300
	}`, event, status, notes))
}

func refundEvent(refundID string) []byte {
	return []byte(fmt.Sprintf(`{
		"entity": "event",
		"event": "refund.processed",
		"contains": ["refund", "payment"],
		"payload": {
			"refund": {"entity": {"id": %q, "payment_id": "pay_1", "amount": 5000, "currency": "INR", "status": "processed", "notes": []}},
			"payment": {"entity": {"id": "pay_1", "amount": 12050, "currency": "INR", "status": "captured", "notes": []}}
		}
	}`, refundID))
}

func webhook(t *testing.T, f *fixture, body []byte, eventID string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(string(body)))
	req.Header.Set("X-Razorpay-Signature", hmacHex(string(body), webhookSecret))
	if eventID != "" {
		req.Header.Set("X-Razorpay-Event-Id", eventID)
	}
	w := httptest.NewRecorder()
	return w, f.module.Callback(w, req)
}

func TestModule_Webhook(t *testing.T) {
	const linked = `{"invoice_id": "7"}`

	t.Run("InvalidSignature", func(t *testing.T) {
		f := newFixture()
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
		req.Header.Set("X-Razorpay-Signature", "deadbeef")

		err := f.module.Callback(httptest.NewRecorder(), req)
		assert.Equal(t, "Did not receive or received invalid X-Razorpay-Signature", asGatewayError(t, err))
		assert.Zero(t, f.webhooks.Len())
	})

	t.Run("AuthorizedCreatesPreauthAndPays", func(t *testing.T) {
		f := newFixture()
		w, err := webhook(t, f, paymentEvent(EventPaymentAuthorized, PaymentAuthorized, linked), "evt_1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"detail":"Ok"}`, w.Body.String())

		txs := f.store.TransactionsFor("pay_1")
		require.Len(t, txs, 1)
		assert.Equal(t, billing.TransactionStatusPreauth, txs[0].Status)
		assert.True(t, txs[0].Fee.Equal(dec("2.41")))
		assert.Equal(t, "order_1", txs[0].Extra["orderId"])
		assert.Equal(t, time.Unix(1772359200, 0).UTC(), txs[0].DateInitiated)

		inv, _ := f.store.GetInvoice(context.Background(), 7)
		assert.Equal(t, billing.InvoiceStatusPaid, inv.Status)
		assert.Equal(t, []string{"razorpay/razorpay payment/7"}, f.activity.started)

		entry, ok := f.webhooks.Entry(Name, "evt_1")
		require.True(t, ok)
		assert.True(t, entry.Processed)
		assert.Equal(t, "pay_1", entry.ExternalID)
	})

	t.Run("CapturedAfterAuthorizedDoesNotPayTwice", func(t *testing.T) {
		f := newFixture()
		f.store.Invoices[7].Total = dec("241.00")
		f.store.Invoices[7].Balance = dec("241.00")

		_, err := webhook(t, f, paymentEvent(EventPaymentAuthorized, PaymentAuthorized, linked), "evt_1")
		require.NoError(t, err)
		_, err = webhook(t, f, paymentEvent(EventPaymentCaptured, PaymentCaptured, linked), "evt_2")
		require.NoError(t, err)

		txs := f.store.TransactionsFor("pay_1")
		require.Len(t, txs, 1)
		assert.Equal(t, billing.TransactionStatusConfirmed, txs[0].Status)

		inv, _ := f.store.GetInvoice(context.Background(), 7)
		assert.Equal(t, "120.5", inv.Balance.String())
		assert.Len(t, f.activity.started, 1)
	})

	t.Run("WaitingTransactionGetsPayment", func(t *testing.T) {
		f := newFixture()
		f.addTransaction(11, billing.TransactionStatusWaiting)

		_, err := webhook(t, f, paymentEvent(EventPaymentCaptured, PaymentCaptured, `[]`), "evt_1")
		require.NoError(t, err)

		tx, _ := f.store.GetTransaction(context.Background(), 11)
		assert.Equal(t, billing.TransactionStatusConfirmed, tx.Status)
		inv, _ := f.store.GetInvoice(context.Background(), 7)
		assert.Equal(t, billing.InvoiceStatusPaid, inv.Status)
	})

	t.Run("PaidInvoiceOnlyUpdatesStatus", func(t *testing.T) {
		f := newFixture()
		f.markPaid()

		_, err := webhook(t, f, paymentEvent(EventPaymentCaptured, PaymentCaptured, linked), "evt_1")
		require.NoError(t, err)

		txs := f.store.TransactionsFor("pay_1")
		require.Len(t, txs, 1)
		assert.Equal(t, billing.TransactionStatusConfirmed, txs[0].Status)
		assert.Empty(t, f.activity.started)
	})

	t.Run("FailedWithoutTransactionIgnored", func(t *testing.T) {
		f := newFixture()
		_, err := webhook(t, f, paymentEvent(EventPaymentFailed, PaymentFailed, linked), "evt_1")
		require.NoError(t, err)
		assert.Empty(t, f.store.TransactionsFor("pay_1"))
	})

	t.Run("FailedUpdatesTransaction", func(t *testing.T) {
		f := newFixture()
		f.addTransaction(11, billing.TransactionStatusWaiting)
		_, err := webhook(t, f, paymentEvent(EventPaymentFailed, PaymentFailed, linked), "evt_1")
		require.NoError(t, err)

		tx, _ := f.store.GetTransaction(context.Background(), 11)
		assert.Equal(t, billing.TransactionStatusFailed, tx.Status)
	})

	t.Run("UnlinkedPayment", func(t *testing.T) {
		f := newFixture()
		_, err := webhook(t, f, paymentEvent(EventPaymentCaptured, PaymentCaptured, `[]`), "evt_1")
		assert.Contains(t, asGatewayError(t, err), "not linked to an invoice")

		entry, ok := f.webhooks.Entry(Name, "evt_1")
		require.True(t, ok)
		assert.False(t, entry.Processed)
		assert.NotEmpty(t, entry.Error)
	})

	t.Run("DuplicateEvent", func(t *testing.T) {
		f := newFixture()
		body := paymentEvent(EventPaymentAuthorized, PaymentAuthorized, linked)
		_, err := webhook(t, f, body, "evt_1")
		require.NoError(t, err)
		w, err := webhook(t, f, body, "evt_1")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, w.Code)

		assert.Len(t, f.store.TransactionsFor("pay_1"), 1)
		assert.Len(t, f.activity.started, 1)
		assert.Equal(t, 1, f.webhooks.Len())
	})

	t.Run("EventIDFallback", func(t *testing.T) {
		f := newFixture()
		_, err := webhook(t, f, paymentEvent(EventPaymentAuthorized, PaymentAuthorized, linked), "")
		require.NoError(t, err)

		_, ok := f.webhooks.Entry(Name, "pay_1:payment.authorized")
		assert.True(t, ok)
	})

	t.Run("RefundProcessed", func(t *testing.T) {
		f := newFixture()
		f.addTransaction(11, billing.TransactionStatusConfirmed)
		f.markPaid()

		_, err := webhook(t, f, refundEvent("rfnd_1"), "evt_1")
		require.NoError(t, err)
		_, err = webhook(t, f, refundEvent("rfnd_1"), "evt_2")
		require.NoError(t, err)

		txs := f.store.TransactionsFor("pay_1")
		require.Len(t, txs, 2)
		assert.Equal(t, "rfnd_1", txs[1].Reference)
		assert.True(t, txs[1].Amount.Equal(dec("50")))

		inv, _ := f.store.GetInvoice(context.Background(), 7)
		assert.Equal(t, billing.InvoiceStatusUnpaid, inv.Status)
		assert.Equal(t, "50", inv.Balance.String())
	})

	t.Run("AuthorizedAfterCapturedKeepsConfirmed", func(t *testing.T) {
		f := newFixture()
		_, err := webhook(t, f, paymentEvent(EventPaymentCaptured, PaymentCaptured, linked), "evt_1")
		require.NoError(t, err)
		_, err = webhook(t, f, paymentEvent(EventPaymentAuthorized, PaymentAuthorized, linked), "evt_2")
		require.NoError(t, err)

		txs := f.store.TransactionsFor("pay_1")
		require.Len(t, txs, 1)
		assert.Equal(t, billing.TransactionStatusConfirmed, txs[0].Status)
		assert.Len(t, f.activity.started, 1)
	})

	t.Run("CapturedAfterRefundIgnored", func(t *testing.T) {
		f := newFixture()
		f.addTransaction(11, billing.TransactionStatusConfirmed)
		f.markPaid()

		_, err := webhook(t, f, refundEvent("rfnd_1"), "evt_1")
		require.NoError(t, err)
		_, err = webhook(t, f, paymentEvent(EventPaymentCaptured, PaymentCaptured, linked), "evt_2")
		require.NoError(t, err)

		tx, _ := f.store.GetTransaction(context.Background(), 11)
		assert.Equal(t, billing.TransactionStatusRefunded, tx.Status)

		inv, _ := f.store.GetInvoice(context.Background(), 7)
		assert.Equal(t, billing.InvoiceStatusUnpaid, inv.Status)
		assert.Equal(t, "50", inv.Balance.String())
	})

	t.Run("FailedAfterCapturedIgnored", func(t *testing.T) {
		f := newFixture()
		f.addTransaction(11, billing.TransactionStatusConfirmed)

		_, err := webhook(t, f, paymentEvent(EventPaymentFailed, PaymentFailed, linked), "evt_1")
		require.NoError(t, err)

		tx, _ := f.store.GetTransaction(context.Background(), 11)
		assert.Equal(t, billing.TransactionStatusConfirmed, tx.Status)
	})

	t.Run("RefundWithoutTransaction", func(t *testing.T) {
		f := newFixture()
		_, err := webhook(t, f, refundEvent("rfnd_1"), "evt_1")
		assert.Contains(t, asGatewayError(t, err), "no transaction to refund")
	})

	t.Run("OtherEventAcknowledged", func(t *testing.T) {
		f := newFixture()
		w, err := webhook(t, f, []byte(`{"event":"order.paid","payload":{}}`), "evt_1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"detail":"Ok"}`, w.Body.String())
		assert.Zero(t, f.webhooks.Len())
	})

	t.Run("MissingPaymentEntity", func(t *testing.T) {
		f := newFixture()
		_, err := webhook(t, f, []byte(`{"event":"payment.captured","payload":{}}`), "evt_1")
		assert.Equal(t, "No payment details", asGatewayError(t, err))
	})

	t.Run("InvalidBody", func(t *testing.T) {
		f := newFixture()
		_, err := webhook(t, f, []byte(`not json`), "evt_1")
		assert.Equal(t, "Invalid notification body", asGatewayError(t, err))
	})
}

func checkoutReturn(f *fixture, form url.Values) error {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return f.module.Callback(httptest.NewRecorder(), req)
}

func TestModule_CheckoutReturn(t *testing.T) {
	signed := url.Values{
		"razorpay_payment_id": {"pay_1"},
		"razorpay_order_id":   {"order_1"},
		"razorpay_signature":  {hmacHex("order_1|pay_1", keySecret)},
	}

	t.Run("Success", func(t *testing.T) {
		f := newFixture()
		f.api.On("FetchPayment", mock.Anything, "pay_1").Return(&Payment{
			ID: "pay_1", OrderID: "order_1", Amount: 12050, Currency: "INR",
			Status: PaymentCaptured, Notes: Notes{"invoice_id": "7"},
		}, nil).Once()

		require.NoError(t, checkoutReturn(f, signed))

		txs := f.store.TransactionsFor("pay_1")
		require.Len(t, txs, 1)
		assert.Equal(t, billing.TransactionStatusConfirmed, txs[0].Status)
		assert.Equal(t, fixedNow, txs[0].DateInitiated)

		_, ok := f.webhooks.Entry(Name, "pay_1:checkout:captured")
		assert.True(t, ok)
	})

	t.Run("InvalidSignature", func(t *testing.T) {
		f := newFixture()
		form := url.Values{
			"razorpay_payment_id": {"pay_1"},
			"razorpay_order_id":   {"order_1"},
			"razorpay_signature":  {hmacHex("order_1|pay_2", keySecret)},
		}
		err := checkoutReturn(f, form)
		assert.Equal(t, "Did not receive or received invalid Razorpay signature", asGatewayError(t, err))
		f.api.AssertNotCalled(t, "FetchPayment", mock.Anything, mock.Anything)
	})

	t.Run("MissingFields", func(t *testing.T) {
		f := newFixture()
		err := checkoutReturn(f, url.Values{})
		assert.Equal(t, "Did not receive or received invalid Razorpay signature", asGatewayError(t, err))
	})

	t.Run("OrderMismatch", func(t *testing.T) {
		f := newFixture()
		f.api.On("FetchPayment", mock.Anything, "pay_1").Return(&Payment{
			ID: "pay_1", OrderID: "order_9", Status: PaymentCaptured,
		}, nil).Once()

		err := checkoutReturn(f, signed)
		assert.Equal(t, "Payment pay_1 does not belong to order order_1", asGatewayError(t, err))
	})

	t.Run("FetchFailed", func(t *testing.T) {
		f := newFixture()
		f.api.On("FetchPayment", mock.Anything, "pay_1").Return(nil, errors.New("timeout")).Once()

		err := checkoutReturn(f, signed)
		assert.Equal(t, "Could not fetch payment pay_1: timeout", asGatewayError(t, err))
	})
}

func TestModule_ThroughRouter(t *testing.T) {
	f := newFixture()
	f.addTransaction(11, billing.TransactionStatusPreauth)
	f.api.On("CapturePayment", mock.Anything, "pay_1", int64(12050), "INR").
		Return(&Payment{ID: "pay_1", Status: PaymentCaptured}, nil).Once()

	router := gateway.NewRouter(f.store, "https://staff.example.com")
	router.Register(f.module)
	h := router.StaffHandler(func(*http.Request) map[string]string {
		return map[string]string{"gateway": Name, "action": "capture"}
	})

	req := httptest.NewRequest(http.MethodGet, "/?transaction=11", nil)
	req = req.WithContext(auth.WithUser(req.Context(), &auth.User{ID: 1, Role: auth.RoleStaff}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://staff.example.com/billing/transactions/11", w.Header().Get("Location"))
	f.api.AssertExpectations(t)
}
