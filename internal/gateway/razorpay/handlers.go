package razorpay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"billing-gateways/internal/activity"
	"billing-gateways/internal/auth"
	"billing-gateways/internal/billing"
	"billing-gateways/internal/config"
	"billing-gateways/internal/gateway"
	"billing-gateways/internal/logger"
	"billing-gateways/internal/metrics"
	"billing-gateways/internal/utils"

	"go.uber.org/zap"
)

const Name = "razorpay"

type API interface {
	CreateOrder(ctx context.Context, data map[string]interface{}) (*Order, error)
	FetchPayment(ctx context.Context, paymentID string) (*Payment, error)
	CapturePayment(ctx context.Context, paymentID string, amount int64, currency string) (*Payment, error)
	RefundPayment(ctx context.Context, paymentID string, amount int64) (*Refund, error)
}

type Deps struct {
	Client   API
	Store    billing.Store
	Billing  *billing.Service
	Activity activity.Recorder
	Webhooks gateway.WebhookLog
	Config   config.RazorpayConfig
}

type Module struct {
	client   API
	store    billing.Store
	billing  *billing.Service
	activity activity.Recorder
	webhooks gateway.WebhookLog
	cfg      config.RazorpayConfig
	stats    *metrics.Gateway
	now      func() time.Time
}

func New(d Deps) *Module {
	if d.Billing == nil {
		d.Billing = billing.NewService()
	}
	if d.Activity == nil {
		d.Activity = activity.NewHelper(nil)
	}
	return &Module{
		client:   d.Client,
		store:    d.Store,
		billing:  d.Billing,
		activity: d.Activity,
		webhooks: d.Webhooks,
		cfg:      d.Config,
		stats:    metrics.For(Name),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Module) Name() string { return Name }

func (m *Module) Actions() []gateway.Action {
	return []gateway.Action{
		{
			Name:    "pay_invoice",
			Methods: []string{http.MethodGet},
			Handler: m.PayInvoice,
		},
		{
			Name:             "capture",
			Methods:          []string{http.MethodGet},
			Staff:            true,
			Statuses:         []string{billing.TransactionStatusPreauth},
			RequiresRedirect: true,
			Handler:          m.Capture,
		},
		{
			Name:             "refund",
			Methods:          []string{http.MethodGet},
			Staff:            true,
			Statuses:         []string{billing.TransactionStatusConfirmed, billing.TransactionStatusPreauth},
			RequiresRedirect: true,
			Handler:          m.Refund,
		},
		{
			Name:    "callback",
			Methods: []string{http.MethodPost},
			Handler: m.Callback,
		},
	}
}

// CheckoutOptions is what the frontend hands to Razorpay Checkout.
type CheckoutOptions struct {
	Key         string            `json:"key"`
	OrderID     string            `json:"order_id"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Prefill     Prefill           `json:"prefill"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Notes       map[string]string `json:"notes"`
}

type Prefill struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Contact string `json:"contact"`
}

// ----------------- pay_invoice -----------------

func (m *Module) PayInvoice(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	raw := r.URL.Query().Get("invoice")
	user, _ := auth.UserFrom(ctx)

	invoiceID, err := utils.ParseID(raw)
	if err != nil {
		return gateway.NewGatewayError("Invoice %s does not exist", raw)
	}
	inv, err := m.store.GetInvoiceForClient(ctx, invoiceID, user.ActiveClient())
	if errors.Is(err, billing.ErrNotFound) {
		return gateway.NewGatewayError("Invoice %s does not exist", raw)
	}
	if err != nil {
		return fmt.Errorf("load invoice %d: %w", invoiceID, err)
	}

	opts, err := m.checkout(ctx, inv, user)
	if err != nil {
		return gateway.NewInvoicePaymentError(inv.ID, err.Error())
	}

	utils.WriteJSON(w, http.StatusOK, opts)
	return nil
}

func (m *Module) checkout(ctx context.Context, inv *billing.Invoice, user *auth.User) (*CheckoutOptions, error) {
	client, err := m.store.GetClient(ctx, inv.ClientID)
	if err != nil {
		return nil, fmt.Errorf("load client %d: %w", inv.ClientID, err)
	}

	email := client.Email
	if user != nil && user.Email != "" {
		email = user.Email
	}
	amount := ToPaise(inv.Balance)
	notes := map[string]string{"invoice_id": invoiceNote(inv.ID)}

	order, err := m.client.CreateOrder(ctx, map[string]interface{}{
		"amount":          amount,
		"currency":        strings.ToUpper(inv.Currency),
		"receipt":         Receipt(inv.ID),
		"notes":           notes,
		"payment_capture": m.cfg.AutoCapture,
	})
	if err != nil {
		return nil, fmt.Errorf("Could not create order. %v", err)
	}

	logger.ForGateway(ctx, Name).Info("Razorpay order created",
		zap.Int64("invoice_id", inv.ID),
		zap.String("order_id", order.ID),
	)
	return &CheckoutOptions{
		Key:         m.cfg.KeyID,
		OrderID:     order.ID,
		Amount:      amount,
		Currency:    strings.ToUpper(inv.Currency),
		Name:        m.cfg.MerchantName,
		Description: fmt.Sprintf("Invoice %d", inv.ID),
		Prefill: Prefill{
			Name:    client.FullName(),
			Email:   email,
			Contact: client.Phone,
		},
		CallbackURL: m.cfg.CallbackURL,
		Notes:       notes,
	}, nil
}

// ----------------- capture -----------------

func (m *Module) Capture(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	t, ok := gateway.TransactionFrom(ctx)
	if !ok {
		return errors.New("capture called without transaction")
	}
	log := logger.ForGateway(ctx, Name).With(zap.Int64("transaction_id", t.ID))

	if _, err := m.client.CapturePayment(ctx, t.ExternalID, ToPaise(t.Amount), t.Currency); err != nil {
		return gateway.NewGatewayError("Invalid Razorpay capture: %v", err)
	}

	// payment.captured may already have moved the row.
	if err := m.store.UpdateTransactionStatus(ctx, t.ID, billing.TransactionStatusConfirmed); err != nil {
		log.Warn("could not mark captured transaction confirmed", zap.Error(err))
	}
	log.Info("Razorpay payment captured", zap.String("payment_id", t.ExternalID))
	return nil
}

// ----------------- refund -----------------

func (m *Module) Refund(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	t, ok := gateway.TransactionFrom(ctx)
	if !ok {
		return errors.New("refund called without transaction")
	}

	gw, err := m.store.GetGatewayByName(ctx, Name)
	if err != nil {
		return fmt.Errorf("load gateway %s: %w", Name, err)
	}

	act := m.activity.Start(ctx, "razorpay", "razorpay payment refund", t.InvoiceID)
	ref, err := m.client.RefundPayment(ctx, t.ExternalID, ToPaise(t.Amount))
	if err != nil {
		act.Fail(ctx, err.Error())
		return gateway.NewGatewayError("Invalid razorpay refund action: %v", err)
	}

	if err := m.recordRefund(ctx, gw, t, ref); err != nil {
		act.Fail(ctx, err.Error())
		return gateway.NewGatewayError("Failed to mark transaction as refunded. Check logs for more details.")
	}
	act.End(ctx)
	return nil
}

// recordRefund stores the refund transaction for ref and applies it to the
// invoice. A refund already recorded under the same id is left alone.
func (m *Module) recordRefund(ctx context.Context, gw *billing.Gateway, t *billing.Transaction, ref *Refund) error {
	log := logger.ForGateway(ctx, Name).With(
		zap.Int64("transaction_id", t.ID),
		zap.String("payment_id", t.ExternalID),
		zap.String("refund_id", ref.ID),
	)

	if ref.ID != "" {
		_, err := m.store.FindRefundTransaction(ctx, t.ID, ref.ID)
		if err == nil {
			log.Info("Razorpay refund already recorded")
			return nil
		}
		if !errors.Is(err, billing.ErrNotFound) {
			return fmt.Errorf("find refund %s: %w", ref.ID, err)
		}
	}

	amount := FromPaise(ref.Amount)
	if amount.IsZero() {
		amount = t.Amount
	}
	currency := ref.Currency
	if currency == "" {
		currency = t.Currency
	}
	date := m.now()
	if ref.CreatedAt > 0 {
		date = time.Unix(ref.CreatedAt, 0).UTC()
	}

	err := m.store.RunInTx(ctx, func(repo billing.Repository) error {
		nt, err := m.billing.AddTransaction(ctx, repo, billing.NewTransaction{
			InvoiceID:             t.InvoiceID,
			ExternalID:            t.ExternalID,
			Amount:                amount,
			Currency:              currency,
			GatewayID:             gw.ID,
			Fee:                   gw.Fee(t.Amount),
			DateInitiated:         date,
			Extra:                 map[string]string{"refundId": ref.ID},
			RefundedTransactionID: &t.ID,
			Reference:             ref.ID,
			Status:                billing.TransactionStatusRefunded,
		})
		if err != nil {
			return err
		}
		return m.billing.RefundPayment(ctx, repo, t.ID, amount, false, nt.ID)
	})
	if errors.Is(err, billing.ErrDuplicate) {
		log.Info("Razorpay refund already recorded")
		return nil
	}
	if err != nil {
		log.Error("Failed to mark Razorpay transaction as refunded", zap.Error(err))
		return err
	}

	m.stats.RefundsRecorded.Inc()
	log.Info("Razorpay refund recorded", zap.String("amount", amount.String()))
	return nil
}

// ----------------- callback -----------------

type Event struct {
	Entity    string       `json:"entity"`
	AccountID string       `json:"account_id"`
	Event     string       `json:"event"`
	Contains  []string     `json:"contains"`
	Payload   EventPayload `json:"payload"`
	CreatedAt int64        `json:"created_at"`
}

type EventPayload struct {
	Payment *struct {
		Entity *Payment `json:"entity"`
	} `json:"payment,omitempty"`
	Refund *struct {
		Entity *Refund `json:"entity"`
	} `json:"refund,omitempty"`
}

func (p EventPayload) payment() *Payment {
	if p.Payment == nil {
		return nil
	}
	return p.Payment.Entity
}

func (p EventPayload) refund() *Refund {
	if p.Refund == nil {
		return nil
	}
	return p.Refund.Entity
}

// Callback takes both the Checkout form post and server-to-server webhooks.
func (m *Module) Callback(w http.ResponseWriter, r *http.Request) error {
	if sig := r.Header.Get("X-Razorpay-Signature"); sig != "" {
		return m.webhook(w, r, sig)
	}
	return m.checkoutReturn(w, r)
}

func (m *Module) checkoutReturn(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		return gateway.NewGatewayError("Invalid checkout response")
	}
	paymentID := r.PostForm.Get("razorpay_payment_id")
	orderID := r.PostForm.Get("razorpay_order_id")
	signature := r.PostForm.Get("razorpay_signature")

	if !VerifyCheckoutSignature(orderID, paymentID, signature, m.cfg.KeySecret) {
		m.stats.CallbacksRejected.Inc()
		return gateway.NewGatewayError("Did not receive or received invalid Razorpay signature")
	}
	m.stats.CallbacksReceived.Inc()

	p, err := m.client.FetchPayment(ctx, paymentID)
	if err != nil {
		return gateway.NewGatewayError("Could not fetch payment %s: %v", paymentID, err)
	}
	if p.OrderID != "" && p.OrderID != orderID {
		return gateway.NewGatewayError("Payment %s does not belong to order %s", paymentID, orderID)
	}

	payload, _ := json.Marshal(p)
	dup, err := gateway.ProcessOnce(ctx, m.webhooks, gateway.Notification{
		Provider:   Name,
		EventID:    p.ID + ":checkout:" + p.Status,
		EventType:  "checkout." + p.Status,
		ExternalID: p.ID,
		Payload:    payload,
	}, func() error {
		return m.reconcilePayment(ctx, p)
	})
	if err != nil {
		return err
	}
	if dup {
		m.stats.CallbacksDuplicate.Inc()
	}

	gateway.OK(w)
	return nil
}

func (m *Module) webhook(w http.ResponseWriter, r *http.Request, signature string) error {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return gateway.NewGatewayError("Could not read notification body")
	}
	if !VerifyWebhookSignature(body, signature, m.cfg.WebhookSecret) {
		m.stats.CallbacksRejected.Inc()
		return gateway.NewGatewayError("Did not receive or received invalid X-Razorpay-Signature")
	}
	m.stats.CallbacksReceived.Inc()

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return gateway.NewGatewayError("Invalid notification body")
	}

	p := ev.Payload.payment()
	ref := ev.Payload.refund()

	var process func() error
	switch ev.Event {
	case EventPaymentAuthorized, EventPaymentCaptured, EventPaymentFailed:
		if p == nil {
			return gateway.NewGatewayError("No payment details")
		}
		process = func() error { return m.reconcilePayment(ctx, p) }
	case EventRefundProcessed:
		if ref == nil {
			return gateway.NewGatewayError("No refund details")
		}
		process = func() error { return m.refundProcessed(ctx, ref) }
	default:
		logger.ForGateway(ctx, Name).Info("Razorpay event ignored", zap.String("event", ev.Event))
		gateway.OK(w)
		return nil
	}

	externalID := ""
	switch {
	case p != nil:
		externalID = p.ID
	case ref != nil:
		externalID = ref.PaymentID
	}
	eventID := r.Header.Get("X-Razorpay-Event-Id")
	if eventID == "" {
		eventID = externalID + ":" + ev.Event
	}

	dup, err := gateway.ProcessOnce(ctx, m.webhooks, gateway.Notification{
		Provider:   Name,
		EventID:    eventID,
		EventType:  ev.Event,
		ExternalID: externalID,
		Payload:    json.RawMessage(body),
	}, process)
	if err != nil {
		return err
	}
	if dup {
		m.stats.CallbacksDuplicate.Inc()
	}

	gateway.OK(w)
	return nil
}

func (m *Module) reconcilePayment(ctx context.Context, p *Payment) error {
	log := logger.ForGateway(ctx, Name).With(
		zap.String("payment_id", p.ID),
		zap.String("status", p.Status),
	)

	status, mapped := TransactionStatus(p.Status)
	if !mapped {
		log.Info("payment status ignored")
		return nil
	}

	gw, err := m.store.GetGatewayByName(ctx, Name)
	if err != nil {
		return fmt.Errorf("load gateway %s: %w", Name, err)
	}
	existing, err := m.store.FindActiveTransaction(ctx, p.ID, gw.ID)
	if err != nil && !errors.Is(err, billing.ErrNotFound) {
		return fmt.Errorf("find transaction %s: %w", p.ID, err)
	}

	switch status {
	case billing.TransactionStatusPreauth, billing.TransactionStatusConfirmed, billing.TransactionStatusFailed:
	default:
		log.Info("payment status ignored")
		return nil
	}
	// Events arrive out of order: never move a transaction backwards.
	if existing != nil && !billing.CanAdvance(existing.Status, status) {
		log.Info("stale payment status ignored", zap.String("transaction_status", existing.Status))
		return nil
	}
	if status == billing.TransactionStatusFailed {
		if existing == nil {
			log.Info("failed payment without transaction ignored")
			return nil
		}
		return m.store.UpdateTransactionStatus(ctx, existing.ID, status)
	}

	var invoiceID int64
	if existing != nil {
		invoiceID = existing.InvoiceID
	} else {
		id, err := InvoiceID(p.Notes)
		if err != nil {
			return gateway.NewGatewayError("Payment %s: %v", p.ID, err)
		}
		invoiceID = id
	}
	inv, err := m.store.GetInvoice(ctx, invoiceID)
	if errors.Is(err, billing.ErrNotFound) {
		return gateway.NewGatewayError("Invoice %d does not exist", invoiceID)
	}
	if err != nil {
		return fmt.Errorf("load invoice %d: %w", invoiceID, err)
	}

	amount := FromPaise(p.Amount)
	// A payment is applied once, when it first becomes preauth or confirmed.
	alreadyApplied := existing != nil && existing.Status != billing.TransactionStatusWaiting
	addPayment := !alreadyApplied && inv.IsUnpaid()

	var act *activity.Activity
	if addPayment {
		act = m.activity.Start(ctx, "razorpay", "razorpay payment", inv.ID)
	}

	err = m.store.RunInTx(ctx, func(repo billing.Repository) error {
		var txID int64
		if existing == nil {
			date := m.now()
			if p.CreatedAt > 0 {
				date = time.Unix(p.CreatedAt, 0).UTC()
			}
			nt, err := m.billing.AddTransaction(ctx, repo, billing.NewTransaction{
				InvoiceID:     inv.ID,
				ExternalID:    p.ID,
				Amount:        amount,
				Currency:      p.Currency,
				GatewayID:     gw.ID,
				Fee:           gw.Fee(amount),
				DateInitiated: date,
				Extra: map[string]string{
					"orderId": p.OrderID,
					"method":  p.Method,
				},
				Status: status,
			})
			if err != nil {
				return err
			}
			txID = nt.ID
		} else {
			txID = existing.ID
			if err := repo.UpdateTransactionStatus(ctx, existing.ID, status); err != nil {
				return fmt.Errorf("update transaction %d: %w", existing.ID, err)
			}
		}
		if !addPayment {
			return nil
		}
		return m.billing.AddPayment(ctx, repo, inv.ID, amount, p.Currency, txID)
	})
	var verr *billing.ValidationError
	if errors.As(err, &verr) {
		act.Fail(ctx, err.Error())
		log.Error("Razorpay transaction error", zap.Error(err))
		return gateway.NewInvoicePaymentError(inv.ID, "Transaction error")
	}
	if err != nil {
		act.Fail(ctx, err.Error())
		return err
	}

	if addPayment {
		act.End(ctx)
		m.stats.PaymentsAdded.Inc()
	}
	log.Info("Razorpay payment reconciled",
		zap.Int64("invoice_id", inv.ID),
		zap.Bool("created", existing == nil),
		zap.Bool("payment_added", addPayment),
	)
	return nil
}

func (m *Module) refundProcessed(ctx context.Context, ref *Refund) error {
	gw, err := m.store.GetGatewayByName(ctx, Name)
	if err != nil {
		return fmt.Errorf("load gateway %s: %w", Name, err)
	}
	existing, err := m.store.FindActiveTransaction(ctx, ref.PaymentID, gw.ID)
	if errors.Is(err, billing.ErrNotFound) {
		return gateway.NewGatewayError("Could not process refund notification because there is no transaction to refund")
	}
	if err != nil {
		return fmt.Errorf("find transaction %s: %w", ref.PaymentID, err)
	}

	act := m.activity.Start(ctx, "razorpay", "razorpay payment refund", existing.InvoiceID)
	if err := m.recordRefund(ctx, gw, existing, ref); err != nil {
		act.Fail(ctx, err.Error())
		return gateway.NewGatewayError("Failed to mark transaction as refunded.")
	}
	act.End(ctx)
	return nil
}
