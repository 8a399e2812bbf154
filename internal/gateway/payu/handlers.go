package payu

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
	"billing-gateways/internal/gateway"
	"billing-gateways/internal/logger"
	"billing-gateways/internal/metrics"
	"billing-gateways/internal/utils"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const Name = "payu"

// API is the part of the PayU REST client the actions use.
type API interface {
	CreateOrder(ctx context.Context, order OrderRequest) (string, error)
	CaptureOrder(ctx context.Context, orderID string) (*Response, error)
	Refund(ctx context.Context, orderID string) (*Response, error)
	Cancel(ctx context.Context, orderID string) (*Response, error)
}

type Deps struct {
	Client    API
	Store     billing.Store
	Billing   *billing.Service
	Activity  activity.Recorder
	Webhooks  gateway.WebhookLog
	SecondKey string
}

type Module struct {
	client    API
	store     billing.Store
	billing   *billing.Service
	activity  activity.Recorder
	webhooks  gateway.WebhookLog
	secondKey string
	stats     *metrics.Gateway
	now       func() time.Time
}

func New(d Deps) *Module {
	if d.Billing == nil {
		d.Billing = billing.NewService()
	}
	if d.Activity == nil {
		d.Activity = activity.NewHelper(nil)
	}
	return &Module{
		client:    d.Client,
		store:     d.Store,
		billing:   d.Billing,
		activity:  d.Activity,
		webhooks:  d.Webhooks,
		secondKey: d.SecondKey,
		stats:     metrics.For(Name),
		now:       func() time.Time { return time.Now().UTC() },
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
			Methods: []string{http.MethodGet, http.MethodPost},
			Handler: m.Callback,
		},
	}
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

	redirect, err := m.createOrder(ctx, r, inv, user)
	if err != nil {
		return gateway.NewInvoicePaymentError(inv.ID, err.Error())
	}

	http.Redirect(w, r, redirect, http.StatusFound)
	return nil
}

func (m *Module) createOrder(ctx context.Context, r *http.Request, inv *billing.Invoice, user *auth.User) (string, error) {
	client, err := m.store.GetClient(ctx, inv.ClientID)
	if err != nil {
		return "", fmt.Errorf("load client %d: %w", inv.ClientID, err)
	}
	items, err := m.store.GetInvoiceItems(ctx, inv.ID)
	if err != nil {
		return "", fmt.Errorf("load invoice items: %w", err)
	}

	email := client.Email
	if user != nil && user.Email != "" {
		email = user.Email
	}

	order := OrderRequest{
		CustomerIP:   utils.ClientIP(r),
		ExtOrderID:   GenerateExtOrderID(inv.ID),
		Description:  fmt.Sprintf("Invoice %d", inv.ID),
		CurrencyCode: inv.Currency,
		TotalAmount:  formatAmount(ToPayUAmount(inv.Balance)),
		Buyer: Buyer{
			Email:     email,
			Phone:     client.Phone,
			FirstName: client.FirstName,
			LastName:  client.LastName,
		},
		Products: lo.Map(items, func(item billing.InvoiceItem, _ int) Product {
			return Product{
				Name:      item.ItemType,
				UnitPrice: formatAmount(ToPayUAmount(item.Amount)),
				Quantity:  "1",
			}
		}),
		PayMethods: PayMethods{PayMethod: PayMethod{Type: "PBL", Value: "c"}},
	}
	return m.client.CreateOrder(ctx, order)
}

// ----------------- capture -----------------

func (m *Module) Capture(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	t, ok := gateway.TransactionFrom(ctx)
	if !ok {
		return errors.New("capture called without transaction")
	}
	log := logger.ForGateway(ctx, Name).With(zap.Int64("transaction_id", t.ID))

	resp, err := m.client.CaptureOrder(ctx, t.ExternalID)
	if err != nil {
		return gateway.NewGatewayError("Invalid PayU capture: %v", err)
	}
	if !resp.OK() {
		return gateway.NewGatewayError("Could not make capture action. %s", resp.StatusDesc())
	}

	// The notification for the capture may already have updated the row.
	if err := m.store.UpdateTransactionStatus(ctx, t.ID, billing.TransactionStatusConfirmed); err != nil {
		log.Warn("could not mark captured transaction confirmed", zap.Error(err))
	}
	log.Info("PayU order captured", zap.String("order_id", t.ExternalID))
	return nil
}

// ----------------- refund -----------------

func (m *Module) Refund(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	t, ok := gateway.TransactionFrom(ctx)
	if !ok {
		return errors.New("refund called without transaction")
	}

	if t.Status != billing.TransactionStatusConfirmed {
		// Not captured yet: cancel the order. The CANCELED notification
		// records the refund.
		if _, err := m.client.Cancel(ctx, t.ExternalID); err != nil {
			return gateway.NewGatewayError("Invalid payu refund action: %v", err)
		}
		return nil
	}

	gw, err := m.store.GetGatewayByName(ctx, Name)
	if err != nil {
		return fmt.Errorf("load gateway %s: %w", Name, err)
	}

	log := logger.ForGateway(ctx, Name).With(
		zap.Int64("transaction_id", t.ID),
		zap.String("order_id", t.ExternalID),
	)
	act := m.activity.Start(ctx, "payu", "payu payment refund", t.InvoiceID)

	resp, err := m.client.Refund(ctx, t.ExternalID)
	if err != nil {
		act.Fail(ctx, err.Error())
		return gateway.NewGatewayError("Invalid payu refund action: %v", err)
	}
	if !resp.OK() {
		msg := fmt.Sprintf("Failed to refund transaction. %s", resp.StatusDesc())
		act.Fail(ctx, msg)
		return gateway.NewGatewayError("%s", msg)
	}

	var refund RefundResponse
	if err := json.Unmarshal(resp.Body, &refund); err != nil {
		log.Error("Failed decoding PayU refund response", zap.Error(err))
	}
	details := refund.Refund
	amount := details.Amount.Decimal()
	if amount.IsZero() {
		amount = t.Amount
	}
	currency := details.CurrencyCode
	if currency == "" {
		currency = t.Currency
	}

	err = m.store.RunInTx(ctx, func(repo billing.Repository) error {
		nt, err := m.billing.AddTransaction(ctx, repo, billing.NewTransaction{
			InvoiceID:     t.InvoiceID,
			ExternalID:    t.ExternalID,
			Amount:        amount,
			Currency:      currency,
			GatewayID:     gw.ID,
			Fee:           gw.Fee(t.Amount),
			DateInitiated: m.parseTime(details.CreationDateTime),
			Extra: map[string]string{
				"refundId":    details.RefundID,
				"extRefundId": details.ExtRefundID,
			},
			RefundedTransactionID: &t.ID,
			Reference:             details.RefundID,
			Status:                billing.TransactionStatusRefunded,
		})
		if err != nil {
			return err
		}
		return m.billing.RefundPayment(ctx, repo, t.ID, amount, false, nt.ID)
	})
	if err != nil {
		msg := fmt.Sprintf("Failed to mark Payu transaction %s as refunded: %v", t.ExternalID, err)
		log.Error(msg)
		act.Fail(ctx, msg)
		return gateway.NewGatewayError("Failed to mark transaction as refunded. Check logs for more details.")
	}

	act.End(ctx)
	m.stats.RefundsRecorded.Inc()
	log.Info("PayU refund recorded", zap.String("refund_id", details.RefundID), zap.String("amount", amount.String()))
	return nil
}

// ----------------- callback -----------------

type Order struct {
	OrderID         string    `json:"orderId"`
	ExtOrderID      string    `json:"extOrderId"`
	OrderCreateDate string    `json:"orderCreateDate"`
	NotifyURL       string    `json:"notifyUrl"`
	CustomerIP      string    `json:"customerIp"`
	MerchantPosID   string    `json:"merchantPosId"`
	Description     string    `json:"description"`
	CurrencyCode    string    `json:"currencyCode"`
	TotalAmount     Amount    `json:"totalAmount"`
	Status          string    `json:"status"`
	Buyer           *Buyer    `json:"buyer,omitempty"`
	Products        []Product `json:"products,omitempty"`
}

type Notification struct {
	Order                *Order `json:"order"`
	LocalReceiptDateTime string `json:"localReceiptDateTime,omitempty"`
}

func (m *Module) Callback(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return gateway.NewGatewayError("Could not read notification body")
	}

	if !ValidateSignature(r.Header.Get("OpenPayu-Signature"), body, m.secondKey) {
		m.stats.CallbacksRejected.Inc()
		return gateway.NewGatewayError("Did not receive or received invalid OpenPayu-Signature")
	}
	m.stats.CallbacksReceived.Inc()

	var n Notification
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &n); err != nil {
			return gateway.NewGatewayError("Invalid notification body")
		}
	}
	if n.Order == nil {
		return gateway.NewGatewayError("No order details")
	}
	order := n.Order

	dup, err := gateway.ProcessOnce(ctx, m.webhooks, gateway.Notification{
		Provider:   Name,
		EventID:    order.OrderID + ":" + order.Status,
		EventType:  order.Status,
		ExternalID: order.OrderID,
		Payload:    json.RawMessage(body),
	}, func() error {
		return m.processOrder(ctx, order)
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

func (m *Module) processOrder(ctx context.Context, order *Order) error {
	log := logger.ForGateway(ctx, Name).With(
		zap.String("order_id", order.OrderID),
		zap.String("status", order.Status),
	)

	invoiceID, err := InvoiceIDFromExtOrderID(order.ExtOrderID)
	if err != nil {
		return gateway.NewGatewayError("%v", err)
	}
	gw, err := m.store.GetGatewayByName(ctx, Name)
	if err != nil {
		return fmt.Errorf("load gateway %s: %w", Name, err)
	}
	total := order.TotalAmount.Decimal()

	existing, err := m.store.FindActiveTransaction(ctx, order.OrderID, gw.ID)
	if err != nil && !errors.Is(err, billing.ErrNotFound) {
		return fmt.Errorf("find transaction %s: %w", order.OrderID, err)
	}

	if order.Status == StatusCanceled {
		if existing == nil {
			return gateway.NewGatewayError("Could not process cancellation notification because there is no transaction to refund")
		}
		return m.recordCancellation(ctx, log, gw, invoiceID, existing, order, total)
	}

	if existing != nil {
		return m.updateTransaction(ctx, log, existing, order, total)
	}

	if order.Status != StatusPending {
		log.Info("notification for unknown transaction ignored")
		return nil
	}

	status, _ := TransactionStatus(order.Status)
	_, err = m.billing.AddTransaction(ctx, m.store, billing.NewTransaction{
		InvoiceID:     invoiceID,
		ExternalID:    order.OrderID,
		Amount:        total,
		Currency:      order.CurrencyCode,
		GatewayID:     gw.ID,
		Fee:           gw.Fee(total),
		DateInitiated: parseTimeOrZero(order.OrderCreateDate),
		Extra:         map[string]string{},
		Status:        status,
	})
	var verr *billing.ValidationError
	if errors.As(err, &verr) {
		log.Error("PayU transaction error", zap.Error(err))
		return gateway.NewInvoicePaymentError(invoiceID, "Transaction error")
	}
	if err != nil {
		return err
	}
	log.Info("PayU transaction created", zap.Int64("invoice_id", invoiceID))
	return nil
}

func (m *Module) recordCancellation(
	ctx context.Context,
	log *zap.Logger,
	gw *billing.Gateway,
	invoiceID int64,
	existing *billing.Transaction,
	order *Order,
	total decimal.Decimal,
) error {
	if existing.Status == billing.TransactionStatusRefunded {
		log.Info("PayU cancellation already recorded", zap.Int64("transaction_id", existing.ID))
		return nil
	}
	act := m.activity.Start(ctx, "payu", "payu payment refund", existing.InvoiceID)

	err := m.store.RunInTx(ctx, func(repo billing.Repository) error {
		nt, err := m.billing.AddTransaction(ctx, repo, billing.NewTransaction{
			InvoiceID:             invoiceID,
			ExternalID:            order.OrderID,
			Amount:                total,
			Currency:              order.CurrencyCode,
			GatewayID:             gw.ID,
			Fee:                   gw.Fee(total),
			DateInitiated:         m.now(),
			Extra:                 map[string]string{},
			RefundedTransactionID: &existing.ID,
			Reference:             StatusCanceled,
			Status:                billing.TransactionStatusRefunded,
		})
		if err != nil {
			return err
		}
		return m.billing.RefundPayment(ctx, repo, existing.ID, total, false, nt.ID)
	})
	if errors.Is(err, billing.ErrDuplicate) {
		act.End(ctx)
		log.Info("PayU cancellation already recorded", zap.Int64("transaction_id", existing.ID))
		return nil
	}
	if err != nil {
		msg := fmt.Sprintf("Failed to mark Payu transaction %s as refunded: %v", existing.ExternalID, err)
		log.Error(msg)
		act.Fail(ctx, msg)
		return gateway.NewGatewayError("Failed to mark transaction as refunded.")
	}

	act.End(ctx)
	m.stats.RefundsRecorded.Inc()
	log.Info("PayU cancellation recorded as refund", zap.Int64("transaction_id", existing.ID))
	return nil
}

func (m *Module) updateTransaction(
	ctx context.Context,
	log *zap.Logger,
	existing *billing.Transaction,
	order *Order,
	total decimal.Decimal,
) error {
	inv, err := m.store.GetInvoice(ctx, existing.InvoiceID)
	if err != nil {
		return fmt.Errorf("load invoice %d: %w", existing.InvoiceID, err)
	}

	newStatus, mapped := TransactionStatus(order.Status)
	// Notifications arrive out of order: never move a transaction backwards.
	if mapped && newStatus != existing.Status && !billing.CanAdvance(existing.Status, newStatus) {
		log.Info("stale PayU status ignored", zap.String("transaction_status", existing.Status))
		return nil
	}
	addPayment := (order.Status == StatusWaitingForConfirmation && existing.Status != billing.TransactionStatusPreauth) ||
		(order.Status == StatusCompleted && inv.IsUnpaid())

	var act *activity.Activity
	if addPayment {
		act = m.activity.Start(ctx, "payu", "payu payment", inv.ID)
	}

	err = m.store.RunInTx(ctx, func(repo billing.Repository) error {
		if mapped && newStatus != existing.Status {
			if err := repo.UpdateTransactionStatus(ctx, existing.ID, newStatus); err != nil {
				return fmt.Errorf("update transaction %d: %w", existing.ID, err)
			}
		}
		if !addPayment {
			return nil
		}
		return m.billing.AddPayment(ctx, repo, inv.ID, total, order.CurrencyCode, existing.ID)
	})
	if err != nil {
		act.Fail(ctx, err.Error())
		return err
	}

	if addPayment {
		act.End(ctx)
		m.stats.PaymentsAdded.Inc()
	}
	log.Info("PayU transaction updated",
		zap.Int64("transaction_id", existing.ID),
		zap.Bool("payment_added", addPayment),
	)
	return nil
}

// parseTime reads a PayU timestamp, falling back to now.
func (m *Module) parseTime(s string) time.Time {
	if t := parseTimeOrZero(s); !t.IsZero() {
		return t
	}
	return m.now()
}

func parseTimeOrZero(s string) time.Time {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
