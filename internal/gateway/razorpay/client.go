package razorpay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"billing-gateways/internal/config"
	"billing-gateways/internal/logger"

	rzp "github.com/razorpay/razorpay-go"
	"github.com/razorpay/razorpay-go/utils"
	"go.uber.org/zap"
)

// Notes is the free-form notes object of a Razorpay entity. The API sends an
// empty array instead of an empty object, and values may be numbers.
type Notes map[string]string

func (n *Notes) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "null" || strings.HasPrefix(trimmed, "[") {
		*n = Notes{}
		return nil
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("notes: %w", err)
	}
	out := make(Notes, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = fmt.Sprintf("%.0f", val)
		case nil:
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	*n = out
	return nil
}

type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
	Notes    Notes  `json:"notes"`
}

type Payment struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	Method           string `json:"method"`
	Captured         bool   `json:"captured"`
	Email            string `json:"email"`
	Contact          string `json:"contact"`
	Fee              int64  `json:"fee"`
	ErrorDescription string `json:"error_description"`
	Notes            Notes  `json:"notes"`
	CreatedAt        int64  `json:"created_at"`
}

type Refund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
	Notes     Notes  `json:"notes"`
	CreatedAt int64  `json:"created_at"`
}

// Client wraps the official SDK. The SDK has no context support, so ctx is
// only used for logging.
type Client struct {
	rz        *rzp.Client
	keySecret string
}

func NewClient(cfg config.RazorpayConfig) *Client {
	return &Client{
		rz:        rzp.NewClient(cfg.KeyID, cfg.KeySecret),
		keySecret: cfg.KeySecret,
	}
}

func (c *Client) CreateOrder(ctx context.Context, data map[string]interface{}) (*Order, error) {
	res, err := c.rz.Order.Create(data, nil)
	if err != nil {
		logger.ForGateway(ctx, Name).Error("Razorpay order create failed", zap.Error(err))
		return nil, fmt.Errorf("create order: %w", err)
	}
	var o Order
	if err := decodeEntity(res, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (c *Client) FetchPayment(ctx context.Context, paymentID string) (*Payment, error) {
	res, err := c.rz.Payment.Fetch(paymentID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch payment %s: %w", paymentID, err)
	}
	var p Payment
	if err := decodeEntity(res, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) CapturePayment(ctx context.Context, paymentID string, amount int64, currency string) (*Payment, error) {
	data := map[string]interface{}{
		"amount":   amount,
		"currency": currency,
	}
	res, err := c.rz.Payment.Capture(paymentID, int(amount), data, nil)
	if err != nil {
		return nil, fmt.Errorf("capture payment %s: %w", paymentID, err)
	}
	var p Payment
	if err := decodeEntity(res, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) RefundPayment(ctx context.Context, paymentID string, amount int64) (*Refund, error) {
	data := map[string]interface{}{
		"amount": amount,
		"speed":  "normal",
	}
	res, err := c.rz.Payment.Refund(paymentID, int(amount), data, nil)
	if err != nil {
		return nil, fmt.Errorf("refund payment %s: %w", paymentID, err)
	}
	var ref Refund
	if err := decodeEntity(res, &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

// decodeEntity converts the SDK's generic map into a typed entity.
func decodeEntity(res map[string]interface{}, out interface{}) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode razorpay response: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode razorpay response: %w", err)
	}
	return nil
}

// VerifyCheckoutSignature checks the signature Checkout posts back after a
// payment: HMAC-SHA256 of "order_id|payment_id" keyed with the key secret.
func VerifyCheckoutSignature(orderID, paymentID, signature, keySecret string) bool {
	if orderID == "" || paymentID == "" || signature == "" || keySecret == "" {
		return false
	}
	return utils.VerifyWebhookSignature(orderID+"|"+paymentID, signature, keySecret)
}

// VerifyWebhookSignature checks the X-Razorpay-Signature of a webhook body.
func VerifyWebhookSignature(body []byte, signature, webhookSecret string) bool {
	if signature == "" || webhookSecret == "" {
		return false
	}
	return utils.VerifyWebhookSignature(string(body), signature, webhookSecret)
}
