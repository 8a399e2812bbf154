package payu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"billing-gateways/internal/cache"
	"billing-gateways/internal/config"
	"billing-gateways/internal/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const tokenCacheKey = "access_token"

// tokenExpiryMargin is subtracted from expires_in before caching a token.
const tokenExpiryMargin = 30 * time.Second

var ErrAccessToken = errors.New("could not get access token")

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	GrantType   string `json:"grant_type"`
}

type Buyer struct {
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type Product struct {
	Name      string `json:"name"`
	UnitPrice string `json:"unitPrice"`
	Quantity  string `json:"quantity"`
}

type PayMethod struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type PayMethods struct {
	PayMethod PayMethod `json:"payMethod"`
}

type OrderRequest struct {
	NotifyURL     string     `json:"notifyUrl"`
	CustomerIP    string     `json:"customerIp"`
	ExtOrderID    string     `json:"extOrderId"`
	MerchantPosID string     `json:"merchantPosId"`
	Description   string     `json:"description"`
	CurrencyCode  string     `json:"currencyCode"`
	TotalAmount   string     `json:"totalAmount"`
	Buyer         Buyer      `json:"buyer"`
	Products      []Product  `json:"products"`
	PayMethods    PayMethods `json:"payMethods"`
}

type Status struct {
	StatusCode string `json:"statusCode"`
	StatusDesc string `json:"statusDesc"`
}

type orderResponse struct {
	Status      Status `json:"status"`
	RedirectURI string `json:"redirectUri"`
	OrderID     string `json:"orderId"`
	ExtOrderID  string `json:"extOrderId"`
}

// Response is a raw PayU reply for the caller to interpret.
type Response struct {
	StatusCode int
	Body       []byte
}

func (r *Response) OK() bool {
	return r.StatusCode == http.StatusOK || r.StatusCode == http.StatusCreated
}

// StatusDesc returns status.statusDesc from the reply body, if present.
func (r *Response) StatusDesc() string {
	var body struct {
		Status Status `json:"status"`
	}
	if err := json.Unmarshal(r.Body, &body); err != nil {
		return ""
	}
	return body.Status.StatusDesc
}

type Client struct {
	cfg        config.PayUConfig
	httpClient *http.Client
	tokens     cache.Cache
	group      singleflight.Group
}

func NewClient(cfg config.PayUConfig, tokens cache.Cache) *Client {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		logger.L().Warn("PayU client credentials are empty")
	}
	if tokens == nil {
		tokens = cache.NewMemory()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		cfg:    cfg,
		tokens: tokens,
		httpClient: &http.Client{
			Timeout: timeout,
			// PayU answers order creation with a redirect to its payment page.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// ----------------- AccessToken -----------------

// AccessToken returns a cached OAuth token or fetches a new one. Concurrent
// fetches share one request.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	log := logger.ForGateway(ctx, "payu")

	if tok, ok, err := c.tokens.Get(ctx, tokenCacheKey); err != nil {
		log.Warn("token cache read failed", zap.Error(err))
	} else if ok {
		return tok, nil
	}

	v, err, _ := c.group.Do(tokenCacheKey, func() (interface{}, error) {
		return c.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	log := logger.ForGateway(ctx, "payu")

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthorizationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error("PayU token request failed", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrAccessToken, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAccessToken, err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		log.Error("PayU returned non-success status for token",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("response", body),
		)
		return "", ErrAccessToken
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil || tok.AccessToken == "" {
		log.Error("Failed decoding PayU token response", zap.Error(err))
		return "", ErrAccessToken
	}

	if ttl := time.Duration(tok.ExpiresIn)*time.Second - tokenExpiryMargin; ttl > 0 {
		if err := c.tokens.Set(ctx, tokenCacheKey, tok.AccessToken, ttl); err != nil {
			log.Warn("token cache write failed", zap.Error(err))
		}
	}
	return tok.AccessToken, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload interface{}) (*http.Response, []byte, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, nil, err
	}

	var body io.Reader
	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, err
		}
		body = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read payu response: %w", err)
	}
	return resp, respBody, nil
}

// ----------------- CreateOrder -----------------

// CreateOrder registers the order with PayU and returns the payment page URL.
func (c *Client) CreateOrder(ctx context.Context, order OrderRequest) (string, error) {
	log := logger.ForGateway(ctx, "payu").With(
		zap.String("ext_order_id", order.ExtOrderID),
		zap.String("total_amount", order.TotalAmount),
		zap.String("currency", order.CurrencyCode),
	)

	if order.NotifyURL == "" {
		order.NotifyURL = c.cfg.NotifyURL
	}
	if order.MerchantPosID == "" {
		order.MerchantPosID = c.cfg.MerchantPosID
	}

	log.Info("Sending order request to PayU")

	resp, body, err := c.do(ctx, http.MethodPost, c.cfg.OrdersURL, order)
	if err != nil {
		log.Error("PayU order request failed", zap.Error(err))
		return "", err
	}

	var res orderResponse
	_ = json.Unmarshal(body, &res)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusFound:
	default:
		log.Error("PayU returned non-success status",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("response", body),
		)
		return "", fmt.Errorf("Could not create order. %s", res.Status.StatusDesc)
	}

	redirect := res.RedirectURI
	if redirect == "" {
		redirect = resp.Header.Get("Location")
	}
	if redirect == "" {
		return "", errors.New("Could not create order. PayU did not return a redirect URI")
	}

	log.Info("PayU order created", zap.String("order_id", res.OrderID))
	return redirect, nil
}

// ----------------- Capture / Refund / Cancel -----------------

func (c *Client) orderURL(orderID string, suffix ...string) string {
	parts := append([]string{c.cfg.OrdersURL, url.PathEscape(orderID)}, suffix...)
	return strings.Join(parts, "/")
}

func (c *Client) raw(ctx context.Context, method, endpoint string, payload interface{}) (*Response, error) {
	resp, body, err := c.do(ctx, method, endpoint, payload)
	if err != nil {
		return nil, err
	}
	logger.ForGateway(ctx, "payu").Debug("PayU replied",
		zap.String("method", method),
		zap.String("url", endpoint),
		zap.Int("status", resp.StatusCode),
	)
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// CaptureOrder completes a WAITING_FOR_CONFIRMATION order.
func (c *Client) CaptureOrder(ctx context.Context, orderID string) (*Response, error) {
	return c.raw(ctx, http.MethodPut, c.orderURL(orderID, "status"), map[string]string{
		"orderId":     orderID,
		"orderStatus": StatusCompleted,
	})
}

type RefundDetails struct {
	RefundID         string `json:"refundId"`
	ExtRefundID      string `json:"extRefundId"`
	Amount           Amount `json:"amount"`
	CurrencyCode     string `json:"currencyCode"`
	Description      string `json:"description"`
	CreationDateTime string `json:"creationDateTime"`
	Status           string `json:"status"`
	StatusDateTime   string `json:"statusDateTime"`
}

type RefundResponse struct {
	OrderID string        `json:"orderId"`
	Refund  RefundDetails `json:"refund"`
	Status  Status        `json:"status"`
}

// Refund requests a full refund of a completed order.
func (c *Client) Refund(ctx context.Context, orderID string) (*Response, error) {
	return c.raw(ctx, http.MethodPost, c.orderURL(orderID, "refunds"), map[string]interface{}{
		"refund": map[string]string{
			"description": "Refund",
		},
	})
}

// Cancel cancels an order that was not yet completed.
func (c *Client) Cancel(ctx context.Context, orderID string) (*Response, error) {
	return c.raw(ctx, http.MethodDelete, c.orderURL(orderID), nil)
}

func formatAmount(minor int64) string {
	return strconv.FormatInt(minor, 10)
}
