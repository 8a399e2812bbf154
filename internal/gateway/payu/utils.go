package payu

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"billing-gateways/internal/billing"
	"billing-gateways/internal/utils"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"
)

// Order statuses reported by PayU.
const (
	StatusPending                = "PENDING"
	StatusCompleted              = "COMPLETED"
	StatusWaitingForConfirmation = "WAITING_FOR_CONFIRMATION"
	StatusRefunded               = "REFUNDED"
	StatusCanceled               = "CANCELED"
)

var toTransactionStatus = map[string]string{
	StatusPending:                billing.TransactionStatusWaiting,
	StatusCompleted:              billing.TransactionStatusConfirmed,
	StatusWaitingForConfirmation: billing.TransactionStatusPreauth,
}

// TransactionStatus maps a PayU order status onto a transaction status.
func TransactionStatus(payuStatus string) (string, bool) {
	s, ok := toTransactionStatus[payuStatus]
	return s, ok
}

var hashes = map[string]func() hash.Hash{
	"md5":     md5.New,
	"sha1":    sha1.New,
	"sha256":  sha256.New,
	"sha384":  sha512.New384,
	"sha512":  sha512.New,
	"sha3256": sha3.New256,
	"sha3512": sha3.New512,
}

func hashFor(algorithm string) (func() hash.Hash, bool) {
	name := strings.ToLower(algorithm)
	name = strings.NewReplacer("-", "", "_", "").Replace(name)
	h, ok := hashes[name]
	return h, ok
}

// ValidateSignature checks the OpenPayu-Signature header of a notification.
// The header has the form "sender=checkout;signature=...;algorithm=MD5".
func ValidateSignature(header string, body []byte, secondKey string) bool {
	header = strings.TrimSpace(header)
	if header == "" {
		return false
	}

	params := map[string]string{}
	for _, item := range strings.Split(header, ";") {
		kv := strings.Split(item, "=")
		if len(kv) != 2 {
			return false
		}
		params[kv[0]] = kv[1]
	}

	incoming, ok := params["signature"]
	if !ok {
		return false
	}
	algorithm, ok := params["algorithm"]
	if !ok {
		algorithm = "md5"
	}
	newHash, ok := hashFor(algorithm)
	if !ok {
		return false
	}

	concatenated := strings.TrimSpace(strings.TrimSpace(string(body)) + secondKey)
	h := newHash()
	h.Write([]byte(concatenated))
	expected := hex.EncodeToString(h.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(expected), []byte(incoming)) == 1
}

// Sign builds an OpenPayu-Signature header for body.
func Sign(body []byte, secondKey, algorithm string) (string, error) {
	newHash, ok := hashFor(algorithm)
	if !ok {
		return "", fmt.Errorf("unsupported algorithm %q", algorithm)
	}
	h := newHash()
	h.Write([]byte(strings.TrimSpace(strings.TrimSpace(string(body)) + secondKey)))
	return fmt.Sprintf("sender=checkout;signature=%s;algorithm=%s", hex.EncodeToString(h.Sum(nil)), algorithm), nil
}

// ToPayUAmount converts an amount to minor units, truncating fractions of a
// minor unit.
func ToPayUAmount(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).IntPart()
}

func FromPayUAmount(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// Amount is a minor-unit amount that PayU sends either as a JSON string or
// a number.
type Amount int64

func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if string(b) == "null" {
		*a = 0
		return nil
	}

	var raw string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
	} else {
		raw = string(b)
	}

	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid PayU amount %q: %w", raw, err)
	}
	if !d.IsInteger() {
		return fmt.Errorf("invalid PayU amount %q: not a whole number of minor units", raw)
	}
	*a = Amount(d.IntPart())
	return nil
}

func (a Amount) Decimal() decimal.Decimal {
	return FromPayUAmount(int64(a))
}

// GenerateExtOrderID returns a unique PayU extOrderId for the invoice. PayU
// requires a new one every time an order is re-created.
func GenerateExtOrderID(invoiceID int64) string {
	return fmt.Sprintf("%d-%s", invoiceID, utils.RandomString(16, utils.Alphanumeric))
}

// InvoiceIDFromExtOrderID returns the invoice part of an extOrderId.
func InvoiceIDFromExtOrderID(extOrderID string) (int64, error) {
	prefix := strings.SplitN(extOrderID, "-", 2)[0]
	id, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid extOrderId %q", extOrderID)
	}
	return id, nil
}
