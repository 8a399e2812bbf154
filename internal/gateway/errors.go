package gateway

import "fmt"

// GatewayError is a processor or request problem reported to the caller as 400.
type GatewayError struct {
	Message string
}

func (e *GatewayError) Error() string {
	return e.Message
}

func NewGatewayError(format string, args ...interface{}) *GatewayError {
	return &GatewayError{Message: fmt.Sprintf(format, args...)}
}

// InvoicePaymentError is a failure to start paying an invoice.
type InvoicePaymentError struct {
	Message   string
	InvoiceID int64
}

func (e *InvoicePaymentError) Error() string {
	return fmt.Sprintf("invoice %d: %s", e.InvoiceID, e.Message)
}

func NewInvoicePaymentError(invoiceID int64, message string) *InvoicePaymentError {
	return &InvoicePaymentError{Message: message, InvoiceID: invoiceID}
}
