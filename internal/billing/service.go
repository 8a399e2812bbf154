package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"billing-gateways/internal/logger"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ValidationError lists the NewTransaction fields that were rejected.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid transaction: " + strings.Join(parts, "; ")
}

type Service struct {
	validate *validator.Validate
}

func NewService() *Service {
	return &Service{validate: validator.New()}
}

func (s *Service) Validate(in NewTransaction) error {
	fields := map[string]string{}

	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
	}
	if in.Amount.IsNegative() {
		fields["Amount"] = "must not be negative"
	}
	if in.Fee.IsNegative() {
		fields["Fee"] = "must not be negative"
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// AddTransaction validates in and stores it through repo.
func (s *Service) AddTransaction(ctx context.Context, repo Repository, in NewTransaction) (*Transaction, error) {
	if err := s.Validate(in); err != nil {
		return nil, err
	}

	t := &Transaction{
		InvoiceID:             in.InvoiceID,
		ExternalID:            in.ExternalID,
		Amount:                in.Amount,
		Currency:              strings.ToUpper(in.Currency),
		GatewayID:             in.GatewayID,
		Fee:                   in.Fee,
		DateInitiated:         in.DateInitiated,
		Extra:                 in.Extra,
		RefundedTransactionID: in.RefundedTransactionID,
		Reference:             in.Reference,
		Status:                in.Status,
	}
	if _, err := repo.CreateTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	return t, nil
}

// AddPayment applies amount paid through transactionID to the invoice.
func (s *Service) AddPayment(
	ctx context.Context,
	repo Repository,
	invoiceID int64,
	amount decimal.Decimal,
	currency string,
	transactionID int64,
) error {
	log := logger.FromCtx(ctx).With(
		zap.Int64("invoice_id", invoiceID),
		zap.Int64("transaction_id", transactionID),
		zap.String("amount", amount.String()),
	)

	inv, err := repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return fmt.Errorf("load invoice %d: %w", invoiceID, err)
	}
	if !strings.EqualFold(inv.Currency, currency) {
		return fmt.Errorf("payment currency %s does not match invoice currency %s", currency, inv.Currency)
	}

	tx, err := repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("load transaction %d: %w", transactionID, err)
	}
	if tx.InvoiceID != invoiceID {
		return fmt.Errorf("transaction %d does not belong to invoice %d", transactionID, invoiceID)
	}

	balance := inv.Balance.Sub(amount)
	status := inv.Status
	if !balance.IsPositive() {
		status = InvoiceStatusPaid
	}

	if err := repo.UpdateInvoiceBalance(ctx, invoiceID, balance, status); err != nil {
		return fmt.Errorf("update invoice %d: %w", invoiceID, err)
	}

	log.Info("Payment added to invoice", zap.String("balance", balance.String()), zap.String("status", status))
	return nil
}

// RefundPayment reverts amount of transactionID, either back onto the invoice
// or into the client's credit.
func (s *Service) RefundPayment(
	ctx context.Context,
	repo Repository,
	transactionID int64,
	amount decimal.Decimal,
	toClientCredit bool,
	newTransactionID int64,
) error {
	log := logger.FromCtx(ctx).With(
		zap.Int64("transaction_id", transactionID),
		zap.Int64("refund_transaction_id", newTransactionID),
		zap.String("amount", amount.String()),
	)

	original, err := repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("load transaction %d: %w", transactionID, err)
	}
	if original.IsRefund() {
		return fmt.Errorf("transaction %d is itself a refund", transactionID)
	}

	inv, err := repo.GetInvoice(ctx, original.InvoiceID)
	if err != nil {
		return fmt.Errorf("load invoice %d: %w", original.InvoiceID, err)
	}

	if err := repo.UpdateTransactionStatus(ctx, original.ID, TransactionStatusRefunded); err != nil {
		return fmt.Errorf("mark transaction %d refunded: %w", original.ID, err)
	}

	if toClientCredit {
		if err := repo.AddClientCredit(ctx, inv.ClientID, amount); err != nil {
			return fmt.Errorf("credit client %d: %w", inv.ClientID, err)
		}
		log.Info("Refund added to client credit", zap.Int64("client_id", inv.ClientID))
		return nil
	}

	balance := inv.Balance.Add(amount)
	status := inv.Status
	if balance.GreaterThanOrEqual(inv.Total) {
		balance = inv.Total
		status = InvoiceStatusRefunded
	} else if status == InvoiceStatusPaid {
		status = InvoiceStatusUnpaid
	}

	if err := repo.UpdateInvoiceBalance(ctx, inv.ID, balance, status); err != nil {
		return fmt.Errorf("update invoice %d: %w", inv.ID, err)
	}

	log.Info("Refund applied to invoice", zap.Int64("invoice_id", inv.ID), zap.String("status", status))
	return nil
}
