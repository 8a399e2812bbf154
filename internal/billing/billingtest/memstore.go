// Package billingtest provides an in-memory billing.Store for tests of the
// gateway modules.
package billingtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"billing-gateways/internal/billing"

	"github.com/shopspring/decimal"
)

type MemStore struct {
	mu sync.Mutex
	// txMu serializes RunInTx like a single-writer database.
	txMu sync.Mutex

	Invoices     map[int64]*billing.Invoice
	Items        map[int64][]billing.InvoiceItem
	Clients      map[int64]*billing.Client
	Gateways     map[string]*billing.Gateway
	Transactions map[int64]*billing.Transaction

	nextTxID int64

	// FailCreate makes CreateTransaction return the error.
	FailCreate error
	// FailStatusUpdate makes UpdateTransactionStatus return the error.
	FailStatusUpdate error
}

func NewMemStore() *MemStore {
	return &MemStore{
		Invoices:     map[int64]*billing.Invoice{},
		Items:        map[int64][]billing.InvoiceItem{},
		Clients:      map[int64]*billing.Client{},
		Gateways:     map[string]*billing.Gateway{},
		Transactions: map[int64]*billing.Transaction{},
		nextTxID:     100,
	}
}

func (m *MemStore) AddInvoice(inv *billing.Invoice, items ...billing.InvoiceItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Invoices[inv.ID] = inv
	m.Items[inv.ID] = items
}

func (m *MemStore) AddClient(c *billing.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Clients[c.ID] = c
}

func (m *MemStore) AddGateway(g *billing.Gateway) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Gateways[g.Name] = g
}

func (m *MemStore) AddTransaction(t *billing.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Transactions[t.ID] = t
}

// TransactionsFor returns every transaction with externalID, in id order.
func (m *MemStore) TransactionsFor(externalID string) []*billing.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*billing.Transaction
	for _, t := range m.Transactions {
		if t.ExternalID == externalID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunInTx snapshots the store and restores it when fn fails.
func (m *MemStore) RunInTx(ctx context.Context, fn func(repo billing.Repository) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	snap := m.snapshot()
	if err := fn(m); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	invoices     map[int64]billing.Invoice
	clients      map[int64]billing.Client
	transactions map[int64]billing.Transaction
	nextTxID     int64
}

func (m *MemStore) snapshot() snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := snapshot{
		invoices:     map[int64]billing.Invoice{},
		clients:      map[int64]billing.Client{},
		transactions: map[int64]billing.Transaction{},
		nextTxID:     m.nextTxID,
	}
	for k, v := range m.Invoices {
		s.invoices[k] = *v
	}
	for k, v := range m.Clients {
		s.clients[k] = *v
	}
	for k, v := range m.Transactions {
		s.transactions[k] = *v
	}
	return s
}

func (m *MemStore) restore(s snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Invoices = map[int64]*billing.Invoice{}
	for k, v := range s.invoices {
		v := v
		m.Invoices[k] = &v
	}
	m.Clients = map[int64]*billing.Client{}
	for k, v := range s.clients {
		v := v
		m.Clients[k] = &v
	}
	m.Transactions = map[int64]*billing.Transaction{}
	for k, v := range s.transactions {
		v := v
		m.Transactions[k] = &v
	}
	m.nextTxID = s.nextTxID
}

func (m *MemStore) GetInvoice(ctx context.Context, id int64) (*billing.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.Invoices[id]
	if !ok {
		return nil, billing.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *MemStore) GetInvoiceForClient(ctx context.Context, id, clientID int64) (*billing.Invoice, error) {
	inv, err := m.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.ClientID != clientID {
		return nil, billing.ErrNotFound
	}
	return inv, nil
}

func (m *MemStore) GetInvoiceItems(ctx context.Context, invoiceID int64) ([]billing.InvoiceItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]billing.InvoiceItem(nil), m.Items[invoiceID]...), nil
}

func (m *MemStore) UpdateInvoiceBalance(ctx context.Context, id int64, balance decimal.Decimal, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.Invoices[id]
	if !ok {
		return billing.ErrNotFound
	}
	inv.Balance = balance
	inv.Status = status
	inv.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) GetClient(ctx context.Context, id int64) (*billing.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Clients[id]
	if !ok {
		return nil, billing.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemStore) AddClientCredit(ctx context.Context, clientID int64, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Clients[clientID]
	if !ok {
		return billing.ErrNotFound
	}
	c.Credit = c.Credit.Add(amount)
	return nil
}

func (m *MemStore) GetGatewayByName(ctx context.Context, name string) (*billing.Gateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.Gateways[name]
	if !ok {
		return nil, billing.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *MemStore) GetTransaction(ctx context.Context, id int64) (*billing.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Transactions[id]
	if !ok {
		return nil, billing.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemStore) FindActiveTransaction(ctx context.Context, externalID string, gatewayID int64) (*billing.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *billing.Transaction
	for _, t := range m.Transactions {
		if t.ExternalID != externalID || t.GatewayID != gatewayID || t.RefundedTransactionID != nil {
			continue
		}
		if found == nil || t.ID < found.ID {
			found = t
		}
	}
	if found == nil {
		return nil, billing.ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (m *MemStore) FindRefundTransaction(ctx context.Context, refundedTransactionID int64, reference string) (*billing.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.Transactions {
		if t.RefundedTransactionID != nil && *t.RefundedTransactionID == refundedTransactionID && t.Reference == reference {
			cp := *t
			return &cp, nil
		}
	}
	return nil, billing.ErrNotFound
}

func (m *MemStore) CreateTransaction(ctx context.Context, t *billing.Transaction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreate != nil {
		return 0, m.FailCreate
	}
	if t.RefundedTransactionID != nil && t.Reference != "" {
		for _, o := range m.Transactions {
			if o.RefundedTransactionID != nil && *o.RefundedTransactionID == *t.RefundedTransactionID && o.Reference == t.Reference {
				return 0, billing.ErrDuplicate
			}
		}
	}
	m.nextTxID++
	now := time.Now().UTC()
	t.ID = m.nextTxID
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := *t
	m.Transactions[t.ID] = &cp
	return t.ID, nil
}

func (m *MemStore) UpdateTransactionStatus(ctx context.Context, id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailStatusUpdate != nil {
		return m.FailStatusUpdate
	}
	t, ok := m.Transactions[id]
	if !ok {
		return billing.ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return nil
}
