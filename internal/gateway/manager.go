package gateway

import (
	"context"
	"fmt"

	"github.com/Rmdmostakim/bdpayment/internal/domain/transactions"
)

// Manager is the single entry surface over the gateway drivers plus the
// transaction queries. It is pure wiring: all protocol behavior lives in
// the drivers, all lifecycle writes in the store.
type Manager struct {
	store   transactions.Store
	drivers map[Gateway]Driver
}

func NewManager(store transactions.Store) *Manager {
	return &Manager{
		store:   store,
		drivers: make(map[Gateway]Driver),
	}
}

func (m *Manager) Register(g Gateway, d Driver) {
	m.drivers[g] = d
}

// Driver resolves the adapter for a gateway name.
func (m *Manager) Driver(g Gateway) (Driver, error) {
	d, ok := m.drivers[g]
	if !ok {
		return nil, fmt.Errorf("gateway not registered: %s", g)
	}
	return d, nil
}

func (m *Manager) Bkash() (Driver, error)      { return m.Driver(Bkash) }
func (m *Manager) Nagad() (Driver, error)      { return m.Driver(Nagad) }
func (m *Manager) Sslcommerz() (Driver, error) { return m.Driver(Sslcommerz) }

func (m *Manager) ListPayments(ctx context.Context, f transactions.Filter) ([]*transactions.Transaction, int, error) {
	return m.store.List(ctx, f)
}

func (m *Manager) FindByInvoice(ctx context.Context, invoice string) (*transactions.Transaction, error) {
	return m.store.GetByInvoice(ctx, invoice)
}
