package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Rmdmostakim/bdpayment/internal/domain/transactions"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// fakeStore is an in-memory transactions.Store with call counters, so
// tests can assert what a driver persisted and when.
type fakeStore struct {
	mu        sync.Mutex
	nextID    int64
	byInvoice map[string]*transactions.Transaction

	createErr error

	createCalls   int
	attachCalls   int
	finalizeCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{byInvoice: make(map[string]*transactions.Transaction)}
}

func (s *fakeStore) Create(ctx context.Context, t *transactions.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++

	if s.createErr != nil {
		return s.createErr
	}
	if t.Invoice == "" {
		t.Invoice = transactions.NewInvoice(time.Now())
	}
	if t.Currency == "" {
		t.Currency = transactions.DefaultCurrency
	}
	if t.Status == "" {
		t.Status = transactions.StatusInitiated
	}
	if _, ok := s.byInvoice[t.Invoice]; ok {
		return transactions.ErrDuplicateInvoice
	}
	s.nextID++
	t.ID = s.nextID
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt

	cp := *t
	s.byInvoice[t.Invoice] = &cp
	return nil
}

func (s *fakeStore) GetByInvoice(ctx context.Context, invoice string) (*transactions.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byInvoice[invoice]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) GetByGatewayRef(ctx context.Context, ref string) (*transactions.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.byInvoice {
		if t.TransactionID != nil && *t.TransactionID == ref {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) AttachGatewayRef(ctx context.Context, invoice, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachCalls++

	t, ok := s.byInvoice[invoice]
	if !ok || t.Status != transactions.StatusInitiated {
		return fmt.Errorf("no initiated transaction for invoice %s", invoice)
	}
	if ref != "" {
		t.TransactionID = &ref
	}
	t.Status = transactions.StatusPending
	t.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) Finalize(ctx context.Context, id int64, status transactions.Status, paidAt *time.Time, meta *transactions.Completion) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeCalls++

	for _, t := range s.byInvoice {
		if t.ID != id {
			continue
		}
		if t.Status.Terminal() {
			return false, nil
		}
		t.Status = status
		t.PaidAt = paidAt
		if meta != nil {
			if meta.GatewayRef != nil && *meta.GatewayRef != "" {
				t.TransactionID = meta.GatewayRef
			}
			if meta.SenderPhone != nil {
				t.SenderPhone = meta.SenderPhone
			}
			if meta.BankTransactionID != nil {
				t.BankTransactionID = meta.BankTransactionID
			}
			if meta.CardType != nil {
				t.CardType = meta.CardType
			}
			if meta.CardNo != nil {
				t.CardNo = meta.CardNo
			}
		}
		t.UpdatedAt = time.Now()
		return true, nil
	}
	return false, nil
}

func (s *fakeStore) SoftDelete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, t := range s.byInvoice {
		if t.ID == id {
			t.DeletedAt = &now
		}
	}
	return nil
}

func (s *fakeStore) List(ctx context.Context, f transactions.Filter) ([]*transactions.Transaction, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*transactions.Transaction
	for _, t := range s.byInvoice {
		if t.DeletedAt != nil {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, len(out), nil
}
