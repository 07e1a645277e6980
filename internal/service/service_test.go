package service

import (
	"context"
	"testing"

	"go.uber.org/zap/zaptest"

	"cashledger/backend/internal/audit"
	"cashledger/backend/internal/domain"
	"cashledger/backend/internal/store/memory"
)

type fixture struct {
	svc    *Service
	repo   *memory.Store
	events *audit.Recorder
	ctx    context.Context
}

func newTestService(t *testing.T, opts ...Option) fixture {
	t.Helper()
	repo := memory.New()
	events := &audit.Recorder{}
	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), WithAuditSink(events)}, opts...)
	return fixture{
		svc:    New(repo, opts...),
		repo:   repo,
		events: events,
		ctx:    WithActor(context.Background(), domain.Actor{ID: "op-1", Role: "cashier"}),
	}
}

func (f fixture) openSession(t *testing.T, drawer string, float int64) domain.CashSession {
	t.Helper()
	session, err := f.svc.OpenSession(f.ctx, domain.SessionOpenRequest{DrawerID: drawer, OpeningFloat: float})
	if err != nil {
		t.Fatalf("open session %s: %v", drawer, err)
	}
	return session
}

func (f fixture) addProduct(t *testing.T, id string, stock int64) domain.Product {
	t.Helper()
	if _, err := f.svc.UpsertProduct(f.ctx, id, domain.ProductUpsertRequest{
		Name:          "Product " + id,
		TaxClass:      domain.TaxStandard10,
		MinStock:      2,
		LastSalePrice: 1100,
	}); err != nil {
		t.Fatalf("upsert %s: %v", id, err)
	}
	if stock > 0 {
		if _, err := f.svc.AdjustStock(f.ctx, id, domain.StockAdjustmentRequest{
			Direction: domain.DirectionIn,
			Quantity:  stock,
			Note:      "opening",
		}); err != nil {
			t.Fatalf("stock %s: %v", id, err)
		}
	}
	return f.stockOf(t, id)
}

func (f fixture) stockOf(t *testing.T, id string) domain.Product {
	t.Helper()
	p, err := f.repo.GetProduct(f.ctx, id)
	if err != nil {
		t.Fatalf("get product %s: %v", id, err)
	}
	return *p
}

func (f fixture) productSale(t *testing.T, productID string, qty int64, unitPrice int64) domain.Sale {
	t.Helper()
	sale, err := f.svc.CreateSale(f.ctx, domain.SaleCreateRequest{
		Lines: []domain.SaleLineRequest{{ProductID: productID, Quantity: qty, UnitPrice: unitPrice}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	return sale
}

func (f fixture) serviceSale(t *testing.T, amount int64, creditDays int) domain.Sale {
	t.Helper()
	sale, err := f.svc.CreateSale(f.ctx, domain.SaleCreateRequest{
		CustomerID: "cust-1",
		CreditDays: creditDays,
		Lines: []domain.SaleLineRequest{{
			Description: "Installation",
			Quantity:    1,
			UnitPrice:   amount,
			TaxClass:    domain.TaxStandard10,
		}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	return sale
}

func (f fixture) session(t *testing.T, id string) domain.CashSession {
	t.Helper()
	s, err := f.svc.GetSession(f.ctx, id)
	if err != nil {
		t.Fatalf("get session %s: %v", id, err)
	}
	return s
}

func (f fixture) assertLedgerConsistent(t *testing.T) {
	t.Helper()
	found, err := f.svc.AuditStock(f.ctx)
	if err != nil {
		t.Fatalf("ledger audit failed: %v %+v", err, found)
	}
}

func cashTender(amount int64) domain.TenderRequest {
	return domain.TenderRequest{Method: "cash", Amount: amount}
}

func hasAction(actions []string, want string) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}
