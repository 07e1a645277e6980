package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"cashledger/backend/internal/domain"
	"cashledger/backend/internal/service"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("CASHLEDGER_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set CASHLEDGER_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestSettleAndVoidRestocksInventory(t *testing.T) {
	s := openTestStore(t)
	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("SKU-VOID-IT-%d", stamp)
	drawerID := fmt.Sprintf("drawer-it-%d", stamp)

	svc := service.New(s)
	ctx := service.WithActor(context.Background(), domain.Actor{ID: "it-operator", Role: "cashier"})

	if _, err := svc.UpsertProduct(ctx, productID, domain.ProductUpsertRequest{Name: "Void IT", TaxClass: domain.TaxStandard10}); err != nil {
		t.Fatalf("upsert product: %v", err)
	}
	if _, err := svc.AdjustStock(ctx, productID, domain.StockAdjustmentRequest{Direction: domain.DirectionIn, Quantity: 10}); err != nil {
		t.Fatalf("seed stock: %v", err)
	}

	session, err := svc.OpenSession(ctx, domain.SessionOpenRequest{DrawerID: drawerID, OpeningFloat: 5000})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if _, err := svc.OpenSession(ctx, domain.SessionOpenRequest{DrawerID: drawerID}); !errors.Is(err, domain.ErrDrawerAlreadyOpen) {
		t.Fatalf("expected ErrDrawerAlreadyOpen, got %v", err)
	}

	sale, err := svc.CreateSale(ctx, domain.SaleCreateRequest{Lines: []domain.SaleLineRequest{{ProductID: productID, Quantity: 2, UnitPrice: 6000}}})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	resp, err := svc.SettleSale(ctx, sale.ID, domain.SettleSaleRequest{
		SessionID: session.ID,
		Tenders:   []domain.TenderRequest{{Method: "cash", Amount: 15000}},
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if resp.ChangeDue != 3000 || resp.Sale.InvoiceNumber == "" {
		t.Fatalf("unexpected settlement %+v", resp)
	}

	if _, err := svc.VoidSale(ctx, sale.ID, domain.VoidSaleRequest{Reason: "integration test void"}); err != nil {
		t.Fatalf("void sale: %v", err)
	}

	product, err := s.GetProduct(ctx, productID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 10 {
		t.Fatalf("expected stock 10 after void restock, got %d", product.Stock)
	}

	stored, err := s.GetSale(ctx, sale.ID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if stored.Status != domain.SaleStatusVoided || len(stored.Tenders) != 1 {
		t.Fatalf("unexpected stored sale %+v", stored)
	}

	current, err := s.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if current.ExpectedCash() != 5000 {
		t.Fatalf("expected cash back at float, got %d", current.ExpectedCash())
	}

	if _, err := svc.BeginReconciliation(ctx, session.ID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if _, err := svc.CloseSession(ctx, session.ID, domain.SessionCloseRequest{Counted: domain.ClassTotals{Cash: 5000}}); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPettyCashShortfallWritesNothing(t *testing.T) {
	s := openTestStore(t)
	stamp := time.Now().UnixNano()

	svc := service.New(s)
	ctx := context.Background()

	session, err := svc.OpenSession(ctx, domain.SessionOpenRequest{DrawerID: fmt.Sprintf("drawer-pc-%d", stamp), OpeningFloat: 500})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	purchase, err := svc.CreatePurchase(ctx, domain.PurchaseCreateRequest{
		Number:     fmt.Sprintf("EXP-%d", stamp),
		SupplierID: "supplier-it",
		Kind:       domain.PurchaseExpense,
		Lines:      []domain.PurchaseLineRequest{{Description: "Stationery", Quantity: 1, UnitCost: 1000}},
	})
	if err != nil {
		t.Fatalf("create purchase: %v", err)
	}

	_, err = svc.PayPurchase(ctx, purchase.ID, domain.PayPurchaseRequest{Amount: 1000, Origin: domain.OriginPettyCash, SessionID: session.ID})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	movements, err := s.ListCashMovements(ctx, session.ID)
	if err != nil {
		t.Fatalf("list cash movements: %v", err)
	}
	if len(movements) != 0 {
		t.Fatalf("expected no cash movements, got %d", len(movements))
	}
}
