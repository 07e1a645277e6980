package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cashledger/backend/internal/domain"
	"cashledger/backend/internal/store"
)

func TestAdjustStock(t *testing.T) {
	f := newTestService(t)
	f.addProduct(t, "P1", 3)

	mv, err := f.svc.AdjustStock(f.ctx, "P1", domain.StockAdjustmentRequest{
		Direction: domain.DirectionOut,
		Quantity:  1,
		Reason:    domain.ReasonServiceConsumption,
		Note:      "used for a repair",
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), mv.StockBefore)
	require.Equal(t, int64(2), mv.StockAfter)
	require.Equal(t, domain.RefAdjustment, mv.RefType)
	require.Equal(t, "op-1", mv.Actor)

	_, err = f.svc.AdjustStock(f.ctx, "P1", domain.StockAdjustmentRequest{Direction: domain.DirectionOut, Quantity: 5})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	_, err = f.svc.AdjustStock(f.ctx, "P1", domain.StockAdjustmentRequest{Direction: domain.DirectionIn, Quantity: 1, Reason: domain.ReasonServiceConsumption})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.svc.AdjustStock(f.ctx, "P1", domain.StockAdjustmentRequest{Direction: domain.DirectionIn, Quantity: 1, Reason: domain.ReasonSale})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.svc.AdjustStock(f.ctx, "P1", domain.StockAdjustmentRequest{Direction: domain.DirectionIn, Quantity: 0})
	require.ErrorIs(t, err, domain.ErrInvalidQuantity)

	f.assertLedgerConsistent(t)
}

func TestMovementsFollowServiceClock(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)
	f := newTestService(t, WithClock(func() time.Time { return fixed }), WithNegativeAdjustments(true))
	f.addProduct(t, "P1", 2)

	mv, err := f.svc.AdjustStock(f.ctx, "P1", domain.StockAdjustmentRequest{Direction: domain.DirectionOut, Quantity: 3})
	require.NoError(t, err)
	require.True(t, mv.CreatedAt.Equal(fixed), "movement stamped %s", mv.CreatedAt)
	require.Equal(t, int64(-1), mv.StockAfter)

	sale := f.productSale(t, "P1", 1, 1100)
	require.True(t, sale.CreatedAt.Equal(fixed))
	require.True(t, f.stockOf(t, "P1").UpdatedAt.Equal(fixed))
}

func TestNegativeAdjustmentsWhenAllowed(t *testing.T) {
	f := newTestService(t, WithNegativeAdjustments(true))
	f.addProduct(t, "P1", 1)

	mv, err := f.svc.AdjustStock(f.ctx, "P1", domain.StockAdjustmentRequest{Direction: domain.DirectionOut, Quantity: 3})
	require.NoError(t, err)
	require.Equal(t, int64(-2), mv.StockAfter)

	// sales still never go below zero
	session := f.openSession(t, "drawer-1", 0)
	_, err = f.svc.AdjustStock(f.ctx, "P1", domain.StockAdjustmentRequest{Direction: domain.DirectionIn, Quantity: 3})
	require.NoError(t, err)
	sale := f.productSale(t, "P1", 2, 100)
	_, err = f.svc.SettleSale(f.ctx, sale.ID, domain.SettleSaleRequest{SessionID: session.ID, Tenders: []domain.TenderRequest{cashTender(200)}})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
}

func TestUpsertProductNeverTouchesStock(t *testing.T) {
	f := newTestService(t)
	f.addProduct(t, "P1", 4)

	inactive := false
	p, err := f.svc.UpsertProduct(f.ctx, "P1", domain.ProductUpsertRequest{
		SKU:      "sku-p1",
		Name:     "Renamed",
		TaxClass: domain.TaxReduced5,
		Active:   &inactive,
	})
	require.NoError(t, err)
	require.Equal(t, int64(4), p.Stock)
	require.Equal(t, "SKU-P1", p.SKU)
	require.False(t, p.Active)

	_, err = f.svc.UpsertProduct(f.ctx, "P2", domain.ProductUpsertRequest{Name: "x", TaxClass: "vat22"})
	require.ErrorIs(t, err, domain.ErrUnknownTaxClass)

	_, err = f.svc.CreateSale(f.ctx, domain.SaleCreateRequest{Lines: []domain.SaleLineRequest{{ProductID: "P1", Quantity: 1, UnitPrice: 1}}})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestLowStockAndAudit(t *testing.T) {
	f := newTestService(t)
	f.addProduct(t, "P1", 10)
	f.addProduct(t, "P2", 1)

	low, err := f.svc.LowStock(f.ctx)
	require.NoError(t, err)
	require.Len(t, low, 1)
	require.Equal(t, "P2", low[0].ID)

	found, err := f.svc.AuditStock(f.ctx)
	require.NoError(t, err)
	require.Empty(t, found)

	_, err = f.svc.ListMovements(f.ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}
