package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cashledger/backend/internal/domain"
	"cashledger/backend/internal/store"
)

type fakeStore struct {
	products  map[string]domain.Product
	movements []domain.StockMovement
	seq       int64
}

func newFakeStore(stock map[string]int64) *fakeStore {
	fs := &fakeStore{products: map[string]domain.Product{}}
	for id, qty := range stock {
		fs.products[id] = domain.Product{ID: id, Name: id, Stock: 0, Active: true}
		if qty > 0 {
			_, err := New(false, nil).Record(context.Background(), fs, Entry{
				ProductID: id, Direction: domain.DirectionIn, Quantity: qty,
				Reason: domain.ReasonManualAdjustment, RefType: domain.RefAdjustment, RefID: "opening",
			})
			if err != nil {
				panic(err)
			}
		}
	}
	return fs
}

func (f *fakeStore) LockProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		p, ok := f.products[id]
		if !ok {
			return nil, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
		}
		out[id] = p
	}
	return out, nil
}

func (f *fakeStore) SaveProduct(_ context.Context, p domain.Product) error {
	f.products[p.ID] = p
	return nil
}

func (f *fakeStore) AppendMovement(_ context.Context, mv domain.StockMovement) (domain.StockMovement, error) {
	f.seq++
	mv.Seq = f.seq
	f.movements = append(f.movements, mv)
	return mv, nil
}

func (f *fakeStore) MovementsByRef(_ context.Context, refType domain.RefType, refID string) ([]domain.StockMovement, error) {
	var out []domain.StockMovement
	for _, mv := range f.movements {
		if mv.RefType == refType && mv.RefID == refID {
			out = append(out, mv)
		}
	}
	return out, nil
}

func (f *fakeStore) productList() []domain.Product {
	out := make([]domain.Product, 0, len(f.products))
	for _, p := range f.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func saleEntry(productID string, qty int64, saleID string) Entry {
	return Entry{
		ProductID: productID,
		Direction: domain.DirectionOut,
		Quantity:  qty,
		Reason:    domain.ReasonSale,
		RefType:   domain.RefSale,
		RefID:     saleID,
		Actor:     "op-1",
	}
}

func TestRecordUpdatesStockAndChain(t *testing.T) {
	st := newFakeStore(map[string]int64{"P1": 10})
	l := New(false, nil)

	mv, err := l.Record(context.Background(), st, saleEntry("P1", 3, "sale-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), mv.StockBefore)
	assert.Equal(t, int64(7), mv.StockAfter)
	assert.Equal(t, int64(7), st.products["P1"].Stock)
	assert.Empty(t, Replay(st.productList(), st.movements))
}

func TestRecordUsesInjectedClock(t *testing.T) {
	st := newFakeStore(map[string]int64{"P1": 4})
	fixed := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	l := New(false, func() time.Time { return fixed })

	mv, err := l.Record(context.Background(), st, saleEntry("P1", 1, "sale-1"))
	require.NoError(t, err)
	assert.True(t, mv.CreatedAt.Equal(fixed), "movement stamped %s", mv.CreatedAt)
	assert.True(t, st.products["P1"].UpdatedAt.Equal(fixed))
}

func TestRecordAllSharesBudgetAcrossLines(t *testing.T) {
	st := newFakeStore(map[string]int64{"P1": 5, "P2": 5})
	l := New(false, nil)

	_, err := l.RecordAll(context.Background(), st, []Entry{
		saleEntry("P1", 3, "sale-1"),
		saleEntry("P2", 1, "sale-1"),
		saleEntry("P1", 3, "sale-1"),
	})
	var stockErr *domain.StockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "P1", stockErr.ProductID)
	assert.Equal(t, int64(3), stockErr.Requested)
	assert.Equal(t, int64(2), stockErr.Available)

	// nothing was written
	assert.Equal(t, int64(5), st.products["P1"].Stock)
	assert.Equal(t, int64(5), st.products["P2"].Stock)
	assert.Len(t, st.movements, 2)
}

func TestRecordRejectsInvalidEntries(t *testing.T) {
	st := newFakeStore(map[string]int64{"P1": 5})
	l := New(false, nil)

	_, err := l.Record(context.Background(), st, saleEntry("P1", 0, "sale-1"))
	require.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = l.Record(context.Background(), st, saleEntry("P1", -2, "sale-1"))
	require.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = l.Record(context.Background(), st, saleEntry("missing", 1, "sale-1"))
	require.ErrorIs(t, err, store.ErrNotFound)

	bad := saleEntry("P1", 1, "sale-1")
	bad.Reason = "gift"
	_, err = l.Record(context.Background(), st, bad)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestNegativeAdjustmentPolicy(t *testing.T) {
	st := newFakeStore(map[string]int64{"P1": 2})
	shrink := Entry{
		ProductID: "P1", Direction: domain.DirectionOut, Quantity: 5,
		Reason: domain.ReasonManualAdjustment, RefType: domain.RefAdjustment, RefID: "count-1",
	}

	_, err := New(false, nil).Record(context.Background(), st, shrink)
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	mv, err := New(true, nil).Record(context.Background(), st, shrink)
	require.NoError(t, err)
	assert.Equal(t, int64(-3), mv.StockAfter)

	// the policy never covers sales
	_, err = New(true, nil).Record(context.Background(), st, saleEntry("P1", 1, "sale-1"))
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
}

func TestReverseCompensatesOnce(t *testing.T) {
	st := newFakeStore(map[string]int64{"P1": 10, "P2": 4})
	l := New(false, nil)
	ctx := context.Background()

	originals, err := l.RecordAll(ctx, st, []Entry{saleEntry("P1", 2, "sale-9"), saleEntry("P2", 4, "sale-9")})
	require.NoError(t, err)

	reversals, err := l.Reverse(ctx, st, domain.RefSale, "sale-9", domain.ReasonSaleVoidReversal, "sup-1")
	require.NoError(t, err)
	require.Len(t, reversals, 2)
	for i, mv := range reversals {
		assert.Equal(t, originals[i].ID, mv.ReversesID)
		assert.Equal(t, domain.DirectionIn, mv.Direction)
		assert.Equal(t, domain.ReasonSaleVoidReversal, mv.Reason)
	}
	assert.Equal(t, int64(10), st.products["P1"].Stock)
	assert.Equal(t, int64(4), st.products["P2"].Stock)

	_, err = l.Reverse(ctx, st, domain.RefSale, "sale-9", domain.ReasonSaleVoidReversal, "sup-1")
	require.ErrorIs(t, err, domain.ErrAlreadyReversed)
	assert.Empty(t, Replay(st.productList(), st.movements))
}

func TestReverseWithoutMovementsIsNoop(t *testing.T) {
	st := newFakeStore(map[string]int64{"P1": 1})
	out, err := New(false, nil).Reverse(context.Background(), st, domain.RefSale, "nothing", domain.ReasonSaleVoidReversal, "sup-1")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestReplayDetectsDrift(t *testing.T) {
	st := newFakeStore(map[string]int64{"P1": 10})
	_, err := New(false, nil).Record(context.Background(), st, saleEntry("P1", 4, "sale-1"))
	require.NoError(t, err)

	drifted := st.products["P1"]
	drifted.Stock = 9
	st.products["P1"] = drifted

	found := Replay(st.productList(), st.movements)
	require.Len(t, found, 1)
	assert.Equal(t, int64(6), found[0].ReplayedStock)
	assert.Equal(t, int64(9), found[0].RunningStock)

	tampered := append([]domain.StockMovement(nil), st.movements...)
	tampered[1].StockBefore = 11
	found = Replay([]domain.Product{{ID: "P1", Stock: 6}}, tampered)
	require.Len(t, found, 1)
	assert.Equal(t, tampered[1].ID, found[0].BrokenAtID)
}

func TestLedgerConsistencyUnderMixedTraffic(t *testing.T) {
	st := newFakeStore(map[string]int64{"A": 20, "B": 3})
	l := New(false, nil)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		saleID := fmt.Sprintf("sale-%d", i)
		_, err := l.RecordAll(ctx, st, []Entry{saleEntry("A", 2, saleID), saleEntry("B", 1, saleID)})
		if err != nil && !errors.Is(err, domain.ErrInsufficientStock) {
			t.Fatalf("sale %d: %v", i, err)
		}
		if i%3 == 0 {
			if _, err := l.Reverse(ctx, st, domain.RefSale, saleID, domain.ReasonSaleVoidReversal, "sup"); err != nil {
				t.Fatalf("reverse %d: %v", i, err)
			}
		}
	}
	if found := Replay(st.productList(), st.movements); len(found) != 0 {
		t.Fatalf("ledger drifted: %+v", found)
	}
	assert.GreaterOrEqual(t, st.products["B"].Stock, int64(0))
}
