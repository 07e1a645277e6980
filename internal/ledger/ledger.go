// Package ledger keeps the append-only stock movement log and the running
// stock counter of each product in step.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cashledger/backend/internal/domain"
	"cashledger/backend/internal/store"
	"cashledger/backend/internal/xid"
)

// Store is the slice of a unit of work the ledger writes through.
// LockProducts must hold the returned rows until the unit of work ends.
type Store interface {
	LockProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
	SaveProduct(ctx context.Context, product domain.Product) error
	AppendMovement(ctx context.Context, movement domain.StockMovement) (domain.StockMovement, error)
	MovementsByRef(ctx context.Context, refType domain.RefType, refID string) ([]domain.StockMovement, error)
}

type Entry struct {
	ProductID string
	Direction domain.Direction
	Quantity  int64
	Reason    domain.MovementReason
	RefType   domain.RefType
	RefID     string
	UnitCost  int64
	Actor     string
	Note      string
}

type Ledger struct {
	// AllowNegativeAdjustment lets manual adjustments push stock below zero.
	AllowNegativeAdjustment bool
	now                     func() time.Time
}

// New builds a ledger stamping movements with now; nil means the wall clock.
func New(allowNegativeAdjustment bool, now func() time.Time) *Ledger {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{
		AllowNegativeAdjustment: allowNegativeAdjustment,
		now:                     now,
	}
}

// Next computes the movement an entry produces against the product's
// current stock without writing anything.
func (l *Ledger) Next(product domain.Product, e Entry) (domain.StockMovement, error) {
	if e.Quantity <= 0 {
		return domain.StockMovement{}, domain.Invalid(domain.ErrInvalidQuantity, "quantity", fmt.Sprintf("got %d", e.Quantity))
	}
	if !e.Direction.Valid() {
		return domain.StockMovement{}, domain.Invalid(domain.ErrInvalidInput, "direction", fmt.Sprintf("unknown direction %q", e.Direction))
	}
	if !e.Reason.Valid() {
		return domain.StockMovement{}, domain.Invalid(domain.ErrInvalidInput, "reason", fmt.Sprintf("unknown reason %q", e.Reason))
	}
	if e.Direction == domain.DirectionOut && e.Quantity > product.Stock {
		negativeOK := l.AllowNegativeAdjustment && e.Reason == domain.ReasonManualAdjustment
		if !negativeOK {
			return domain.StockMovement{}, &domain.StockError{ProductID: product.ID, Requested: e.Quantity, Available: product.Stock}
		}
	}

	return domain.StockMovement{
		ID:          xid.New("mov"),
		ProductID:   product.ID,
		Direction:   e.Direction,
		Quantity:    e.Quantity,
		StockBefore: product.Stock,
		StockAfter:  product.Stock + e.Direction.Sign()*e.Quantity,
		Reason:      e.Reason,
		RefType:     e.RefType,
		RefID:       e.RefID,
		UnitCost:    e.UnitCost,
		Actor:       e.Actor,
		Note:        e.Note,
		CreatedAt:   l.now(),
	}, nil
}

// Record appends one movement and updates the product's running stock.
func (l *Ledger) Record(ctx context.Context, st Store, e Entry) (domain.StockMovement, error) {
	out, err := l.RecordAll(ctx, st, []Entry{e})
	if err != nil {
		return domain.StockMovement{}, err
	}
	return out[0], nil
}

// RecordAll locks every product involved, checks every entry against the
// locked stock, and only then writes. Entries for the same product are
// applied in order, so two lines of one product share the same budget.
func (l *Ledger) RecordAll(ctx context.Context, st Store, entries []Entry) ([]domain.StockMovement, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	products, err := st.LockProducts(ctx, productIDs(entries))
	if err != nil {
		return nil, err
	}

	planned := make([]domain.StockMovement, 0, len(entries))
	for _, e := range entries {
		product, ok := products[e.ProductID]
		if !ok {
			return nil, fmt.Errorf("product %s: %w", e.ProductID, store.ErrNotFound)
		}
		mv, err := l.Next(product, e)
		if err != nil {
			return nil, err
		}
		product.Stock = mv.StockAfter
		products[e.ProductID] = product
		planned = append(planned, mv)
	}

	touched := make(map[string]bool, len(products))
	saved := make([]domain.StockMovement, 0, len(planned))
	for _, mv := range planned {
		stored, err := st.AppendMovement(ctx, mv)
		if err != nil {
			return nil, err
		}
		saved = append(saved, stored)
		touched[mv.ProductID] = true
	}
	for id := range touched {
		product := products[id]
		product.UpdatedAt = l.now()
		if err := st.SaveProduct(ctx, product); err != nil {
			return nil, err
		}
	}
	return saved, nil
}

// Reverse appends one compensating movement for every original movement
// tied to the reference. Originals are left untouched.
func (l *Ledger) Reverse(ctx context.Context, st Store, refType domain.RefType, refID string, reason domain.MovementReason, actor string) ([]domain.StockMovement, error) {
	existing, err := st.MovementsByRef(ctx, refType, refID)
	if err != nil {
		return nil, err
	}

	originals := make([]domain.StockMovement, 0, len(existing))
	for _, mv := range existing {
		if mv.ReversesID != "" {
			return nil, fmt.Errorf("%s %s: %w", refType, refID, domain.ErrAlreadyReversed)
		}
		originals = append(originals, mv)
	}
	if len(originals) == 0 {
		return nil, nil
	}

	entries := make([]Entry, 0, len(originals))
	for _, mv := range originals {
		entries = append(entries, Entry{
			ProductID: mv.ProductID,
			Direction: mv.Direction.Opposite(),
			Quantity:  mv.Quantity,
			Reason:    reason,
			RefType:   refType,
			RefID:     refID,
			UnitCost:  mv.UnitCost,
			Actor:     actor,
			Note:      "reverses " + mv.ID,
		})
	}

	// Compensations are planned like any other entry so stock checks still
	// apply, then linked back to their originals before being written.
	products, err := st.LockProducts(ctx, productIDs(entries))
	if err != nil {
		return nil, err
	}
	saved := make([]domain.StockMovement, 0, len(entries))
	for i, e := range entries {
		product := products[e.ProductID]
		mv, err := l.Next(product, e)
		if err != nil {
			return nil, err
		}
		mv.ReversesID = originals[i].ID
		stored, err := st.AppendMovement(ctx, mv)
		if err != nil {
			return nil, err
		}
		product.Stock = mv.StockAfter
		product.UpdatedAt = l.now()
		products[e.ProductID] = product
		saved = append(saved, stored)
	}
	for _, id := range productIDs(entries) {
		if err := st.SaveProduct(ctx, products[id]); err != nil {
			return nil, err
		}
	}
	return saved, nil
}

// Replay rebuilds every product's stock from its movements and reports
// where the chain or the running counter disagrees.
func Replay(products []domain.Product, movements []domain.StockMovement) []domain.StockDiscrepancy {
	byProduct := make(map[string][]domain.StockMovement, len(products))
	for _, mv := range movements {
		byProduct[mv.ProductID] = append(byProduct[mv.ProductID], mv)
	}

	var out []domain.StockDiscrepancy
	for _, p := range products {
		chain := byProduct[p.ID]
		sort.SliceStable(chain, func(i, j int) bool { return chain[i].Seq < chain[j].Seq })

		var replayed int64
		broken := ""
		problem := ""
		for _, mv := range chain {
			if mv.StockBefore != replayed {
				broken, problem = mv.ID, fmt.Sprintf("stock_before %d does not follow %d", mv.StockBefore, replayed)
				break
			}
			if mv.StockAfter != mv.StockBefore+mv.Delta() {
				broken, problem = mv.ID, fmt.Sprintf("stock_after %d is not stock_before %d %+d", mv.StockAfter, mv.StockBefore, mv.Delta())
				break
			}
			replayed += mv.Delta()
		}
		if broken == "" && replayed != p.Stock {
			problem = fmt.Sprintf("running stock %d differs from replayed %d", p.Stock, replayed)
		}
		if problem != "" {
			out = append(out, domain.StockDiscrepancy{
				ProductID:     p.ID,
				RunningStock:  p.Stock,
				ReplayedStock: replayed,
				BrokenAtID:    broken,
				Problem:       problem,
			})
		}
	}
	return out
}

func productIDs(entries []Entry) []string {
	seen := make(map[string]struct{}, len(entries))
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.ProductID]; ok {
			continue
		}
		seen[e.ProductID] = struct{}{}
		ids = append(ids, e.ProductID)
	}
	sort.Strings(ids)
	return ids
}
