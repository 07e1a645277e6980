package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"cashledger/backend/internal/domain"
	"cashledger/backend/internal/ledger"
	"cashledger/backend/internal/store"
	"cashledger/backend/internal/xid"
)

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

// UpsertProduct syncs catalog metadata. The stock counter is owned by the
// ledger and is never set from here.
func (s *Service) UpsertProduct(ctx context.Context, id string, req domain.ProductUpsertRequest) (domain.Product, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, domain.Invalid(domain.ErrInvalidInput, "id", "is required")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Product{}, domain.Invalid(domain.ErrInvalidInput, "name", "is required")
	}
	if !req.TaxClass.Valid() {
		return domain.Product{}, fmt.Errorf("tax_class %q: %w", req.TaxClass, domain.ErrUnknownTaxClass)
	}
	if req.MinStock < 0 || req.MaxStock < 0 || req.LastSalePrice < 0 {
		return domain.Product{}, domain.Invalid(domain.ErrInvalidInput, "min_stock", "thresholds and price must not be negative")
	}

	var out domain.Product
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		product := domain.Product{ID: id, Active: true}
		existing, err := tx.LockProducts(ctx, []string{id})
		switch {
		case err == nil:
			product = existing[id]
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		product.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
		if product.SKU == "" {
			product.SKU = id
		}
		product.Name = name
		product.TaxClass = req.TaxClass
		product.MinStock = req.MinStock
		product.MaxStock = req.MaxStock
		product.LastSalePrice = req.LastSalePrice
		if req.Active != nil {
			product.Active = *req.Active
		}
		product.UpdatedAt = s.now()
		out = product
		return tx.SaveProduct(ctx, product)
	})
	if err != nil {
		return domain.Product{}, err
	}
	s.emit(ctx, "product.upserted", "product", out.ID, "", map[string]any{"tax_class": out.TaxClass, "active": out.Active})
	return out, nil
}

// AdjustStock records a manual correction or an internal consumption.
func (s *Service) AdjustStock(ctx context.Context, productID string, req domain.StockAdjustmentRequest) (domain.StockMovement, error) {
	reason := req.Reason
	if reason == "" {
		reason = domain.ReasonManualAdjustment
	}
	switch reason {
	case domain.ReasonManualAdjustment:
	case domain.ReasonServiceConsumption:
		if req.Direction != domain.DirectionOut {
			return domain.StockMovement{}, domain.Invalid(domain.ErrInvalidInput, "direction", "service consumption only takes stock out")
		}
	default:
		return domain.StockMovement{}, domain.Invalid(domain.ErrInvalidInput, "reason", "only manual_adjustment or service_consumption")
	}

	var out domain.StockMovement
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		mv, err := s.ledger.Record(ctx, tx, ledger.Entry{
			ProductID: strings.TrimSpace(productID),
			Direction: req.Direction,
			Quantity:  req.Quantity,
			Reason:    reason,
			RefType:   domain.RefAdjustment,
			RefID:     xid.New("adj"),
			Actor:     actorID(ctx),
			Note:      strings.TrimSpace(req.Note),
		})
		out = mv
		return err
	})
	if err != nil {
		return domain.StockMovement{}, err
	}
	s.emit(ctx, "stock.adjusted", "product", out.ProductID, "", map[string]any{
		"direction": out.Direction,
		"quantity":  out.Quantity,
		"reason":    out.Reason,
		"after":     out.StockAfter,
	})
	return out, nil
}

func (s *Service) ListMovements(ctx context.Context, productID string) ([]domain.StockMovement, error) {
	if _, err := s.repo.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	return s.repo.ListMovements(ctx, productID)
}

// AuditStock replays the whole movement log against the running counters.
// Any disagreement is returned alongside ErrLedgerMismatch.
func (s *Service) AuditStock(ctx context.Context) ([]domain.StockDiscrepancy, error) {
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	movements, err := s.repo.ListMovements(ctx, "")
	if err != nil {
		return nil, err
	}

	found := ledger.Replay(products, movements)
	if len(found) == 0 {
		return nil, nil
	}
	for _, d := range found {
		s.logger.Error("stock ledger mismatch",
			zap.String("product_id", d.ProductID),
			zap.Int64("running", d.RunningStock),
			zap.Int64("replayed", d.ReplayedStock),
			zap.String("problem", d.Problem),
		)
	}
	return found, fmt.Errorf("%d products: %w", len(found), domain.ErrLedgerMismatch)
}

func (s *Service) LowStock(ctx context.Context) ([]domain.Product, error) {
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Product, 0)
	for _, p := range products {
		if p.Active && p.NeedsRestock() {
			out = append(out, p)
		}
	}
	return out, nil
}
