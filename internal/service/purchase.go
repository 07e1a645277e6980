package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cashledger/backend/internal/cashsession"
	"cashledger/backend/internal/domain"
	"cashledger/backend/internal/ledger"
	"cashledger/backend/internal/store"
	"cashledger/backend/internal/tax"
	"cashledger/backend/internal/xid"
)

func (s *Service) CreatePurchase(ctx context.Context, req domain.PurchaseCreateRequest) (domain.Purchase, error) {
	kind := req.Kind
	if kind == "" {
		kind = domain.PurchaseProduct
	}
	if !kind.Valid() {
		return domain.Purchase{}, domain.Invalid(domain.ErrInvalidInput, "kind", fmt.Sprintf("unknown purchase kind %q", req.Kind))
	}
	taxClass := req.TaxClass
	if taxClass == "" {
		taxClass = domain.TaxStandard10
	}
	if !taxClass.Valid() {
		return domain.Purchase{}, fmt.Errorf("tax_class %q: %w", taxClass, domain.ErrUnknownTaxClass)
	}
	if len(req.Lines) == 0 {
		return domain.Purchase{}, domain.Invalid(domain.ErrInvalidInput, "lines", "at least one line is required")
	}

	purchase := domain.Purchase{
		ID:         xid.New("pur"),
		Number:     strings.TrimSpace(req.Number),
		SupplierID: strings.TrimSpace(req.SupplierID),
		Kind:       kind,
		TaxClass:   taxClass,
		State:      domain.PurchaseRegistered,
		CreatedBy:  actorID(ctx),
		CreatedAt:  s.now(),
	}
	if purchase.SupplierID == "" {
		return domain.Purchase{}, domain.Invalid(domain.ErrInvalidInput, "supplier_id", "is required")
	}

	for i, lr := range req.Lines {
		field := func(name string) string { return fmt.Sprintf("lines[%d].%s", i, name) }
		if lr.Quantity <= 0 {
			return domain.Purchase{}, domain.Invalid(domain.ErrInvalidQuantity, field("quantity"), "must be positive")
		}
		if lr.UnitCost < 0 {
			return domain.Purchase{}, domain.Invalid(domain.ErrInvalidAmount, field("unit_cost"), "must not be negative")
		}
		line := domain.PurchaseLine{
			LineNo:      i + 1,
			ProductID:   strings.TrimSpace(lr.ProductID),
			Description: strings.TrimSpace(lr.Description),
			Quantity:    lr.Quantity,
			UnitCost:    lr.UnitCost,
			Subtotal:    lr.Quantity * lr.UnitCost,
		}
		if kind == domain.PurchaseProduct {
			if line.ProductID == "" {
				return domain.Purchase{}, domain.Invalid(domain.ErrInvalidInput, field("product_id"), "is required for product purchases")
			}
			product, err := s.repo.GetProduct(ctx, line.ProductID)
			if err != nil {
				return domain.Purchase{}, fmt.Errorf("%s: %w", field("product_id"), err)
			}
			if line.Description == "" {
				line.Description = product.Name
			}
		}
		purchase.Lines = append(purchase.Lines, line)
		purchase.Total += line.Subtotal
	}

	split, err := tax.Decompose(purchase.Total, taxClass)
	if err != nil {
		return domain.Purchase{}, err
	}
	purchase.Tax = split.Tax

	if err := s.repo.InTx(ctx, func(tx store.Tx) error { return tx.CreatePurchase(ctx, purchase) }); err != nil {
		return domain.Purchase{}, err
	}
	s.emit(ctx, "purchase.registered", "purchase", purchase.ID, "", map[string]any{
		"supplier_id": purchase.SupplierID,
		"total":       purchase.Total,
		"kind":        purchase.Kind,
	})
	return purchase, nil
}

func (s *Service) GetPurchase(ctx context.Context, id string) (domain.Purchase, error) {
	purchase, err := s.repo.GetPurchase(ctx, id)
	if err != nil {
		return domain.Purchase{}, err
	}
	return *purchase, nil
}

func (s *Service) ListPurchasePayments(ctx context.Context, purchaseID string) ([]domain.PurchasePayment, error) {
	if _, err := s.repo.GetPurchase(ctx, purchaseID); err != nil {
		return nil, err
	}
	return s.repo.ListPurchasePayments(ctx, purchaseID)
}

func (s *Service) ListPayables(ctx context.Context, state domain.BalanceState) ([]domain.PayableBalance, error) {
	return s.repo.ListPayables(ctx, state)
}

func (s *Service) ListReceivables(ctx context.Context, state domain.BalanceState) ([]domain.ReceivableBalance, error) {
	return s.repo.ListReceivables(ctx, state)
}

func validatePayment(req domain.PayPurchaseRequest) error {
	if !req.Origin.Valid() {
		return domain.Invalid(domain.ErrInvalidInput, "origin", fmt.Sprintf("unknown payment origin %q", req.Origin))
	}
	if req.Origin == domain.OriginDeferredCredit {
		if req.Amount != 0 {
			return domain.Invalid(domain.ErrInvalidAmount, "amount", "deferred credit takes no amount")
		}
		if req.CreditDays < 0 {
			return domain.Invalid(domain.ErrInvalidInput, "credit_days", "must not be negative")
		}
		return nil
	}
	if req.Amount <= 0 {
		return domain.Invalid(domain.ErrAmountMustBePositive, "amount", "must be positive")
	}
	if req.Origin == domain.OriginPettyCash && strings.TrimSpace(req.SessionID) == "" {
		return domain.Invalid(domain.ErrInvalidInput, "session_id", "petty cash payments need an open session")
	}
	return nil
}

// PayPurchase records a payment or a credit deferral against a purchase.
// The first call on a product purchase brings its stock in; later calls
// never do it again.
func (s *Service) PayPurchase(ctx context.Context, purchaseID string, req domain.PayPurchaseRequest) (domain.PayPurchaseResponse, error) {
	if err := validatePayment(req); err != nil {
		return domain.PayPurchaseResponse{}, err
	}

	actor := actorID(ctx)
	var resp domain.PayPurchaseResponse
	var drawerID string
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		purchase, err := tx.LockPurchase(ctx, purchaseID)
		if err != nil {
			return err
		}
		if purchase.State == domain.PurchasePaid {
			return fmt.Errorf("purchase %s: %w", purchase.ID, domain.ErrAlreadySettled)
		}
		outstanding := purchase.Outstanding()
		if req.Amount > outstanding {
			return fmt.Errorf("paying %d against %d outstanding: %w", req.Amount, outstanding, domain.ErrOverpayment)
		}

		// The drawer is checked before anything is written.
		var session *domain.CashSession
		if req.Origin == domain.OriginPettyCash {
			session, err = tx.LockSession(ctx, strings.TrimSpace(req.SessionID))
			if err != nil {
				return fmt.Errorf("session %s: %w", req.SessionID, err)
			}
			if err := cashsession.ApplyEgress(session, req.Amount); err != nil {
				return err
			}
			drawerID = session.DrawerID
		}

		movements, err := s.applyPurchaseStock(ctx, tx, purchase, actor)
		if err != nil {
			return err
		}
		resp.Movements = movements

		now := s.now()
		payable, err := tx.LockPayableByPurchase(ctx, purchase.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if req.Origin == domain.OriginDeferredCredit {
			if req.CreditDays > 0 {
				due := now.AddDate(0, 0, req.CreditDays)
				purchase.CreditDays = req.CreditDays
				purchase.CreditDueDate = &due
			}
			if payable == nil {
				payable = newPayable(*purchase, now)
			}
			payable.DueDate = purchase.CreditDueDate
			payable.UpdatedAt = now
			if err := tx.SavePayable(ctx, *payable); err != nil {
				return err
			}
			if err := tx.UpdatePurchase(ctx, *purchase); err != nil {
				return err
			}
			resp.Purchase = *purchase
			resp.Payable = payable
			return nil
		}

		payment := domain.PurchasePayment{
			ID:         xid.New("ppm"),
			PurchaseID: purchase.ID,
			Amount:     req.Amount,
			Origin:     req.Origin,
			Reference:  strings.TrimSpace(req.Reference),
			Actor:      actor,
			PaidAt:     now,
		}

		if session != nil {
			movement := domain.CashMovement{
				ID:        xid.New("cmv"),
				SessionID: session.ID,
				Kind:      domain.CashEgress,
				Concept:   purchaseConcept(*purchase),
				Amount:    req.Amount,
				RefType:   domain.RefPurchase,
				RefID:     purchase.ID,
				Actor:     actor,
				CreatedAt: now,
			}
			if err := tx.AddCashMovement(ctx, movement); err != nil {
				return err
			}
			if err := tx.UpdateSession(ctx, *session); err != nil {
				return err
			}
			payment.SessionID = session.ID
			payment.CashMovementID = movement.ID
			resp.CashMovement = &movement
			resp.Session = session
		}

		purchase.AmountPaid += req.Amount
		next := domain.PurchaseStateFor(purchase.Total, purchase.AmountPaid)
		if !purchase.State.CanTransition(next) {
			return fmt.Errorf("purchase %s %s -> %s: %w", purchase.ID, purchase.State, next, domain.ErrInvalidTransition)
		}
		purchase.State = next

		switch {
		case payable != nil:
			payable.AmountPaid = purchase.AmountPaid
			payable.State = domain.BalanceStateFor(payable.AmountOwed, payable.AmountPaid)
			payable.UpdatedAt = now
		case purchase.Outstanding() > 0:
			payable = newPayable(*purchase, now)
		}
		if payable != nil {
			if err := tx.SavePayable(ctx, *payable); err != nil {
				return err
			}
			payment.PayableID = payable.ID
		}

		if err := tx.AddPurchasePayment(ctx, payment); err != nil {
			return err
		}
		if err := tx.UpdatePurchase(ctx, *purchase); err != nil {
			return err
		}
		resp.Purchase = *purchase
		resp.Payment = &payment
		resp.Payable = payable
		return nil
	})
	if err != nil {
		return domain.PayPurchaseResponse{}, err
	}

	if req.Origin == domain.OriginDeferredCredit {
		s.emit(ctx, "purchase.deferred", "purchase", resp.Purchase.ID, "", map[string]any{
			"amount_owed": resp.Payable.AmountOwed,
			"stock_moves": len(resp.Movements),
		})
		return resp, nil
	}
	s.emit(ctx, "purchase.payment_recorded", "purchase", resp.Purchase.ID, drawerID, map[string]any{
		"amount": req.Amount,
		"origin": req.Origin,
		"state":  resp.Purchase.State,
	})
	if resp.CashMovement != nil {
		s.emit(ctx, "cash.egress", "cash_session", resp.CashMovement.SessionID, drawerID, map[string]any{
			"amount":  resp.CashMovement.Amount,
			"concept": resp.CashMovement.Concept,
		})
	}
	return resp, nil
}

// PayPayable pays down a supplier balance through its purchase.
func (s *Service) PayPayable(ctx context.Context, payableID string, req domain.PayPurchaseRequest) (domain.PayPurchaseResponse, error) {
	if req.Origin == domain.OriginDeferredCredit {
		return domain.PayPurchaseResponse{}, domain.Invalid(domain.ErrInvalidInput, "origin", "a payable is already deferred")
	}
	payable, err := s.repo.GetPayable(ctx, payableID)
	if err != nil {
		return domain.PayPurchaseResponse{}, err
	}
	if payable.State == domain.BalancePaid {
		return domain.PayPurchaseResponse{}, fmt.Errorf("payable %s: %w", payable.ID, domain.ErrAlreadySettled)
	}
	return s.PayPurchase(ctx, payable.OwnerID, req)
}

// applyPurchaseStock brings a product purchase's lines into stock once and
// records the latest cost on each product.
func (s *Service) applyPurchaseStock(ctx context.Context, tx store.Tx, purchase *domain.Purchase, actor string) ([]domain.StockMovement, error) {
	if purchase.StockApplied || purchase.Kind != domain.PurchaseProduct {
		return nil, nil
	}

	entries := make([]ledger.Entry, 0, len(purchase.Lines))
	costs := make(map[string]int64, len(purchase.Lines))
	ids := make([]string, 0, len(purchase.Lines))
	for _, line := range purchase.Lines {
		if line.ProductID == "" {
			continue
		}
		entries = append(entries, ledger.Entry{
			ProductID: line.ProductID,
			Direction: domain.DirectionIn,
			Quantity:  line.Quantity,
			Reason:    domain.ReasonPurchasePaid,
			RefType:   domain.RefPurchase,
			RefID:     purchase.ID,
			UnitCost:  line.UnitCost,
			Actor:     actor,
		})
		if _, seen := costs[line.ProductID]; !seen {
			ids = append(ids, line.ProductID)
		}
		costs[line.ProductID] = line.UnitCost
	}

	movements, err := s.ledger.RecordAll(ctx, tx, entries)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		products, err := tx.LockProducts(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			product := products[id]
			product.LastPurchaseCost = costs[id]
			if err := tx.SaveProduct(ctx, product); err != nil {
				return nil, err
			}
		}
	}
	purchase.StockApplied = true
	return movements, nil
}

// newPayable opens a supplier balance mirroring the purchase: it owes the
// full total and counts every payment made so far, including the one that
// opened it.
func newPayable(p domain.Purchase, now time.Time) *domain.PayableBalance {
	return &domain.PayableBalance{
		ID:             xid.New("pay"),
		OwnerID:        p.ID,
		CounterpartyID: p.SupplierID,
		AmountOwed:     p.Total,
		AmountPaid:     p.AmountPaid,
		DueDate:        p.CreditDueDate,
		State:          domain.BalanceStateFor(p.Total, p.AmountPaid),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func purchaseConcept(p domain.Purchase) string {
	if p.Number != "" {
		return "purchase " + p.Number
	}
	return "purchase " + p.ID
}
