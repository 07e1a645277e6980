package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"cashledger/backend/internal/cashsession"
	"cashledger/backend/internal/domain"
	"cashledger/backend/internal/ledger"
	"cashledger/backend/internal/store"
	"cashledger/backend/internal/tax"
	"cashledger/backend/internal/tender"
	"cashledger/backend/internal/xid"
)

// CreateSale registers a pending sale. Lines are priced tax-inclusive; the
// per-line breakdown is derived here and never moves stock.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.Sale, error) {
	if len(req.Lines) == 0 {
		return domain.Sale{}, domain.Invalid(domain.ErrInvalidInput, "lines", "at least one line is required")
	}
	if req.CreditDays < 0 {
		return domain.Sale{}, domain.Invalid(domain.ErrInvalidInput, "credit_days", "must not be negative")
	}

	now := s.now()
	sale := domain.Sale{
		ID:            xid.New("sal"),
		CustomerID:    strings.TrimSpace(req.CustomerID),
		Status:        domain.SaleStatusPending,
		PaymentStatus: domain.PaymentPending,
		CreditDays:    req.CreditDays,
		CreatedBy:     actorID(ctx),
		CreatedAt:     now,
	}
	if req.CreditDays > 0 {
		due := now.AddDate(0, 0, req.CreditDays)
		sale.DueDate = &due
	}

	for i, lr := range req.Lines {
		line, err := s.buildSaleLine(ctx, i, lr)
		if err != nil {
			return domain.Sale{}, err
		}
		sale.Lines = append(sale.Lines, line)
		sale.Subtotal += line.TaxBase
		sale.Tax += line.TaxAmount
		sale.Total += line.LineTotal
	}

	if err := s.repo.InTx(ctx, func(tx store.Tx) error { return tx.CreateSale(ctx, sale) }); err != nil {
		return domain.Sale{}, err
	}
	s.emit(ctx, "sale.created", "sale", sale.ID, "", map[string]any{"total": sale.Total, "lines": len(sale.Lines)})
	return sale, nil
}

func (s *Service) buildSaleLine(ctx context.Context, i int, lr domain.SaleLineRequest) (domain.SaleLine, error) {
	field := func(name string) string { return fmt.Sprintf("lines[%d].%s", i, name) }

	if lr.Quantity <= 0 {
		return domain.SaleLine{}, domain.Invalid(domain.ErrInvalidQuantity, field("quantity"), "must be positive")
	}
	if lr.UnitPrice < 0 || lr.Discount < 0 {
		return domain.SaleLine{}, domain.Invalid(domain.ErrInvalidAmount, field("unit_price"), "price and discount must not be negative")
	}
	gross := lr.Quantity * lr.UnitPrice
	if lr.Discount > gross {
		return domain.SaleLine{}, domain.Invalid(domain.ErrInvalidAmount, field("discount"), "exceeds line amount")
	}

	line := domain.SaleLine{
		LineNo:      i + 1,
		ProductID:   strings.TrimSpace(lr.ProductID),
		Description: strings.TrimSpace(lr.Description),
		Quantity:    lr.Quantity,
		UnitPrice:   lr.UnitPrice,
		Discount:    lr.Discount,
		LineTotal:   gross - lr.Discount,
		TaxClass:    lr.TaxClass,
	}
	if line.Physical() {
		product, err := s.repo.GetProduct(ctx, line.ProductID)
		if err != nil {
			return domain.SaleLine{}, fmt.Errorf("%s: %w", field("product_id"), err)
		}
		if !product.Active {
			return domain.SaleLine{}, domain.Invalid(domain.ErrInvalidInput, field("product_id"), "product is inactive")
		}
		if line.TaxClass == "" {
			line.TaxClass = product.TaxClass
		}
		if line.Description == "" {
			line.Description = product.Name
		}
	}
	if line.Description == "" {
		return domain.SaleLine{}, domain.Invalid(domain.ErrInvalidInput, field("description"), "is required for service lines")
	}

	split, err := tax.Decompose(line.LineTotal, line.TaxClass)
	if err != nil {
		return domain.SaleLine{}, err
	}
	line.TaxBase = split.Base
	line.TaxAmount = split.Tax
	return line, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	sale, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.repo.ListSales(ctx, filter)
}

// SettleSale applies tenders to a pending sale against an explicit open
// session. Stock, tenders, the sale and the session change together or not
// at all.
func (s *Service) SettleSale(ctx context.Context, saleID string, req domain.SettleSaleRequest) (domain.SettleSaleResponse, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return domain.SettleSaleResponse{}, domain.Invalid(domain.ErrInvalidInput, "session_id", "is required")
	}
	tenders, err := tender.Build(req.Tenders)
	if err != nil {
		return domain.SettleSaleResponse{}, err
	}

	actor := actorID(ctx)
	var resp domain.SettleSaleResponse
	var drawerID string
	err = s.repo.InTx(ctx, func(tx store.Tx) error {
		sale, err := tx.LockSale(ctx, saleID)
		if err != nil {
			return err
		}
		if sale.Status != domain.SaleStatusPending {
			return fmt.Errorf("sale %s is %s: %w", sale.ID, sale.Status, domain.ErrAlreadySettled)
		}

		session, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("session %s: %w", sessionID, err)
		}
		if err := cashsession.Writable(*session); err != nil {
			return err
		}
		drawerID = session.DrawerID

		entries := make([]ledger.Entry, 0, len(sale.Lines))
		for _, line := range sale.Lines {
			if !line.Physical() {
				continue
			}
			entries = append(entries, ledger.Entry{
				ProductID: line.ProductID,
				Direction: domain.DirectionOut,
				Quantity:  line.Quantity,
				Reason:    domain.ReasonSale,
				RefType:   domain.RefSale,
				RefID:     sale.ID,
				Actor:     actor,
			})
		}
		movements, err := s.ledger.RecordAll(ctx, tx, entries)
		if err != nil {
			return err
		}

		var res tender.Result
		if !(sale.Credit() && confirmedCount(tenders) == 0) {
			res, err = tender.Validate(tenders, sale.Total)
			if err != nil {
				return err
			}
		}
		if !sale.Credit() && res.TotalTendered < sale.Total {
			return fmt.Errorf("tendered %d of %d: %w", res.TotalTendered, sale.Total, domain.ErrPaymentInsufficient)
		}

		now := s.now()
		for i := range tenders {
			tenders[i].ID = xid.New("tnd")
			tenders[i].SaleID = sale.ID
			tenders[i].SessionID = session.ID
			tenders[i].CreatedAt = now
		}
		if len(tenders) > 0 {
			if err := tx.AddTenders(ctx, tenders); err != nil {
				return err
			}
		}

		seq, err := tx.NextInvoiceNumber(ctx)
		if err != nil {
			return err
		}
		invoice, err := s.invoices.Format(seq)
		if err != nil {
			return err
		}

		sale.InvoiceNumber = invoice
		sale.Status = domain.SaleStatusCompleted
		sale.AmountPaid = res.Applied
		sale.PaymentStatus = domain.PaymentStatusFor(sale.Total, res.Applied)
		sale.ChangeDue = res.ChangeDue
		sale.NonCashExcess = res.NonCashExcess
		sale.SessionID = session.ID
		sale.SettledAt = &now
		if err := tx.UpdateSale(ctx, *sale); err != nil {
			return err
		}

		if err := cashsession.ApplySale(session, res.ByClass); err != nil {
			return err
		}
		if err := tx.UpdateSession(ctx, *session); err != nil {
			return err
		}

		if outstanding := sale.Outstanding(); outstanding > 0 {
			receivable := domain.ReceivableBalance{
				ID:             xid.New("rcv"),
				OwnerID:        sale.ID,
				CounterpartyID: sale.CustomerID,
				AmountOwed:     outstanding,
				DueDate:        sale.DueDate,
				State:          domain.BalancePending,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.SaveReceivable(ctx, receivable); err != nil {
				return err
			}
			resp.Receivable = &receivable
		}

		sale.Tenders = tenders
		resp.Sale = *sale
		resp.TotalTendered = res.TotalTendered
		resp.ChangeDue = res.ChangeDue
		resp.Warnings = res.Warnings
		resp.Movements = movements
		return nil
	})
	if err != nil {
		return domain.SettleSaleResponse{}, err
	}

	for _, w := range resp.Warnings {
		s.logger.Warn("settlement warning", zap.String("sale_id", resp.Sale.ID), zap.String("warning", w))
	}
	s.emit(ctx, "sale.settled", "sale", resp.Sale.ID, drawerID, map[string]any{
		"session_id":     resp.Sale.SessionID,
		"invoice":        resp.Sale.InvoiceNumber,
		"total":          resp.Sale.Total,
		"payment_status": resp.Sale.PaymentStatus,
		"change_due":     resp.ChangeDue,
	})
	return resp, nil
}

// CollectReceivable records a later payment on a completed credit sale.
// Collections give no change: the tenders may not exceed what is owed.
func (s *Service) CollectReceivable(ctx context.Context, saleID string, req domain.SettleSaleRequest) (domain.SettleSaleResponse, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return domain.SettleSaleResponse{}, domain.Invalid(domain.ErrInvalidInput, "session_id", "is required")
	}
	tenders, err := tender.Build(req.Tenders)
	if err != nil {
		return domain.SettleSaleResponse{}, err
	}

	var resp domain.SettleSaleResponse
	var drawerID string
	err = s.repo.InTx(ctx, func(tx store.Tx) error {
		sale, err := tx.LockSale(ctx, saleID)
		if err != nil {
			return err
		}
		switch sale.Status {
		case domain.SaleStatusVoided:
			return fmt.Errorf("sale %s: %w", sale.ID, domain.ErrAlreadyVoided)
		case domain.SaleStatusPending:
			return fmt.Errorf("sale %s must be settled before collecting: %w", sale.ID, domain.ErrInvalidTransition)
		}
		outstanding := sale.Outstanding()
		if outstanding == 0 {
			return fmt.Errorf("sale %s: %w", sale.ID, domain.ErrAlreadySettled)
		}

		session, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("session %s: %w", sessionID, err)
		}
		if err := cashsession.Writable(*session); err != nil {
			return err
		}
		drawerID = session.DrawerID

		res, err := tender.Validate(tenders, outstanding)
		if err != nil {
			return err
		}
		if res.TotalTendered > outstanding {
			return fmt.Errorf("tendered %d against %d outstanding: %w", res.TotalTendered, outstanding, domain.ErrOverpayment)
		}

		now := s.now()
		for i := range tenders {
			tenders[i].ID = xid.New("tnd")
			tenders[i].SaleID = sale.ID
			tenders[i].SessionID = session.ID
			tenders[i].CreatedAt = now
		}
		if err := tx.AddTenders(ctx, tenders); err != nil {
			return err
		}

		receivable, err := tx.LockReceivableBySale(ctx, sale.ID)
		if err != nil {
			return fmt.Errorf("receivable for sale %s: %w", sale.ID, err)
		}
		receivable.AmountPaid += res.Applied
		receivable.State = domain.BalanceStateFor(receivable.AmountOwed, receivable.AmountPaid)
		receivable.UpdatedAt = now
		if err := tx.SaveReceivable(ctx, *receivable); err != nil {
			return err
		}

		sale.AmountPaid += res.Applied
		sale.PaymentStatus = domain.PaymentStatusFor(sale.Total, sale.AmountPaid)
		if err := tx.UpdateSale(ctx, *sale); err != nil {
			return err
		}

		if err := cashsession.ApplySale(session, res.ByClass); err != nil {
			return err
		}
		if err := tx.UpdateSession(ctx, *session); err != nil {
			return err
		}

		full, err := tx.LockSale(ctx, sale.ID)
		if err != nil {
			return err
		}
		resp.Sale = *full
		resp.TotalTendered = res.TotalTendered
		resp.Receivable = receivable
		return nil
	})
	if err != nil {
		return domain.SettleSaleResponse{}, err
	}

	s.emit(ctx, "sale.payment_collected", "sale", resp.Sale.ID, drawerID, map[string]any{
		"session_id":     sessionID,
		"amount":         resp.TotalTendered,
		"payment_status": resp.Sale.PaymentStatus,
	})
	return resp, nil
}

// VoidSale cancels a sale. A completed sale gets compensating stock
// movements and its tender totals backed out of every session it touched.
// Those sessions must still be open and hold the cash being handed back.
func (s *Service) VoidSale(ctx context.Context, saleID string, req domain.VoidSaleRequest) (domain.Sale, error) {
	actor := actorID(ctx)
	var out domain.Sale
	var reversed []domain.StockMovement
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		sale, err := tx.LockSale(ctx, saleID)
		if err != nil {
			return err
		}
		if !sale.Status.CanTransition(domain.SaleStatusVoided) {
			return fmt.Errorf("sale %s: %w", sale.ID, domain.ErrAlreadyVoided)
		}

		if sale.Status == domain.SaleStatusCompleted {
			contributions := sessionContributions(*sale)
			sessionIDs := make([]string, 0, len(contributions))
			for id := range contributions {
				sessionIDs = append(sessionIDs, id)
			}
			sort.Strings(sessionIDs)

			sessions := make([]*domain.CashSession, 0, len(sessionIDs))
			for _, id := range sessionIDs {
				session, err := tx.LockSession(ctx, id)
				if err != nil {
					return fmt.Errorf("session %s: %w", id, err)
				}
				// The refund is checked against the drawer before anything is written.
				if err := cashsession.ApplyRefund(session, contributions[id]); err != nil {
					return err
				}
				sessions = append(sessions, session)
			}

			reversed, err = s.ledger.Reverse(ctx, tx, domain.RefSale, sale.ID, domain.ReasonSaleVoidReversal, actor)
			if err != nil {
				return err
			}

			for _, session := range sessions {
				if err := tx.UpdateSession(ctx, *session); err != nil {
					return err
				}
			}

			receivable, err := tx.LockReceivableBySale(ctx, sale.ID)
			switch {
			case err == nil:
				receivable.AmountOwed = receivable.AmountPaid
				receivable.State = domain.BalanceStateFor(receivable.AmountOwed, receivable.AmountPaid)
				receivable.UpdatedAt = s.now()
				if err := tx.SaveReceivable(ctx, *receivable); err != nil {
					return err
				}
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}

		now := s.now()
		sale.Status = domain.SaleStatusVoided
		sale.VoidedAt = &now
		sale.VoidReason = strings.TrimSpace(req.Reason)
		if err := tx.UpdateSale(ctx, *sale); err != nil {
			return err
		}
		out = *sale
		return nil
	})
	if err != nil {
		return domain.Sale{}, err
	}

	s.emit(ctx, "sale.voided", "sale", out.ID, "", map[string]any{
		"reason":             out.VoidReason,
		"reversed_movements": len(reversed),
	})
	return out, nil
}

// sessionContributions is what each session received from the sale's
// confirmed tenders. Change was handed out of the settling session's cash.
func sessionContributions(sale domain.Sale) map[string]domain.ClassTotals {
	out := map[string]domain.ClassTotals{}
	if sale.SessionID != "" {
		out[sale.SessionID] = domain.ClassTotals{}
	}
	for _, t := range sale.Tenders {
		if t.Status != domain.TenderConfirmed || t.SessionID == "" {
			continue
		}
		totals := out[t.SessionID]
		class := t.Class
		if class == "" {
			if c, err := tender.ClassOf(t.Method); err == nil {
				class = c
			}
		}
		totals.Add(class, t.Amount)
		out[t.SessionID] = totals
	}
	if sale.ChangeDue > 0 && sale.SessionID != "" {
		totals := out[sale.SessionID]
		totals.Cash -= sale.ChangeDue
		out[sale.SessionID] = totals
	}
	return out
}

func confirmedCount(tenders []domain.Tender) int {
	n := 0
	for _, t := range tenders {
		if t.Status == domain.TenderConfirmed {
			n++
		}
	}
	return n
}
