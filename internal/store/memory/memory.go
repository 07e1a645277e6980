package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"cashledger/backend/internal/domain"
	"cashledger/backend/internal/store"
	"cashledger/backend/internal/xid"
)

// Store keeps everything in maps guarded by one mutex. A unit of work holds
// the write lock from start to finish, which makes every InTx serializable.
type Store struct {
	mu                sync.RWMutex
	products          map[string]domain.Product
	movements         []domain.StockMovement
	movementSeq       int64
	salesByID         map[string]domain.Sale
	tenders           []domain.Tender
	sessionsByID      map[string]domain.CashSession
	openSessionByDesk map[string]string
	cashMovements     []domain.CashMovement
	purchasesByID     map[string]domain.Purchase
	purchasePayments  []domain.PurchasePayment
	payablesByID      map[string]domain.Balance
	payableByPurchase map[string]string
	receivablesBySale map[string]domain.Balance
	invoiceSeq        int64
}

func New() *Store {
	return &Store{
		products:          make(map[string]domain.Product),
		salesByID:         make(map[string]domain.Sale),
		sessionsByID:      make(map[string]domain.CashSession),
		openSessionByDesk: make(map[string]string),
		purchasesByID:     make(map[string]domain.Purchase),
		payablesByID:      make(map[string]domain.Balance),
		payableByPurchase: make(map[string]string),
		receivablesBySale: make(map[string]domain.Balance),
	}
}

// NewSeeded returns a store with a small demo catalog. Opening stock is
// written as manual adjustments so the movement log replays to the counters.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	seed := []struct {
		product domain.Product
		stock   int64
	}{
		{domain.Product{ID: "SKU-RICE-1KG", SKU: "SKU-RICE-1KG", Name: "Rice 1kg", TaxClass: domain.TaxReduced5, MinStock: 10, MaxStock: 200, LastSalePrice: 9500, LastPurchaseCost: 7800}, 120},
		{domain.Product{ID: "SKU-OIL-900", SKU: "SKU-OIL-900", Name: "Sunflower Oil 900ml", TaxClass: domain.TaxReduced5, MinStock: 6, MaxStock: 80, LastSalePrice: 16500, LastPurchaseCost: 13200}, 40},
		{domain.Product{ID: "SKU-COFFEE-250", SKU: "SKU-COFFEE-250", Name: "Ground Coffee 250g", TaxClass: domain.TaxStandard10, MinStock: 5, MaxStock: 60, LastSalePrice: 27500, LastPurchaseCost: 21000}, 30},
		{domain.Product{ID: "SKU-SOAP-3", SKU: "SKU-SOAP-3", Name: "Bar Soap x3", TaxClass: domain.TaxStandard10, MinStock: 8, MaxStock: 100, LastSalePrice: 11000, LastPurchaseCost: 8200}, 64},
		{domain.Product{ID: "SKU-WATER-2L", SKU: "SKU-WATER-2L", Name: "Mineral Water 2L", TaxClass: domain.TaxStandard10, MinStock: 12, MaxStock: 240, LastSalePrice: 6000, LastPurchaseCost: 4100}, 96},
		{domain.Product{ID: "SKU-BREAD", SKU: "SKU-BREAD", Name: "Sliced Bread", TaxClass: domain.TaxExempt, MinStock: 4, MaxStock: 40, LastSalePrice: 8000, LastPurchaseCost: 5600}, 18},
	}
	for _, item := range seed {
		p := item.product
		p.Active = true
		p.Stock = item.stock
		p.UpdatedAt = now
		s.products[p.ID] = p
		s.movementSeq++
		s.movements = append(s.movements, domain.StockMovement{
			ID:          xid.New("mov"),
			ProductID:   p.ID,
			Direction:   domain.DirectionIn,
			Quantity:    item.stock,
			StockBefore: 0,
			StockAfter:  item.stock,
			Reason:      domain.ReasonManualAdjustment,
			RefType:     domain.RefAdjustment,
			RefID:       "opening-stock",
			Actor:       "system",
			Note:        "opening stock",
			Seq:         s.movementSeq,
			CreatedAt:   now,
		})
	}
	return s
}

func (s *Store) InTx(_ context.Context, fn func(tx store.Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
	}()
	if err = fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// reads

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int { return cmpString(a.ID, b.ID) })
	return products, nil
}

func (s *Store) ListMovements(_ context.Context, productID string) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.StockMovement, 0, len(s.movements))
	for _, mv := range s.movements {
		if productID != "" && mv.ProductID != productID {
			continue
		}
		out = append(out, mv)
	}
	return out, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saleLocked(id)
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Sale, 0, len(s.salesByID))
	for id, sale := range s.salesByID {
		if filter.SessionID != "" && sale.SessionID != filter.SessionID {
			continue
		}
		if filter.Status != "" && sale.Status != filter.Status {
			continue
		}
		if filter.PaymentStatus != "" && sale.PaymentStatus != filter.PaymentStatus {
			continue
		}
		full, _ := s.saleLocked(id)
		out = append(out, *full)
	}
	slices.SortFunc(out, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) GetSession(_ context.Context, id string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneSession(session)
	return &dup, nil
}

func (s *Store) FindOpenSession(_ context.Context, drawerID string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.openSessionByDesk[drawerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneSession(s.sessionsByID[id])
	return &dup, nil
}

func (s *Store) ListSessionTenders(_ context.Context, sessionID string) ([]domain.Tender, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Tender, 0)
	for _, t := range s.tenders {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) ListCashMovements(_ context.Context, sessionID string) ([]domain.CashMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.CashMovement, 0)
	for _, m := range s.cashMovements {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) GetPurchase(_ context.Context, id string) (*domain.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	purchase, ok := s.purchasesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := clonePurchase(purchase)
	return &dup, nil
}

func (s *Store) ListPurchasePayments(_ context.Context, purchaseID string) ([]domain.PurchasePayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PurchasePayment, 0)
	for _, p := range s.purchasePayments {
		if p.PurchaseID == purchaseID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) GetPayable(_ context.Context, id string) (*domain.PayableBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	balance, ok := s.payablesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &balance, nil
}

func (s *Store) ListPayables(_ context.Context, state domain.BalanceState) ([]domain.PayableBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterBalances(s.payablesByID, state), nil
}

func (s *Store) GetReceivableBySale(_ context.Context, saleID string) (*domain.ReceivableBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	balance, ok := s.receivablesBySale[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &balance, nil
}

func (s *Store) ListReceivables(_ context.Context, state domain.BalanceState) ([]domain.ReceivableBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterBalances(s.receivablesBySale, state), nil
}

func (s *Store) saleLocked(id string) (*domain.Sale, error) {
	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneSale(sale)
	for _, t := range s.tenders {
		if t.SaleID == id {
			dup.Tenders = append(dup.Tenders, t)
		}
	}
	return &dup, nil
}

// memTx writes straight into the store maps and keeps an undo log that is
// replayed backwards when the unit of work fails.
type memTx struct {
	s    *Store
	undo []func()
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memTx) LockProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		product, ok := tx.s.products[id]
		if !ok {
			return nil, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
		}
		out[id] = product
	}
	return out, nil
}

func (tx *memTx) SaveProduct(_ context.Context, product domain.Product) error {
	if product.ID == "" {
		return store.ErrConflict
	}
	tx.undo = append(tx.undo, restoreKey(tx.s.products, product.ID))
	tx.s.products[product.ID] = product
	return nil
}

func (tx *memTx) AppendMovement(_ context.Context, movement domain.StockMovement) (domain.StockMovement, error) {
	n, seq := len(tx.s.movements), tx.s.movementSeq
	tx.undo = append(tx.undo, func() {
		tx.s.movements = tx.s.movements[:n]
		tx.s.movementSeq = seq
	})
	tx.s.movementSeq++
	movement.Seq = tx.s.movementSeq
	tx.s.movements = append(tx.s.movements, movement)
	return movement, nil
}

func (tx *memTx) MovementsByRef(_ context.Context, refType domain.RefType, refID string) ([]domain.StockMovement, error) {
	var out []domain.StockMovement
	for _, mv := range tx.s.movements {
		if mv.RefType == refType && mv.RefID == refID {
			out = append(out, mv)
		}
	}
	return out, nil
}

func (tx *memTx) CreateSale(_ context.Context, sale domain.Sale) error {
	if _, exists := tx.s.salesByID[sale.ID]; exists {
		return store.ErrConflict
	}
	tx.undo = append(tx.undo, restoreKey(tx.s.salesByID, sale.ID))
	sale.Tenders = nil
	tx.s.salesByID[sale.ID] = cloneSale(sale)
	return nil
}

func (tx *memTx) LockSale(_ context.Context, id string) (*domain.Sale, error) {
	return tx.s.saleLocked(id)
}

func (tx *memTx) UpdateSale(_ context.Context, sale domain.Sale) error {
	if _, exists := tx.s.salesByID[sale.ID]; !exists {
		return store.ErrNotFound
	}
	tx.undo = append(tx.undo, restoreKey(tx.s.salesByID, sale.ID))
	sale.Tenders = nil
	tx.s.salesByID[sale.ID] = cloneSale(sale)
	return nil
}

func (tx *memTx) AddTenders(_ context.Context, tenders []domain.Tender) error {
	n := len(tx.s.tenders)
	tx.undo = append(tx.undo, func() { tx.s.tenders = tx.s.tenders[:n] })
	tx.s.tenders = append(tx.s.tenders, tenders...)
	return nil
}

func (tx *memTx) NextInvoiceNumber(_ context.Context) (int64, error) {
	prev := tx.s.invoiceSeq
	tx.undo = append(tx.undo, func() { tx.s.invoiceSeq = prev })
	tx.s.invoiceSeq++
	return tx.s.invoiceSeq, nil
}

func (tx *memTx) CreateSession(_ context.Context, session domain.CashSession) error {
	if _, open := tx.s.openSessionByDesk[session.DrawerID]; open {
		return domain.ErrDrawerAlreadyOpen
	}
	if _, exists := tx.s.sessionsByID[session.ID]; exists {
		return store.ErrConflict
	}
	tx.undo = append(tx.undo,
		restoreKey(tx.s.sessionsByID, session.ID),
		restoreKey(tx.s.openSessionByDesk, session.DrawerID),
	)
	tx.s.sessionsByID[session.ID] = cloneSession(session)
	if session.State == domain.SessionOpen {
		tx.s.openSessionByDesk[session.DrawerID] = session.ID
	}
	return nil
}

func (tx *memTx) LockSession(_ context.Context, id string) (*domain.CashSession, error) {
	session, ok := tx.s.sessionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneSession(session)
	return &dup, nil
}

func (tx *memTx) LockOpenSession(ctx context.Context, drawerID string) (*domain.CashSession, error) {
	id, ok := tx.s.openSessionByDesk[drawerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return tx.LockSession(ctx, id)
}

func (tx *memTx) UpdateSession(_ context.Context, session domain.CashSession) error {
	stored, ok := tx.s.sessionsByID[session.ID]
	if !ok {
		return store.ErrNotFound
	}
	if stored.State == domain.SessionClosed {
		return fmt.Errorf("session %s: %w", session.ID, domain.ErrSessionClosedCannotAdjust)
	}
	tx.undo = append(tx.undo,
		restoreKey(tx.s.sessionsByID, session.ID),
		restoreKey(tx.s.openSessionByDesk, stored.DrawerID),
	)
	tx.s.sessionsByID[session.ID] = cloneSession(session)
	if session.State != domain.SessionOpen && tx.s.openSessionByDesk[stored.DrawerID] == session.ID {
		delete(tx.s.openSessionByDesk, stored.DrawerID)
	}
	return nil
}

func (tx *memTx) AddCashMovement(_ context.Context, movement domain.CashMovement) error {
	n := len(tx.s.cashMovements)
	tx.undo = append(tx.undo, func() { tx.s.cashMovements = tx.s.cashMovements[:n] })
	tx.s.cashMovements = append(tx.s.cashMovements, movement)
	return nil
}

func (tx *memTx) CreatePurchase(_ context.Context, purchase domain.Purchase) error {
	if _, exists := tx.s.purchasesByID[purchase.ID]; exists {
		return store.ErrConflict
	}
	for _, existing := range tx.s.purchasesByID {
		if purchase.Number != "" && existing.SupplierID == purchase.SupplierID && existing.Number == purchase.Number {
			return store.ErrConflict
		}
	}
	tx.undo = append(tx.undo, restoreKey(tx.s.purchasesByID, purchase.ID))
	tx.s.purchasesByID[purchase.ID] = clonePurchase(purchase)
	return nil
}

func (tx *memTx) LockPurchase(_ context.Context, id string) (*domain.Purchase, error) {
	purchase, ok := tx.s.purchasesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := clonePurchase(purchase)
	return &dup, nil
}

func (tx *memTx) UpdatePurchase(_ context.Context, purchase domain.Purchase) error {
	if _, ok := tx.s.purchasesByID[purchase.ID]; !ok {
		return store.ErrNotFound
	}
	tx.undo = append(tx.undo, restoreKey(tx.s.purchasesByID, purchase.ID))
	tx.s.purchasesByID[purchase.ID] = clonePurchase(purchase)
	return nil
}

func (tx *memTx) AddPurchasePayment(_ context.Context, payment domain.PurchasePayment) error {
	n := len(tx.s.purchasePayments)
	tx.undo = append(tx.undo, func() { tx.s.purchasePayments = tx.s.purchasePayments[:n] })
	tx.s.purchasePayments = append(tx.s.purchasePayments, payment)
	return nil
}

func (tx *memTx) LockPayable(_ context.Context, id string) (*domain.PayableBalance, error) {
	balance, ok := tx.s.payablesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &balance, nil
}

func (tx *memTx) LockPayableByPurchase(ctx context.Context, purchaseID string) (*domain.PayableBalance, error) {
	id, ok := tx.s.payableByPurchase[purchaseID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return tx.LockPayable(ctx, id)
}

func (tx *memTx) SavePayable(_ context.Context, balance domain.PayableBalance) error {
	if owner, ok := tx.s.payableByPurchase[balance.OwnerID]; ok && owner != balance.ID {
		return store.ErrConflict
	}
	tx.undo = append(tx.undo,
		restoreKey(tx.s.payablesByID, balance.ID),
		restoreKey(tx.s.payableByPurchase, balance.OwnerID),
	)
	tx.s.payablesByID[balance.ID] = balance
	tx.s.payableByPurchase[balance.OwnerID] = balance.ID
	return nil
}

func (tx *memTx) LockReceivableBySale(_ context.Context, saleID string) (*domain.ReceivableBalance, error) {
	balance, ok := tx.s.receivablesBySale[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &balance, nil
}

func (tx *memTx) SaveReceivable(_ context.Context, balance domain.ReceivableBalance) error {
	if existing, ok := tx.s.receivablesBySale[balance.OwnerID]; ok && existing.ID != balance.ID {
		return store.ErrConflict
	}
	tx.undo = append(tx.undo, restoreKey(tx.s.receivablesBySale, balance.OwnerID))
	tx.s.receivablesBySale[balance.OwnerID] = balance
	return nil
}

// restoreKey captures the current value under k and returns a func that
// puts it back, or deletes k if it was absent.
func restoreKey[K comparable, V any](m map[K]V, k K) func() {
	prev, had := m[k]
	return func() {
		if had {
			m[k] = prev
			return
		}
		delete(m, k)
	}
}

func filterBalances(src map[string]domain.Balance, state domain.BalanceState) []domain.Balance {
	out := make([]domain.Balance, 0, len(src))
	for _, b := range src {
		if state != "" && b.State != state {
			continue
		}
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b domain.Balance) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

func cmpString(a string, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cloneSale(src domain.Sale) domain.Sale {
	dup := src
	lines := make([]domain.SaleLine, len(src.Lines))
	copy(lines, src.Lines)
	dup.Lines = lines
	if src.Tenders != nil {
		tenders := make([]domain.Tender, len(src.Tenders))
		copy(tenders, src.Tenders)
		dup.Tenders = tenders
	}
	return dup
}

func clonePurchase(src domain.Purchase) domain.Purchase {
	dup := src
	lines := make([]domain.PurchaseLine, len(src.Lines))
	copy(lines, src.Lines)
	dup.Lines = lines
	return dup
}

func cloneSession(src domain.CashSession) domain.CashSession {
	dup := src
	dup.Expected = cloneTotals(src.Expected)
	dup.Counted = cloneTotals(src.Counted)
	dup.Difference = cloneTotals(src.Difference)
	return dup
}

func cloneTotals(src *domain.ClassTotals) *domain.ClassTotals {
	if src == nil {
		return nil
	}
	dup := *src
	return &dup
}
