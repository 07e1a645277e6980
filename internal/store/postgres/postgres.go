package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"cashledger/backend/internal/domain"
	"cashledger/backend/internal/store"
)

//go:embed schema.sql
var schema string

// serializable units of work are retried this many times on a
// serialization failure or deadlock before the error is returned.
const maxTxAttempts = 3

type Store struct {
	db *sql.DB
}

var _ store.Repository = (*Store)(nil)

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates missing tables and indexes. It is safe to run on every boot.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// InTx runs fn in a serializable transaction. On a serialization failure or
// deadlock the whole of fn is run again in a fresh transaction, up to
// maxTxAttempts times, so fn must not keep state across calls.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !isRetryable(err) {
			return err
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func forUpdate(lock bool) string {
	if lock {
		return " FOR UPDATE"
	}
	return ""
}

// products and movements

const productColumns = `id, sku, name, tax_class, stock, min_stock, max_stock, last_purchase_cost, last_sale_price, active, updated_at`

func scanProduct(row scanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.TaxClass, &p.Stock, &p.MinStock, &p.MaxStock, &p.LastPurchaseCost, &p.LastSalePrice, &p.Active, &p.UpdatedAt)
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, err
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

const movementColumns = `seq, id, product_id, direction, quantity, stock_before, stock_after, reason, ref_type, ref_id, reverses_id, unit_cost, actor, note, created_at`

func scanMovements(rows *sql.Rows) ([]domain.StockMovement, error) {
	defer rows.Close()

	out := make([]domain.StockMovement, 0)
	for rows.Next() {
		var mv domain.StockMovement
		var reverses sql.NullString
		if err := rows.Scan(&mv.Seq, &mv.ID, &mv.ProductID, &mv.Direction, &mv.Quantity, &mv.StockBefore, &mv.StockAfter,
			&mv.Reason, &mv.RefType, &mv.RefID, &reverses, &mv.UnitCost, &mv.Actor, &mv.Note, &mv.CreatedAt); err != nil {
			return nil, err
		}
		mv.ReversesID = reverses.String
		mv.CreatedAt = mv.CreatedAt.UTC()
		out = append(out, mv)
	}
	return out, rows.Err()
}

func (s *Store) ListMovements(ctx context.Context, productID string) ([]domain.StockMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE ($1 = '' OR product_id = $1)
		ORDER BY seq
	`, productID)
	if err != nil {
		return nil, err
	}
	return scanMovements(rows)
}

// sales

const saleColumns = `id, invoice_number, customer_id, lines, subtotal, tax, total, status, payment_status, credit_days,
	due_date, session_id, amount_paid, change_due, non_cash_excess, created_by, created_at, settled_at, voided_at, void_reason`

func scanSale(row scanner) (domain.Sale, error) {
	var sale domain.Sale
	var invoice, sessionID sql.NullString
	var due, settled, voided sql.NullTime
	var lines []byte
	err := row.Scan(&sale.ID, &invoice, &sale.CustomerID, &lines, &sale.Subtotal, &sale.Tax, &sale.Total, &sale.Status,
		&sale.PaymentStatus, &sale.CreditDays, &due, &sessionID, &sale.AmountPaid, &sale.ChangeDue, &sale.NonCashExcess,
		&sale.CreatedBy, &sale.CreatedAt, &settled, &voided, &sale.VoidReason)
	if err != nil {
		return domain.Sale{}, err
	}
	if err := json.Unmarshal(lines, &sale.Lines); err != nil {
		return domain.Sale{}, fmt.Errorf("decode sale %s lines: %w", sale.ID, err)
	}
	sale.InvoiceNumber = invoice.String
	sale.SessionID = sessionID.String
	sale.CreatedAt = sale.CreatedAt.UTC()
	sale.DueDate = timePtr(due)
	sale.SettledAt = timePtr(settled)
	sale.VoidedAt = timePtr(voided)
	return sale, nil
}

const tenderColumns = `id, sale_id, method, class, amount, reference, bank, status, session_id, created_at`

func scanTenders(rows *sql.Rows) ([]domain.Tender, error) {
	defer rows.Close()

	out := make([]domain.Tender, 0)
	for rows.Next() {
		var t domain.Tender
		var sessionID sql.NullString
		if err := rows.Scan(&t.ID, &t.SaleID, &t.Method, &t.Class, &t.Amount, &t.Reference, &t.Bank, &t.Status, &sessionID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.SessionID = sessionID.String
		t.CreatedAt = t.CreatedAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func loadSale(ctx context.Context, q querier, id string, lock bool) (*domain.Sale, error) {
	sale, err := scanSale(q.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`+forUpdate(lock), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `SELECT `+tenderColumns+` FROM sale_tenders WHERE sale_id = $1 ORDER BY created_at, id`, id)
	if err != nil {
		return nil, err
	}
	tenders, err := scanTenders(rows)
	if err != nil {
		return nil, err
	}
	if len(tenders) > 0 {
		sale.Tenders = tenders
	}
	return &sale, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return loadSale(ctx, s.db, id, false)
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE ($1 = '' OR session_id = $1)
			AND ($2 = '' OR status = $2)
			AND ($3 = '' OR payment_status = $3)
		ORDER BY created_at DESC, id
		LIMIT $4
	`, filter.SessionID, string(filter.Status), string(filter.PaymentStatus), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return sales, nil
	}

	tenderRows, err := s.db.QueryContext(ctx, `SELECT `+tenderColumns+` FROM sale_tenders WHERE sale_id = ANY($1) ORDER BY created_at, id`, ids)
	if err != nil {
		return nil, err
	}
	tenders, err := scanTenders(tenderRows)
	if err != nil {
		return nil, err
	}
	bySale := make(map[string][]domain.Tender, len(ids))
	for _, t := range tenders {
		bySale[t.SaleID] = append(bySale[t.SaleID], t)
	}
	for i := range sales {
		sales[i].Tenders = bySale[sales[i].ID]
	}
	return sales, nil
}

// sessions

const sessionColumns = `id, drawer_id, operator_id, opening_float, state, sales_cash, sales_card, sales_transfer, sales_check,
	cash_egress, expected, counted, difference, overall_difference, deviation_pct, deviation, notes, opened_at, reconciling_at, closed_at`

func scanSession(row scanner) (domain.CashSession, error) {
	var s domain.CashSession
	var expected, counted, difference []byte
	var reconciling, closed sql.NullTime
	err := row.Scan(&s.ID, &s.DrawerID, &s.OperatorID, &s.OpeningFloat, &s.State,
		&s.SalesByClass.Cash, &s.SalesByClass.Card, &s.SalesByClass.Transfer, &s.SalesByClass.Check,
		&s.CashEgress, &expected, &counted, &difference, &s.OverallDiff, &s.DeviationPct, &s.Deviation, &s.Notes,
		&s.OpenedAt, &reconciling, &closed)
	if err != nil {
		return domain.CashSession{}, err
	}
	for _, col := range []struct {
		raw []byte
		dst **domain.ClassTotals
	}{{expected, &s.Expected}, {counted, &s.Counted}, {difference, &s.Difference}} {
		if len(col.raw) == 0 {
			continue
		}
		var totals domain.ClassTotals
		if err := json.Unmarshal(col.raw, &totals); err != nil {
			return domain.CashSession{}, fmt.Errorf("decode session %s totals: %w", s.ID, err)
		}
		*col.dst = &totals
	}
	s.OpenedAt = s.OpenedAt.UTC()
	s.ReconcilingAt = timePtr(reconciling)
	s.ClosedAt = timePtr(closed)
	return s, nil
}

func loadSession(ctx context.Context, q querier, where string, arg string, lock bool) (*domain.CashSession, error) {
	session, err := scanSession(q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM cash_sessions WHERE `+where+forUpdate(lock), arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.CashSession, error) {
	return loadSession(ctx, s.db, `id = $1`, id, false)
}

func (s *Store) FindOpenSession(ctx context.Context, drawerID string) (*domain.CashSession, error) {
	return loadSession(ctx, s.db, `drawer_id = $1 AND state = 'open'`, drawerID, false)
}

func (s *Store) ListSessionTenders(ctx context.Context, sessionID string) ([]domain.Tender, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tenderColumns+` FROM sale_tenders WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	return scanTenders(rows)
}

func (s *Store) ListCashMovements(ctx context.Context, sessionID string) ([]domain.CashMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, concept, amount, ref_type, ref_id, actor, created_at
		FROM cash_movements
		WHERE session_id = $1
		ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.CashMovement, 0)
	for rows.Next() {
		var m domain.CashMovement
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Kind, &m.Concept, &m.Amount, &m.RefType, &m.RefID, &m.Actor, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// purchases and balances

const purchaseColumns = `id, number, supplier_id, kind, lines, total, tax, tax_class, state, stock_applied, amount_paid,
	credit_days, credit_due_date, created_by, created_at`

func scanPurchase(row scanner) (domain.Purchase, error) {
	var p domain.Purchase
	var lines []byte
	var due sql.NullTime
	err := row.Scan(&p.ID, &p.Number, &p.SupplierID, &p.Kind, &lines, &p.Total, &p.Tax, &p.TaxClass, &p.State,
		&p.StockApplied, &p.AmountPaid, &p.CreditDays, &due, &p.CreatedBy, &p.CreatedAt)
	if err != nil {
		return domain.Purchase{}, err
	}
	if err := json.Unmarshal(lines, &p.Lines); err != nil {
		return domain.Purchase{}, fmt.Errorf("decode purchase %s lines: %w", p.ID, err)
	}
	p.CreditDueDate = timePtr(due)
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func loadPurchase(ctx context.Context, q querier, id string, lock bool) (*domain.Purchase, error) {
	p, err := scanPurchase(q.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`+forUpdate(lock), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetPurchase(ctx context.Context, id string) (*domain.Purchase, error) {
	return loadPurchase(ctx, s.db, id, false)
}

func (s *Store) ListPurchasePayments(ctx context.Context, purchaseID string) ([]domain.PurchasePayment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, purchase_id, payable_id, amount, origin, session_id, cash_movement_id, reference, actor, paid_at
		FROM purchase_payments
		WHERE purchase_id = $1
		ORDER BY paid_at, id
	`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.PurchasePayment, 0)
	for rows.Next() {
		var p domain.PurchasePayment
		var payableID, sessionID, movementID sql.NullString
		if err := rows.Scan(&p.ID, &p.PurchaseID, &payableID, &p.Amount, &p.Origin, &sessionID, &movementID, &p.Reference, &p.Actor, &p.PaidAt); err != nil {
			return nil, err
		}
		p.PayableID = payableID.String
		p.SessionID = sessionID.String
		p.CashMovementID = movementID.String
		p.PaidAt = p.PaidAt.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// balanceTable names the table and owner column of payables or receivables.
type balanceTable struct {
	name  string
	owner string
}

var (
	payables    = balanceTable{name: "payables", owner: "purchase_id"}
	receivables = balanceTable{name: "receivables", owner: "sale_id"}
)

func (b balanceTable) columns() string {
	return `id, ` + b.owner + `, counterparty_id, amount_owed, amount_paid, due_date, state, created_at, updated_at`
}

func scanBalance(row scanner) (domain.Balance, error) {
	var b domain.Balance
	var due sql.NullTime
	err := row.Scan(&b.ID, &b.OwnerID, &b.CounterpartyID, &b.AmountOwed, &b.AmountPaid, &due, &b.State, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return domain.Balance{}, err
	}
	b.DueDate = timePtr(due)
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func (b balanceTable) load(ctx context.Context, q querier, column string, value string, lock bool) (*domain.Balance, error) {
	balance, err := scanBalance(q.QueryRowContext(ctx, `SELECT `+b.columns()+` FROM `+b.name+` WHERE `+column+` = $1`+forUpdate(lock), value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &balance, nil
}

func (b balanceTable) list(ctx context.Context, q querier, state domain.BalanceState) ([]domain.Balance, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+b.columns()+`
		FROM `+b.name+`
		WHERE ($1 = '' OR state = $1)
		ORDER BY created_at, id
	`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Balance, 0)
	for rows.Next() {
		balance, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, balance)
	}
	return out, rows.Err()
}

func (b balanceTable) save(ctx context.Context, q querier, balance domain.Balance) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO `+b.name+` (`+b.columns()+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id)
		DO UPDATE SET amount_owed = EXCLUDED.amount_owed, amount_paid = EXCLUDED.amount_paid,
			due_date = EXCLUDED.due_date, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
	`, balance.ID, balance.OwnerID, balance.CounterpartyID, balance.AmountOwed, balance.AmountPaid,
		nullTime(balance.DueDate), balance.State, balance.CreatedAt, balance.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s for %s: %w", b.name, balance.OwnerID, store.ErrConflict)
		}
		return err
	}
	return nil
}

func (s *Store) GetPayable(ctx context.Context, id string) (*domain.PayableBalance, error) {
	return payables.load(ctx, s.db, "id", id, false)
}

func (s *Store) ListPayables(ctx context.Context, state domain.BalanceState) ([]domain.PayableBalance, error) {
	return payables.list(ctx, s.db, state)
}

func (s *Store) GetReceivableBySale(ctx context.Context, saleID string) (*domain.ReceivableBalance, error) {
	return receivables.load(ctx, s.db, "sale_id", saleID, false)
}

func (s *Store) ListReceivables(ctx context.Context, state domain.BalanceState) ([]domain.ReceivableBalance, error) {
	return receivables.list(ctx, s.db, state)
}

// pgTx is one serializable transaction. Lock methods use SELECT ... FOR UPDATE.
type pgTx struct {
	tx *sql.Tx
}

// LockProducts locks rows in id order so concurrent settlements touching
// the same products cannot deadlock.
func (t *pgTx) LockProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, sorted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]domain.Product, len(sorted))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range sorted {
		if _, ok := out[id]; !ok {
			return nil, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
		}
	}
	return out, nil
}

func (t *pgTx) SaveProduct(ctx context.Context, p domain.Product) error {
	if p.ID == "" {
		return store.ErrConflict
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id)
		DO UPDATE SET sku = EXCLUDED.sku, name = EXCLUDED.name, tax_class = EXCLUDED.tax_class, stock = EXCLUDED.stock,
			min_stock = EXCLUDED.min_stock, max_stock = EXCLUDED.max_stock, last_purchase_cost = EXCLUDED.last_purchase_cost,
			last_sale_price = EXCLUDED.last_sale_price, active = EXCLUDED.active, updated_at = EXCLUDED.updated_at
	`, p.ID, p.SKU, p.Name, p.TaxClass, p.Stock, p.MinStock, p.MaxStock, p.LastPurchaseCost, p.LastSalePrice, p.Active, p.UpdatedAt)
	return err
}

func (t *pgTx) AppendMovement(ctx context.Context, mv domain.StockMovement) (domain.StockMovement, error) {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO stock_movements (
			id, product_id, direction, quantity, stock_before, stock_after, reason,
			ref_type, ref_id, reverses_id, unit_cost, actor, note, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING seq
	`, mv.ID, mv.ProductID, mv.Direction, mv.Quantity, mv.StockBefore, mv.StockAfter, mv.Reason,
		mv.RefType, mv.RefID, nullIfEmpty(mv.ReversesID), mv.UnitCost, mv.Actor, mv.Note, mv.CreatedAt).Scan(&mv.Seq)
	if err != nil {
		return domain.StockMovement{}, err
	}
	return mv, nil
}

func (t *pgTx) MovementsByRef(ctx context.Context, refType domain.RefType, refID string) ([]domain.StockMovement, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE ref_type = $1 AND ref_id = $2
		ORDER BY seq
	`, refType, refID)
	if err != nil {
		return nil, err
	}
	return scanMovements(rows)
}

func saleArgs(sale domain.Sale) ([]any, error) {
	lines, err := json.Marshal(sale.Lines)
	if err != nil {
		return nil, err
	}
	return []any{
		sale.ID, nullIfEmpty(sale.InvoiceNumber), sale.CustomerID, string(lines), sale.Subtotal, sale.Tax, sale.Total,
		sale.Status, sale.PaymentStatus, sale.CreditDays, nullTime(sale.DueDate), nullIfEmpty(sale.SessionID),
		sale.AmountPaid, sale.ChangeDue, sale.NonCashExcess, sale.CreatedBy, sale.CreatedAt,
		nullTime(sale.SettledAt), nullTime(sale.VoidedAt), sale.VoidReason,
	}, nil
}

func (t *pgTx) CreateSale(ctx context.Context, sale domain.Sale) error {
	args, err := saleArgs(sale)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO sales (`+saleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, args...)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("sale %s: %w", sale.ID, store.ErrConflict)
	}
	return err
}

func (t *pgTx) LockSale(ctx context.Context, id string) (*domain.Sale, error) {
	return loadSale(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateSale(ctx context.Context, sale domain.Sale) error {
	args, err := saleArgs(sale)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales
		SET invoice_number = $2, customer_id = $3, lines = $4, subtotal = $5, tax = $6, total = $7,
			status = $8, payment_status = $9, credit_days = $10, due_date = $11, session_id = $12,
			amount_paid = $13, change_due = $14, non_cash_excess = $15, created_by = $16, created_at = $17,
			settled_at = $18, voided_at = $19, void_reason = $20
		WHERE id = $1
	`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("invoice %s: %w", sale.InvoiceNumber, store.ErrConflict)
		}
		return err
	}
	return expectOne(res)
}

func (t *pgTx) AddTenders(ctx context.Context, tenders []domain.Tender) error {
	for _, tn := range tenders {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_tenders (`+tenderColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, tn.ID, tn.SaleID, tn.Method, tn.Class, tn.Amount, tn.Reference, tn.Bank, tn.Status, nullIfEmpty(tn.SessionID), tn.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

// NextInvoiceNumber bumps the single sequence row. The row lock is held
// until the transaction ends, so a rolled back settlement releases its number.
func (t *pgTx) NextInvoiceNumber(ctx context.Context) (int64, error) {
	var next int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO invoice_sequence (id, last)
		VALUES (1, 1)
		ON CONFLICT (id)
		DO UPDATE SET last = invoice_sequence.last + 1
		RETURNING last
	`).Scan(&next)
	return next, err
}

func sessionArgs(s domain.CashSession) ([]any, error) {
	expected, err := jsonTotals(s.Expected)
	if err != nil {
		return nil, err
	}
	counted, err := jsonTotals(s.Counted)
	if err != nil {
		return nil, err
	}
	difference, err := jsonTotals(s.Difference)
	if err != nil {
		return nil, err
	}
	return []any{
		s.ID, s.DrawerID, s.OperatorID, s.OpeningFloat, s.State,
		s.SalesByClass.Cash, s.SalesByClass.Card, s.SalesByClass.Transfer, s.SalesByClass.Check,
		s.CashEgress, expected, counted, difference, s.OverallDiff, s.DeviationPct, string(s.Deviation), s.Notes,
		s.OpenedAt, nullTime(s.ReconcilingAt), nullTime(s.ClosedAt),
	}, nil
}

func (t *pgTx) CreateSession(ctx context.Context, session domain.CashSession) error {
	args, err := sessionArgs(session)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO cash_sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, args...)
	if err != nil {
		if violatedConstraint(err) == "cash_sessions_one_open_per_drawer" {
			return domain.ErrDrawerAlreadyOpen
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("session %s: %w", session.ID, store.ErrConflict)
		}
		return err
	}
	return nil
}

func (t *pgTx) LockSession(ctx context.Context, id string) (*domain.CashSession, error) {
	return loadSession(ctx, t.tx, `id = $1`, id, true)
}

func (t *pgTx) LockOpenSession(ctx context.Context, drawerID string) (*domain.CashSession, error) {
	return loadSession(ctx, t.tx, `drawer_id = $1 AND state = 'open'`, drawerID, true)
}

func (t *pgTx) UpdateSession(ctx context.Context, session domain.CashSession) error {
	args, err := sessionArgs(session)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE cash_sessions
		SET drawer_id = $2, operator_id = $3, opening_float = $4, state = $5,
			sales_cash = $6, sales_card = $7, sales_transfer = $8, sales_check = $9, cash_egress = $10,
			expected = $11, counted = $12, difference = $13, overall_difference = $14,
			deviation_pct = $15, deviation = $16, notes = $17, opened_at = $18, reconciling_at = $19, closed_at = $20
		WHERE id = $1 AND state <> 'closed'
	`, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var state string
	err = t.tx.QueryRowContext(ctx, `SELECT state FROM cash_sessions WHERE id = $1`, session.ID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("session %s: %w", session.ID, domain.ErrSessionClosedCannotAdjust)
}

func (t *pgTx) AddCashMovement(ctx context.Context, m domain.CashMovement) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO cash_movements (id, session_id, kind, concept, amount, ref_type, ref_id, actor, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, m.ID, m.SessionID, m.Kind, m.Concept, m.Amount, m.RefType, m.RefID, m.Actor, m.CreatedAt)
	return err
}

func purchaseArgs(p domain.Purchase) ([]any, error) {
	lines, err := json.Marshal(p.Lines)
	if err != nil {
		return nil, err
	}
	return []any{
		p.ID, p.Number, p.SupplierID, p.Kind, string(lines), p.Total, p.Tax, p.TaxClass, p.State,
		p.StockApplied, p.AmountPaid, p.CreditDays, nullTime(p.CreditDueDate), p.CreatedBy, p.CreatedAt,
	}, nil
}

func (t *pgTx) CreatePurchase(ctx context.Context, p domain.Purchase) error {
	args, err := purchaseArgs(p)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO purchases (`+purchaseColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, args...)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("purchase %s from %s: %w", p.Number, p.SupplierID, store.ErrConflict)
	}
	return err
}

func (t *pgTx) LockPurchase(ctx context.Context, id string) (*domain.Purchase, error) {
	return loadPurchase(ctx, t.tx, id, true)
}

func (t *pgTx) UpdatePurchase(ctx context.Context, p domain.Purchase) error {
	args, err := purchaseArgs(p)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE purchases
		SET number = $2, supplier_id = $3, kind = $4, lines = $5, total = $6, tax = $7, tax_class = $8,
			state = $9, stock_applied = $10, amount_paid = $11, credit_days = $12, credit_due_date = $13,
			created_by = $14, created_at = $15
		WHERE id = $1
	`, args...)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (t *pgTx) AddPurchasePayment(ctx context.Context, p domain.PurchasePayment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO purchase_payments (id, purchase_id, payable_id, amount, origin, session_id, cash_movement_id, reference, actor, paid_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, p.ID, p.PurchaseID, nullIfEmpty(p.PayableID), p.Amount, p.Origin, nullIfEmpty(p.SessionID),
		nullIfEmpty(p.CashMovementID), p.Reference, p.Actor, p.PaidAt)
	return err
}

func (t *pgTx) LockPayable(ctx context.Context, id string) (*domain.PayableBalance, error) {
	return payables.load(ctx, t.tx, "id", id, true)
}

func (t *pgTx) LockPayableByPurchase(ctx context.Context, purchaseID string) (*domain.PayableBalance, error) {
	return payables.load(ctx, t.tx, "purchase_id", purchaseID, true)
}

func (t *pgTx) SavePayable(ctx context.Context, balance domain.PayableBalance) error {
	return payables.save(ctx, t.tx, balance)
}

func (t *pgTx) LockReceivableBySale(ctx context.Context, saleID string) (*domain.ReceivableBalance, error) {
	return receivables.load(ctx, t.tx, "sale_id", saleID, true)
}

func (t *pgTx) SaveReceivable(ctx context.Context, balance domain.ReceivableBalance) error {
	return receivables.save(ctx, t.tx, balance)
}

func expectOne(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func jsonTotals(totals *domain.ClassTotals) (any, error) {
	if totals == nil {
		return nil, nil
	}
	raw, err := json.Marshal(totals)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func violatedConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName
	}
	return ""
}

// isRetryable reports serialization failures and deadlocks.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}
