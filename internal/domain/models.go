package domain

import "time"

type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

type Product struct {
	ID               string    `json:"id"`
	SKU              string    `json:"sku"`
	Name             string    `json:"name"`
	TaxClass         TaxClass  `json:"tax_class"`
	Stock            int64     `json:"stock"`
	MinStock         int64     `json:"min_stock"`
	MaxStock         int64     `json:"max_stock"`
	LastPurchaseCost int64     `json:"last_purchase_cost"`
	LastSalePrice    int64     `json:"last_sale_price"`
	Active           bool      `json:"active"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NeedsRestock reports whether stock fell to the minimum threshold.
func (p Product) NeedsRestock() bool {
	return p.Stock <= p.MinStock
}

type StockMovement struct {
	ID          string         `json:"id"`
	ProductID   string         `json:"product_id"`
	Direction   Direction      `json:"direction"`
	Quantity    int64          `json:"quantity"`
	StockBefore int64          `json:"stock_before"`
	StockAfter  int64          `json:"stock_after"`
	Reason      MovementReason `json:"reason"`
	RefType     RefType        `json:"ref_type"`
	RefID       string         `json:"ref_id"`
	ReversesID  string         `json:"reverses_id,omitempty"`
	UnitCost    int64          `json:"unit_cost,omitempty"`
	Actor       string         `json:"actor"`
	Note        string         `json:"note,omitempty"`
	Seq         int64          `json:"seq"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Delta is the signed change this movement applied to stock.
func (m StockMovement) Delta() int64 {
	return m.Direction.Sign() * m.Quantity
}

type SaleLine struct {
	LineNo      int      `json:"line_no"`
	ProductID   string   `json:"product_id,omitempty"`
	Description string   `json:"description"`
	Quantity    int64    `json:"quantity"`
	UnitPrice   int64    `json:"unit_price"`
	Discount    int64    `json:"discount"`
	LineTotal   int64    `json:"line_total"`
	TaxClass    TaxClass `json:"tax_class"`
	TaxBase     int64    `json:"tax_base"`
	TaxAmount   int64    `json:"tax_amount"`
}

// Physical reports whether the line moves stock.
func (l SaleLine) Physical() bool {
	return l.ProductID != ""
}

type Sale struct {
	ID            string        `json:"id"`
	InvoiceNumber string        `json:"invoice_number,omitempty"`
	CustomerID    string        `json:"customer_id"`
	Lines         []SaleLine    `json:"lines"`
	Subtotal      int64         `json:"subtotal"`
	Tax           int64         `json:"tax"`
	Total         int64         `json:"total"`
	Status        SaleStatus    `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	CreditDays    int           `json:"credit_days"`
	DueDate       *time.Time    `json:"due_date,omitempty"`
	SessionID     string        `json:"session_id,omitempty"`
	AmountPaid    int64         `json:"amount_paid"`
	ChangeDue     int64         `json:"change_due"`
	NonCashExcess int64         `json:"non_cash_excess"`
	Tenders       []Tender      `json:"tenders,omitempty"`
	CreatedBy     string        `json:"created_by"`
	CreatedAt     time.Time     `json:"created_at"`
	SettledAt     *time.Time    `json:"settled_at,omitempty"`
	VoidedAt      *time.Time    `json:"voided_at,omitempty"`
	VoidReason    string        `json:"void_reason,omitempty"`
}

// Credit reports whether the sale was agreed on credit terms.
func (s Sale) Credit() bool {
	return s.CreditDays > 0
}

// Outstanding is what the customer still owes.
func (s Sale) Outstanding() int64 {
	if s.AmountPaid >= s.Total {
		return 0
	}
	return s.Total - s.AmountPaid
}

type Tender struct {
	ID        string       `json:"id"`
	SaleID    string       `json:"sale_id"`
	Method    string       `json:"method"`
	Class     TenderClass  `json:"class"`
	Amount    int64        `json:"amount"`
	Reference string       `json:"reference,omitempty"`
	Bank      string       `json:"bank,omitempty"`
	Status    TenderStatus `json:"status"`
	SessionID string       `json:"session_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// ClassTotals is an amount per tender class.
type ClassTotals struct {
	Cash     int64 `json:"cash"`
	Card     int64 `json:"card"`
	Transfer int64 `json:"transfer"`
	Check    int64 `json:"check"`
}

func (t ClassTotals) Get(class TenderClass) int64 {
	switch class {
	case TenderCash:
		return t.Cash
	case TenderCard:
		return t.Card
	case TenderTransfer:
		return t.Transfer
	case TenderCheck:
		return t.Check
	}
	return 0
}

func (t *ClassTotals) Add(class TenderClass, amount int64) {
	switch class {
	case TenderCash:
		t.Cash += amount
	case TenderCard:
		t.Card += amount
	case TenderTransfer:
		t.Transfer += amount
	case TenderCheck:
		t.Check += amount
	}
}

func (t ClassTotals) Sum() int64 {
	return t.Cash + t.Card + t.Transfer + t.Check
}

type CashSession struct {
	ID            string         `json:"id"`
	DrawerID      string         `json:"drawer_id"`
	OperatorID    string         `json:"operator_id"`
	OpeningFloat  int64          `json:"opening_float"`
	State         SessionState   `json:"state"`
	SalesByClass  ClassTotals    `json:"sales_by_class"`
	CashEgress    int64          `json:"cash_egress"`
	Expected      *ClassTotals   `json:"expected,omitempty"`
	Counted       *ClassTotals   `json:"counted,omitempty"`
	Difference    *ClassTotals   `json:"difference,omitempty"`
	OverallDiff   int64          `json:"overall_difference"`
	DeviationPct  string         `json:"deviation_pct,omitempty"`
	Deviation     DeviationClass `json:"deviation,omitempty"`
	Notes         string         `json:"notes,omitempty"`
	OpenedAt      time.Time      `json:"opened_at"`
	ReconcilingAt *time.Time     `json:"reconciling_at,omitempty"`
	ClosedAt      *time.Time     `json:"closed_at,omitempty"`
}

// ExpectedCash is float plus net cash from sales minus petty cash egress.
func (s CashSession) ExpectedCash() int64 {
	return s.OpeningFloat + s.SalesByClass.Cash - s.CashEgress
}

// ExpectedTotals is the per-class amount the drawer should hold.
func (s CashSession) ExpectedTotals() ClassTotals {
	out := s.SalesByClass
	out.Cash = s.ExpectedCash()
	return out
}

type CashMovement struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	Kind      CashMovementKind `json:"kind"`
	Concept   string           `json:"concept"`
	Amount    int64            `json:"amount"`
	RefType   RefType          `json:"ref_type"`
	RefID     string           `json:"ref_id"`
	Actor     string           `json:"actor"`
	CreatedAt time.Time        `json:"created_at"`
}

type PurchaseLine struct {
	LineNo      int    `json:"line_no"`
	ProductID   string `json:"product_id,omitempty"`
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitCost    int64  `json:"unit_cost"`
	Subtotal    int64  `json:"subtotal"`
}

type Purchase struct {
	ID            string         `json:"id"`
	Number        string         `json:"number"`
	SupplierID    string         `json:"supplier_id"`
	Kind          PurchaseKind   `json:"kind"`
	Lines         []PurchaseLine `json:"lines"`
	Total         int64          `json:"total"`
	Tax           int64          `json:"tax"`
	TaxClass      TaxClass       `json:"tax_class"`
	State         PurchaseState  `json:"state"`
	StockApplied  bool           `json:"stock_applied"`
	AmountPaid    int64          `json:"amount_paid"`
	CreditDays    int            `json:"credit_days"`
	CreditDueDate *time.Time     `json:"credit_due_date,omitempty"`
	CreatedBy     string         `json:"created_by"`
	CreatedAt     time.Time      `json:"created_at"`
}

func (p Purchase) Outstanding() int64 {
	if p.AmountPaid >= p.Total {
		return 0
	}
	return p.Total - p.AmountPaid
}

type PurchasePayment struct {
	ID             string        `json:"id"`
	PurchaseID     string        `json:"purchase_id"`
	PayableID      string        `json:"payable_id,omitempty"`
	Amount         int64         `json:"amount"`
	Origin         PaymentOrigin `json:"origin"`
	SessionID      string        `json:"session_id,omitempty"`
	CashMovementID string        `json:"cash_movement_id,omitempty"`
	Reference      string        `json:"reference,omitempty"`
	Actor          string        `json:"actor"`
	PaidAt         time.Time     `json:"paid_at"`
}

// Balance is a payable (owner is a purchase) or a receivable (owner is a sale).
type Balance struct {
	ID             string       `json:"id"`
	OwnerID        string       `json:"owner_id"`
	CounterpartyID string       `json:"counterparty_id"`
	AmountOwed     int64        `json:"amount_owed"`
	AmountPaid     int64        `json:"amount_paid"`
	DueDate        *time.Time   `json:"due_date,omitempty"`
	State          BalanceState `json:"state"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func (b Balance) Outstanding() int64 {
	if b.AmountPaid >= b.AmountOwed {
		return 0
	}
	return b.AmountOwed - b.AmountPaid
}

type (
	PayableBalance    = Balance
	ReceivableBalance = Balance
)

type InvoiceSequence struct {
	Establishment string `json:"establishment"`
	Expedition    string `json:"expedition"`
	Next          int64  `json:"next"`
	Last          int64  `json:"last"`
}

type AuditEvent struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Actor      string         `json:"actor"`
	DrawerID   string         `json:"drawer_id,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	At         time.Time      `json:"at"`
}

// Requests and responses for the service layer.

type ProductUpsertRequest struct {
	SKU           string   `json:"sku"`
	Name          string   `json:"name"`
	TaxClass      TaxClass `json:"tax_class"`
	MinStock      int64    `json:"min_stock"`
	MaxStock      int64    `json:"max_stock"`
	LastSalePrice int64    `json:"last_sale_price"`
	Active        *bool    `json:"active"`
}

type StockAdjustmentRequest struct {
	Direction Direction      `json:"direction"`
	Quantity  int64          `json:"quantity"`
	Reason    MovementReason `json:"reason"`
	Note      string         `json:"note"`
}

type SessionOpenRequest struct {
	DrawerID     string `json:"drawer_id"`
	OpeningFloat int64  `json:"opening_float"`
	Notes        string `json:"notes"`
}

type SessionCloseRequest struct {
	Counted ClassTotals `json:"counted"`
	Notes   string      `json:"notes"`
}

type SaleLineRequest struct {
	ProductID   string   `json:"product_id"`
	Description string   `json:"description"`
	Quantity    int64    `json:"quantity"`
	UnitPrice   int64    `json:"unit_price"`
	Discount    int64    `json:"discount"`
	TaxClass    TaxClass `json:"tax_class"`
}

type SaleCreateRequest struct {
	CustomerID string            `json:"customer_id"`
	Lines      []SaleLineRequest `json:"lines"`
	CreditDays int               `json:"credit_days"`
}

type TenderRequest struct {
	Method    string       `json:"method"`
	Amount    int64        `json:"amount"`
	Reference string       `json:"reference"`
	Bank      string       `json:"bank"`
	Status    TenderStatus `json:"status"`
}

type SettleSaleRequest struct {
	SessionID string          `json:"session_id"`
	Tenders   []TenderRequest `json:"tenders"`
}

type SettleSaleResponse struct {
	Sale          Sale               `json:"sale"`
	TotalTendered int64              `json:"total_tendered"`
	ChangeDue     int64              `json:"change_due"`
	Warnings      []string           `json:"warnings,omitempty"`
	Receivable    *ReceivableBalance `json:"receivable,omitempty"`
	Movements     []StockMovement    `json:"movements"`
}

type VoidSaleRequest struct {
	Reason string `json:"reason"`
}

type PurchaseLineRequest struct {
	ProductID   string `json:"product_id"`
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitCost    int64  `json:"unit_cost"`
}

type PurchaseCreateRequest struct {
	Number     string                `json:"number"`
	SupplierID string                `json:"supplier_id"`
	Kind       PurchaseKind          `json:"kind"`
	TaxClass   TaxClass              `json:"tax_class"`
	Lines      []PurchaseLineRequest `json:"lines"`
}

type PayPurchaseRequest struct {
	Amount     int64         `json:"amount"`
	Origin     PaymentOrigin `json:"origin"`
	SessionID  string        `json:"session_id"`
	Reference  string        `json:"reference"`
	CreditDays int           `json:"credit_days"`
}

type PayPurchaseResponse struct {
	Purchase     Purchase         `json:"purchase"`
	Payment      *PurchasePayment `json:"payment,omitempty"`
	Payable      *PayableBalance  `json:"payable,omitempty"`
	CashMovement *CashMovement    `json:"cash_movement,omitempty"`
	Movements    []StockMovement  `json:"movements,omitempty"`
	Session      *CashSession     `json:"session,omitempty"`
}

type SessionSummary struct {
	Session       CashSession              `json:"session"`
	Expected      ClassTotals              `json:"expected"`
	SaleCount     int                      `json:"sale_count"`
	SalesTotal    int64                    `json:"sales_total"`
	ByMethod      map[string]MethodSummary `json:"by_method"`
	CashMovements []CashMovement           `json:"cash_movements"`
}

type MethodSummary struct {
	Count int   `json:"count"`
	Total int64 `json:"total"`
}

type SaleFilter struct {
	SessionID     string
	Status        SaleStatus
	PaymentStatus PaymentStatus
	Limit         int
}

type StockDiscrepancy struct {
	ProductID     string `json:"product_id"`
	RunningStock  int64  `json:"running_stock"`
	ReplayedStock int64  `json:"replayed_stock"`
	BrokenAtID    string `json:"broken_at_id,omitempty"`
	Problem       string `json:"problem"`
}
