package domain

// Closed value sets. Every status field in the ledger is one of these types;
// the zero value is never a valid state.

type TaxClass string

const (
	TaxStandard10 TaxClass = "standard10"
	TaxReduced5   TaxClass = "reduced5"
	TaxExempt     TaxClass = "exempt"
)

func (c TaxClass) Valid() bool {
	switch c {
	case TaxStandard10, TaxReduced5, TaxExempt:
		return true
	}
	return false
}

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

func (d Direction) Valid() bool {
	return d == DirectionIn || d == DirectionOut
}

// Opposite is the direction of a compensating movement.
func (d Direction) Opposite() Direction {
	if d == DirectionIn {
		return DirectionOut
	}
	return DirectionIn
}

// Sign is +1 for stock-in and -1 for stock-out.
func (d Direction) Sign() int64 {
	if d == DirectionIn {
		return 1
	}
	return -1
}

type MovementReason string

const (
	ReasonSale               MovementReason = "sale"
	ReasonPurchasePaid       MovementReason = "purchase_paid"
	ReasonManualAdjustment   MovementReason = "manual_adjustment"
	ReasonSaleVoidReversal   MovementReason = "sale_void_reversal"
	ReasonServiceConsumption MovementReason = "service_consumption"
)

func (r MovementReason) Valid() bool {
	switch r {
	case ReasonSale, ReasonPurchasePaid, ReasonManualAdjustment, ReasonSaleVoidReversal, ReasonServiceConsumption:
		return true
	}
	return false
}

// Compensates reports whether movements with this reason undo an earlier one.
func (r MovementReason) Compensates() bool {
	return r == ReasonSaleVoidReversal
}

type RefType string

const (
	RefSale       RefType = "sale"
	RefPurchase   RefType = "purchase"
	RefAdjustment RefType = "adjustment"
	RefPayable    RefType = "payable"
)

type SaleStatus string

const (
	SaleStatusPending   SaleStatus = "pending"
	SaleStatusCompleted SaleStatus = "completed"
	SaleStatusVoided    SaleStatus = "voided"
)

func (s SaleStatus) CanTransition(to SaleStatus) bool {
	switch s {
	case SaleStatusPending:
		return to == SaleStatusCompleted || to == SaleStatusVoided
	case SaleStatusCompleted:
		return to == SaleStatusVoided
	case SaleStatusVoided:
		return false
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPartial PaymentStatus = "partial"
	PaymentPaid    PaymentStatus = "paid"
)

// PaymentStatusFor derives the payment status from the applied amount.
func PaymentStatusFor(total int64, applied int64) PaymentStatus {
	switch {
	case applied >= total:
		return PaymentPaid
	case applied > 0:
		return PaymentPartial
	default:
		return PaymentPending
	}
}

type TenderStatus string

const (
	TenderConfirmed TenderStatus = "confirmed"
	TenderRejected  TenderStatus = "rejected"
)

type TenderClass string

const (
	TenderCash     TenderClass = "cash"
	TenderCard     TenderClass = "card"
	TenderTransfer TenderClass = "transfer"
	TenderCheck    TenderClass = "check"
)

// TenderClasses lists every class in reconciliation order.
var TenderClasses = []TenderClass{TenderCash, TenderCard, TenderTransfer, TenderCheck}

type SessionState string

const (
	SessionOpen        SessionState = "open"
	SessionReconciling SessionState = "reconciling"
	SessionClosed      SessionState = "closed"
)

func (s SessionState) CanTransition(to SessionState) bool {
	switch s {
	case SessionOpen:
		return to == SessionReconciling
	case SessionReconciling:
		return to == SessionClosed
	case SessionClosed:
		return false
	}
	return false
}

type DeviationClass string

const (
	DeviationBalanced DeviationClass = "balanced"
	DeviationMinor    DeviationClass = "minor"
	DeviationWarning  DeviationClass = "warning"
	DeviationCritical DeviationClass = "critical"
)

type CashMovementKind string

const (
	CashEgress  CashMovementKind = "egress"
	CashIngress CashMovementKind = "ingress"
)

type PurchaseKind string

const (
	PurchaseProduct PurchaseKind = "product"
	PurchaseService PurchaseKind = "service"
	PurchaseExpense PurchaseKind = "expense"
)

func (k PurchaseKind) Valid() bool {
	switch k {
	case PurchaseProduct, PurchaseService, PurchaseExpense:
		return true
	}
	return false
}

type PurchaseState string

const (
	PurchaseRegistered    PurchaseState = "registered"
	PurchasePartiallyPaid PurchaseState = "partially_paid"
	PurchasePaid          PurchaseState = "paid"
)

func (s PurchaseState) CanTransition(to PurchaseState) bool {
	switch s {
	case PurchaseRegistered:
		return to == PurchaseRegistered || to == PurchasePartiallyPaid || to == PurchasePaid
	case PurchasePartiallyPaid:
		return to == PurchasePartiallyPaid || to == PurchasePaid
	case PurchasePaid:
		return false
	}
	return false
}

// PurchaseStateFor derives the lifecycle state from cumulative payments.
func PurchaseStateFor(total int64, paid int64) PurchaseState {
	switch {
	case paid >= total:
		return PurchasePaid
	case paid > 0:
		return PurchasePartiallyPaid
	default:
		return PurchaseRegistered
	}
}

type PaymentOrigin string

const (
	OriginPettyCash      PaymentOrigin = "petty_cash"
	OriginExternalSource PaymentOrigin = "external_source"
	OriginDeferredCredit PaymentOrigin = "deferred_credit"
)

func (o PaymentOrigin) Valid() bool {
	switch o {
	case OriginPettyCash, OriginExternalSource, OriginDeferredCredit:
		return true
	}
	return false
}

type BalanceState string

const (
	BalancePending BalanceState = "pending"
	BalancePartial BalanceState = "partial"
	BalancePaid    BalanceState = "paid"
)

// BalanceStateFor recomputes a payable or receivable state.
func BalanceStateFor(owed int64, paid int64) BalanceState {
	switch {
	case paid >= owed:
		return BalancePaid
	case paid > 0:
		return BalancePartial
	default:
		return BalancePending
	}
}
