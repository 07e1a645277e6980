package store

import (
	"context"
	"errors"

	"cashledger/backend/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Repository is the persistence boundary. Reads outside InTx see committed
// state only; every mutation goes through a unit of work.
type Repository interface {
	Reader
	// InTx runs fn as one serializable unit of work. If fn returns an error
	// nothing it wrote is kept.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

type Reader interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	// ListMovements returns movements in append order; empty productID means all.
	ListMovements(ctx context.Context, productID string) ([]domain.StockMovement, error)

	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)

	GetSession(ctx context.Context, id string) (*domain.CashSession, error)
	FindOpenSession(ctx context.Context, drawerID string) (*domain.CashSession, error)
	ListSessionTenders(ctx context.Context, sessionID string) ([]domain.Tender, error)
	ListCashMovements(ctx context.Context, sessionID string) ([]domain.CashMovement, error)

	GetPurchase(ctx context.Context, id string) (*domain.Purchase, error)
	ListPurchasePayments(ctx context.Context, purchaseID string) ([]domain.PurchasePayment, error)
	GetPayable(ctx context.Context, id string) (*domain.PayableBalance, error)
	ListPayables(ctx context.Context, state domain.BalanceState) ([]domain.PayableBalance, error)
	GetReceivableBySale(ctx context.Context, saleID string) (*domain.ReceivableBalance, error)
	ListReceivables(ctx context.Context, state domain.BalanceState) ([]domain.ReceivableBalance, error)
}

// Tx is a unit of work. Lock* methods hold the row until the unit ends.
type Tx interface {
	LockProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
	SaveProduct(ctx context.Context, product domain.Product) error
	AppendMovement(ctx context.Context, movement domain.StockMovement) (domain.StockMovement, error)
	MovementsByRef(ctx context.Context, refType domain.RefType, refID string) ([]domain.StockMovement, error)

	CreateSale(ctx context.Context, sale domain.Sale) error
	LockSale(ctx context.Context, id string) (*domain.Sale, error)
	UpdateSale(ctx context.Context, sale domain.Sale) error
	AddTenders(ctx context.Context, tenders []domain.Tender) error
	NextInvoiceNumber(ctx context.Context) (int64, error)

	// CreateSession fails with domain.ErrDrawerAlreadyOpen when the drawer
	// already has an open session.
	CreateSession(ctx context.Context, session domain.CashSession) error
	LockSession(ctx context.Context, id string) (*domain.CashSession, error)
	LockOpenSession(ctx context.Context, drawerID string) (*domain.CashSession, error)
	// UpdateSession refuses to touch a session already stored as closed.
	UpdateSession(ctx context.Context, session domain.CashSession) error
	AddCashMovement(ctx context.Context, movement domain.CashMovement) error

	CreatePurchase(ctx context.Context, purchase domain.Purchase) error
	LockPurchase(ctx context.Context, id string) (*domain.Purchase, error)
	UpdatePurchase(ctx context.Context, purchase domain.Purchase) error
	AddPurchasePayment(ctx context.Context, payment domain.PurchasePayment) error

	LockPayable(ctx context.Context, id string) (*domain.PayableBalance, error)
	LockPayableByPurchase(ctx context.Context, purchaseID string) (*domain.PayableBalance, error)
	SavePayable(ctx context.Context, balance domain.PayableBalance) error
	LockReceivableBySale(ctx context.Context, saleID string) (*domain.ReceivableBalance, error)
	SaveReceivable(ctx context.Context, balance domain.ReceivableBalance) error
}
