package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientStock         = errors.New("insufficient stock")
	ErrInvalidQuantity           = errors.New("quantity must be positive")
	ErrDrawerAlreadyOpen         = errors.New("drawer already has an open session")
	ErrSessionNotOpen            = errors.New("cash session is not open")
	ErrSessionClosedCannotAdjust = errors.New("cash session is closed")
	ErrAlreadySettled            = errors.New("transaction already settled")
	ErrPaymentInsufficient       = errors.New("tendered amount is less than amount due")
	ErrInsufficientFunds         = errors.New("insufficient cash in drawer")
	ErrAmountMustBePositive      = errors.New("amount must be positive")
	ErrUnknownTaxClass           = errors.New("unknown tax class")
	ErrNoTendersProvided         = errors.New("no tenders provided")

	ErrAlreadyVoided         = errors.New("transaction already voided")
	ErrAlreadyReversed       = errors.New("movements already reversed")
	ErrOverpayment           = errors.New("payment exceeds outstanding balance")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrUnknownTenderMethod   = errors.New("unknown tender method")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrLedgerMismatch        = errors.New("stock ledger does not match running stock")
	ErrInvoiceRangeExhausted = errors.New("authorised invoice range exhausted")
	ErrInvalidInput          = errors.New("invalid input")
)

// StockError carries the product and quantities behind ErrInsufficientStock.
type StockError struct {
	ProductID string
	Requested int64
	Available int64
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }

// FundsError carries the drawer balance behind ErrInsufficientFunds.
type FundsError struct {
	SessionID string
	Requested int64
	Available int64
}

func (e *FundsError) Error() string {
	return fmt.Sprintf("insufficient cash in session %s: requested %d, available %d", e.SessionID, e.Requested, e.Available)
}

func (e *FundsError) Unwrap() error { return ErrInsufficientFunds }

// ValidationError wraps a sentinel with field level details.
type ValidationError struct {
	Err     error
	Details map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Err.Error(), e.Details)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func Invalid(err error, field string, msg string) *ValidationError {
	return &ValidationError{Err: err, Details: map[string]string{field: msg}}
}
