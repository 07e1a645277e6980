// Package tender validates payment tenders against an amount due.
package tender

import (
	"fmt"
	"strings"

	"cashledger/backend/internal/domain"
)

var methodClasses = map[string]domain.TenderClass{
	"cash":          domain.TenderCash,
	"card":          domain.TenderCard,
	"credit_card":   domain.TenderCard,
	"debit_card":    domain.TenderCard,
	"qr":            domain.TenderCard,
	"transfer":      domain.TenderTransfer,
	"bank_transfer": domain.TenderTransfer,
	"ewallet":       domain.TenderTransfer,
	"check":         domain.TenderCheck,
	"cheque":        domain.TenderCheck,
}

// NormalizeMethod lowercases and trims a payment method identifier.
func NormalizeMethod(method string) string {
	return strings.ToLower(strings.TrimSpace(method))
}

// ClassOf maps a payment method identifier to its reconciliation class.
func ClassOf(method string) (domain.TenderClass, error) {
	class, ok := methodClasses[NormalizeMethod(method)]
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownTenderMethod, method)
	}
	return class, nil
}

// Result is the outcome of validating a set of tenders.
type Result struct {
	TotalTendered int64              `json:"total_tendered"`
	CashTendered  int64              `json:"cash_tendered"`
	ChangeDue     int64              `json:"change_due"`
	NonCashExcess int64              `json:"non_cash_excess"`
	Applied       int64              `json:"applied"`
	ByClass       domain.ClassTotals `json:"by_class"`
	Warnings      []string           `json:"warnings,omitempty"`
}

// Validate sums confirmed tenders and computes change. Change is only ever
// returned out of cash, so ChangeDue never exceeds CashTendered. ByClass is
// what the drawer keeps per class: cash is counted net of change.
func Validate(tenders []domain.Tender, due int64) (Result, error) {
	if due < 0 {
		return Result{}, domain.Invalid(domain.ErrInvalidAmount, "due", "must not be negative")
	}

	var res Result
	confirmed := 0
	for i, t := range tenders {
		if t.Status == domain.TenderRejected {
			continue
		}
		if t.Amount <= 0 {
			return Result{}, domain.Invalid(domain.ErrAmountMustBePositive, fmt.Sprintf("tenders[%d].amount", i), "must be positive")
		}
		class := t.Class
		if class == "" {
			c, err := ClassOf(t.Method)
			if err != nil {
				return Result{}, err
			}
			class = c
		}
		confirmed++
		res.TotalTendered += t.Amount
		res.ByClass.Add(class, t.Amount)
		if class == domain.TenderCash {
			res.CashTendered += t.Amount
		}
	}

	if confirmed == 0 && due > 0 {
		return Result{}, domain.ErrNoTendersProvided
	}

	excess := res.TotalTendered - due
	if excess < 0 {
		excess = 0
	}
	res.ChangeDue = min(excess, res.CashTendered)
	res.NonCashExcess = excess - res.ChangeDue
	res.Applied = res.TotalTendered - excess
	res.ByClass.Cash -= res.ChangeDue
	if res.NonCashExcess > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("non-cash overpayment of %d is not returned as change", res.NonCashExcess))
	}
	return res, nil
}

// Build turns request tenders into domain tenders with classes resolved.
func Build(reqs []domain.TenderRequest) ([]domain.Tender, error) {
	out := make([]domain.Tender, 0, len(reqs))
	for i, req := range reqs {
		class, err := ClassOf(req.Method)
		if err != nil {
			return nil, err
		}
		status := req.Status
		switch status {
		case "":
			status = domain.TenderConfirmed
		case domain.TenderConfirmed, domain.TenderRejected:
		default:
			return nil, domain.Invalid(domain.ErrInvalidInput, fmt.Sprintf("tenders[%d].status", i), "must be confirmed or rejected")
		}
		out = append(out, domain.Tender{
			Method:    NormalizeMethod(req.Method),
			Class:     class,
			Amount:    req.Amount,
			Reference: strings.TrimSpace(req.Reference),
			Bank:      strings.TrimSpace(req.Bank),
			Status:    status,
		})
	}
	return out, nil
}
