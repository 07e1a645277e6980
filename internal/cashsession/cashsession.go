// Package cashsession is the state machine of a drawer's working period:
// open while sales and petty cash flow through it, reconciling once the
// operator starts counting, closed for good after the count is recorded.
package cashsession

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"cashledger/backend/internal/domain"
	"cashledger/backend/internal/xid"
)

// Policy holds the thresholds used to classify a closing difference.
type Policy struct {
	// MinorTolerance is the absolute difference still considered minor.
	MinorTolerance int64
	// WarningPct is the percentage of the expected total up to which a
	// difference is a warning rather than critical.
	WarningPct decimal.Decimal
}

func DefaultPolicy() Policy {
	return Policy{MinorTolerance: 1000, WarningPct: decimal.NewFromInt(2)}
}

var hundred = decimal.NewFromInt(100)

// Open builds a new open session. The caller is responsible for checking
// that the drawer has no other open session under the same lock it writes with.
func Open(drawerID, operatorID string, openingFloat int64, notes string, now time.Time) (domain.CashSession, error) {
	if drawerID == "" {
		return domain.CashSession{}, domain.Invalid(domain.ErrInvalidInput, "drawer_id", "is required")
	}
	if operatorID == "" {
		return domain.CashSession{}, domain.Invalid(domain.ErrInvalidInput, "operator_id", "is required")
	}
	if openingFloat < 0 {
		return domain.CashSession{}, domain.Invalid(domain.ErrInvalidAmount, "opening_float", "must not be negative")
	}
	return domain.CashSession{
		ID:           xid.New("ses"),
		DrawerID:     drawerID,
		OperatorID:   operatorID,
		OpeningFloat: openingFloat,
		State:        domain.SessionOpen,
		Notes:        notes,
		OpenedAt:     now,
	}, nil
}

// Writable returns nil when the session still accepts sales and egress.
func Writable(s domain.CashSession) error {
	switch s.State {
	case domain.SessionOpen:
		return nil
	case domain.SessionClosed:
		return fmt.Errorf("session %s: %w", s.ID, domain.ErrSessionClosedCannotAdjust)
	default:
		return fmt.Errorf("session %s is %s: %w", s.ID, s.State, domain.ErrSessionNotOpen)
	}
}

// ApplySale adds a sale's per-class contribution.
func ApplySale(s *domain.CashSession, byClass domain.ClassTotals) error {
	if err := Writable(*s); err != nil {
		return err
	}
	if err := nonNegative(byClass); err != nil {
		return err
	}
	s.SalesByClass.Cash += byClass.Cash
	s.SalesByClass.Card += byClass.Card
	s.SalesByClass.Transfer += byClass.Transfer
	s.SalesByClass.Check += byClass.Check
	return nil
}

// ApplyRefund backs a voided sale's contribution out of the drawer. Cash
// the drawer no longer holds cannot be handed back, so expected cash never
// goes below zero.
func ApplyRefund(s *domain.CashSession, byClass domain.ClassTotals) error {
	if err := Writable(*s); err != nil {
		return err
	}
	if err := nonNegative(byClass); err != nil {
		return err
	}
	if available := s.ExpectedCash(); byClass.Cash > available {
		return &domain.FundsError{SessionID: s.ID, Requested: byClass.Cash, Available: available}
	}
	s.SalesByClass.Cash -= byClass.Cash
	s.SalesByClass.Card -= byClass.Card
	s.SalesByClass.Transfer -= byClass.Transfer
	s.SalesByClass.Check -= byClass.Check
	return nil
}

func nonNegative(t domain.ClassTotals) error {
	if t.Cash < 0 || t.Card < 0 || t.Transfer < 0 || t.Check < 0 {
		return domain.Invalid(domain.ErrInvalidAmount, "by_class", "contributions must not be negative")
	}
	return nil
}

// ApplyEgress takes petty cash out of the drawer. It never lets expected
// cash go below zero.
func ApplyEgress(s *domain.CashSession, amount int64) error {
	if err := Writable(*s); err != nil {
		return err
	}
	if amount <= 0 {
		return domain.Invalid(domain.ErrAmountMustBePositive, "amount", "must be positive")
	}
	if available := s.ExpectedCash(); amount > available {
		return &domain.FundsError{SessionID: s.ID, Requested: amount, Available: available}
	}
	s.CashEgress += amount
	return nil
}

// BeginReconciliation freezes the expected totals.
func BeginReconciliation(s *domain.CashSession, now time.Time) error {
	if !s.State.CanTransition(domain.SessionReconciling) {
		if s.State == domain.SessionClosed {
			return fmt.Errorf("session %s: %w", s.ID, domain.ErrSessionClosedCannotAdjust)
		}
		return fmt.Errorf("session %s %s -> %s: %w", s.ID, s.State, domain.SessionReconciling, domain.ErrInvalidTransition)
	}
	expected := s.ExpectedTotals()
	s.Expected = &expected
	s.State = domain.SessionReconciling
	s.ReconcilingAt = &now
	return nil
}

// CloseWithCount records the counted amounts, computes the differences and
// classifies the overall deviation. The session is terminal afterwards.
func CloseWithCount(s *domain.CashSession, counted domain.ClassTotals, policy Policy, now time.Time) error {
	if !s.State.CanTransition(domain.SessionClosed) {
		if s.State == domain.SessionClosed {
			return fmt.Errorf("session %s: %w", s.ID, domain.ErrSessionClosedCannotAdjust)
		}
		return fmt.Errorf("session %s %s -> %s: %w", s.ID, s.State, domain.SessionClosed, domain.ErrInvalidTransition)
	}
	for _, class := range domain.TenderClasses {
		if counted.Get(class) < 0 {
			return domain.Invalid(domain.ErrInvalidAmount, "counted."+string(class), "must not be negative")
		}
	}

	expected := s.ExpectedTotals()
	if s.Expected != nil {
		expected = *s.Expected
	}
	diff := domain.ClassTotals{
		Cash:     counted.Cash - expected.Cash,
		Card:     counted.Card - expected.Card,
		Transfer: counted.Transfer - expected.Transfer,
		Check:    counted.Check - expected.Check,
	}
	overall := counted.Sum() - expected.Sum()
	pct := DeviationPct(overall, expected.Sum())

	s.Expected = &expected
	s.Counted = &counted
	s.Difference = &diff
	s.OverallDiff = overall
	s.DeviationPct = pct.StringFixed(2)
	s.Deviation = Classify(overall, pct, policy)
	s.State = domain.SessionClosed
	s.ClosedAt = &now
	return nil
}

// DeviationPct is |diff| as a percentage of the expected total, rounded to
// two places. With nothing expected any difference counts as 100%.
func DeviationPct(diff, expectedTotal int64) decimal.Decimal {
	if diff == 0 {
		return decimal.Zero
	}
	abs := decimal.NewFromInt(diff).Abs()
	if expectedTotal <= 0 {
		return hundred
	}
	return abs.Mul(hundred).Div(decimal.NewFromInt(expectedTotal)).Round(2)
}

func Classify(diff int64, pct decimal.Decimal, policy Policy) domain.DeviationClass {
	if diff < 0 {
		diff = -diff
	}
	switch {
	case diff == 0:
		return domain.DeviationBalanced
	case diff <= policy.MinorTolerance:
		return domain.DeviationMinor
	case pct.LessThanOrEqual(policy.WarningPct):
		return domain.DeviationWarning
	default:
		return domain.DeviationCritical
	}
}

// Summary assembles the report of a session from its confirmed tenders and
// cash movements. Sales are counted once per distinct sale id.
func Summary(s domain.CashSession, tenders []domain.Tender, movements []domain.CashMovement) domain.SessionSummary {
	out := domain.SessionSummary{
		Session:       s,
		Expected:      s.ExpectedTotals(),
		ByMethod:      map[string]domain.MethodSummary{},
		CashMovements: append([]domain.CashMovement(nil), movements...),
	}
	if s.Expected != nil {
		out.Expected = *s.Expected
	}

	sales := map[string]struct{}{}
	for _, t := range tenders {
		if t.Status != domain.TenderConfirmed {
			continue
		}
		m := out.ByMethod[t.Method]
		m.Count++
		m.Total += t.Amount
		out.ByMethod[t.Method] = m
		sales[t.SaleID] = struct{}{}
	}
	out.SaleCount = len(sales)
	out.SalesTotal = s.SalesByClass.Sum()
	sort.SliceStable(out.CashMovements, func(i, j int) bool {
		return out.CashMovements[i].CreatedAt.Before(out.CashMovements[j].CreatedAt)
	})
	return out
}
