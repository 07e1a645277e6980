// Package tax splits tax-inclusive amounts into taxable base and tax.
package tax

import (
	"fmt"

	"cashledger/backend/internal/domain"
)

// Split is the decomposition of a tax-inclusive amount.
type Split struct {
	Class domain.TaxClass `json:"class"`
	Base  int64           `json:"base"`
	Tax   int64           `json:"tax"`
}

// divisor returns the inclusive-rate divisor for a class. Zero means exempt.
func divisor(class domain.TaxClass) (int64, error) {
	switch class {
	case domain.TaxStandard10:
		return 11, nil
	case domain.TaxReduced5:
		return 21, nil
	case domain.TaxExempt:
		return 0, nil
	}
	return 0, fmt.Errorf("%w: %q", domain.ErrUnknownTaxClass, class)
}

// Decompose returns base and tax with Base+Tax == amount. The base is
// truncated so any rounding remainder is carried by Tax.
func Decompose(amount int64, class domain.TaxClass) (Split, error) {
	d, err := divisor(class)
	if err != nil {
		return Split{}, err
	}
	if d == 0 {
		return Split{Class: class, Base: amount, Tax: 0}, nil
	}
	base := amount * (d - 1) / d
	if amount < 0 {
		// keep the remainder on the tax side for negative adjustments too
		base = -((-amount) * (d - 1) / d)
	}
	return Split{Class: class, Base: base, Tax: amount - base}, nil
}

// Line is a tax-inclusive amount tagged with its class.
type Line struct {
	Amount int64
	Class  domain.TaxClass
}

// Summary groups decomposed amounts per class.
type Summary struct {
	ByClass map[domain.TaxClass]Split `json:"by_class"`
	Base    int64                     `json:"base"`
	Tax     int64                     `json:"tax"`
	Total   int64                     `json:"total"`
}

// Summarize decomposes each class subtotal once, so the per-class tax
// matches what a printed invoice shows for that class.
func Summarize(lines []Line) (Summary, error) {
	subtotals := make(map[domain.TaxClass]int64, 3)
	for _, line := range lines {
		if !line.Class.Valid() {
			return Summary{}, fmt.Errorf("%w: %q", domain.ErrUnknownTaxClass, line.Class)
		}
		subtotals[line.Class] += line.Amount
	}

	out := Summary{ByClass: make(map[domain.TaxClass]Split, len(subtotals))}
	for class, amount := range subtotals {
		split, err := Decompose(amount, class)
		if err != nil {
			return Summary{}, err
		}
		out.ByClass[class] = split
		out.Base += split.Base
		out.Tax += split.Tax
		out.Total += amount
	}
	return out, nil
}
