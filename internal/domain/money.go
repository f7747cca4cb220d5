package domain

import "github.com/shopspring/decimal"

// LineTotal returns unitPrice × quantity in whole currency units.
func LineTotal(unitPrice int64, quantity int) int64 {
	return unitPrice * int64(quantity)
}

// TaxFor rounds subtotal × rate to whole currency units, half away from zero.
func TaxFor(subtotal int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(subtotal).Mul(rate).Round(0).IntPart()
}

func ComputeTotals(lines []CartLine, rate decimal.Decimal) Totals {
	var totals Totals
	for _, line := range lines {
		totals.Subtotal += LineTotal(line.UnitPrice, line.Quantity)
		totals.ItemCount += line.Quantity
	}
	totals.Tax = TaxFor(totals.Subtotal, rate)
	totals.Total = totals.Subtotal + totals.Tax
	return totals
}
