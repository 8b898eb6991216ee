package cart

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

type Totals struct {
	Subtotal      decimal.Decimal `json:"subtotal"`
	LineDiscounts decimal.Decimal `json:"line_discounts"`
	CartDiscount  decimal.Decimal `json:"cart_discount"`
	VAT           decimal.Decimal `json:"vat"`
	Total         decimal.Decimal `json:"total"`
}

// LineTax is the VAT component of a line's net amount. Unit prices are
// VAT-inclusive, so the component is net*rate/(100+rate), rounded to cents.
// Display totals and ledger payloads both go through this function.
func LineTax(l Line) decimal.Decimal {
	if l.VATRate.Sign() <= 0 {
		return decimal.Zero
	}
	net := l.Net()
	if net.Sign() <= 0 {
		return decimal.Zero
	}
	return net.Mul(l.VATRate).Div(hundred.Add(l.VATRate)).Round(2)
}

// ComputeTotals is pure. VAT is informational because it is already inside
// the prices; total = subtotal - line discounts - cart discount, floored at 0.
func ComputeTotals(lines []Line, cartDiscount decimal.Decimal) Totals {
	totals := Totals{
		Subtotal:      decimal.Zero,
		LineDiscounts: decimal.Zero,
		CartDiscount:  cartDiscount,
		VAT:           decimal.Zero,
	}
	for _, line := range lines {
		gross := line.Gross()
		totals.Subtotal = totals.Subtotal.Add(gross)
		totals.LineDiscounts = totals.LineDiscounts.Add(decimal.Min(line.Discount, gross))
		totals.VAT = totals.VAT.Add(LineTax(line))
	}
	total := totals.Subtotal.Sub(totals.LineDiscounts).Sub(cartDiscount)
	if total.IsNegative() {
		total = decimal.Zero
	}
	totals.Total = total
	return totals
}
