// Package billing derives money amounts from invoice line snapshots.
//
// All arithmetic rounds half-up to 2 decimal places at each intermediate
// step, not end-to-end, so the order of operations below is load-bearing.
package billing

import (
	"github.com/shopspring/decimal"

	"countermart/backend/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// PriceLine computes the derived amounts for a single invoice line:
//
//	discounted unit price = unit price * (1 - discount%/100)
//	gross = round2(quantity * discounted unit price)
//	net   = round2(gross / (1 + (gst%+cgst%)/100))
//	gst   = round2(net * gst%/100)
//	cgst  = round2(net * cgst%/100)
func PriceLine(line domain.InvoiceLine) domain.PricedLine {
	qty := decimal.NewFromFloat(line.Quantity)
	unitPrice := decimal.NewFromFloat(line.UnitPrice)
	gst := decimal.NewFromFloat(line.GSTRate)
	cgst := decimal.NewFromFloat(line.CGSTRate)
	discount := decimal.NewFromFloat(line.DiscountPercent)

	discountedUnit := unitPrice.Mul(decimal.NewFromInt(1).Sub(discount.Div(hundred)))
	gross := qty.Mul(discountedUnit).Round(2)
	taxDivisor := decimal.NewFromInt(1).Add(gst.Add(cgst).Div(hundred))
	net := gross.Div(taxDivisor).Round(2)
	gstAmount := net.Mul(gst).Div(hundred).Round(2)
	cgstAmount := net.Mul(cgst).Div(hundred).Round(2)

	return domain.PricedLine{
		InvoiceLine: line,
		GrossTotal:  gross.InexactFloat64(),
		NetTotal:    net.InexactFloat64(),
		GSTAmount:   gstAmount.InexactFloat64(),
		CGSTAmount:  cgstAmount.InexactFloat64(),
	}
}

// Summarize prices every line and accumulates the invoice totals. The grand
// total is the gross sum minus the flat discount on the invoice, floored at
// zero for display while DiscountGiven itself is reported as stored.
func Summarize(invoice domain.Invoice, lines []domain.InvoiceLine) domain.InvoiceView {
	view := domain.InvoiceView{
		Invoice: invoice,
		Lines:   make([]domain.PricedLine, 0, len(lines)),
	}

	gross := decimal.Zero
	totalGST := decimal.Zero
	totalCGST := decimal.Zero
	for _, line := range lines {
		priced := PriceLine(line)
		view.Lines = append(view.Lines, priced)
		gross = gross.Add(decimal.NewFromFloat(priced.GrossTotal))
		totalGST = totalGST.Add(decimal.NewFromFloat(priced.GSTAmount))
		totalCGST = totalCGST.Add(decimal.NewFromFloat(priced.CGSTAmount))
	}

	grand := gross.Sub(decimal.NewFromFloat(invoice.DiscountGiven))
	if grand.IsNegative() {
		grand = decimal.Zero
	}

	view.GrossTotal = gross.InexactFloat64()
	view.TotalGST = totalGST.InexactFloat64()
	view.TotalCGST = totalCGST.InexactFloat64()
	view.GrandTotal = grand.InexactFloat64()
	return view
}
