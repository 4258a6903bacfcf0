package checkout

import (
	"github.com/shopspring/decimal"

	"kasirpoin/backend/internal/domain"
)

// Policy holds the store's tax and loyalty rules. Amounts are in the
// smallest currency unit.
type Policy struct {
	TaxRate decimal.Decimal
	// PointValue is the currency value of one redeemed point.
	PointValue int64
	// EarnThreshold is the subtotal that earns one point.
	EarnThreshold int64
}

func DefaultPolicy() Policy {
	return Policy{
		TaxRate:       decimal.RequireFromString("0.10"),
		PointValue:    1000,
		EarnThreshold: 10000,
	}
}

// Quote is the full price breakdown of a cart.
type Quote struct {
	Lines              []domain.BillLine
	Subtotal           int64
	Tax                int64
	Total              int64
	PointsUsed         int
	Discount           int64
	TotalAfterDiscount int64
	PointsEarned       int
}

// Price computes the bill amounts for lines. Customer-related fields stay
// zero unless hasCustomer is set; requested points are clamped to balance.
func (p Policy) Price(lines []domain.CartLine, hasCustomer bool, balance int, requested int) Quote {
	var q Quote
	q.Lines = make([]domain.BillLine, 0, len(lines))
	for _, line := range lines {
		lineTotal := line.UnitPrice * int64(line.Qty)
		q.Lines = append(q.Lines, domain.BillLine{
			ProductID: line.ProductID,
			Name:      line.Name,
			UnitPrice: line.UnitPrice,
			Qty:       line.Qty,
			LineTotal: lineTotal,
		})
		q.Subtotal += lineTotal
	}

	q.Tax = decimal.NewFromInt(q.Subtotal).Mul(p.TaxRate).Round(0).IntPart()
	q.Total = q.Subtotal + q.Tax

	if hasCustomer {
		q.PointsUsed = min(max(requested, 0), max(balance, 0))
		q.Discount = min(int64(q.PointsUsed)*p.PointValue, q.Total)
		if p.EarnThreshold > 0 {
			q.PointsEarned = int(q.Subtotal / p.EarnThreshold)
		}
	}
	q.TotalAfterDiscount = q.Total - q.Discount
	return q
}

// MergeLines folds repeated products into one line, keeping the first
// captured price, and drops lines without a product or positive quantity.
func MergeLines(lines []domain.CartLine) []domain.CartLine {
	merged := make([]domain.CartLine, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.ProductID == "" || line.Qty < 1 {
			continue
		}
		if i, ok := index[line.ProductID]; ok {
			merged[i].Qty += line.Qty
			continue
		}
		index[line.ProductID] = len(merged)
		merged = append(merged, line)
	}
	return merged
}
