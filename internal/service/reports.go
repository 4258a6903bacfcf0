package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirpoin/backend/internal/domain"
)

// estimatedCostRatio stands in for the cost of goods when a product has no
// recorded import price. Report figures built on it are estimates.
var estimatedCostRatio = decimal.RequireFromString("0.70")

func (s *Service) ListBills(ctx context.Context, date string, limit int) ([]domain.Bill, error) {
	if limit < 1 {
		limit = 100
	}
	from, err := s.parseDay(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListBills(ctx, from, from.Add(24*time.Hour), limit)
}

func (s *Service) GetBill(ctx context.Context, id string) (domain.Bill, error) {
	bill, err := s.repo.GetBill(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Bill{}, err
	}
	return *bill, nil
}

func (s *Service) DailyReport(ctx context.Context, date string) (domain.DailyReport, error) {
	from, err := s.parseDay(date)
	if err != nil {
		return domain.DailyReport{}, err
	}

	bills, err := s.repo.ListBills(ctx, from, from.Add(24*time.Hour), 0)
	if err != nil {
		return domain.DailyReport{}, err
	}

	ids := make([]string, 0, 32)
	seen := make(map[string]bool)
	for _, bill := range bills {
		for _, line := range bill.Items {
			if !seen[line.ProductID] {
				seen[line.ProductID] = true
				ids = append(ids, line.ProductID)
			}
		}
	}
	products, err := s.repo.GetProducts(ctx, ids)
	if err != nil {
		return domain.DailyReport{}, err
	}

	report := domain.DailyReport{Date: from.Format("2006-01-02"), Bills: len(bills)}
	byMethod := make(map[string]*domain.PaymentMethodSummary)
	for _, bill := range bills {
		report.GrossSales += bill.Subtotal
		report.Tax += bill.Tax
		report.Discount += bill.Discount
		report.NetSales += bill.TotalAfterDiscount
		report.PointsUsed += bill.PointsUsed
		report.PointsEarned += bill.PointsEarned

		for _, line := range bill.Items {
			report.ItemsSold += line.Qty
			report.EstimatedCost += unitCost(products[line.ProductID], line) * int64(line.Qty)
		}

		summary, ok := byMethod[bill.PaymentMethod]
		if !ok {
			summary = &domain.PaymentMethodSummary{PaymentMethod: bill.PaymentMethod}
			byMethod[bill.PaymentMethod] = summary
		}
		summary.Bills++
		summary.Total += bill.TotalAfterDiscount
	}
	report.EstimatedMargin = report.NetSales - report.Tax - report.EstimatedCost

	report.ByPayment = make([]domain.PaymentMethodSummary, 0, len(byMethod))
	for _, summary := range byMethod {
		report.ByPayment = append(report.ByPayment, *summary)
	}
	sort.Slice(report.ByPayment, func(i, j int) bool {
		return report.ByPayment[i].PaymentMethod < report.ByPayment[j].PaymentMethod
	})
	return report, nil
}

func unitCost(product domain.Product, line domain.BillLine) int64 {
	if product.ImportPrice > 0 {
		return product.ImportPrice
	}
	return decimal.NewFromInt(line.UnitPrice).Mul(estimatedCostRatio).Round(0).IntPart()
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	from, err := s.parseDay(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, from, from.Add(24*time.Hour), limit)
}
