package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kasirpoin/backend/internal/domain"
	"kasirpoin/backend/internal/metrics"
	"kasirpoin/backend/internal/store"
	"kasirpoin/backend/internal/xid"
)

type SaleRequest struct {
	Items           []domain.CartLine
	CustomerID      string
	PointsRequested int
	PaymentMethod   string
	// CashReceived is the tendered amount for cash sales; zero means exact.
	CashReceived int64
	// OrderCode links a QR sale to its payment. Zero for cash.
	OrderCode int64
	// ChargedAmount is what the provider collected for a QR sale. When set,
	// the requested points must be redeemed in full and the bill total must
	// equal it.
	ChargedAmount int64
	Cashier       string
}

// ErrChargeMismatch marks a QR sale whose bill would not match the amount
// already charged. It always comes wrapped with store.ErrInvalidRequest.
var ErrChargeMismatch = errors.New("bill differs from charged amount")

type Result struct {
	Bill domain.Bill
	// Duplicate is set when a bill for the order code already existed and
	// nothing was written.
	Duplicate bool
}

// Engine applies a sale to the ledger: stock decrement, loyalty update and
// bill creation commit together or not at all.
type Engine struct {
	ledger  store.Atomic
	retrier store.Retrier
	policy  Policy
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewEngine(ledger store.Atomic, policy Policy, retrier store.Retrier, log *zap.Logger, m *metrics.Metrics) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if retrier.OnRetry == nil {
		retrier.OnRetry = func(attempt int, err error) {
			m.AtomicRetried()
			log.Debug("retrying sale after conflict", zap.Int("attempt", attempt), zap.Error(err))
		}
	}
	return &Engine{
		ledger:  ledger,
		retrier: retrier,
		policy:  policy,
		log:     log.With(zap.String("component", "checkout")),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) Policy() Policy {
	return e.policy
}

func (e *Engine) FinalizeSale(ctx context.Context, req SaleRequest) (Result, error) {
	lines := MergeLines(req.Items)
	if err := validateSale(req, lines); err != nil {
		e.metrics.SaleFailed("invalid_request")
		return Result{}, err
	}

	var result Result
	err := e.retrier.Run(ctx, e.ledger, func(ctx context.Context, tx store.Tx) error {
		result = Result{}

		if req.OrderCode != 0 {
			existing, err := tx.FindBillByOrderCode(ctx, req.OrderCode)
			if err == nil {
				result = Result{Bill: *existing, Duplicate: true}
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		stock := make(map[string]int, len(lines))
		for _, line := range lines {
			product, err := tx.GetProduct(ctx, line.ProductID)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: product %s does not exist", store.ErrInvalidRequest, line.ProductID)
			}
			if err != nil {
				return err
			}
			if !product.Active {
				return fmt.Errorf("%w: product %s is archived", store.ErrInvalidRequest, line.ProductID)
			}
			if product.Stock < line.Qty {
				return &store.InsufficientStockError{ProductID: line.ProductID, Requested: line.Qty, Available: product.Stock}
			}
			stock[line.ProductID] = product.Stock
		}

		var customer *domain.Customer
		if req.CustomerID != "" {
			c, err := tx.GetCustomer(ctx, req.CustomerID)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: customer %s does not exist", store.ErrInvalidRequest, req.CustomerID)
			}
			if err != nil {
				return err
			}
			customer = c
		}

		balance := 0
		if customer != nil {
			balance = customer.Points
		}
		quote := e.policy.Price(lines, customer != nil, balance, req.PointsRequested)
		if req.ChargedAmount > 0 {
			if quote.PointsUsed != req.PointsRequested {
				return fmt.Errorf("%w: %w: balance %d no longer covers %d quoted points",
					store.ErrInvalidRequest, ErrChargeMismatch, balance, req.PointsRequested)
			}
			if quote.TotalAfterDiscount != req.ChargedAmount {
				return fmt.Errorf("%w: %w: total %d, charged %d",
					store.ErrInvalidRequest, ErrChargeMismatch, quote.TotalAfterDiscount, req.ChargedAmount)
			}
		}

		cashReceived, change := int64(0), int64(0)
		if req.PaymentMethod == domain.PaymentMethodCash {
			cashReceived = req.CashReceived
			if cashReceived == 0 {
				cashReceived = quote.TotalAfterDiscount
			}
			if cashReceived < quote.TotalAfterDiscount {
				return fmt.Errorf("%w: cash received %d is below total %d", store.ErrInvalidRequest, cashReceived, quote.TotalAfterDiscount)
			}
			change = cashReceived - quote.TotalAfterDiscount
		}

		for _, line := range lines {
			if err := tx.SetProductStock(ctx, line.ProductID, stock[line.ProductID]-line.Qty); err != nil {
				return err
			}
		}

		bill := domain.Bill{
			ID:                 xid.New("bill"),
			Items:              quote.Lines,
			Subtotal:           quote.Subtotal,
			Tax:                quote.Tax,
			Total:              quote.Total,
			Discount:           quote.Discount,
			TotalAfterDiscount: quote.TotalAfterDiscount,
			PaymentMethod:      req.PaymentMethod,
			CashReceived:       cashReceived,
			Change:             change,
			OrderCode:          req.OrderCode,
			CashierUsername:    req.Cashier,
			CreatedAt:          e.now(),
		}

		if customer != nil {
			after := balance - quote.PointsUsed + quote.PointsEarned
			if err := tx.SetCustomerPoints(ctx, customer.ID, after); err != nil {
				return err
			}
			bill.CustomerID = customer.ID
			bill.CustomerName = customer.Name
			bill.PointsBefore = balance
			bill.PointsUsed = quote.PointsUsed
			bill.PointsEarned = quote.PointsEarned
			bill.PointsAfter = after
		}

		if err := tx.InsertBill(ctx, bill); err != nil {
			return err
		}
		result = Result{Bill: bill}
		return nil
	})
	if err != nil {
		e.metrics.SaleFailed(failureReason(err))
		e.log.Warn("sale not finalized",
			zap.String("payment_method", req.PaymentMethod),
			zap.Int64("order_code", req.OrderCode),
			zap.Error(err))
		return Result{}, err
	}

	if result.Duplicate {
		e.log.Info("order already finalized", zap.Int64("order_code", req.OrderCode), zap.String("bill_id", result.Bill.ID))
		return result, nil
	}

	e.metrics.SaleFinalized(req.PaymentMethod)
	e.log.Info("sale finalized",
		zap.String("bill_id", result.Bill.ID),
		zap.String("payment_method", result.Bill.PaymentMethod),
		zap.Int64("total_after_discount", result.Bill.TotalAfterDiscount),
		zap.Int64("order_code", result.Bill.OrderCode))
	return result, nil
}

func validateSale(req SaleRequest, lines []domain.CartLine) error {
	if len(lines) == 0 {
		return fmt.Errorf("%w: cart is empty", store.ErrInvalidRequest)
	}
	for _, line := range lines {
		if line.UnitPrice < 0 {
			return fmt.Errorf("%w: negative price for %s", store.ErrInvalidRequest, line.ProductID)
		}
	}
	if req.PointsRequested < 0 {
		return fmt.Errorf("%w: points requested must not be negative", store.ErrInvalidRequest)
	}
	switch req.PaymentMethod {
	case domain.PaymentMethodCash:
		if req.OrderCode != 0 || req.CashReceived < 0 || req.ChargedAmount != 0 {
			return fmt.Errorf("%w: malformed cash sale", store.ErrInvalidRequest)
		}
	case domain.PaymentMethodQR:
		if req.OrderCode < 1 || req.ChargedAmount < 0 {
			return fmt.Errorf("%w: qr sale requires an order code", store.ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidRequest, req.PaymentMethod)
	}
	return nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrChargeMismatch):
		return "charge_mismatch"
	case errors.Is(err, store.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, store.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
