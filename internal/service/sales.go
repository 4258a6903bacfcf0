package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"kasirpoin/backend/internal/cart"
	"kasirpoin/backend/internal/checkout"
	"kasirpoin/backend/internal/domain"
	"kasirpoin/backend/internal/payment"
	"kasirpoin/backend/internal/store"
)

// Checkout completes a cash sale immediately or opens a QR payment whose
// sale is finalized once the provider confirms it.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	actor, _ := ActorFromContext(ctx)
	method := defaultString(strings.ToLower(strings.TrimSpace(req.PaymentMethod)), domain.PaymentMethodCash)

	session, err := s.checkoutSession(ctx, req)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	if session.Empty() {
		return domain.CheckoutResponse{}, fmt.Errorf("%w: cart is empty", store.ErrInvalidRequest)
	}
	snapshot := session.Snapshot()

	switch method {
	case domain.PaymentMethodCash:
		res, err := s.engine.FinalizeSale(ctx, checkout.SaleRequest{
			Items:           snapshot.Items,
			CustomerID:      snapshot.CustomerID,
			PointsRequested: snapshot.PointsRequested,
			PaymentMethod:   domain.PaymentMethodCash,
			CashReceived:    req.CashReceived,
			Cashier:         actor.Username,
		})
		if err != nil {
			return domain.CheckoutResponse{}, err
		}
		s.clearSession(ctx, req.SessionID)
		s.logAudit(ctx, "checkout_cash", "bill", res.Bill.ID, fmt.Sprintf("total=%d,points_used=%d", res.Bill.TotalAfterDiscount, res.Bill.PointsUsed))
		return domain.CheckoutResponse{PaymentMethod: method, Bill: &res.Bill}, nil

	case domain.PaymentMethodQR:
		intent, err := s.openPayment(ctx, snapshot, actor.Username)
		if err != nil {
			return domain.CheckoutResponse{}, err
		}
		s.clearSession(ctx, req.SessionID)
		return domain.CheckoutResponse{PaymentMethod: method, Payment: intent}, nil

	default:
		return domain.CheckoutResponse{}, fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidRequest, method)
	}
}

// checkoutSession resolves the cart either from a saved session or from the
// items in the request, priced from the catalog.
func (s *Service) checkoutSession(ctx context.Context, req domain.CheckoutRequest) (*cart.Session, error) {
	if req.SessionID != "" && len(req.Items) == 0 {
		state, ok, err := s.carts.Get(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("cart session %s: %w", req.SessionID, store.ErrNotFound)
		}
		session := cart.FromState(*state)
		if req.CustomerID != "" {
			if err := session.SetCustomer(req.CustomerID, req.PointsRequested); err != nil {
				return nil, err
			}
		}
		return session, nil
	}

	return cart.Build(ctx, s.repo, req.SessionID, domain.CartSessionRequest{
		Items:           req.Items,
		CustomerID:      req.CustomerID,
		PointsRequested: req.PointsRequested,
	})
}

func (s *Service) openPayment(ctx context.Context, snapshot domain.CartSnapshot, cashier string) (*domain.PaymentIntent, error) {
	lines := checkout.MergeLines(snapshot.Items)
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	products, err := s.repo.GetProducts(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok || !product.Active {
			return nil, fmt.Errorf("%w: product %s is not for sale", store.ErrInvalidRequest, line.ProductID)
		}
		if product.Stock < line.Qty {
			return nil, &store.InsufficientStockError{ProductID: line.ProductID, Requested: line.Qty, Available: product.Stock}
		}
	}

	balance := 0
	if snapshot.CustomerID != "" {
		customer, err := s.repo.GetCustomer(ctx, snapshot.CustomerID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: customer %s does not exist", store.ErrInvalidRequest, snapshot.CustomerID)
		}
		if err != nil {
			return nil, err
		}
		balance = customer.Points
	}

	quote := s.engine.Policy().Price(lines, snapshot.CustomerID != "", balance, snapshot.PointsRequested)
	if quote.TotalAfterDiscount < 1 {
		return nil, fmt.Errorf("%w: nothing left to pay by qr, use cash", store.ErrInvalidRequest)
	}

	items := make([]payment.LinkItem, 0, len(quote.Lines))
	for _, line := range quote.Lines {
		items = append(items, payment.LinkItem{Name: line.Name, Quantity: line.Qty, Price: line.UnitPrice})
	}
	snapshot.Items = lines
	snapshot.PointsUsed = quote.PointsUsed

	intent, err := s.broker.CreateIntent(ctx, payment.IntentRequest{
		Cart:      snapshot,
		Amount:    quote.TotalAfterDiscount,
		Items:     items,
		CreatedBy: cashier,
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.listener.Track(intent.OrderCode); err != nil {
		// Resume on the next start picks the order up again.
		s.log.Error("could not watch payment", zap.Int64("order_code", intent.OrderCode), zap.Error(err))
	}
	s.logAudit(ctx, "payment_intent_create", "payment", fmt.Sprint(intent.OrderCode), fmt.Sprintf("amount=%d", intent.Amount))

	return &domain.PaymentIntent{
		OrderCode:   intent.OrderCode,
		Status:      domain.PaymentPending,
		Amount:      intent.Amount,
		CheckoutURL: intent.CheckoutURL,
		QRCode:      intent.QRCode,
	}, nil
}

func (s *Service) clearSession(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := s.carts.Delete(ctx, id); err != nil {
		s.log.Warn("could not clear cart session", zap.String("session_id", id), zap.Error(err))
	}
}

// GetPayment returns the current state of a QR payment and its bill once
// the sale has been finalized.
func (s *Service) GetPayment(ctx context.Context, orderCode int64) (domain.PaymentView, error) {
	p, err := s.repo.GetPendingPayment(ctx, orderCode)
	if err != nil {
		return domain.PaymentView{}, err
	}

	view := domain.PaymentView{
		OrderCode:   p.OrderCode,
		Status:      p.Status,
		Amount:      p.Amount,
		CheckoutURL: p.CheckoutURL,
		QRCode:      p.QRCode,
		CreatedAt:   p.CreatedAt,
		ResolvedAt:  p.ResolvedAt,
	}
	if p.Status == domain.PaymentPaid {
		bill, err := s.repo.FindBillByOrderCode(ctx, orderCode)
		switch {
		case err == nil:
			view.Bill = bill
		case !errors.Is(err, store.ErrNotFound):
			return domain.PaymentView{}, err
		}
	}
	return view, nil
}

func (s *Service) ListPayments(ctx context.Context, status string, limit int) ([]domain.PendingPayment, error) {
	if limit < 1 {
		limit = 50
	}
	st := domain.PaymentStatus(strings.ToUpper(strings.TrimSpace(status)))
	switch st {
	case "", domain.PaymentPending, domain.PaymentPaid, domain.PaymentCancelled:
	default:
		return nil, fmt.Errorf("%w: unknown payment status %q", store.ErrInvalidRequest, status)
	}
	return s.repo.ListPendingPayments(ctx, st, limit)
}

// WatchPayment emits the payment view now and again once the order is
// settled or the server-side watch ends. Returning early (ctx done or emit
// failing) does not affect the watch.
func (s *Service) WatchPayment(ctx context.Context, orderCode int64, emit func(domain.PaymentView) error) error {
	view, err := s.GetPayment(ctx, orderCode)
	if err != nil {
		return err
	}
	if err := emit(view); err != nil {
		return err
	}
	if settled(view) {
		return nil
	}

	w, err := s.listener.Track(orderCode)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.Done():
	}

	view, err = s.GetPayment(ctx, orderCode)
	if err != nil {
		return err
	}
	return emit(view)
}

func settled(view domain.PaymentView) bool {
	return view.Status == domain.PaymentCancelled || (view.Status == domain.PaymentPaid && view.Bill != nil)
}
