// Package cart holds the in-progress sale of one terminal. A session is an
// explicit value: callers load it, change it and save it back.
package cart

import (
	"context"
	"fmt"
	"time"

	"kasirpoin/backend/internal/domain"
	"kasirpoin/backend/internal/store"
)

type ProductSource interface {
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
}

type Session struct {
	state domain.CartSession
}

func New(id string, terminalID string) *Session {
	return &Session{state: domain.CartSession{
		ID:            id,
		TerminalID:    terminalID,
		Items:         []domain.CartLine{},
		PaymentMethod: domain.PaymentMethodCash,
	}}
}

// FromState wraps a persisted session.
func FromState(state domain.CartSession) *Session {
	state.Items = append([]domain.CartLine(nil), state.Items...)
	return &Session{state: state}
}

// State returns a copy suitable for persistence.
func (s *Session) State() domain.CartSession {
	out := s.state
	out.Items = append([]domain.CartLine(nil), s.state.Items...)
	return out
}

func (s *Session) Lines() []domain.CartLine {
	return append([]domain.CartLine(nil), s.state.Items...)
}

func (s *Session) Empty() bool {
	return len(s.state.Items) == 0
}

// Add puts qty more of product in the cart. The price is captured on the
// first add and kept for later adds.
func (s *Session) Add(product domain.Product, qty int) error {
	if qty < 1 {
		return fmt.Errorf("%w: quantity must be positive", store.ErrInvalidRequest)
	}
	if !product.Active {
		return fmt.Errorf("%w: product %s is archived", store.ErrInvalidRequest, product.ID)
	}
	for i := range s.state.Items {
		if s.state.Items[i].ProductID != product.ID {
			continue
		}
		return s.setAt(i, s.state.Items[i].Qty+qty, product.Stock)
	}
	if qty > product.Stock {
		return &store.InsufficientStockError{ProductID: product.ID, Requested: qty, Available: product.Stock}
	}
	s.state.Items = append(s.state.Items, domain.CartLine{
		ProductID: product.ID,
		Name:      product.Name,
		UnitPrice: product.Price,
		Qty:       qty,
	})
	s.touch()
	return nil
}

// SetQty changes a line's quantity; zero removes it.
func (s *Session) SetQty(productID string, qty int, available int) error {
	for i := range s.state.Items {
		if s.state.Items[i].ProductID == productID {
			if qty == 0 {
				s.Remove(productID)
				return nil
			}
			return s.setAt(i, qty, available)
		}
	}
	return store.ErrNotFound
}

func (s *Session) setAt(i int, qty int, available int) error {
	if qty < 1 {
		return fmt.Errorf("%w: quantity must be positive", store.ErrInvalidRequest)
	}
	if qty > available {
		return &store.InsufficientStockError{ProductID: s.state.Items[i].ProductID, Requested: qty, Available: available}
	}
	s.state.Items[i].Qty = qty
	s.touch()
	return nil
}

func (s *Session) Remove(productID string) {
	kept := s.state.Items[:0]
	for _, line := range s.state.Items {
		if line.ProductID != productID {
			kept = append(kept, line)
		}
	}
	s.state.Items = kept
	s.touch()
}

// SetCustomer attaches a loyalty customer; an empty id detaches and resets
// the redemption request.
func (s *Session) SetCustomer(customerID string, pointsRequested int) error {
	if pointsRequested < 0 {
		return fmt.Errorf("%w: points requested must not be negative", store.ErrInvalidRequest)
	}
	if customerID == "" {
		pointsRequested = 0
	}
	s.state.CustomerID = customerID
	s.state.PointsRequested = pointsRequested
	s.touch()
	return nil
}

func (s *Session) SetPayment(method string, tender int64) error {
	if method != domain.PaymentMethodCash && method != domain.PaymentMethodQR {
		return fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidRequest, method)
	}
	if tender < 0 {
		return fmt.Errorf("%w: tender must not be negative", store.ErrInvalidRequest)
	}
	s.state.PaymentMethod = method
	s.state.TenderAmount = tender
	s.touch()
	return nil
}

// Clear empties the cart after a completed sale.
func (s *Session) Clear() {
	s.state.Items = []domain.CartLine{}
	s.state.CustomerID = ""
	s.state.PointsRequested = 0
	s.state.TenderAmount = 0
	s.touch()
}

// Snapshot is the frozen form stored with a QR payment.
func (s *Session) Snapshot() domain.CartSnapshot {
	return domain.CartSnapshot{
		Items:           s.Lines(),
		CustomerID:      s.state.CustomerID,
		PointsRequested: s.state.PointsRequested,
	}
}

func (s *Session) touch() {
	s.state.UpdatedAt = time.Now().UTC()
}

// Build replaces a session's content from a client request, pricing every
// line from the catalog and checking it against current stock.
func Build(ctx context.Context, products ProductSource, id string, req domain.CartSessionRequest) (*Session, error) {
	ids := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		ids = append(ids, item.ProductID)
	}
	catalog, err := products.GetProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	s := New(id, req.TerminalID)
	for _, item := range req.Items {
		product, ok := catalog[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product %s does not exist", store.ErrInvalidRequest, item.ProductID)
		}
		if err := s.Add(product, item.Qty); err != nil {
			return nil, err
		}
	}
	if err := s.SetCustomer(req.CustomerID, req.PointsRequested); err != nil {
		return nil, err
	}
	method := req.PaymentMethod
	if method == "" {
		method = domain.PaymentMethodCash
	}
	if err := s.SetPayment(method, req.TenderAmount); err != nil {
		return nil, err
	}
	return s, nil
}
