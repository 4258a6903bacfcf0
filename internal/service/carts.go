package service

import (
	"context"
	"fmt"
	"strings"

	"kasirpoin/backend/internal/cart"
	"kasirpoin/backend/internal/domain"
	"kasirpoin/backend/internal/store"
)

func (s *Service) GetCartSession(ctx context.Context, id string) (domain.CartSession, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.CartSession{}, fmt.Errorf("%w: session id is required", store.ErrInvalidRequest)
	}
	state, ok, err := s.carts.Get(ctx, id)
	if err != nil {
		return domain.CartSession{}, err
	}
	if !ok {
		return domain.CartSession{}, store.ErrNotFound
	}
	return *state, nil
}

// SaveCartSession replaces the session with the request's content after
// checking it against the catalog.
func (s *Service) SaveCartSession(ctx context.Context, id string, req domain.CartSessionRequest) (domain.CartSession, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.CartSession{}, fmt.Errorf("%w: session id is required", store.ErrInvalidRequest)
	}
	if req.CustomerID != "" {
		if _, err := s.repo.GetCustomer(ctx, req.CustomerID); err != nil {
			return domain.CartSession{}, fmt.Errorf("%w: customer %s: %v", store.ErrInvalidRequest, req.CustomerID, err)
		}
	}

	session, err := cart.Build(ctx, s.repo, id, req)
	if err != nil {
		return domain.CartSession{}, err
	}
	state := session.State()
	if err := s.carts.Set(ctx, state, s.cartTTL); err != nil {
		return domain.CartSession{}, err
	}
	return state, nil
}

func (s *Service) DeleteCartSession(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: session id is required", store.ErrInvalidRequest)
	}
	return s.carts.Delete(ctx, id)
}
