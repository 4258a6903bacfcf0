package cart

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirpoin/backend/internal/domain"
	"kasirpoin/backend/internal/store"
)

type catalog map[string]domain.Product

func (c catalog) GetProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product)
	for _, id := range ids {
		if p, ok := c[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

var (
	coffee = domain.Product{ID: "prd-kopi", Name: "Kopi", Price: 2600, Stock: 3, Active: true}
	bread  = domain.Product{ID: "prd-roti", Name: "Roti", Price: 17800, Stock: 10, Active: true}
)

func TestAddMergesAndCapturesPrice(t *testing.T) {
	s := New("cart-1", "till-1")
	require.NoError(t, s.Add(coffee, 1))

	repriced := coffee
	repriced.Price = 9999
	require.NoError(t, s.Add(repriced, 2))

	lines := s.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, 3, lines[0].Qty)
	assert.EqualValues(t, 2600, lines[0].UnitPrice)
}

func TestAddRespectsStock(t *testing.T) {
	s := New("cart-1", "till-1")
	require.NoError(t, s.Add(coffee, 2))

	err := s.Add(coffee, 2)
	var stockErr *store.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, 4, stockErr.Requested)
	assert.Equal(t, 2, s.Lines()[0].Qty)

	archived := bread
	archived.Active = false
	assert.ErrorIs(t, s.Add(archived, 1), store.ErrInvalidRequest)
	assert.ErrorIs(t, s.Add(bread, 0), store.ErrInvalidRequest)
}

func TestSetQtyAndRemove(t *testing.T) {
	s := New("cart-1", "till-1")
	require.NoError(t, s.Add(coffee, 1))
	require.NoError(t, s.Add(bread, 1))

	require.NoError(t, s.SetQty(bread.ID, 4, bread.Stock))
	assert.Equal(t, 4, s.Lines()[1].Qty)
	assert.ErrorIs(t, s.SetQty(bread.ID, 11, bread.Stock), store.ErrInsufficientStock)
	assert.ErrorIs(t, s.SetQty("prd-none", 1, 5), store.ErrNotFound)

	require.NoError(t, s.SetQty(coffee.ID, 0, coffee.Stock))
	require.Len(t, s.Lines(), 1)
	assert.Equal(t, bread.ID, s.Lines()[0].ProductID)

	s.Remove(bread.ID)
	assert.True(t, s.Empty())
}

func TestCustomerAndClear(t *testing.T) {
	s := New("cart-1", "till-1")
	require.NoError(t, s.Add(bread, 1))
	require.NoError(t, s.SetCustomer("cus-budi", 5))
	require.NoError(t, s.SetPayment(domain.PaymentMethodQR, 0))

	snap := s.Snapshot()
	assert.Equal(t, "cus-budi", snap.CustomerID)
	assert.Equal(t, 5, snap.PointsRequested)
	assert.Len(t, snap.Items, 1)

	require.NoError(t, s.SetCustomer("", 5))
	assert.Equal(t, 0, s.State().PointsRequested)
	assert.ErrorIs(t, s.SetCustomer("cus-budi", -1), store.ErrInvalidRequest)
	assert.ErrorIs(t, s.SetPayment("card", 0), store.ErrInvalidRequest)

	s.Clear()
	assert.True(t, s.Empty())
	assert.Equal(t, domain.PaymentMethodQR, s.State().PaymentMethod)
}

func TestStateIsACopy(t *testing.T) {
	s := New("cart-1", "till-1")
	require.NoError(t, s.Add(bread, 1))

	state := s.State()
	state.Items[0].Qty = 99
	assert.Equal(t, 1, s.Lines()[0].Qty)

	restored := FromState(state)
	assert.Equal(t, 99, restored.Lines()[0].Qty)
	assert.Equal(t, "till-1", restored.State().TerminalID)
}

func TestBuildValidatesAgainstCatalog(t *testing.T) {
	products := catalog{coffee.ID: coffee, bread.ID: bread}

	s, err := Build(context.Background(), products, "cart-9", domain.CartSessionRequest{
		TerminalID: "till-2",
		Items:      []domain.CartItem{{ProductID: coffee.ID, Qty: 1}, {ProductID: bread.ID, Qty: 2}, {ProductID: coffee.ID, Qty: 1}},
		CustomerID: "cus-siti",
	})
	require.NoError(t, err)
	state := s.State()
	assert.Equal(t, "cart-9", state.ID)
	assert.Equal(t, domain.PaymentMethodCash, state.PaymentMethod)
	require.Len(t, state.Items, 2)
	assert.Equal(t, 2, state.Items[0].Qty)

	_, err = Build(context.Background(), products, "cart-9", domain.CartSessionRequest{Items: []domain.CartItem{{ProductID: "prd-x", Qty: 1}}})
	assert.ErrorIs(t, err, store.ErrInvalidRequest)

	_, err = Build(context.Background(), products, "cart-9", domain.CartSessionRequest{Items: []domain.CartItem{{ProductID: coffee.ID, Qty: 4}}})
	assert.ErrorIs(t, err, store.ErrInsufficientStock)
}
