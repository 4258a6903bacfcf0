package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirpoin/backend/internal/domain"
	"kasirpoin/backend/internal/store"
)

func newFixtureStore() *Store {
	s := New()
	s.PutProduct(domain.Product{ID: "P1", Name: "Kopi", Price: 5000, Stock: 3, Active: true})
	s.PutCustomer(domain.Customer{ID: "C1", Name: "Budi", Points: 10})
	return s
}

func TestAtomicallyCommitsWrites(t *testing.T) {
	s := newFixtureStore()
	ctx := context.Background()

	err := s.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.GetProduct(ctx, "P1")
		if err != nil {
			return err
		}
		if err := tx.SetProductStock(ctx, "P1", p.Stock-2); err != nil {
			return err
		}
		if _, err := tx.GetCustomer(ctx, "C1"); err != nil {
			return err
		}
		if err := tx.SetCustomerPoints(ctx, "C1", 4); err != nil {
			return err
		}
		return tx.InsertBill(ctx, domain.Bill{ID: "bill-1", Total: 10000, CreatedAt: time.Now().UTC()})
	})
	require.NoError(t, err)

	p, _ := s.GetProduct(ctx, "P1")
	c, _ := s.GetCustomer(ctx, "C1")
	assert.Equal(t, 1, p.Stock)
	assert.Equal(t, 4, c.Points)
	_, err = s.GetBill(ctx, "bill-1")
	assert.NoError(t, err)
}

func TestAtomicallyDiscardsWritesOnError(t *testing.T) {
	s := newFixtureStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetProduct(ctx, "P1"); err != nil {
			return err
		}
		_ = tx.SetProductStock(ctx, "P1", 0)
		_ = tx.InsertBill(ctx, domain.Bill{ID: "bill-x"})
		return boom
	})
	require.ErrorIs(t, err, boom)

	p, _ := s.GetProduct(ctx, "P1")
	assert.Equal(t, 3, p.Stock)
	_, err = s.GetBill(ctx, "bill-x")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAtomicallyDetectsConcurrentWrite(t *testing.T) {
	s := newFixtureStore()
	ctx := context.Background()

	err := s.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.GetProduct(ctx, "P1")
		if err != nil {
			return err
		}
		// another terminal receives stock between our read and commit
		if _, err := s.ReceiveStock(ctx, "P1", 5, 0, time.Now()); err != nil {
			return err
		}
		return tx.SetProductStock(ctx, "P1", p.Stock-1)
	})
	require.ErrorIs(t, err, store.ErrConflict)

	p, _ := s.GetProduct(ctx, "P1")
	assert.Equal(t, 8, p.Stock)
}

func TestSetStockRequiresPriorRead(t *testing.T) {
	s := newFixtureStore()
	err := s.Atomically(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.SetProductStock(ctx, "P1", 1)
	})
	assert.ErrorIs(t, err, store.ErrInvalidRequest)
}

func TestBillOrderCodeIsUnique(t *testing.T) {
	s := newFixtureStore()
	ctx := context.Background()

	insert := func(id string) error {
		return s.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.InsertBill(ctx, domain.Bill{ID: id, OrderCode: 42, CreatedAt: time.Now()})
		})
	}
	require.NoError(t, insert("bill-a"))
	assert.ErrorIs(t, insert("bill-b"), store.ErrConflict)

	bill, err := s.FindBillByOrderCode(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "bill-a", bill.ID)
}

func TestResolvePendingPaymentTransitionsOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreatePendingPayment(ctx, domain.PendingPayment{
		OrderCode: 7, Status: domain.PaymentPending, Amount: 11000, CreatedAt: time.Now(),
	}))

	p, changed, err := s.ResolvePendingPayment(ctx, 7, domain.PaymentPaid, []byte(`{"code":"00"}`), time.Now())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.PaymentPaid, p.Status)

	p, changed, err = s.ResolvePendingPayment(ctx, 7, domain.PaymentCancelled, nil, time.Now())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, domain.PaymentPaid, p.Status)

	_, _, err = s.ResolvePendingPayment(ctx, 8, domain.PaymentPaid, nil, time.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreatePendingPaymentRejectsDuplicateOrderCode(t *testing.T) {
	s := New()
	ctx := context.Background()
	payment := domain.PendingPayment{OrderCode: 9, Status: domain.PaymentPending, Amount: 1000}

	require.NoError(t, s.CreatePendingPayment(ctx, payment))
	assert.ErrorIs(t, s.CreatePendingPayment(ctx, payment), store.ErrDuplicate)
}

func TestListPaidWithoutBill(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, code := range []int64{1, 2, 3} {
		require.NoError(t, s.CreatePendingPayment(ctx, domain.PendingPayment{OrderCode: code, Status: domain.PaymentPending, Amount: 1000}))
	}
	_, _, _ = s.ResolvePendingPayment(ctx, 1, domain.PaymentPaid, nil, time.Now())
	_, _, _ = s.ResolvePendingPayment(ctx, 2, domain.PaymentPaid, nil, time.Now())
	require.NoError(t, s.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertBill(ctx, domain.Bill{ID: "bill-2", OrderCode: 2})
	}))

	unbilled, err := s.ListPaidWithoutBill(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unbilled, 1)
	assert.Equal(t, int64(1), unbilled[0].OrderCode)
}
