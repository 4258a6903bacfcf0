package reconcile

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kasirpoin/backend/internal/checkout"
	"kasirpoin/backend/internal/domain"
	"kasirpoin/backend/internal/feed"
	"kasirpoin/backend/internal/metrics"
	"kasirpoin/backend/internal/payment"
	"kasirpoin/backend/internal/store"
	"kasirpoin/backend/internal/store/memory"
)

const checksumKey = "listener-test-key"

type countingFinalizer struct {
	next  Finalizer
	calls atomic.Int32
}

func (c *countingFinalizer) FinalizeSale(ctx context.Context, req checkout.SaleRequest) (checkout.Result, error) {
	c.calls.Add(1)
	return c.next.FinalizeSale(ctx, req)
}

type fixture struct {
	store     *memory.Store
	hub       *feed.Hub
	engine    *checkout.Engine
	finalizer *countingFinalizer
	rec       *payment.Reconciler
	signer    payment.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	s.PutProduct(domain.Product{ID: "prd-a", Name: "A", Price: 10000, Stock: 5, Active: true})
	s.PutCustomer(domain.Customer{ID: "cus-a", Name: "Ani", Points: 4})

	hub := feed.NewHub()
	engine := checkout.NewEngine(s, checkout.DefaultPolicy(), store.DefaultRetrier(), zap.NewNop(), nil)
	signer := payment.NewSigner(checksumKey)
	return &fixture{
		store:     s,
		hub:       hub,
		engine:    engine,
		finalizer: &countingFinalizer{next: engine},
		rec:       payment.NewReconciler(s, signer, hub, zap.NewNop(), nil),
		signer:    signer,
	}
}

func (f *fixture) listener(cfg Config) *Listener {
	return NewListener(f.store, f.hub, f.finalizer, cfg, zap.NewNop(), nil)
}

func (f *fixture) pending(t *testing.T, code int64) {
	t.Helper()
	require.NoError(t, f.store.CreatePendingPayment(context.Background(), domain.PendingPayment{
		OrderCode: code,
		Status:    domain.PaymentPending,
		Amount:    7000,
		Cart: domain.CartSnapshot{
			Items:           []domain.CartLine{{ProductID: "prd-a", Name: "A", UnitPrice: 10000, Qty: 1}},
			CustomerID:      "cus-a",
			PointsRequested: 4,
			PointsUsed:      4,
		},
		CreatedBy: "cashier",
		CreatedAt: time.Now().UTC(),
	}))
}

func (f *fixture) webhook(t *testing.T, code int64, providerCode string) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{"orderCode": code, "amount": 7000, "code": providerCode})
	require.NoError(t, err)
	sig, err := f.signer.SignData(data)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{"code": providerCode, "data": json.RawMessage(data), "signature": sig})
	require.NoError(t, err)
	return body
}

func waitDone(t *testing.T, w *Watch) Outcome {
	t.Helper()
	select {
	case <-w.Done():
		return w.Outcome()
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not finish")
		return Outcome{}
	}
}

func TestDuplicateDeliveriesFinalizeOnce(t *testing.T) {
	f := newFixture(t)
	f.pending(t, 1001)
	l := f.listener(Config{PollInterval: time.Hour})

	w, err := l.Watch(context.Background(), 1001)
	require.NoError(t, err)

	body := f.webhook(t, 1001, "00")
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.rec.HandleNotification(context.Background(), body)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	outcome := waitDone(t, w)
	require.NoError(t, outcome.Err)
	assert.Equal(t, domain.PaymentPaid, outcome.Status)
	require.NotNil(t, outcome.Bill)
	assert.Equal(t, int64(1001), outcome.Bill.OrderCode)
	assert.Equal(t, domain.PaymentMethodQR, outcome.Bill.PaymentMethod)
	assert.Equal(t, "cashier", outcome.Bill.CashierUsername)
	assert.EqualValues(t, 1, f.finalizer.calls.Load())

	product, _ := f.store.GetProduct(context.Background(), "prd-a")
	assert.Equal(t, 4, product.Stock)
	customer, _ := f.store.GetCustomer(context.Background(), "cus-a")
	assert.Equal(t, 1, customer.Points)

	_, ok := l.Lookup(1001)
	assert.False(t, ok)
	assert.Equal(t, 0, f.hub.Subscribers(1001))
}

func TestWatchSeesTransitionBeforeSubscribing(t *testing.T) {
	f := newFixture(t)
	f.pending(t, 1002)
	_, err := f.rec.HandleNotification(context.Background(), f.webhook(t, 1002, "00"))
	require.NoError(t, err)

	w, err := f.listener(Config{PollInterval: time.Hour}).Watch(context.Background(), 1002)
	require.NoError(t, err)

	outcome := waitDone(t, w)
	require.NoError(t, outcome.Err)
	assert.Equal(t, domain.PaymentPaid, outcome.Status)
	assert.EqualValues(t, 1, f.finalizer.calls.Load())
}

func TestCancelledPaymentLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t)
	f.pending(t, 1003)
	w, err := f.listener(Config{PollInterval: time.Hour}).Watch(context.Background(), 1003)
	require.NoError(t, err)

	_, err = f.rec.HandleNotification(context.Background(), f.webhook(t, 1003, "01"))
	require.NoError(t, err)

	outcome := waitDone(t, w)
	assert.Equal(t, domain.PaymentCancelled, outcome.Status)
	assert.Nil(t, outcome.Bill)
	assert.EqualValues(t, 0, f.finalizer.calls.Load())

	product, _ := f.store.GetProduct(context.Background(), "prd-a")
	assert.Equal(t, 5, product.Stock)
}

func TestTwoListenersProduceOneBill(t *testing.T) {
	f := newFixture(t)
	f.pending(t, 1004)

	first, err := f.listener(Config{PollInterval: time.Hour}).Watch(context.Background(), 1004)
	require.NoError(t, err)
	second, err := f.listener(Config{PollInterval: time.Hour}).Watch(context.Background(), 1004)
	require.NoError(t, err)
	require.NotSame(t, first, second)

	_, err = f.rec.HandleNotification(context.Background(), f.webhook(t, 1004, "00"))
	require.NoError(t, err)

	a := waitDone(t, first)
	b := waitDone(t, second)
	require.NoError(t, a.Err)
	require.NoError(t, b.Err)
	assert.Equal(t, a.Bill.ID, b.Bill.ID)

	bills, err := f.store.ListBills(context.Background(), time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Len(t, bills, 1)
	product, _ := f.store.GetProduct(context.Background(), "prd-a")
	assert.Equal(t, 4, product.Stock)
}

func TestWatchIsSharedWithinListener(t *testing.T) {
	f := newFixture(t)
	f.pending(t, 1005)
	l := f.listener(Config{PollInterval: time.Hour})

	w1, err := l.Watch(context.Background(), 1005)
	require.NoError(t, err)
	w2, err := l.Track(1005)
	require.NoError(t, err)
	assert.Same(t, w1, w2)
	assert.Equal(t, 1, f.hub.Subscribers(1005))

	w1.Stop()
}

func TestStopLeavesRecordPending(t *testing.T) {
	f := newFixture(t)
	f.pending(t, 1006)
	w, err := f.listener(Config{PollInterval: time.Hour}).Watch(context.Background(), 1006)
	require.NoError(t, err)

	w.Stop()
	outcome := w.Outcome()
	assert.ErrorIs(t, outcome.Err, context.Canceled)
	assert.Equal(t, domain.PaymentPending, outcome.Status)

	p, err := f.store.GetPendingPayment(context.Background(), 1006)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, p.Status)
	assert.EqualValues(t, 0, f.finalizer.calls.Load())
}

func TestWatchTimesOut(t *testing.T) {
	f := newFixture(t)
	f.pending(t, 1007)
	w, err := f.listener(Config{Timeout: 20 * time.Millisecond, PollInterval: time.Hour}).Watch(context.Background(), 1007)
	require.NoError(t, err)

	outcome := waitDone(t, w)
	assert.ErrorIs(t, outcome.Err, context.DeadlineExceeded)
}

func TestWatchPollsWhenEventIsLost(t *testing.T) {
	f := newFixture(t)
	f.pending(t, 1008)
	w, err := f.listener(Config{PollInterval: 10 * time.Millisecond}).Watch(context.Background(), 1008)
	require.NoError(t, err)

	// settle the record without publishing anything
	_, changed, err := f.store.ResolvePendingPayment(context.Background(), 1008, domain.PaymentPaid, nil, time.Now())
	require.NoError(t, err)
	require.True(t, changed)

	outcome := waitDone(t, w)
	require.NoError(t, outcome.Err)
	assert.Equal(t, domain.PaymentPaid, outcome.Status)
}

func TestWatchReportsUnfulfillablePaidOrder(t *testing.T) {
	f := newFixture(t)
	f.pending(t, 1009)
	f.store.PutProduct(domain.Product{ID: "prd-a", Name: "A", Price: 10000, Stock: 0, Active: true})

	_, err := f.rec.HandleNotification(context.Background(), f.webhook(t, 1009, "00"))
	require.NoError(t, err)
	w, err := f.listener(Config{PollInterval: time.Hour}).Watch(context.Background(), 1009)
	require.NoError(t, err)

	outcome := waitDone(t, w)
	assert.Equal(t, domain.PaymentPaid, outcome.Status)
	assert.ErrorIs(t, outcome.Err, store.ErrInsufficientStock)
}

func TestPaidOrderIsNotBilledAfterQuotedPointsWereSpent(t *testing.T) {
	f := newFixture(t)
	f.pending(t, 1010)
	// Another sale spends the points while the QR payment is pending.
	f.store.PutCustomer(domain.Customer{ID: "cus-a", Name: "Ani", Points: 0})

	_, err := f.rec.HandleNotification(context.Background(), f.webhook(t, 1010, "00"))
	require.NoError(t, err)
	w, err := f.listener(Config{PollInterval: time.Hour}).Watch(context.Background(), 1010)
	require.NoError(t, err)

	outcome := waitDone(t, w)
	assert.Equal(t, domain.PaymentPaid, outcome.Status)
	assert.ErrorIs(t, outcome.Err, checkout.ErrChargeMismatch)
	assert.Nil(t, outcome.Bill)
	assert.EqualValues(t, 1, f.finalizer.calls.Load())

	_, err = f.store.FindBillByOrderCode(context.Background(), 1010)
	assert.ErrorIs(t, err, store.ErrNotFound)
	product, _ := f.store.GetProduct(context.Background(), "prd-a")
	assert.Equal(t, 5, product.Stock)
}

func TestWatchOfUnknownOrderCountsAsMissing(t *testing.T) {
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	l := NewListener(f.store, f.hub, f.finalizer, Config{PollInterval: time.Hour}, zap.NewNop(), m)

	w, err := l.Watch(context.Background(), 999999)
	require.NoError(t, err)
	outcome := waitDone(t, w)
	assert.ErrorIs(t, outcome.Err, store.ErrNotFound)

	expected := `
# HELP pos_payment_watch_outcomes_total Payment watches that ended, by final status
# TYPE pos_payment_watch_outcomes_total counter
pos_payment_watch_outcomes_total{status="missing"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "pos_payment_watch_outcomes_total"))
}

func TestResumeFinalizesPaidAndWatchesPending(t *testing.T) {
	f := newFixture(t)
	f.pending(t, 2001)
	f.pending(t, 2002)
	_, _, err := f.store.ResolvePendingPayment(context.Background(), 2001, domain.PaymentPaid, nil, time.Now())
	require.NoError(t, err)

	l := f.listener(Config{PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Resume(ctx))

	bill, err := f.store.FindBillByOrderCode(context.Background(), 2001)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentMethodQR, bill.PaymentMethod)

	w, ok := l.Lookup(2002)
	require.True(t, ok)
	cancel()
	outcome := waitDone(t, w)
	assert.ErrorIs(t, outcome.Err, context.Canceled)
}

func TestRunWaitsForWatches(t *testing.T) {
	f := newFixture(t)
	f.pending(t, 3001)
	l := f.listener(Config{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := l.Lookup(3001)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	_, ok := l.Lookup(3001)
	assert.False(t, ok)
}
