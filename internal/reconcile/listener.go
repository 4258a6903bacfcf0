// Package reconcile finalizes QR sales once the provider has settled them.
// A watch subscribes to the order's feed first and reads the stored record
// second, so a transition between the two is never lost.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kasirpoin/backend/internal/checkout"
	"kasirpoin/backend/internal/domain"
	"kasirpoin/backend/internal/feed"
	"kasirpoin/backend/internal/metrics"
	"kasirpoin/backend/internal/store"
)

// PaymentReader is a read-only view of pending payments.
type PaymentReader interface {
	GetPendingPayment(ctx context.Context, orderCode int64) (*domain.PendingPayment, error)
	ListPendingPayments(ctx context.Context, status domain.PaymentStatus, limit int) ([]domain.PendingPayment, error)
	ListPaidWithoutBill(ctx context.Context, limit int) ([]domain.PendingPayment, error)
}

type Finalizer interface {
	FinalizeSale(ctx context.Context, req checkout.SaleRequest) (checkout.Result, error)
}

type Config struct {
	// Timeout bounds how long an order is watched.
	Timeout time.Duration
	// PollInterval re-reads the record in case a feed event was lost.
	PollInterval time.Duration
	// ResumeLimit caps how many records Resume loads per status.
	ResumeLimit int
}

func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Minute, PollInterval: 5 * time.Second, ResumeLimit: 500}
}

// Outcome is the final state of a watch.
type Outcome struct {
	OrderCode int64
	Status    domain.PaymentStatus
	Bill      *domain.Bill
	Err       error
}

type Watch struct {
	orderCode int64
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
	outcome   Outcome
}

func (w *Watch) OrderCode() int64 {
	return w.orderCode
}

// Done is closed once the outcome is known or the watch ended.
func (w *Watch) Done() <-chan struct{} {
	return w.done
}

// Outcome is valid after Done is closed.
func (w *Watch) Outcome() Outcome {
	<-w.done
	return w.outcome
}

// Stop ends the watch. The pending record is left as it is.
func (w *Watch) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watch) finish(o Outcome) {
	w.once.Do(func() {
		o.OrderCode = w.orderCode
		w.outcome = o
		close(w.done)
	})
}

type Listener struct {
	payments  PaymentReader
	feed      feed.Subscriber
	finalizer Finalizer
	cfg       Config
	log       *zap.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	base    context.Context
	closed  bool
	watches map[int64]*Watch
	wg      sync.WaitGroup
}

var ErrClosed = errors.New("listener stopped")

func NewListener(payments PaymentReader, sub feed.Subscriber, finalizer Finalizer, cfg Config, log *zap.Logger, m *metrics.Metrics) *Listener {
	defaults := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.ResumeLimit <= 0 {
		cfg.ResumeLimit = defaults.ResumeLimit
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{
		payments:  payments,
		feed:      sub,
		finalizer: finalizer,
		cfg:       cfg,
		log:       log.With(zap.String("component", "reconcile")),
		metrics:   m,
		base:      context.Background(),
		watches:   make(map[int64]*Watch),
	}
}

// Run resumes unfinished orders, then keeps server-side watches alive until
// ctx ends. It returns after every watch has stopped.
func (l *Listener) Run(ctx context.Context) error {
	l.mu.Lock()
	l.base = ctx
	l.mu.Unlock()

	if err := l.Resume(ctx); err != nil {
		l.log.Error("resume failed", zap.Error(err))
	}

	<-ctx.Done()
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}

// Track starts a watch bound to the listener's lifetime rather than to a
// request.
func (l *Listener) Track(orderCode int64) (*Watch, error) {
	l.mu.Lock()
	base := l.base
	l.mu.Unlock()
	return l.Watch(base, orderCode)
}

// Lookup returns the live watch for an order, if any.
func (l *Listener) Lookup(orderCode int64) (*Watch, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.watches[orderCode]
	return w, ok
}

// Watch follows one order until it is settled, ctx ends or the configured
// timeout passes. Only one watch per order runs in this process; a second
// call returns the existing one.
func (l *Listener) Watch(ctx context.Context, orderCode int64) (*Watch, error) {
	if w, ok := l.Lookup(orderCode); ok {
		return w, nil
	}

	sub, err := l.feed.Subscribe(ctx, orderCode)
	if err != nil {
		return nil, fmt.Errorf("watch order %d: %w", orderCode, err)
	}

	wctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	w := &Watch{orderCode: orderCode, cancel: cancel, done: make(chan struct{})}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		cancel()
		_ = sub.Close()
		return nil, ErrClosed
	}
	if existing, ok := l.watches[orderCode]; ok {
		l.mu.Unlock()
		cancel()
		_ = sub.Close()
		return existing, nil
	}
	l.watches[orderCode] = w
	l.wg.Add(1)
	l.mu.Unlock()

	go l.follow(wctx, w, sub)
	return w, nil
}

func (l *Listener) follow(ctx context.Context, w *Watch, sub feed.Subscription) {
	log := l.log.With(zap.Int64("order_code", w.orderCode))
	var outcome Outcome
	defer l.wg.Done()
	defer func() {
		w.cancel()
		if err := sub.Close(); err != nil {
			log.Warn("closing payment subscription", zap.Error(err))
		}
		l.mu.Lock()
		if l.watches[w.orderCode] == w {
			delete(l.watches, w.orderCode)
		}
		l.mu.Unlock()

		l.metrics.WatchEnded(outcomeLabel(outcome))
		w.finish(outcome)
	}()

	var settled bool
	if outcome, settled = l.settle(ctx, w.orderCode, log); settled {
		return
	}

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	events := sub.C()
	for {
		select {
		case <-ctx.Done():
			outcome = Outcome{Status: domain.PaymentPending, Err: ctx.Err()}
			return
		case ev, ok := <-events:
			if !ok {
				log.Warn("payment feed closed, falling back to polling")
				events = nil
				continue
			}
			if !ev.Status.Terminal() {
				continue
			}
		case <-ticker.C:
		}
		if outcome, settled = l.settle(ctx, w.orderCode, log); settled {
			return
		}
	}
}

// settle reads the stored record and acts on a terminal status. The bool
// reports whether the watch is finished.
func (l *Listener) settle(ctx context.Context, orderCode int64, log *zap.Logger) (Outcome, bool) {
	p, err := l.payments.GetPendingPayment(ctx, orderCode)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("watched order has no payment record")
		return Outcome{Err: err}, true
	}
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Status: domain.PaymentPending, Err: ctx.Err()}, true
		}
		log.Warn("reading payment snapshot", zap.Error(err))
		return Outcome{}, false
	}

	switch p.Status {
	case domain.PaymentCancelled:
		log.Info("payment cancelled, ledger untouched")
		return Outcome{Status: domain.PaymentCancelled}, true
	case domain.PaymentPaid:
		bill, err := l.finalize(ctx, *p)
		if err != nil && retryable(err) && ctx.Err() == nil {
			log.Warn("finalization will be retried", zap.Error(err))
			return Outcome{}, false
		}
		return Outcome{Status: domain.PaymentPaid, Bill: bill, Err: err}, true
	default:
		return Outcome{}, false
	}
}

func (l *Listener) finalize(ctx context.Context, p domain.PendingPayment) (*domain.Bill, error) {
	res, err := l.finalizer.FinalizeSale(ctx, checkout.SaleRequest{
		Items:           p.Cart.Items,
		CustomerID:      p.Cart.CustomerID,
		PointsRequested: p.Cart.PointsUsed,
		PaymentMethod:   domain.PaymentMethodQR,
		OrderCode:       p.OrderCode,
		ChargedAmount:   p.Amount,
		Cashier:         p.CreatedBy,
	})
	if err != nil {
		switch {
		case errors.Is(err, checkout.ErrChargeMismatch):
			l.log.Error("paid order no longer matches the charged amount",
				zap.Int64("order_code", p.OrderCode), zap.Int64("amount", p.Amount),
				zap.Int("points_quoted", p.Cart.PointsUsed), zap.Error(err))
		case !retryable(err):
			l.log.Error("paid order could not be finalized",
				zap.Int64("order_code", p.OrderCode), zap.Int64("amount", p.Amount), zap.Error(err))
		}
		return nil, err
	}
	return &res.Bill, nil
}

func outcomeLabel(o Outcome) string {
	switch {
	case errors.Is(o.Err, store.ErrNotFound):
		return "missing"
	case o.Err != nil && o.Status == domain.PaymentPending:
		return "abandoned"
	case o.Status == "":
		return "unknown"
	default:
		return string(o.Status)
	}
}

// retryable separates transient failures from ones a later attempt cannot fix.
func retryable(err error) bool {
	return !errors.Is(err, store.ErrInsufficientStock) && !errors.Is(err, store.ErrInvalidRequest)
}

// Resume finalizes paid orders that never got a bill and watches the ones
// still pending. It is meant to run once at startup.
func (l *Listener) Resume(ctx context.Context) error {
	paid, err := l.payments.ListPaidWithoutBill(ctx, l.cfg.ResumeLimit)
	if err != nil {
		return fmt.Errorf("list paid orders: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, p := range paid {
		g.Go(func() error {
			_, err := l.finalize(gctx, p)
			switch {
			case err == nil:
				l.log.Info("recovered paid order", zap.Int64("order_code", p.OrderCode))
				return nil
			case retryable(err):
				return err
			default:
				// already logged; needs an operator
				return nil
			}
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("finalize paid orders: %w", err)
	}

	pending, err := l.payments.ListPendingPayments(ctx, domain.PaymentPending, l.cfg.ResumeLimit)
	if err != nil {
		return fmt.Errorf("list pending orders: %w", err)
	}
	for _, p := range pending {
		if _, err := l.Watch(ctx, p.OrderCode); err != nil {
			l.log.Warn("could not resume watch", zap.Int64("order_code", p.OrderCode), zap.Error(err))
		}
	}
	if len(paid)+len(pending) > 0 {
		l.log.Info("resumed payments", zap.Int("paid", len(paid)), zap.Int("pending", len(pending)))
	}
	return nil
}
