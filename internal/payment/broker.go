package payment

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"kasirpoin/backend/internal/domain"
	"kasirpoin/backend/internal/metrics"
	"kasirpoin/backend/internal/store"
)

const (
	maxOrderCodeAttempts = 3
	maxDescriptionLength = 25
)

// IntentStore is the slice of the payment store the broker writes to. It has
// no way to change a payment status.
type IntentStore interface {
	CreatePendingPayment(ctx context.Context, payment domain.PendingPayment) error
	DeletePendingPayment(ctx context.Context, orderCode int64) error
	AttachPaymentLink(ctx context.Context, orderCode int64, checkoutURL string, qrCode string) error
}

type IntentRequest struct {
	Cart        domain.CartSnapshot
	Amount      int64
	Description string
	Items       []LinkItem
	CreatedBy   string
}

type Intent struct {
	OrderCode   int64
	Amount      int64
	CheckoutURL string
	QRCode      string
}

// OrderCodeGenerator returns a positive integer below 2^53.
type OrderCodeGenerator func() int64

func TimeOrderCodes() OrderCodeGenerator {
	return func() int64 {
		return time.Now().UnixMilli()*1000 + rand.Int64N(1000)
	}
}

type Broker struct {
	store    IntentStore
	provider Provider
	codes    OrderCodeGenerator
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewBroker(s IntentStore, provider Provider, codes OrderCodeGenerator, log *zap.Logger, m *metrics.Metrics) *Broker {
	if codes == nil {
		codes = TimeOrderCodes()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Broker{
		store:    s,
		provider: provider,
		codes:    codes,
		log:      log.With(zap.String("component", "payment-broker")),
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateIntent records a PENDING payment and asks the provider for a QR
// link. A provider failure removes the record again.
func (b *Broker) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if req.Amount < 1 {
		return nil, fmt.Errorf("%w: payment amount must be positive", store.ErrInvalidRequest)
	}
	if len(req.Cart.Items) == 0 {
		return nil, fmt.Errorf("%w: cart is empty", store.ErrInvalidRequest)
	}

	pending := domain.PendingPayment{
		Status:    domain.PaymentPending,
		Amount:    req.Amount,
		Cart:      req.Cart,
		CreatedBy: req.CreatedBy,
		CreatedAt: b.now(),
	}

	var err error
	for attempt := 1; attempt <= maxOrderCodeAttempts; attempt++ {
		pending.OrderCode = b.codes()
		pending.Description = description(req.Description, pending.OrderCode)
		err = b.store.CreatePendingPayment(ctx, pending)
		if !errors.Is(err, store.ErrDuplicate) {
			break
		}
		b.log.Debug("order code collision", zap.Int64("order_code", pending.OrderCode), zap.Int("attempt", attempt))
	}
	if err != nil {
		b.metrics.IntentCreated("store_error")
		return nil, fmt.Errorf("record pending payment: %w", err)
	}

	link, err := b.provider.CreatePaymentLink(ctx, LinkRequest{
		OrderCode:   pending.OrderCode,
		Amount:      pending.Amount,
		Description: pending.Description,
		Items:       req.Items,
	})
	if err != nil {
		b.compensate(pending.OrderCode)
		b.metrics.IntentCreated("provider_error")
		b.log.Error("payment link creation failed", zap.Int64("order_code", pending.OrderCode), zap.Error(err))
		if !errors.Is(err, ErrProvider) {
			err = fmt.Errorf("%w: %v", ErrProvider, err)
		}
		return nil, err
	}

	if err := b.store.AttachPaymentLink(ctx, pending.OrderCode, link.CheckoutURL, link.QRCode); err != nil {
		b.log.Warn("could not store payment link", zap.Int64("order_code", pending.OrderCode), zap.Error(err))
	}

	b.metrics.IntentCreated("created")
	b.log.Info("payment intent created", zap.Int64("order_code", pending.OrderCode), zap.Int64("amount", pending.Amount))
	return &Intent{
		OrderCode:   pending.OrderCode,
		Amount:      pending.Amount,
		CheckoutURL: link.CheckoutURL,
		QRCode:      link.QRCode,
	}, nil
}

// compensate runs detached from the request context so a cancelled request
// still cleans up.
func (b *Broker) compensate(orderCode int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.store.DeletePendingPayment(ctx, orderCode); err != nil && !errors.Is(err, store.ErrNotFound) {
		b.log.Error("could not remove pending payment", zap.Int64("order_code", orderCode), zap.Error(err))
	}
}

func description(desc string, orderCode int64) string {
	if desc == "" {
		desc = fmt.Sprintf("POS %d", orderCode)
	}
	runes := []rune(desc)
	if len(runes) > maxDescriptionLength {
		runes = runes[:maxDescriptionLength]
	}
	return string(runes)
}
