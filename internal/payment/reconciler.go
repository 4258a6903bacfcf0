package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kasirpoin/backend/internal/domain"
	"kasirpoin/backend/internal/feed"
	"kasirpoin/backend/internal/metrics"
	"kasirpoin/backend/internal/store"
)

// StatusWriter is the only path to a payment status transition. It is
// handed to the Reconciler alone.
type StatusWriter interface {
	ResolvePendingPayment(ctx context.Context, orderCode int64, status domain.PaymentStatus, payload json.RawMessage, at time.Time) (*domain.PendingPayment, bool, error)
}

type Result string

const (
	ResultResolved        Result = "resolved"
	ResultAlreadyTerminal Result = "already_terminal"
	ResultIgnored         Result = "ignored"
)

type notification struct {
	Code      string          `json:"code"`
	Desc      string          `json:"desc"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

type notificationData struct {
	OrderCode int64  `json:"orderCode"`
	Amount    int64  `json:"amount"`
	Code      string `json:"code"`
	Reference string `json:"reference"`
}

// Reconciler applies verified provider notifications to pending payments. It
// never touches the ledger; finalization belongs to the listener.
type Reconciler struct {
	writer    StatusWriter
	signer    Signer
	publisher feed.Publisher
	log       *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewReconciler(writer StatusWriter, signer Signer, publisher feed.Publisher, log *zap.Logger, m *metrics.Metrics) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		writer:    writer,
		signer:    signer,
		publisher: publisher,
		log:       log.With(zap.String("component", "payment-reconciler")),
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) HandleNotification(ctx context.Context, raw []byte) (Result, error) {
	result, err := r.handle(ctx, raw)
	outcome := string(result)
	switch {
	case errors.Is(err, ErrMalformed):
		outcome = "malformed"
	case errors.Is(err, ErrSignatureInvalid):
		outcome = "bad_signature"
	case err != nil:
		outcome = "error"
	}
	r.metrics.WebhookHandled(outcome)
	return result, err
}

func (r *Reconciler) handle(ctx context.Context, raw []byte) (Result, error) {
	var note notification
	if err := json.Unmarshal(raw, &note); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	data := bytes.TrimSpace(note.Data)
	if len(data) == 0 || data[0] != '{' || note.Signature == "" {
		return "", fmt.Errorf("%w: missing data or signature", ErrMalformed)
	}

	canonical, err := DataCanonical(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !r.signer.Verify(canonical, note.Signature) {
		r.log.Warn("rejected payment notification with bad signature")
		return "", ErrSignatureInvalid
	}

	var fields notificationData
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields.OrderCode < 1 {
		return "", fmt.Errorf("%w: missing order code", ErrMalformed)
	}

	code := fields.Code
	if code == "" {
		code = note.Code
	}
	status := domain.PaymentCancelled
	if code == "00" {
		status = domain.PaymentPaid
	}

	log := r.log.With(zap.Int64("order_code", fields.OrderCode), zap.String("status", string(status)))
	at := r.now()
	record, changed, err := r.writer.ResolvePendingPayment(ctx, fields.OrderCode, status, json.RawMessage(data), at)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("notification for unknown order ignored")
		return ResultIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve payment %d: %w", fields.OrderCode, err)
	}
	if !changed {
		log.Info("notification for settled order ignored", zap.String("current_status", string(record.Status)))
		return ResultAlreadyTerminal, nil
	}

	if status == domain.PaymentPaid && fields.Amount != 0 && fields.Amount != record.Amount {
		log.Warn("paid amount differs from intent", zap.Int64("paid", fields.Amount), zap.Int64("expected", record.Amount))
	}

	if err := r.publisher.Publish(ctx, feed.Event{OrderCode: fields.OrderCode, Status: status, At: at}); err != nil {
		// the record is settled; listeners also poll the snapshot
		log.Error("could not publish payment event", zap.Error(err))
	}
	log.Info("payment resolved", zap.String("reference", fields.Reference))
	return ResultResolved, nil
}
