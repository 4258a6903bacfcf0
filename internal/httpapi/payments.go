package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kasirpoin/backend/internal/domain"
	"kasirpoin/backend/internal/logger"
	"kasirpoin/backend/internal/payment"
	"kasirpoin/backend/internal/store"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

func orderCodeParam(r *http.Request) (int64, error) {
	code, err := strconv.ParseInt(chi.URLParam(r, "orderCode"), 10, 64)
	if err != nil || code < 1 {
		return 0, fmt.Errorf("%w: order code must be a positive integer", store.ErrInvalidRequest)
	}
	return code, nil
}

func (a *API) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	code, err := orderCodeParam(r)
	if err != nil {
		fail(w, r, err)
		return
	}

	view, err := a.service.GetPayment(r.Context(), code)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleListPayments(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500)
	payments, err := a.service.ListPayments(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
}

// handleWatchPayment streams payment views over a websocket until the order
// settles. The server-side watch keeps running when the client goes away.
func (a *API) handleWatchPayment(w http.ResponseWriter, r *http.Request) {
	code, err := orderCodeParam(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	if _, err := a.service.GetPayment(r.Context(), code); err != nil {
		fail(w, r, err)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already answered the client
		return
	}
	defer conn.Close()

	log := logger.FromContext(r.Context()).With(zap.Int64("order_code", code))
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Client frames are ignored; a read error means the peer is gone.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	views := make(chan domain.PaymentView, 1)
	done := make(chan error, 1)
	go func() {
		done <- a.service.WatchPayment(ctx, code, func(v domain.PaymentView) error {
			select {
			case views <- v:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case view := <-views:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(view); err != nil {
				log.Debug("payment stream write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("payment stream ended", zap.Error(err))
			}
			// flush a view emitted right before the watch returned
			select {
			case view := <-views:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				_ = conn.WriteJSON(view)
			default:
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "settled"),
				time.Now().Add(wsWriteTimeout))
			return
		}
	}
}

// handleWebhook answers the provider with 200 for anything it should not
// retry, including notifications for unknown or already settled orders.
func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, r, http.StatusMethodNotAllowed, errors.New("webhook accepts POST only"))
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errors.New("unreadable body"))
		return
	}
	a.applyNotification(w, r, raw)
}

func (a *API) applyNotification(w http.ResponseWriter, r *http.Request, raw []byte) {
	result, err := a.reconciler.HandleNotification(r.Context(), raw)
	switch {
	case errors.Is(err, payment.ErrMalformed), errors.Is(err, payment.ErrSignatureInvalid):
		logger.FromContext(r.Context()).Warn("payment notification rejected", zap.Error(err))
		writeError(w, r, http.StatusBadRequest, err)
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
	}
}

// handleSimulatePayment plays the provider in sandbox mode: it signs a
// notification for the order and feeds it through the webhook path.
func (a *API) handleSimulatePayment(w http.ResponseWriter, r *http.Request) {
	code, err := orderCodeParam(r)
	if err != nil {
		fail(w, r, err)
		return
	}

	paid := true
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("result"))) {
	case "", "paid":
	case "cancelled", "canceled":
		paid = false
	default:
		writeError(w, r, http.StatusBadRequest, errors.New("result must be paid or cancelled"))
		return
	}

	view, err := a.service.GetPayment(r.Context(), code)
	if err != nil {
		fail(w, r, err)
		return
	}
	raw, err := payment.SimulatedNotification(*a.sandbox, code, view.Amount, paid)
	if err != nil {
		fail(w, r, err)
		return
	}
	a.applyNotification(w, r, raw)
}
