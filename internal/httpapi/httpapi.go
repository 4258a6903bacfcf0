package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kasirpoin/backend/internal/domain"
	"kasirpoin/backend/internal/logger"
	"kasirpoin/backend/internal/metrics"
	"kasirpoin/backend/internal/payment"
	"kasirpoin/backend/internal/reconcile"
	"kasirpoin/backend/internal/service"
	"kasirpoin/backend/internal/store"
)

const maxBodyBytes = 1 << 20

type Options struct {
	AllowedOrigin string
	Reconciler    *payment.Reconciler
	// Sandbox enables the simulated provider callback route. Nil in
	// production, where only the provider can settle payments.
	Sandbox *payment.Signer
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	reconciler    *payment.Reconciler
	sandbox       *payment.Signer
	metrics       *metrics.Metrics
	log           *zap.Logger
	allowedOrigin string
	logins        *loginLimiter
	csrf          *csrfIssuer
	upgrader      websocket.Upgrader
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	csrf, err := newCSRFIssuer(time.Hour)
	if err != nil {
		panic(fmt.Sprintf("csrf key: %v", err))
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	a := &API{
		service:       svc,
		auth:          auth,
		reconciler:    opts.Reconciler,
		sandbox:       opts.Sandbox,
		metrics:       opts.Metrics,
		log:           opts.Logger.With(zap.String("component", "httpapi")),
		allowedOrigin: opts.AllowedOrigin,
		logins:        newLoginLimiter(5, time.Minute),
		csrf:          csrf,
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     a.checkOrigin,
	}
	return a
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.Middleware(a.log))
	r.Use(a.metrics.Middleware)
	r.Use(a.securityHeaders)

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)
		r.Get("/auth/csrf-token", a.handleCSRFToken)
		// Registered for every method so the static path wins over
		// /payments/{orderCode} and wrong methods get 405 instead of 401.
		r.HandleFunc("/payments/webhook", a.handleWebhook)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleCashier, domain.RoleAdmin))

			r.Get("/products", a.handleListProducts)
			r.Get("/customers", a.handleListCustomers)
			r.Post("/customers", a.handleCreateCustomer)
			r.Get("/customers/{id}", a.handleGetCustomer)

			r.Get("/cart-sessions/{id}", a.handleGetCartSession)
			r.Put("/cart-sessions/{id}", a.handleSaveCartSession)
			r.Delete("/cart-sessions/{id}", a.handleDeleteCartSession)

			r.Post("/checkout", a.handleCheckout)
			r.Get("/payments/{orderCode}", a.handleGetPayment)
			r.Get("/payments/{orderCode}/watch", a.handleWatchPayment)
			if a.sandbox != nil {
				r.Post("/payments/{orderCode}/simulate", a.handleSimulatePayment)
			}
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleAdmin))

			r.Post("/products", a.handleCreateProduct)
			r.Patch("/products/{id}", a.handleUpdateProduct)
			r.Post("/products/{id}/receive", a.handleReceiveStock)
			r.Get("/payments", a.handleListPayments)
			r.Get("/bills", a.handleListBills)
			r.Get("/bills/{id}", a.handleGetBill)
			r.Get("/reports/daily", a.handleDailyReport)
			r.Get("/audit-logs", a.handleAuditLogs)
			r.Get("/users/cashiers", a.handleListCashiers)
			r.Post("/users/cashiers", a.handleCreateCashier)
		})
	})

	return r
}

// requireAuth accepts a bearer token, or an access_token query parameter on
// websocket upgrades where browsers cannot set headers.
func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ""
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				token = strings.TrimSpace(authorization[len("Bearer "):])
			} else if websocket.IsWebSocketUpgrade(r) {
				token = strings.TrimSpace(r.URL.Query().Get("access_token"))
			}
			if token == "" {
				writeError(w, r, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			actor, err := a.auth.ParseToken(token)
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, err)
				return
			}
			if len(roles) > 0 && !slices.Contains(roles, actor.Role) {
				writeError(w, r, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			ctx := service.WithActor(r.Context(), actor)
			ctx = logger.WithContext(ctx, logger.FromContext(ctx).With(zap.String("actor", actor.Username)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// csrfExemptPaths are called without a prior token fetch: login by the UI,
// the webhook by the payment provider.
var csrfExemptPaths = []string{
	"/api/v1/auth/login",
	"/api/v1/payments/webhook",
}

func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return true
	}
	if slices.Contains(csrfExemptPaths, r.URL.Path) {
		return true
	}
	if !a.csrf.Valid(strings.TrimSpace(r.Header.Get("X-CSRF-Token")), time.Now()) {
		writeError(w, r, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

func (a *API) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || origin == a.allowedOrigin
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.logins.Allow(clientKey(r.RemoteAddr), time.Now()) {
		writeError(w, r, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken returns a token for the X-CSRF-Token header of mutating
// requests, valid for up to two hours.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"csrf_token": a.csrf.Issue(time.Now())})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	if parsed, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && parsed > 0 {
		limit = parsed
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// statusFor maps service and store errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrInsufficientStock), errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, payment.ErrProvider):
		return http.StatusBadGateway
	case errors.Is(err, store.ErrConflict), errors.Is(err, reconcile.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, statusFor(err), err)
}

// writeError hides the cause of 5xx responses from clients and logs it
// instead. Stock shortfalls carry the offending line.
func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	body := map[string]any{"error": err.Error()}
	if status >= 500 {
		logger.FromContext(r.Context()).Error("request failed", zap.Int("status", status), zap.Error(err))
		body["error"] = http.StatusText(status)
	}

	var stockErr *store.InsufficientStockError
	if errors.As(err, &stockErr) {
		body["product_id"] = stockErr.ProductID
		body["requested"] = stockErr.Requested
		body["available"] = stockErr.Available
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
