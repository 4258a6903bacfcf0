package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kasirpoin/backend/internal/cache"
	"kasirpoin/backend/internal/checkout"
	"kasirpoin/backend/internal/domain"
	"kasirpoin/backend/internal/feed"
	"kasirpoin/backend/internal/metrics"
	"kasirpoin/backend/internal/payment"
	"kasirpoin/backend/internal/reconcile"
	"kasirpoin/backend/internal/service"
	"kasirpoin/backend/internal/store"
	"kasirpoin/backend/internal/store/memory"
)

const (
	testOrigin   = "http://pos.test"
	testChecksum = "http-test-checksum"
)

// newTestAPI wires the full stack on the in-memory store with the sandbox
// provider, so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	hub := feed.NewHub()
	m := metrics.New(prometheus.NewRegistry())
	engine := checkout.NewEngine(repo, checkout.DefaultPolicy(), store.DefaultRetrier(), zap.NewNop(), m)
	broker := payment.NewBroker(repo, payment.SandboxProvider{}, nil, zap.NewNop(), m)
	listener := reconcile.NewListener(repo, hub, engine, reconcile.Config{PollInterval: 20 * time.Millisecond}, zap.NewNop(), m)
	signer := payment.NewSigner(testChecksum)

	svc := service.New(service.Deps{
		Repo:     repo,
		Engine:   engine,
		Broker:   broker,
		Listener: listener,
		Carts:    cache.NewMemoryCartStore(),
		Logger:   zap.NewNop(),
	})
	auth := NewAuthManager(context.Background(), "test-secret-key", time.Hour, repo)

	return New(svc, auth, Options{
		AllowedOrigin: testOrigin,
		Reconciler:    payment.NewReconciler(repo, signer, hub, zap.NewNop(), m),
		Sandbox:       &signer,
		Metrics:       m,
	})
}

type client struct {
	t       *testing.T
	handler http.Handler
	token   string
	csrf    string
}

func newClient(t *testing.T, api *API, username string, password string) *client {
	t.Helper()
	return &client{
		t:       t,
		handler: api.Handler(),
		token:   loginAs(t, api, username, password),
		csrf:    fetchCSRFToken(t, api),
	}
}

func (c *client) do(method string, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-CSRF-Token", c.csrf)
	res := httptest.NewRecorder()
	c.handler.ServeHTTP(res, req)
	return res
}

func decodeBody[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out), res.Body.String())
	return out
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, res.Code)
	body := decodeBody[map[string]any](t, res)
	assert.Equal(t, true, body["ok"])
}

func TestProductsRequireAuth(t *testing.T) {
	api := newTestAPI(t)
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/v1/products", nil))

	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestCashCheckoutReturnsBill(t *testing.T) {
	api := newTestAPI(t)
	c := newClient(t, api, "cashier", "cashier123")

	res := c.do(http.MethodPost, "/api/v1/checkout", domain.CheckoutRequest{
		PaymentMethod: "cash",
		CashReceived:  60000,
		Items:         []domain.CartItem{{ProductID: "prd-telur-10", Qty: 2}},
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	resp := decodeBody[domain.CheckoutResponse](t, res)
	require.NotNil(t, resp.Bill)
	assert.Equal(t, int64(53000), resp.Bill.Subtotal)
	assert.Equal(t, int64(5300), resp.Bill.Tax)
	assert.Equal(t, int64(58300), resp.Bill.TotalAfterDiscount)
	assert.Equal(t, int64(1700), resp.Bill.Change)
}

func TestCheckoutErrorsMapToStatus(t *testing.T) {
	api := newTestAPI(t)
	c := newClient(t, api, "cashier", "cashier123")

	res := c.do(http.MethodPost, "/api/v1/checkout", domain.CheckoutRequest{
		PaymentMethod: "cash",
		Items:         []domain.CartItem{{ProductID: "prd-sabun", Qty: 999}},
	})
	require.Equal(t, http.StatusConflict, res.Code)
	body := decodeBody[map[string]any](t, res)
	assert.Equal(t, "prd-sabun", body["product_id"])
	assert.EqualValues(t, 120, body["available"])

	res = c.do(http.MethodPost, "/api/v1/checkout", domain.CheckoutRequest{
		PaymentMethod: "cash",
		Items:         []domain.CartItem{{ProductID: "prd-missing", Qty: 1}},
	})
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = c.do(http.MethodPost, "/api/v1/checkout", map[string]any{"payment_method": "cash", "surprise": 1})
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestAdminCatalogRoutes(t *testing.T) {
	api := newTestAPI(t)
	admin := newClient(t, api, "admin", "admin123")

	res := admin.do(http.MethodPost, "/api/v1/products", domain.ProductCreateRequest{
		Name: "Es Teh", Category: "beverage", Price: 5000, InitialStock: 3,
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	created := decodeBody[map[string]domain.Product](t, res)["product"]

	res = admin.do(http.MethodPost, "/api/v1/products/"+created.ID+"/receive", domain.StockReceiptRequest{Qty: 7, ImportPrice: 2500})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Equal(t, 10, decodeBody[map[string]domain.Product](t, res)["product"].Stock)

	res = admin.do(http.MethodPatch, "/api/v1/products/prd-unknown", map[string]any{"price": 100})
	assert.Equal(t, http.StatusNotFound, res.Code)

	cashier := newClient(t, api, "cashier", "cashier123")
	res = cashier.do(http.MethodPost, "/api/v1/products", domain.ProductCreateRequest{Name: "X", Category: "y", Price: 1})
	assert.Equal(t, http.StatusForbidden, res.Code)
}

func TestCartSessionLifecycle(t *testing.T) {
	api := newTestAPI(t)
	c := newClient(t, api, "cashier", "cashier123")

	res := c.do(http.MethodGet, "/api/v1/cart-sessions/till-9", nil)
	require.Equal(t, http.StatusNotFound, res.Code)

	res = c.do(http.MethodPut, "/api/v1/cart-sessions/till-9", domain.CartSessionRequest{
		TerminalID: "till-9",
		Items:      []domain.CartItem{{ProductID: "prd-air-600", Qty: 4}},
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = c.do(http.MethodGet, "/api/v1/cart-sessions/till-9", nil)
	require.Equal(t, http.StatusOK, res.Code)
	session := decodeBody[map[string]domain.CartSession](t, res)["session"]
	require.Len(t, session.Items, 1)
	assert.Equal(t, 4, session.Items[0].Qty)

	res = c.do(http.MethodPost, "/api/v1/checkout", domain.CheckoutRequest{SessionID: "till-9", PaymentMethod: "cash"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = c.do(http.MethodGet, "/api/v1/cart-sessions/till-9", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestQRCheckoutSettledBySimulatedProvider(t *testing.T) {
	api := newTestAPI(t)
	c := newClient(t, api, "cashier", "cashier123")

	res := c.do(http.MethodPost, "/api/v1/checkout", domain.CheckoutRequest{
		PaymentMethod: "qr",
		Items:         []domain.CartItem{{ProductID: "prd-teh-celup", Qty: 1}},
	})
	require.Equal(t, http.StatusAccepted, res.Code, res.Body.String())
	intent := decodeBody[domain.CheckoutResponse](t, res).Payment
	require.NotNil(t, intent)
	assert.Equal(t, int64(10780), intent.Amount)
	assert.Contains(t, intent.QRCode, "SANDBOX")

	path := fmt.Sprintf("/api/v1/payments/%d", intent.OrderCode)
	res = c.do(http.MethodPost, path+"/simulate?result=paid", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	require.Eventually(t, func() bool {
		res := c.do(http.MethodGet, path, nil)
		if res.Code != http.StatusOK {
			return false
		}
		view := decodeBody[domain.PaymentView](t, res)
		return view.Status == domain.PaymentPaid && view.Bill != nil
	}, 3*time.Second, 20*time.Millisecond)

	// a repeated provider callback changes nothing
	res = c.do(http.MethodPost, path+"/simulate?result=paid", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, string(payment.ResultAlreadyTerminal), decodeBody[map[string]any](t, res)["result"])
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	api := newTestAPI(t)

	raw, err := payment.SimulatedNotification(payment.NewSigner("wrong-key"), 12345, 1000, true)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", bytes.NewReader(raw))
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	assert.Equal(t, http.StatusBadRequest, res.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", strings.NewReader("not json"))
	res = httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestWebhookRejectsOtherMethods(t *testing.T) {
	api := newTestAPI(t)

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		req := httptest.NewRequest(method, "/api/v1/payments/webhook", nil)
		res := httptest.NewRecorder()
		api.Handler().ServeHTTP(res, req)

		assert.Equal(t, http.StatusMethodNotAllowed, res.Code, method)
		assert.Equal(t, http.MethodPost, res.Header().Get("Allow"), method)
	}
}

func TestWebhookForUnknownOrderIsAcknowledged(t *testing.T) {
	api := newTestAPI(t)

	raw, err := payment.SimulatedNotification(payment.NewSigner(testChecksum), 424242, 1000, true)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", bytes.NewReader(raw))
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)

	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, string(payment.ResultIgnored), decodeBody[map[string]any](t, res)["result"])
}

func TestWatchStreamsUntilPaid(t *testing.T) {
	api := newTestAPI(t)
	c := newClient(t, api, "cashier", "cashier123")
	srv := httptest.NewServer(c.handler)
	defer srv.Close()

	res := c.do(http.MethodPost, "/api/v1/checkout", domain.CheckoutRequest{
		PaymentMethod: "qr",
		Items:         []domain.CartItem{{ProductID: "prd-roti-tawar", Qty: 1}},
	})
	require.Equal(t, http.StatusAccepted, res.Code, res.Body.String())
	intent := decodeBody[domain.CheckoutResponse](t, res).Payment

	wsURL := fmt.Sprintf("ws%s/api/v1/payments/%d/watch?access_token=%s",
		strings.TrimPrefix(srv.URL, "http"), intent.OrderCode, c.token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first domain.PaymentView
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, domain.PaymentPending, first.Status)

	res = c.do(http.MethodPost, fmt.Sprintf("/api/v1/payments/%d/simulate", intent.OrderCode), nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	var last domain.PaymentView
	require.NoError(t, conn.ReadJSON(&last))
	assert.Equal(t, domain.PaymentPaid, last.Status)
	require.NotNil(t, last.Bill)
	assert.Equal(t, intent.Amount, last.Bill.TotalAfterDiscount)
}

func TestDailyReportFormats(t *testing.T) {
	api := newTestAPI(t)
	cashier := newClient(t, api, "cashier", "cashier123")
	res := cashier.do(http.MethodPost, "/api/v1/checkout", domain.CheckoutRequest{
		PaymentMethod: "cash",
		Items:         []domain.CartItem{{ProductID: "prd-keripik", Qty: 2}},
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	admin := newClient(t, api, "admin", "admin123")

	res = admin.do(http.MethodGet, "/api/v1/reports/daily", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	report := decodeBody[domain.DailyReport](t, res)
	assert.Equal(t, 1, report.Bills)
	assert.Equal(t, int64(25600), report.GrossSales)

	res = admin.do(http.MethodGet, "/api/v1/reports/daily?format=csv", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, res.Body.String(), "summary,gross_sales,25600")
	assert.Contains(t, res.Body.String(), "payment,cash_bills,1")

	res = admin.do(http.MethodGet, "/api/v1/reports/daily?format=xlsx", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.True(t, bytes.HasPrefix(res.Body.Bytes(), []byte("PK")), "xlsx is a zip archive")

	res = admin.do(http.MethodGet, "/api/v1/reports/daily?format=html", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "Daily Report "+report.Date)

	res = admin.do(http.MethodGet, "/api/v1/reports/daily?date=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestMetricsEndpointExposesSales(t *testing.T) {
	api := newTestAPI(t)
	c := newClient(t, api, "cashier", "cashier123")
	res := c.do(http.MethodPost, "/api/v1/checkout", domain.CheckoutRequest{
		PaymentMethod: "cash",
		Items:         []domain.CartItem{{ProductID: "prd-mie-goreng", Qty: 1}},
	})
	require.Equal(t, http.StatusOK, res.Code)

	res = httptest.NewRecorder()
	c.handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), `pos_sales_finalized_total{payment_method="cash"} 1`)
	assert.Contains(t, res.Body.String(), `route="/api/v1/checkout"`)
}
