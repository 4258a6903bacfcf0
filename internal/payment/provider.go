package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrProvider         = errors.New("payment provider failure")
	ErrSignatureInvalid = errors.New("invalid payment signature")
	ErrMalformed        = errors.New("malformed payment notification")
)

type LinkItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price"`
}

type LinkRequest struct {
	OrderCode   int64
	Amount      int64
	Description string
	Items       []LinkItem
}

type Link struct {
	CheckoutURL string
	QRCode      string
}

// Provider creates hosted QR payment links.
type Provider interface {
	CreatePaymentLink(ctx context.Context, req LinkRequest) (*Link, error)
}

type PayOSConfig struct {
	ClientID    string
	APIKey      string
	ChecksumKey string
	BaseURL     string
	ReturnURL   string
	CancelURL   string
}

// PayOSClient talks to the PayOS merchant API.
type PayOSClient struct {
	cfg    PayOSConfig
	signer Signer
	http   *http.Client
}

func NewPayOSClient(cfg PayOSConfig, httpClient *http.Client) *PayOSClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &PayOSClient{cfg: cfg, signer: NewSigner(cfg.ChecksumKey), http: httpClient}
}

// Signer exposes the checksum signer shared with webhook verification.
func (c *PayOSClient) Signer() Signer {
	return c.signer
}

type payOSLinkBody struct {
	OrderCode   int64      `json:"orderCode"`
	Amount      int64      `json:"amount"`
	Description string     `json:"description"`
	Items       []LinkItem `json:"items,omitempty"`
	CancelURL   string     `json:"cancelUrl"`
	ReturnURL   string     `json:"returnUrl"`
	Signature   string     `json:"signature"`
}

type payOSResponse struct {
	Code string          `json:"code"`
	Desc string          `json:"desc"`
	Data json.RawMessage `json:"data"`
}

type payOSLinkData struct {
	CheckoutURL string `json:"checkoutUrl"`
	QRCode      string `json:"qrCode"`
}

func (c *PayOSClient) CreatePaymentLink(ctx context.Context, req LinkRequest) (*Link, error) {
	body := payOSLinkBody{
		OrderCode:   req.OrderCode,
		Amount:      req.Amount,
		Description: req.Description,
		Items:       req.Items,
		CancelURL:   c.cfg.CancelURL,
		ReturnURL:   c.cfg.ReturnURL,
	}
	body.Signature = c.signer.Sign(linkCanonical(body.Amount, body.CancelURL, body.Description, body.OrderCode, body.ReturnURL))

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v2/payment-requests", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-client-id", c.cfg.ClientID)
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrProvider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: http status %d", ErrProvider, resp.StatusCode)
	}

	var envelope payOSResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrProvider, err)
	}
	if envelope.Code != "00" {
		return nil, fmt.Errorf("%w: code %s: %s", ErrProvider, envelope.Code, envelope.Desc)
	}

	var data payOSLinkData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: decode link: %v", ErrProvider, err)
	}
	if data.CheckoutURL == "" || data.QRCode == "" {
		return nil, fmt.Errorf("%w: response without checkout url or qr code", ErrProvider)
	}
	return &Link{CheckoutURL: data.CheckoutURL, QRCode: data.QRCode}, nil
}

// SandboxProvider fabricates links for development without credentials.
type SandboxProvider struct {
	BaseURL string
}

func (p SandboxProvider) CreatePaymentLink(_ context.Context, req LinkRequest) (*Link, error) {
	base := strings.TrimRight(p.BaseURL, "/")
	if base == "" {
		base = "http://127.0.0.1:8080/sandbox"
	}
	return &Link{
		CheckoutURL: fmt.Sprintf("%s/pay/%d", base, req.OrderCode),
		QRCode:      fmt.Sprintf("SANDBOX|%d|%d", req.OrderCode, req.Amount),
	}, nil
}

// SimulatedNotification builds a correctly signed webhook body for a
// sandbox order, as the provider would send it.
func SimulatedNotification(signer Signer, orderCode int64, amount int64, paid bool) ([]byte, error) {
	code, desc := "00", "success"
	if !paid {
		code, desc = "01", "cancelled"
	}
	data, err := json.Marshal(map[string]any{
		"orderCode":   orderCode,
		"amount":      amount,
		"code":        code,
		"desc":        desc,
		"reference":   fmt.Sprintf("SANDBOX-%d", orderCode),
		"description": fmt.Sprintf("POS %d", orderCode),
	})
	if err != nil {
		return nil, err
	}
	signature, err := signer.SignData(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"code":      code,
		"desc":      desc,
		"success":   paid,
		"data":      json.RawMessage(data),
		"signature": signature,
	})
}
