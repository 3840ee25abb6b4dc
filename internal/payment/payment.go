// Package payment requests payable links from the payment provider.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jensholdgaard/bidengine/internal/config"
)

// ErrRejected is returned when the provider refuses a link request.
var ErrRejected = errors.New("payment provider rejected request")

// LinkRequest describes the payable link to create.
type LinkRequest struct {
	Amount    decimal.Decimal
	Currency  string
	ItemLabel string
	Metadata  map[string]string
	// IdempotencyKey makes repeated requests return the same link.
	IdempotencyKey string
}

// Gateway creates payable links.
type Gateway interface {
	CreatePayableLink(ctx context.Context, req LinkRequest) (string, error)
}

type linkBody struct {
	Amount    string            `json:"amount"`
	Currency  string            `json:"currency"`
	ItemLabel string            `json:"item_label"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type linkResponse struct {
	URL string `json:"url"`
}

// Client is a JSON-over-HTTP Gateway.
type Client struct {
	endpoint string
	apiKey   string
	currency string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient builds a Client from cfg. Requests are traced.
func NewClient(cfg config.PaymentConfig, logger *slog.Logger) *Client {
	return &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		currency: cfg.Currency,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// CreatePayableLink implements Gateway. An empty Currency falls back to
// the configured one.
func (c *Client) CreatePayableLink(ctx context.Context, req LinkRequest) (string, error) {
	currency := req.Currency
	if currency == "" {
		currency = c.currency
	}
	body, err := json.Marshal(linkBody{
		Amount:    req.Amount.StringFixed(2),
		Currency:  currency,
		ItemLabel: req.ItemLabel,
		Metadata:  req.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("encoding link request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building link request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("requesting payable link: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("status %d: %s: %w", resp.StatusCode, bytes.TrimSpace(msg), ErrRejected)
	}

	var out linkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding link response: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("empty link in response: %w", ErrRejected)
	}

	c.logger.InfoContext(ctx, "payable link created",
		slog.String("idempotency_key", req.IdempotencyKey),
		slog.String("amount", req.Amount.String()),
	)
	return out.URL, nil
}
