package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// ChargeStatus is the gateway's view of a charge.
type ChargeStatus string

const (
	ChargeStatusSucceeded ChargeStatus = "succeeded"
	ChargeStatusPending   ChargeStatus = "pending"
	ChargeStatusFailed    ChargeStatus = "failed"
	ChargeStatusNotFound  ChargeStatus = "not_found"
)

// Charge is the gateway's record of a charge.
type Charge struct {
	Status     ChargeStatus `json:"status"`
	ExternalID string       `json:"id"`
	ReceiptRef string       `json:"receipt_ref"`
}

// Refund is the gateway's record of a refund.
type Refund struct {
	Status   ChargeStatus `json:"status"`
	RefundID string       `json:"id"`
}

// Client talks to the CampusPay processor. Charges are idempotent on the
// gateway side: the Idempotency-Key header doubles as the client reference,
// so GetCharge can recover the definitive state of an ambiguous call.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a new CampusPay client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

type createChargeRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CreateCharge charges amount (minor units) against the processor. The
// idempotency key makes retries safe: the gateway returns the original charge
// for a repeated key instead of charging twice.
func (c *Client) CreateCharge(ctx context.Context, idempotencyKey string, amount int64, currency string, metadata map[string]string) (*Charge, error) {
	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, &Error{Code: "missing_idempotency_key", Detail: "idempotency key is required"}
	}
	if amount <= 0 {
		return nil, &Error{Code: "invalid_amount", Detail: fmt.Sprintf("amount must be positive, got %d", amount)}
	}

	body := createChargeRequest{Amount: amount, Currency: currency, Metadata: metadata}
	headers := map[string]string{"Idempotency-Key": idempotencyKey}

	var charge Charge
	if err := c.do(ctx, http.MethodPost, "/v1/charges", headers, body, &charge); err != nil {
		return nil, err
	}
	return &charge, nil
}

type refundRequest struct {
	Amount int64 `json:"amount"`
}

// RefundCharge refunds amount (minor units) of a previously settled charge.
func (c *Client) RefundCharge(ctx context.Context, externalID string, amount int64) (*Refund, error) {
	if strings.TrimSpace(externalID) == "" {
		return nil, &Error{Code: "missing_charge_id", Detail: "charge id is required"}
	}
	if amount <= 0 {
		return nil, &Error{Code: "invalid_amount", Detail: fmt.Sprintf("amount must be positive, got %d", amount)}
	}

	path := fmt.Sprintf("/v1/charges/%s/refunds", url.PathEscape(externalID))

	var refund Refund
	if err := c.do(ctx, http.MethodPost, path, nil, refundRequest{Amount: amount}, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

// GetCharge looks a charge up by client reference (the idempotency key used
// at creation). Returns a not_found charge, not an error, when the gateway
// has no record: that means the ambiguous call never went through.
func (c *Client) GetCharge(ctx context.Context, reference string) (*Charge, error) {
	path := "/v1/charges?reference=" + url.QueryEscape(reference)

	var charge Charge
	err := c.do(ctx, http.MethodGet, path, nil, nil, &charge)
	if err != nil {
		var gwErr *Error
		if errors.As(err, &gwErr) && gwErr.Code == "not_found" {
			return &Charge{Status: ChargeStatusNotFound}, nil
		}
		return nil, err
	}
	return &charge, nil
}

type errorResponse struct {
	Error struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gateway request encode error: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("gateway request error: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyRequestError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		// Response started but could not be read; outcome unknown.
		return fmt.Errorf("%w: %v", ErrAmbiguous, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("gateway response decode error: %w", err)
		}
		return nil
	}

	var errResp errorResponse
	code := fmt.Sprintf("http_%d", resp.StatusCode)
	detail := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &errResp); err == nil && errResp.Error.Code != "" {
		code = errResp.Error.Code
		detail = errResp.Error.Detail
	}

	return &Error{
		Code:      code,
		Detail:    detail,
		Transient: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
	}
}
