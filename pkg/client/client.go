package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a typed HTTP client for the ServiLink payments API
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string

	// Hooks
	OnRequest func(method, path string) // Called before each request
}

// New creates a new API client. The apiKey is sent as a Bearer token on
// every request; pass "" for public read-only access.
func New(baseURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

// WithHTTPClient overrides the underlying http.Client
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// CreatePayment opens a new escrow payment and returns the client secret
// the payer needs to complete the charge.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*CreatePaymentResult, error) {
	var resp struct {
		Payment *CreatePaymentResult `json:"payment"`
	}
	if err := c.do(ctx, "POST", "/v1/payments", req, &resp); err != nil {
		return nil, err
	}
	return resp.Payment, nil
}

// ConfirmPayment confirms the capture of a payment intent after the
// payer completed the charge. It is idempotent and safe to call even
// when the provider webhook has already landed.
func (c *Client) ConfirmPayment(ctx context.Context, intentID string) (*Payment, error) {
	var resp struct {
		Payment *Payment `json:"payment"`
	}
	body := struct {
		IntentID string `json:"intentId"`
	}{IntentID: intentID}
	if err := c.do(ctx, "POST", "/v1/payments/confirm", body, &resp); err != nil {
		return nil, err
	}
	return resp.Payment, nil
}

// GetPayment fetches a payment by id
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var resp struct {
		Payment *Payment `json:"payment"`
	}
	if err := c.do(ctx, "GET", "/v1/payments/"+url.PathEscape(paymentID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Payment, nil
}

// GetStatus fetches the derived settlement status of a payment
func (c *Client) GetStatus(ctx context.Context, paymentID string) (*PaymentStatus, error) {
	var resp struct {
		Status *PaymentStatus `json:"status"`
	}
	if err := c.do(ctx, "GET", "/v1/payments/"+url.PathEscape(paymentID)+"/status", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// ListOrderPayments lists all payments booked against an order reference
func (c *Client) ListOrderPayments(ctx context.Context, orderRef string) ([]*Payment, error) {
	var resp struct {
		Payments []*Payment `json:"payments"`
	}
	if err := c.do(ctx, "GET", "/v1/orders/"+url.PathEscape(orderRef)+"/payments", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Payments, nil
}

// amountBody carries an optional partial amount and reason. Zero-value
// amount means the full remaining amount.
type amountBody struct {
	Amount string `json:"amount,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Release pays the provider out of escrow. An empty amount releases the
// full escrowed amount.
func (c *Client) Release(ctx context.Context, paymentID, amount, reason string) (*Payment, error) {
	return c.paymentAction(ctx, paymentID, "release", amountBody{Amount: amount, Reason: reason})
}

// Refund returns captured funds to the payer. An empty amount refunds
// everything refundable.
func (c *Client) Refund(ctx context.Context, paymentID, amount, reason string) (*Payment, error) {
	return c.paymentAction(ctx, paymentID, "refund", amountBody{Amount: amount, Reason: reason})
}

// Cancel voids a payment that has not been captured yet
func (c *Client) Cancel(ctx context.Context, paymentID string) (*Payment, error) {
	return c.paymentAction(ctx, paymentID, "cancel", nil)
}

func (c *Client) paymentAction(ctx context.Context, paymentID, action string, body interface{}) (*Payment, error) {
	var resp struct {
		Payment *Payment `json:"payment"`
	}
	path := "/v1/payments/" + url.PathEscape(paymentID) + "/" + action
	if err := c.do(ctx, "POST", path, body, &resp); err != nil {
		return nil, err
	}
	return resp.Payment, nil
}

// do performs one API round trip: marshal body, set headers, decode the
// response into out, and surface API errors as *Error.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	if c.OnRequest != nil {
		c.OnRequest(method, path)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = "http_error"
			apiErr.Message = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
