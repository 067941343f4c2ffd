package gateway

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

	"github.com/shopspring/decimal"
)

// ErrRejected is returned when the provider answers but refuses the transfer.
var ErrRejected = errors.New("transfer rejected by provider")

// Client talks to the payment provider's transfer API.
type Client struct {
	baseURL   string
	secretKey string
	http      *http.Client
}

func NewClient(baseURL, secretKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		http:      &http.Client{Timeout: timeout},
	}
}

// TransferRequest is one payout. Reference makes the request idempotent on
// the provider side.
type TransferRequest struct {
	Reference     string          `json:"reference"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	AccountNumber string          `json:"account_number"`
	BankCode      string          `json:"bank_code"`
	Recipient     string          `json:"recipient_name"`
	Narration     string          `json:"narration,omitempty"`
}

type TransferResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Reference    string `json:"reference"`
		TransferCode string `json:"transfer_code"`
		Status       string `json:"status"`
	} `json:"data"`
}

func (c *Client) Transfer(ctx context.Context, req TransferRequest) (TransferResponse, error) {
	if req.Reference == "" {
		return TransferResponse{}, fmt.Errorf("reference is required")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return TransferResponse{}, fmt.Errorf("encode transfer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transfer", bytes.NewReader(payload))
	if err != nil {
		return TransferResponse{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.secretKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return TransferResponse{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TransferResponse{}, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return TransferResponse{}, fmt.Errorf("%w: HTTP %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out TransferResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return TransferResponse{}, fmt.Errorf("decode transfer response: %w", err)
	}
	if !out.Status {
		return out, fmt.Errorf("%w: %s", ErrRejected, out.Message)
	}
	return out, nil
}
