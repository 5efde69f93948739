/**
 * @description
 * This package provides a client for the Anchor BaaS API, the NGN payout rail of the
 * settlement-service. It covers counterparty creation, NIP transfers, transfer lookup and
 * the balance of the settlement deposit account.
 *
 * @notes
 * - The client never retries. A timeout surfaces as an error so the orchestrator decides
 *   whether the step is attempted again.
 */
package anchorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client is a client for the Anchor API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates a new Anchor API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		Logger: slog.Default().With("component", "anchor_client"),
	}
}

type resourceRef struct {
	Data struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"data"`
}

func ref(kind, id string) resourceRef {
	var r resourceRef
	r.Data.Type = kind
	r.Data.ID = id
	return r
}

// CounterPartyRequest represents the payload for creating an Anchor counterparty.
type CounterPartyRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			BankCode      string `json:"bankCode"`
			AccountNumber string `json:"accountNumber"`
			AccountName   string `json:"accountName,omitempty"`
			VerifyName    bool   `json:"verifyName"`
		} `json:"attributes"`
	} `json:"data"`
}

// CounterPartyResponse is the response of the counterparty endpoint.
type CounterPartyResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			AccountName string `json:"accountName"`
		} `json:"attributes"`
	} `json:"data"`
}

// NIPTransferRequest represents the payload for an Anchor NIP Transfer.
type NIPTransferRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Currency  string `json:"currency"`
			Amount    int64  `json:"amount"`
			Reason    string `json:"reason"`
			Reference string `json:"reference,omitempty"`
		} `json:"attributes"`
		Relationships struct {
			Account      resourceRef `json:"account"`
			CounterParty resourceRef `json:"counterParty"`
		} `json:"relationships"`
	} `json:"data"`
}

// TransferResponse is the expected response from Anchor's transfer endpoints.
type TransferResponse struct {
	Data struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			Status    string `json:"status"`
			Fee       int64  `json:"fee"`
			Reference string `json:"reference"`
			Reason    string `json:"failureReason"`
		} `json:"attributes"`
	} `json:"data"`
}

// ErrorResponse represents an error from the Anchor API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Errors     []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("anchor api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown anchor api error"
}

// BalanceResponse represents the balance response from Anchor API.
type BalanceResponse struct {
	Data struct {
		AvailableBalance int64 `json:"availableBalance"`
		LedgerBalance    int64 `json:"ledgerBalance"`
		Hold             int64 `json:"hold"`
		Pending          int64 `json:"pending"`
	} `json:"data"`
}

// CreateCounterParty registers a destination bank account and returns its counterparty id.
func (c *Client) CreateCounterParty(ctx context.Context, bankCode, accountNumber, accountName string) (*CounterPartyResponse, error) {
	payload := CounterPartyRequest{}
	payload.Data.Type = "CounterParty"
	payload.Data.Attributes.BankCode = bankCode
	payload.Data.Attributes.AccountNumber = accountNumber
	payload.Data.Attributes.AccountName = accountName
	payload.Data.Attributes.VerifyName = accountName == ""

	var out CounterPartyResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/counterparties", "create_counterparty", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InitiateNIPTransfer sends a request to Anchor to perform an external NIP transfer.
// Amount is in minor units.
func (c *Client) InitiateNIPTransfer(ctx context.Context, sourceAccountID, counterPartyID, currency, reason, reference string, amount int64) (*TransferResponse, error) {
	payload := NIPTransferRequest{}
	payload.Data.Type = "NIPTransfer"
	payload.Data.Attributes.Currency = currency
	payload.Data.Attributes.Amount = amount
	payload.Data.Attributes.Reason = reason
	payload.Data.Attributes.Reference = reference
	payload.Data.Relationships.Account = ref("DepositAccount", sourceAccountID)
	payload.Data.Relationships.CounterParty = ref("CounterParty", counterPartyID)

	var out TransferResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/transfers", "transfer", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTransfer fetches the current state of a transfer.
func (c *Client) GetTransfer(ctx context.Context, transferID string) (*TransferResponse, error) {
	var out TransferResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/transfers/"+transferID, "get_transfer", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAccountBalance fetches the balance for a specific account from Anchor API.
func (c *Client) GetAccountBalance(ctx context.Context, accountID string) (*BalanceResponse, error) {
	var out BalanceResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/accounts/balance/"+accountID, "get_balance", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path, op string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-anchor-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			c.logger().Warn("non-2xx response (unparsable error body)", "op", op, "status", resp.StatusCode)
			return fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		c.logger().Warn("non-2xx response", "op", op, "status", resp.StatusCode, "title", firstErrorTitle(errResp), "detail", firstErrorDetail(errResp))
		return &errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func firstErrorTitle(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Title
}

func firstErrorDetail(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Detail
}
