package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/transfa/settlement-service/pkg/anchorclient"
)

// AnchorAPI is the subset of the Anchor client used for payouts.
type AnchorAPI interface {
	CreateCounterParty(ctx context.Context, bankCode, accountNumber, accountName string) (*anchorclient.CounterPartyResponse, error)
	InitiateNIPTransfer(ctx context.Context, sourceAccountID, counterPartyID, currency, reason, reference string, amount int64) (*anchorclient.TransferResponse, error)
	GetAccountBalance(ctx context.Context, accountID string) (*anchorclient.BalanceResponse, error)
}

// AnchorPayoutService pays NGN out over NIP. Transfers settle asynchronously; the final
// status arrives as a webhook correlated on the transfer id.
type AnchorPayoutService struct {
	client          AnchorAPI
	sourceAccountID string
	logger          *slog.Logger
}

// NewAnchorPayoutService creates the NIP payout rail. It is disabled without a source account.
func NewAnchorPayoutService(client AnchorAPI, sourceAccountID string, logger *slog.Logger) *AnchorPayoutService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnchorPayoutService{
		client:          client,
		sourceAccountID: sourceAccountID,
		logger:          logger.With("component", "anchor_payout"),
	}
}

func (s *AnchorPayoutService) Name() string { return "anchor" }

func (s *AnchorPayoutService) IsEnabled() bool {
	return s.client != nil && strings.TrimSpace(s.sourceAccountID) != ""
}

func (s *AnchorPayoutService) IsAsync() bool { return true }

// SendPayment creates the counterparty and initiates the transfer. Rejections the rail
// reports are results; transport failures are errors.
func (s *AnchorPayoutService) SendPayment(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	if !s.IsEnabled() {
		return PaymentResult{Success: false, Reason: "anchor payout is not configured", Code: "disabled"}, nil
	}
	if req.Account.AccountNumber == "" || req.Account.BankCode == "" {
		return PaymentResult{Success: false, Reason: "payout account number and bank code are required", Code: "invalid_account"}, nil
	}

	minor := req.Amount.Shift(2).Round(0).IntPart()
	if minor <= 0 {
		return PaymentResult{Success: false, Reason: "payout amount must be positive", Code: "invalid_amount"}, nil
	}

	balance, err := s.client.GetAccountBalance(ctx, s.sourceAccountID)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("fetch settlement balance: %w", err)
	}
	if balance.Data.AvailableBalance < minor {
		s.logger.Warn("settlement account balance too low", "available", balance.Data.AvailableBalance, "required", minor, "transaction_id", req.TransactionID)
		return PaymentResult{Success: false, Reason: ErrInsufficientBalance.Error(), Code: "insufficient_balance"}, nil
	}

	counterParty, err := s.client.CreateCounterParty(ctx, req.Account.BankCode, req.Account.AccountNumber, req.Account.AccountName)
	if err != nil {
		var apiErr *anchorclient.ErrorResponse
		if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return PaymentResult{Success: false, Reason: apiErr.Error(), Code: "counterparty_rejected"}, nil
		}
		return PaymentResult{}, fmt.Errorf("create counterparty: %w", err)
	}

	reference := req.Reference
	if reference == "" {
		reference = req.TransactionID.String()
	}
	transfer, err := s.client.InitiateNIPTransfer(ctx, s.sourceAccountID, counterParty.Data.ID, req.Currency, req.Reason, reference, minor)
	if err != nil {
		var apiErr *anchorclient.ErrorResponse
		if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return PaymentResult{Success: false, Reason: apiErr.Error(), Code: "transfer_rejected"}, nil
		}
		return PaymentResult{}, fmt.Errorf("initiate nip transfer: %w", err)
	}

	if strings.EqualFold(transfer.Data.Attributes.Status, "FAILED") {
		return PaymentResult{Success: false, TransactionID: transfer.Data.ID, Reason: transfer.Data.Attributes.Reason, Code: "transfer_failed"}, nil
	}

	s.logger.Info("nip transfer initiated", "transaction_id", req.TransactionID, "transfer_id", transfer.Data.ID, "status", transfer.Data.Attributes.Status)
	return PaymentResult{Success: true, TransactionID: transfer.Data.ID}, nil
}
