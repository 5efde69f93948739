/**
 * @description
 * Package refund sends a failed transaction's deposit back to the sender. Every trigger
 * (failed payout, operator action, expiry sweep) goes through the same reservation key,
 * so at most one refund attempt is in flight per transaction.
 */

package refund

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/providers"
)

// ErrNoRefundAddress is returned when a transaction has no sender address to refund to.
var ErrNoRefundAddress = errors.New("transaction has no refund address")

// Ledger is the reservation half of the transaction repository.
type Ledger interface {
	ReserveRefund(ctx context.Context, req domain.RefundReservationRequest) (domain.RefundReservation, error)
	RecordRefundOutcome(ctx context.Context, req domain.RefundOutcomeRequest) error
}

// Refunder executes refunds under a reservation.
type Refunder struct {
	ledger  Ledger
	wallets providers.WalletFactory
	logger  *slog.Logger
}

// NewRefunder creates a Refunder.
func NewRefunder(ledger Ledger, wallets providers.WalletFactory, logger *slog.Logger) *Refunder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refunder{ledger: ledger, wallets: wallets, logger: logger.With("component", "refunder")}
}

// Refund reserves the transaction's refund and, only when this caller holds the
// reservation, sends the deposit back and records the outcome. The returned reservation
// tells callers that did not send why.
func (r *Refunder) Refund(ctx context.Context, tx domain.Transaction, reason, trigger string) (domain.RefundReservation, error) {
	key := domain.RefundKey(tx.ID)
	reservation, err := r.ledger.ReserveRefund(ctx, domain.RefundReservationRequest{
		TransactionID:  tx.ID,
		IdempotencyKey: key,
		Reason:         reason,
		Trigger:        trigger,
	})
	if err != nil {
		return domain.RefundReservation{}, fmt.Errorf("reserve refund: %w", err)
	}
	if reservation.Outcome != domain.RefundReserved {
		r.logger.Info("refund not started", "transaction_id", tx.ID, "outcome", reservation.Outcome, "attempts", reservation.Attempts)
		return reservation, nil
	}

	result, sendErr := r.send(ctx, tx)
	if sendErr != nil {
		result = domain.RefundResult{Success: false, Error: sendErr.Error()}
	}
	if err := r.ledger.RecordRefundOutcome(ctx, domain.RefundOutcomeRequest{
		TransactionID:  tx.ID,
		IdempotencyKey: key,
		Result:         result,
	}); err != nil {
		r.logger.Error("failed to record refund outcome", "transaction_id", tx.ID, "success", result.Success, "error", err)
		return reservation, fmt.Errorf("record refund outcome: %w", err)
	}

	if !result.Success {
		r.logger.Warn("refund failed", "transaction_id", tx.ID, "attempt", reservation.Attempts, "error", result.Error)
		if sendErr != nil {
			return reservation, sendErr
		}
		return reservation, fmt.Errorf("refund failed: %s", result.Error)
	}
	r.logger.Info("refund sent", "transaction_id", tx.ID, "attempt", reservation.Attempts, "refund_tx", result.TransactionID)
	refundID := result.TransactionID
	reservation.RefundOnChainID = &refundID
	return reservation, nil
}

func (r *Refunder) send(ctx context.Context, tx domain.Transaction) (domain.RefundResult, error) {
	if tx.SenderAddress == nil || *tx.SenderAddress == "" {
		return domain.RefundResult{}, ErrNoRefundAddress
	}
	sender, err := r.wallets.GetWalletSender(providers.WalletCapability{Blockchain: tx.Blockchain, Asset: tx.CryptoAsset})
	if err != nil {
		return domain.RefundResult{}, err
	}
	sent, err := sender.Send(ctx, providers.WalletSendRequest{
		Address: *tx.SenderAddress,
		Amount:  tx.SourceAmount,
		Asset:   tx.CryptoAsset,
		Memo:    "refund",
	})
	if err != nil {
		return domain.RefundResult{}, fmt.Errorf("wallet send: %w", err)
	}
	return domain.RefundResult{Success: sent.Success, TransactionID: sent.TransactionID, Error: sent.Error}, nil
}
