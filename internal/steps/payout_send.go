/**
 * @description
 * PAYOUT_SEND dispatches the fiat payment to the user's bank account.
 *
 * @notes
 * - Synchronous rails settle inside the step: the transaction transition and the partner
 *   and operator notifications happen before the result is returned.
 * - Asynchronous rails only accept the instruction. The step succeeds with a correlation on
 *   the provider's transfer id and the settlement arrives later as a signal, which
 *   HandleSignal folds when the step template uses the AWAIT_SIGNAL policy.
 * - A transport error is never treated as a rejection. The money may have left, so the
 *   step fails for an operator to inspect and no refund is started.
 * - Nothing is sent once the transaction has left PROCESSING_PAYMENT or its deposit has a
 *   refund on the ledger, so an operator retry cannot pay out a refunded transaction.
 */

package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/flow"
	"github.com/transfa/settlement-service/internal/providers"
)

// Partner webhook event names.
const (
	EventPaymentCompleted = "transaction.payment_completed"
	EventPaymentFailed    = "transaction.payment_failed"
)

// RefundTriggerPayoutFailed marks refunds started by a failed payout.
const RefundTriggerPayoutFailed = "payout_failed"

// PayoutConfig is the config of a PAYOUT_SEND step.
type PayoutConfig struct {
	PaymentMethod string             `json:"payment_method,omitempty"`
	Amount        *flow.AmountSource `json:"amount,omitempty"`
	Reason        string             `json:"reason,omitempty"`
	// StatusPath locates the settlement status in an inbound signal payload.
	StatusPath      string   `json:"status_path,omitempty"`
	SuccessStatuses []string `json:"success_statuses,omitempty"`
	FailureStatuses []string `json:"failure_statuses,omitempty"`
}

func (c PayoutConfig) statusPath() string {
	return firstNonEmpty(c.StatusPath, "status")
}

func (c PayoutConfig) successStatuses() []string {
	if len(c.SuccessStatuses) > 0 {
		return c.SuccessStatuses
	}
	return []string{"COMPLETED", "SUCCESSFUL", "SUCCESS"}
}

func (c PayoutConfig) failureStatuses() []string {
	if len(c.FailureStatuses) > 0 {
		return c.FailureStatuses
	}
	return []string{"FAILED", "REVERSED", "REJECTED"}
}

// PayoutSend sends the fiat payout.
type PayoutSend struct {
	payments     providers.PaymentServiceFactory
	transactions Transitioner
	refunds      Refunder
	notifier     Notifier
	logger       *slog.Logger
}

// NewPayoutSend creates the executor.
func NewPayoutSend(payments providers.PaymentServiceFactory, transactions Transitioner, refunds Refunder, notifier Notifier, logger *slog.Logger) *PayoutSend {
	if logger == nil {
		logger = slog.Default()
	}
	return &PayoutSend{
		payments:     payments,
		transactions: transactions,
		refunds:      refunds,
		notifier:     notifier,
		logger:       logger.With("component", "payout_send"),
	}
}

func (e *PayoutSend) StepType() domain.StepType {
	return domain.StepPayoutSend
}

func (e *PayoutSend) Execute(ctx context.Context, in flow.ExecuteInput) (flow.Result, error) {
	cfg, err := flow.DecodeConfig[PayoutConfig](in.Config)
	if err != nil {
		return flow.Failed("%v", err), nil
	}
	rt := in.Runtime
	tx := rt.Transaction

	blocked, err := e.payoutBlocked(ctx, tx)
	if err != nil {
		return flow.Failed("payout send: %v", err), nil
	}
	if blocked != "" {
		e.logger.Warn("payout blocked", "transaction_id", tx.ID, "status", tx.Status, "reason", blocked)
		e.notifier.OperatorMessage(ctx, fmt.Sprintf("Payout for transaction %s was not sent: %s", tx.ID, blocked))
		return flow.Failed("payout send: %s", blocked), nil
	}

	method := firstNonEmpty(cfg.PaymentMethod, tx.PaymentMethod)
	if method == "" {
		return flow.Failed("payout send: no payment method configured"), nil
	}
	amount, err := flow.ResolveAmount(rt, cfg.Amount, flow.AmountSource{Kind: flow.AmountFromContext, Field: flow.FieldTargetAmount})
	if err != nil {
		return flow.Failed("%v", err), nil
	}
	if !amount.IsPositive() {
		return flow.Failed("payout send: amount must be positive, got %s", amount), nil
	}

	service, err := e.payments.GetPaymentServiceForCapability(providers.PaymentCapability{
		Method:         method,
		TargetCurrency: tx.TargetCurrency,
	})
	if err != nil {
		return flow.Failed("payout send: %v", err), nil
	}
	if !service.IsEnabled() {
		return flow.Failed("payout send: provider %s is disabled", service.Name()), nil
	}

	result, err := service.SendPayment(ctx, providers.PaymentRequest{
		TransactionID: tx.ID,
		Amount:        amount,
		Currency:      tx.TargetCurrency,
		Account:       tx.PayoutAccount,
		Reference:     tx.ID.String(),
		Reason:        firstNonEmpty(cfg.Reason, "settlement payout"),
	})
	if err != nil {
		e.logger.Error("payout dispatch error", "transaction_id", tx.ID, "provider", service.Name(), "error", err)
		return flow.Failed("payout send via %s: %v", service.Name(), err), nil
	}

	output := map[string]any{
		"provider":      providerKey(service.Name()),
		"paymentMethod": method,
		"amount":        amount.String(),
		"currency":      tx.TargetCurrency,
		"async":         service.IsAsync(),
	}
	if result.TransactionID != "" {
		output["externalId"] = result.TransactionID
	}

	if !result.Success {
		reason := firstNonEmpty(result.Reason, result.Code, "payout rejected")
		output["reason"] = reason
		if result.Code != "" {
			output["code"] = result.Code
		}
		e.settleFailed(ctx, tx, service.Name(), reason, service.IsAsync())
		return flow.Result{Outcome: flow.OutcomeFailed, Output: output, Error: fmt.Sprintf("payout via %s failed: %s", service.Name(), reason)}, nil
	}

	if service.IsAsync() {
		if result.TransactionID == "" {
			return flow.Failed("payout send via %s: async provider returned no transfer id", service.Name()), nil
		}
		e.logger.Info("payout accepted", "transaction_id", tx.ID, "provider", service.Name(), "external_id", result.TransactionID)
		return flow.SucceededAwaiting(output, map[string]any{"externalId": result.TransactionID}), nil
	}

	e.settleCompleted(ctx, tx, service.Name(), result.TransactionID)
	return flow.Succeeded(output), nil
}

// payoutBlocked returns why the transaction must not be paid out, or "" when it may be.
func (e *PayoutSend) payoutBlocked(ctx context.Context, tx domain.Transaction) (string, error) {
	if tx.Status != domain.StatusProcessingPayment {
		return fmt.Sprintf("transaction is %s", tx.Status), nil
	}
	if tx.RefundOnChainID != nil {
		return fmt.Sprintf("deposit was refunded in %s", *tx.RefundOnChainID), nil
	}
	entries, err := e.transactions.ListTransitions(ctx, tx.ID)
	if err != nil {
		return "", fmt.Errorf("read transaction ledger: %w", err)
	}
	refundKey := domain.RefundKey(tx.ID)
	for _, entry := range entries {
		if entry.IdempotencyKey == refundKey {
			return "a refund of the deposit was started", nil
		}
	}
	return "", nil
}

// HandleSignal settles an asynchronous payout from the provider's webhook payload.
func (e *PayoutSend) HandleSignal(ctx context.Context, in flow.SignalInput) (flow.Result, error) {
	cfg, err := flow.DecodeConfig[PayoutConfig](in.Config)
	if err != nil {
		return flow.Failed("%v", err), nil
	}
	tx := in.Runtime.Transaction

	raw, err := json.Marshal(in.Signal.Payload)
	if err != nil {
		return flow.Failed("payout signal: %v", err), nil
	}
	status := strings.ToUpper(gjson.GetBytes(raw, cfg.statusPath()).String())

	output := map[string]any{}
	for k, v := range in.Step.Output {
		output[k] = v
	}
	output["settlementStatus"] = status
	output["signalId"] = in.Signal.ID.String()

	provider, _ := output["provider"].(string)
	externalID, _ := in.Step.Correlation["externalId"].(string)

	switch {
	case containsStatus(cfg.successStatuses(), status):
		e.settleCompleted(ctx, tx, provider, externalID)
		return flow.Succeeded(output), nil
	case containsStatus(cfg.failureStatuses(), status):
		reason := firstNonEmpty(gjson.GetBytes(raw, "reason").String(), "provider reported "+status)
		output["reason"] = reason
		e.settleFailed(ctx, tx, provider, reason, true)
		return flow.Result{Outcome: flow.OutcomeFailed, Output: output, Error: fmt.Sprintf("payout via %s failed: %s", provider, reason)}, nil
	default:
		e.logger.Info("payout still pending", "transaction_id", tx.ID, "status", status)
		return flow.Waiting(in.Step.Correlation, nil), nil
	}
}

func containsStatus(statuses []string, status string) bool {
	for _, s := range statuses {
		if strings.EqualFold(s, status) {
			return true
		}
	}
	return false
}

// settleCompleted and settleFailed run after money has moved. Their errors are reported to
// operators instead of failing the step, because a retried step would pay out again.
func (e *PayoutSend) settleCompleted(ctx context.Context, tx domain.Transaction, provider, externalID string) {
	req := domain.TransitionRequest{
		TransactionID:  tx.ID,
		Name:           domain.TransitionPaymentCompleted,
		IdempotencyKey: "payout:" + tx.ID.String() + ":completed",
		Context:        map[string]any{"provider": provider},
	}
	if externalID != "" {
		req.Data.ExternalID = &externalID
		req.Context["externalId"] = externalID
	}
	updated, err := e.transactions.ApplyTransition(ctx, req)
	if err != nil {
		e.logger.Error("apply payment_completed", "transaction_id", tx.ID, "error", err)
		e.notifier.OperatorMessage(ctx, fmt.Sprintf("Payout for transaction %s completed via %s but the transaction could not be updated: %v", tx.ID, provider, err))
		return
	}
	if updated == nil {
		e.logger.Warn("payment_completed not applied", "transaction_id", tx.ID, "status", tx.Status)
		return
	}

	e.notifier.PartnerWebhook(ctx, map[string]any{
		"event":         EventPaymentCompleted,
		"transactionId": tx.ID.String(),
		"partnerUserId": tx.PartnerUserID.String(),
		"status":        string(updated.Status),
		"amount":        tx.TargetAmount.String(),
		"currency":      tx.TargetCurrency,
		"externalId":    externalID,
	})
	e.notifier.OperatorMessage(ctx, fmt.Sprintf("Payout completed for transaction %s via %s (%s %s)", tx.ID, provider, tx.TargetAmount, tx.TargetCurrency))
}

func (e *PayoutSend) settleFailed(ctx context.Context, tx domain.Transaction, provider, reason string, refund bool) {
	updated, err := e.transactions.ApplyTransition(ctx, domain.TransitionRequest{
		TransactionID:  tx.ID,
		Name:           domain.TransitionPaymentFailed,
		IdempotencyKey: "payout:" + tx.ID.String() + ":failed",
		Context:        map[string]any{"provider": provider, "reason": reason},
	})
	switch {
	case err != nil:
		e.logger.Error("apply payment_failed", "transaction_id", tx.ID, "error", err)
	case updated == nil:
		e.logger.Warn("payment_failed not applied", "transaction_id", tx.ID, "status", tx.Status)
	default:
		e.notifier.PartnerWebhook(ctx, map[string]any{
			"event":         EventPaymentFailed,
			"transactionId": tx.ID.String(),
			"partnerUserId": tx.PartnerUserID.String(),
			"status":        string(updated.Status),
			"reason":        reason,
		})
	}

	message := fmt.Sprintf("Payout failed for transaction %s via %s: %s", tx.ID, provider, reason)
	if refund {
		reservation, err := e.refunds.Refund(ctx, tx, reason, RefundTriggerPayoutFailed)
		if err != nil {
			e.logger.Error("refund after failed payout", "transaction_id", tx.ID, "error", err)
			message += fmt.Sprintf(". Refund could not be started: %v", err)
		} else {
			message += fmt.Sprintf(". Refund %s (attempt %d)", reservation.Outcome, reservation.Attempts)
		}
	}
	e.notifier.OperatorMessage(ctx, message)
}
