package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// RefundStatus marks the state of the latest refund attempt stored in a ledger context.
type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundSucceeded RefundStatus = "succeeded"
	RefundFailed    RefundStatus = "failed"
)

// RefundOutcome is the answer of a refund reservation.
type RefundOutcome string

const (
	RefundMissing         RefundOutcome = "missing"
	RefundAlreadyRefunded RefundOutcome = "already_refunded"
	RefundInFlight        RefundOutcome = "in_flight"
	RefundReserved        RefundOutcome = "reserved"
)

// RefundContext is the typed schema of the ledger context blob for refund keys.
type RefundContext struct {
	Attempts            int          `json:"attempts"`
	Status              RefundStatus `json:"status"`
	Reason              string       `json:"reason,omitempty"`
	Trigger             string       `json:"trigger,omitempty"`
	LastError           string       `json:"last_error,omitempty"`
	RefundTransactionID string       `json:"refund_transaction_id,omitempty"`
}

// RefundReservationRequest is the input of ReserveRefund.
type RefundReservationRequest struct {
	TransactionID  uuid.UUID
	IdempotencyKey string
	Reason         string
	Trigger        string
}

// RefundReservation is the result of ReserveRefund.
type RefundReservation struct {
	Outcome         RefundOutcome
	Attempts        int
	RefundOnChainID *string
}

// RefundResult is what the refund sender reported.
type RefundResult struct {
	Success       bool
	TransactionID string
	Error         string
}

// RefundOutcomeRequest is the input of RecordRefundOutcome.
type RefundOutcomeRequest struct {
	TransactionID  uuid.UUID
	IdempotencyKey string
	Result         RefundResult
}

// LedgerEntryRefund is the ledger entry name under which refund attempts are tracked.
const LedgerEntryRefund = "refund"

// RefundKey is the idempotency key shared by every trigger that may refund a transaction.
func RefundKey(transactionID uuid.UUID) string {
	return "refund:" + transactionID.String()
}

// DecodeRefundContext parses a ledger context blob. Empty input yields nil.
func DecodeRefundContext(raw []byte) (*RefundContext, error) {
	if len(strings.TrimSpace(string(raw))) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var rc RefundContext
	if err := json.Unmarshal(raw, &rc); err != nil {
		return nil, fmt.Errorf("decode refund context: %w", err)
	}
	return &rc, nil
}

// PlanRefundReservation decides the reservation outcome from the current refund id on the
// transaction and the existing ledger context. When the outcome is reserved the returned
// context must be persisted under the same lock that produced the inputs.
func PlanRefundReservation(refundOnChainID *string, existing *RefundContext, req RefundReservationRequest) (RefundReservation, *RefundContext) {
	if refundOnChainID != nil && *refundOnChainID != "" {
		attempts := 0
		if existing != nil {
			attempts = existing.Attempts
		}
		return RefundReservation{Outcome: RefundAlreadyRefunded, Attempts: attempts, RefundOnChainID: refundOnChainID}, nil
	}

	if existing != nil {
		switch existing.Status {
		case RefundSucceeded:
			var id *string
			if existing.RefundTransactionID != "" {
				refundID := existing.RefundTransactionID
				id = &refundID
			}
			return RefundReservation{Outcome: RefundAlreadyRefunded, Attempts: existing.Attempts, RefundOnChainID: id}, nil
		case RefundPending:
			return RefundReservation{Outcome: RefundInFlight, Attempts: existing.Attempts}, nil
		}
	}

	next := RefundContext{
		Attempts: 1,
		Status:   RefundPending,
		Reason:   req.Reason,
		Trigger:  req.Trigger,
	}
	if existing != nil {
		next.Attempts = existing.Attempts + 1
		next.LastError = existing.LastError
	}
	return RefundReservation{Outcome: RefundReserved, Attempts: next.Attempts}, &next
}

// ApplyRefundResult folds a refund result into the existing context.
func ApplyRefundResult(existing *RefundContext, result RefundResult) RefundContext {
	next := RefundContext{Attempts: 1}
	if existing != nil {
		next = *existing
	}
	if result.Success {
		next.Status = RefundSucceeded
		next.RefundTransactionID = result.TransactionID
		next.LastError = ""
		return next
	}
	next.Status = RefundFailed
	next.LastError = result.Error
	if next.LastError == "" {
		next.LastError = "refund failed"
	}
	return next
}
