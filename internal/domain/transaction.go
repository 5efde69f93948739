/**
 * @description
 * This file defines the transaction-side domain models for the settlement-service.
 * A Transaction is the owning financial record of one crypto-to-fiat settlement; every
 * status change is recorded as a TransitionEntry in the transition ledger.
 *
 * @notes
 * - Amounts use shopspring/decimal. Crypto amounts routinely carry more precision
 *   than a float64 can represent exactly, and fiat payouts must never drift.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionStatus is the lifecycle status of a Transaction.
type TransactionStatus string

const (
	StatusAwaitingPayment   TransactionStatus = "AWAITING_PAYMENT"
	StatusProcessingPayment TransactionStatus = "PROCESSING_PAYMENT"
	StatusPaymentCompleted  TransactionStatus = "PAYMENT_COMPLETED"
	StatusPaymentFailed     TransactionStatus = "PAYMENT_FAILED"
	StatusPaymentExpired    TransactionStatus = "PAYMENT_EXPIRED"
	StatusWrongAmount       TransactionStatus = "WRONG_AMOUNT"
)

// Transition names recognised by the transaction state machine.
const (
	TransitionDepositReceived  = "deposit_received"
	TransitionPaymentCompleted = "payment_completed"
	TransitionPaymentFailed    = "payment_failed"
	TransitionWrongAmount      = "wrong_amount"
	TransitionExpired          = "expired"
)

// PayoutAccount is the fiat destination of a transaction.
type PayoutAccount struct {
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code,omitempty"`
	AccountName   string `json:"account_name,omitempty"`
	TaxID         string `json:"tax_id,omitempty"`
}

// Transaction maps to the `transactions` table.
type Transaction struct {
	ID              uuid.UUID         `json:"id"`
	PartnerUserID   uuid.UUID         `json:"partner_user_id"`
	QuoteID         *uuid.UUID        `json:"quote_id,omitempty"`
	Status          TransactionStatus `json:"status"`
	Blockchain      string            `json:"blockchain"`
	CryptoAsset     string            `json:"crypto_asset"`
	TargetCurrency  string            `json:"target_currency"`
	PaymentMethod   string            `json:"payment_method"`
	SourceAmount    decimal.Decimal   `json:"source_amount"`
	TargetAmount    decimal.Decimal   `json:"target_amount"`
	PayoutAccount   PayoutAccount     `json:"payout_account"`
	SenderAddress   *string           `json:"sender_address,omitempty"`
	OnChainID       *string           `json:"on_chain_id,omitempty"`
	RefundOnChainID *string           `json:"refund_on_chain_id,omitempty"`
	ExternalID      *string           `json:"external_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// TransitionData carries optional field updates written together with a status change.
type TransitionData struct {
	OnChainID  *string
	ExternalID *string
}

// Apply copies the non-nil fields onto tx.
func (d TransitionData) Apply(tx *Transaction) {
	if d.OnChainID != nil {
		tx.OnChainID = d.OnChainID
	}
	if d.ExternalID != nil {
		tx.ExternalID = d.ExternalID
	}
}

// TransitionRequest is the input of the idempotent transition primitive.
type TransitionRequest struct {
	TransactionID  uuid.UUID
	Name           string
	IdempotencyKey string
	Data           TransitionData
	Context        map[string]any
}

// TransitionEntry is one row of the `transaction_transitions` ledger, unique per
// (transaction_id, idempotency_key).
type TransitionEntry struct {
	ID             uuid.UUID          `json:"id"`
	TransactionID  uuid.UUID          `json:"transaction_id"`
	IdempotencyKey string             `json:"idempotency_key"`
	Name           string             `json:"name"`
	FromStatus     *TransactionStatus `json:"from_status,omitempty"`
	ToStatus       *TransactionStatus `json:"to_status,omitempty"`
	Context        json.RawMessage    `json:"context,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}
