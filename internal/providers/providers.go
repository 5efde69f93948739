/**
 * @description
 * Provider collaborator contracts consumed by the step executors. Concrete exchange,
 * wallet and payout integrations implement these interfaces and are registered in the
 * factories at startup.
 */

package providers

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/settlement-service/internal/domain"
)

// PaymentRequest is a fiat payout instruction.
type PaymentRequest struct {
	TransactionID uuid.UUID
	Amount        decimal.Decimal
	Currency      string
	Account       domain.PayoutAccount
	Reference     string
	Reason        string
}

// PaymentResult is the provider's answer to SendPayment. For async providers Success only
// means the instruction was accepted.
type PaymentResult struct {
	Success       bool
	TransactionID string
	Reason        string
	Code          string
}

// PaymentService is a fiat payout rail.
type PaymentService interface {
	Name() string
	IsEnabled() bool
	IsAsync() bool
	SendPayment(ctx context.Context, req PaymentRequest) (PaymentResult, error)
}

// PaymentCapability selects a payout rail by method and target currency.
type PaymentCapability struct {
	Method         string
	TargetCurrency string
}

// PaymentServiceFactory resolves payout rails.
type PaymentServiceFactory interface {
	GetPaymentService(method string) (PaymentService, error)
	GetPaymentServiceForCapability(capability PaymentCapability) (PaymentService, error)
}

// ExchangeAddress is a deposit address on an exchange.
type ExchangeAddress struct {
	Address string
	Memo    string
}

// MarketOrderRequest converts Amount of SourceAsset into TargetAsset.
type MarketOrderRequest struct {
	SourceAsset string
	TargetAsset string
	Amount      decimal.Decimal
	Reference   string
}

// MarketOrderResult is the fill of a market order.
type MarketOrderResult struct {
	OrderID        string
	FilledAmount   decimal.Decimal
	ReceivedAmount decimal.Decimal
	Price          decimal.Decimal
}

// WithdrawRequest moves funds from an exchange account to an address.
type WithdrawRequest struct {
	Asset      string
	Blockchain string
	Address    string
	Memo       string
	Amount     decimal.Decimal
	Reference  string
}

// WithdrawResult identifies a withdrawal.
type WithdrawResult struct {
	TransactionID string
}

// ExchangeProvider is a crypto exchange or a fiat-settlement venue.
type ExchangeProvider interface {
	Name() string
	GetExchangeAddress(ctx context.Context, blockchain, asset string) (ExchangeAddress, error)
	CreateMarketOrder(ctx context.Context, req MarketOrderRequest) (MarketOrderResult, error)
	Withdraw(ctx context.Context, req WithdrawRequest) (WithdrawResult, error)
}

// ExchangeCapability selects an exchange by name and the currency it must handle.
type ExchangeCapability struct {
	Provider string
	Currency string
}

// ExchangeProviderFactory resolves exchanges.
type ExchangeProviderFactory interface {
	// GetExchangeProvider returns the fiat-settlement venue for a target currency.
	GetExchangeProvider(currency string) (ExchangeProvider, error)
	GetExchangeProviderForCapability(capability ExchangeCapability) (ExchangeProvider, error)
}

// WalletSendRequest sends an on-chain transfer.
type WalletSendRequest struct {
	Address string
	Amount  decimal.Decimal
	Asset   string
	Memo    string
}

// WalletSendResult is the outcome of an on-chain send.
type WalletSendResult struct {
	Success       bool
	TransactionID string
	Error         string
}

// WalletSender signs and submits transfers on one blockchain.
type WalletSender interface {
	Send(ctx context.Context, req WalletSendRequest) (WalletSendResult, error)
}

// WalletCapability selects a sender by blockchain and asset.
type WalletCapability struct {
	Blockchain string
	Asset      string
}

// WalletFactory resolves blockchain senders.
type WalletFactory interface {
	GetWalletSender(capability WalletCapability) (WalletSender, error)
}
