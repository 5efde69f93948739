package steps

import (
	"context"
	"strings"

	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/flow"
	"github.com/transfa/settlement-service/internal/providers"
)

// TreasurySourceProvider is the only exchange treasury withdrawals are made from.
const TreasurySourceProvider = "binance"

// TreasuryConfig is the config of a TREASURY_TRANSFER step.
type TreasuryConfig struct {
	SourceProvider      string             `json:"source_provider,omitempty"`
	DestinationProvider string             `json:"destination_provider"`
	Currency            string             `json:"currency"`
	Blockchain          string             `json:"blockchain,omitempty"`
	Amount              *flow.AmountSource `json:"amount,omitempty"`
}

// TreasuryTransfer withdraws from the source exchange to another provider's deposit address.
type TreasuryTransfer struct {
	exchanges providers.ExchangeProviderFactory
}

// NewTreasuryTransfer creates the executor.
func NewTreasuryTransfer(exchanges providers.ExchangeProviderFactory) *TreasuryTransfer {
	return &TreasuryTransfer{exchanges: exchanges}
}

func (e *TreasuryTransfer) StepType() domain.StepType {
	return domain.StepTreasuryTransfer
}

func (e *TreasuryTransfer) Execute(ctx context.Context, in flow.ExecuteInput) (flow.Result, error) {
	cfg, err := flow.DecodeConfig[TreasuryConfig](in.Config)
	if err != nil {
		return flow.Failed("%v", err), nil
	}
	rt := in.Runtime

	source := providerKey(firstNonEmpty(cfg.SourceProvider, TreasurySourceProvider))
	if source != TreasurySourceProvider {
		return flow.Failed("treasury transfer: source provider %q is not supported, only %q", source, TreasurySourceProvider), nil
	}
	if strings.TrimSpace(cfg.DestinationProvider) == "" || strings.TrimSpace(cfg.Currency) == "" {
		return flow.Failed("treasury transfer: destination_provider and currency are required"), nil
	}
	blockchain := firstNonEmpty(cfg.Blockchain, rt.Snapshot().Blockchain, rt.Transaction.Blockchain)

	amount, err := flow.ResolveAmount(rt, cfg.Amount, flow.AmountSource{Kind: flow.AmountFromContext, Field: flow.FieldSourceAmount})
	if err != nil {
		return flow.Failed("%v", err), nil
	}
	if !amount.IsPositive() {
		return flow.Failed("treasury transfer: amount must be positive, got %s", amount), nil
	}

	from, err := e.exchanges.GetExchangeProviderForCapability(providers.ExchangeCapability{Provider: source, Currency: cfg.Currency})
	if err != nil {
		return flow.Failed("treasury transfer: %v", err), nil
	}
	to, err := e.exchanges.GetExchangeProviderForCapability(providers.ExchangeCapability{Provider: cfg.DestinationProvider, Currency: cfg.Currency})
	if err != nil {
		return flow.Failed("treasury transfer: %v", err), nil
	}

	address, err := to.GetExchangeAddress(ctx, blockchain, cfg.Currency)
	if err != nil {
		return flow.Failed("treasury transfer: deposit address from %s: %v", to.Name(), err), nil
	}
	if strings.TrimSpace(address.Address) == "" {
		return flow.Failed("treasury transfer: %s returned an empty deposit address", to.Name()), nil
	}

	withdrawal, err := from.Withdraw(ctx, providers.WithdrawRequest{
		Asset:      cfg.Currency,
		Blockchain: blockchain,
		Address:    address.Address,
		Memo:       address.Memo,
		Amount:     amount,
		Reference:  reference(rt, in.StepOrder, "treasury"),
	})
	if err != nil {
		if providers.IsInsufficientBalance(err) {
			return flow.Waiting(map[string]any{"provider": source}, map[string]any{"provider": source, "amount": amount.String()}), nil
		}
		return flow.Failed("treasury transfer from %s: %v", source, err), nil
	}

	output := map[string]any{
		"sourceProvider":      source,
		"destinationProvider": providerKey(to.Name()),
		"currency":            cfg.Currency,
		"blockchain":          blockchain,
		"address":             address.Address,
		"amount":              amount.String(),
		"withdrawalId":        withdrawal.TransactionID,
	}
	if address.Memo != "" {
		output["memo"] = address.Memo
	}
	return flow.SucceededAwaiting(output, map[string]any{"withdrawalId": withdrawal.TransactionID}), nil
}
