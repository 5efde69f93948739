package steps

import (
	"context"
	"strings"

	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/flow"
	"github.com/transfa/settlement-service/internal/providers"
)

// SendConfig is the config of an EXCHANGE_SEND step.
type SendConfig struct {
	Provider string             `json:"provider,omitempty"`
	Amount   *flow.AmountSource `json:"amount,omitempty"`
}

// ExchangeSend moves the deposit from the platform wallet to an exchange deposit address.
type ExchangeSend struct {
	exchanges providers.ExchangeProviderFactory
	wallets   providers.WalletFactory
}

// NewExchangeSend creates the executor.
func NewExchangeSend(exchanges providers.ExchangeProviderFactory, wallets providers.WalletFactory) *ExchangeSend {
	return &ExchangeSend{exchanges: exchanges, wallets: wallets}
}

func (e *ExchangeSend) StepType() domain.StepType {
	return domain.StepExchangeSend
}

func (e *ExchangeSend) Execute(ctx context.Context, in flow.ExecuteInput) (flow.Result, error) {
	cfg, err := flow.DecodeConfig[SendConfig](in.Config)
	if err != nil {
		return flow.Failed("%v", err), nil
	}
	rt := in.Runtime
	snapshot := rt.Snapshot()
	blockchain := firstNonEmpty(snapshot.Blockchain, rt.Transaction.Blockchain)
	asset := firstNonEmpty(snapshot.CryptoAsset, rt.Transaction.CryptoAsset)

	amount, err := flow.ResolveAmount(rt, cfg.Amount, flow.AmountSource{Kind: flow.AmountFromContext, Field: flow.FieldSourceAmount})
	if err != nil {
		return flow.Failed("%v", err), nil
	}
	if !amount.IsPositive() {
		return flow.Failed("exchange send: amount must be positive, got %s", amount), nil
	}

	var target providers.ExchangeProvider
	if strings.TrimSpace(cfg.Provider) == "" {
		target, err = e.exchanges.GetExchangeProvider(rt.Transaction.TargetCurrency)
	} else {
		target, err = e.exchanges.GetExchangeProviderForCapability(providers.ExchangeCapability{Provider: cfg.Provider, Currency: asset})
	}
	if err != nil {
		return flow.Failed("exchange send: %v", err), nil
	}

	address, err := target.GetExchangeAddress(ctx, blockchain, asset)
	if err != nil {
		return flow.Failed("exchange send: deposit address from %s: %v", target.Name(), err), nil
	}
	if strings.TrimSpace(address.Address) == "" {
		return flow.Failed("exchange send: %s returned an empty deposit address", target.Name()), nil
	}

	sender, err := e.wallets.GetWalletSender(providers.WalletCapability{Blockchain: blockchain, Asset: asset})
	if err != nil {
		return flow.Failed("exchange send: %v", err), nil
	}

	sent, err := sender.Send(ctx, providers.WalletSendRequest{
		Address: address.Address,
		Amount:  amount,
		Asset:   asset,
		Memo:    address.Memo,
	})
	if err != nil {
		return flow.Failed("exchange send on %s: %v", blockchain, err), nil
	}
	if !sent.Success {
		return flow.Failed("exchange send on %s: %s", blockchain, firstNonEmpty(sent.Error, "wallet send failed")), nil
	}

	output := map[string]any{
		"provider":      providerKey(target.Name()),
		"blockchain":    blockchain,
		"asset":         asset,
		"address":       address.Address,
		"amount":        amount.String(),
		"transactionId": sent.TransactionID,
	}
	if address.Memo != "" {
		output["memo"] = address.Memo
	}
	return flow.SucceededAwaiting(output, map[string]any{
		"provider":      providerKey(target.Name()),
		"transactionId": sent.TransactionID,
	}), nil
}
