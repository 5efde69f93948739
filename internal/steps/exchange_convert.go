package steps

import (
	"context"
	"strings"

	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/flow"
	"github.com/transfa/settlement-service/internal/providers"
)

// ConvertConfig is the config of an EXCHANGE_CONVERT step. Without Provider the order is
// placed on the fiat-settlement venue of the transaction's target currency.
type ConvertConfig struct {
	Provider    string             `json:"provider,omitempty"`
	SourceAsset string             `json:"source_asset,omitempty"`
	TargetAsset string             `json:"target_asset,omitempty"`
	Amount      *flow.AmountSource `json:"amount,omitempty"`
}

// ExchangeConvert places a market order converting the deposit.
type ExchangeConvert struct {
	exchanges providers.ExchangeProviderFactory
}

// NewExchangeConvert creates the executor.
func NewExchangeConvert(exchanges providers.ExchangeProviderFactory) *ExchangeConvert {
	return &ExchangeConvert{exchanges: exchanges}
}

func (e *ExchangeConvert) StepType() domain.StepType {
	return domain.StepExchangeConvert
}

func (e *ExchangeConvert) Execute(ctx context.Context, in flow.ExecuteInput) (flow.Result, error) {
	cfg, err := flow.DecodeConfig[ConvertConfig](in.Config)
	if err != nil {
		return flow.Failed("%v", err), nil
	}
	rt := in.Runtime
	tx := rt.Transaction

	sourceAsset := firstNonEmpty(cfg.SourceAsset, tx.CryptoAsset)
	targetAsset := firstNonEmpty(cfg.TargetAsset, tx.TargetCurrency)

	amount, err := flow.ResolveAmount(rt, cfg.Amount, flow.AmountSource{Kind: flow.AmountFromContext, Field: flow.FieldSourceAmount})
	if err != nil {
		return flow.Failed("%v", err), nil
	}
	if !amount.IsPositive() {
		return flow.Failed("exchange convert: amount must be positive, got %s", amount), nil
	}

	var provider providers.ExchangeProvider
	if strings.TrimSpace(cfg.Provider) == "" {
		provider, err = e.exchanges.GetExchangeProvider(tx.TargetCurrency)
	} else {
		provider, err = e.exchanges.GetExchangeProviderForCapability(providers.ExchangeCapability{
			Provider: cfg.Provider,
			Currency: targetAsset,
		})
	}
	if err != nil {
		return flow.Failed("exchange convert: %v", err), nil
	}

	order, err := provider.CreateMarketOrder(ctx, providers.MarketOrderRequest{
		SourceAsset: sourceAsset,
		TargetAsset: targetAsset,
		Amount:      amount,
		Reference:   reference(rt, in.StepOrder, "convert"),
	})
	if err != nil {
		if providers.IsInsufficientBalance(err) {
			name := providerKey(provider.Name())
			return flow.Waiting(map[string]any{"provider": name}, map[string]any{
				"provider": name,
				"amount":   amount.String(),
				"reason":   "insufficient_balance",
			}), nil
		}
		return flow.Failed("exchange convert on %s: %v", provider.Name(), err), nil
	}

	return flow.Succeeded(map[string]any{
		"provider":       providerKey(provider.Name()),
		"orderId":        order.OrderID,
		"sourceAsset":    sourceAsset,
		"targetAsset":    targetAsset,
		"amount":         amount.String(),
		"filledAmount":   order.FilledAmount.String(),
		"receivedAmount": order.ReceivedAmount.String(),
		"price":          order.Price.String(),
	}), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
