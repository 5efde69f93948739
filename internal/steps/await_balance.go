package steps

import (
	"context"
	"fmt"

	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/flow"
)

// AwaitBalanceConfig is the config of an AWAIT_EXCHANGE_BALANCE step.
type AwaitBalanceConfig struct {
	Provider string `json:"provider"`
}

// AwaitExchangeBalance parks the flow until the exchange reports that the deposit has been
// credited.
type AwaitExchangeBalance struct{}

// NewAwaitExchangeBalance creates the executor.
func NewAwaitExchangeBalance() *AwaitExchangeBalance {
	return &AwaitExchangeBalance{}
}

func (e *AwaitExchangeBalance) StepType() domain.StepType {
	return domain.StepAwaitExchangeBalance
}

// Execute always waits for a balance signal from the configured provider.
func (e *AwaitExchangeBalance) Execute(_ context.Context, in flow.ExecuteInput) (flow.Result, error) {
	cfg, err := flow.DecodeConfig[AwaitBalanceConfig](in.Config)
	if err != nil {
		return flow.Failed("%v", err), nil
	}
	provider := providerKey(cfg.Provider)
	if provider == "" {
		return flow.Failed("await exchange balance: provider is not configured"), nil
	}
	return flow.Waiting(map[string]any{"provider": provider}, map[string]any{"provider": provider}), nil
}

// HandleSignal succeeds only for a signal from the expected provider.
func (e *AwaitExchangeBalance) HandleSignal(_ context.Context, in flow.SignalInput) (flow.Result, error) {
	cfg, err := flow.DecodeConfig[AwaitBalanceConfig](in.Config)
	if err != nil {
		return flow.Failed("%v", err), nil
	}
	expected := providerKey(cfg.Provider)
	got := signalProvider(in.Signal)
	if expected == "" || got != expected {
		return flow.Waiting(map[string]any{"provider": expected}, nil), nil
	}

	output := map[string]any{"provider": expected, "signalId": in.Signal.ID.String()}
	if len(in.Signal.Payload) > 0 {
		output["signal"] = in.Signal.Payload
	}
	return flow.Succeeded(output), nil
}

func signalProvider(signal domain.FlowSignal) string {
	for _, source := range []map[string]any{signal.Correlation, signal.Payload} {
		if v, ok := source["provider"]; ok {
			return providerKey(fmt.Sprint(v))
		}
	}
	return ""
}
