package domain

import (
	"encoding/json"
	"testing"
)

func TestFlowSnapshotStepNavigation(t *testing.T) {
	snapshot := FlowSnapshot{Steps: []StepTemplate{
		{StepOrder: 30, StepType: StepPayoutSend},
		{StepOrder: 10, StepType: StepExchangeConvert},
		{StepOrder: 20, StepType: StepExchangeSend},
	}}

	first, ok := snapshot.FirstStep()
	if !ok || first.StepOrder != 10 {
		t.Fatalf("expected first step order 10, got %+v", first)
	}
	next, ok := snapshot.NextStep(10)
	if !ok || next.StepType != StepExchangeSend {
		t.Fatalf("expected EXCHANGE_SEND after 10, got %+v", next)
	}
	if _, ok := snapshot.NextStep(30); ok {
		t.Fatal("expected no step after the last one")
	}
	if step, ok := snapshot.Step(30); !ok || step.StepType != StepPayoutSend {
		t.Fatalf("expected PAYOUT_SEND at 30, got %+v", step)
	}
}

func TestCloneStepTemplatesDoesNotShareConfig(t *testing.T) {
	original := []StepTemplate{{
		StepOrder:   1,
		Config:      json.RawMessage(`{"provider":"binance"}`),
		SignalMatch: []SignalMatch{{Path: "provider", Equals: "binance"}},
	}}

	cloned := CloneStepTemplates(original)
	original[0].Config[2] = 'X'
	original[0].SignalMatch[0].Equals = "kraken"

	if string(cloned[0].Config) != `{"provider":"binance"}` {
		t.Fatalf("expected config to be copied, got %s", cloned[0].Config)
	}
	if cloned[0].SignalMatch[0].Equals != "binance" {
		t.Fatalf("expected signal match to be copied, got %+v", cloned[0].SignalMatch)
	}
}
