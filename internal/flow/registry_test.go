package flow

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/transfa/settlement-service/internal/domain"
)

func TestRegistry(t *testing.T) {
	payout := &stubExecutor{stepType: domain.StepPayoutSend}

	if _, err := NewRegistry(payout, &stubExecutor{stepType: domain.StepPayoutSend}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}

	registry, err := NewRegistry(payout)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if got, err := registry.Get(domain.StepPayoutSend); err != nil || got != payout {
		t.Fatalf("expected payout executor, got %v, %v", got, err)
	}
	if _, err := registry.Get(domain.StepExchangeSend); !errors.Is(err, ErrExecutorNotRegistered) {
		t.Fatalf("expected ErrExecutorNotRegistered, got %v", err)
	}

	snapshot := domain.FlowSnapshot{Steps: []domain.StepTemplate{
		{StepOrder: 1, StepType: domain.StepPayoutSend},
		{StepOrder: 2, StepType: domain.StepTreasuryTransfer, CompletionPolicy: domain.CompletionSkip},
	}}
	if err := registry.Validate(snapshot); !errors.Is(err, ErrExecutorNotRegistered) {
		t.Fatalf("expected validation to reject the unregistered step, got %v", err)
	}
}

func TestNewSnapshot_IsDetachedFromDefinition(t *testing.T) {
	def := domain.FlowDefinition{
		Name: "route",
		Steps: []domain.StepTemplate{
			{StepOrder: 20, StepType: domain.StepPayoutSend, Config: json.RawMessage(`{"provider":"anchor"}`)},
			{StepOrder: 10, StepType: domain.StepExchangeConvert, SignalMatch: []domain.SignalMatch{{Path: "status", Equals: "FILLED"}}},
		},
	}
	taken := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snapshot := NewSnapshot(def, taken)

	if snapshot.Steps[0].StepOrder != 10 || snapshot.Steps[1].StepOrder != 20 {
		t.Fatalf("expected steps sorted by order, got %+v", snapshot.Steps)
	}
	if snapshot.Steps[0].CompletionPolicy != domain.CompletionImmediate {
		t.Fatalf("expected default IMMEDIATE policy, got %q", snapshot.Steps[0].CompletionPolicy)
	}
	if !snapshot.TakenAt.Equal(taken) {
		t.Fatalf("expected taken at %s, got %s", taken, snapshot.TakenAt)
	}

	def.Steps[0].Config[2] = 'X'
	def.Steps[1].SignalMatch[0].Equals = "CANCELLED"
	def.Steps[0].StepType = domain.StepTreasuryTransfer

	if string(snapshot.Steps[1].Config) != `{"provider":"anchor"}` {
		t.Fatalf("expected config to be copied, got %s", snapshot.Steps[1].Config)
	}
	if snapshot.Steps[0].SignalMatch[0].Equals != "FILLED" {
		t.Fatal("expected signal match rules to be copied")
	}
	if snapshot.Steps[1].StepType != domain.StepPayoutSend {
		t.Fatal("expected step types to be copied")
	}
}

func TestMatchesSignal(t *testing.T) {
	payload := map[string]any{
		"status": "COMPLETED",
		"data":   map[string]any{"attributes": map[string]any{"amount": 1500}},
	}
	cases := []struct {
		name  string
		rules []domain.SignalMatch
		want  bool
	}{
		{name: "no rules", want: true},
		{name: "top level", rules: []domain.SignalMatch{{Path: "status", Equals: "COMPLETED"}}, want: true},
		{name: "nested number", rules: []domain.SignalMatch{{Path: "data.attributes.amount", Equals: "1500"}}, want: true},
		{name: "mismatch", rules: []domain.SignalMatch{{Path: "status", Equals: "FAILED"}}, want: false},
		{name: "missing path", rules: []domain.SignalMatch{{Path: "reason", Equals: ""}}, want: false},
		{
			name: "all rules must hold",
			rules: []domain.SignalMatch{
				{Path: "status", Equals: "COMPLETED"},
				{Path: "data.attributes.amount", Equals: "1"},
			},
			want: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MatchesSignal(tc.rules, payload); got != tc.want {
				t.Fatalf("expected %t, got %t", tc.want, got)
			}
		})
	}
}

func TestDecodeConfig(t *testing.T) {
	type cfg struct {
		Provider string `json:"provider"`
	}
	got, err := DecodeConfig[cfg](nil)
	if err != nil || got.Provider != "" {
		t.Fatalf("expected zero config, got %+v, %v", got, err)
	}
	got, err = DecodeConfig[cfg](json.RawMessage(`{"provider":"binance"}`))
	if err != nil || got.Provider != "binance" {
		t.Fatalf("expected decoded config, got %+v, %v", got, err)
	}
	if _, err := DecodeConfig[cfg](json.RawMessage(`{"provider":`)); err == nil {
		t.Fatal("expected invalid config to fail")
	}
}
