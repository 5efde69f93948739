package flow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/transfa/settlement-service/internal/domain"
)

// Outcome is the verdict of one executor invocation.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeWaiting   Outcome = "waiting"
	OutcomeFailed    Outcome = "failed"
)

// Result is what an executor reports. Waiting results carry Correlation and failed results
// carry Error; the orchestrator enforces both.
type Result struct {
	Outcome     Outcome
	Output      map[string]any
	Correlation map[string]any
	Error       string
}

// Succeeded reports completed work.
func Succeeded(output map[string]any) Result {
	return Result{Outcome: OutcomeSucceeded, Output: output}
}

// SucceededAwaiting reports completed work whose settlement is later confirmed by a
// signal matching correlation.
func SucceededAwaiting(output, correlation map[string]any) Result {
	return Result{Outcome: OutcomeSucceeded, Output: output, Correlation: correlation}
}

// Waiting reports that the step must rest until a signal matching correlation arrives.
func Waiting(correlation map[string]any, output map[string]any) Result {
	return Result{Outcome: OutcomeWaiting, Correlation: correlation, Output: output}
}

// Failed reports a hard failure.
func Failed(format string, args ...any) Result {
	return Result{Outcome: OutcomeFailed, Error: fmt.Sprintf(format, args...)}
}

// ExecuteInput is handed to Executor.Execute.
type ExecuteInput struct {
	Config    json.RawMessage
	Runtime   *Runtime
	StepOrder int
}

// SignalInput is handed to SignalHandler.HandleSignal.
type SignalInput struct {
	ExecuteInput
	Step   domain.FlowStepInstance
	Signal domain.FlowSignal
}

// Executor performs the external work of one step type. Provider-domain failures are
// returned as failed results; a returned error means something unexpected happened.
type Executor interface {
	StepType() domain.StepType
	Execute(ctx context.Context, in ExecuteInput) (Result, error)
}

// SignalHandler is implemented by executors that resolve a waiting step from a signal
// instead of being executed again.
type SignalHandler interface {
	HandleSignal(ctx context.Context, in SignalInput) (Result, error)
}

// DecodeConfig parses a step config. An empty config decodes to the zero value.
func DecodeConfig[T any](raw json.RawMessage) (T, error) {
	var cfg T
	if len(raw) == 0 || string(raw) == "null" {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("invalid step config: %w", err)
	}
	return cfg, nil
}
