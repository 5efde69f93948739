package flow

import (
	"errors"
	"fmt"

	"github.com/transfa/settlement-service/internal/domain"
)

// ErrExecutorNotRegistered is returned for a step type without an executor.
var ErrExecutorNotRegistered = errors.New("executor not registered")

// Registry maps step types to executors. It is built once at startup and read-only after.
type Registry struct {
	executors map[domain.StepType]Executor
}

// NewRegistry builds a registry; registering a step type twice is an error.
func NewRegistry(executors ...Executor) (*Registry, error) {
	r := &Registry{executors: make(map[domain.StepType]Executor, len(executors))}
	for _, executor := range executors {
		stepType := executor.StepType()
		if _, exists := r.executors[stepType]; exists {
			return nil, fmt.Errorf("duplicate executor for step type %s", stepType)
		}
		r.executors[stepType] = executor
	}
	return r, nil
}

// Get returns the executor of a step type.
func (r *Registry) Get(stepType domain.StepType) (Executor, error) {
	executor, ok := r.executors[stepType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutorNotRegistered, stepType)
	}
	return executor, nil
}

// Validate checks that every step of a snapshot has an executor.
func (r *Registry) Validate(snapshot domain.FlowSnapshot) error {
	for _, step := range snapshot.Steps {
		if _, err := r.Get(step.StepType); err != nil {
			return fmt.Errorf("step %d: %w", step.StepOrder, err)
		}
	}
	return nil
}
