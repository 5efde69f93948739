package flow

import (
	"github.com/transfa/settlement-service/internal/domain"
)

// Runtime is the read-only state an executor sees: the owning transaction, the instance
// with its snapshot, and the recorded steps.
type Runtime struct {
	Transaction domain.Transaction
	Instance    domain.FlowInstance
	Steps       []domain.FlowStepInstance
}

// Snapshot returns the frozen flow definition.
func (rt *Runtime) Snapshot() domain.FlowSnapshot {
	return rt.Instance.Snapshot
}

// StepOutput returns the recorded output of the step with the given order.
func (rt *Runtime) StepOutput(order int) (map[string]any, bool) {
	for _, step := range rt.Steps {
		if step.StepOrder == order {
			if step.Output == nil {
				return nil, false
			}
			return step.Output, true
		}
	}
	return nil, false
}
