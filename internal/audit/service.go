/**
 * @description
 * Package audit is the operator recovery surface over flow instances: listing with a
 * stuck-flow filter, a detail view, and the retry/requeue actions that put a step back
 * to READY and resume the orchestrator.
 */

package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/store"
)

// Action is an operator step action.
type Action string

const (
	ActionRetry   Action = "retry"
	ActionRequeue Action = "requeue"
)

// allowedFrom lists the step statuses each action may start from.
var allowedFrom = map[Action][]domain.StepStatus{
	ActionRetry:   {domain.StepFailed},
	ActionRequeue: {domain.StepWaiting},
}

// FlowInstanceNotFoundError is returned for an unknown flow instance.
type FlowInstanceNotFoundError struct {
	ID uuid.UUID
}

func (e *FlowInstanceNotFoundError) Error() string {
	return fmt.Sprintf("flow instance %s not found", e.ID)
}

// FlowStepNotFoundError is returned for a step that does not belong to the instance.
type FlowStepNotFoundError struct {
	FlowID uuid.UUID
	StepID uuid.UUID
}

func (e *FlowStepNotFoundError) Error() string {
	return fmt.Sprintf("step %s not found in flow instance %s", e.StepID, e.FlowID)
}

// FlowStepActionError is returned when an action is not allowed from the step's status.
type FlowStepActionError struct {
	Action  Action
	Status  domain.StepStatus
	Allowed []domain.StepStatus
}

func (e *FlowStepActionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	if len(allowed) == 0 {
		return fmt.Sprintf("unknown step action %q", e.Action)
	}
	return fmt.Sprintf("cannot %s a step in status %s; allowed: %s", e.Action, e.Status, strings.Join(allowed, ", "))
}

// Resumer drives a flow instance forward.
type Resumer interface {
	Advance(ctx context.Context, instanceID uuid.UUID) error
}

// ListFilter selects flow instances. StuckMinutes > 0 restricts the listing to WAITING
// instances not updated for that long.
type ListFilter struct {
	Status        *domain.FlowStatus
	TransactionID *uuid.UUID
	StuckMinutes  int
	Limit         int
	Offset        int
}

// ListResult is one page of flow instances.
type ListResult struct {
	Items []domain.FlowInstance `json:"items"`
	Total int                   `json:"total"`
}

// FlowDetail is the detail view of one flow instance.
type FlowDetail struct {
	Instance        domain.FlowInstance       `json:"instance"`
	Steps           []domain.FlowStepInstance `json:"steps"`
	ConsumedSignals []domain.FlowSignal       `json:"consumed_signals"`
	PendingSignals  []domain.FlowSignal       `json:"pending_signals"`
}

// Service implements the audit operations.
type Service struct {
	repo    store.FlowRepository
	resumer Resumer
	now     func() time.Time
	logger  *slog.Logger
}

// NewService creates the audit service.
func NewService(repo store.FlowRepository, resumer Resumer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		resumer: resumer,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With("component", "flow_audit"),
	}
}

// SetClock overrides time.Now.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// List returns a page of flow instances, most recently updated first.
func (s *Service) List(ctx context.Context, filter ListFilter) (ListResult, error) {
	repoFilter := domain.FlowInstanceFilter{
		Status:        filter.Status,
		TransactionID: filter.TransactionID,
		Limit:         filter.Limit,
		Offset:        filter.Offset,
	}
	if filter.StuckMinutes > 0 {
		waiting := domain.FlowWaiting
		before := s.now().Add(-time.Duration(filter.StuckMinutes) * time.Minute)
		repoFilter.Status = &waiting
		repoFilter.UpdatedBefore = &before
	}

	items, total, err := s.repo.ListFlowInstances(ctx, repoFilter)
	if err != nil {
		return ListResult{}, err
	}
	if items == nil {
		items = []domain.FlowInstance{}
	}
	return ListResult{Items: items, Total: total}, nil
}

// Get returns an instance with its steps and signals.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*FlowDetail, error) {
	instance, err := s.repo.GetFlowInstance(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrFlowInstanceNotFound) {
			return nil, &FlowInstanceNotFoundError{ID: id}
		}
		return nil, err
	}
	steps, err := s.repo.ListFlowSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	signals, err := s.repo.ListFlowSignals(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &FlowDetail{
		Instance:        *instance,
		Steps:           steps,
		ConsumedSignals: []domain.FlowSignal{},
		PendingSignals:  []domain.FlowSignal{},
	}
	for _, signal := range signals {
		if signal.ConsumedAt != nil {
			detail.ConsumedSignals = append(detail.ConsumedSignals, signal)
		} else {
			detail.PendingSignals = append(detail.PendingSignals, signal)
		}
	}
	return detail, nil
}

// ResetStep applies an operator action to a step and resumes the flow. The attempts
// counter is kept so the history of the step stays visible.
func (s *Service) ResetStep(ctx context.Context, flowID, stepID uuid.UUID, action Action) (*FlowDetail, error) {
	allowed, ok := allowedFrom[action]
	if !ok {
		return nil, &FlowStepActionError{Action: action}
	}

	if _, err := s.repo.GetFlowInstance(ctx, flowID); err != nil {
		if errors.Is(err, store.ErrFlowInstanceNotFound) {
			return nil, &FlowInstanceNotFoundError{ID: flowID}
		}
		return nil, err
	}
	step, err := s.repo.GetFlowStep(ctx, stepID)
	if err != nil {
		if errors.Is(err, store.ErrFlowStepNotFound) {
			return nil, &FlowStepNotFoundError{FlowID: flowID, StepID: stepID}
		}
		return nil, err
	}
	if step.FlowInstanceID != flowID {
		return nil, &FlowStepNotFoundError{FlowID: flowID, StepID: stepID}
	}
	if step.Status != allowed[0] {
		return nil, &FlowStepActionError{Action: action, Status: step.Status, Allowed: allowed}
	}

	reset, err := s.repo.ResetFlowStep(ctx, stepID, step.Status, s.now())
	if err != nil {
		return nil, err
	}
	if !reset {
		// The step moved between the read and the conditional write.
		current, err := s.repo.GetFlowStep(ctx, stepID)
		if err != nil {
			return nil, err
		}
		return nil, &FlowStepActionError{Action: action, Status: current.Status, Allowed: allowed}
	}

	s.logger.Info("step reset by operator",
		"flow_instance_id", flowID,
		"step_id", stepID,
		"step_order", step.StepOrder,
		"action", action,
		"previous_status", step.Status,
	)

	if err := s.resumer.Advance(ctx, flowID); err != nil {
		s.logger.Error("resume after reset failed", "flow_instance_id", flowID, "error", err)
		return nil, fmt.Errorf("resume flow %s: %w", flowID, err)
	}
	return s.Get(ctx, flowID)
}
