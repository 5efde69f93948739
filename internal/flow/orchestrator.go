/**
 * @description
 * The Orchestrator drives flow instances. It claims the current step, runs its executor
 * under a bounded deadline and folds the result into the step and instance in one write.
 *
 * @notes
 * - No in-process lock is held. Every state change is a conditional write, so concurrent
 *   triggers for the same instance race on the claim and the loser simply returns.
 * - A WAITING step is resumed only by a signal or an operator requeue, never by a timer.
 */

package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/store"
)

var (
	ErrFlowDefinitionDisabled = errors.New("flow definition is disabled")
	ErrEmptyFlow              = errors.New("flow definition has no steps")
	ErrSignalUnroutable       = errors.New("signal has neither a target instance nor correlation")
)

// AmountOutOfRangeError is returned by StartFlow when the deposit is outside the
// definition's bounds.
type AmountOutOfRangeError struct {
	Amount decimal.Decimal
	Min    decimal.Decimal
	Max    decimal.Decimal
}

func (e *AmountOutOfRangeError) Error() string {
	return fmt.Sprintf("amount %s outside allowed range [%s, %s]", e.Amount, e.Min, e.Max)
}

const (
	defaultStepTimeout = 30 * time.Second
	defaultMaxAttempts = 3
)

// Orchestrator drives flow instances forward.
type Orchestrator struct {
	repo               store.Repository
	registry           *Registry
	logger             *slog.Logger
	now                func() time.Time
	stepTimeout        time.Duration
	defaultMaxAttempts int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithStepTimeout bounds every executor invocation.
func WithStepTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.stepTimeout = timeout
		}
	}
}

// WithDefaultMaxAttempts sets the attempt budget of steps whose template has none.
func WithDefaultMaxAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.defaultMaxAttempts = n
		}
	}
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(repo store.Repository, registry *Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:               repo,
		registry:           registry,
		logger:             slog.Default(),
		now:                func() time.Time { return time.Now().UTC() },
		stepTimeout:        defaultStepTimeout,
		defaultMaxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "flow_orchestrator")
	return o
}

// StartFlowRequest starts the flow of an accepted transaction. Without DefinitionID the
// enabled definition for the transaction's route is used.
type StartFlowRequest struct {
	TransactionID uuid.UUID
	DefinitionID  *uuid.UUID
}

// StartFlow snapshots the definition, creates the instance with all of its steps and
// drives it. Starting a transaction that already has an instance resumes that instance.
func (o *Orchestrator) StartFlow(ctx context.Context, req StartFlowRequest) (*domain.FlowInstance, error) {
	tx, err := o.repo.FindTransactionByID(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}

	if existing, err := o.repo.FindFlowInstanceByTransactionID(ctx, tx.ID); err == nil {
		return o.resumeExisting(ctx, existing)
	} else if !errors.Is(err, store.ErrFlowInstanceNotFound) {
		return nil, err
	}

	var def *domain.FlowDefinition
	if req.DefinitionID != nil {
		def, err = o.repo.GetFlowDefinition(ctx, *req.DefinitionID)
	} else {
		def, err = o.repo.FindFlowDefinition(ctx, tx.Blockchain, tx.CryptoAsset, tx.TargetCurrency)
	}
	if err != nil {
		return nil, err
	}
	if !def.Enabled {
		return nil, ErrFlowDefinitionDisabled
	}
	if err := checkAmountRange(tx.SourceAmount, def.MinAmount, def.MaxAmount); err != nil {
		return nil, err
	}

	now := o.now()
	snapshot := NewSnapshot(*def, now)
	first, ok := snapshot.FirstStep()
	if !ok {
		return nil, ErrEmptyFlow
	}
	if err := o.registry.Validate(snapshot); err != nil {
		return nil, err
	}

	instance := &domain.FlowInstance{
		ID:               uuid.New(),
		TransactionID:    tx.ID,
		Status:           domain.FlowInProgress,
		CurrentStepOrder: first.StepOrder,
		Snapshot:         snapshot,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	steps := make([]domain.FlowStepInstance, 0, len(snapshot.Steps))
	for _, template := range snapshot.Steps {
		maxAttempts := template.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = o.defaultMaxAttempts
		}
		input, err := DecodeConfig[map[string]any](template.Config)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", template.StepOrder, err)
		}
		steps = append(steps, domain.FlowStepInstance{
			ID:             uuid.New(),
			FlowInstanceID: instance.ID,
			StepOrder:      template.StepOrder,
			StepType:       template.StepType,
			Status:         domain.StepReady,
			MaxAttempts:    maxAttempts,
			Input:          input,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	if err := o.repo.CreateFlowInstance(ctx, instance, steps); err != nil {
		if errors.Is(err, store.ErrFlowInstanceExists) {
			existing, findErr := o.repo.FindFlowInstanceByTransactionID(ctx, tx.ID)
			if findErr != nil {
				return nil, findErr
			}
			return o.resumeExisting(ctx, existing)
		}
		return nil, err
	}

	o.logger.Info("flow started",
		"flow_instance_id", instance.ID,
		"transaction_id", tx.ID,
		"definition_id", def.ID,
		"steps", len(steps),
	)

	if err := o.Advance(ctx, instance.ID); err != nil {
		return nil, err
	}
	return o.repo.GetFlowInstance(ctx, instance.ID)
}

func (o *Orchestrator) resumeExisting(ctx context.Context, instance *domain.FlowInstance) (*domain.FlowInstance, error) {
	if err := o.Advance(ctx, instance.ID); err != nil {
		return nil, err
	}
	return o.repo.GetFlowInstance(ctx, instance.ID)
}

func checkAmountRange(amount, minAmount, maxAmount decimal.Decimal) error {
	if minAmount.IsPositive() && amount.LessThan(minAmount) {
		return &AmountOutOfRangeError{Amount: amount, Min: minAmount, Max: maxAmount}
	}
	if maxAmount.IsPositive() && amount.GreaterThan(maxAmount) {
		return &AmountOutOfRangeError{Amount: amount, Min: minAmount, Max: maxAmount}
	}
	return nil
}

// Advance drives an instance until it completes, waits, fails or loses a claim race.
func (o *Orchestrator) Advance(ctx context.Context, instanceID uuid.UUID) error {
	for {
		instance, err := o.repo.GetFlowInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if instance.Status.IsTerminal() || instance.Status == domain.FlowWaiting {
			return nil
		}

		steps, err := o.repo.ListFlowSteps(ctx, instanceID)
		if err != nil {
			return err
		}
		step, ok := stepAt(steps, instance.CurrentStepOrder)
		if !ok {
			return fmt.Errorf("%w: instance %s has no step %d", store.ErrFlowStepNotFound, instanceID, instance.CurrentStepOrder)
		}
		if step.Status != domain.StepReady {
			o.logger.Debug("current step not ready",
				"flow_instance_id", instanceID,
				"step_order", step.StepOrder,
				"step_status", step.Status,
			)
			return nil
		}

		advanced, err := o.runStep(ctx, instance, steps, step)
		if err != nil {
			return err
		}
		if !advanced {
			return nil
		}
	}
}

func stepAt(steps []domain.FlowStepInstance, order int) (domain.FlowStepInstance, bool) {
	for _, step := range steps {
		if step.StepOrder == order {
			return step, true
		}
	}
	return domain.FlowStepInstance{}, false
}

func (o *Orchestrator) runStep(ctx context.Context, instance *domain.FlowInstance, steps []domain.FlowStepInstance, step domain.FlowStepInstance) (bool, error) {
	template, ok := instance.Snapshot.Step(step.StepOrder)
	if !ok {
		return false, fmt.Errorf("snapshot of instance %s has no step %d", instance.ID, step.StepOrder)
	}

	if template.CompletionPolicy == domain.CompletionSkip {
		claimed, won, err := o.repo.ClaimFlowStep(ctx, step.ID, domain.StepReady, false, o.now())
		if err != nil || !won {
			return false, err
		}
		return o.fold(ctx, instance, claimed, template, Result{Outcome: OutcomeSucceeded}, foldOptions{skipped: true})
	}

	executor, err := o.registry.Get(step.StepType)
	if err != nil {
		return false, err
	}

	claimed, won, err := o.repo.ClaimFlowStep(ctx, step.ID, domain.StepReady, true, o.now())
	if err != nil {
		return false, err
	}
	if !won {
		o.logger.Info("step claimed elsewhere", "flow_instance_id", instance.ID, "step_id", step.ID)
		return false, nil
	}

	rt, err := o.runtime(ctx, instance, steps)
	if err != nil {
		return false, o.failClaimed(ctx, instance, claimed, template, err)
	}
	input := ExecuteInput{Config: template.Config, Runtime: rt, StepOrder: step.StepOrder}

	o.logger.Info("executing step",
		"flow_instance_id", instance.ID,
		"step_order", step.StepOrder,
		"step_type", step.StepType,
		"attempt", claimed.Attempts,
	)
	result := o.invoke(ctx, claimed, func(ctx context.Context) (Result, error) {
		return executor.Execute(ctx, input)
	})
	return o.fold(ctx, instance, claimed, template, result, foldOptions{})
}

func (o *Orchestrator) runtime(ctx context.Context, instance *domain.FlowInstance, steps []domain.FlowStepInstance) (*Runtime, error) {
	tx, err := o.repo.FindTransactionByID(ctx, instance.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}
	return &Runtime{Transaction: *tx, Instance: *instance, Steps: steps}, nil
}

// failClaimed folds a claimed step to FAILED when the engine itself could not run it.
func (o *Orchestrator) failClaimed(ctx context.Context, instance *domain.FlowInstance, step *domain.FlowStepInstance, template domain.StepTemplate, cause error) error {
	_, err := o.fold(ctx, instance, step, template, Failed("%v", cause), foldOptions{})
	return err
}

// invoke runs fn under the step deadline. Errors, panics and timeouts become failed results.
func (o *Orchestrator) invoke(ctx context.Context, step *domain.FlowStepInstance, fn func(context.Context) (Result, error)) Result {
	stepCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("executor panicked",
					"step_id", step.ID,
					"step_type", step.StepType,
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()),
				)
				done <- Failed("executor panic: %v", r)
			}
		}()
		result, err := fn(stepCtx)
		if err != nil {
			o.logger.Error("executor error", "step_id", step.ID, "step_type", step.StepType, "error", err)
			done <- Failed("%v", err)
			return
		}
		done <- result
	}()

	select {
	case result := <-done:
		return result
	case <-stepCtx.Done():
		o.logger.Warn("step deadline exceeded", "step_id", step.ID, "step_type", step.StepType, "timeout", o.stepTimeout)
		return Failed("step timed out after %s: %v", o.stepTimeout, stepCtx.Err())
	}
}

type foldOptions struct {
	skipped   bool
	exhausted bool
}

func normalize(result Result) Result {
	switch result.Outcome {
	case OutcomeSucceeded:
	case OutcomeWaiting:
		if len(result.Correlation) == 0 {
			return Failed("executor returned waiting without correlation")
		}
	case OutcomeFailed:
		if strings.TrimSpace(result.Error) == "" {
			result.Error = "step failed"
		}
	default:
		return Failed("executor returned unknown outcome %q", result.Outcome)
	}
	return result
}

// fold writes a result for a RUNNING step. It reports whether the instance moved on to
// another step that the caller should now run.
func (o *Orchestrator) fold(ctx context.Context, instance *domain.FlowInstance, step *domain.FlowStepInstance, template domain.StepTemplate, result Result, opts foldOptions) (bool, error) {
	result = normalize(result)
	now := o.now()

	completion := domain.StepCompletion{
		StepID:           step.ID,
		FlowInstanceID:   instance.ID,
		Output:           result.Output,
		Correlation:      result.Correlation,
		CurrentStepOrder: step.StepOrder,
		At:               now,
	}

	awaitSignal := template.CompletionPolicy == domain.CompletionAwaitSignal &&
		result.Outcome == OutcomeSucceeded && len(result.Correlation) > 0

	advanced := false
	switch {
	case result.Outcome == OutcomeWaiting || awaitSignal:
		completion.Status = domain.StepWaiting
		completion.InstanceStatus = domain.FlowWaiting
	case result.Outcome == OutcomeFailed:
		msg := result.Error
		completion.Status = domain.StepFailed
		completion.Error = &msg
		completion.EndedAt = &now
		completion.InstanceStatus = domain.FlowInProgress
		if opts.exhausted {
			completion.InstanceStatus = domain.FlowFailed
		}
	default:
		completion.Status = domain.StepSucceeded
		if opts.skipped {
			completion.Status = domain.StepSkipped
		}
		completion.EndedAt = &now
		if next, ok := instance.Snapshot.NextStep(step.StepOrder); ok {
			completion.InstanceStatus = domain.FlowInProgress
			completion.CurrentStepOrder = next.StepOrder
			advanced = true
		} else {
			completion.InstanceStatus = domain.FlowCompleted
		}
	}

	applied, err := o.repo.CompleteFlowStep(ctx, completion)
	if err != nil {
		return false, fmt.Errorf("fold step %s: %w", step.ID, err)
	}
	if !applied {
		o.logger.Warn("step left RUNNING before its result was folded", "flow_instance_id", instance.ID, "step_id", step.ID)
		return false, nil
	}

	logArgs := []any{
		"flow_instance_id", instance.ID,
		"step_order", step.StepOrder,
		"step_type", step.StepType,
		"step_status", completion.Status,
		"instance_status", completion.InstanceStatus,
	}
	switch completion.Status {
	case domain.StepFailed:
		o.logger.Warn("step failed", append(logArgs, "error", result.Error)...)
	default:
		o.logger.Info("step folded", logArgs...)
	}

	if completion.Status == domain.StepWaiting {
		waiting := *step
		waiting.Status = domain.StepWaiting
		waiting.Correlation = maps.Clone(result.Correlation)
		if err := o.deliverPending(ctx, &waiting); err != nil {
			return false, err
		}
	}
	return advanced, nil
}

// Signal is an inbound event for waiting steps.
type Signal struct {
	Source         string
	IdempotencyKey string
	FlowInstanceID *uuid.UUID
	Correlation    map[string]any
	Payload        map[string]any
}

// SignalDelivery reports what DeliverSignal did.
type SignalDelivery struct {
	SignalID  uuid.UUID
	Duplicate bool
	Delivered int
}

// DeliverSignal records a signal and hands it to every matching waiting step. A signal
// that matches nothing yet stays pending and is delivered when a step starts waiting
// on a matching correlation. Signals are deduplicated per source and idempotency key.
func (o *Orchestrator) DeliverSignal(ctx context.Context, in Signal) (SignalDelivery, error) {
	if in.FlowInstanceID == nil && len(in.Correlation) == 0 {
		return SignalDelivery{}, ErrSignalUnroutable
	}

	signal := &domain.FlowSignal{
		ID:             uuid.New(),
		Source:         strings.ToLower(strings.TrimSpace(in.Source)),
		FlowInstanceID: in.FlowInstanceID,
		Correlation:    in.Correlation,
		Payload:        in.Payload,
		CreatedAt:      o.now(),
	}
	if key := strings.TrimSpace(in.IdempotencyKey); key != "" {
		signal.IdempotencyKey = &key
	}

	recorded, err := o.repo.RecordFlowSignal(ctx, signal)
	if err != nil {
		return SignalDelivery{}, err
	}
	if !recorded {
		// A redelivery of a signal that never reached a step is delivered again.
		if signal.StepInstanceID != nil || signal.ConsumedAt != nil {
			o.logger.Info("duplicate signal ignored", "source", signal.Source, "idempotency_key", in.IdempotencyKey)
			return SignalDelivery{SignalID: signal.ID, Duplicate: true}, nil
		}
		o.logger.Info("redelivering pending signal", "signal_id", signal.ID, "source", signal.Source)
	}

	steps, err := o.repo.FindWaitingSteps(ctx, signal.Correlation, signal.FlowInstanceID)
	if err != nil {
		return SignalDelivery{SignalID: signal.ID}, err
	}

	report := SignalDelivery{SignalID: signal.ID}
	for i := range steps {
		delivered, err := o.deliverToStep(ctx, *signal, &steps[i])
		if err != nil {
			return report, err
		}
		if delivered {
			report.Delivered++
		}
	}
	if report.Delivered == 0 {
		o.logger.Info("signal pending", "signal_id", signal.ID, "source", in.Source)
	}
	return report, nil
}

func (o *Orchestrator) deliverPending(ctx context.Context, step *domain.FlowStepInstance) error {
	pending, err := o.repo.FindPendingSignals(ctx, step.Correlation)
	if err != nil {
		return err
	}
	for _, signal := range pending {
		delivered, err := o.deliverToStep(ctx, signal, step)
		if err != nil {
			return err
		}
		if delivered {
			return nil
		}
	}
	return nil
}

// deliverToStep resolves one waiting step with a signal. It reports false when the step's
// match rules reject the signal or another trigger claimed the step first.
func (o *Orchestrator) deliverToStep(ctx context.Context, signal domain.FlowSignal, step *domain.FlowStepInstance) (bool, error) {
	instance, err := o.repo.GetFlowInstance(ctx, step.FlowInstanceID)
	if err != nil {
		return false, err
	}
	template, ok := instance.Snapshot.Step(step.StepOrder)
	if !ok {
		return false, fmt.Errorf("snapshot of instance %s has no step %d", instance.ID, step.StepOrder)
	}
	if !MatchesSignal(template.SignalMatch, signal.Payload) {
		return false, nil
	}

	executor, err := o.registry.Get(step.StepType)
	if err != nil {
		return false, err
	}
	handler, hasHandler := executor.(SignalHandler)
	reexecute := !hasHandler && template.CompletionPolicy != domain.CompletionAwaitSignal

	claimed, won, err := o.repo.ClaimFlowStep(ctx, step.ID, domain.StepWaiting, reexecute, o.now())
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}

	steps, err := o.repo.ListFlowSteps(ctx, instance.ID)
	if err != nil {
		return false, err
	}
	rt, err := o.runtime(ctx, instance, steps)
	if err != nil {
		return true, o.failClaimed(ctx, instance, claimed, template, err)
	}
	input := ExecuteInput{Config: template.Config, Runtime: rt, StepOrder: step.StepOrder}

	var (
		result Result
		opts   foldOptions
	)
	switch {
	case hasHandler:
		result = o.invoke(ctx, claimed, func(ctx context.Context) (Result, error) {
			return handler.HandleSignal(ctx, SignalInput{ExecuteInput: input, Step: *claimed, Signal: signal})
		})
	case !reexecute:
		output := maps.Clone(step.Output)
		if output == nil {
			output = map[string]any{}
		}
		output["signal"] = signal.Payload
		result = Succeeded(output)
	case claimed.MaxAttempts > 0 && claimed.Attempts > claimed.MaxAttempts:
		result = Failed("max attempts (%d) exceeded", claimed.MaxAttempts)
		opts.exhausted = true
	default:
		o.logger.Info("re-executing waiting step",
			"flow_instance_id", instance.ID,
			"step_order", step.StepOrder,
			"attempt", claimed.Attempts,
			"signal_id", signal.ID,
		)
		result = o.invoke(ctx, claimed, func(ctx context.Context) (Result, error) {
			return executor.Execute(ctx, input)
		})
	}

	if result.Outcome == OutcomeWaiting && len(result.Correlation) == 0 {
		result.Correlation = step.Correlation
	}
	var consumedAt *time.Time
	if normalize(result).Outcome != OutcomeWaiting {
		now := o.now()
		consumedAt = &now
	}
	if err := o.repo.AttachFlowSignal(ctx, signal.ID, instance.ID, step.ID, consumedAt); err != nil {
		return true, err
	}

	advanced, err := o.fold(ctx, instance, claimed, template, result, opts)
	if err != nil {
		return true, err
	}
	if advanced {
		return true, o.Advance(ctx, instance.ID)
	}
	return true, nil
}
