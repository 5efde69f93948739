package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/store/memstore"
)

type recordingResumer struct {
	advanced []uuid.UUID
	err      error
}

func (r *recordingResumer) Advance(ctx context.Context, instanceID uuid.UUID) error {
	r.advanced = append(r.advanced, instanceID)
	return r.err
}

var now = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

func seedFlow(t *testing.T, s *memstore.Store, status domain.FlowStatus, stepStatus domain.StepStatus) (*domain.FlowInstance, domain.FlowStepInstance) {
	t.Helper()
	ctx := context.Background()
	instance := &domain.FlowInstance{
		ID:               uuid.New(),
		TransactionID:    uuid.New(),
		Status:           domain.FlowInProgress,
		CurrentStepOrder: 1,
		CreatedAt:        now.Add(-time.Hour),
		UpdatedAt:        now.Add(-time.Hour),
	}
	step := domain.FlowStepInstance{
		ID:             uuid.New(),
		FlowInstanceID: instance.ID,
		StepOrder:      1,
		StepType:       domain.StepAwaitExchangeBalance,
		Status:         domain.StepReady,
		MaxAttempts:    3,
	}
	if err := s.CreateFlowInstance(ctx, instance, []domain.FlowStepInstance{step}); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if stepStatus == domain.StepReady {
		return instance, step
	}

	if _, ok, _ := s.ClaimFlowStep(ctx, step.ID, domain.StepReady, true, now); !ok {
		t.Fatal("claim failed")
	}
	completion := domain.StepCompletion{
		StepID:           step.ID,
		FlowInstanceID:   instance.ID,
		Status:           stepStatus,
		InstanceStatus:   status,
		CurrentStepOrder: 1,
		At:               now,
	}
	switch stepStatus {
	case domain.StepWaiting:
		completion.Correlation = map[string]any{"provider": "binance"}
	case domain.StepFailed:
		msg := "exchange timeout"
		completion.Error = &msg
		completion.EndedAt = &now
	}
	if ok, _ := s.CompleteFlowStep(ctx, completion); !ok {
		t.Fatal("complete failed")
	}
	return instance, step
}

func newService(s *memstore.Store, resumer Resumer) *Service {
	svc := NewService(s, resumer, nil)
	svc.SetClock(func() time.Time { return now })
	return svc
}

func TestList_StuckFlows(t *testing.T) {
	s := memstore.New()
	stuck, _ := seedFlow(t, s, domain.FlowWaiting, domain.StepWaiting)
	s.TouchFlowInstance(stuck.ID, now.Add(-45*time.Minute))
	fresh, _ := seedFlow(t, s, domain.FlowWaiting, domain.StepWaiting)
	s.TouchFlowInstance(fresh.ID, now.Add(-5*time.Minute))
	failed, _ := seedFlow(t, s, domain.FlowInProgress, domain.StepFailed)
	s.TouchFlowInstance(failed.ID, now.Add(-2*time.Hour))

	svc := newService(s, &recordingResumer{})

	got, err := svc.List(context.Background(), ListFilter{StuckMinutes: 30})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got.Total != 1 || got.Items[0].ID != stuck.ID {
		t.Fatalf("expected only the stuck flow, got %+v", got)
	}

	got, _ = svc.List(context.Background(), ListFilter{StuckMinutes: 60})
	if got.Total != 0 || len(got.Items) != 0 {
		t.Fatalf("expected no stuck flows at 60 minutes, got %+v", got)
	}

	all, _ := svc.List(context.Background(), ListFilter{})
	if all.Total != 3 {
		t.Fatalf("expected three flows without filter, got %d", all.Total)
	}
	inProgress := domain.FlowInProgress
	filtered, _ := svc.List(context.Background(), ListFilter{Status: &inProgress})
	if filtered.Total != 1 || filtered.Items[0].ID != failed.ID {
		t.Fatalf("expected the in-progress flow, got %+v", filtered)
	}
	byTx, _ := svc.List(context.Background(), ListFilter{TransactionID: &fresh.TransactionID})
	if byTx.Total != 1 || byTx.Items[0].ID != fresh.ID {
		t.Fatalf("expected the flow of the transaction, got %+v", byTx)
	}
}

func TestResetStep_RetryGate(t *testing.T) {
	s := memstore.New()
	resumer := &recordingResumer{}
	svc := newService(s, resumer)

	ready, readyStep := seedFlow(t, s, domain.FlowInProgress, domain.StepReady)
	_, err := svc.ResetStep(context.Background(), ready.ID, readyStep.ID, ActionRetry)
	var actionErr *FlowStepActionError
	if !errors.As(err, &actionErr) {
		t.Fatalf("expected FlowStepActionError, got %v", err)
	}
	if actionErr.Status != domain.StepReady || len(actionErr.Allowed) != 1 || actionErr.Allowed[0] != domain.StepFailed {
		t.Fatalf("unexpected action error %+v", actionErr)
	}
	if actionErr.Error() != "cannot retry a step in status READY; allowed: FAILED" {
		t.Fatalf("unexpected message %q", actionErr.Error())
	}

	failed, failedStep := seedFlow(t, s, domain.FlowInProgress, domain.StepFailed)
	detail, err := svc.ResetStep(context.Background(), failed.ID, failedStep.ID, ActionRetry)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	step := detail.Steps[0]
	if step.Status != domain.StepReady || step.Error != nil || step.EndedAt != nil || step.StartedAt != nil {
		t.Fatalf("expected a cleared READY step, got %+v", step)
	}
	if step.Attempts != 1 {
		t.Fatalf("expected attempts to be kept, got %d", step.Attempts)
	}
	if detail.Instance.Status != domain.FlowInProgress || detail.Instance.CurrentStepOrder != 1 {
		t.Fatalf("unexpected instance %+v", detail.Instance)
	}
	if len(resumer.advanced) != 1 || resumer.advanced[0] != failed.ID {
		t.Fatalf("expected the flow to be resumed, got %v", resumer.advanced)
	}

	if _, err := svc.ResetStep(context.Background(), failed.ID, failedStep.ID, ActionRequeue); !errors.As(err, &actionErr) {
		t.Fatalf("expected requeue of a READY step to be rejected, got %v", err)
	}
}

func TestResetStep_Requeue(t *testing.T) {
	s := memstore.New()
	resumer := &recordingResumer{}
	svc := newService(s, resumer)

	waiting, step := seedFlow(t, s, domain.FlowWaiting, domain.StepWaiting)
	if _, err := svc.ResetStep(context.Background(), waiting.ID, step.ID, ActionRetry); err == nil {
		t.Fatal("expected retry of a WAITING step to be rejected")
	}

	detail, err := svc.ResetStep(context.Background(), waiting.ID, step.ID, ActionRequeue)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if detail.Steps[0].Status != domain.StepReady || detail.Steps[0].Correlation != nil {
		t.Fatalf("expected a READY step without correlation, got %+v", detail.Steps[0])
	}
	if detail.Instance.Status != domain.FlowInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", detail.Instance.Status)
	}
}

func TestResetStep_Lookups(t *testing.T) {
	s := memstore.New()
	svc := newService(s, &recordingResumer{})
	instance, step := seedFlow(t, s, domain.FlowInProgress, domain.StepFailed)
	other, _ := seedFlow(t, s, domain.FlowInProgress, domain.StepFailed)

	var notFound *FlowInstanceNotFoundError
	if _, err := svc.ResetStep(context.Background(), uuid.New(), step.ID, ActionRetry); !errors.As(err, &notFound) {
		t.Fatalf("expected FlowInstanceNotFoundError, got %v", err)
	}
	var stepNotFound *FlowStepNotFoundError
	if _, err := svc.ResetStep(context.Background(), instance.ID, uuid.New(), ActionRetry); !errors.As(err, &stepNotFound) {
		t.Fatalf("expected FlowStepNotFoundError, got %v", err)
	}
	if _, err := svc.ResetStep(context.Background(), other.ID, step.ID, ActionRetry); !errors.As(err, &stepNotFound) {
		t.Fatalf("expected a step of another flow to be rejected, got %v", err)
	}
	var actionErr *FlowStepActionError
	if _, err := svc.ResetStep(context.Background(), instance.ID, step.ID, Action("delete")); !errors.As(err, &actionErr) {
		t.Fatalf("expected unknown action to be rejected, got %v", err)
	}
	if _, err := svc.Get(context.Background(), uuid.New()); !errors.As(err, &notFound) {
		t.Fatalf("expected FlowInstanceNotFoundError from Get, got %v", err)
	}
}

func TestGet_SplitsSignals(t *testing.T) {
	s := memstore.New()
	svc := newService(s, &recordingResumer{})
	instance, step := seedFlow(t, s, domain.FlowWaiting, domain.StepWaiting)
	ctx := context.Background()

	consumed := &domain.FlowSignal{ID: uuid.New(), Source: "exchange", FlowInstanceID: &instance.ID, Correlation: map[string]any{"provider": "binance"}}
	pending := &domain.FlowSignal{ID: uuid.New(), Source: "exchange", FlowInstanceID: &instance.ID, Correlation: map[string]any{"provider": "binance"}}
	for _, signal := range []*domain.FlowSignal{consumed, pending} {
		if _, err := s.RecordFlowSignal(ctx, signal); err != nil {
			t.Fatalf("record signal: %v", err)
		}
	}
	if err := s.AttachFlowSignal(ctx, consumed.ID, instance.ID, step.ID, &now); err != nil {
		t.Fatalf("attach: %v", err)
	}

	detail, err := svc.Get(ctx, instance.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(detail.Steps) != 1 || len(detail.ConsumedSignals) != 1 || len(detail.PendingSignals) != 1 {
		t.Fatalf("unexpected detail %+v", detail)
	}
	if detail.ConsumedSignals[0].ID != consumed.ID || detail.PendingSignals[0].ID != pending.ID {
		t.Fatal("expected signals to be split by consumption")
	}
}
