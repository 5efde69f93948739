/**
 * @description
 * This file defines the persistence contract of the settlement-service. The engine only
 * talks to storage through these interfaces; the PostgreSQL implementation lives next to
 * it and an in-memory implementation backs the package tests of the engine.
 *
 * @notes
 * - Every write that guards money movement is atomic at the storage level: unique
 *   (transaction_id, idempotency_key) ledger rows, row locks and conditional updates.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/settlement-service/internal/domain"
)

var (
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrFlowDefinitionNotFound = errors.New("flow definition not found")
	ErrFlowInstanceNotFound   = errors.New("flow instance not found")
	ErrFlowInstanceExists     = errors.New("flow instance already exists for transaction")
	ErrFlowStepNotFound       = errors.New("flow step not found")
)

// TransactionRepository covers transactions and the transition ledger.
type TransactionRepository interface {
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)

	// ApplyTransition applies a named transition at most once per idempotency key. It
	// returns nil without error when the transaction is missing or the transition is not
	// allowed from its current status.
	ApplyTransition(ctx context.Context, req domain.TransitionRequest) (*domain.Transaction, error)
	ReserveRefund(ctx context.Context, req domain.RefundReservationRequest) (domain.RefundReservation, error)
	RecordRefundOutcome(ctx context.Context, req domain.RefundOutcomeRequest) error
	ListTransitions(ctx context.Context, transactionID uuid.UUID) ([]domain.TransitionEntry, error)
}

// FlowRepository covers flow definitions, instances, step instances and signals.
type FlowRepository interface {
	SaveFlowDefinition(ctx context.Context, def *domain.FlowDefinition) error
	GetFlowDefinition(ctx context.Context, definitionID uuid.UUID) (*domain.FlowDefinition, error)
	FindFlowDefinition(ctx context.Context, blockchain, cryptoAsset, targetCurrency string) (*domain.FlowDefinition, error)

	// CreateFlowInstance inserts the instance and all of its step rows together.
	CreateFlowInstance(ctx context.Context, instance *domain.FlowInstance, steps []domain.FlowStepInstance) error
	GetFlowInstance(ctx context.Context, instanceID uuid.UUID) (*domain.FlowInstance, error)
	FindFlowInstanceByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.FlowInstance, error)
	ListFlowInstances(ctx context.Context, filter domain.FlowInstanceFilter) ([]domain.FlowInstance, int, error)

	ListFlowSteps(ctx context.Context, instanceID uuid.UUID) ([]domain.FlowStepInstance, error)
	GetFlowStep(ctx context.Context, stepID uuid.UUID) (*domain.FlowStepInstance, error)
	// ClaimFlowStep moves a step from the given status to RUNNING. It reports false when
	// the step was no longer in that status.
	ClaimFlowStep(ctx context.Context, stepID uuid.UUID, from domain.StepStatus, countAttempt bool, now time.Time) (*domain.FlowStepInstance, bool, error)
	// CompleteFlowStep folds a RUNNING step and its instance in one write. It reports
	// false when the step was no longer RUNNING.
	CompleteFlowStep(ctx context.Context, completion domain.StepCompletion) (bool, error)
	// ResetFlowStep returns a step in the expected status to READY and points the instance
	// back at it as IN_PROGRESS.
	ResetFlowStep(ctx context.Context, stepID uuid.UUID, expected domain.StepStatus, now time.Time) (bool, error)

	// RecordFlowSignal stores an inbound signal. It reports false when the same source
	// already sent the idempotency key, and then loads the stored signal into signal.
	RecordFlowSignal(ctx context.Context, signal *domain.FlowSignal) (bool, error)
	// FindWaitingSteps returns WAITING steps whose correlation contains the given keys,
	// optionally restricted to one instance.
	FindWaitingSteps(ctx context.Context, correlation map[string]any, instanceID *uuid.UUID) ([]domain.FlowStepInstance, error)
	// FindPendingSignals returns signals never delivered to any step whose correlation is
	// contained in the given step correlation.
	FindPendingSignals(ctx context.Context, stepCorrelation map[string]any) ([]domain.FlowSignal, error)
	// AttachFlowSignal links a signal to the step it was delivered to. A nil consumedAt
	// leaves the signal pending.
	AttachFlowSignal(ctx context.Context, signalID, instanceID, stepID uuid.UUID, consumedAt *time.Time) error
	ListFlowSignals(ctx context.Context, instanceID uuid.UUID) ([]domain.FlowSignal, error)
}

// Repository is the full persistence surface of the service.
type Repository interface {
	TransactionRepository
	FlowRepository
}
