// Package memstore is an in-memory store.Repository. A single mutex stands in for the
// row locks and unique indexes of the PostgreSQL implementation, and the same decision
// helpers from domain and statemachine drive every write.
package memstore

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/statemachine"
	"github.com/transfa/settlement-service/internal/store"
)

type ledgerKey struct {
	transactionID uuid.UUID
	key           string
}

// Store implements store.Repository in memory.
type Store struct {
	mu sync.Mutex

	now func() time.Time

	transactions map[uuid.UUID]domain.Transaction
	ledger       map[ledgerKey]domain.TransitionEntry
	ledgerOrder  []ledgerKey
	definitions  map[uuid.UUID]domain.FlowDefinition
	instances    map[uuid.UUID]domain.FlowInstance
	steps        map[uuid.UUID]domain.FlowStepInstance
	signals      map[uuid.UUID]domain.FlowSignal
	signalOrder  []uuid.UUID
	signalKeys   map[string]uuid.UUID

	// LedgerWrites counts ledger inserts and context updates.
	LedgerWrites int
}

var _ store.Repository = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		now:          func() time.Time { return time.Now().UTC() },
		transactions: make(map[uuid.UUID]domain.Transaction),
		ledger:       make(map[ledgerKey]domain.TransitionEntry),
		definitions:  make(map[uuid.UUID]domain.FlowDefinition),
		instances:    make(map[uuid.UUID]domain.FlowInstance),
		steps:        make(map[uuid.UUID]domain.FlowStepInstance),
		signals:      make(map[uuid.UUID]domain.FlowSignal),
		signalKeys:   make(map[string]uuid.UUID),
	}
}

// SetClock overrides the clock used for row timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// TouchFlowInstance overwrites the updated_at of an instance.
func (s *Store) TouchFlowInstance(instanceID uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if instance, ok := s.instances[instanceID]; ok {
		instance.UpdatedAt = at
		s.instances[instanceID] = instance
	}
}

func cloneStep(step domain.FlowStepInstance) domain.FlowStepInstance {
	step.Input = maps.Clone(step.Input)
	step.Output = maps.Clone(step.Output)
	step.Correlation = maps.Clone(step.Correlation)
	return step
}

func cloneInstance(instance domain.FlowInstance) domain.FlowInstance {
	instance.Snapshot.Steps = domain.CloneStepTemplates(instance.Snapshot.Steps)
	return instance
}

func cloneSignal(signal domain.FlowSignal) domain.FlowSignal {
	signal.Correlation = maps.Clone(signal.Correlation)
	signal.Payload = maps.Clone(signal.Payload)
	return signal
}

// CreateTransaction stores a copy of tx.
func (s *Store) CreateTransaction(_ context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	now := s.now()
	tx.CreatedAt, tx.UpdatedAt = now, now
	s.transactions[tx.ID] = *tx
	return nil
}

// FindTransactionByID returns a copy of the transaction.
func (s *Store) FindTransactionByID(_ context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[transactionID]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	return &tx, nil
}

// ApplyTransition applies a transition at most once per idempotency key.
func (s *Store) ApplyTransition(_ context.Context, req domain.TransitionRequest) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[req.TransactionID]
	if _, exists := s.ledger[ledgerKey{req.TransactionID, req.IdempotencyKey}]; exists {
		if !ok {
			return nil, nil
		}
		return &tx, nil
	}
	if !ok {
		return nil, nil
	}

	next, err := statemachine.ResolveTransition(tx.Status, req.Name)
	if err != nil {
		return nil, nil
	}

	var raw json.RawMessage
	if req.Context != nil {
		payload, err := json.Marshal(req.Context)
		if err != nil {
			return nil, err
		}
		raw = payload
	}

	from := tx.Status
	now := s.now()
	s.insertLedger(domain.TransitionEntry{
		ID:             uuid.New(),
		TransactionID:  req.TransactionID,
		IdempotencyKey: req.IdempotencyKey,
		Name:           req.Name,
		FromStatus:     &from,
		ToStatus:       &next,
		Context:        raw,
		CreatedAt:      now,
		UpdatedAt:      now,
	})

	tx.Status = next
	req.Data.Apply(&tx)
	tx.UpdatedAt = now
	s.transactions[tx.ID] = tx
	return &tx, nil
}

func (s *Store) insertLedger(entry domain.TransitionEntry) {
	key := ledgerKey{entry.TransactionID, entry.IdempotencyKey}
	if _, exists := s.ledger[key]; !exists {
		s.ledgerOrder = append(s.ledgerOrder, key)
	}
	s.ledger[key] = entry
	s.LedgerWrites++
}

func (s *Store) refundContext(transactionID uuid.UUID, key string) (*domain.RefundContext, error) {
	entry, ok := s.ledger[ledgerKey{transactionID, key}]
	if !ok {
		return nil, nil
	}
	return domain.DecodeRefundContext(entry.Context)
}

func (s *Store) writeRefundContext(transactionID uuid.UUID, key string, rc domain.RefundContext) error {
	payload, err := json.Marshal(rc)
	if err != nil {
		return err
	}
	now := s.now()
	entry, ok := s.ledger[ledgerKey{transactionID, key}]
	if !ok {
		entry = domain.TransitionEntry{
			ID:             uuid.New(),
			TransactionID:  transactionID,
			IdempotencyKey: key,
			Name:           domain.LedgerEntryRefund,
			CreatedAt:      now,
		}
	}
	entry.Context = payload
	entry.UpdatedAt = now
	s.insertLedger(entry)
	return nil
}

// ReserveRefund claims the exclusive right to attempt a refund.
func (s *Store) ReserveRefund(_ context.Context, req domain.RefundReservationRequest) (domain.RefundReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[req.TransactionID]
	if !ok {
		return domain.RefundReservation{Outcome: domain.RefundMissing}, nil
	}
	existing, err := s.refundContext(req.TransactionID, req.IdempotencyKey)
	if err != nil {
		return domain.RefundReservation{}, err
	}
	reservation, next := domain.PlanRefundReservation(tx.RefundOnChainID, existing, req)
	if next != nil {
		if err := s.writeRefundContext(req.TransactionID, req.IdempotencyKey, *next); err != nil {
			return domain.RefundReservation{}, err
		}
	}
	return reservation, nil
}

// RecordRefundOutcome closes a refund attempt; the refund id is written only while unset.
func (s *Store) RecordRefundOutcome(_ context.Context, req domain.RefundOutcomeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.refundContext(req.TransactionID, req.IdempotencyKey)
	if err != nil {
		return err
	}
	if err := s.writeRefundContext(req.TransactionID, req.IdempotencyKey, domain.ApplyRefundResult(existing, req.Result)); err != nil {
		return err
	}

	if req.Result.Success && req.Result.TransactionID != "" {
		tx, ok := s.transactions[req.TransactionID]
		if ok && tx.RefundOnChainID == nil {
			id := req.Result.TransactionID
			tx.RefundOnChainID = &id
			tx.UpdatedAt = s.now()
			s.transactions[tx.ID] = tx
		}
	}
	return nil
}

// ListTransitions returns the ledger entries of a transaction in insertion order.
func (s *Store) ListTransitions(_ context.Context, transactionID uuid.UUID) ([]domain.TransitionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []domain.TransitionEntry
	for _, key := range s.ledgerOrder {
		if key.transactionID == transactionID {
			entries = append(entries, s.ledger[key])
		}
	}
	return entries, nil
}

// SaveFlowDefinition upserts a definition.
func (s *Store) SaveFlowDefinition(_ context.Context, def *domain.FlowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	now := s.now()
	if existing, ok := s.definitions[def.ID]; ok {
		def.CreatedAt = existing.CreatedAt
	} else {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	stored := *def
	stored.Steps = domain.CloneStepTemplates(def.Steps)
	s.definitions[def.ID] = stored
	return nil
}

// GetFlowDefinition returns a copy of a definition.
func (s *Store) GetFlowDefinition(_ context.Context, definitionID uuid.UUID) (*domain.FlowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.definitions[definitionID]
	if !ok {
		return nil, store.ErrFlowDefinitionNotFound
	}
	def.Steps = domain.CloneStepTemplates(def.Steps)
	return &def, nil
}

// FindFlowDefinition returns the most recently updated enabled definition for a route.
func (s *Store) FindFlowDefinition(_ context.Context, blockchain, cryptoAsset, targetCurrency string) (*domain.FlowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *domain.FlowDefinition
	for _, def := range s.definitions {
		if !def.Enabled ||
			!strings.EqualFold(def.Blockchain, blockchain) ||
			!strings.EqualFold(def.CryptoAsset, cryptoAsset) ||
			!strings.EqualFold(def.TargetCurrency, targetCurrency) {
			continue
		}
		if found == nil || def.UpdatedAt.After(found.UpdatedAt) {
			candidate := def
			found = &candidate
		}
	}
	if found == nil {
		return nil, store.ErrFlowDefinitionNotFound
	}
	found.Steps = domain.CloneStepTemplates(found.Steps)
	return found, nil
}

// CreateFlowInstance stores an instance and its steps; one instance per transaction.
func (s *Store) CreateFlowInstance(_ context.Context, instance *domain.FlowInstance, steps []domain.FlowStepInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.instances {
		if existing.TransactionID == instance.TransactionID {
			return store.ErrFlowInstanceExists
		}
	}
	instance.UpdatedAt = instance.CreatedAt
	s.instances[instance.ID] = cloneInstance(*instance)
	for _, step := range steps {
		step.UpdatedAt = step.CreatedAt
		s.steps[step.ID] = cloneStep(step)
	}
	return nil
}

// GetFlowInstance returns a copy of an instance.
func (s *Store) GetFlowInstance(_ context.Context, instanceID uuid.UUID) (*domain.FlowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance, ok := s.instances[instanceID]
	if !ok {
		return nil, store.ErrFlowInstanceNotFound
	}
	instance = cloneInstance(instance)
	return &instance, nil
}

// FindFlowInstanceByTransactionID returns the instance owned by a transaction.
func (s *Store) FindFlowInstanceByTransactionID(_ context.Context, transactionID uuid.UUID) (*domain.FlowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, instance := range s.instances {
		if instance.TransactionID == transactionID {
			instance = cloneInstance(instance)
			return &instance, nil
		}
	}
	return nil, store.ErrFlowInstanceNotFound
}

// ListFlowInstances filters, sorts by updated_at descending and pages.
func (s *Store) ListFlowInstances(_ context.Context, filter domain.FlowInstanceFilter) ([]domain.FlowInstance, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []domain.FlowInstance
	for _, instance := range s.instances {
		if filter.Status != nil && instance.Status != *filter.Status {
			continue
		}
		if filter.TransactionID != nil && instance.TransactionID != *filter.TransactionID {
			continue
		}
		if filter.UpdatedBefore != nil && !instance.UpdatedAt.Before(*filter.UpdatedBefore) {
			continue
		}
		matched = append(matched, cloneInstance(instance))
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	total := len(matched)
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	start := min(filter.Offset, total)
	end := min(start+limit, total)
	return matched[start:end], total, nil
}

// ListFlowSteps returns the steps of an instance ordered by step order.
func (s *Store) ListFlowSteps(_ context.Context, instanceID uuid.UUID) ([]domain.FlowStepInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var steps []domain.FlowStepInstance
	for _, step := range s.steps {
		if step.FlowInstanceID == instanceID {
			steps = append(steps, cloneStep(step))
		}
	}
	slices.SortFunc(steps, func(a, b domain.FlowStepInstance) int { return a.StepOrder - b.StepOrder })
	return steps, nil
}

// GetFlowStep returns a copy of a step.
func (s *Store) GetFlowStep(_ context.Context, stepID uuid.UUID) (*domain.FlowStepInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[stepID]
	if !ok {
		return nil, store.ErrFlowStepNotFound
	}
	step = cloneStep(step)
	return &step, nil
}

// ClaimFlowStep moves a step to RUNNING if it is still in status from.
func (s *Store) ClaimFlowStep(_ context.Context, stepID uuid.UUID, from domain.StepStatus, countAttempt bool, now time.Time) (*domain.FlowStepInstance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[stepID]
	if !ok || step.Status != from {
		return nil, false, nil
	}
	step.Status = domain.StepRunning
	if countAttempt {
		step.Attempts++
	}
	started := now
	step.StartedAt = &started
	step.EndedAt = nil
	step.UpdatedAt = now
	s.steps[stepID] = step
	step = cloneStep(step)
	return &step, true, nil
}

// CompleteFlowStep folds a RUNNING step and its instance together.
func (s *Store) CompleteFlowStep(_ context.Context, completion domain.StepCompletion) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[completion.StepID]
	if !ok || step.Status != domain.StepRunning {
		return false, nil
	}
	step.Status = completion.Status
	if completion.Output != nil {
		step.Output = maps.Clone(completion.Output)
	}
	step.Correlation = maps.Clone(completion.Correlation)
	step.Error = completion.Error
	step.EndedAt = completion.EndedAt
	step.UpdatedAt = completion.At
	s.steps[step.ID] = step

	if instance, ok := s.instances[completion.FlowInstanceID]; ok {
		instance.Status = completion.InstanceStatus
		instance.CurrentStepOrder = completion.CurrentStepOrder
		instance.UpdatedAt = completion.At
		s.instances[instance.ID] = instance
	}
	return true, nil
}

// ResetFlowStep returns a step in the expected status to READY.
func (s *Store) ResetFlowStep(_ context.Context, stepID uuid.UUID, expected domain.StepStatus, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[stepID]
	if !ok || step.Status != expected {
		return false, nil
	}
	step.Status = domain.StepReady
	step.Correlation = nil
	step.Error = nil
	step.StartedAt = nil
	step.EndedAt = nil
	step.UpdatedAt = now
	s.steps[stepID] = step

	if instance, ok := s.instances[step.FlowInstanceID]; ok {
		instance.Status = domain.FlowInProgress
		instance.CurrentStepOrder = step.StepOrder
		instance.UpdatedAt = now
		s.instances[instance.ID] = instance
	}
	return true, nil
}

// RecordFlowSignal stores a signal unless its source already sent the idempotency key.
// On a duplicate the stored signal is copied into signal.
func (s *Store) RecordFlowSignal(_ context.Context, signal *domain.FlowSignal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var scopedKey string
	if signal.IdempotencyKey != nil {
		scopedKey = signal.Source + "\x00" + *signal.IdempotencyKey
		if id, seen := s.signalKeys[scopedKey]; seen {
			*signal = cloneSignal(s.signals[id])
			return false, nil
		}
	}
	if signal.ID == uuid.Nil {
		signal.ID = uuid.New()
	}
	if signal.IdempotencyKey != nil {
		s.signalKeys[scopedKey] = signal.ID
	}
	s.signals[signal.ID] = cloneSignal(*signal)
	s.signalOrder = append(s.signalOrder, signal.ID)
	return true, nil
}

// FindWaitingSteps returns WAITING steps whose correlation contains the given keys.
func (s *Store) FindWaitingSteps(_ context.Context, correlation map[string]any, instanceID *uuid.UUID) ([]domain.FlowStepInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var steps []domain.FlowStepInstance
	for _, step := range s.steps {
		if step.Status != domain.StepWaiting {
			continue
		}
		if instanceID != nil && step.FlowInstanceID != *instanceID {
			continue
		}
		if !domain.CorrelationContains(step.Correlation, correlation) {
			continue
		}
		steps = append(steps, cloneStep(step))
	}
	slices.SortFunc(steps, func(a, b domain.FlowStepInstance) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	return steps, nil
}

// FindPendingSignals returns undelivered signals matched by the step correlation.
func (s *Store) FindPendingSignals(_ context.Context, stepCorrelation map[string]any) ([]domain.FlowSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(stepCorrelation) == 0 {
		return nil, nil
	}
	var signals []domain.FlowSignal
	for _, id := range s.signalOrder {
		signal := s.signals[id]
		if signal.StepInstanceID != nil || signal.ConsumedAt != nil || len(signal.Correlation) == 0 {
			continue
		}
		if domain.CorrelationContains(stepCorrelation, signal.Correlation) {
			signals = append(signals, cloneSignal(signal))
		}
	}
	return signals, nil
}

// AttachFlowSignal links a signal to the step it was delivered to.
func (s *Store) AttachFlowSignal(_ context.Context, signalID, instanceID, stepID uuid.UUID, consumedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	signal, ok := s.signals[signalID]
	if !ok || signal.ConsumedAt != nil {
		return nil
	}
	signal.FlowInstanceID = &instanceID
	signal.StepInstanceID = &stepID
	signal.ConsumedAt = consumedAt
	s.signals[signalID] = signal
	return nil
}

// ListFlowSignals returns every signal attached to an instance, oldest first.
func (s *Store) ListFlowSignals(_ context.Context, instanceID uuid.UUID) ([]domain.FlowSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var signals []domain.FlowSignal
	for _, id := range s.signalOrder {
		signal := s.signals[id]
		if signal.FlowInstanceID != nil && *signal.FlowInstanceID == instanceID {
			signals = append(signals, cloneSignal(signal))
		}
	}
	return signals, nil
}
