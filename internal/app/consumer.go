/**
 * @description
 * FlowEventConsumer turns queue deliveries into engine calls: deposits start a flow,
 * advance events resume one, and signal events are handed to waiting steps.
 *
 * @notes
 * - Handlers return true (ack) for malformed or permanently rejected payloads and false
 *   (nack + requeue) for errors that may clear on redelivery.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/flow"
	"github.com/transfa/settlement-service/internal/store"
	"github.com/transfa/settlement-service/pkg/rabbitmq"
)

// Routing keys consumed from the events exchange.
const (
	RoutingKeyDepositReceived = "transaction.deposit_received"
	RoutingKeyFlowAdvance     = "flow.advance"
	RoutingKeyFlowSignal      = "flow.signal"
)

const handlerTimeout = 2 * time.Minute

// FlowEngine is the orchestrator surface driven by triggers.
type FlowEngine interface {
	StartFlow(ctx context.Context, req flow.StartFlowRequest) (*domain.FlowInstance, error)
	Advance(ctx context.Context, instanceID uuid.UUID) error
	DeliverSignal(ctx context.Context, in flow.Signal) (flow.SignalDelivery, error)
}

// Transitioner applies ledger transitions.
type Transitioner interface {
	ApplyTransition(ctx context.Context, req domain.TransitionRequest) (*domain.Transaction, error)
	FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
}

// OperatorNotifier receives messages that need a human.
type OperatorNotifier interface {
	OperatorMessage(ctx context.Context, message string)
}

// DepositEvent is published when the crypto deposit of a transaction is confirmed.
type DepositEvent struct {
	TransactionID  uuid.UUID  `json:"transactionId"`
	OnChainID      string     `json:"onChainId"`
	DefinitionID   *uuid.UUID `json:"definitionId,omitempty"`
	IdempotencyKey string     `json:"idempotencyKey,omitempty"`
}

// AdvanceEvent asks the engine to resume one flow instance.
type AdvanceEvent struct {
	FlowInstanceID uuid.UUID `json:"flowInstanceId"`
}

// SignalEvent is an external signal relayed through the queue.
type SignalEvent struct {
	Source         string         `json:"source"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	FlowInstanceID *uuid.UUID     `json:"flowInstanceId,omitempty"`
	Correlation    map[string]any `json:"correlation"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// FlowEventConsumer handles flow trigger deliveries.
type FlowEventConsumer struct {
	engine   FlowEngine
	txs      Transitioner
	notifier OperatorNotifier
	logger   *slog.Logger
}

// NewFlowEventConsumer creates the consumer. notifier may be nil.
func NewFlowEventConsumer(engine FlowEngine, txs Transitioner, notifier OperatorNotifier, logger *slog.Logger) *FlowEventConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &FlowEventConsumer{
		engine:   engine,
		txs:      txs,
		notifier: notifier,
		logger:   logger.With("component", "flow_event_consumer"),
	}
}

// Bindings maps each routing key to its handler.
func (c *FlowEventConsumer) Bindings() map[string]rabbitmq.Handler {
	return map[string]rabbitmq.Handler{
		RoutingKeyDepositReceived: c.HandleDeposit,
		RoutingKeyFlowAdvance:     c.HandleAdvance,
		RoutingKeyFlowSignal:      c.HandleSignal,
	}
}

// HandleDeposit moves the transaction to PROCESSING_PAYMENT and starts its flow.
func (c *FlowEventConsumer) HandleDeposit(ctx context.Context, body []byte) bool {
	var event DepositEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal deposit event", "error", err)
		return true
	}
	if event.TransactionID == uuid.Nil {
		c.logger.Warn("deposit event without transaction id")
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	key := strings.TrimSpace(event.IdempotencyKey)
	if key == "" {
		key = "deposit:" + event.TransactionID.String()
	}
	req := domain.TransitionRequest{
		TransactionID:  event.TransactionID,
		Name:           domain.TransitionDepositReceived,
		IdempotencyKey: key,
		Context:        map[string]any{"onChainId": event.OnChainID},
	}
	if event.OnChainID != "" {
		onChainID := event.OnChainID
		req.Data.OnChainID = &onChainID
	}

	tx, err := c.txs.ApplyTransition(ctx, req)
	if err != nil {
		c.logger.Error("deposit transition failed", "transaction_id", event.TransactionID, "error", err)
		return false
	}
	if tx == nil {
		// Not applied: either unknown or already past AWAITING_PAYMENT.
		current, err := c.txs.FindTransactionByID(ctx, event.TransactionID)
		if err != nil {
			if errors.Is(err, store.ErrTransactionNotFound) {
				c.logger.Warn("deposit for unknown transaction; acknowledging", "transaction_id", event.TransactionID)
				return true
			}
			return false
		}
		if current.Status != domain.StatusProcessingPayment {
			c.logger.Info("deposit ignored for transaction status",
				"transaction_id", event.TransactionID,
				"status", current.Status,
			)
			return true
		}
	}

	instance, err := c.engine.StartFlow(ctx, flow.StartFlowRequest{
		TransactionID: event.TransactionID,
		DefinitionID:  event.DefinitionID,
	})
	if err != nil {
		if isPermanentStartError(err) {
			c.logger.Error("flow not started", "transaction_id", event.TransactionID, "error", err)
			c.notifyOperator(ctx, fmt.Sprintf("Settlement flow for transaction %s could not start: %v", event.TransactionID, err))
			return true
		}
		c.logger.Error("start flow failed", "transaction_id", event.TransactionID, "error", err)
		return false
	}

	c.logger.Info("flow started",
		"transaction_id", event.TransactionID,
		"flow_instance_id", instance.ID,
		"status", instance.Status,
	)
	return true
}

// HandleAdvance resumes one flow instance.
func (c *FlowEventConsumer) HandleAdvance(ctx context.Context, body []byte) bool {
	var event AdvanceEvent
	if err := json.Unmarshal(body, &event); err != nil || event.FlowInstanceID == uuid.Nil {
		c.logger.Warn("invalid advance event", "error", err)
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	if err := c.engine.Advance(ctx, event.FlowInstanceID); err != nil {
		if errors.Is(err, store.ErrFlowInstanceNotFound) {
			c.logger.Warn("advance for unknown flow instance; acknowledging", "flow_instance_id", event.FlowInstanceID)
			return true
		}
		c.logger.Error("advance failed", "flow_instance_id", event.FlowInstanceID, "error", err)
		return false
	}
	return true
}

// HandleSignal delivers a queued signal.
func (c *FlowEventConsumer) HandleSignal(ctx context.Context, body []byte) bool {
	var event SignalEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal signal event", "error", err)
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	delivery, err := c.engine.DeliverSignal(ctx, flow.Signal{
		Source:         event.Source,
		IdempotencyKey: event.IdempotencyKey,
		FlowInstanceID: event.FlowInstanceID,
		Correlation:    event.Correlation,
		Payload:        event.Payload,
	})
	if err != nil {
		if errors.Is(err, flow.ErrSignalUnroutable) {
			c.logger.Warn("unroutable signal dropped", "source", event.Source)
			return true
		}
		c.logger.Error("signal delivery failed", "source", event.Source, "error", err)
		return false
	}

	c.logger.Info("signal handled",
		"source", event.Source,
		"signal_id", delivery.SignalID,
		"duplicate", delivery.Duplicate,
		"delivered", delivery.Delivered,
	)
	return true
}

func (c *FlowEventConsumer) notifyOperator(ctx context.Context, message string) {
	if c.notifier != nil {
		c.notifier.OperatorMessage(ctx, message)
	}
}

func isPermanentStartError(err error) bool {
	var rangeErr *flow.AmountOutOfRangeError
	return errors.As(err, &rangeErr) ||
		errors.Is(err, flow.ErrEmptyFlow) ||
		errors.Is(err, flow.ErrFlowDefinitionDisabled) ||
		errors.Is(err, flow.ErrExecutorNotRegistered) ||
		errors.Is(err, store.ErrFlowDefinitionNotFound) ||
		errors.Is(err, store.ErrTransactionNotFound)
}
