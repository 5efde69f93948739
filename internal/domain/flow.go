/**
 * @description
 * Flow domain models. A FlowDefinition is operator-editable configuration; a FlowSnapshot
 * is the frozen copy embedded in each FlowInstance so running flows never see later edits.
 */

package domain

import (
	"bytes"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StepType selects the executor of a step.
type StepType string

const (
	StepAwaitExchangeBalance StepType = "AWAIT_EXCHANGE_BALANCE"
	StepExchangeConvert      StepType = "EXCHANGE_CONVERT"
	StepExchangeSend         StepType = "EXCHANGE_SEND"
	StepPayoutSend           StepType = "PAYOUT_SEND"
	StepTreasuryTransfer     StepType = "TREASURY_TRANSFER"
)

// CompletionPolicy controls how a step's executor result is folded.
type CompletionPolicy string

const (
	// CompletionImmediate folds the executor outcome as reported.
	CompletionImmediate CompletionPolicy = "IMMEDIATE"
	// CompletionAwaitSignal keeps a succeeded step that carries correlation in WAITING
	// until a matching signal arrives.
	CompletionAwaitSignal CompletionPolicy = "AWAIT_SIGNAL"
	// CompletionSkip marks the step SKIPPED without invoking the executor.
	CompletionSkip CompletionPolicy = "SKIP"
)

// FlowStatus is the status of a flow instance.
type FlowStatus string

const (
	FlowInProgress FlowStatus = "IN_PROGRESS"
	FlowWaiting    FlowStatus = "WAITING"
	FlowCompleted  FlowStatus = "COMPLETED"
	FlowFailed     FlowStatus = "FAILED"
)

// IsTerminal reports whether no further automatic progress is possible.
func (s FlowStatus) IsTerminal() bool {
	return s == FlowCompleted || s == FlowFailed
}

// StepStatus is the status of a flow step instance.
type StepStatus string

const (
	StepReady     StepStatus = "READY"
	StepRunning   StepStatus = "RUNNING"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
	StepWaiting   StepStatus = "WAITING"
	StepSkipped   StepStatus = "SKIPPED"
)

// SignalMatch is one condition a signal payload must satisfy; Path is a gjson path.
type SignalMatch struct {
	Path   string `json:"path"`
	Equals string `json:"equals"`
}

// StepTemplate is one step of a flow definition.
type StepTemplate struct {
	StepOrder        int              `json:"step_order"`
	StepType         StepType         `json:"step_type"`
	CompletionPolicy CompletionPolicy `json:"completion_policy"`
	Config           json.RawMessage  `json:"config,omitempty"`
	SignalMatch      []SignalMatch    `json:"signal_match,omitempty"`
	MaxAttempts      int              `json:"max_attempts,omitempty"`
}

// FeeSchedule groups the fee parameters of a definition.
type FeeSchedule struct {
	ExchangeFeePercent decimal.Decimal `json:"exchange_fee_percent"`
	FixedFee           decimal.Decimal `json:"fixed_fee"`
	NetworkFee         decimal.Decimal `json:"network_fee"`
}

// FlowDefinition maps to `flow_definitions` plus its `flow_definition_steps`.
type FlowDefinition struct {
	ID              uuid.UUID       `json:"id"`
	Name            string          `json:"name"`
	Enabled         bool            `json:"enabled"`
	Blockchain      string          `json:"blockchain"`
	CryptoAsset     string          `json:"crypto_asset"`
	TargetCurrency  string          `json:"target_currency"`
	Fees            FeeSchedule     `json:"fees"`
	MinAmount       decimal.Decimal `json:"min_amount"`
	MaxAmount       decimal.Decimal `json:"max_amount"`
	PricingProvider string          `json:"pricing_provider"`
	PayoutProvider  string          `json:"payout_provider"`
	Steps           []StepTemplate  `json:"steps"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// FlowSnapshot is the frozen copy of a definition embedded in an instance.
type FlowSnapshot struct {
	DefinitionID    uuid.UUID       `json:"definition_id"`
	Name            string          `json:"name"`
	Blockchain      string          `json:"blockchain"`
	CryptoAsset     string          `json:"crypto_asset"`
	TargetCurrency  string          `json:"target_currency"`
	Fees            FeeSchedule     `json:"fees"`
	MinAmount       decimal.Decimal `json:"min_amount"`
	MaxAmount       decimal.Decimal `json:"max_amount"`
	PricingProvider string          `json:"pricing_provider"`
	PayoutProvider  string          `json:"payout_provider"`
	Steps           []StepTemplate  `json:"steps"`
	TakenAt         time.Time       `json:"taken_at"`
}

// Step returns the template with the given order.
func (s FlowSnapshot) Step(order int) (StepTemplate, bool) {
	for _, step := range s.Steps {
		if step.StepOrder == order {
			return step, true
		}
	}
	return StepTemplate{}, false
}

// NextStep returns the template following order, by ascending step order.
func (s FlowSnapshot) NextStep(order int) (StepTemplate, bool) {
	var (
		next  StepTemplate
		found bool
	)
	for _, step := range s.Steps {
		if step.StepOrder <= order {
			continue
		}
		if !found || step.StepOrder < next.StepOrder {
			next = step
			found = true
		}
	}
	return next, found
}

// FirstStep returns the template with the lowest step order.
func (s FlowSnapshot) FirstStep() (StepTemplate, bool) {
	return s.NextStep(math.MinInt)
}

// CloneStepTemplates deep copies templates so that no byte slice or match list is shared.
func CloneStepTemplates(steps []StepTemplate) []StepTemplate {
	out := make([]StepTemplate, len(steps))
	for i, step := range steps {
		out[i] = step
		if step.Config != nil {
			out[i].Config = json.RawMessage(bytes.Clone(step.Config))
		}
		if step.SignalMatch != nil {
			out[i].SignalMatch = append([]SignalMatch(nil), step.SignalMatch...)
		}
	}
	return out
}

// FlowInstance maps to `flow_instances`; one per transaction.
type FlowInstance struct {
	ID               uuid.UUID    `json:"id"`
	TransactionID    uuid.UUID    `json:"transaction_id"`
	Status           FlowStatus   `json:"status"`
	CurrentStepOrder int          `json:"current_step_order"`
	Snapshot         FlowSnapshot `json:"snapshot"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// FlowStepInstance maps to `flow_step_instances`.
type FlowStepInstance struct {
	ID             uuid.UUID      `json:"id"`
	FlowInstanceID uuid.UUID      `json:"flow_instance_id"`
	StepOrder      int            `json:"step_order"`
	StepType       StepType       `json:"step_type"`
	Status         StepStatus     `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	Input          map[string]any `json:"input,omitempty"`
	Output         map[string]any `json:"output,omitempty"`
	Correlation    map[string]any `json:"correlation,omitempty"`
	Error          *string        `json:"error,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// FlowSignal maps to `flow_signals`.
type FlowSignal struct {
	ID             uuid.UUID      `json:"id"`
	Source         string         `json:"source"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	FlowInstanceID *uuid.UUID     `json:"flow_instance_id,omitempty"`
	StepInstanceID *uuid.UUID     `json:"step_instance_id,omitempty"`
	Correlation    map[string]any `json:"correlation"`
	Payload        map[string]any `json:"payload,omitempty"`
	ConsumedAt     *time.Time     `json:"consumed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// StepCompletion is the atomic fold of one executor result: the step leaves RUNNING and
// the owning instance moves to its next status/step order in the same write.
type StepCompletion struct {
	StepID           uuid.UUID
	FlowInstanceID   uuid.UUID
	Status           StepStatus
	Output           map[string]any
	Correlation      map[string]any
	Error            *string
	EndedAt          *time.Time
	InstanceStatus   FlowStatus
	CurrentStepOrder int
	At               time.Time
}

// FlowInstanceFilter drives the audit listing.
type FlowInstanceFilter struct {
	Status        *FlowStatus
	TransactionID *uuid.UUID
	UpdatedBefore *time.Time
	Limit         int
	Offset        int
}
