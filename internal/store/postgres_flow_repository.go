package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/settlement-service/internal/domain"
)

func encodeJSON(value any) (*string, error) {
	if value == nil {
		return nil, nil
	}
	if m, ok := value.(map[string]any); ok && m == nil {
		return nil, nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	s := string(payload)
	return &s, nil
}

func decodeMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveFlowDefinition upserts a definition and replaces its step templates.
func (r *PostgresRepository) SaveFlowDefinition(ctx context.Context, def *domain.FlowDefinition) error {
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin flow definition tx: %w", err)
	}
	defer tx.Rollback(ctx)

	upsert := `
		INSERT INTO flow_definitions (
			id, name, enabled, blockchain, crypto_asset, target_currency,
			exchange_fee_percent, fixed_fee, network_fee, min_amount, max_amount,
			pricing_provider, payout_provider
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			enabled = EXCLUDED.enabled,
			blockchain = EXCLUDED.blockchain,
			crypto_asset = EXCLUDED.crypto_asset,
			target_currency = EXCLUDED.target_currency,
			exchange_fee_percent = EXCLUDED.exchange_fee_percent,
			fixed_fee = EXCLUDED.fixed_fee,
			network_fee = EXCLUDED.network_fee,
			min_amount = EXCLUDED.min_amount,
			max_amount = EXCLUDED.max_amount,
			pricing_provider = EXCLUDED.pricing_provider,
			payout_provider = EXCLUDED.payout_provider,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`
	if err := tx.QueryRow(ctx, upsert,
		def.ID,
		def.Name,
		def.Enabled,
		def.Blockchain,
		def.CryptoAsset,
		def.TargetCurrency,
		def.Fees.ExchangeFeePercent,
		def.Fees.FixedFee,
		def.Fees.NetworkFee,
		def.MinAmount,
		def.MaxAmount,
		def.PricingProvider,
		def.PayoutProvider,
	).Scan(&def.CreatedAt, &def.UpdatedAt); err != nil {
		return fmt.Errorf("upsert flow definition: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM flow_definition_steps WHERE definition_id = $1`, def.ID); err != nil {
		return fmt.Errorf("clear flow definition steps: %w", err)
	}

	batch := &pgx.Batch{}
	for _, step := range def.Steps {
		config := "{}"
		if len(step.Config) > 0 {
			config = string(step.Config)
		}
		signalMatch, err := encodeJSON(step.SignalMatch)
		if err != nil {
			return fmt.Errorf("encode signal match: %w", err)
		}
		if step.SignalMatch == nil {
			signalMatch = nil
		}
		policy := step.CompletionPolicy
		if policy == "" {
			policy = domain.CompletionImmediate
		}
		batch.Queue(`
			INSERT INTO flow_definition_steps (
				definition_id, step_order, step_type, completion_policy, config, signal_match, max_attempts
			)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7)
		`, def.ID, step.StepOrder, string(step.StepType), string(policy), config, signalMatch, step.MaxAttempts)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert flow definition steps: %w", err)
		}
	}

	return tx.Commit(ctx)
}

const flowDefinitionColumns = `
	id, name, enabled, blockchain, crypto_asset, target_currency, exchange_fee_percent,
	fixed_fee, network_fee, min_amount, max_amount, pricing_provider, payout_provider,
	created_at, updated_at`

func (r *PostgresRepository) loadFlowDefinition(ctx context.Context, query string, args ...any) (*domain.FlowDefinition, error) {
	var def domain.FlowDefinition
	err := r.db.QueryRow(ctx, query, args...).Scan(
		&def.ID,
		&def.Name,
		&def.Enabled,
		&def.Blockchain,
		&def.CryptoAsset,
		&def.TargetCurrency,
		&def.Fees.ExchangeFeePercent,
		&def.Fees.FixedFee,
		&def.Fees.NetworkFee,
		&def.MinAmount,
		&def.MaxAmount,
		&def.PricingProvider,
		&def.PayoutProvider,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFlowDefinitionNotFound
		}
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT step_order, step_type, completion_policy, config, signal_match, max_attempts
		FROM flow_definition_steps
		WHERE definition_id = $1
		ORDER BY step_order ASC
	`, def.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			step        domain.StepTemplate
			stepType    string
			policy      string
			config      []byte
			signalMatch []byte
		)
		if err := rows.Scan(&step.StepOrder, &stepType, &policy, &config, &signalMatch, &step.MaxAttempts); err != nil {
			return nil, err
		}
		step.StepType = domain.StepType(stepType)
		step.CompletionPolicy = domain.CompletionPolicy(policy)
		if len(config) > 0 {
			step.Config = json.RawMessage(config)
		}
		if len(signalMatch) > 0 && string(signalMatch) != "null" {
			if err := json.Unmarshal(signalMatch, &step.SignalMatch); err != nil {
				return nil, fmt.Errorf("decode signal match: %w", err)
			}
		}
		def.Steps = append(def.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &def, nil
}

// GetFlowDefinition loads a definition and its steps by id.
func (r *PostgresRepository) GetFlowDefinition(ctx context.Context, definitionID uuid.UUID) (*domain.FlowDefinition, error) {
	return r.loadFlowDefinition(ctx, `SELECT `+flowDefinitionColumns+` FROM flow_definitions WHERE id = $1`, definitionID)
}

// FindFlowDefinition returns the most recently updated enabled definition for a route.
func (r *PostgresRepository) FindFlowDefinition(ctx context.Context, blockchain, cryptoAsset, targetCurrency string) (*domain.FlowDefinition, error) {
	query := `SELECT ` + flowDefinitionColumns + `
		FROM flow_definitions
		WHERE enabled
		  AND upper(blockchain) = upper($1)
		  AND upper(crypto_asset) = upper($2)
		  AND upper(target_currency) = upper($3)
		ORDER BY updated_at DESC
		LIMIT 1`
	return r.loadFlowDefinition(ctx, query, blockchain, cryptoAsset, targetCurrency)
}

// CreateFlowInstance inserts an instance and its step rows in one transaction.
func (r *PostgresRepository) CreateFlowInstance(ctx context.Context, instance *domain.FlowInstance, steps []domain.FlowStepInstance) error {
	snapshot, err := json.Marshal(instance.Snapshot)
	if err != nil {
		return fmt.Errorf("encode flow snapshot: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin flow instance tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insertInstance := `
		INSERT INTO flow_instances (id, transaction_id, status, current_step_order, snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $6)
	`
	if _, err := tx.Exec(ctx, insertInstance,
		instance.ID,
		instance.TransactionID,
		string(instance.Status),
		instance.CurrentStepOrder,
		string(snapshot),
		instance.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return ErrFlowInstanceExists
		}
		return fmt.Errorf("insert flow instance: %w", err)
	}

	insertStep := `
		INSERT INTO flow_step_instances (
			id, flow_instance_id, step_order, step_type, status, attempts, max_attempts, input, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $9)
	`
	for _, step := range steps {
		input, err := encodeJSON(step.Input)
		if err != nil {
			return fmt.Errorf("encode step input: %w", err)
		}
		if _, err := tx.Exec(ctx, insertStep,
			step.ID,
			step.FlowInstanceID,
			step.StepOrder,
			string(step.StepType),
			string(step.Status),
			step.Attempts,
			step.MaxAttempts,
			input,
			step.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert flow step instance: %w", err)
		}
	}

	return tx.Commit(ctx)
}

const flowInstanceColumns = `id, transaction_id, status, current_step_order, snapshot, created_at, updated_at`

func scanFlowInstance(row pgx.Row) (*domain.FlowInstance, error) {
	var (
		instance domain.FlowInstance
		status   string
		snapshot []byte
	)
	if err := row.Scan(
		&instance.ID,
		&instance.TransactionID,
		&status,
		&instance.CurrentStepOrder,
		&snapshot,
		&instance.CreatedAt,
		&instance.UpdatedAt,
	); err != nil {
		return nil, err
	}
	instance.Status = domain.FlowStatus(status)
	if err := json.Unmarshal(snapshot, &instance.Snapshot); err != nil {
		return nil, fmt.Errorf("decode flow snapshot: %w", err)
	}
	return &instance, nil
}

// GetFlowInstance retrieves a flow instance by id.
func (r *PostgresRepository) GetFlowInstance(ctx context.Context, instanceID uuid.UUID) (*domain.FlowInstance, error) {
	instance, err := scanFlowInstance(r.db.QueryRow(ctx, `SELECT `+flowInstanceColumns+` FROM flow_instances WHERE id = $1`, instanceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFlowInstanceNotFound
		}
		return nil, err
	}
	return instance, nil
}

// FindFlowInstanceByTransactionID retrieves the flow instance owned by a transaction.
func (r *PostgresRepository) FindFlowInstanceByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.FlowInstance, error) {
	instance, err := scanFlowInstance(r.db.QueryRow(ctx, `SELECT `+flowInstanceColumns+` FROM flow_instances WHERE transaction_id = $1`, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFlowInstanceNotFound
		}
		return nil, err
	}
	return instance, nil
}

// ListFlowInstances returns one page of instances matching the filter plus the total count.
func (r *PostgresRepository) ListFlowInstances(ctx context.Context, filter domain.FlowInstanceFilter) ([]domain.FlowInstance, int, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.TransactionID != nil {
		args = append(args, *filter.TransactionID)
		conditions = append(conditions, fmt.Sprintf("transaction_id = $%d", len(args)))
	}
	if filter.UpdatedBefore != nil {
		args = append(args, *filter.UpdatedBefore)
		conditions = append(conditions, fmt.Sprintf("updated_at < $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM flow_instances`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count flow instances: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM flow_instances%s ORDER BY updated_at DESC LIMIT $%d OFFSET $%d`,
		flowInstanceColumns, where, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var instances []domain.FlowInstance
	for rows.Next() {
		instance, err := scanFlowInstance(rows)
		if err != nil {
			return nil, 0, err
		}
		instances = append(instances, *instance)
	}
	return instances, total, rows.Err()
}

const flowStepColumns = `
	id, flow_instance_id, step_order, step_type, status, attempts, max_attempts, input,
	output, correlation, error, started_at, ended_at, created_at, updated_at`

func scanFlowStep(row pgx.Row) (*domain.FlowStepInstance, error) {
	var (
		step                       domain.FlowStepInstance
		stepType, status           string
		input, output, correlation []byte
	)
	if err := row.Scan(
		&step.ID,
		&step.FlowInstanceID,
		&step.StepOrder,
		&stepType,
		&status,
		&step.Attempts,
		&step.MaxAttempts,
		&input,
		&output,
		&correlation,
		&step.Error,
		&step.StartedAt,
		&step.EndedAt,
		&step.CreatedAt,
		&step.UpdatedAt,
	); err != nil {
		return nil, err
	}
	step.StepType = domain.StepType(stepType)
	step.Status = domain.StepStatus(status)

	var err error
	if step.Input, err = decodeMap(input); err != nil {
		return nil, fmt.Errorf("decode step input: %w", err)
	}
	if step.Output, err = decodeMap(output); err != nil {
		return nil, fmt.Errorf("decode step output: %w", err)
	}
	if step.Correlation, err = decodeMap(correlation); err != nil {
		return nil, fmt.Errorf("decode step correlation: %w", err)
	}
	return &step, nil
}

func collectFlowSteps(rows pgx.Rows) ([]domain.FlowStepInstance, error) {
	defer rows.Close()
	var steps []domain.FlowStepInstance
	for rows.Next() {
		step, err := scanFlowStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

// ListFlowSteps returns the steps of an instance by ascending order.
func (r *PostgresRepository) ListFlowSteps(ctx context.Context, instanceID uuid.UUID) ([]domain.FlowStepInstance, error) {
	rows, err := r.db.Query(ctx, `SELECT `+flowStepColumns+` FROM flow_step_instances WHERE flow_instance_id = $1 ORDER BY step_order ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	return collectFlowSteps(rows)
}

// GetFlowStep retrieves one step instance by id.
func (r *PostgresRepository) GetFlowStep(ctx context.Context, stepID uuid.UUID) (*domain.FlowStepInstance, error) {
	step, err := scanFlowStep(r.db.QueryRow(ctx, `SELECT `+flowStepColumns+` FROM flow_step_instances WHERE id = $1`, stepID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFlowStepNotFound
		}
		return nil, err
	}
	return step, nil
}

// ClaimFlowStep is a compare-and-set on the step status. Exactly one concurrent caller wins.
func (r *PostgresRepository) ClaimFlowStep(ctx context.Context, stepID uuid.UUID, from domain.StepStatus, countAttempt bool, now time.Time) (*domain.FlowStepInstance, bool, error) {
	query := `
		UPDATE flow_step_instances
		SET status = $3,
		    attempts = CASE WHEN $4 THEN attempts + 1 ELSE attempts END,
		    started_at = $5,
		    ended_at = NULL,
		    updated_at = $5
		WHERE id = $1 AND status = $2
		RETURNING ` + flowStepColumns
	step, err := scanFlowStep(r.db.QueryRow(ctx, query, stepID, string(from), string(domain.StepRunning), countAttempt, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("claim flow step: %w", err)
	}
	return step, true, nil
}

// CompleteFlowStep writes the step outcome and the instance pointer together.
func (r *PostgresRepository) CompleteFlowStep(ctx context.Context, completion domain.StepCompletion) (bool, error) {
	output, err := encodeJSON(completion.Output)
	if err != nil {
		return false, fmt.Errorf("encode step output: %w", err)
	}
	correlation, err := encodeJSON(completion.Correlation)
	if err != nil {
		return false, fmt.Errorf("encode step correlation: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin step completion tx: %w", err)
	}
	defer tx.Rollback(ctx)

	stepUpdate := `
		UPDATE flow_step_instances
		SET status = $3,
		    output = COALESCE($4::jsonb, output),
		    correlation = $5::jsonb,
		    error = $6,
		    ended_at = $7,
		    updated_at = $8
		WHERE id = $1 AND status = $2
	`
	result, err := tx.Exec(ctx, stepUpdate,
		completion.StepID,
		string(domain.StepRunning),
		string(completion.Status),
		output,
		correlation,
		completion.Error,
		completion.EndedAt,
		completion.At,
	)
	if err != nil {
		return false, fmt.Errorf("update flow step: %w", err)
	}
	if result.RowsAffected() == 0 {
		return false, nil
	}

	instanceUpdate := `
		UPDATE flow_instances
		SET status = $2, current_step_order = $3, updated_at = $4
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, instanceUpdate,
		completion.FlowInstanceID,
		string(completion.InstanceStatus),
		completion.CurrentStepOrder,
		completion.At,
	); err != nil {
		return false, fmt.Errorf("update flow instance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ResetFlowStep returns a step to READY for an operator retry or requeue.
func (r *PostgresRepository) ResetFlowStep(ctx context.Context, stepID uuid.UUID, expected domain.StepStatus, now time.Time) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin step reset tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		instanceID uuid.UUID
		stepOrder  int
	)
	query := `
		UPDATE flow_step_instances
		SET status = $3,
		    correlation = NULL,
		    error = NULL,
		    started_at = NULL,
		    ended_at = NULL,
		    updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING flow_instance_id, step_order
	`
	if err := tx.QueryRow(ctx, query, stepID, string(expected), string(domain.StepReady), now).Scan(&instanceID, &stepOrder); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("reset flow step: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE flow_instances
		SET status = $2, current_step_order = $3, updated_at = $4
		WHERE id = $1
	`, instanceID, string(domain.FlowInProgress), stepOrder, now); err != nil {
		return false, fmt.Errorf("reset flow instance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

const flowSignalColumns = `
	id, source, idempotency_key, flow_instance_id, step_instance_id, correlation, payload,
	consumed_at, created_at`

func scanFlowSignal(row pgx.Row) (*domain.FlowSignal, error) {
	var (
		signal               domain.FlowSignal
		correlation, payload []byte
	)
	if err := row.Scan(
		&signal.ID,
		&signal.Source,
		&signal.IdempotencyKey,
		&signal.FlowInstanceID,
		&signal.StepInstanceID,
		&correlation,
		&payload,
		&signal.ConsumedAt,
		&signal.CreatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if signal.Correlation, err = decodeMap(correlation); err != nil {
		return nil, fmt.Errorf("decode signal correlation: %w", err)
	}
	if signal.Payload, err = decodeMap(payload); err != nil {
		return nil, fmt.Errorf("decode signal payload: %w", err)
	}
	return &signal, nil
}

func collectFlowSignals(rows pgx.Rows) ([]domain.FlowSignal, error) {
	defer rows.Close()
	var signals []domain.FlowSignal
	for rows.Next() {
		signal, err := scanFlowSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, *signal)
	}
	return signals, rows.Err()
}

// RecordFlowSignal inserts a signal; a repeated (source, idempotency key) is reported, not
// an error, and the stored row is loaded into signal.
func (r *PostgresRepository) RecordFlowSignal(ctx context.Context, signal *domain.FlowSignal) (bool, error) {
	if signal.ID == uuid.Nil {
		signal.ID = uuid.New()
	}
	correlation := "{}"
	if len(signal.Correlation) > 0 {
		encoded, err := json.Marshal(signal.Correlation)
		if err != nil {
			return false, fmt.Errorf("encode signal correlation: %w", err)
		}
		correlation = string(encoded)
	}
	payload, err := encodeJSON(signal.Payload)
	if err != nil {
		return false, fmt.Errorf("encode signal payload: %w", err)
	}

	query := `
		INSERT INTO flow_signals (id, source, idempotency_key, flow_instance_id, correlation, payload, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7)
		ON CONFLICT (source, idempotency_key) DO NOTHING
	`
	result, err := r.db.Exec(ctx, query,
		signal.ID,
		signal.Source,
		signal.IdempotencyKey,
		signal.FlowInstanceID,
		correlation,
		payload,
		signal.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert flow signal: %w", err)
	}
	if result.RowsAffected() == 1 {
		return true, nil
	}

	row := r.db.QueryRow(ctx, `SELECT `+flowSignalColumns+` FROM flow_signals WHERE source = $1 AND idempotency_key = $2`,
		signal.Source, signal.IdempotencyKey)
	existing, err := scanFlowSignal(row)
	if err != nil {
		return false, fmt.Errorf("load duplicate flow signal: %w", err)
	}
	*signal = *existing
	return false, nil
}

// FindWaitingSteps uses jsonb containment so extra keys on the step do not prevent a match.
func (r *PostgresRepository) FindWaitingSteps(ctx context.Context, correlation map[string]any, instanceID *uuid.UUID) ([]domain.FlowStepInstance, error) {
	encoded := "{}"
	if len(correlation) > 0 {
		payload, err := json.Marshal(correlation)
		if err != nil {
			return nil, fmt.Errorf("encode correlation: %w", err)
		}
		encoded = string(payload)
	}
	query := `SELECT ` + flowStepColumns + `
		FROM flow_step_instances
		WHERE status = $1
		  AND COALESCE(correlation, '{}'::jsonb) @> $2::jsonb
		  AND ($3::uuid IS NULL OR flow_instance_id = $3)
		ORDER BY updated_at ASC`
	rows, err := r.db.Query(ctx, query, string(domain.StepWaiting), encoded, instanceID)
	if err != nil {
		return nil, err
	}
	return collectFlowSteps(rows)
}

// FindPendingSignals returns undelivered signals that a newly waiting step would match.
func (r *PostgresRepository) FindPendingSignals(ctx context.Context, stepCorrelation map[string]any) ([]domain.FlowSignal, error) {
	if len(stepCorrelation) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(stepCorrelation)
	if err != nil {
		return nil, fmt.Errorf("encode correlation: %w", err)
	}
	query := `SELECT ` + flowSignalColumns + `
		FROM flow_signals
		WHERE step_instance_id IS NULL
		  AND consumed_at IS NULL
		  AND correlation <> '{}'::jsonb
		  AND $1::jsonb @> correlation
		ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, query, string(encoded))
	if err != nil {
		return nil, err
	}
	return collectFlowSignals(rows)
}

// AttachFlowSignal links a signal to the instance and step it was delivered to.
func (r *PostgresRepository) AttachFlowSignal(ctx context.Context, signalID, instanceID, stepID uuid.UUID, consumedAt *time.Time) error {
	query := `
		UPDATE flow_signals
		SET flow_instance_id = $2, step_instance_id = $3, consumed_at = $4
		WHERE id = $1 AND consumed_at IS NULL
	`
	_, err := r.db.Exec(ctx, query, signalID, instanceID, stepID, consumedAt)
	return err
}

// ListFlowSignals returns every signal attached to an instance, oldest first.
func (r *PostgresRepository) ListFlowSignals(ctx context.Context, instanceID uuid.UUID) ([]domain.FlowSignal, error) {
	rows, err := r.db.Query(ctx, `SELECT `+flowSignalColumns+` FROM flow_signals WHERE flow_instance_id = $1 ORDER BY created_at ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	return collectFlowSignals(rows)
}
