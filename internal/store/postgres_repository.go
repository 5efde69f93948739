/**
 * @description
 * This file provides the PostgreSQL implementation of the transaction side of the
 * `Repository` interface: transactions, the transition ledger and the two-phase refund
 * reservation protocol.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/statemachine: Validates every status change before it is written.
 */

package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/statemachine"
)

// Schema is the idempotent DDL of the service.
//
//go:embed schema.sql
var Schema string

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate applies the embedded schema.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const transactionColumns = `
	id, partner_user_id, quote_id, status, blockchain, crypto_asset, target_currency,
	payment_method, source_amount, target_amount, payout_account, sender_address,
	on_chain_id, refund_on_chain_id, external_id, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		tx            domain.Transaction
		status        string
		payoutAccount []byte
	)
	err := row.Scan(
		&tx.ID,
		&tx.PartnerUserID,
		&tx.QuoteID,
		&status,
		&tx.Blockchain,
		&tx.CryptoAsset,
		&tx.TargetCurrency,
		&tx.PaymentMethod,
		&tx.SourceAmount,
		&tx.TargetAmount,
		&payoutAccount,
		&tx.SenderAddress,
		&tx.OnChainID,
		&tx.RefundOnChainID,
		&tx.ExternalID,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Status = domain.TransactionStatus(status)
	if len(payoutAccount) > 0 {
		if err := json.Unmarshal(payoutAccount, &tx.PayoutAccount); err != nil {
			return nil, fmt.Errorf("decode payout account: %w", err)
		}
	}
	return &tx, nil
}

// CreateTransaction inserts a new transaction record.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	payoutAccount, err := json.Marshal(tx.PayoutAccount)
	if err != nil {
		return fmt.Errorf("encode payout account: %w", err)
	}

	query := `
		INSERT INTO transactions (
			id, partner_user_id, quote_id, status, blockchain, crypto_asset, target_currency,
			payment_method, source_amount, target_amount, payout_account, sender_address,
			on_chain_id, refund_on_chain_id, external_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12, $13, $14, $15)
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		tx.ID,
		tx.PartnerUserID,
		tx.QuoteID,
		string(tx.Status),
		tx.Blockchain,
		tx.CryptoAsset,
		tx.TargetCurrency,
		tx.PaymentMethod,
		tx.SourceAmount,
		tx.TargetAmount,
		string(payoutAccount),
		tx.SenderAddress,
		tx.OnChainID,
		tx.RefundOnChainID,
		tx.ExternalID,
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)
}

// FindTransactionByID retrieves a single transaction by its ID.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	tx, err := scanTransaction(r.db.QueryRow(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// rowQuerier is satisfied by both the pool and an open transaction.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// transitionDecision is what ApplyTransition does with the locked transaction row.
type transitionDecision int

const (
	transitionApply transitionDecision = iota
	// transitionReplay returns the row unchanged because the key is already on the ledger.
	transitionReplay
	transitionReject
)

func decideTransition(current domain.TransactionStatus, keyApplied bool, name string) (domain.TransactionStatus, transitionDecision) {
	if keyApplied {
		return current, transitionReplay
	}
	next, err := statemachine.ResolveTransition(current, name)
	if err != nil {
		return current, transitionReject
	}
	return next, transitionApply
}

func transitionExists(ctx context.Context, q rowQuerier, transactionID uuid.UUID, key string) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM transaction_transitions
			WHERE transaction_id = $1 AND idempotency_key = $2
		)
	`
	if err := q.QueryRow(ctx, query, transactionID, key).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *PostgresRepository) findTransactionOrNil(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	tx, err := r.FindTransactionByID(ctx, transactionID)
	if errors.Is(err, ErrTransactionNotFound) {
		return nil, nil
	}
	return tx, err
}

// ApplyTransition applies a named transition at most once per (transaction, idempotency key).
// The ledger insert and the status update commit together; a concurrent writer holding the
// same key waits on the row lock and then sees the winner's ledger entry.
func (r *PostgresRepository) ApplyTransition(ctx context.Context, req domain.TransitionRequest) (*domain.Transaction, error) {
	exists, err := transitionExists(ctx, r.db, req.TransactionID, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("lookup transition ledger: %w", err)
	}
	if exists {
		return r.findTransactionOrNil(ctx, req.TransactionID)
	}

	var contextPayload []byte
	if req.Context != nil {
		contextPayload, err = json.Marshal(req.Context)
		if err != nil {
			return nil, fmt.Errorf("encode transition context: %w", err)
		}
	}

	dbTx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transition tx: %w", err)
	}
	defer dbTx.Rollback(ctx)

	// Use FOR UPDATE so two different keys cannot both move the same status.
	current, err := scanTransaction(dbTx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, req.TransactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock transaction: %w", err)
	}

	// Re-check under the lock: a concurrent call with the same key may have committed
	// between the lookup above and the lock.
	applied, err := transitionExists(ctx, dbTx, req.TransactionID, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("lookup transition ledger: %w", err)
	}
	next, decision := decideTransition(current.Status, applied, req.Name)
	switch decision {
	case transitionReplay:
		return current, nil
	case transitionReject:
		return nil, nil
	}

	insert := `
		INSERT INTO transaction_transitions (
			id, transaction_id, idempotency_key, name, from_status, to_status, context
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		ON CONFLICT (transaction_id, idempotency_key) DO NOTHING
	`
	var contextArg *string
	if contextPayload != nil {
		s := string(contextPayload)
		contextArg = &s
	}
	result, err := dbTx.Exec(ctx, insert,
		uuid.New(),
		req.TransactionID,
		req.IdempotencyKey,
		req.Name,
		string(current.Status),
		string(next),
		contextArg,
	)
	if err != nil {
		return nil, fmt.Errorf("insert transition ledger entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		dbTx.Rollback(ctx)
		return r.findTransactionOrNil(ctx, req.TransactionID)
	}

	update := `
		UPDATE transactions
		SET status = $2,
		    on_chain_id = COALESCE($3, on_chain_id),
		    external_id = COALESCE($4, external_id),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + transactionColumns
	updated, err := scanTransaction(dbTx.QueryRow(ctx, update,
		req.TransactionID,
		string(next),
		req.Data.OnChainID,
		req.Data.ExternalID,
	))
	if err != nil {
		return nil, fmt.Errorf("update transaction status: %w", err)
	}

	if err := dbTx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return r.findTransactionOrNil(ctx, req.TransactionID)
		}
		return nil, err
	}
	return updated, nil
}

func loadRefundContext(ctx context.Context, dbTx pgx.Tx, transactionID uuid.UUID, key string) (*domain.RefundContext, error) {
	var raw []byte
	query := `
		SELECT context FROM transaction_transitions
		WHERE transaction_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`
	if err := dbTx.QueryRow(ctx, query, transactionID, key).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return domain.DecodeRefundContext(raw)
}

func upsertRefundContext(ctx context.Context, dbTx pgx.Tx, transactionID uuid.UUID, key string, rc domain.RefundContext) error {
	payload, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("encode refund context: %w", err)
	}
	query := `
		INSERT INTO transaction_transitions (id, transaction_id, idempotency_key, name, context)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (transaction_id, idempotency_key)
		DO UPDATE SET context = EXCLUDED.context, updated_at = NOW()
	`
	_, err = dbTx.Exec(ctx, query, uuid.New(), transactionID, key, domain.LedgerEntryRefund, string(payload))
	return err
}

// ReserveRefund claims the exclusive right to attempt a refund. The transaction row lock
// serialises concurrent reservations, so at most one caller observes `reserved` while an
// attempt is pending.
func (r *PostgresRepository) ReserveRefund(ctx context.Context, req domain.RefundReservationRequest) (domain.RefundReservation, error) {
	dbTx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.RefundReservation{}, fmt.Errorf("begin refund reservation tx: %w", err)
	}
	defer dbTx.Rollback(ctx)

	var refundOnChainID *string
	err = dbTx.QueryRow(ctx, `SELECT refund_on_chain_id FROM transactions WHERE id = $1 FOR UPDATE`, req.TransactionID).Scan(&refundOnChainID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RefundReservation{Outcome: domain.RefundMissing}, nil
		}
		return domain.RefundReservation{}, fmt.Errorf("lock transaction for refund: %w", err)
	}

	existing, err := loadRefundContext(ctx, dbTx, req.TransactionID, req.IdempotencyKey)
	if err != nil {
		return domain.RefundReservation{}, fmt.Errorf("load refund context: %w", err)
	}

	reservation, next := domain.PlanRefundReservation(refundOnChainID, existing, req)
	if next != nil {
		if err := upsertRefundContext(ctx, dbTx, req.TransactionID, req.IdempotencyKey, *next); err != nil {
			return domain.RefundReservation{}, fmt.Errorf("reserve refund: %w", err)
		}
	}

	if err := dbTx.Commit(ctx); err != nil {
		return domain.RefundReservation{}, err
	}
	return reservation, nil
}

// RecordRefundOutcome closes a reserved refund attempt. On success the refund on-chain id is
// written only while it is still NULL.
func (r *PostgresRepository) RecordRefundOutcome(ctx context.Context, req domain.RefundOutcomeRequest) error {
	dbTx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin refund outcome tx: %w", err)
	}
	defer dbTx.Rollback(ctx)

	existing, err := loadRefundContext(ctx, dbTx, req.TransactionID, req.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("load refund context: %w", err)
	}

	next := domain.ApplyRefundResult(existing, req.Result)
	if err := upsertRefundContext(ctx, dbTx, req.TransactionID, req.IdempotencyKey, next); err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("record refund outcome: %w", err)
	}

	if req.Result.Success && req.Result.TransactionID != "" {
		query := `
			UPDATE transactions
			SET refund_on_chain_id = $2, updated_at = NOW()
			WHERE id = $1 AND refund_on_chain_id IS NULL
		`
		if _, err := dbTx.Exec(ctx, query, req.TransactionID, req.Result.TransactionID); err != nil {
			return fmt.Errorf("set refund on-chain id: %w", err)
		}
	}

	return dbTx.Commit(ctx)
}

// ListTransitions returns the ledger entries of a transaction, oldest first.
func (r *PostgresRepository) ListTransitions(ctx context.Context, transactionID uuid.UUID) ([]domain.TransitionEntry, error) {
	query := `
		SELECT id, transaction_id, idempotency_key, name, from_status, to_status, context, created_at, updated_at
		FROM transaction_transitions
		WHERE transaction_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.TransitionEntry
	for rows.Next() {
		var (
			entry      domain.TransitionEntry
			fromStatus *string
			toStatus   *string
			raw        []byte
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.TransactionID,
			&entry.IdempotencyKey,
			&entry.Name,
			&fromStatus,
			&toStatus,
			&raw,
			&entry.CreatedAt,
			&entry.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if fromStatus != nil {
			s := domain.TransactionStatus(*fromStatus)
			entry.FromStatus = &s
		}
		if toStatus != nil {
			s := domain.TransactionStatus(*toStatus)
			entry.ToStatus = &s
		}
		if len(raw) > 0 {
			entry.Context = json.RawMessage(raw)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
