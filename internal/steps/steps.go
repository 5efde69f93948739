/**
 * @description
 * Package steps holds the five step executors of a settlement flow. Each executor reads
 * its typed config and the flow runtime, calls one provider collaborator and reports a
 * flow.Result. Executors never write flow state; the only writes they make go through
 * the transaction repository's transition and refund primitives.
 */

package steps

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/flow"
	"github.com/transfa/settlement-service/internal/providers"
)

// Dependencies are the collaborators shared by the executors.
type Dependencies struct {
	Exchanges    providers.ExchangeProviderFactory
	Wallets      providers.WalletFactory
	Payments     providers.PaymentServiceFactory
	Transactions Transitioner
	Refunds      Refunder
	Notifier     Notifier
	Logger       *slog.Logger
}

// Transitioner applies idempotent transaction transitions and reads the ledger.
type Transitioner interface {
	ApplyTransition(ctx context.Context, req domain.TransitionRequest) (*domain.Transaction, error)
	ListTransitions(ctx context.Context, transactionID uuid.UUID) ([]domain.TransitionEntry, error)
}

// Refunder starts a refund of a transaction's deposit.
type Refunder interface {
	Refund(ctx context.Context, tx domain.Transaction, reason, trigger string) (domain.RefundReservation, error)
}

// Notifier is the fire-and-forget notification sink.
type Notifier interface {
	PartnerWebhook(ctx context.Context, payload map[string]any)
	OperatorMessage(ctx context.Context, message string)
	Publish(ctx context.Context, routingKey string, payload map[string]any)
}

// Executors returns every executor in the order they are registered.
func Executors(deps Dependencies) []flow.Executor {
	return []flow.Executor{
		NewAwaitExchangeBalance(),
		NewExchangeConvert(deps.Exchanges),
		NewExchangeSend(deps.Exchanges, deps.Wallets),
		NewPayoutSend(deps.Payments, deps.Transactions, deps.Refunds, deps.Notifier, deps.Logger),
		NewTreasuryTransfer(deps.Exchanges),
	}
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// reference is the idempotency reference passed to providers for one step of a transaction.
func reference(rt *flow.Runtime, stepOrder int, suffix string) string {
	return fmt.Sprintf("%s-%s-%d", rt.Transaction.ID, suffix, stepOrder)
}
