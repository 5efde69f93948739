// Package statemachine validates transaction status transitions. It is a pure lookup over a
// static table and performs no writes.
package statemachine

import (
	"fmt"
	"slices"

	"github.com/transfa/settlement-service/internal/domain"
)

type transitionRule struct {
	from []domain.TransactionStatus
	to   domain.TransactionStatus
}

var transitions = map[string]transitionRule{
	domain.TransitionDepositReceived: {
		from: []domain.TransactionStatus{domain.StatusAwaitingPayment},
		to:   domain.StatusProcessingPayment,
	},
	domain.TransitionPaymentCompleted: {
		from: []domain.TransactionStatus{domain.StatusProcessingPayment},
		to:   domain.StatusPaymentCompleted,
	},
	domain.TransitionPaymentFailed: {
		from: []domain.TransactionStatus{domain.StatusProcessingPayment},
		to:   domain.StatusPaymentFailed,
	},
	domain.TransitionWrongAmount: {
		from: []domain.TransactionStatus{domain.StatusProcessingPayment},
		to:   domain.StatusWrongAmount,
	},
	domain.TransitionExpired: {
		from: []domain.TransactionStatus{domain.StatusAwaitingPayment},
		to:   domain.StatusPaymentExpired,
	},
}

// InvalidTransitionError is returned when a transition is unknown or not allowed from the
// current status.
type InvalidTransitionError struct {
	Current    domain.TransactionStatus
	Transition string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %q from status %s", e.Transition, e.Current)
}

// ResolveTransition returns the status reached by applying name to current.
func ResolveTransition(current domain.TransactionStatus, name string) (domain.TransactionStatus, error) {
	rule, ok := transitions[name]
	if !ok || !slices.Contains(rule.from, current) {
		return "", &InvalidTransitionError{Current: current, Transition: name}
	}
	return rule.to, nil
}

// IsTerminalStatus reports whether no transition may leave status.
func IsTerminalStatus(status domain.TransactionStatus) bool {
	switch status {
	case domain.StatusPaymentCompleted,
		domain.StatusPaymentFailed,
		domain.StatusPaymentExpired,
		domain.StatusWrongAmount:
		return true
	default:
		return false
	}
}

// TransitionNames lists every recognised transition name.
func TransitionNames() []string {
	names := make([]string, 0, len(transitions))
	for name := range transitions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
