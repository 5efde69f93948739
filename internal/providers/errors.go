package providers

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInsufficientBalance is returned by providers that can classify the condition.
var ErrInsufficientBalance = errors.New("insufficient balance")

var insufficientBalanceMarkers = []string{
	"insufficient balance",
	"insufficient funds",
	"not enough balance",
	"balance is not enough",
	"account has insufficient",
}

// IsInsufficientBalance reports whether err means the account cannot cover the request.
// Providers that only return a message are matched on known wording.
func IsInsufficientBalance(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInsufficientBalance) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range insufficientBalanceMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// NotFoundError is returned when no provider is registered for a lookup.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no %s provider registered for %q", e.Kind, e.Key)
}
