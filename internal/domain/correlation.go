package domain

import (
	"bytes"
	"encoding/json"
)

// CorrelationContains reports whether every key of sub is present in super with an equal
// JSON value. It mirrors the jsonb `@>` operator for flat correlation maps.
func CorrelationContains(super, sub map[string]any) bool {
	for key, want := range sub {
		got, ok := super[key]
		if !ok {
			return false
		}
		if !jsonEqual(got, want) {
			return false
		}
	}
	return true
}

func jsonEqual(a, b any) bool {
	left, err := json.Marshal(a)
	if err != nil {
		return false
	}
	right, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}
