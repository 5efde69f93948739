package flow

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/transfa/settlement-service/internal/domain"
)

// MatchesSignal evaluates the step's match rules against a signal payload. A step
// without rules accepts any signal routed to it.
func MatchesSignal(rules []domain.SignalMatch, payload map[string]any) bool {
	if len(rules) == 0 {
		return true
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	for _, rule := range rules {
		value := gjson.GetBytes(raw, rule.Path)
		if !value.Exists() || value.String() != rule.Equals {
			return false
		}
	}
	return true
}
