package store

import (
	"strings"
	"testing"

	"github.com/transfa/settlement-service/internal/domain"
)

func TestEncodeJSON(t *testing.T) {
	var nilMap map[string]any
	if got, err := encodeJSON(nilMap); err != nil || got != nil {
		t.Fatalf("expected nil for nil map, got %v, %v", got, err)
	}
	if got, err := encodeJSON(nil); err != nil || got != nil {
		t.Fatalf("expected nil for nil value, got %v, %v", got, err)
	}

	got, err := encodeJSON(map[string]any{"provider": "binance"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got == nil || *got != `{"provider":"binance"}` {
		t.Fatalf("unexpected encoding %v", got)
	}
}

func TestDecodeMap(t *testing.T) {
	for _, raw := range []string{"", "null"} {
		got, err := decodeMap([]byte(raw))
		if err != nil || got != nil {
			t.Fatalf("expected nil map for %q, got %v, %v", raw, got, err)
		}
	}

	got, err := decodeMap([]byte(`{"amount":"12.5","order_id":7}`))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got["amount"] != "12.5" || got["order_id"] != float64(7) {
		t.Fatalf("unexpected decoded map %v", got)
	}

	if _, err := decodeMap([]byte(`[1,2]`)); err == nil {
		t.Fatal("expected error decoding a non-object")
	}
}

func TestSchemaDeclaresIdempotencyConstraints(t *testing.T) {
	for _, fragment := range []string{
		"uq_transaction_transitions_key",
		"ON transaction_transitions (transaction_id, idempotency_key)",
		"transaction_id     UUID NOT NULL UNIQUE",
		"UNIQUE (source, idempotency_key)",
		string(domain.StepWaiting),
	} {
		if !strings.Contains(Schema, fragment) {
			t.Fatalf("expected schema to contain %q", fragment)
		}
	}
}
