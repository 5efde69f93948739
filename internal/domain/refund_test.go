package domain

import (
	"testing"

	"github.com/google/uuid"
)

func TestPlanRefundReservation(t *testing.T) {
	req := RefundReservationRequest{TransactionID: uuid.New(), IdempotencyKey: "refund:x", Reason: "payout failed", Trigger: "payout_send"}
	onChain := "stellar-refund-1"

	tests := []struct {
		name         string
		refundID     *string
		existing     *RefundContext
		wantOutcome  RefundOutcome
		wantAttempts int
		wantContext  bool
	}{
		{name: "first reservation", wantOutcome: RefundReserved, wantAttempts: 1, wantContext: true},
		{name: "refund id already set", refundID: &onChain, existing: &RefundContext{Attempts: 2, Status: RefundFailed}, wantOutcome: RefundAlreadyRefunded, wantAttempts: 2},
		{name: "prior success", existing: &RefundContext{Attempts: 1, Status: RefundSucceeded, RefundTransactionID: "r1"}, wantOutcome: RefundAlreadyRefunded, wantAttempts: 1},
		{name: "pending attempt", existing: &RefundContext{Attempts: 3, Status: RefundPending}, wantOutcome: RefundInFlight, wantAttempts: 3},
		{name: "retry after failure", existing: &RefundContext{Attempts: 1, Status: RefundFailed, LastError: "timeout"}, wantOutcome: RefundReserved, wantAttempts: 2, wantContext: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, next := PlanRefundReservation(tt.refundID, tt.existing, req)
			if got.Outcome != tt.wantOutcome {
				t.Fatalf("expected outcome %s, got %s", tt.wantOutcome, got.Outcome)
			}
			if got.Attempts != tt.wantAttempts {
				t.Fatalf("expected attempts %d, got %d", tt.wantAttempts, got.Attempts)
			}
			if (next != nil) != tt.wantContext {
				t.Fatalf("expected context returned=%t, got %+v", tt.wantContext, next)
			}
			if next != nil && (next.Status != RefundPending || next.Attempts != tt.wantAttempts) {
				t.Fatalf("unexpected reserved context %+v", next)
			}
		})
	}
}

func TestPlanRefundReservation_KeepsLastErrorAcrossAttempts(t *testing.T) {
	_, next := PlanRefundReservation(nil, &RefundContext{Attempts: 1, Status: RefundFailed, LastError: "timeout"}, RefundReservationRequest{})
	if next == nil || next.LastError != "timeout" {
		t.Fatalf("expected last error to be preserved, got %+v", next)
	}
}

func TestApplyRefundResult(t *testing.T) {
	pending := &RefundContext{Attempts: 2, Status: RefundPending, Reason: "payout failed"}

	succeeded := ApplyRefundResult(pending, RefundResult{Success: true, TransactionID: "hash-1"})
	if succeeded.Status != RefundSucceeded || succeeded.RefundTransactionID != "hash-1" || succeeded.Attempts != 2 {
		t.Fatalf("unexpected success context %+v", succeeded)
	}

	failed := ApplyRefundResult(pending, RefundResult{Success: false})
	if failed.Status != RefundFailed || failed.LastError != "refund failed" {
		t.Fatalf("unexpected failure context %+v", failed)
	}
	if pending.Status != RefundPending {
		t.Fatalf("expected input context to be left untouched, got %+v", pending)
	}
}

func TestDecodeRefundContext(t *testing.T) {
	for _, raw := range []string{"", "null", "  "} {
		rc, err := DecodeRefundContext([]byte(raw))
		if err != nil || rc != nil {
			t.Fatalf("expected nil context for %q, got %+v, %v", raw, rc, err)
		}
	}

	rc, err := DecodeRefundContext([]byte(`{"attempts":2,"status":"pending","last_error":"boom"}`))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if rc.Attempts != 2 || rc.Status != RefundPending || rc.LastError != "boom" {
		t.Fatalf("unexpected context %+v", rc)
	}

	if _, err := DecodeRefundContext([]byte(`{"attempts":`)); err == nil {
		t.Fatal("expected decode error for malformed context")
	}
}
