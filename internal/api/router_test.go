package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/transfa/settlement-service/internal/audit"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/flow"
	"github.com/transfa/settlement-service/internal/store/memstore"
	"github.com/transfa/settlement-service/pkg/webhookclient"
)

const (
	testJWTSecret     = "operator-secret"
	testSigningSecret = "webhook-secret"
)

type deliverStub struct {
	err      error
	delivery flow.SignalDelivery
	calls    []flow.Signal
}

func (d *deliverStub) DeliverSignal(ctx context.Context, in flow.Signal) (flow.SignalDelivery, error) {
	d.calls = append(d.calls, in)
	return d.delivery, d.err
}

type deduperStub struct {
	seen     map[string]bool
	released []string
	err      error
}

func (d *deduperStub) FirstSeen(ctx context.Context, source, key string) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	if d.seen[source+key] {
		return false, nil
	}
	d.seen[source+key] = true
	return true, nil
}

func (d *deduperStub) Release(ctx context.Context, source, key string) error {
	delete(d.seen, source+key)
	d.released = append(d.released, key)
	return nil
}

type resumerStub struct{}

func (resumerStub) Advance(ctx context.Context, id uuid.UUID) error { return nil }

type fixture struct {
	router  http.Handler
	store   *memstore.Store
	signals *deliverStub
	deduper *deduperStub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := memstore.New()
	signals := &deliverStub{delivery: flow.SignalDelivery{SignalID: uuid.New(), Delivered: 1}}
	deduper := &deduperStub{seen: map[string]bool{}}
	auditor := audit.NewService(s, resumerStub{}, logger)
	h := NewHandler(signals, auditor, deduper, testSigningSecret, logger)
	router := NewRouter(h, RouterOptions{AdminJWTSecret: testJWTSecret, AllowedOrigins: []string{"https://ops.example.com"}})
	return &fixture{router: router, store: s, signals: signals, deduper: deduper}
}

func operatorToken(t *testing.T, role string, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "op_1",
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (f *fixture) do(t *testing.T, method, path, token string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) postSignal(t *testing.T, payload any, signature string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(payload)
	if signature == "" {
		signature = webhookclient.Sign(testSigningSecret, body)
	}
	return f.do(t, http.MethodPost, "/webhooks/signals", "", body, map[string]string{webhookclient.SignatureHeader: signature})
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, "/health", "", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestSignalWebhook(t *testing.T) {
	f := newFixture(t)
	payload := map[string]any{
		"source":         "anchor",
		"idempotencyKey": "evt-1",
		"correlation":    map[string]any{"externalId": "tr_1"},
		"payload":        map[string]any{"status": "COMPLETED"},
	}

	rec := f.postSignal(t, payload, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	if len(f.signals.calls) != 1 || f.signals.calls[0].Correlation["externalId"] != "tr_1" {
		t.Fatalf("unexpected deliveries %+v", f.signals.calls)
	}

	rec = f.postSignal(t, payload, "")
	if rec.Code != http.StatusOK || len(f.signals.calls) != 1 {
		t.Fatalf("expected the repeat to be deduplicated, got %d with %d calls", rec.Code, len(f.signals.calls))
	}
	var resp signalResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Duplicate {
		t.Fatalf("expected duplicate response, got %s", rec.Body)
	}
}

func TestSignalWebhook_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		payload   any
		signature string
		deliver   error
		want      int
	}{
		{name: "bad signature", payload: map[string]any{"source": "anchor", "correlation": map[string]any{"a": 1}}, signature: "deadbeef", want: http.StatusUnauthorized},
		{name: "missing source", payload: map[string]any{"correlation": map[string]any{"a": 1}}, want: http.StatusBadRequest},
		{name: "unroutable", payload: map[string]any{"source": "anchor"}, want: http.StatusBadRequest},
		{name: "engine failure", payload: map[string]any{"source": "anchor", "idempotencyKey": "evt-9", "correlation": map[string]any{"a": 1}}, deliver: errors.New("db down"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.signals.err = tt.deliver
			rec := f.postSignal(t, tt.payload, tt.signature)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body)
			}
		})
	}

	t.Run("failed delivery releases the dedupe key", func(t *testing.T) {
		f := newFixture(t)
		f.signals.err = errors.New("db down")
		f.postSignal(t, map[string]any{"source": "anchor", "idempotencyKey": "evt-9", "correlation": map[string]any{"a": 1}}, "")
		if len(f.deduper.released) != 1 || f.deduper.released[0] != "evt-9" {
			t.Fatalf("expected the key to be released, got %v", f.deduper.released)
		}
	})

	t.Run("dedupe outage falls through to the engine", func(t *testing.T) {
		f := newFixture(t)
		f.deduper.err = errors.New("redis down")
		rec := f.postSignal(t, map[string]any{"source": "anchor", "idempotencyKey": "evt-3", "correlation": map[string]any{"a": 1}}, "")
		if rec.Code != http.StatusAccepted || len(f.signals.calls) != 1 {
			t.Fatalf("expected delivery despite the outage, got %d", rec.Code)
		}
	})
}

func TestAdminAuth(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		token string
		want  int
	}{
		{name: "missing token", want: http.StatusUnauthorized},
		{name: "wrong secret", token: operatorToken(t, "operator", "other"), want: http.StatusUnauthorized},
		{name: "wrong role", token: operatorToken(t, "partner", testJWTSecret), want: http.StatusForbidden},
		{name: "operator", token: operatorToken(t, "operator", testJWTSecret), want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := f.do(t, http.MethodGet, "/admin/flows", tt.token, nil, nil); rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestAdminFlows(t *testing.T) {
	f := newFixture(t)
	token := operatorToken(t, "admin", testJWTSecret)
	ctx := context.Background()

	instance := &domain.FlowInstance{
		ID:               uuid.New(),
		TransactionID:    uuid.New(),
		Status:           domain.FlowInProgress,
		CurrentStepOrder: 1,
		CreatedAt:        time.Now().UTC(),
	}
	step := domain.FlowStepInstance{
		ID:             uuid.New(),
		FlowInstanceID: instance.ID,
		StepOrder:      1,
		StepType:       domain.StepPayoutSend,
		Status:         domain.StepReady,
		MaxAttempts:    3,
	}
	if err := f.store.CreateFlowInstance(ctx, instance, []domain.FlowStepInstance{step}); err != nil {
		t.Fatalf("create instance: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/admin/flows?status=in_progress&limit=500", token, nil, nil)
	var list audit.ListResult
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || list.Total != 1 {
		t.Fatalf("unexpected list %d %s", rec.Code, rec.Body)
	}
	if rec := f.do(t, http.MethodGet, "/admin/flows?status=bogus", token, nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid status, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/admin/flows?stuckMinutes=-1", token, nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative minutes, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/admin/flows/"+instance.ID.String(), token, nil, nil)
	var detail audit.FlowDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil || len(detail.Steps) != 1 {
		t.Fatalf("unexpected detail %d %s", rec.Code, rec.Body)
	}
	if rec := f.do(t, http.MethodGet, "/admin/flows/"+uuid.NewString(), token, nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/admin/flows/not-a-uuid", token, nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	retry := fmt.Sprintf("/admin/flows/%s/steps/%s/retry", instance.ID, step.ID)
	if rec := f.do(t, http.MethodPost, retry, token, nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when retrying a READY step, got %d: %s", rec.Code, rec.Body)
	}
	missing := fmt.Sprintf("/admin/flows/%s/steps/%s/requeue", instance.ID, uuid.New())
	if rec := f.do(t, http.MethodPost, missing, token, nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown step, got %d", rec.Code)
	}

	if _, ok, _ := f.store.ClaimFlowStep(ctx, step.ID, domain.StepReady, true, time.Now()); !ok {
		t.Fatal("claim failed")
	}
	msg := "payout rejected"
	f.store.CompleteFlowStep(ctx, domain.StepCompletion{
		StepID:           step.ID,
		FlowInstanceID:   instance.ID,
		Status:           domain.StepFailed,
		Error:            &msg,
		InstanceStatus:   domain.FlowFailed,
		CurrentStepOrder: 1,
		At:               time.Now(),
	})
	rec = f.do(t, http.MethodPost, retry, token, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &detail)
	if detail.Steps[0].Status != domain.StepReady || detail.Instance.Status != domain.FlowInProgress {
		t.Fatalf("unexpected detail after retry %+v", detail)
	}
}

func TestAdminCORSPreflight(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodOptions, "/admin/flows", "", nil, map[string]string{
		"Origin":                        "https://ops.example.com",
		"Access-Control-Request-Method": "GET",
	})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Fatalf("expected the origin to be allowed, got %q (status %d)", got, rec.Code)
	}
}
