package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestOperatorToken(t *testing.T) {
	now := time.Now()
	signed, err := operatorToken("shh", "", now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(signed, claims, func(*jwt.Token) (interface{}, error) { return []byte("shh"), nil }); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims["sub"] != "flowctl" || claims["role"] != "operator" {
		t.Fatalf("unexpected claims %v", claims)
	}
}

func TestResetStep(t *testing.T) {
	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotAuth = r.URL.Path, r.Header.Get("Authorization")
		if strings.HasSuffix(r.URL.Path, "/requeue") {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"cannot requeue a step in status FAILED; allowed: WAITING"}`))
			return
		}
		w.Write([]byte(`{"instance":{"id":"f1","status":"IN_PROGRESS","current_step_order":2},"steps":[]}`))
	}))
	defer server.Close()

	detail, err := resetStep(context.Background(), server.Client(), server.URL, "tok", "f1", "s1", "retry")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if gotPath != "/admin/flows/f1/steps/s1/retry" || gotAuth != "Bearer tok" {
		t.Fatalf("unexpected request %s %s", gotPath, gotAuth)
	}
	if detail.Instance.Status != "IN_PROGRESS" || detail.Instance.CurrentStepOrder != 2 {
		t.Fatalf("unexpected detail %+v", detail)
	}

	_, err = resetStep(context.Background(), server.Client(), server.URL, "tok", "f1", "s1", "requeue")
	if err == nil || !strings.Contains(err.Error(), "allowed: WAITING") {
		t.Fatalf("expected the API error to be surfaced, got %v", err)
	}
}
