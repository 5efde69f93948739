package webhookclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPost_SignsBody(t *testing.T) {
	var body []byte
	var signature string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		signature = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewClient(server.URL, "shh")
	if err := client.Post(context.Background(), map[string]any{"event": "transaction.payment_completed"}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if string(body) != `{"event":"transaction.payment_completed"}` {
		t.Fatalf("unexpected body %s", body)
	}
	if signature != Sign("shh", body) {
		t.Fatalf("expected signature of the body, got %q", signature)
	}
}

func TestPost_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(SignatureHeader) != "" {
			t.Errorf("expected unsigned request")
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	if err := NewClient(server.URL, "").Post(context.Background(), map[string]any{}); err == nil {
		t.Fatal("expected an error for a 500 response")
	}
	if err := NewClient("", "").Post(context.Background(), map[string]any{}); err == nil {
		t.Fatal("expected an error without url")
	}
	if NewClient(" ", "").Enabled() {
		t.Fatal("expected blank url to disable the client")
	}
}
