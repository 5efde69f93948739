package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "anchor_api_key")
	if err := os.WriteFile(path, []byte("file-key\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}

	p := NewProvider(nil)
	tests := []struct {
		name     string
		url      string
		fallback string
		want     string
		wantErr  error
	}{
		{name: "fallback when url is blank", url: " ", fallback: " env-key ", want: "env-key"},
		{name: "constant variable", url: "constant://?val=const-key", fallback: "env-key", want: "const-key"},
		{name: "file variable", url: "file://" + path, want: "file-key"},
		{name: "nothing configured", wantErr: ErrSecretEmpty},
		{name: "empty constant", url: "constant://?val=", wantErr: ErrSecretEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Resolve(context.Background(), "ANCHOR_API_KEY", tt.url, tt.fallback)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestWithStringDecoder(t *testing.T) {
	cases := map[string]string{
		"file:///run/secret":             "file:///run/secret?decoder=string",
		"constant://?val=x":              "constant://?val=x&decoder=string",
		"file:///run/secret?decoder=jsn": "file:///run/secret?decoder=jsn",
	}
	for in, want := range cases {
		if got := withStringDecoder(in); got != want {
			t.Errorf("withStringDecoder(%q) = %q, want %q", in, got, want)
		}
	}
}
