// Package secrets resolves collaborator credentials from runtime variables
// (constant://, file://) with a plain configuration value as fallback.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gocloud.dev/gcerrors"
	"gocloud.dev/runtimevar"

	_ "gocloud.dev/runtimevar/constantvar"
	_ "gocloud.dev/runtimevar/filevar"
)

// ErrSecretEmpty is returned when neither the variable nor the fallback has a value.
var ErrSecretEmpty = errors.New("secret is empty")

const defaultLoadTimeout = 5 * time.Second

// Provider reads secrets through gocloud runtime variables.
type Provider struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewProvider creates a Provider.
func NewProvider(logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{timeout: defaultLoadTimeout, logger: logger.With("component", "secrets")}
}

// Resolve returns the value behind variableURL, or fallback when the URL is blank.
// URLs without an explicit decoder are read as strings.
func (p *Provider) Resolve(ctx context.Context, name, variableURL, fallback string) (string, error) {
	variableURL = strings.TrimSpace(variableURL)
	if variableURL == "" {
		if value := strings.TrimSpace(fallback); value != "" {
			return value, nil
		}
		return "", fmt.Errorf("%s: %w", name, ErrSecretEmpty)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	variable, err := runtimevar.OpenVariable(ctx, withStringDecoder(variableURL))
	if err != nil {
		return "", fmt.Errorf("open secret %s: %w", name, err)
	}
	defer variable.Close()

	snapshot, err := variable.Latest(ctx)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return "", fmt.Errorf("%s: %w", name, ErrSecretEmpty)
		}
		return "", fmt.Errorf("load secret %s: %w", name, err)
	}

	var value string
	switch v := snapshot.Value.(type) {
	case string:
		value = v
	case []byte:
		value = string(v)
	default:
		return "", fmt.Errorf("secret %s has unsupported type %T", name, snapshot.Value)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%s: %w", name, ErrSecretEmpty)
	}
	p.logger.Info("secret loaded", "name", name, "scheme", scheme(variableURL))
	return value, nil
}

func withStringDecoder(variableURL string) string {
	if strings.Contains(variableURL, "decoder=") {
		return variableURL
	}
	if strings.Contains(variableURL, "?") {
		return variableURL + "&decoder=string"
	}
	return variableURL + "?decoder=string"
}

func scheme(variableURL string) string {
	if i := strings.Index(variableURL, "://"); i > 0 {
		return variableURL[:i]
	}
	return ""
}
