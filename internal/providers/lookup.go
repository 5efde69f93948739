package providers

import (
	"strings"
	"sync"
)

// Lookup resolves a provider in two tiers: capability matchers are tried in registration
// order, then a keyed table is consulted.
type Lookup[C any, T any] struct {
	kind string

	mu       sync.RWMutex
	matchers []func(C) (T, bool)
	keyed    map[string]T
}

// NewLookup returns an empty lookup; kind names the provider family in errors.
func NewLookup[C any, T any](kind string) *Lookup[C, T] {
	return &Lookup[C, T]{kind: kind, keyed: make(map[string]T)}
}

func normalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// Match adds a capability matcher.
func (l *Lookup[C, T]) Match(matcher func(C) (T, bool)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.matchers = append(l.matchers, matcher)
}

// Register adds a keyed entry. Keys are case-insensitive.
func (l *Lookup[C, T]) Register(key string, value T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keyed[normalizeKey(key)] = value
}

// Get is the keyed tier alone.
func (l *Lookup[C, T]) Get(key string) (T, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if value, ok := l.keyed[normalizeKey(key)]; ok {
		return value, nil
	}
	var zero T
	return zero, &NotFoundError{Kind: l.kind, Key: key}
}

// Resolve tries every matcher with capability, then falls back to fallbackKey.
func (l *Lookup[C, T]) Resolve(capability C, fallbackKey string) (T, error) {
	l.mu.RLock()
	matchers := l.matchers
	l.mu.RUnlock()
	for _, matcher := range matchers {
		if value, ok := matcher(capability); ok {
			return value, nil
		}
	}
	return l.Get(fallbackKey)
}
