package secrets

import (
	"context"
	"fmt"
	"strings"
	"sync"

	jsonlsecrets "github.com/gxo-labs/jsonl/pkg/jsonl/v1/secrets"
)

// SecretTracker remembers secret values the engine resolved during a run so
// the cleaner can mask result strings containing them. Values are tracked for
// the lifetime of the tracker; there is no removal.
// It is safe for concurrent use by many producers.
type SecretTracker struct {
	// mu protects secrets. Lookups take the read lock, Add the write lock.
	mu sync.RWMutex
	// secrets is the set of tracked values.
	secrets map[string]struct{}
}

// NewSecretTracker creates a new, empty tracker. Share one tracker between
// the cleaner, the sink and the tracing layer of an emitter so a value tracked
// once is masked everywhere.
func NewSecretTracker() *SecretTracker {
	return &SecretTracker{
		secrets: make(map[string]struct{}),
	}
}

// Add marks a secret value as tracked. Adding a value twice has no further
// effect. Empty strings are ignored: they would match every input.
func (t *SecretTracker) Add(secretValue string) {
	if secretValue == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.secrets[secretValue] = struct{}{}
}

// Len returns the number of distinct tracked values.
func (t *SecretTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.secrets)
}

// IsTracked reports whether value is exactly a tracked secret. Use
// ContainsTrackedSecret for free text that may embed one.
func (t *SecretTracker) IsTracked(value string) bool {
	if value == "" {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, found := t.secrets[value]
	return found
}

// ContainsTrackedSecret reports whether input contains any tracked secret as
// a substring, which catches secrets embedded in URLs and headers. A nil
// tracker tracks nothing, so callers with an optional tracker need no check.
func (t *SecretTracker) ContainsTrackedSecret(input string) bool {
	if t == nil || input == "" {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for secret := range t.secrets {
		if strings.Contains(input, secret) {
			return true
		}
	}
	return false
}

// TrackFromProvider resolves each key through p and tracks the values found.
// Missing keys and empty values are skipped. It returns the number of values
// tracked, and stops at the first provider error, wrapping it with the key.
func TrackFromProvider(ctx context.Context, p jsonlsecrets.Provider, t *SecretTracker, keys []string) (int, error) {
	tracked := 0
	for _, key := range keys {
		val, found, err := p.GetSecret(ctx, key)
		if err != nil {
			return tracked, fmt.Errorf("resolve secret '%s': %w", key, err)
		}
		if found && val != "" {
			t.Add(val)
			tracked++
		}
	}
	return tracked, nil
}
