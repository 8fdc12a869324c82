package secrets

import "context"

// Provider looks up secret values by name. The emitter never prints them; it
// tracks them so the cleaner can mask any result string that contains one.
type Provider interface {
	// GetSecret returns the value and true if found, or "" and false if not.
	// An error means the lookup itself failed.
	GetSecret(ctx context.Context, key string) (string, bool, error)
}
