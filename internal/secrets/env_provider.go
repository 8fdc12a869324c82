package secrets

import (
	"context"
	"os"

	jsonlsecrets "github.com/gxo-labs/jsonl/pkg/jsonl/v1/secrets"
)

// EnvProvider reads secrets from environment variables. It backs the
// `secret_env` config key.
type EnvProvider struct{}

// NewEnvProvider creates a new environment variable secrets provider.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// GetSecret returns the variable's value and whether it is set.
func (p *EnvProvider) GetSecret(_ context.Context, key string) (string, bool, error) {
	value, found := os.LookupEnv(key)
	return value, found, nil
}

var _ jsonlsecrets.Provider = (*EnvProvider)(nil)
