package config

import "context"

// SecretProvider abstracts the retrieval of secrets to support both
// AWS SSM Parameter Store (deployed monitors) and environment variables
// (local development and the CLI).
type SecretProvider interface {
	// GetParametersBatch resolves the given parameter paths and returns a map
	// of key -> plaintext value for every parameter that was found.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
