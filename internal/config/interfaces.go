package config

import "context"

// SecretProvider fetches SSM parameters by path, decrypted. Paths absent
// from the result are reported as missing by the loader, never defaulted.
type SecretProvider interface {
	GetParametersBatch(ctx context.Context, paths []string) (map[string]string, error)
}
