package secrets

import (
	"context"
	"os"
)

// envProvider serves env: references. The key names the environment
// variable exactly as written.
type envProvider struct{}

func (e *envProvider) Name() string { return "env" }

func (e *envProvider) Get(ctx context.Context, key string) (string, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return "", ErrNotFound
	}
	return value, nil
}

func (e *envProvider) Close() error { return nil }

func (e *envProvider) HealthCheck(ctx context.Context) error { return nil }
