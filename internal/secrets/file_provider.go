package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// fileProvider serves file: references. The key is a filesystem path,
// the way Docker and Kubernetes mount secrets. A trailing newline is
// trimmed because most secret files carry one.
type fileProvider struct{}

func (f *fileProvider) Name() string { return "file" }

func (f *fileProvider) Get(ctx context.Context, key string) (string, error) {
	data, err := os.ReadFile(key)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read secret file: %w", err)
	}

	value := strings.TrimRight(string(data), "\r\n")
	if value == "" {
		return "", ErrNotFound
	}
	return value, nil
}

func (f *fileProvider) Close() error { return nil }

func (f *fileProvider) HealthCheck(ctx context.Context) error { return nil }
