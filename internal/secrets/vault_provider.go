package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// vaultProvider serves vault: references from a HashiCorp Vault KV v2
// mount over the HTTP API. Only reads are supported.
type vaultProvider struct {
	address    string
	token      string
	mount      string
	httpClient *http.Client
	logger     *slog.Logger
}

type vaultConfig struct {
	Address string
	Token   string
	Mount   string
	Timeout time.Duration
	Logger  *slog.Logger
}

func newVaultProvider(cfg vaultConfig) (*vaultProvider, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("vault token is required")
	}
	if cfg.Mount == "" {
		cfg.Mount = "secret"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	vp := &vaultProvider{
		address:    strings.TrimSuffix(cfg.Address, "/"),
		token:      cfg.Token,
		mount:      strings.Trim(cfg.Mount, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := vp.HealthCheck(ctx); err != nil {
		return nil, err
	}

	return vp, nil
}

func (v *vaultProvider) Name() string { return "vault" }

// Get reads a KV v2 secret. The key is the path under the mount; the
// secret's "value" field is preferred, with a fallback to the first
// string field when the secret uses a different field name.
func (v *vaultProvider) Get(ctx context.Context, key string) (string, error) {
	url := fmt.Sprintf("%s/v1/%s/data/%s", v.address, v.mount, strings.TrimPrefix(key, "/"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", v.token)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("vault returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var vr vaultReadResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return "", fmt.Errorf("decode vault response: %w", err)
	}
	if vr.Data.Data == nil {
		return "", ErrNotFound
	}

	if value, ok := vr.Data.Data["value"].(string); ok && value != "" {
		return value, nil
	}
	for field, raw := range vr.Data.Data {
		if s, ok := raw.(string); ok && s != "" {
			v.logger.Debug("vault secret has no value field, using first string field",
				"key", key,
				"field", field)
			return s, nil
		}
	}

	return "", fmt.Errorf("vault secret %q has no string field", key)
}

func (v *vaultProvider) Close() error {
	v.httpClient.CloseIdleConnections()
	return nil
}

// HealthCheck probes the Vault health endpoint. Standby and performance
// standby states still serve KV reads, so they count as healthy.
func (v *vaultProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.address+"/v1/sys/health", nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vault health check: %w", err)
	}
	defer resp.Body.Close()

	// 200 active, 429 standby, 473 performance standby.
	switch resp.StatusCode {
	case http.StatusOK, http.StatusTooManyRequests, 473:
		return nil
	case 501:
		return fmt.Errorf("vault is not initialized")
	case 503:
		return fmt.Errorf("vault is sealed")
	}
	return fmt.Errorf("vault unhealthy: status %d", resp.StatusCode)
}

// vaultReadResponse is the KV v2 read envelope.
type vaultReadResponse struct {
	Data struct {
		Data map[string]any `json:"data"`
	} `json:"data"`
}
