// Package secrets resolves credential references found in the configuration.
//
// A credential field may hold a literal value or a reference naming where
// the value lives:
//
//	env:AUDITMON_DB_PASSWORD   environment variable
//	file:/run/secrets/db_pass  file contents, trailing newline trimmed
//	vault:auditmon/clickhouse  HashiCorp Vault KV v2 secret
//
// Anything that does not carry one of those prefixes is treated as a
// literal, so passwords containing colons pass through unchanged.
// References are resolved once at startup; nothing re-reads them while
// the daemon runs.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a reference points at a secret that
	// does not exist.
	ErrNotFound = errors.New("secret not found")
)

// Provider fetches secret values for one reference scheme.
type Provider interface {
	// Name returns the scheme this provider serves.
	Name() string

	// Get retrieves the secret value for key.
	Get(ctx context.Context, key string) (string, error)

	// Close releases any resources held by the provider.
	Close() error

	// HealthCheck verifies the provider backend is reachable.
	HealthCheck(ctx context.Context) error
}

// Config holds resolver settings. The env and file schemes need none;
// the vault scheme is enabled by setting VaultAddr.
type Config struct {
	VaultAddr  string        // Vault server address, empty disables the vault scheme
	VaultToken string        // May itself be an env: or file: reference
	VaultMount string        // KV v2 mount, default "secret"
	Timeout    time.Duration // Vault request timeout, default 10s
	Logger     *slog.Logger
}

// Resolver turns credential references into values.
type Resolver struct {
	providers map[string]Provider
	logger    *slog.Logger
}

// New creates a resolver with the env and file schemes registered. When
// cfg.VaultAddr is set the vault scheme is registered as well, which
// includes a reachability check against the server.
func New(cfg Config) (*Resolver, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Resolver{
		providers: map[string]Provider{
			"env":  &envProvider{},
			"file": &fileProvider{},
		},
		logger: cfg.Logger,
	}

	if cfg.VaultAddr != "" {
		// The token commonly arrives as a reference itself.
		token, err := r.Resolve(context.Background(), cfg.VaultToken)
		if err != nil {
			return nil, fmt.Errorf("resolve vault token: %w", err)
		}

		vp, err := newVaultProvider(vaultConfig{
			Address: cfg.VaultAddr,
			Token:   token,
			Mount:   cfg.VaultMount,
			Timeout: cfg.Timeout,
			Logger:  cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("vault provider: %w", err)
		}
		r.providers["vault"] = vp
		cfg.Logger.Info("vault secret provider ready", "addr", cfg.VaultAddr)
	}

	return r, nil
}

// ParseRef splits a reference into its scheme and key. A value without a
// known scheme prefix is a literal and returns scheme "".
func ParseRef(ref string) (scheme, key string) {
	scheme, key, ok := strings.Cut(ref, ":")
	if !ok {
		return "", ref
	}
	switch scheme {
	case "env", "file", "vault":
		return scheme, key
	}
	return "", ref
}

// Resolve returns the value a reference points at. Literals are returned
// as-is. A vault reference without a configured Vault server is an error.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, key := ParseRef(ref)
	if scheme == "" {
		return key, nil
	}

	provider, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("reference %q uses scheme %q but no %s provider is configured", maskRef(ref), scheme, scheme)
	}

	value, err := provider.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", maskRef(ref), err)
	}

	r.logger.Debug("secret resolved", "ref", maskRef(ref), "provider", provider.Name())
	return value, nil
}

// Close shuts down all providers.
func (r *Resolver) Close() error {
	var errs []error
	for _, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// HealthCheck verifies every registered provider backend is reachable.
func (r *Resolver) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, p := range r.providers {
		if err := p.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// maskRef keeps references loggable. Only the scheme and key location
// appear in logs, never a literal value.
func maskRef(ref string) string {
	if scheme, _ := ParseRef(ref); scheme != "" {
		return ref
	}
	return "[literal]"
}
