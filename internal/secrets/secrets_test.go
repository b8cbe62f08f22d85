package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// 1. Reference Parsing
// ---------------------------------------------------------------------------

func TestParseRef(t *testing.T) {
	tests := []struct {
		name       string
		ref        string
		wantScheme string
		wantKey    string
	}{
		{"plain literal", "hunter2", "", "hunter2"},
		{"empty", "", "", ""},
		{"env reference", "env:AUDITMON_DB_PASSWORD", "env", "AUDITMON_DB_PASSWORD"},
		{"file reference", "file:/run/secrets/db_pass", "file", "/run/secrets/db_pass"},
		{"vault reference", "vault:auditmon/clickhouse", "vault", "auditmon/clickhouse"},
		{"colon in literal", "pass:word", "", "pass:word"},
		{"unknown scheme stays literal", "redis://localhost:6379", "", "redis://localhost:6379"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scheme, key := ParseRef(tt.ref)
			if scheme != tt.wantScheme {
				t.Errorf("ParseRef(%q) scheme = %q, want %q", tt.ref, scheme, tt.wantScheme)
			}
			if key != tt.wantKey {
				t.Errorf("ParseRef(%q) key = %q, want %q", tt.ref, key, tt.wantKey)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// 2. Resolver
// ---------------------------------------------------------------------------

func TestResolveLiteral(t *testing.T) {
	r, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer r.Close()

	value, err := r.Resolve(context.Background(), "plain-password")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if value != "plain-password" {
		t.Errorf("Resolve() = %q, want literal passthrough", value)
	}
}

func TestResolveEnv(t *testing.T) {
	t.Setenv("AUDITMON_TEST_SECRET", "from-env")

	r, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer r.Close()

	value, err := r.Resolve(context.Background(), "env:AUDITMON_TEST_SECRET")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if value != "from-env" {
		t.Errorf("Resolve() = %q, want %q", value, "from-env")
	}
}

func TestResolveEnvMissing(t *testing.T) {
	r, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer r.Close()

	_, err = r.Resolve(context.Background(), "env:AUDITMON_DEFINITELY_UNSET_VAR")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve() error = %v, want ErrNotFound", err)
	}
}

func TestResolveFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db_pass")
	if err := os.WriteFile(path, []byte("s3cret\n"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	r, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer r.Close()

	value, err := r.Resolve(context.Background(), "file:"+path)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if value != "s3cret" {
		t.Errorf("Resolve() = %q, want trailing newline trimmed", value)
	}
}

func TestResolveFileMissing(t *testing.T) {
	r, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer r.Close()

	_, err = r.Resolve(context.Background(), "file:"+filepath.Join(t.TempDir(), "absent"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve() error = %v, want ErrNotFound", err)
	}
}

func TestResolveVaultWithoutProvider(t *testing.T) {
	r, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer r.Close()

	_, err = r.Resolve(context.Background(), "vault:auditmon/clickhouse")
	if err == nil {
		t.Fatal("Resolve() with unconfigured vault scheme should fail")
	}
}

// ---------------------------------------------------------------------------
// 3. Vault Provider
// ---------------------------------------------------------------------------

// fakeVault serves the two endpoints the provider touches: the health
// probe and KV v2 reads under secret/data/.
func fakeVault(t *testing.T, secrets map[string]map[string]any) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sys/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/secret/data/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		key := r.URL.Path[len("/v1/secret/data/"):]
		data, ok := secrets[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		resp := map[string]any{"data": map[string]any{"data": data}}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode vault response: %v", err)
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestVaultResolve(t *testing.T) {
	srv := fakeVault(t, map[string]map[string]any{
		"auditmon/clickhouse": {"value": "ch-password"},
	})

	r, err := New(Config{
		VaultAddr:  srv.URL,
		VaultToken: "test-token",
		Timeout:    2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer r.Close()

	value, err := r.Resolve(context.Background(), "vault:auditmon/clickhouse")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if value != "ch-password" {
		t.Errorf("Resolve() = %q, want %q", value, "ch-password")
	}
}

func TestVaultResolveFallbackField(t *testing.T) {
	srv := fakeVault(t, map[string]map[string]any{
		"auditmon/redis": {"password": "redis-password"},
	})

	r, err := New(Config{VaultAddr: srv.URL, VaultToken: "test-token"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer r.Close()

	value, err := r.Resolve(context.Background(), "vault:auditmon/redis")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if value != "redis-password" {
		t.Errorf("Resolve() = %q, want fallback to the only string field", value)
	}
}

func TestVaultResolveMissing(t *testing.T) {
	srv := fakeVault(t, nil)

	r, err := New(Config{VaultAddr: srv.URL, VaultToken: "test-token"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer r.Close()

	_, err = r.Resolve(context.Background(), "vault:absent/secret")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve() error = %v, want ErrNotFound", err)
	}
}

func TestVaultTokenFromEnvRef(t *testing.T) {
	t.Setenv("AUDITMON_TEST_VAULT_TOKEN", "test-token")

	srv := fakeVault(t, map[string]map[string]any{
		"auditmon/s3": {"value": "s3-secret"},
	})

	r, err := New(Config{
		VaultAddr:  srv.URL,
		VaultToken: "env:AUDITMON_TEST_VAULT_TOKEN",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer r.Close()

	value, err := r.Resolve(context.Background(), "vault:auditmon/s3")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if value != "s3-secret" {
		t.Errorf("Resolve() = %q, want %q", value, "s3-secret")
	}
}

func TestVaultSealedRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sys/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := New(Config{VaultAddr: srv.URL, VaultToken: "test-token"})
	if err == nil {
		t.Fatal("New() against a sealed vault should fail")
	}
}

// ---------------------------------------------------------------------------
// 4. Log Masking
// ---------------------------------------------------------------------------

func TestMaskRef(t *testing.T) {
	tests := []struct {
		ref  string
		want string
	}{
		{"env:AUDITMON_DB_PASSWORD", "env:AUDITMON_DB_PASSWORD"},
		{"vault:auditmon/clickhouse", "vault:auditmon/clickhouse"},
		{"hunter2", "[literal]"},
		{"pass:word", "[literal]"},
	}

	for _, tt := range tests {
		if got := maskRef(tt.ref); got != tt.want {
			t.Errorf("maskRef(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}
