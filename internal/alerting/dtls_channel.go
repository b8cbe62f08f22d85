package alerting

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v2"

	"github.com/zx159753/kernel-audit-system/internal/schema"
)

// DTLSConfig holds settings for the DTLS notification channel. Either a
// pre-shared key or a certificate pair must be provided.
type DTLSConfig struct {
	// Address is the collector endpoint, host:port.
	Address string

	// PSK enables pre-shared key mode when non-empty.
	PSK         []byte
	PSKIdentity string

	// CertFile and KeyFile enable certificate mode when PSK is empty.
	CertFile string
	KeyFile  string

	// Timeout bounds the handshake and each write. Defaults to 10s.
	Timeout time.Duration
}

// DTLSChannel ships alerts over DTLS to a remote collector. The connection
// is dialed lazily on first send and redialed after any write failure, so a
// collector outage costs one failed notification per cycle and nothing more.
type DTLSChannel struct {
	config DTLSConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn net.Conn
}

// NewDTLSChannel validates the config and returns an unconnected channel.
func NewDTLSChannel(config DTLSConfig, logger *slog.Logger) (*DTLSChannel, error) {
	if config.Address == "" {
		return nil, errors.New("dtls channel requires an address")
	}
	if len(config.PSK) == 0 && (config.CertFile == "" || config.KeyFile == "") {
		return nil, errors.New("dtls channel requires a PSK or a certificate pair")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DTLSChannel{config: config, logger: logger}, nil
}

func (d *DTLSChannel) Name() string {
	return "dtls"
}

func (d *DTLSChannel) Send(ctx context.Context, alert *schema.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	payload = append(payload, '\n')

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		if err := d.dialLocked(ctx); err != nil {
			return fmt.Errorf("dtls dial failed: %w", err)
		}
	}

	if err := d.conn.SetWriteDeadline(time.Now().Add(d.config.Timeout)); err != nil {
		d.resetLocked()
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if _, err := d.conn.Write(payload); err != nil {
		// Drop the session so the next send handshakes from scratch.
		d.resetLocked()
		return fmt.Errorf("dtls write failed: %w", err)
	}
	return nil
}

func (d *DTLSChannel) dialLocked(ctx context.Context) error {
	dtlsConfig := &dtls.Config{
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, d.config.Timeout)
		},
	}

	if len(d.config.PSK) > 0 {
		psk := d.config.PSK
		dtlsConfig.PSK = func(hint []byte) ([]byte, error) {
			return psk, nil
		}
		dtlsConfig.PSKIdentityHint = []byte(d.config.PSKIdentity)
		dtlsConfig.CipherSuites = []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_GCM_SHA256}
	} else {
		cert, err := tls.LoadX509KeyPair(d.config.CertFile, d.config.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load certificate: %w", err)
		}
		dtlsConfig.Certificates = []tls.Certificate{cert}
	}

	addr, err := net.ResolveUDPAddr("udp", d.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", d.config.Address, err)
	}

	conn, err := dtls.Dial("udp", addr, dtlsConfig)
	if err != nil {
		return err
	}

	d.conn = conn
	d.logger.Info("dtls channel connected", "address", d.config.Address)
	return nil
}

func (d *DTLSChannel) resetLocked() {
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
}

func (d *DTLSChannel) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
	return nil
}
