package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/zx159753/kernel-audit-system/internal/schema"
)

// Common errors.
var (
	ErrStoreClosed      = errors.New("alert store is closed")
	ErrTamperDetected   = errors.New("alert store tampering detected")
	ErrChainBroken      = errors.New("alert chain integrity broken")
	ErrSequenceGap      = errors.New("sequence gap detected in alert store")
	ErrInvalidSignature = errors.New("invalid record signature")
	ErrChecksumMismatch = errors.New("segment checksum mismatch")
)

// Config configures the alert store.
type Config struct {
	// Dir is the directory holding the store segments.
	Dir string

	// MaxFileSize is the segment size that triggers rotation.
	MaxFileSize int64

	// MaxFileAge rotates a segment that has been open this long even if
	// it is still small. Zero disables age-based rotation.
	MaxFileAge time.Duration

	// KeyPath is the master key file. Empty means Dir/.auditmon.key.
	KeyPath string

	// OnSeal is called with the path of each sealed segment after its
	// checksum sidecar is written. Optional; used to hand segments to the
	// archiver.
	OnSeal func(path string)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Dir:         "/var/lib/auditmon",
		MaxFileSize: 100 * 1024 * 1024,
		MaxFileAge:  24 * time.Hour,
	}
}

// Store is an append-only, tamper-evident alert store. Every append is
// signed into the hash chain and synced to disk before Append returns, so
// an acknowledged alert survives a crash. One record per call, records
// are never updated in place.
type Store struct {
	mu sync.Mutex

	config     *Config
	signingKey []byte
	logger     *slog.Logger

	sequence     uint64
	previousHash string
	currentFile  *os.File
	currentPath  string
	currentSize  int64
	openedAt     time.Time

	closed atomic.Bool

	written uint64
	errs    uint64
}

// NewStore opens the store at cfg.Dir, deriving the signing key and
// recovering the chain position from any existing segments.
func NewStore(cfg *Config, logger *slog.Logger) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	keyPath := cfg.KeyPath
	if keyPath == "" {
		keyPath = filepath.Join(cfg.Dir, ".auditmon.key")
	}
	master, err := loadOrGenerateMasterKey(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize master key: %w", err)
	}
	signingKey, err := deriveSigningKey(master)
	if err != nil {
		return nil, fmt.Errorf("failed to derive signing key: %w", err)
	}

	s := &Store{
		config:       cfg,
		signingKey:   signingKey,
		logger:       logger,
		previousHash: genesisHash(),
	}

	if err := s.recoverState(); err != nil {
		logger.Warn("failed to recover store state", "error", err)
	}

	if err := s.openSegment(); err != nil {
		return nil, fmt.Errorf("failed to open store segment: %w", err)
	}

	logger.Info("alert store opened",
		"dir", cfg.Dir,
		"sequence", s.sequence)

	return s, nil
}

// loadOrGenerateMasterKey loads the 32-byte master key, creating it on
// first run with owner-only permissions.
func loadOrGenerateMasterKey(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) == 32 {
		return data, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0o400); err != nil {
		return nil, err
	}
	return key, nil
}

// deriveSigningKey expands the master key into the HMAC signing key. The
// master key never signs records directly, so it can later be rotated
// into other roles without exposing past signatures.
func deriveSigningKey(master []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, master, []byte("auditmon-store-v1"), []byte("alert-signing"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func genesisHash() string {
	h := sha256.New()
	h.Write([]byte("auditmon-alert-genesis-v1"))
	return hex.EncodeToString(h.Sum(nil))
}

// segmentPattern matches store segments within a directory.
const segmentPattern = "alerts-*.jsonl"

func segmentFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, segmentPattern))
	if err != nil {
		return nil, err
	}
	// Names embed date and unix seconds, so lexical order is write order.
	sort.Strings(files)
	return files, nil
}

// recoverState resumes the sequence and chain head from existing segments.
func (s *Store) recoverState() error {
	files, err := segmentFiles(s.config.Dir)
	if err != nil || len(files) == 0 {
		return err
	}

	last, err := readLastRecord(files[len(files)-1])
	if err != nil {
		return err
	}
	if last != nil {
		s.sequence = last.Sequence
		s.previousHash = last.EntryHash
	}
	return nil
}

// readLastRecord scans a segment backwards in chunks for its final line.
func readLastRecord(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if stat.Size() == 0 {
		return nil, nil
	}

	buf := make([]byte, 8192)
	var lastLine string

	for offset := stat.Size(); offset > 0; {
		readSize := int64(len(buf))
		if offset < readSize {
			readSize = offset
		}
		offset -= readSize

		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, err
		}
		n, err := f.Read(buf[:readSize])
		if err != nil && err != io.EOF {
			return nil, err
		}

		lines := strings.Split(string(buf[:n]), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			if line := strings.TrimSpace(lines[i]); line != "" {
				lastLine = line
				break
			}
		}
		if lastLine != "" {
			break
		}
	}

	if lastLine == "" {
		return nil, nil
	}

	var rec Record
	if err := json.Unmarshal([]byte(lastLine), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// openSegment opens the newest segment for appending, or starts a fresh
// one. Segment names embed date and unix seconds so they sort in write
// order.
func (s *Store) openSegment() error {
	if s.currentFile != nil {
		s.currentFile.Close()
	}

	files, err := segmentFiles(s.config.Dir)
	if err != nil {
		return err
	}

	var path string
	if len(files) > 0 {
		path = files[len(files)-1]
		// A sealed segment already has its checksum sidecar; appending
		// would invalidate the seal. Start a new segment instead.
		if _, err := os.Stat(path + ".sha256"); err == nil {
			path = s.freshSegmentPath()
		}
	} else {
		path = s.freshSegmentPath()
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	s.currentFile = f
	s.currentPath = path
	s.currentSize = stat.Size()
	s.openedAt = time.Now()
	return nil
}

// freshSegmentPath returns a segment path that does not exist yet.
// Rotations within the same second extend the name; the extra suffix keeps
// lexical order equal to write order.
func (s *Store) freshSegmentPath() string {
	now := time.Now()
	name := fmt.Sprintf("alerts-%s-%d.jsonl", now.Format("2006-01-02"), now.Unix())
	path := filepath.Join(s.config.Dir, name)
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = strings.TrimSuffix(path, ".jsonl") + "a.jsonl"
	}
}

// Append persists one alert as one record. The record is signed, written
// and synced before Append returns; a nil error means the alert is on
// disk.
func (s *Store) Append(alert *schema.Alert) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sequence++

	rec := newRecord(alert)
	rec.Sequence = s.sequence
	rec.PreviousHash = s.previousHash
	rec.Sign(s.signingKey)

	if err := s.writeLocked(rec); err != nil {
		// Roll the chain position back so the next append re-uses the
		// sequence the failed record never occupied.
		s.sequence--
		atomic.AddUint64(&s.errs, 1)
		return err
	}

	s.previousHash = rec.EntryHash
	atomic.AddUint64(&s.written, 1)
	return nil
}

func (s *Store) writeLocked(rec *Record) error {
	if s.currentSize >= s.config.MaxFileSize ||
		(s.config.MaxFileAge > 0 && time.Since(s.openedAt) >= s.config.MaxFileAge) {
		if err := s.rotateLocked(); err != nil {
			s.logger.Error("failed to rotate alert store segment", "error", err)
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	data = append(data, '\n')

	n, err := s.currentFile.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := s.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync record: %w", err)
	}

	s.currentSize += int64(n)
	return nil
}

// rotateLocked seals the current segment and opens a fresh one.
func (s *Store) rotateLocked() error {
	sealed := s.currentPath

	if s.currentFile != nil {
		s.currentFile.Sync()
		s.currentFile.Close()
		s.currentFile = nil

		if err := writeSegmentChecksum(sealed); err != nil {
			s.logger.Warn("failed to write segment checksum", "path", sealed, "error", err)
		}
	}

	path := s.freshSegmentPath()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	s.currentFile = f
	s.currentPath = path
	s.currentSize = 0
	s.openedAt = time.Now()

	s.logger.Info("alert store segment sealed", "sealed", sealed, "current", path)

	if s.config.OnSeal != nil && sealed != "" {
		s.config.OnSeal(sealed)
	}
	return nil
}

// writeSegmentChecksum writes a .sha256 sidecar for a sealed segment.
func writeSegmentChecksum(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	return os.WriteFile(path+".sha256", []byte(hex.EncodeToString(h.Sum(nil))), 0o600)
}

// VerifyIntegrity walks every segment in order and checks signatures,
// chain links, sequence continuity and sealed-segment checksums.
func (s *Store) VerifyIntegrity(ctx context.Context) error {
	files, err := segmentFiles(s.config.Dir)
	if err != nil {
		return err
	}

	var last *Record
	for _, file := range files {
		records, err := ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}

		for _, rec := range records {
			if !rec.Verify(s.signingKey) {
				return fmt.Errorf("%w at sequence %d in %s", ErrInvalidSignature, rec.Sequence, file)
			}
			if last != nil {
				if rec.PreviousHash != last.EntryHash {
					return fmt.Errorf("%w at sequence %d in %s", ErrChainBroken, rec.Sequence, file)
				}
				if rec.Sequence != last.Sequence+1 {
					return fmt.Errorf("%w: expected %d, got %d in %s",
						ErrSequenceGap, last.Sequence+1, rec.Sequence, file)
				}
			} else if rec.Sequence == 1 && rec.PreviousHash != genesisHash() {
				return fmt.Errorf("%w: first record does not chain from genesis", ErrChainBroken)
			}
			last = rec
		}

		checksumPath := file + ".sha256"
		if _, err := os.Stat(checksumPath); err == nil {
			if err := verifySegmentChecksum(file, checksumPath); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func verifySegmentChecksum(path, checksumPath string) error {
	expected, err := os.ReadFile(checksumPath)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	if string(expected) != hex.EncodeToString(h.Sum(nil)) {
		return fmt.Errorf("%w for %s", ErrChecksumMismatch, path)
	}
	return nil
}

// ReadAll returns every record across all segments in append order.
func (s *Store) ReadAll(ctx context.Context) ([]*Record, error) {
	return ReadDir(ctx, s.config.Dir)
}

// ReadDir reads every record under dir in append order. It needs no key:
// reading is open, only verification requires the signing key.
func ReadDir(ctx context.Context, dir string) ([]*Record, error) {
	files, err := segmentFiles(dir)
	if err != nil {
		return nil, err
	}

	var all []*Record
	for _, file := range files {
		records, err := ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		all = append(all, records...)

		select {
		case <-ctx.Done():
			return all, ctx.Err()
		default:
		}
	}
	return all, nil
}

// ReadFile reads all records from one segment, skipping lines that do not
// parse. A torn final line from a crash must not hide the records before
// it.
func ReadFile(path string) ([]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []*Record
	decoder := json.NewDecoder(f)
	for {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			if err == io.EOF {
				break
			}
			break
		}
		records = append(records, &rec)
	}
	return records, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.config.Dir
}

// Metrics contains store statistics.
type Metrics struct {
	Written  uint64
	Errors   uint64
	Sequence uint64
}

// Metrics returns counters for the current process.
func (s *Store) Metrics() Metrics {
	s.mu.Lock()
	seq := s.sequence
	s.mu.Unlock()
	return Metrics{
		Written:  atomic.LoadUint64(&s.written),
		Errors:   atomic.LoadUint64(&s.errs),
		Sequence: seq,
	}
}

// Close seals the current segment and closes the store.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentFile != nil {
		s.currentFile.Sync()
		s.currentFile.Close()
		s.currentFile = nil

		if err := writeSegmentChecksum(s.currentPath); err != nil {
			s.logger.Warn("failed to write segment checksum", "path", s.currentPath, "error", err)
		}
		if s.config.OnSeal != nil {
			s.config.OnSeal(s.currentPath)
		}
	}

	s.logger.Info("alert store closed",
		"written", atomic.LoadUint64(&s.written),
		"errors", atomic.LoadUint64(&s.errs))
	return nil
}
