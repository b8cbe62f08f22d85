package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// CompressionType defines compression algorithms for archived segments.
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
)

// objectStore is the part of Client the archiver uses.
type objectStore interface {
	Upload(ctx context.Context, input *UploadInput) (*UploadOutput, error)
	Download(ctx context.Context, key string) (*DownloadOutput, error)
	List(ctx context.Context, prefix string, maxKeys int) ([]ObjectInfo, error)
}

// ArchiverConfig configures the segment archiver.
type ArchiverConfig struct {
	// Compression algorithm for uploaded segments.
	Compression CompressionType `json:"compression" yaml:"compression"`

	// KeyPrefix is prepended to segment keys, under the client prefix.
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// Timeout bounds a single background segment upload.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultArchiverConfig returns default archiver configuration.
func DefaultArchiverConfig() *ArchiverConfig {
	return &ArchiverConfig{
		Compression: CompressionGzip,
		KeyPrefix:   "segments",
		Timeout:     2 * time.Minute,
	}
}

// SegmentUpload describes an archived segment.
type SegmentUpload struct {
	SegmentPath  string `json:"segment_path"`
	Key          string `json:"key"`
	Size         int64  `json:"size"`
	OriginalSize int64  `json:"original_size"`
	Checksum     string `json:"checksum"`
}

type archiverMetrics struct {
	segmentsArchived atomic.Int64
	bytesRead        atomic.Int64
	bytesUploaded    atomic.Int64
	errors           atomic.Int64
}

// Archiver uploads sealed alert store segments together with their
// checksum sidecars. Each segment lands under
// {key_prefix}/{yyyy}/{mm}/{dd}/{filename}[.gz].
type Archiver struct {
	store   objectStore
	config  *ArchiverConfig
	logger  *slog.Logger
	metrics *archiverMetrics
	wg      sync.WaitGroup
}

// NewArchiver creates a new segment archiver.
func NewArchiver(client *Client, cfg *ArchiverConfig, logger *slog.Logger) *Archiver {
	if cfg == nil {
		cfg = DefaultArchiverConfig()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Archiver{
		store:   client,
		config:  cfg,
		logger:  logger,
		metrics: &archiverMetrics{},
	}
}

// ArchiveSegment uploads one sealed segment and its checksum sidecar.
// The checksum covers the uncompressed segment, so a restored copy can
// be verified after decompression.
func (a *Archiver) ArchiveSegment(ctx context.Context, segmentPath string) (*SegmentUpload, error) {
	data, err := os.ReadFile(segmentPath)
	if err != nil {
		a.metrics.errors.Add(1)
		return nil, fmt.Errorf("s3: failed to read segment: %w", err)
	}
	a.metrics.bytesRead.Add(int64(len(data)))

	checksum, err := segmentChecksum(segmentPath, data)
	if err != nil {
		a.metrics.errors.Add(1)
		return nil, err
	}

	baseKey := a.segmentKey(segmentPath)

	body := data
	key := baseKey
	contentType := "application/x-ndjson"
	if a.config.Compression == CompressionGzip {
		body, err = compressGzip(data)
		if err != nil {
			a.metrics.errors.Add(1)
			return nil, fmt.Errorf("s3: failed to compress segment: %w", err)
		}
		key += ".gz"
		contentType = "application/gzip"
	}

	out, err := a.store.Upload(ctx, &UploadInput{
		Key:         key,
		Body:        bytes.NewReader(body),
		ContentType: contentType,
		Metadata: map[string]string{
			"sha256":        checksum,
			"original-size": fmt.Sprintf("%d", len(data)),
		},
	})
	if err != nil {
		a.metrics.errors.Add(1)
		return nil, err
	}

	_, err = a.store.Upload(ctx, &UploadInput{
		Key:         baseKey + ".sha256",
		Body:        strings.NewReader(checksum),
		ContentType: "text/plain",
	})
	if err != nil {
		a.metrics.errors.Add(1)
		return nil, fmt.Errorf("s3: segment uploaded but sidecar failed: %w", err)
	}

	a.metrics.segmentsArchived.Add(1)
	a.metrics.bytesUploaded.Add(int64(len(body)))

	a.logger.Info("segment archived",
		"segment", filepath.Base(segmentPath),
		"key", out.Key,
		"size", len(body),
		"original_size", len(data),
	)

	return &SegmentUpload{
		SegmentPath:  segmentPath,
		Key:          key,
		Size:         int64(len(body)),
		OriginalSize: int64(len(data)),
		Checksum:     checksum,
	}, nil
}

// HandleSealed archives a segment in the background. It is shaped for
// the store's seal hook and never blocks the caller on the upload.
func (a *Archiver) HandleSealed(path string) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.config.Timeout)
		defer cancel()
		if _, err := a.ArchiveSegment(ctx, path); err != nil {
			a.logger.Warn("segment archive failed",
				"segment", filepath.Base(path),
				"error", err,
			)
		}
	}()
}

// Close waits for in-flight background uploads to finish.
func (a *Archiver) Close() error {
	a.wg.Wait()
	return nil
}

// Verify downloads an archived segment and checks it against its
// checksum sidecar. key is the segment object key without the client
// prefix, as returned by ArchiveSegment.
func (a *Archiver) Verify(ctx context.Context, key string) error {
	data, err := a.fetch(ctx, key)
	if err != nil {
		return err
	}

	if strings.HasSuffix(key, ".gz") {
		data, err = decompressGzip(data)
		if err != nil {
			return fmt.Errorf("s3: failed to decompress segment %s: %w", key, err)
		}
	}

	sidecarKey := strings.TrimSuffix(key, ".gz") + ".sha256"
	want, err := a.fetch(ctx, sidecarKey)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if got != strings.TrimSpace(string(want)) {
		return fmt.Errorf("s3: checksum mismatch for %s", key)
	}
	return nil
}

// SegmentsForDay lists archived segments for one day.
func (a *Archiver) SegmentsForDay(ctx context.Context, day time.Time) ([]ObjectInfo, error) {
	prefix := fmt.Sprintf("%s/%s/", a.config.KeyPrefix, day.UTC().Format("2006/01/02"))
	objects, err := a.store.List(ctx, prefix, 0)
	if err != nil {
		return nil, err
	}

	segments := objects[:0]
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".sha256") {
			segments = append(segments, obj)
		}
	}
	return segments, nil
}

// GetMetrics returns current archiver metrics.
func (a *Archiver) GetMetrics() ArchiverMetrics {
	return ArchiverMetrics{
		SegmentsArchived: a.metrics.segmentsArchived.Load(),
		BytesRead:        a.metrics.bytesRead.Load(),
		BytesUploaded:    a.metrics.bytesUploaded.Load(),
		Errors:           a.metrics.errors.Load(),
	}
}

// ArchiverMetrics contains archiver metrics.
type ArchiverMetrics struct {
	SegmentsArchived int64
	BytesRead        int64
	BytesUploaded    int64
	Errors           int64
}

func (a *Archiver) fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := a.store.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// segmentKey builds the object key for a segment. Store segments are
// named alerts-YYYY-MM-DD-<unix>.jsonl; the date folder comes from the
// name, falling back to the file mtime for anything else.
func (a *Archiver) segmentKey(segmentPath string) string {
	name := filepath.Base(segmentPath)
	date := segmentDate(segmentPath, name)
	return fmt.Sprintf("%s/%s/%s", a.config.KeyPrefix, date.UTC().Format("2006/01/02"), name)
}

func segmentDate(segmentPath, name string) time.Time {
	trimmed := strings.TrimPrefix(name, "alerts-")
	if len(trimmed) >= 10 {
		if t, err := time.Parse("2006-01-02", trimmed[:10]); err == nil {
			return t
		}
	}
	if info, err := os.Stat(segmentPath); err == nil {
		return info.ModTime()
	}
	return time.Now()
}

// segmentChecksum prefers the store's sidecar digest and computes one
// only when the sidecar is missing.
func segmentChecksum(segmentPath string, data []byte) (string, error) {
	sidecar, err := os.ReadFile(segmentPath + ".sha256")
	if err == nil {
		digest := strings.TrimSpace(string(sidecar))
		if digest != "" {
			return digest, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("s3: failed to read checksum sidecar: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressGzip(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}
