package tail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrKeyNotFound is returned by KVClient.Get for an absent key.
var ErrKeyNotFound = errors.New("key not found")

// KVClient is the slice of a key-value store the redis checkpoint needs.
type KVClient interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// RedisCheckpointConfig configures the redis-backed checkpoint store.
type RedisCheckpointConfig struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// GoRedisKV wraps the go-redis client to implement KVClient.
type GoRedisKV struct {
	client *redis.Client
}

// NewGoRedisKV connects to Redis and verifies the connection with a ping.
func NewGoRedisKV(cfg RedisCheckpointConfig) (*GoRedisKV, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &GoRedisKV{client: client}, nil
}

func (g *GoRedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := g.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return []byte(val), nil
}

func (g *GoRedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.client.Set(ctx, key, value, ttl).Err()
}

func (g *GoRedisKV) Close() error {
	return g.client.Close()
}

const defaultCheckpointPrefix = "auditmon:checkpoint:"

// RedisCheckpoint stores one JSON-encoded TailState per monitored path
// under a prefixed key. Useful when the daemon's own disk is not trusted
// to survive reprovisioning.
type RedisCheckpoint struct {
	client KVClient
	prefix string
}

// NewRedisCheckpoint dials Redis with cfg and returns a checkpoint store
// over the connection.
func NewRedisCheckpoint(cfg RedisCheckpointConfig) (*RedisCheckpoint, error) {
	client, err := NewGoRedisKV(cfg)
	if err != nil {
		return nil, err
	}
	return NewRedisCheckpointWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisCheckpointWithClient builds a checkpoint store over an existing
// client. Tests pass a MockKV here.
func NewRedisCheckpointWithClient(client KVClient, prefix string) *RedisCheckpoint {
	if prefix == "" {
		prefix = defaultCheckpointPrefix
	}
	return &RedisCheckpoint{client: client, prefix: prefix}
}

func (rc *RedisCheckpoint) Load(path string) (TailState, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := rc.client.Get(ctx, rc.prefix+path)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return TailState{}, false, nil
		}
		return TailState{}, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var st TailState
	if err := json.Unmarshal(data, &st); err != nil {
		return TailState{}, false, fmt.Errorf("corrupt checkpoint for %s: %w", path, err)
	}
	return st, true, nil
}

func (rc *RedisCheckpoint) Save(st TailState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rc.client.Set(ctx, rc.prefix+st.Path, data, 0); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (rc *RedisCheckpoint) Close() error {
	return rc.client.Close()
}

// MockKV is an in-memory KVClient for testing.
type MockKV struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

func NewMockKV() *MockKV {
	return &MockKV{data: make(map[string][]byte)}
}

func (m *MockKV) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, errors.New("client closed")
	}
	val, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return val, nil
}

func (m *MockKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("client closed")
	}
	m.data[key] = value
	return nil
}

func (m *MockKV) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
