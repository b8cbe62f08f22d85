package tail

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// CheckpointStore persists tail positions across daemon restarts so a
// restart resumes where the previous run stopped instead of re-reading
// the whole file.
type CheckpointStore interface {
	// Load returns the saved state for path. The second return is false
	// when no checkpoint exists for that path.
	Load(path string) (TailState, bool, error)
	// Save records the state, replacing any previous checkpoint for the
	// same path.
	Save(st TailState) error
	Close() error
}

// FileCheckpoint keeps checkpoints in a single JSON file, rewritten
// atomically on every save.
type FileCheckpoint struct {
	path   string
	mu     sync.Mutex
	states map[string]TailState
}

// NewFileCheckpoint opens or creates the checkpoint file at path.
func NewFileCheckpoint(path string) (*FileCheckpoint, error) {
	fc := &FileCheckpoint{
		path:   path,
		states: make(map[string]TailState),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fc, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint file %s: %w", path, err)
	}
	if len(data) == 0 {
		return fc, nil
	}
	if err := json.Unmarshal(data, &fc.states); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint file %s: %w", path, err)
	}
	return fc, nil
}

func (fc *FileCheckpoint) Load(path string) (TailState, bool, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	st, ok := fc.states[path]
	return st, ok, nil
}

func (fc *FileCheckpoint) Save(st TailState) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	fc.states[st.Path] = st

	data, err := json.Marshal(fc.states)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(fc.path), 0o700); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp := fc.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmp, fc.path); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}

func (fc *FileCheckpoint) Close() error {
	return nil
}

// MemoryCheckpoint keeps checkpoints in process memory only. Used in
// tests and when persistence across restarts is not wanted.
type MemoryCheckpoint struct {
	mu     sync.Mutex
	states map[string]TailState
}

func NewMemoryCheckpoint() *MemoryCheckpoint {
	return &MemoryCheckpoint{states: make(map[string]TailState)}
}

func (mc *MemoryCheckpoint) Load(path string) (TailState, bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	st, ok := mc.states[path]
	return st, ok, nil
}

func (mc *MemoryCheckpoint) Save(st TailState) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.states[st.Path] = st
	return nil
}

func (mc *MemoryCheckpoint) Close() error {
	return nil
}
