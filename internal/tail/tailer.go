// Package tail incrementally reads a single append-only log file,
// surviving rotation and lines split across reads. One Tailer owns one
// file; it keeps no goroutines and is driven entirely by Poll calls from
// a single caller.
package tail

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Result is the outcome of one poll.
type Result struct {
	// Lines holds the complete, non-blank lines read this poll, in file
	// order, without trailing newlines.
	Lines []string
	// Rotated is set when the file shrank below the stored offset and
	// reading restarted from the top of the new file.
	Rotated bool
}

// Tailer reads a log file incrementally. Not safe for concurrent use;
// the monitor loop is its single owner.
type Tailer struct {
	path  string
	state TailState
}

// NewTailer returns a tailer positioned at the start of path.
func NewTailer(path string) *Tailer {
	return &Tailer{
		path:  path,
		state: TailState{Path: path},
	}
}

// Restore resumes from a previously checkpointed state. A state recorded
// for a different path is ignored and Restore reports false.
func (t *Tailer) Restore(st TailState) bool {
	if st.Path != t.path {
		return false
	}
	t.state = st
	return true
}

// State returns the current read position for checkpointing.
func (t *Tailer) State() TailState {
	return t.state
}

// Poll reads everything appended since the previous poll and returns the
// complete lines found. A trailing fragment with no terminator is buffered
// and prepended to the next read, never emitted on its own. A file smaller
// than the stored offset is treated as rotated: position and buffered
// fragment are dropped and the new file is read from the top in the same
// call. A missing or unreadable file returns an empty result and an error
// wrapping ErrLogAccess; state is left untouched so the next poll retries.
func (t *Tailer) Poll() (Result, error) {
	var res Result

	f, err := os.Open(t.path)
	if err != nil {
		return res, fmt.Errorf("%w: open %s: %v", ErrLogAccess, t.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return res, fmt.Errorf("%w: stat %s: %v", ErrLogAccess, t.path, err)
	}

	if info.Size() < t.state.Offset {
		// The file shrank under us. The buffered fragment belonged to the
		// rotated-away file and can never be completed.
		t.state.Offset = 0
		t.state.Partial = ""
		res.Rotated = true
	}

	if info.Size() == t.state.Offset {
		return res, nil
	}

	if _, err := f.Seek(t.state.Offset, io.SeekStart); err != nil {
		return res, fmt.Errorf("%w: seek %s: %v", ErrLogAccess, t.path, err)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return res, fmt.Errorf("%w: read %s: %v", ErrLogAccess, t.path, err)
	}
	if len(data) == 0 {
		return res, nil
	}

	t.state.Offset += int64(len(data))

	segments := strings.Split(t.state.Partial+string(data), "\n")
	last := len(segments) - 1
	t.state.Partial = segments[last]

	for _, line := range segments[:last] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		res.Lines = append(res.Lines, line)
	}
	return res, nil
}
