package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
)

// RingBuffer holds the most recent log output for crash dumps. Records are
// newline-terminated JSON, so a dump starts at the first complete line.
type RingBuffer struct {
	mu     sync.Mutex
	data   []byte
	start  int // index of the oldest byte
	length int
	// lastDropped is the newest byte pushed out; '\n' means the oldest held
	// byte starts a record.
	lastDropped byte
}

// NewRingBuffer creates a ring buffer holding up to size bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 10 * 1024 * 1024
	}
	return &RingBuffer{data: make([]byte, size), lastDropped: '\n'}
}

// Write implements io.Writer. The oldest bytes are dropped to make room.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	capacity := len(rb.data)
	var skipped byte
	if n > capacity {
		skipped = p[n-capacity-1]
		p = p[n-capacity:]
	}
	for len(p) > 0 {
		end := (rb.start + rb.length) % capacity
		written := min(len(p), capacity-end)
		if over := rb.length + written - capacity; over > 0 {
			newStart := (rb.start + over) % capacity
			rb.lastDropped = rb.data[(newStart-1+capacity)%capacity]
			rb.start = newStart
			rb.length = capacity - written
		}
		copy(rb.data[end:], p[:written])
		rb.length += written
		p = p[written:]
	}
	if n > capacity {
		rb.lastDropped = skipped
	}
	return n, nil
}

// Len reports how many bytes are held.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.length
}

// Bytes returns the held bytes oldest first.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.snapshot()
}

func (rb *RingBuffer) snapshot() []byte {
	out := make([]byte, 0, rb.length)
	end := rb.start + rb.length
	if end <= len(rb.data) {
		return append(out, rb.data[rb.start:end]...)
	}
	out = append(out, rb.data[rb.start:]...)
	return append(out, rb.data[:end-len(rb.data)]...)
}

// Lines returns the held output minus a leading record cut by wraparound.
func (rb *RingBuffer) Lines() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	b := rb.snapshot()
	if rb.lastDropped == '\n' {
		return b
	}
	idx := bytes.IndexByte(b, '\n')
	if idx < 0 {
		return nil
	}
	return b[idx+1:]
}

// DumpToFile writes the complete records to path, owner-readable only. The
// file appears atomically so a half-written dump is never picked up.
func (rb *RingBuffer) DumpToFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".dump-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(rb.Lines()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
