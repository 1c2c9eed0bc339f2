package store

import "sync"

// TailBuffer is an io.Writer that keeps roughly the newest limit bytes
// written to it. It is safe for concurrent writes from a process's stdout
// and stderr.
type TailBuffer struct {
	mu        sync.Mutex
	limit     int
	buf       []byte
	truncated bool
}

// NewTailBuffer creates a TailBuffer holding at most limit bytes of output.
func NewTailBuffer(limit int) *TailBuffer { return &TailBuffer{limit: limit} }

func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > 2*b.limit {
		b.buf = append([]byte(nil), b.buf[len(b.buf)-b.limit:]...)
		b.truncated = true
	}
	return len(p), nil
}

// String returns the kept output, marked with TruncationMarker when older
// bytes were dropped.
func (b *TailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := string(b.buf)
	if b.truncated && len(s) <= b.limit {
		s = TruncationMarker + s
	}
	return TruncateOutput(s, b.limit)
}
