package bash

import (
	"strings"
	"sync"
)

// OutputBuffer accumulates one output stream of a process. It grows without
// bound for the life of the process; callers are expected to summarize and
// discard on their side.
type OutputBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

// Append adds a chunk to the buffer.
func (b *OutputBuffer) Append(data string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.WriteString(data)
}

// String returns the accumulated output.
func (b *OutputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Len returns the accumulated byte count.
func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
