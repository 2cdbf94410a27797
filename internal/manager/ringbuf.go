package manager

import "strings"

// Ring buffer bounds for captured process output.
const (
	outputBufferCap  = 100
	outputBufferKeep = 50
)

// ringBuffer keeps recent output lines. When it reaches cap it is trimmed to
// the last keep entries. Not safe for concurrent use; ProcessEntry guards it.
type ringBuffer struct {
	lines []string
	cap   int
	keep  int
}

func newRingBuffer() *ringBuffer {
	return &ringBuffer{cap: outputBufferCap, keep: outputBufferKeep}
}

func (r *ringBuffer) add(line string) {
	r.lines = append(r.lines, line)
	if len(r.lines) > r.cap {
		tail := make([]string, r.keep)
		copy(tail, r.lines[len(r.lines)-r.keep:])
		r.lines = tail
	}
}

func (r *ringBuffer) snapshot() []string {
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// tail returns the last n lines joined by newlines.
func (r *ringBuffer) tail(n int) string {
	if n > len(r.lines) {
		n = len(r.lines)
	}
	return strings.Join(r.lines[len(r.lines)-n:], "\n")
}
