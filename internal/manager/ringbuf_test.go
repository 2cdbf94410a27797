package manager

import (
	"strconv"
	"testing"
)

func TestRingBuffer_TrimsToKeep(t *testing.T) {
	r := newRingBuffer()
	for i := 0; i < outputBufferCap; i++ {
		r.add(strconv.Itoa(i))
	}
	if n := len(r.snapshot()); n != outputBufferCap {
		t.Fatalf("want %d lines before overflow, got %d", outputBufferCap, n)
	}
	r.add("overflow")
	s := r.snapshot()
	if len(s) != outputBufferKeep {
		t.Fatalf("want %d after trim, got %d", outputBufferKeep, len(s))
	}
	if s[len(s)-1] != "overflow" || s[0] != "51" {
		t.Fatalf("unexpected window: first=%q last=%q", s[0], s[len(s)-1])
	}
	if got := r.tail(2); got != "99\noverflow" {
		t.Fatalf("tail: %q", got)
	}
}
