package pipeline

import (
	"strings"
	"unicode/utf8"
)

const (
	// DefaultFlushBytes caps how much completion text accumulates before a
	// window is scanned regardless of sentence boundaries.
	DefaultFlushBytes = 512

	// minFlushBytes keeps windows above single-token size. Scanning a lone
	// token invites false negatives from truncation.
	minFlushBytes = 24
)

// Accumulator gathers streamed completion text into scannable windows. It is
// deliberately decoupled from the transport: callers feed it chunk text and
// ask when a window is ready.
type Accumulator struct {
	buf        strings.Builder
	flushBytes int
}

// NewAccumulator creates an accumulator flushing at flushBytes, or at
// DefaultFlushBytes when flushBytes is not positive.
func NewAccumulator(flushBytes int) *Accumulator {
	if flushBytes <= 0 {
		flushBytes = DefaultFlushBytes
	}
	return &Accumulator{flushBytes: flushBytes}
}

// Add appends chunk text to the current window.
func (a *Accumulator) Add(text string) {
	a.buf.WriteString(text)
}

// Len returns the size of the current window in bytes.
func (a *Accumulator) Len() int {
	return a.buf.Len()
}

// ShouldFlush reports whether the current window is ready to scan: either it
// reached the byte cap, or it ends at a sentence boundary and is no longer
// trivially small.
func (a *Accumulator) ShouldFlush() bool {
	n := a.buf.Len()
	if n == 0 {
		return false
	}
	if n >= a.flushBytes {
		return true
	}
	if n < minFlushBytes {
		return false
	}
	return endsAtBoundary(a.buf.String())
}

// Flush returns the current window and resets the accumulator.
func (a *Accumulator) Flush() string {
	s := a.buf.String()
	a.buf.Reset()
	return s
}

func endsAtBoundary(s string) bool {
	trimmed := strings.TrimRight(s, " \t")
	if trimmed == "" {
		return false
	}
	switch r, _ := utf8.DecodeLastRuneInString(trimmed); r {
	case '.', '!', '?', '\n', ':', ';':
		return true
	}
	return false
}
