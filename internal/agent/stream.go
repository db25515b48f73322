package agent

import (
	"strings"
	"sync"
)

// Stream is the host output surface for one request. Markdown carries the
// rendered response; Progress carries transient status lines the host may
// show in a spinner or status bar.
type Stream interface {
	Markdown(text string)
	Progress(message string)
}

// CaptureStream decorates a Stream: Markdown is forwarded to the inner stream
// and accumulated into a buffer, everything else passes through unchanged.
type CaptureStream struct {
	inner Stream
	mu    sync.Mutex
	buf   strings.Builder
}

// NewCaptureStream wraps inner. A nil inner stream is allowed; capture still
// works and forwarding becomes a no-op.
func NewCaptureStream(inner Stream) *CaptureStream {
	return &CaptureStream{inner: inner}
}

func (c *CaptureStream) Markdown(text string) {
	c.mu.Lock()
	c.buf.WriteString(text)
	c.mu.Unlock()
	if c.inner != nil {
		c.inner.Markdown(text)
	}
}

func (c *CaptureStream) Progress(message string) {
	if c.inner != nil {
		c.inner.Progress(message)
	}
}

// Captured returns everything written through Markdown so far.
func (c *CaptureStream) Captured() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// BufferStream collects output without forwarding anywhere. Used by tests and
// by collaboration rounds that only need the captured text.
type BufferStream struct {
	mu       sync.Mutex
	markdown strings.Builder
	progress []string
}

func (b *BufferStream) Markdown(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markdown.WriteString(text)
}

func (b *BufferStream) Progress(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.progress = append(b.progress, message)
}

// String returns the accumulated markdown.
func (b *BufferStream) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.markdown.String()
}

// ProgressLines returns the progress messages seen so far.
func (b *BufferStream) ProgressLines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.progress...)
}
