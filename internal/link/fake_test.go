package link

import (
	"testing"
	"time"
)

// fakePort is a scripted Port. Each Read returns the next entry of reads,
// then (0, nil) once they run out.
type fakePort struct {
	reads    [][]byte
	readErr  error
	written  []byte
	writeErr error
	// timeouts makes the next n writes report ErrWriteTimeout.
	timeouts int
	// accept caps how many bytes one Write takes; 0 means all.
	accept int

	// ReadFunc overrides the scripted reads.
	ReadFunc func(p []byte) (int, error)

	closed        bool
	inputFlushed  bool
	outputFlushed bool
}

func (f *fakePort) Read(p []byte) (int, error) {
	if f.ReadFunc != nil {
		return f.ReadFunc(p)
	}
	if f.readErr != nil {
		return 0, f.readErr
	}
	if len(f.reads) == 0 {
		return 0, nil
	}
	n := copy(p, f.reads[0])
	if n < len(f.reads[0]) {
		f.reads[0] = f.reads[0][n:]
	} else {
		f.reads = f.reads[1:]
	}
	return n, nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	if f.timeouts > 0 {
		f.timeouts--
		return 0, ErrWriteTimeout
	}
	n := len(p)
	if f.accept > 0 && n > f.accept {
		n = f.accept
	}
	f.written = append(f.written, p[:n]...)
	return n, nil
}

func (f *fakePort) ResetInputBuffer() error  { f.inputFlushed = true; return nil }
func (f *fakePort) ResetOutputBuffer() error { f.outputFlushed = true; return nil }
func (f *fakePort) Close() error             { f.closed = true; return nil }

// fakeClock is a manually advanced time source.
type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time      { return c.t }
func (c *fakeClock) add(d time.Duration) { c.t = c.t.Add(d) }

// newTestEngine returns an Engine attached to port with a manual clock.
func newTestEngine(cfg Config, port Port) (*Engine, *fakeClock) {
	e := New(cfg)
	clk := newFakeClock()
	e.now = clk.now
	e.Attach("test", port)
	return e, clk
}

// checkInvariant fails the test if the queue cursor escaped its buffer.
func checkInvariant(t *testing.T, e *Engine) {
	t.Helper()
	if e.queue.index < 0 || e.queue.index > len(e.queue.buf) {
		t.Fatalf("cursor %d outside buffer of %d bytes", e.queue.index, len(e.queue.buf))
	}
}
