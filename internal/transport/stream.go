package transport

import (
	"bufio"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// Stream frames messages over a reader/writer pair. It backs the
// standard-stream binding and any in-process pipe.
type Stream struct {
	writer io.Writer
	closer io.Closer
	reader *bufio.Reader

	mu     sync.Mutex
	closed atomic.Bool
}

// NewStream creates a transport over separate read and write ends.
// closer, if non-nil, is closed exactly once by Close.
func NewStream(r io.Reader, w io.Writer, closer io.Closer) *Stream {
	return &Stream{
		writer: w,
		closer: closer,
		reader: bufio.NewReader(r),
	}
}

// NewStdio creates a transport over the current process's standard
// streams. Callers must not write anything else to stdout while the
// transport is live; diagnostics belong on stderr.
func NewStdio() *Stream {
	return NewStream(os.Stdin, os.Stdout, nil)
}

// NewRaw creates a transport over a combined read/write/close stream,
// such as an adapted websocket or a test pipe.
func NewRaw(rwc io.ReadWriteCloser) *Stream {
	return NewStream(rwc, rwc, rwc)
}

// Send writes one frame. Safe for concurrent use.
func (s *Stream) Send(f *Frame) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFrame(s.writer, f)
}

// Receive reads the next frame.
func (s *Stream) Receive() (*Frame, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return readFrame(s.reader)
}

// Close closes the underlying stream, if it is closable. Subsequent
// Send and Receive calls return ErrClosed.
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
