// Package transport frames messages over byte streams.
//
// A frame is an HTTP-style header block terminated by a blank line,
// followed by a JSON body of exactly Content-Length bytes. The same
// framing serves every binding (standard streams, TCP sockets,
// websockets), so the connection layer above is binding-agnostic.
package transport

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MaxContentLength bounds a single frame body (10 MiB). A peer
// announcing more than this is treated as a fatal framing error.
const MaxContentLength = 10 * 1024 * 1024

// Errors reported by frame parsing. All framing errors are fatal for
// the connection: once header state is corrupt the stream cannot be
// resynchronized.
var (
	// ErrClosed indicates the transport has been closed.
	ErrClosed = errors.New("transport closed")

	// ErrMissingLength indicates a frame without a Content-Length header.
	ErrMissingLength = errors.New("missing Content-Length header")

	// ErrTooLarge indicates a frame body over MaxContentLength.
	ErrTooLarge = errors.New("frame exceeds maximum content length")
)

// Transport carries discrete frames in both directions. Send may be
// called from multiple goroutines; Receive must only be called from a
// single reader. Close is idempotent and unblocks a pending Receive.
type Transport interface {
	// Send writes one frame.
	Send(f *Frame) error

	// Receive blocks until the next frame or a transport failure.
	Receive() (*Frame, error)

	// Close tears down the underlying stream.
	Close() error
}

// Frame is one length-delimited message on the wire.
type Frame struct {
	// ContentLength is the body length in bytes.
	ContentLength int

	// ContentType is the optional MIME type header.
	ContentType string

	// Content is the JSON body.
	Content json.RawMessage
}

// NewFrame wraps a JSON body in a frame.
func NewFrame(content json.RawMessage) *Frame {
	return &Frame{ContentLength: len(content), Content: content}
}

// writeFrame writes headers and body to w. The Content-Length written
// is always the actual body length.
func writeFrame(w io.Writer, f *Frame) error {
	if len(f.Content) > MaxContentLength {
		return fmt.Errorf("write frame: %w", ErrTooLarge)
	}

	headers := fmt.Sprintf("Content-Length: %d\r\n", len(f.Content))
	if f.ContentType != "" {
		headers += fmt.Sprintf("Content-Type: %s\r\n", f.ContentType)
	}
	headers += "\r\n"

	if _, err := w.Write([]byte(headers)); err != nil {
		return fmt.Errorf("write headers: %w", err)
	}
	if _, err := w.Write(f.Content); err != nil {
		return fmt.Errorf("write content: %w", err)
	}
	return nil
}

// readFrame reads one frame from r. Header names are case-insensitive;
// unknown headers are ignored.
func readFrame(r *bufio.Reader) (*Frame, error) {
	var contentLength int
	var contentType string

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("invalid header line %q", line)
		}
		value = strings.TrimSpace(value)

		switch strings.ToLower(name) {
		case "content-length":
			length, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid content length %q: %w", value, err)
			}
			if length < 0 || length > MaxContentLength {
				return nil, fmt.Errorf("content length %d: %w", length, ErrTooLarge)
			}
			contentLength = length
		case "content-type":
			contentType = value
		}
	}

	if contentLength == 0 {
		return nil, ErrMissingLength
	}

	content := make([]byte, contentLength)
	if _, err := io.ReadFull(r, content); err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}

	return &Frame{
		ContentLength: contentLength,
		ContentType:   contentType,
		Content:       content,
	}, nil
}
