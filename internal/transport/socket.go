package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// Socket frames messages over a TCP connection.
type Socket struct {
	conn   net.Conn
	reader *bufio.Reader

	mu     sync.Mutex
	closed atomic.Bool
}

// Dial connects to a listening peer.
func Dial(ctx context.Context, host string, port int) (*Socket, error) {
	var d net.Dialer
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return FromConn(conn), nil
}

// FromConn wraps an already-established connection, typically one
// returned by a listener's Accept.
func FromConn(conn net.Conn) *Socket {
	return &Socket{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// RemoteAddr returns the peer address.
func (s *Socket) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Send writes one frame. Safe for concurrent use.
func (s *Socket) Send(f *Frame) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFrame(s.conn, f)
}

// Receive reads the next frame.
func (s *Socket) Receive() (*Frame, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return readFrame(s.reader)
}

// Close closes the connection. Subsequent Send and Receive calls
// return ErrClosed.
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}
