package server

import (
	"net"
	"sync"
)

// Conn is the write side of a session's transport. The TCP listener and the
// WebSocket bridge both produce one; the dispatcher only ever writes
// through it.
type Conn interface {
	// WriteString sends text to the peer exactly as given. Response lines
	// carry no trailing newline; message deliveries bring their own.
	WriteString(text string) error
	// Close closes the underlying connection. Safe to call more than once.
	Close() error
	// RemoteAddr returns the peer address the session is keyed by.
	RemoteAddr() string
}

// SafeConn wraps a net.Conn with automatic write synchronization.
//
// A session's own handler and broadcasts from other sessions may write to
// the same connection at the same time. Without synchronization their bytes
// interleave on the wire and garble the text protocol, so the raw conn is
// private and every write goes through the mutex.
type SafeConn struct {
	conn      net.Conn
	mu        sync.Mutex // Protects writes to conn
	closeOnce sync.Once
	closeErr  error
}

// NewSafeConn wraps a net.Conn with write synchronization
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{
		conn: conn,
	}
}

// WriteString sends text to the peer under the write lock.
func (sc *SafeConn) WriteString(text string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, err := sc.conn.Write([]byte(text))
	return err
}

// Close closes the underlying connection exactly once; later calls return
// the first result.
func (sc *SafeConn) Close() error {
	sc.closeOnce.Do(func() {
		sc.closeErr = sc.conn.Close()
	})
	return sc.closeErr
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() string {
	return sc.conn.RemoteAddr().String()
}
