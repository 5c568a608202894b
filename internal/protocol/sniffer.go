package protocol

import (
	"bufio"
	"bytes"
	"net"
	"time"
)

// SniffConn wraps a connection with protocol sniffing capability.
// Reads go through a bufio.Reader, so small header reads do not each cost a syscall.
type SniffConn struct {
	Conn net.Conn
	br   *bufio.Reader
}

// NewSniffConn creates a new SniffConn
func NewSniffConn(conn net.Conn) *SniffConn {
	return &SniffConn{
		Conn: conn,
		br:   bufio.NewReader(conn),
	}
}

// Sniff detects the protocol type by peeking at the first 4 bytes
func (s *SniffConn) Sniff() (ProtocolType, error) {
	peeked, err := s.br.Peek(4)
	if err != nil {
		return ProtocolUnknown, err
	}

	if bytes.Equal(peeked, Magic[:]) {
		return ProtocolPiece, nil
	}

	// Plain HTTP requests on the piece port are answered with pool stats
	if bytes.HasPrefix(peeked, []byte("GET ")) ||
		bytes.HasPrefix(peeked, []byte("HEAD")) {
		return ProtocolHTTP, nil
	}

	return ProtocolUnknown, nil
}

// Reader returns the buffered reader, for parsers that need one (http.ReadRequest)
func (s *SniffConn) Reader() *bufio.Reader {
	return s.br
}

// Read implements io.Reader
func (s *SniffConn) Read(p []byte) (n int, err error) {
	return s.br.Read(p)
}

// Write implements io.Writer
func (s *SniffConn) Write(p []byte) (n int, err error) {
	return s.Conn.Write(p)
}

// Close closes the connection
func (s *SniffConn) Close() error {
	return s.Conn.Close()
}

// RemoteAddr returns the remote address
func (s *SniffConn) RemoteAddr() net.Addr {
	return s.Conn.RemoteAddr()
}

// SetReadDeadline sets the read deadline
func (s *SniffConn) SetReadDeadline(t time.Time) error {
	return s.Conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline
func (s *SniffConn) SetWriteDeadline(t time.Time) error {
	return s.Conn.SetWriteDeadline(t)
}
