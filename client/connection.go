package client

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"time"

	"crypto/tls"

	"github.com/go-pluto/imapclient/imap"
)

// Constants

const (
	// MaxLineLength bounds a single response line. RFC 3501 does not
	// specify one, but modern servers answer e.g. a large SEARCH on
	// one line, so the bound is generous.
	MaxLineLength = 1000000

	// MaxLiteralSize bounds a single literal payload. Message bodies
	// reach tens of megabytes, a declared size beyond this is taken
	// as a misframed or hostile length marker rather than allocated.
	MaxLiteralSize = 64 * 1024 * 1024

	// drainStep is the per-read deadline used while draining an
	// idling connection without blocking.
	drainStep = 10 * time.Millisecond

	// drainChunkSize is the read buffer size of one drain step.
	drainChunkSize = 4096
)

// Structs

// Connection carries the duplex byte stream between this client and
// one IMAP server, plain or TLS. It exposes the blocking line and
// literal reads the correlator needs plus the bounded non-blocking
// drain the IDLE multiplexer needs.
type Connection struct {
	conn   net.Conn
	reader *bufio.Reader
}

// Functions

// Dial opens a plain TCP connection to an IMAP server.
func Dial(addr string) (*Connection, error) {

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, &imap.TransportError{Op: "dial", Err: err}
	}

	return NewConnection(conn), nil
}

// DialTLS opens a TLS connection to an IMAP server.
func DialTLS(addr string, tlsConfig *tls.Config) (*Connection, error) {

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return nil, &imap.TransportError{Op: "dial", Err: err}
	}

	return NewConnection(conn), nil
}

// NewConnection wraps an already established network connection.
func NewConnection(conn net.Conn) *Connection {

	return &Connection{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// StartTLS upgrades the underlying connection in place after a
// successful STARTTLS exchange. The buffered reader is rebuilt so no
// plaintext bytes leak across the upgrade.
func (c *Connection) StartTLS(tlsConfig *tls.Config) error {

	tlsConn := tls.Client(c.conn, tlsConfig)

	if err := tlsConn.Handshake(); err != nil {
		return &imap.TransportError{Op: "starttls handshake", Err: err}
	}

	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)

	return nil
}

// ReceiveLine reads one CRLF-terminated response line and returns it
// without the terminator. Lines exceeding MaxLineLength and lines not
// ending in CRLF are protocol violations.
func (c *Connection) ReceiveLine() ([]byte, error) {

	var line []byte

	for {

		chunk, err := c.reader.ReadSlice('\n')
		line = append(line, chunk...)

		if len(line) > MaxLineLength {
			return nil, &imap.FramingError{Reason: "response line exceeds maximum length"}
		}

		if err == bufio.ErrBufferFull {
			continue
		}

		if err != nil {
			return nil, &imap.TransportError{Op: "read line", Err: err}
		}

		break
	}

	if !bytes.HasSuffix(line, []byte("\r\n")) {
		return nil, &imap.ProtocolError{Reason: "response line not terminated by CRLF"}
	}

	return line[:len(line)-2], nil
}

// ReadLiteral reads exactly n raw bytes following a literal-size
// marker. The payload may contain CR, LF and NUL bytes. Sizes above
// MaxLiteralSize are rejected before any allocation happens.
func (c *Connection) ReadLiteral(n uint64) ([]byte, error) {

	if n > MaxLiteralSize {
		return nil, &imap.FramingError{Reason: fmt.Sprintf("declared literal size %d exceeds maximum %d", n, MaxLiteralSize)}
	}

	buf := make([]byte, n)

	if _, err := io.ReadFull(c.reader, buf); err != nil {
		return nil, &imap.TransportError{Op: "read literal", Err: err}
	}

	return buf, nil
}

// Send writes raw bytes to the server.
func (c *Connection) Send(data []byte) error {

	if _, err := c.conn.Write(data); err != nil {
		return &imap.TransportError{Op: "write", Err: err}
	}

	return nil
}

// Drain reads all bytes currently available on the connection without
// blocking past a short deadline per read. A deadline expiry is the
// "no more data now" signal and is not an error, a peer shutdown is:
// it surfaces as a TransportError so callers never conflate the two.
// Drained bytes are consumed: a read may tear a line mid-flight, and
// the tail then arrives on the next blocking read, so callers must
// not hand the connection back to the correlator on the strength of a
// partially drained line.
func (c *Connection) Drain() ([]byte, error) {

	var drained []byte

	defer c.conn.SetReadDeadline(time.Time{})

	for {

		if err := c.conn.SetReadDeadline(time.Now().Add(drainStep)); err != nil {
			return drained, &imap.TransportError{Op: "set drain deadline", Err: err}
		}

		chunk := make([]byte, drainChunkSize)

		// Read through the buffered reader so drained bytes and
		// line reads stay ordered.
		n, err := c.reader.Read(chunk)
		if n > 0 {
			drained = append(drained, chunk[:n]...)
		}

		if err != nil {

			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				// No more data available right now.
				return drained, nil
			}

			return drained, &imap.TransportError{Op: "drain", Err: err}
		}
	}
}

// Close tears the connection down.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// RemoteAddr names the server side of the connection for logging.
func (c *Connection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
