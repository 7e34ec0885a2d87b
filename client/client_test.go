package client_test

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-pluto/imapclient/client"
	"github.com/go-pluto/imapclient/imap"
	"github.com/stretchr/testify/assert"
)

// Functions

// newTestServer listens on a loopback port and runs the supplied
// scripted handler for the first accepted connection.
func newTestServer(t *testing.T, handler func(conn net.Conn, reader *bufio.Reader)) string {

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("could not open test listener: %v", err)
	}

	go func() {

		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer listener.Close()

		handler(conn, bufio.NewReader(conn))
	}()

	return listener.Addr().String()
}

// srvSend writes one CRLF-terminated line to the client under test.
func srvSend(conn net.Conn, line string) {
	fmt.Fprintf(conn, "%s\r\n", line)
}

// srvReadLine reads one command line from the client under test and
// returns it without the terminator.
func srvReadLine(t *testing.T, reader *bufio.Reader) string {

	line, err := reader.ReadString('\n')
	if err != nil {
		t.Errorf("test server failed to read command line: %v", err)
		return ""
	}

	return strings.TrimRight(line, "\r\n")
}

// srvTag extracts the client-chosen tag from a received command line.
func srvTag(line string) string {
	return strings.SplitN(line, " ", 2)[0]
}

// connect dials the test server and completes the greeting exchange.
func connect(t *testing.T, addr string) *client.Client {

	c, err := client.Connect(addr, log.NewNopLogger())
	if err != nil {
		t.Fatalf("could not connect to test server: %v", err)
	}

	return c
}

// TestGreetingCapabilities checks that capabilities advertised inside
// the greeting land in the cache.
func TestGreetingCapabilities(t *testing.T) {

	addr := newTestServer(t, func(conn net.Conn, reader *bufio.Reader) {
		srvSend(conn, "* OK [CAPABILITY IMAP4rev1 IDLE LITERAL+] server ready")
	})

	c := connect(t, addr)
	defer c.Close()

	assert.True(t, c.Caps.Has("IMAP4rev1"))
	assert.True(t, c.Caps.Has("idle"))
	assert.True(t, c.Caps.Has("LITERAL+"))
	assert.False(t, c.Caps.Has("ACL"))
}

// TestExecuteCollectsUntagged checks the plain correlator round trip:
// untagged data accumulates, the tagged line completes the command.
func TestExecuteCollectsUntagged(t *testing.T) {

	addr := newTestServer(t, func(conn net.Conn, reader *bufio.Reader) {

		srvSend(conn, "* OK ready")

		line := srvReadLine(t, reader)
		assert.True(t, strings.HasSuffix(line, " NOOP"))

		srvSend(conn, "* 23 EXISTS")
		srvSend(conn, "* 2 RECENT")
		srvSend(conn, fmt.Sprintf("%s OK NOOP completed", srvTag(line)))
	})

	c := connect(t, addr)
	defer c.Close()

	resp, err := c.Noop()
	assert.Nil(t, err)
	assert.Equal(t, "OK", resp.Status)
	assert.Equal(t, "NOOP completed", resp.Text)
	assert.Len(t, resp.Untagged, 2)
	assert.Equal(t, "23 EXISTS", string(resp.Untagged[0][0].Text))
	assert.Equal(t, "2 RECENT", string(resp.Untagged[1][0].Text))
}

// TestExecuteCommandFailure checks that a NO completion surfaces as a
// recoverable typed error and leaves the connection usable.
func TestExecuteCommandFailure(t *testing.T) {

	addr := newTestServer(t, func(conn net.Conn, reader *bufio.Reader) {

		srvSend(conn, "* OK ready")

		line := srvReadLine(t, reader)
		srvSend(conn, fmt.Sprintf("%s NO [ALERT] access denied", srvTag(line)))

		line = srvReadLine(t, reader)
		srvSend(conn, fmt.Sprintf("%s OK NOOP completed", srvTag(line)))
	})

	c := connect(t, addr)
	defer c.Close()

	resp, err := c.Execute("DELETE", imap.Plain("secret"))
	ce, ok := imap.IsCommandError(err)
	assert.True(t, ok, "expected a command error, got %v", err)
	assert.Equal(t, "NO", ce.Status)
	assert.Equal(t, "NO", resp.Status)
	assert.False(t, imap.IsFatal(err))

	// The connection survives a NO completion.
	resp, err = c.Noop()
	assert.Nil(t, err)
	assert.Equal(t, "OK", resp.Status)
}

// TestExecuteSynchronousLiteral checks the continuation dance: the
// client stops at the size marker, waits for the invite, then sends
// the raw payload and the rest of the line.
func TestExecuteSynchronousLiteral(t *testing.T) {

	received := make(chan []byte, 1)

	addr := newTestServer(t, func(conn net.Conn, reader *bufio.Reader) {

		srvSend(conn, "* OK ready")

		line := srvReadLine(t, reader)
		assert.True(t, strings.HasSuffix(line, " SEARCH TEXT {2}"), "unexpected line '%s'", line)

		srvSend(conn, "+ send literal")

		payload := make([]byte, 2)
		io.ReadFull(reader, payload)
		received <- payload

		rest := srvReadLine(t, reader)
		assert.Equal(t, " DELETED", rest)

		srvSend(conn, "* SEARCH 2 84")
		srvSend(conn, fmt.Sprintf("%s OK SEARCH completed", srvTag(line)))
	})

	c := connect(t, addr)
	defer c.Close()

	resp, err := c.Execute("SEARCH",
		imap.Plain("TEXT"),
		imap.LiteralArg([]byte{0xFE, 0xFF}),
		imap.Plain("DELETED"),
	)
	assert.Nil(t, err)
	assert.Equal(t, "OK", resp.Status)
	assert.Equal(t, []byte{0xFE, 0xFF}, <-received)
}

// TestExecuteNonSyncLiteral checks that a LITERAL+ server gets the
// payload without any continuation round trip.
func TestExecuteNonSyncLiteral(t *testing.T) {

	addr := newTestServer(t, func(conn net.Conn, reader *bufio.Reader) {

		srvSend(conn, "* OK [CAPABILITY IMAP4rev1 LITERAL+] ready")

		line := srvReadLine(t, reader)
		assert.True(t, strings.HasSuffix(line, " SEARCH {2+}"), "unexpected line '%s'", line)

		payload := make([]byte, 2)
		io.ReadFull(reader, payload)
		assert.Equal(t, []byte{0xFE, 0xFF}, payload)

		srvReadLine(t, reader)

		srvSend(conn, fmt.Sprintf("%s OK SEARCH completed", srvTag(line)))
	})

	c := connect(t, addr)
	defer c.Close()

	resp, err := c.Execute("SEARCH", imap.LiteralArg([]byte{0xFE, 0xFF}))
	assert.Nil(t, err)
	assert.Equal(t, "OK", resp.Status)
}

// TestExecuteContinuationRejected checks that a tagged reply while a
// continuation invite is awaited aborts the connection for good.
func TestExecuteContinuationRejected(t *testing.T) {

	addr := newTestServer(t, func(conn net.Conn, reader *bufio.Reader) {

		srvSend(conn, "* OK ready")

		line := srvReadLine(t, reader)
		srvSend(conn, fmt.Sprintf("%s NO literals not welcome", srvTag(line)))
	})

	c := connect(t, addr)
	defer c.Close()

	_, err := c.Execute("SEARCH", imap.LiteralArg([]byte("x")))
	assert.IsType(t, &imap.ProtocolError{}, err)
	assert.True(t, imap.IsFatal(err))

	// The connection stays aborted afterwards.
	_, err = c.Noop()
	assert.IsType(t, &imap.ProtocolError{}, err)
}

// TestFetchWithLiteral runs a full FETCH exchange whose response
// carries a body literal with embedded CRLF.
func TestFetchWithLiteral(t *testing.T) {

	body := "Subject: hi\r\n\r\nhello"

	addr := newTestServer(t, func(conn net.Conn, reader *bufio.Reader) {

		srvSend(conn, "* OK ready")

		line := srvReadLine(t, reader)
		assert.True(t, strings.HasSuffix(line, " UID FETCH 10 (UID BODY[])"), "unexpected line '%s'", line)

		fmt.Fprintf(conn, "* 1 FETCH (UID 10 BODY[] {%d}\r\n%s FLAGS (\\Seen))\r\n", len(body), body)
		srvSend(conn, fmt.Sprintf("%s OK FETCH completed", srvTag(line)))
	})

	c := connect(t, addr)
	defer c.Close()

	got, err := c.UIDFetch("10", []string{"UID", "BODY[]"})
	assert.Nil(t, err)

	assert.Len(t, got, 1)
	fields := got[10]
	assert.Equal(t, []byte(body), fields["BODY[]"])
	assert.Equal(t, uint64(1), fields["SEQ"])
	assert.NotContains(t, fields, "UID")
}

// TestSearchCommand checks identifier collection over the search
// wrapper, including the empty response.
func TestSearchCommand(t *testing.T) {

	addr := newTestServer(t, func(conn net.Conn, reader *bufio.Reader) {

		srvSend(conn, "* OK ready")

		line := srvReadLine(t, reader)
		srvSend(conn, "* SEARCH 4 8 15")
		srvSend(conn, fmt.Sprintf("%s OK SEARCH completed", srvTag(line)))

		line = srvReadLine(t, reader)
		srvSend(conn, "* SEARCH")
		srvSend(conn, fmt.Sprintf("%s OK SEARCH completed", srvTag(line)))
	})

	c := connect(t, addr)
	defer c.Close()

	got, err := c.Search("UNSEEN")
	assert.Nil(t, err)
	assert.Equal(t, []uint64{4, 8, 15}, got.IDs)

	got, err = c.Search("DELETED")
	assert.Nil(t, err)
	assert.Empty(t, got.IDs)
}

// TestSelectCommand checks mailbox status assembly from the untagged
// SELECT data.
func TestSelectCommand(t *testing.T) {

	addr := newTestServer(t, func(conn net.Conn, reader *bufio.Reader) {

		srvSend(conn, "* OK ready")

		line := srvReadLine(t, reader)
		assert.True(t, strings.HasSuffix(line, " SELECT \"INBOX\""), "unexpected line '%s'", line)

		srvSend(conn, "* 172 EXISTS")
		srvSend(conn, "* 1 RECENT")
		srvSend(conn, "* FLAGS (\\Answered \\Flagged \\Deleted \\Seen \\Draft)")
		srvSend(conn, "* OK [UIDVALIDITY 3857529045] UIDs valid")
		srvSend(conn, "* OK [UIDNEXT 4392] Predicted next UID")
		srvSend(conn, fmt.Sprintf("%s OK [READ-WRITE] SELECT completed", srvTag(line)))
	})

	c := connect(t, addr)
	defer c.Close()

	status, err := c.Select("INBOX")
	assert.Nil(t, err)
	assert.Equal(t, uint64(172), status.Exists)
	assert.Equal(t, uint64(1), status.Recent)
	assert.Equal(t, uint64(3857529045), status.UIDValidity)
	assert.Equal(t, uint64(4392), status.UIDNext)
	assert.Equal(t, []string{"\\Answered", "\\Flagged", "\\Deleted", "\\Seen", "\\Draft"}, status.Flags)
	assert.False(t, status.ReadOnly)
}

// TestIdleLifecycle drives the connection into IDLE mode, drains a
// pushed update, and ends the mode collecting the trailing untagged
// data.
func TestIdleLifecycle(t *testing.T) {

	addr := newTestServer(t, func(conn net.Conn, reader *bufio.Reader) {

		srvSend(conn, "* OK [CAPABILITY IMAP4rev1 IDLE] ready")

		line := srvReadLine(t, reader)
		assert.True(t, strings.HasSuffix(line, " IDLE"), "unexpected line '%s'", line)
		srvSend(conn, "+ idling")

		// Push an update while the client sits in IDLE mode.
		srvSend(conn, "* 3 EXISTS")

		done := srvReadLine(t, reader)
		assert.Equal(t, "DONE", done)

		srvSend(conn, "* 4 EXISTS")
		srvSend(conn, fmt.Sprintf("%s OK IDLE terminated", srvTag(line)))
	})

	c := connect(t, addr)
	defer c.Close()

	assert.Nil(t, c.Idle())
	assert.True(t, c.Idling())

	// No second command may start while idling.
	_, err := c.Noop()
	assert.IsType(t, &imap.ProtocolError{}, err)

	// The pushed update is drained without blocking.
	deadline := time.Now().Add(2 * time.Second)
	var drained []byte
	for len(drained) == 0 && time.Now().Before(deadline) {
		chunk, err := c.Drain()
		assert.Nil(t, err)
		drained = append(drained, chunk...)
	}
	assert.Contains(t, string(drained), "3 EXISTS")

	resp, err := c.IdleDone()
	assert.Nil(t, err)
	assert.False(t, c.Idling())
	assert.Equal(t, "OK", resp.Status)
	assert.Len(t, resp.Untagged, 1)
	assert.Equal(t, "4 EXISTS", string(resp.Untagged[0][0].Text))
}

// TestDrainDistinguishesEOF checks that a peer shutdown during a drain
// is not mistaken for "no more data now".
func TestDrainDistinguishesEOF(t *testing.T) {

	closed := make(chan struct{})

	addr := newTestServer(t, func(conn net.Conn, reader *bufio.Reader) {
		srvSend(conn, "* OK ready")
		conn.Close()
		close(closed)
	})

	c := connect(t, addr)
	defer c.Close()

	<-closed

	// Allow for the drain to observe the shutdown.
	deadline := time.Now().Add(2 * time.Second)
	var err error
	for err == nil && time.Now().Before(deadline) {
		_, err = c.Drain()
	}

	assert.IsType(t, &imap.TransportError{}, err)
}

// TestReceiveLineRequiresCRLF checks the line terminator rule of the
// wire grammar.
func TestReceiveLineRequiresCRLF(t *testing.T) {

	addr := newTestServer(t, func(conn net.Conn, reader *bufio.Reader) {
		fmt.Fprintf(conn, "* OK bare newline\n")
	})

	_, err := client.Connect(addr, log.NewNopLogger())
	assert.IsType(t, &imap.ProtocolError{}, err)
}

// TestLiteralSizeBound checks that an oversized or overflowing
// literal-size marker fails the exchange with a framing error instead
// of allocating, and that the desynchronized connection stays aborted.
func TestLiteralSizeBound(t *testing.T) {

	markers := []string{
		// One past the payload bound.
		fmt.Sprintf("{%d}", uint64(client.MaxLiteralSize)+1),
		// Would wrap past 64 bits while accumulating digits.
		"{18446744073709551615}",
		"{99999999999999999999999999}",
	}

	for _, marker := range markers {

		addr := newTestServer(t, func(conn net.Conn, reader *bufio.Reader) {

			srvSend(conn, "* OK ready")

			srvReadLine(t, reader)
			srvSend(conn, "* 1 FETCH (BODY[] "+marker)
		})

		c := connect(t, addr)

		_, err := c.Noop()
		assert.IsType(t, &imap.FramingError{}, err, "marker %s", marker)

		// The literal bytes were never consumed, the connection
		// must not be used again.
		_, err = c.Noop()
		assert.IsType(t, &imap.ProtocolError{}, err)

		c.Close()
	}
}

// TestResponseLineLengthBound checks that a response line beyond the
// maximum length is refused as a framing error.
func TestResponseLineLengthBound(t *testing.T) {

	addr := newTestServer(t, func(conn net.Conn, reader *bufio.Reader) {
		srvSend(conn, "* OK "+strings.Repeat("x", client.MaxLineLength))
	})

	_, err := client.Connect(addr, log.NewNopLogger())
	assert.IsType(t, &imap.FramingError{}, err)
}

// TestIdleKeepsUpdateBeforeInvite checks that an update racing the
// IDLE continuation invite is not lost but lands in the session's
// untagged data.
func TestIdleKeepsUpdateBeforeInvite(t *testing.T) {

	addr := newTestServer(t, func(conn net.Conn, reader *bufio.Reader) {

		srvSend(conn, "* OK ready")

		line := srvReadLine(t, reader)
		assert.True(t, strings.HasSuffix(line, " IDLE"), "unexpected line '%s'", line)

		// The update overtakes the continuation invite.
		srvSend(conn, "* 7 EXISTS")
		srvSend(conn, "+ idling")

		if srvReadLine(t, reader) == "DONE" {
			srvSend(conn, fmt.Sprintf("%s OK IDLE terminated", srvTag(line)))
		}
	})

	c := connect(t, addr)
	defer c.Close()

	assert.Nil(t, c.Idle())

	resp, err := c.IdleDone()
	assert.Nil(t, err)
	assert.Len(t, resp.Untagged, 1)
	assert.Equal(t, "7 EXISTS", string(resp.Untagged[0][0].Text))
}
