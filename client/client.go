package client

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-pluto/imapclient/imap"
)

// Constants

// States a command passes through between transmission of its first
// segment and observation of its tagged completion.
const (
	commandSent commandState = iota
	commandAwaitingContinuation
	commandAwaitingCompletion
	commandDone
)

// Structs

// commandState tracks where an in-flight command stands.
type commandState int

// PendingCommand is the one command currently in flight on a
// connection. Untagged response data arriving during its lifetime
// accumulates here, grouped into the record sets of each logical
// response.
type PendingCommand struct {
	Tag      string
	Verb     string
	state    commandState
	Untagged [][]imap.Record
}

// Response carries a command's tagged completion together with the
// untagged data collected on the way there.
type Response struct {
	Status   string
	Text     string
	Untagged [][]imap.Record
}

// Client drives the command/response handshake on one connection:
// tag generation, segment transmission, continuation handling, and
// routing of untagged records. Exactly one command may be in flight
// at a time, the protocol's literal/continuation dance does not
// permit more.
type Client struct {
	logger  log.Logger
	conn    *Connection
	Caps    *Capabilities
	tags    *tagGenerator
	lock    *sync.Mutex
	pending *PendingCommand
	idleTag string

	// Untagged data that arrived between sending IDLE and the
	// server's invite belongs to the session and is handed to
	// IdleDone's response.
	idleUntagged [][]imap.Record

	aborted bool
}

// Functions

// NewClient wraps an established connection, consumes the server
// greeting, and records capabilities the greeting advertised.
func NewClient(conn *Connection, logger log.Logger) (*Client, error) {

	c := &Client{
		logger: logger,
		conn:   conn,
		Caps:   newCapabilities(),
		tags:   newTagGenerator(),
		lock:   new(sync.Mutex),
	}

	line, err := conn.ReceiveLine()
	if err != nil {
		return nil, err
	}

	if !bytes.HasPrefix(line, []byte("* ")) {
		return nil, &imap.ProtocolError{Reason: fmt.Sprintf("unexpected greeting '%s'", line)}
	}

	c.absorbResponseCode(string(line))

	level.Debug(logger).Log("msg", "connected", "server", conn.RemoteAddr(), "greeting", string(line[2:]))

	return c, nil
}

// Connect dials a server, plain TCP, and performs the greeting
// exchange.
func Connect(addr string, logger log.Logger) (*Client, error) {

	conn, err := Dial(addr)
	if err != nil {
		return nil, err
	}

	return NewClient(conn, logger)
}

// Execute runs one command to completion: encode, transmit segment by
// segment around continuation waits, collect untagged data, and
// correlate the tagged completion. A NO or BAD completion surfaces as
// a CommandError next to the response carrying the server's text.
func (c *Client) Execute(verb string, args ...imap.Argument) (*Response, error) {

	pending, err := c.begin(verb)
	if err != nil {
		return nil, err
	}
	defer c.finish()

	nonSync := c.Caps.Has("LITERAL+")
	segments := imap.EncodeCommand(pending.Tag, verb, args, nonSync)

	level.Debug(c.logger).Log("msg", "sending command", "tag", pending.Tag, "command", redact(verb))

	for _, segment := range segments {

		if err := c.conn.Send(segment.Data); err != nil {
			c.abort(err)
			return nil, err
		}

		if !segment.Sync {
			continue
		}

		// This segment ended in a synchronous literal-size
		// marker, the server must invite the payload first.
		pending.state = commandAwaitingContinuation

		if err := c.awaitContinuation(pending); err != nil {
			return nil, err
		}

		pending.state = commandSent
	}

	pending.state = commandAwaitingCompletion

	return c.awaitCompletion(pending)
}

// Idling reports whether the connection sits in IDLE mode.
func (c *Client) Idling() bool {

	c.lock.Lock()
	defer c.lock.Unlock()

	return c.idleTag != ""
}

// Drain hands through the connection's bounded non-blocking read for
// the IDLE multiplexer.
func (c *Client) Drain() ([]byte, error) {
	return c.conn.Drain()
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// begin registers a new pending command, enforcing the one-command
// exclusion invariant.
func (c *Client) begin(verb string) (*PendingCommand, error) {

	c.lock.Lock()
	defer c.lock.Unlock()

	if c.aborted {
		return nil, &imap.ProtocolError{Reason: "connection aborted by an earlier failure"}
	}

	if c.pending != nil {
		return nil, &imap.ProtocolError{Reason: fmt.Sprintf("command %s still in flight", c.pending.Verb)}
	}

	if c.idleTag != "" {
		return nil, &imap.ProtocolError{Reason: "connection is in IDLE mode, end it first"}
	}

	pending := &PendingCommand{
		Tag:   c.tags.Next(),
		Verb:  strings.ToUpper(verb),
		state: commandSent,
	}
	c.pending = pending

	return pending, nil
}

// finish clears the pending slot.
func (c *Client) finish() {

	c.lock.Lock()
	defer c.lock.Unlock()

	c.pending = nil
}

// abort marks the connection unusable after a fatal failure.
func (c *Client) abort(reason error) {

	c.lock.Lock()
	defer c.lock.Unlock()

	if c.aborted {
		return
	}

	c.aborted = true

	level.Error(c.logger).Log("msg", "connection aborted", "err", reason)
}

// awaitContinuation reads responses until the server's continuation
// invite arrives. Untagged data keeps accumulating, any tagged reply
// here means the server rejected the command before the literal and
// the framing of the remaining segments is unrecoverable.
func (c *Client) awaitContinuation(pending *PendingCommand) error {

	for {

		group, err := c.readRecordGroup()
		if err != nil {
			c.abort(err)
			return err
		}

		first := group[0].Text

		if len(first) > 0 && first[0] == '+' {
			return nil
		}

		if bytes.HasPrefix(first, []byte("* ")) {
			pending.Untagged = append(pending.Untagged, trimUntagged(group))
			continue
		}

		err = &imap.ProtocolError{
			Reason: fmt.Sprintf("unexpected reply '%s' while awaiting continuation", first),
		}
		c.abort(err)

		return err
	}
}

// awaitCompletion reads responses until the line correlating to the
// pending command's tag arrives and classifies everything else as
// untagged data.
func (c *Client) awaitCompletion(pending *PendingCommand) (*Response, error) {

	for {

		group, err := c.readRecordGroup()
		if err != nil {
			c.abort(err)
			return nil, err
		}

		first := group[0].Text

		if bytes.HasPrefix(first, []byte("* ")) {
			pending.Untagged = append(pending.Untagged, trimUntagged(group))
			continue
		}

		if len(first) > 0 && first[0] == '+' {
			err := &imap.ProtocolError{Reason: "unexpected continuation invite while awaiting completion"}
			c.abort(err)
			return nil, err
		}

		status, text, ok := c.matchTag(pending.Tag, first)
		if !ok {
			err := &imap.ProtocolError{Reason: fmt.Sprintf("reply '%s' does not match active tag %s", first, pending.Tag)}
			c.abort(err)
			return nil, err
		}

		pending.state = commandDone

		resp := &Response{
			Status:   status,
			Text:     text,
			Untagged: pending.Untagged,
		}

		if status != "OK" {
			return resp, &imap.CommandError{Verb: pending.Verb, Status: status, Text: text}
		}

		return resp, nil
	}
}

// readRecordGroup assembles the records of one logical response: a
// line ending in a literal-size marker is followed by the raw payload
// and by more text of the same response on the next line.
func (c *Client) readRecordGroup() ([]imap.Record, error) {

	var group []imap.Record

	for {

		line, err := c.conn.ReceiveLine()
		if err != nil {
			return nil, err
		}

		size, ok := trailingLiteralSize(line)
		if !ok {
			return append(group, imap.Record{Text: line}), nil
		}

		literal, err := c.conn.ReadLiteral(size)
		if err != nil {
			return nil, err
		}

		group = append(group, imap.Record{Text: line, Literal: literal})
	}
}

// matchTag splits a tagged completion line into status and remaining
// text, provided its leading token equals the active tag.
func (c *Client) matchTag(tag string, line []byte) (string, string, bool) {

	fields := strings.SplitN(string(line), " ", 3)
	if len(fields) < 2 || fields[0] != tag {
		return "", "", false
	}

	status := strings.ToUpper(fields[1])

	text := ""
	if len(fields) > 2 {
		text = fields[2]
	}

	// A completion may carry a capability response code.
	c.absorbResponseCode(text)

	return status, text, true
}

// absorbResponseCode picks a '[CAPABILITY ...]' response code out of a
// status line and refreshes the cache from it.
func (c *Client) absorbResponseCode(text string) {

	start := strings.Index(text, "[CAPABILITY ")
	if start < 0 {
		return
	}

	end := strings.Index(text[start:], "]")
	if end < 0 {
		return
	}

	tokens := strings.Fields(text[(start + len("[CAPABILITY ")):(start + end)])
	if len(tokens) > 0 {
		c.Caps.Update(tokens)
	}
}

// trailingLiteralSize recognizes a '{n}' or '{n+}' marker at the very
// end of a response line.
func trailingLiteralSize(line []byte) (uint64, bool) {

	if len(line) == 0 || line[len(line)-1] != '}' {
		return 0, false
	}

	open := bytes.LastIndexByte(line, '{')
	if open < 0 {
		return 0, false
	}

	num := line[(open + 1):(len(line) - 1)]
	if len(num) > 0 && num[len(num)-1] == '+' {
		num = num[:len(num)-1]
	}

	if len(num) == 0 {
		return 0, false
	}

	var size uint64
	for _, c := range num {

		if c < '0' || c > '9' {
			return 0, false
		}

		// Saturate instead of wrapping, the size bound of
		// ReadLiteral rejects the marker either way.
		if size > ((math.MaxUint64 - uint64(c-'0')) / 10) {
			return math.MaxUint64, true
		}

		size = (size * 10) + uint64(c-'0')
	}

	return size, true
}

// trimUntagged strips the leading star of an untagged response so the
// records parse straight into their payload atoms.
func trimUntagged(group []imap.Record) []imap.Record {

	out := make([]imap.Record, len(group))
	copy(out, group)

	out[0].Text = bytes.TrimPrefix(out[0].Text, []byte("* "))

	return out
}

// redact keeps credentials out of the logging facility.
func redact(verb string) string {

	upper := strings.ToUpper(verb)
	if upper == "LOGIN" || upper == "AUTHENTICATE" {
		return upper + " **REDACTED**"
	}

	return upper
}
