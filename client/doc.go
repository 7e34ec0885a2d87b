/*
Package client connects the protocol core of package imap to a real
server: it owns the transport (plain, TLS, or STARTTLS-upgraded), the
capability cache, and the tagged-response correlator that transmits
encoded command segments, waits for continuation invites around
synchronous literals, and routes untagged response data back to the
caller. A convenience method surface (Login, Select, Fetch, ...) wraps
the correlator but contains no protocol-engine logic of its own.

One Client serves one connection, and one command may be in flight per
connection at a time. Long-polling via IDLE is entered and left through
Idle and IdleDone, keeping many idling connections alive concurrently
is the job of package idle.
*/
package client
