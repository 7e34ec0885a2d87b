/*
Package imap implements the protocol core of an IMAP4rev1 client: the
response tokenizer, the recursive atom parser, the FETCH response
interpreter, and the command encoder.

Everything in this package is pure and connection-free. Responses enter as
Record values (one line of response text, optionally paired with the raw
literal payload that followed it on the wire) and leave as nested Atom
values. Commands enter as a verb plus arguments and leave as ordered wire
segments for the correlator in package client to transmit.

Errors returned from this package carry the distinction between conditions
that poison the connection and conditions that only fail the current
operation, see errors.go.

Please refer to https://tools.ietf.org/html/rfc3501 for the full
IMAP v4 rev1 RFC.
*/
package imap
