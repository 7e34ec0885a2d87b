package imap

import (
	"strconv"
)

// Structs

// Argument is one command argument: plain bytes that become part of
// the command line, or literal content that is framed as a
// length-prefixed payload and is never quoted or escaped.
type Argument struct {
	Data    []byte
	Literal bool
}

// Segment is one wire unit of an encoded command. Data is transmitted
// as-is. If Sync is true the segment ends in a synchronous
// literal-size marker and the sender must wait for the server's
// continuation reply before transmitting the next segment.
type Segment struct {
	Data []byte
	Sync bool
}

// Functions

// Plain wraps a string as a plain command argument.
func Plain(s string) Argument {
	return Argument{Data: []byte(s)}
}

// PlainBytes wraps raw bytes as a plain command argument.
func PlainBytes(b []byte) Argument {
	return Argument{Data: b}
}

// LiteralArg wraps content that must be transmitted as a literal
// regardless of what it contains.
func LiteralArg(b []byte) Argument {
	return Argument{Data: b, Literal: true}
}

// EncodeCommand serializes a tagged command into wire segments. The
// argument scan runs left to right: plain arguments accumulate into
// the current text segment, and each literal closes that segment with
// a '{n}' size marker (or '{n+}' when the server supports
// non-synchronizing literals), emits the raw payload as its own
// segment, and opens a fresh text segment. Arguments holding bytes
// unsafe on a command line (8-bit, CR, LF, NUL) are promoted to
// literals so their content never meets quoting rules.
func EncodeCommand(tag string, verb string, args []Argument, nonSync bool) []Segment {

	var segments []Segment

	line := make([]byte, 0, 64)
	line = append(line, tag...)
	line = append(line, ' ')
	line = append(line, verb...)

	for _, arg := range args {

		if arg.Literal || NeedsLiteral(arg.Data) {

			// Close the running text segment with the size
			// marker of this literal.
			line = append(line, ' ', '{')
			line = append(line, strconv.Itoa(len(arg.Data))...)
			if nonSync {
				line = append(line, '+')
			}
			line = append(line, '}', '\r', '\n')

			segments = append(segments, Segment{Data: line, Sync: !nonSync})

			// The literal bytes travel as their own segment,
			// exempt from any escaping.
			segments = append(segments, Segment{Data: arg.Data})

			line = make([]byte, 0, 64)
			continue
		}

		line = append(line, ' ')
		line = append(line, arg.Data...)
	}

	// The command always ends in a CRLF-terminated text segment,
	// even if no plain argument followed the last literal.
	line = append(line, '\r', '\n')
	segments = append(segments, Segment{Data: line})

	return segments
}

// Quote wraps s into a quoted string, escaping backslashes and double
// quotes. Use for arguments like folder names and credentials that may
// contain spaces or specials but are otherwise line-safe.
func Quote(s string) []byte {

	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')

	for i := 0; i < len(s); i++ {

		c := s[i]
		if c == '\\' || c == '"' {
			out = append(out, '\\')
		}

		out = append(out, c)
	}

	return append(out, '"')
}

// NeedsLiteral reports whether content cannot travel on a command line
// under any quoting scheme.
func NeedsLiteral(data []byte) bool {

	for _, c := range data {
		if c > 127 || c == '\r' || c == '\n' || c == 0 {
			return true
		}
	}

	return false
}
