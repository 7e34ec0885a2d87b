package imap

import (
	"bytes"
	"fmt"
	"strconv"
)

// Structs

// Atom is one parsed, recursively-typed protocol value. The concrete
// types are Nil, Integer, Bytes, and List.
type Atom interface {
	atomNode()
}

// Nil is the parsed form of the NIL keyword.
type Nil struct{}

// Integer is a non-negative protocol number. Message sizes may exceed
// 32 bits, so the widest unsigned type is used.
type Integer uint64

// Bytes is an uninterpreted byte string: a bare atom, the content of a
// quoted string, or a resolved literal payload.
type Bytes []byte

// List is an ordered sequence of child atoms. Order equals source order.
type List []Atom

func (Nil) atomNode()     {}
func (Integer) atomNode() {}
func (Bytes) atomNode()   {}
func (List) atomNode()    {}

type parser struct {
	tok *Tokenizer
}

// Functions

// Parse turns the records making up one logical response into a single
// atom. A response with multiple top-level items (the usual FETCH
// shape 'seq (...)') comes back as one List in source order, a response
// with exactly one item comes back bare. The protocol guarantees one
// response per record group, so an empty or unbalanced stream is a
// framing error.
func Parse(records []Record) (Atom, error) {

	p := &parser{tok: NewTokenizer(records)}

	var out List

	for {

		t, ok, err := p.tok.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		a, err := p.atom(t)
		if err != nil {
			return nil, err
		}

		out = append(out, a)
	}

	if len(out) == 0 {
		return nil, &FramingError{Reason: "empty response record"}
	}

	if len(out) == 1 {
		return out[0], nil
	}

	return out, nil
}

// atom parses one value starting at the supplied token, descending
// recursively on a list opener.
func (p *parser) atom(t Token) (Atom, error) {

	switch t.Kind {

	case TokenListOpen:
		return p.list()

	case TokenListClose:
		return nil, &FramingError{Reason: "unexpected ')' outside of a list"}

	case TokenQuoted:
		return Bytes(t.Data), nil
	}

	data := t.Data

	// The NIL keyword is matched case-insensitively.
	if len(data) == 3 && bytes.EqualFold(data, []byte("NIL")) {
		return Nil{}, nil
	}

	// A literal-size marker is resolved against the out-of-band
	// payload of the record currently being scanned.
	if size, ok := literalSize(data); ok {

		lit := p.tok.Literal()
		if lit == nil {
			return nil, &FramingError{Reason: fmt.Sprintf("no literal corresponds to %s", data)}
		}
		if uint64(len(lit)) != size {
			return nil, &FramingError{Reason: fmt.Sprintf("expecting literal of size %d, got %d", size, len(lit))}
		}

		return Bytes(lit), nil
	}

	if isDigits(data) {

		n, err := strconv.ParseUint(string(data), 10, 64)
		if err == nil {
			return Integer(n), nil
		}

		// Numbers too large for 64 bit stay uninterpreted.
	}

	return Bytes(data), nil
}

// list accumulates child atoms until the matching closing delimiter.
func (p *parser) list() (Atom, error) {

	out := List{}

	for {

		t, ok, err := p.tok.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &FramingError{Reason: fmt.Sprintf("list incomplete before '(%s'", fmtList(out))}
		}

		if t.Kind == TokenListClose {
			return out, nil
		}

		a, err := p.atom(t)
		if err != nil {
			return nil, err
		}

		out = append(out, a)
	}
}

// literalSize recognizes the '{n}' and '{n+}' marker shapes and
// extracts the declared payload size.
func literalSize(data []byte) (uint64, bool) {

	if len(data) < 3 || data[0] != '{' || data[len(data)-1] != '}' {
		return 0, false
	}

	num := data[1 : len(data)-1]
	if num[len(num)-1] == '+' {
		num = num[:len(num)-1]
	}

	if len(num) == 0 || !isDigits(num) {
		return 0, false
	}

	n, err := strconv.ParseUint(string(num), 10, 64)
	if err != nil {
		return 0, false
	}

	return n, true
}

// isDigits reports whether data consists solely of decimal digits.
func isDigits(data []byte) bool {

	if len(data) == 0 {
		return false
	}

	for _, c := range data {
		if c < '0' || c > '9' {
			return false
		}
	}

	return true
}

// fmtList renders the atoms parsed so far for error messages.
func fmtList(l List) string {

	var buf bytes.Buffer

	for i, a := range l {

		if i > 0 {
			buf.WriteByte(' ')
		}

		switch v := a.(type) {
		case Nil:
			buf.WriteString("NIL")
		case Integer:
			buf.WriteString(strconv.FormatUint(uint64(v), 10))
		case Bytes:
			buf.Write(v)
		case List:
			fmt.Fprintf(&buf, "(%s)", fmtList(v))
		}
	}

	return buf.String()
}
