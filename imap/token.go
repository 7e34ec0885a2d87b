package imap

import (
	"fmt"
)

// Constants

// Kinds of tokens the tokenizer emits. The parser needs the quoted
// kind to tell a quoted "123" apart from a bare number.
const (
	TokenAtom TokenKind = iota
	TokenQuoted
	TokenListOpen
	TokenListClose
)

// Structs

// TokenKind classifies one lexical unit of a response.
type TokenKind int

// Record is one unit of server output: the text of a response line
// and, if that line ended in a literal-size marker, the raw literal
// payload that followed it on the wire.
type Record struct {
	Text    []byte
	Literal []byte
}

// Token is one lexical unit cut out of a record's text. Quoted tokens
// are debracketed and unescaped exactly once by the tokenizer;
// bracketed runs stay verbatim inside their surrounding atom.
type Token struct {
	Kind TokenKind
	Data []byte
}

// Tokenizer splits a sequence of records into a flat stream of tokens
// in one left-to-right scan per record. Literal returns the payload of
// the record currently being scanned so the parser can resolve
// literal-size markers out-of-band.
type Tokenizer struct {
	records []Record
	cur     int
	pos     int
}

// Functions

// NewTokenizer returns a tokenizer over the supplied records.
func NewTokenizer(records []Record) *Tokenizer {

	return &Tokenizer{
		records: records,
	}
}

// Literal returns the literal payload paired with the record the
// tokenizer currently scans, or nil if that record has none.
func (t *Tokenizer) Literal() []byte {

	if t.cur >= len(t.records) {
		return nil
	}

	return t.records[t.cur].Literal
}

// Next returns the next token of the stream. The boolean result is
// false once all records are exhausted.
func (t *Tokenizer) Next() (Token, bool, error) {

	for t.cur < len(t.records) {

		text := t.records[t.cur].Text

		// Whitespace separates tokens and is discarded.
		for t.pos < len(text) && isWhitespace(text[t.pos]) {
			t.pos++
		}

		// Advance to the next record once this one is drained.
		if t.pos >= len(text) {
			t.cur++
			t.pos = 0
			continue
		}

		switch c := text[t.pos]; {

		case c == '(':
			t.pos++
			return Token{Kind: TokenListOpen, Data: text[(t.pos - 1):t.pos]}, true, nil

		case c == ')':
			t.pos++
			return Token{Kind: TokenListClose, Data: text[(t.pos - 1):t.pos]}, true, nil

		case c == '"':
			t.pos++
			data, err := t.readQuoted(text)
			if err != nil {
				return Token{}, false, err
			}
			return Token{Kind: TokenQuoted, Data: data}, true, nil

		default:
			data, err := t.readAtom(text)
			if err != nil {
				return Token{}, false, err
			}
			return Token{Kind: TokenAtom, Data: data}, true, nil
		}
	}

	return Token{}, false, nil
}

// readQuoted consumes a quoted token up to and including the closing
// double quote. Inside it a backslash escapes only a backslash or a
// double quote, any other escape target keeps the backslash verbatim.
func (t *Tokenizer) readQuoted(text []byte) ([]byte, error) {

	token := make([]byte, 0, 16)

	for t.pos < len(text) {

		c := text[t.pos]
		t.pos++

		if c == '\\' {

			if t.pos >= len(text) {
				return nil, &FramingError{Reason: "no closing '\"'"}
			}

			next := text[t.pos]
			t.pos++

			// Do not touch invalid escaping.
			if next != '\\' && next != '"' {
				token = append(token, '\\')
			}

			token = append(token, next)
			continue
		}

		if c == '"' {
			return token, nil
		}

		token = append(token, c)
	}

	return nil, &FramingError{Reason: "no closing '\"'"}
}

// readAtom consumes a bare atom token. A bracketed run is copied
// verbatim into the atom without any escape processing. The scan ends
// with one byte of pushback at whitespace or a list delimiter.
func (t *Tokenizer) readAtom(text []byte) ([]byte, error) {

	token := make([]byte, 0, 16)

	for t.pos < len(text) {

		c := text[t.pos]

		if isWhitespace(c) || c == '(' || c == ')' {
			break
		}

		if c == '"' {
			return nil, &FramingError{Reason: fmt.Sprintf("quote in the middle of atom '%s'", token)}
		}

		if c == '[' {

			run, err := t.readBracketed(text)
			if err != nil {
				return nil, err
			}

			token = append(token, run...)
			continue
		}

		token = append(token, c)
		t.pos++
	}

	return token, nil
}

// readBracketed copies a '[...]' run verbatim, including both
// brackets. Escape characters have no meaning inside it.
func (t *Tokenizer) readBracketed(text []byte) ([]byte, error) {

	start := t.pos

	// Skip the opening bracket.
	t.pos++

	for t.pos < len(text) {

		if text[t.pos] == ']' {
			t.pos++
			return text[start:t.pos], nil
		}

		t.pos++
	}

	return nil, &FramingError{Reason: "no closing ']'"}
}

// isWhitespace reports whether c separates tokens.
func isWhitespace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
