package imap_test

import (
	"testing"

	"github.com/go-pluto/imapclient/imap"
	"github.com/stretchr/testify/assert"
)

// Structs

var tokenizeTests = []struct {
	in  string
	out []string
}{
	{"", nil},
	{"   \t\r\n", nil},
	{"one TWO three", []string{"one", "TWO", "three"}},
	{"(a b)", []string{"(", "a", "b", ")"}},
	{"(a(b c))", []string{"(", "a", "(", "b", "c", ")", ")"}},
	{"BODY[HEADER.FIELDS (FROM)] foo", []string{"BODY[HEADER.FIELDS (FROM)]", "foo"}},
	{"[UIDVALIDITY 1234] Ok", []string{"[UIDVALIDITY 1234]", "Ok"}},
	{"\"quoted words\" bare", []string{"quoted words", "bare"}},
	{"\"\" empty", []string{"", "empty"}},
	{"{42}", []string{"{42}"}},
}

var tokenizeErrorTests = []struct {
	in string
}{
	{"\"no closing quote"},
	{"\"stops at escape \\"},
	{"BODY[no closing bracket"},
	{"quote\"inside atom\""},
}

var unquoteTests = []struct {
	in  string
	out string
}{
	{`"aaa\"bbb"`, `aaa"bbb`},
	{`"aaa\\bbb"`, `aaa\bbb`},
	{`"aaa\Zbbb"`, `aaa\Zbbb`},
	{`"mixed \\ and \" and \q"`, `mixed \ and " and \q`},
}

// Functions

// TestTokenizer executes a black-box table test on the token stream
// produced for single-record inputs.
func TestTokenizer(t *testing.T) {

	for _, tt := range tokenizeTests {

		tok := imap.NewTokenizer([]imap.Record{{Text: []byte(tt.in)}})

		var got []string
		for {
			next, ok, err := tok.Next()
			assert.Nilf(t, err, "unexpected tokenizer error for input '%s'", tt.in)
			if !ok {
				break
			}
			got = append(got, string(next.Data))
		}

		assert.Equalf(t, tt.out, got, "wrong token stream for input '%s'", tt.in)
	}
}

// TestTokenizerErrors checks that unterminated quotes and brackets are
// flagged as framing violations.
func TestTokenizerErrors(t *testing.T) {

	for _, tt := range tokenizeErrorTests {

		tok := imap.NewTokenizer([]imap.Record{{Text: []byte(tt.in)}})

		var err error
		for err == nil {
			var ok bool
			_, ok, err = tok.Next()
			if !ok {
				break
			}
		}

		assert.NotNilf(t, err, "expected a framing error for input '%s'", tt.in)
		assert.IsTypef(t, &imap.FramingError{}, err, "expected a framing error for input '%s'", tt.in)
	}
}

// TestTokenizerUnquoting verifies the escape rules inside quoted
// tokens: backslash escapes only a backslash or a double quote,
// anything else keeps the backslash verbatim.
func TestTokenizerUnquoting(t *testing.T) {

	for _, tt := range unquoteTests {

		tok := imap.NewTokenizer([]imap.Record{{Text: []byte(tt.in)}})

		next, ok, err := tok.Next()
		assert.Nil(t, err)
		assert.True(t, ok)
		assert.Equal(t, imap.TokenQuoted, next.Kind)
		assert.Equalf(t, tt.out, string(next.Data), "wrong unquoting for input '%s'", tt.in)
	}
}

// TestTokenizerSpansRecords checks that token scanning continues
// seamlessly across the records of one logical response and that the
// literal side-channel follows the record being scanned.
func TestTokenizerSpansRecords(t *testing.T) {

	records := []imap.Record{
		{Text: []byte("* 12 FETCH (BODY[] {5}"), Literal: []byte("hello")},
		{Text: []byte(" FLAGS (\\Seen))")},
	}

	tok := imap.NewTokenizer(records)

	var got []string
	for {
		next, ok, err := tok.Next()
		assert.Nil(t, err)
		if !ok {
			break
		}

		if string(next.Data) == "{5}" {
			assert.Equal(t, []byte("hello"), tok.Literal())
		}

		got = append(got, string(next.Data))
	}

	assert.Equal(t, []string{"*", "12", "FETCH", "(", "BODY[]", "{5}", "FLAGS", "(", "\\Seen", ")", ")"}, got)
}
