package imap

import (
	"bytes"
	"encoding/base64"
	"unicode/utf16"

	"github.com/pkg/errors"
)

// Variables

// modifiedBase64 is the base64 variant of RFC 3501 section 5.1.3:
// the standard alphabet with ',' in place of '/' and no padding.
var modifiedBase64 = base64.NewEncoding(
	"ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+,",
).WithPadding(base64.NoPadding)

// Functions

// EncodeFolderName encodes a folder name into IMAP modified UTF-7.
// Printable ASCII except '&' passes through, '&' becomes '&-', and
// everything else is grouped into '&...-' base64 sections of UTF-16BE
// code units.
func EncodeFolderName(name string) []byte {

	var out bytes.Buffer
	var pending []rune

	flush := func() {
		if len(pending) == 0 {
			return
		}

		units := utf16.Encode(pending)
		raw := make([]byte, 0, len(units)*2)
		for _, u := range units {
			raw = append(raw, byte(u>>8), byte(u))
		}

		out.WriteByte('&')
		out.WriteString(modifiedBase64.EncodeToString(raw))
		out.WriteByte('-')

		pending = pending[:0]
	}

	for _, r := range name {

		switch {
		case r == '&':
			flush()
			out.WriteString("&-")
		case r >= 0x20 && r <= 0x7e:
			flush()
			out.WriteByte(byte(r))
		default:
			pending = append(pending, r)
		}
	}

	flush()

	return out.Bytes()
}

// DecodeFolderName decodes an IMAP modified UTF-7 folder name back
// into a string.
func DecodeFolderName(encoded []byte) (string, error) {

	var out bytes.Buffer

	for i := 0; i < len(encoded); i++ {

		c := encoded[i]
		if c != '&' {
			out.WriteByte(c)
			continue
		}

		// Find the '-' terminating this encoded section.
		end := bytes.IndexByte(encoded[i+1:], '-')
		if end < 0 {
			return "", errors.Errorf("unterminated encoded section in folder name '%s'", encoded)
		}

		section := encoded[(i + 1):(i + 1 + end)]
		i += end + 1

		// '&-' is the escaped ampersand.
		if len(section) == 0 {
			out.WriteByte('&')
			continue
		}

		raw, err := modifiedBase64.DecodeString(string(section))
		if err != nil {
			return "", errors.Wrapf(err, "malformed encoded section in folder name '%s'", encoded)
		}

		if len(raw)%2 != 0 {
			return "", errors.Errorf("odd number of UTF-16 bytes in folder name '%s'", encoded)
		}

		units := make([]uint16, 0, len(raw)/2)
		for j := 0; j < len(raw); j += 2 {
			units = append(units, (uint16(raw[j])<<8)|uint16(raw[j+1]))
		}

		out.WriteString(string(utf16.Decode(units)))
	}

	return out.String(), nil
}
