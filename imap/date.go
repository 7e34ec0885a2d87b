package imap

import (
	"time"

	"github.com/pkg/errors"
)

// Constants

// Wire layouts for INTERNALDATE values and date-only search criteria.
const (
	internalDateLayout = "_2-Jan-2006 15:04:05 -0700"
	searchDateLayout   = "2-Jan-2006"
)

// Functions

// ParseDateTime parses an INTERNALDATE string, with or without its
// surrounding quotes, into a time carrying the server's fixed offset.
func ParseDateTime(raw []byte) (time.Time, error) {

	text := string(raw)

	if len(text) >= 2 && text[0] == '"' && text[len(text)-1] == '"' {
		text = text[1 : len(text)-1]
	}

	when, err := time.Parse(internalDateLayout, text)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "could not parse datetime '%s'", text)
	}

	return when, nil
}

// FormatDateTime renders a time in INTERNALDATE syntax for use with
// APPEND, without quotes.
func FormatDateTime(when time.Time) string {
	return when.Format("02-Jan-2006 15:04:05 -0700")
}

// FormatDate renders a date-only value in the syntax SEARCH criteria
// like BEFORE and SINCE expect.
func FormatDate(when time.Time) string {
	return when.Format(searchDateLayout)
}
