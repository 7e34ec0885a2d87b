package imap_test

import (
	"testing"
	"time"

	"github.com/go-pluto/imapclient/imap"
	"github.com/stretchr/testify/assert"
)

// Functions

// parseBatch is a test helper turning raw response lines into the
// per-response atoms the fetch interpreter consumes.
func parseBatch(t *testing.T, lines ...string) []imap.Atom {

	var atoms []imap.Atom

	for _, line := range lines {
		a, err := imap.Parse([]imap.Record{{Text: []byte(line)}})
		if err != nil {
			t.Fatalf("could not parse test input '%s': %v", line, err)
		}
		atoms = append(atoms, a)
	}

	return atoms
}

// TestParseFetchBasic checks keying by sequence number and plain field
// conversion.
func TestParseFetchBasic(t *testing.T) {

	got, err := imap.ParseFetch(parseBatch(t, "4 (FLAGS (\\Seen) RFC822.SIZE 1024)"))
	assert.Nil(t, err)

	assert.Len(t, got, 1)
	assert.Equal(t, uint64(4), got[4]["SEQ"])
	assert.Equal(t, uint64(1024), got[4]["RFC822.SIZE"])
	assert.Equal(t, []interface{}{[]byte("\\Seen")}, got[4]["FLAGS"])
}

// TestParseFetchUIDOverride checks that a UID field anywhere in the
// record determines the key, is excluded from the output, and that a
// repeated identical UID causes no conflict.
func TestParseFetchUIDOverride(t *testing.T) {

	got, err := imap.ParseFetch(parseBatch(t, "23 (UID 76 FOO 123 UID 76 GOO 321)"))
	assert.Nil(t, err)

	assert.Len(t, got, 1)

	fields, ok := got[76]
	assert.True(t, ok, "expected the record keyed by UID 76")
	assert.NotContains(t, fields, "UID")
	assert.Equal(t, uint64(123), fields["FOO"])
	assert.Equal(t, uint64(321), fields["GOO"])
	assert.Equal(t, uint64(23), fields["SEQ"])
}

// TestParseFetchConflictingUID checks that two different UIDs in one
// record are rejected.
func TestParseFetchConflictingUID(t *testing.T) {

	got, err := imap.ParseFetch(parseBatch(t, "23 (UID 76 UID 77)"))
	assert.Nil(t, got)
	assert.IsType(t, &imap.FramingError{}, err)
}

// TestParseFetchOddPairs checks that an odd number of items in the
// field list is a malformed response.
func TestParseFetchOddPairs(t *testing.T) {

	got, err := imap.ParseFetch(parseBatch(t, "1 (ONE TWO THREE)"))
	assert.Nil(t, got)
	assert.IsType(t, &imap.FramingError{}, err)
}

// TestParseFetchBadLeadingToken checks that a record not starting with
// a message number is rejected.
func TestParseFetchBadLeadingToken(t *testing.T) {

	got, err := imap.ParseFetch(parseBatch(t, "(ONE TWO)"))
	assert.Nil(t, got)
	assert.IsType(t, &imap.FramingError{}, err)
}

// TestParseFetchMergesBatches checks last-write-wins merging of
// records resolving to the same key across continuation batches.
func TestParseFetchMergesBatches(t *testing.T) {

	got, err := imap.ParseFetch(parseBatch(t,
		"3 (UID 40 FOO 1 BAR 2)",
		"7 (UID 40 BAR 9)",
	))
	assert.Nil(t, err)

	assert.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[40]["FOO"])
	assert.Equal(t, uint64(9), got[40]["BAR"])
}

// TestParseFetchInternalDate checks the registered INTERNALDATE
// conversion routine.
func TestParseFetchInternalDate(t *testing.T) {

	got, err := imap.ParseFetch(parseBatch(t, "5 (INTERNALDATE \"02-Apr-2017 13:07:50 +0200\")"))
	assert.Nil(t, err)

	when, ok := got[5]["INTERNALDATE"].(time.Time)
	assert.True(t, ok, "expected INTERNALDATE converted to a time value")
	assert.Equal(t, 2017, when.Year())
	assert.Equal(t, time.April, when.Month())
	assert.Equal(t, 13, when.Hour())
}

// TestFetchResultMerge checks the cross-call merge helper.
func TestFetchResultMerge(t *testing.T) {

	first, err := imap.ParseFetch(parseBatch(t, "1 (FOO 1)"))
	assert.Nil(t, err)

	second, err := imap.ParseFetch(parseBatch(t, "1 (FOO 2 BAR 3)", "2 (FOO 4)"))
	assert.Nil(t, err)

	first.Merge(second)

	assert.Len(t, first, 2)
	assert.Equal(t, uint64(2), first[1]["FOO"])
	assert.Equal(t, uint64(3), first[1]["BAR"])
	assert.Equal(t, uint64(4), first[2]["FOO"])
}
