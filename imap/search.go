package imap

import (
	"bytes"
	"fmt"
)

// Structs

// SearchResult holds the message identifiers of a SEARCH response and
// the MODSEQ value servers with CONDSTORE append to it.
type SearchResult struct {
	IDs    []uint64
	ModSeq uint64
}

// Functions

// ParseSearch interprets the atoms of one untagged SEARCH response
// (with the response name already stripped): a flat run of message
// numbers, optionally followed by a '(MODSEQ n)' pair.
func ParseSearch(a Atom) (*SearchResult, error) {

	out := &SearchResult{}

	if a == nil {
		return out, nil
	}

	items, ok := a.(List)
	if !ok {
		items = List{a}
	}

	for _, item := range items {

		switch v := item.(type) {

		case Integer:
			out.IDs = append(out.IDs, uint64(v))

		case List:
			name, nameOK := modSeqName(v)
			seq, seqOK := modSeqValue(v)
			if len(v) == 2 && nameOK && name && seqOK {
				out.ModSeq = seq
				continue
			}
			return nil, &FramingError{Reason: "unexpected list in search response"}

		default:
			return nil, &FramingError{Reason: fmt.Sprintf("unexpected search response item %v", item)}
		}
	}

	return out, nil
}

// modSeqName reports whether the first element of a pair names MODSEQ.
func modSeqName(v List) (bool, bool) {

	if len(v) < 1 {
		return false, false
	}

	name, ok := v[0].(Bytes)
	if !ok {
		return false, false
	}

	return bytes.EqualFold(name, []byte("MODSEQ")), true
}

// modSeqValue extracts the numeric half of a MODSEQ pair.
func modSeqValue(v List) (uint64, bool) {

	if len(v) < 2 {
		return 0, false
	}

	seq, ok := v[1].(Integer)
	if !ok {
		return 0, false
	}

	return uint64(seq), true
}
