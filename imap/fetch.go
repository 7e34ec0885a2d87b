package imap

import (
	"fmt"
	"strings"
)

// Structs

// FieldMap holds the converted fields of one message from a FETCH or
// STORE response, keyed by upper-cased field name. The message's
// sequence number is always present under the synthetic SEQ field.
type FieldMap map[string]interface{}

// FetchResult maps resolved message identifiers (the UID where the
// record carried one, otherwise the sequence number) to field maps.
type FetchResult map[uint64]FieldMap

// converter turns the raw atom of a known field into a richer value.
type converter func(Atom) interface{}

// Variables

// fieldConverters selects the per-field conversion routine by
// normalized field name. Fields without an entry pass through
// structurally.
var fieldConverters = map[string]converter{
	"INTERNALDATE": convertInternalDate,
	"RFC822.SIZE":  convertPlain,
}

// Functions

// ParseFetch walks the atoms parsed from one FETCH or STORE response
// batch, one atom per response, and demultiplexes them into per-message
// field maps. A UID field anywhere in a record overrides the record's
// key and is excluded from the emitted map. Records resolving to the
// same key merge last-write-wins per field name.
func ParseFetch(atoms []Atom) (FetchResult, error) {

	out := make(FetchResult)

	for _, a := range atoms {

		rec, ok := a.(List)
		if !ok || len(rec) < 2 {
			return nil, &FramingError{Reason: "fetch record is not a 'seq (fields)' pair"}
		}

		seq, ok := rec[0].(Integer)
		if !ok {
			return nil, &FramingError{Reason: "fetch record does not start with a message number"}
		}

		fields, ok := rec[len(rec)-1].(List)
		if !ok {
			return nil, &FramingError{Reason: "fetch record does not end in a field list"}
		}

		if len(fields)%2 != 0 {
			return nil, &FramingError{Reason: fmt.Sprintf("uneven number of fetch response items: %d", len(fields))}
		}

		key := uint64(seq)
		uidSeen := false

		// The sequence number stays available even when the UID
		// takes over as the key.
		data := FieldMap{"SEQ": uint64(seq)}

		for i := 0; i < len(fields); i += 2 {

			nameAtom, ok := fields[i].(Bytes)
			if !ok {
				return nil, &FramingError{Reason: "fetch field name is not a string"}
			}
			name := strings.ToUpper(string(nameAtom))

			value := fields[i+1]

			if name == "UID" {

				uid, ok := value.(Integer)
				if !ok {
					return nil, &FramingError{Reason: "invalid UID in fetch record"}
				}

				// A repeated identical UID is a no-op, a
				// conflicting one means the record cannot
				// be keyed.
				if uidSeen && key != uint64(uid) {
					return nil, &FramingError{Reason: fmt.Sprintf("conflicting UIDs %d and %d in one fetch record", key, uid)}
				}

				key = uint64(uid)
				uidSeen = true
				continue
			}

			data[name] = convertField(name, value)
		}

		// Merge continuation records for the same message,
		// last-write-wins per field.
		if prev, ok := out[key]; ok {
			for name, value := range data {
				prev[name] = value
			}
			continue
		}

		out[key] = data
	}

	return out, nil
}

// Merge folds the records of a later response batch into r,
// last-write-wins per field name.
func (r FetchResult) Merge(other FetchResult) {

	for key, data := range other {

		prev, ok := r[key]
		if !ok {
			r[key] = data
			continue
		}

		for name, value := range data {
			prev[name] = value
		}
	}
}

// convertField applies the conversion routine registered for a field
// name, defaulting to the structural passthrough.
func convertField(name string, value Atom) interface{} {

	if conv, ok := fieldConverters[name]; ok {
		return conv(value)
	}

	return convertPlain(value)
}

// convertPlain maps an atom to its plain Go shape: Nil to nil, Integer
// to uint64, Bytes to []byte, List to []interface{} recursively.
func convertPlain(value Atom) interface{} {

	switch v := value.(type) {

	case Nil:
		return nil

	case Integer:
		return uint64(v)

	case Bytes:
		return []byte(v)

	case List:
		out := make([]interface{}, 0, len(v))
		for _, child := range v {
			out = append(out, convertPlain(child))
		}
		return out
	}

	return nil
}

// convertInternalDate parses an INTERNALDATE string into a time.Time.
// A value the server malformed passes through uninterpreted rather
// than failing the whole record.
func convertInternalDate(value Atom) interface{} {

	raw, ok := value.(Bytes)
	if !ok {
		return convertPlain(value)
	}

	when, err := ParseDateTime(raw)
	if err != nil {
		return []byte(raw)
	}

	return when
}
