package client

import (
	"fmt"

	uuid "github.com/satori/go.uuid"
)

// Structs

// tagGenerator hands out the unique command tags of one session. The
// alphabetic prefix is derived from a random UUID so that concurrent
// sessions against the same server stay distinguishable in traces,
// the counter makes tags unique within the session.
type tagGenerator struct {
	prefix string
	next   uint64
}

// Functions

// newTagGenerator seeds a generator with a fresh random prefix.
func newTagGenerator() *tagGenerator {

	id := uuid.NewV4()

	prefix := make([]byte, 4)
	for i := range prefix {
		prefix[i] = 'A' + (id[i] % 26)
	}

	return &tagGenerator{prefix: string(prefix)}
}

// Next returns the tag for the next command.
func (t *tagGenerator) Next() string {

	t.next++

	return fmt.Sprintf("%s%04d", t.prefix, t.next)
}
