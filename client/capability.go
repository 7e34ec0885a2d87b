package client

import (
	"strings"
	"sync"
)

// Structs

// Capabilities caches the capability tokens the server advertised.
// The cache is invalidated after a STARTTLS upgrade because a server
// may advertise a different set on the encrypted channel.
type Capabilities struct {
	lock  *sync.Mutex
	known map[string]bool
	valid bool
}

// Functions

// newCapabilities returns an empty, invalid capability cache.
func newCapabilities() *Capabilities {

	return &Capabilities{
		lock:  new(sync.Mutex),
		known: make(map[string]bool),
	}
}

// Update replaces the cached set with freshly advertised tokens.
func (c *Capabilities) Update(tokens []string) {

	c.lock.Lock()
	defer c.lock.Unlock()

	c.known = make(map[string]bool)
	for _, token := range tokens {
		c.known[strings.ToUpper(token)] = true
	}

	c.valid = true
}

// Has reports whether the server advertised a capability. An invalid
// cache reports false for everything, callers needing certainty should
// refresh via the CAPABILITY command first.
func (c *Capabilities) Has(name string) bool {

	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.valid {
		return false
	}

	return c.known[strings.ToUpper(name)]
}

// Valid reports whether the cache holds a current capability set.
func (c *Capabilities) Valid() bool {

	c.lock.Lock()
	defer c.lock.Unlock()

	return c.valid
}

// Invalidate drops the cached set, e.g. after a STARTTLS upgrade.
func (c *Capabilities) Invalidate() {

	c.lock.Lock()
	defer c.lock.Unlock()

	c.known = make(map[string]bool)
	c.valid = false
}

// List returns the cached tokens, mainly for logging.
func (c *Capabilities) List() []string {

	c.lock.Lock()
	defer c.lock.Unlock()

	out := make([]string, 0, len(c.known))
	for token := range c.known {
		out = append(out, token)
	}

	return out
}
