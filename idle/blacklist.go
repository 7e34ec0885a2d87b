package idle

import (
	"sync"
	"time"
)

// Constants

const (
	// blacklistTTL is how long one recorded failure counts against a
	// connection name.
	blacklistTTL = 4 * time.Hour

	// blacklistThreshold is the number of live failures after which a
	// name is barred from registration.
	blacklistThreshold = 5

	// blacklistMaxEntries caps how many names the blacklist tracks at
	// once. Beyond the cap the name with the stalest failure goes.
	blacklistMaxEntries = 20
)

// Structs

// Blacklist tracks recent connection failures per registry name. Names
// crossing the failure threshold within the TTL window are barred.
type Blacklist struct {
	lock       sync.Mutex
	ttl        time.Duration
	threshold  int
	maxEntries int
	failures   map[string][]time.Time
	now        func() time.Time
}

// Functions

// NewBlacklist builds a blacklist with the default TTL, threshold and
// entry cap.
func NewBlacklist() *Blacklist {

	return &Blacklist{
		ttl:        blacklistTTL,
		threshold:  blacklistThreshold,
		maxEntries: blacklistMaxEntries,
		failures:   make(map[string][]time.Time),
		now:        time.Now,
	}
}

// Record notes one failure for a name.
func (b *Blacklist) Record(name string) {

	b.lock.Lock()
	defer b.lock.Unlock()

	live := b.prune(name)
	b.failures[name] = append(live, b.now())

	b.evict()
}

// Blacklisted reports whether a name has crossed the failure threshold
// within the TTL window.
func (b *Blacklist) Blacklisted(name string) bool {

	b.lock.Lock()
	defer b.lock.Unlock()

	live := b.prune(name)

	if len(live) == 0 {
		delete(b.failures, name)
		return false
	}

	b.failures[name] = live

	return len(live) >= b.threshold
}

// prune drops expired failure timestamps of one name and returns the
// live remainder. Caller holds the lock.
func (b *Blacklist) prune(name string) []time.Time {

	cutoff := b.now().Add(-b.ttl)

	var live []time.Time
	for _, stamp := range b.failures[name] {
		if stamp.After(cutoff) {
			live = append(live, stamp)
		}
	}

	return live
}

// evict enforces the entry cap by dropping the name whose most recent
// failure is the stalest. Caller holds the lock.
func (b *Blacklist) evict() {

	for len(b.failures) > b.maxEntries {

		victim := ""
		var victimStamp time.Time

		for name, stamps := range b.failures {

			newest := stamps[len(stamps)-1]
			if victim == "" || newest.Before(victimStamp) {
				victim = name
				victimStamp = newest
			}
		}

		delete(b.failures, victim)
	}
}
