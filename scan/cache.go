package scan

import (
	"sync"

	"gitlab.com/stephen-fox/sigkit/sig"
)

// ResultCache remembers the first successful byte-level match address
// per distinct pattern, process-wide. A Scanner configured with one
// resumes region enumeration at the remembered address on later scans
// for an equal pattern.
//
// Construct one per process and hand it to the scanners that should
// share it. Safe for concurrent use; the lock is held only around a
// lookup or insert, never across a scan.
type ResultCache struct {
	mu      sync.Mutex
	matches map[sig.Pattern]uint64
}

func NewResultCache() *ResultCache {
	return &ResultCache{
		matches: make(map[sig.Pattern]uint64),
	}
}

// Lookup returns the remembered match address for pattern, if any.
func (o *ResultCache) Lookup(pattern sig.Pattern) (uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	addr, hasIt := o.matches[pattern]

	return addr, hasIt
}

// Store remembers addr as pattern's match address. The first stored
// address wins; later calls for the same pattern are ignored so the
// cache always reflects the first successful scan.
func (o *ResultCache) Store(pattern sig.Pattern, addr uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	_, hasIt := o.matches[pattern]
	if hasIt {
		return
	}

	o.matches[pattern] = addr
}

// Len returns the number of cached patterns.
func (o *ResultCache) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.matches)
}
