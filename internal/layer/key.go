package layer

import "sync"

// Key is a stable opaque identity for a tracked node, valid for the
// lifetime of the process. Keys are assigned by an Arena rather than
// derived from the node itself, so nodes need not be hashable or
// comparable.
type Key uint32

// Uint32 exposes the raw index for bitmap indexing.
func (k Key) Uint32() uint32 { return uint32(k) }

// Arena hands out monotonically increasing keys. The zero value is
// ready to use and safe for concurrent callers.
type Arena struct {
	mu   sync.Mutex
	next uint32
}

// Next assigns a fresh key.
func (a *Arena) Next() Key {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := Key(a.next)
	a.next++
	return k
}
