// Package registry maps a peer network address to its live session,
// expiring entries whose session has gone dead-link. It follows the
// same shape as the teacher's ipcache/domaincache (Add/Get over a
// github.com/patrickmn/go-cache instance), keyed by remote address
// instead of by IP or domain name.
package registry

import (
	"time"

	cache "github.com/patrickmn/go-cache"
)

// Session is the subset of *kcp.Session the registry needs to decide
// whether an entry is still worth keeping. Declared here rather than
// imported to keep this package free of a dependency on the kcp
// package - the listener wires the two together.
type Session interface {
	State() bool
}

// Registry caches sessions by the string form of their peer address.
type Registry struct {
	inner *cache.Cache
}

// New returns a Registry whose entries expire after defaultExpiration
// unless touched again, swept every cleanupInterval.
func New(defaultExpiration, cleanupInterval time.Duration) *Registry {
	return &Registry{inner: cache.New(defaultExpiration, cleanupInterval)}
}

// Add registers sess under addr, resetting its expiration.
func (r *Registry) Add(addr string, sess Session) {
	if addr == "" {
		return
	}
	r.inner.SetDefault(addr, sess)
}

// Get looks up the session registered for addr. A session that has
// gone dead-link is evicted on lookup and reported as absent, so a
// subsequent Dial from the same peer is treated as a fresh session
// (see Touch for the common "refresh on every inbound packet" case).
func (r *Registry) Get(addr string) (Session, bool) {
	v, ok := r.inner.Get(addr)
	if !ok {
		return nil, false
	}
	sess := v.(Session)
	if !sess.State() {
		r.inner.Delete(addr)
		return nil, false
	}
	return sess, true
}

// Touch refreshes addr's expiration, keeping an active peer's entry
// alive past defaultExpiration without a full re-Add.
func (r *Registry) Touch(addr string, sess Session) {
	r.inner.SetDefault(addr, sess)
}

// Remove evicts addr unconditionally, e.g. once its session's Close
// has run.
func (r *Registry) Remove(addr string) {
	r.inner.Delete(addr)
}

// Len reports the number of stored entries, mostly useful in tests.
// Expired entries not yet swept and dead sessions not yet looked up
// are counted too.
func (r *Registry) Len() int {
	return r.inner.ItemCount()
}
