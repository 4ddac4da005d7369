// Package pending tracks in-flight access requests. Entries model the
// ephemeral half of the two-party handshake: they are never persisted and
// do not survive a process restart.
package pending

import (
	"sync"
	"time"

	"github.com/bvandersloot-mozilla/top-level-storage-access/site"
)

// Request is an unresolved access request for a (rp_site, idp_origin)
// pair. Consented marks that the RP-side dialog already resolved
// affirmatively; only consented requests may be completed by a later
// Permit sweep.
type Request struct {
	ID            uint64
	RPSite        site.Site
	IDPOrigin     site.Origin
	CreatedAt     time.Time
	Consented     bool
	ConsentOrigin string
	ConsentedAt   time.Time
}

type pairKey struct {
	rp  site.Site
	idp site.Origin
}

// Registry is a mutex-guarded in-memory table of pending requests, at most
// one per pair. IDs increase monotonically for the registry's lifetime.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	byPair map[pairKey]*Request
	maxAge time.Duration
}

// NewRegistry creates a Registry. maxAge bounds how long an unresolved
// entry may linger; zero disables expiry.
func NewRegistry(maxAge time.Duration) *Registry {
	return &Registry{
		byPair: make(map[pairKey]*Request),
		maxAge: maxAge,
	}
}

// Register records a pending request for the pair, returning a copy of the
// new or already-present entry.
func (r *Registry) Register(rp site.Site, idp site.Origin) Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgeLocked(time.Now())

	key := pairKey{rp: rp, idp: idp}
	if existing, ok := r.byPair[key]; ok {
		return *existing
	}

	r.nextID++
	req := &Request{
		ID:        r.nextID,
		RPSite:    rp,
		IDPOrigin: idp,
		CreatedAt: time.Now(),
	}
	r.byPair[key] = req
	return *req
}

// MarkConsented flags the pair's pending request as dialog-accepted.
// Returns false when no entry exists.
func (r *Registry) MarkConsented(rp site.Site, idp site.Origin, consentOrigin string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.byPair[pairKey{rp: rp, idp: idp}]
	if !ok {
		return false
	}
	req.Consented = true
	req.ConsentOrigin = consentOrigin
	req.ConsentedAt = time.Now()
	return true
}

// Remove deletes the pair's pending request. Returns whether one existed.
func (r *Registry) Remove(rp site.Site, idp site.Origin) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey{rp: rp, idp: idp}
	if _, ok := r.byPair[key]; !ok {
		return false
	}
	delete(r.byPair, key)
	return true
}

// ConsentedForIDP snapshots the consented pending requests addressed to
// idp, the work list of the Permit-time sweep.
func (r *Registry) ConsentedForIDP(idp site.Origin) []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgeLocked(time.Now())

	var out []Request
	for _, req := range r.byPair {
		if req.Consented && req.IDPOrigin == idp {
			out = append(out, *req)
		}
	}
	return out
}

// ClearOrigin drops pending requests the origin participates in, as IDP
// (exact origin) or as RP (site of the origin).
func (r *Registry) ClearOrigin(origin site.Origin) {
	r.mu.Lock()
	defer r.mu.Unlock()

	originSite := origin.Site()
	for key := range r.byPair {
		if key.idp == origin || site.SameSite(key.rp, originSite) {
			delete(r.byPair, key)
		}
	}
}

// Len returns the number of tracked pending requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgeLocked(time.Now())
	return len(r.byPair)
}

func (r *Registry) purgeLocked(now time.Time) {
	if r.maxAge <= 0 {
		return
	}
	for key, req := range r.byPair {
		if now.Sub(req.CreatedAt) > r.maxAge {
			delete(r.byPair, key)
		}
	}
}
