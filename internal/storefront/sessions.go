package storefront

import (
	"context"
	"sync"
	"time"

	"example.com/refurb-storefront/internal/checkout"
)

// SessionRegistry keeps checkout sessions in memory. Sessions idle for longer
// than the TTL are dropped; nothing is persisted.
type SessionRegistry struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]*sessionEntry
}

type sessionEntry struct {
	session  *checkout.Session
	buyerID  int64
	lastSeen time.Time
}

func NewSessionRegistry(ttl time.Duration) *SessionRegistry {
	return &SessionRegistry{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*sessionEntry),
	}
}

func (r *SessionRegistry) Put(s *checkout.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = &sessionEntry{session: s, buyerID: s.Buyer().ID, lastSeen: r.now()}
}

// Get returns the buyer's session and refreshes its idle timer. Sessions of
// other buyers are reported as missing.
func (r *SessionRegistry) Get(id string, buyerID int64) (*checkout.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[id]
	if !ok || entry.buyerID != buyerID {
		return nil, false
	}
	now := r.now()
	if r.expired(entry, now) {
		delete(r.sessions, id)
		return nil, false
	}
	entry.lastSeen = now
	return entry.session, true
}

func (r *SessionRegistry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// expired never drops a session with a submission in flight.
func (r *SessionRegistry) expired(entry *sessionEntry, now time.Time) bool {
	return now.Sub(entry.lastSeen) > r.ttl && !entry.session.IsProcessing()
}

// Sweep drops idle sessions and reports how many were removed.
func (r *SessionRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	removed := 0
	for id, entry := range r.sessions {
		if r.expired(entry, now) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Run sweeps every interval until ctx is done.
func (r *SessionRegistry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
