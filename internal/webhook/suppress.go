package webhook

import (
	"sync"
	"time"
)

// Suppressor distinguishes policy-update webhooks caused by our own
// API writes from genuine user actions. Marking a user opens a short
// single-shot window during which the next policy event is discarded.
type Suppressor struct {
	mu      sync.Mutex
	ttl     time.Duration
	markers map[string]time.Time
}

// NewSuppressor creates a suppressor with the given marker TTL.
func NewSuppressor(ttl time.Duration) *Suppressor {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Suppressor{ttl: ttl, markers: make(map[string]time.Time)}
}

// Mark stamps a user before a policy push.
func (s *Suppressor) Mark(userID string) {
	s.mu.Lock()
	s.markers[userID] = time.Now()
	s.mu.Unlock()
}

// Consume reports whether a marker exists for the user and removes it.
// Expired markers do not suppress.
func (s *Suppressor) Consume(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamped, ok := s.markers[userID]
	if !ok {
		return false
	}
	delete(s.markers, userID)
	return time.Since(stamped) <= s.ttl
}
