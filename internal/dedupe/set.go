// ABOUTME: Non-expiring set of processed message ids for one open session
// ABOUTME: Lives as long as its owner; not safe for concurrent use

package dedupe

// Set records message ids that have already been rendered. Unlike Cache it
// never forgets an id on its own, since a duplicate may arrive at any point
// while the session is open. The owner serializes access.
type Set struct {
	ids map[string]struct{}
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{ids: make(map[string]struct{})}
}

// Add marks id as processed and reports whether it was new.
func (s *Set) Add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Has reports whether id was processed.
func (s *Set) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Remove drops id.
func (s *Set) Remove(id string) {
	delete(s.ids, id)
}

// Len returns the number of processed ids.
func (s *Set) Len() int {
	return len(s.ids)
}

// Reset empties the set.
func (s *Set) Reset() {
	clear(s.ids)
}
