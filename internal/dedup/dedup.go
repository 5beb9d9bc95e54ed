// Package dedup provides a bounded, insertion-ordered membership set used to
// suppress reprocessing of redelivered events.
package dedup

// DefaultCapacity matches the Feishu delivery-retry window we care about.
const DefaultCapacity = 1000

// Set is a fixed-capacity membership cache with FIFO eviction: once an
// insertion pushes the size past the capacity, the oldest entries are evicted
// until the size is back at or below it.
//
// Set is not safe for concurrent use. The channel pump calls it from a single
// goroutine, which also guarantees check-and-record atomicity.
type Set struct {
	capacity int
	members  map[string]struct{}
	order    []string // insertion order, oldest first
	head     int      // index of the oldest live entry in order
}

// New creates a Set with the given capacity. Non-positive capacities fall
// back to DefaultCapacity.
func New(capacity int) *Set {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Set{
		capacity: capacity,
		members:  make(map[string]struct{}, capacity),
	}
}

// SeenOrRecord reports whether id was already recorded. A previously unseen
// id is recorded as a side effect, evicting the oldest entries if the set
// overflows its capacity.
func (s *Set) SeenOrRecord(id string) bool {
	if _, ok := s.members[id]; ok {
		return true
	}
	s.members[id] = struct{}{}
	s.order = append(s.order, id)
	for len(s.members) > s.capacity {
		delete(s.members, s.order[s.head])
		s.head++
	}
	// Compact the backing slice once the dead prefix dominates.
	if s.head > s.capacity {
		s.order = append([]string(nil), s.order[s.head:]...)
		s.head = 0
	}
	return false
}

// Contains reports membership without recording.
func (s *Set) Contains(id string) bool {
	_, ok := s.members[id]
	return ok
}

// Len returns the number of live entries.
func (s *Set) Len() int {
	return len(s.members)
}
