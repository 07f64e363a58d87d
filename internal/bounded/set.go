package bounded

import "container/list"

// Set is a capacity-bounded set. Adding a member beyond capacity evicts the
// oldest member by access order; re-adding an existing member only refreshes
// its position.
//
// Set is not safe for concurrent use; the owning component synchronizes.
type Set[K comparable] struct {
	capacity int
	members  map[K]*list.Element
	order    *list.List // front = most recently added
}

// NewSet constructs a Set holding at most capacity members.
func NewSet[K comparable](capacity int) *Set[K] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Set[K]{
		capacity: capacity,
		members:  make(map[K]*list.Element, capacity),
		order:    list.New(),
	}
}

// Add inserts member, evicting the oldest member at capacity.
func (s *Set[K]) Add(member K) {
	if element, ok := s.members[member]; ok {
		s.order.MoveToFront(element)
		return
	}

	for s.order.Len() >= s.capacity {
		if oldest := s.order.Back(); oldest != nil {
			s.order.Remove(oldest)
			delete(s.members, oldest.Value.(K))
		}
	}

	s.members[member] = s.order.PushFront(member)
}

// Discard removes member if present.
func (s *Set[K]) Discard(member K) {
	if element, ok := s.members[member]; ok {
		s.order.Remove(element)
		delete(s.members, member)
	}
}

// Contains reports membership.
func (s *Set[K]) Contains(member K) bool {
	_, ok := s.members[member]
	return ok
}

// Len returns the number of members.
func (s *Set[K]) Len() int {
	return s.order.Len()
}

// Members returns a copy of the set contents, most recently added first.
// Callers iterate the copy so the set can be mutated mid-walk.
func (s *Set[K]) Members() []K {
	members := make([]K, 0, s.order.Len())
	for element := s.order.Front(); element != nil; element = element.Next() {
		members = append(members, element.Value.(K))
	}
	return members
}

// Clear removes all members.
func (s *Set[K]) Clear() {
	s.members = make(map[K]*list.Element, s.capacity)
	s.order.Init()
}
