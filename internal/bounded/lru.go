package bounded

import "container/list"

// LRUMap is a capacity-bounded ordered map. When the map is full, inserting a
// new key evicts the single least-recently-used entry. Get promotes the key to
// most-recently-used.
//
// LRUMap is not safe for concurrent use; the owning component synchronizes.
type LRUMap[K comparable, V any] struct {
	capacity int
	entries  map[K]*list.Element
	order    *list.List // front = most recently used
}

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// NewLRUMap constructs an LRUMap holding at most capacity entries.
func NewLRUMap[K comparable, V any](capacity int) *LRUMap[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRUMap[K, V]{
		capacity: capacity,
		entries:  make(map[K]*list.Element, capacity),
		order:    list.New(),
	}
}

// Get returns the value for key and marks it most recently used.
func (m *LRUMap[K, V]) Get(key K) (V, bool) {
	if element, ok := m.entries[key]; ok {
		m.order.MoveToFront(element)
		return element.Value.(*lruEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Peek returns the value for key without touching recency order.
func (m *LRUMap[K, V]) Peek(key K) (V, bool) {
	if element, ok := m.entries[key]; ok {
		return element.Value.(*lruEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Put inserts or updates key. At capacity the least-recently-used entry is
// evicted first, so the map never exceeds its configured size.
func (m *LRUMap[K, V]) Put(key K, value V) {
	if element, ok := m.entries[key]; ok {
		m.order.MoveToFront(element)
		element.Value.(*lruEntry[K, V]).value = value
		return
	}

	if m.order.Len() >= m.capacity {
		m.evictOldest()
	}

	element := m.order.PushFront(&lruEntry[K, V]{key: key, value: value})
	m.entries[key] = element
}

// Remove deletes key and reports whether it was present.
func (m *LRUMap[K, V]) Remove(key K) (V, bool) {
	if element, ok := m.entries[key]; ok {
		value := element.Value.(*lruEntry[K, V]).value
		m.removeElement(element)
		return value, true
	}
	var zero V
	return zero, false
}

// Contains reports whether key is present without touching recency order.
func (m *LRUMap[K, V]) Contains(key K) bool {
	_, ok := m.entries[key]
	return ok
}

// Len returns the number of stored entries.
func (m *LRUMap[K, V]) Len() int {
	return m.order.Len()
}

// Keys returns all keys ordered most-recently-used first.
func (m *LRUMap[K, V]) Keys() []K {
	keys := make([]K, 0, m.order.Len())
	for element := m.order.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(*lruEntry[K, V]).key)
	}
	return keys
}

// Values returns all values ordered most-recently-used first.
func (m *LRUMap[K, V]) Values() []V {
	values := make([]V, 0, m.order.Len())
	for element := m.order.Front(); element != nil; element = element.Next() {
		values = append(values, element.Value.(*lruEntry[K, V]).value)
	}
	return values
}

// Clear removes all entries.
func (m *LRUMap[K, V]) Clear() {
	m.entries = make(map[K]*list.Element, m.capacity)
	m.order.Init()
}

func (m *LRUMap[K, V]) evictOldest() {
	if element := m.order.Back(); element != nil {
		m.removeElement(element)
	}
}

func (m *LRUMap[K, V]) removeElement(element *list.Element) {
	m.order.Remove(element)
	delete(m.entries, element.Value.(*lruEntry[K, V]).key)
}
