package bounded

import (
	"container/list"
	"time"
)

// TTLMap is an LRUMap variant whose entries may additionally expire after a
// fixed time-to-live. Capacity eviction and TTL expiry are independent: both
// apply. Expired entries are removed lazily at the start of every read.
//
// TTLMap is not safe for concurrent use; the owning component synchronizes.
type TTLMap[K comparable, V any] struct {
	capacity int
	ttl      time.Duration // zero disables expiry
	clock    func() time.Time
	entries  map[K]*list.Element
	order    *list.List // front = most recently used
}

type ttlEntry[K comparable, V any] struct {
	key      K
	value    V
	storedAt time.Time
}

// NewTTLMap constructs a TTLMap with the given capacity and time-to-live.
// A zero ttl disables expiry, leaving pure LRU semantics.
func NewTTLMap[K comparable, V any](capacity int, ttl time.Duration) *TTLMap[K, V] {
	return NewTTLMapWithClock[K, V](capacity, ttl, time.Now)
}

// NewTTLMapWithClock constructs a TTLMap with an injectable clock for tests.
func NewTTLMapWithClock[K comparable, V any](capacity int, ttl time.Duration, clock func() time.Time) *TTLMap[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	if clock == nil {
		clock = time.Now
	}
	return &TTLMap[K, V]{
		capacity: capacity,
		ttl:      ttl,
		clock:    clock,
		entries:  make(map[K]*list.Element, capacity),
		order:    list.New(),
	}
}

// Get returns the value for key, promoting it to most recently used.
// Expired entries are pruned before the lookup.
func (m *TTLMap[K, V]) Get(key K) (V, bool) {
	m.expire()
	if element, ok := m.entries[key]; ok {
		m.order.MoveToFront(element)
		return element.Value.(*ttlEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Put inserts or updates key, evicting the least-recently-used entry at
// capacity. The entry's TTL clock restarts on every Put.
func (m *TTLMap[K, V]) Put(key K, value V) {
	m.expire()
	if element, ok := m.entries[key]; ok {
		m.order.MoveToFront(element)
		entry := element.Value.(*ttlEntry[K, V])
		entry.value = value
		entry.storedAt = m.clock()
		return
	}

	for m.order.Len() >= m.capacity {
		m.evictOldest()
	}

	element := m.order.PushFront(&ttlEntry[K, V]{key: key, value: value, storedAt: m.clock()})
	m.entries[key] = element
}

// Remove deletes key and reports whether it was present.
func (m *TTLMap[K, V]) Remove(key K) (V, bool) {
	if element, ok := m.entries[key]; ok {
		value := element.Value.(*ttlEntry[K, V]).value
		m.removeElement(element)
		return value, true
	}
	var zero V
	return zero, false
}

// Contains reports whether key is present and unexpired.
func (m *TTLMap[K, V]) Contains(key K) bool {
	m.expire()
	_, ok := m.entries[key]
	return ok
}

// Len returns the number of unexpired entries.
func (m *TTLMap[K, V]) Len() int {
	m.expire()
	return m.order.Len()
}

// Keys returns unexpired keys ordered most-recently-used first.
func (m *TTLMap[K, V]) Keys() []K {
	m.expire()
	keys := make([]K, 0, m.order.Len())
	for element := m.order.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(*ttlEntry[K, V]).key)
	}
	return keys
}

// Values returns unexpired values ordered most-recently-used first.
func (m *TTLMap[K, V]) Values() []V {
	m.expire()
	values := make([]V, 0, m.order.Len())
	for element := m.order.Front(); element != nil; element = element.Next() {
		values = append(values, element.Value.(*ttlEntry[K, V]).value)
	}
	return values
}

// Clear removes all entries.
func (m *TTLMap[K, V]) Clear() {
	m.entries = make(map[K]*list.Element, m.capacity)
	m.order.Init()
}

func (m *TTLMap[K, V]) expire() {
	if m.ttl <= 0 {
		return
	}
	cutoff := m.clock().Add(-m.ttl)
	for _, element := range m.entries {
		if element.Value.(*ttlEntry[K, V]).storedAt.Before(cutoff) {
			m.removeElement(element)
		}
	}
}

func (m *TTLMap[K, V]) evictOldest() {
	if element := m.order.Back(); element != nil {
		m.removeElement(element)
	}
}

func (m *TTLMap[K, V]) removeElement(element *list.Element) {
	m.order.Remove(element)
	delete(m.entries, element.Value.(*ttlEntry[K, V]).key)
}
