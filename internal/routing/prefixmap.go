// Package routing maps ILP address prefixes to next-hop endpoints.
package routing

import (
	"sort"
	"strings"
)

// PrefixMap is a longest-prefix lookup table. Prefixes match whole address
// segments: "g.bob" matches "g.bob" and "g.bob.x" but not "g.bobby".
type PrefixMap[V any] struct {
	keys   []string
	values map[string]V
}

func NewPrefixMap[V any]() *PrefixMap[V] {
	return &PrefixMap[V]{values: make(map[string]V)}
}

// Set adds or replaces the value for prefix.
func (m *PrefixMap[V]) Set(prefix string, v V) {
	if _, ok := m.values[prefix]; !ok {
		i := sort.SearchStrings(m.keys, prefix)
		m.keys = append(m.keys, "")
		copy(m.keys[i+1:], m.keys[i:])
		m.keys[i] = prefix
	}
	m.values[prefix] = v
}

// Delete removes prefix and reports whether it was present.
func (m *PrefixMap[V]) Delete(prefix string) bool {
	if _, ok := m.values[prefix]; !ok {
		return false
	}
	delete(m.values, prefix)
	i := sort.SearchStrings(m.keys, prefix)
	m.keys = append(m.keys[:i], m.keys[i+1:]...)
	return true
}

// Lookup returns the value of the longest prefix that matches address.
func (m *PrefixMap[V]) Lookup(address string) (V, bool) {
	var zero V
	// Walk candidate prefixes from longest to shortest.
	candidate := address
	for {
		if v, ok := m.values[candidate]; ok {
			return v, true
		}
		i := strings.LastIndexByte(candidate, '.')
		if i < 0 {
			break
		}
		candidate = candidate[:i]
	}
	if v, ok := m.values[""]; ok {
		return v, true
	}
	return zero, false
}

// Keys returns the prefixes in sorted order.
func (m *PrefixMap[V]) Keys() []string {
	return append([]string(nil), m.keys...)
}

func (m *PrefixMap[V]) Len() int { return len(m.keys) }
