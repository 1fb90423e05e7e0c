package envelope

import "sync"

// Metadata is an ordered string to string map. Keys are case-sensitive and unique;
// setting an existing key replaces its value without changing its position.
type Metadata struct {
	mu     sync.RWMutex
	keys   []string
	values map[string]string
}

// NewMetadata creates empty metadata
func NewMetadata() *Metadata {
	return &Metadata{values: make(map[string]string)}
}

// Set adds or replaces key
func (m *Metadata) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Get returns the value for key
func (m *Metadata) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// Delete removes key
func (m *Metadata) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order
func (m *Metadata) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.keys...)
}

// Len returns the number of entries
func (m *Metadata) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

// Each calls fn for every entry in insertion order
func (m *Metadata) Each(fn func(key, value string)) {
	m.mu.RLock()
	keys := append([]string(nil), m.keys...)
	values := make(map[string]string, len(m.values))
	for k, v := range m.values {
		values[k] = v
	}
	m.mu.RUnlock()

	for _, k := range keys {
		fn(k, values[k])
	}
}

// Map returns a copy as a plain map
func (m *Metadata) Map() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}
