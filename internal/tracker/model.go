package tracker

import (
	"maps"
	"sync"
)

// model holds a tracker's hit fields. Permanent fields go on every hit;
// next-hit fields go on the next attempt only and mask permanent ones.
// An empty value means "absent": a next-hit "" suppresses the permanent
// value for one hit.
type model struct {
	mu        sync.Mutex
	permanent map[string]string
	next      map[string]string
}

func newModel() *model {
	return &model{
		permanent: make(map[string]string),
		next:      make(map[string]string),
	}
}

func (m *model) set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.permanent[key] = value
}

func (m *model) setNext(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next[key] = value
}

func (m *model) setAllNext(fields map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	maps.Copy(m.next, fields)
}

func (m *model) get(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.next[key]; ok {
		return v
	}
	return m.permanent[key]
}

// snapshot merges both layers, dropping empty values.
func (m *model) snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	hit := make(map[string]string, len(m.permanent)+len(m.next))
	maps.Copy(hit, m.permanent)
	maps.Copy(hit, m.next)
	maps.DeleteFunc(hit, func(_, v string) bool { return v == "" })
	return hit
}

func (m *model) clearNext() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.next)
}
