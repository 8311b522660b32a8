package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
)

// entry is the last write seen for one key. Deletes are kept as tombstones
// so that an older Set arriving later cannot resurrect the key.
type entry struct {
	id      ID
	value   json.RawMessage
	deleted bool
}

// Map is a replicated map from string keys to JSON values. Concurrent writes
// to one key resolve to the write with the greater ID.
type Map struct {
	doc     *Doc
	name    string
	entries map[string]*entry
}

// Name returns the field name of the map.
func (m *Map) Name() string {
	return m.name
}

// Set stores the JSON encoding of v under key.
func (m *Map) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("crdt: encode value for %q: %w", key, err)
	}

	m.doc.mu.Lock()
	m.entries[key] = &entry{id: m.doc.tick(), value: raw}
	m.doc.unlockAndEmit([]Event{{Field: m.name, Kind: KindMap, Local: true, Keys: []string{key}}})
	return nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (m *Map) Delete(key string) {
	m.doc.mu.Lock()
	if e, ok := m.entries[key]; !ok || e.deleted {
		m.doc.mu.Unlock()
		return
	}
	m.entries[key] = &entry{id: m.doc.tick(), deleted: true}
	m.doc.unlockAndEmit([]Event{{Field: m.name, Kind: KindMap, Local: true, Keys: []string{key}}})
}

// Get decodes the value stored under key into out.
func (m *Map) Get(key string, out any) (bool, error) {
	m.doc.mu.Lock()
	e, ok := m.entries[key]
	var raw json.RawMessage
	if ok && !e.deleted {
		raw = e.value
	}
	m.doc.mu.Unlock()

	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("crdt: decode value for %q: %w", key, err)
	}
	return true, nil
}

// Has reports whether key holds a live value.
func (m *Map) Has(key string) bool {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	e, ok := m.entries[key]
	return ok && !e.deleted
}

// Keys returns the live keys in sorted order.
func (m *Map) Keys() []string {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()

	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live keys.
func (m *Map) Len() int {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()

	n := 0
	for _, e := range m.entries {
		if !e.deleted {
			n++
		}
	}
	return n
}

// Entries returns a copy of the raw JSON value of every live key.
func (m *Map) Entries() map[string]json.RawMessage {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()

	out := make(map[string]json.RawMessage, len(m.entries))
	for k, e := range m.entries {
		if e.deleted {
			continue
		}
		v := make(json.RawMessage, len(e.value))
		copy(v, e.value)
		out[k] = v
	}
	return out
}

// mergeLocked applies remote entries and returns the keys whose value changed.
func (m *Map) mergeLocked(incoming []keyedEntry) []string {
	var changed []string
	for _, in := range incoming {
		m.doc.witness(in.id)
		cur, ok := m.entries[in.key]
		if ok && !cur.id.Less(in.id) {
			continue
		}
		e := in.entry
		m.entries[in.key] = &e
		// A tombstone replacing nothing or another tombstone is invisible.
		if e.deleted && (!ok || cur.deleted) {
			continue
		}
		changed = append(changed, in.key)
	}
	sort.Strings(changed)
	return changed
}
