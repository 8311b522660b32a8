package crdt

import (
	"sort"
	"strings"
)

// item is one inserted rune. Deleted items stay in place as tombstones so
// that later inserts can still reference them as origins.
type item struct {
	id      ID
	origin  *ID // left neighbour at insert time; nil means start of text
	value   rune
	deleted bool
}

// Text is a replicated sequence of runes.
type Text struct {
	doc   *Doc
	name  string
	items []*item
	byID  map[ID]*item
}

// Name returns the field name of the text.
func (t *Text) Name() string {
	return t.name
}

// String returns the visible content.
func (t *Text) String() string {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()

	var b strings.Builder
	for _, it := range t.items {
		if !it.deleted {
			b.WriteRune(it.value)
		}
	}
	return b.String()
}

// Len returns the number of visible runes.
func (t *Text) Len() int {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	return t.visibleLenLocked()
}

func (t *Text) visibleLenLocked() int {
	n := 0
	for _, it := range t.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

// Insert inserts s before the rune at visible position index.
func (t *Text) Insert(index int, s string) error {
	t.doc.mu.Lock()
	if index < 0 || index > t.visibleLenLocked() {
		t.doc.mu.Unlock()
		return ErrOutOfRange
	}
	if s == "" {
		t.doc.mu.Unlock()
		return nil
	}

	var origin *ID
	if index > 0 {
		left := t.visibleAtLocked(index - 1)
		id := left.id
		origin = &id
	}
	for _, r := range s {
		it := &item{id: t.doc.tick(), origin: origin, value: r}
		t.integrateLocked(it)
		id := it.id
		origin = &id
	}
	t.doc.unlockAndEmit([]Event{{Field: t.name, Kind: KindText, Local: true}})
	return nil
}

// Delete removes length visible runes starting at index.
func (t *Text) Delete(index, length int) error {
	t.doc.mu.Lock()
	if index < 0 || length < 0 || index+length > t.visibleLenLocked() {
		t.doc.mu.Unlock()
		return ErrOutOfRange
	}
	if length == 0 {
		t.doc.mu.Unlock()
		return nil
	}

	pos := 0
	for _, it := range t.items {
		if it.deleted {
			continue
		}
		if pos >= index && pos < index+length {
			it.deleted = true
		}
		pos++
		if pos >= index+length {
			break
		}
	}
	t.doc.unlockAndEmit([]Event{{Field: t.name, Kind: KindText, Local: true}})
	return nil
}

func (t *Text) visibleAtLocked(index int) *item {
	pos := 0
	for _, it := range t.items {
		if it.deleted {
			continue
		}
		if pos == index {
			return it
		}
		pos++
	}
	return nil
}

func (t *Text) indexOfLocked(id ID) int {
	for i, it := range t.items {
		if it.id == id {
			return i
		}
	}
	return -1
}

// integrateLocked places it right after its origin, skipping any following
// items with a greater ID. Because every item's ID is greater than its
// origin's, those are exactly the concurrent siblings that sort first and
// their descendants.
func (t *Text) integrateLocked(it *item) {
	pos := 0
	if it.origin != nil {
		pos = t.indexOfLocked(*it.origin) + 1
	}
	for pos < len(t.items) && it.id.Less(t.items[pos].id) {
		pos++
	}
	t.items = append(t.items, nil)
	copy(t.items[pos+1:], t.items[pos:])
	t.items[pos] = it
	t.byID[it.id] = it
}

// mergeLocked integrates remote items and reports whether anything changed.
func (t *Text) mergeLocked(incoming []item) bool {
	pending := make([]item, len(incoming))
	copy(pending, incoming)
	// Ascending ID order integrates every origin before its children.
	sort.Slice(pending, func(i, j int) bool { return pending[i].id.Less(pending[j].id) })

	changed := false
	for i := range pending {
		in := pending[i]
		t.doc.witness(in.id)
		if existing, ok := t.byID[in.id]; ok {
			if in.deleted && !existing.deleted {
				existing.deleted = true
				changed = true
			}
			continue
		}
		it := in
		t.integrateLocked(&it)
		changed = true
	}
	return changed
}
