package crdt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf8"
)

// Update layout, version 1. All integers are unsigned varints, strings and
// byte slices are length-prefixed.
//
//	version
//	texts:   count, { name, items: count, { clock, client, flags, [originClock, originClient], rune } }
//	maps:    count, { name, entries: count, { key, clock, client, flags, value } }
//
// Text items are written in document order.
const updateVersion = 1

const (
	flagDeleted   = 1 << 0
	flagHasOrigin = 1 << 1
)

type update struct {
	texts []textState
	maps  []mapState
}

type textState struct {
	name  string
	items []item
}

type mapState struct {
	name    string
	entries []keyedEntry
}

type keyedEntry struct {
	key string
	entry
}

func encodeState(d *Doc) []byte {
	buf := []byte{updateVersion}

	textNames := make([]string, 0, len(d.texts))
	for name := range d.texts {
		textNames = append(textNames, name)
	}
	sort.Strings(textNames)

	buf = binary.AppendUvarint(buf, uint64(len(textNames)))
	for _, name := range textNames {
		t := d.texts[name]
		buf = appendString(buf, name)
		buf = binary.AppendUvarint(buf, uint64(len(t.items)))
		for _, it := range t.items {
			buf = binary.AppendUvarint(buf, it.id.Clock)
			buf = binary.AppendUvarint(buf, it.id.Client)
			var flags byte
			if it.deleted {
				flags |= flagDeleted
			}
			if it.origin != nil {
				flags |= flagHasOrigin
			}
			buf = append(buf, flags)
			if it.origin != nil {
				buf = binary.AppendUvarint(buf, it.origin.Clock)
				buf = binary.AppendUvarint(buf, it.origin.Client)
			}
			buf = binary.AppendUvarint(buf, uint64(it.value))
		}
	}

	mapNames := make([]string, 0, len(d.maps))
	for name := range d.maps {
		mapNames = append(mapNames, name)
	}
	sort.Strings(mapNames)

	buf = binary.AppendUvarint(buf, uint64(len(mapNames)))
	for _, name := range mapNames {
		m := d.maps[name]
		keys := make([]string, 0, len(m.entries))
		for k := range m.entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf = appendString(buf, name)
		buf = binary.AppendUvarint(buf, uint64(len(keys)))
		for _, k := range keys {
			e := m.entries[k]
			buf = appendString(buf, k)
			buf = binary.AppendUvarint(buf, e.id.Clock)
			buf = binary.AppendUvarint(buf, e.id.Client)
			var flags byte
			if e.deleted {
				flags |= flagDeleted
			}
			buf = append(buf, flags)
			buf = binary.AppendUvarint(buf, uint64(len(e.value)))
			buf = append(buf, e.value...)
		}
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// decoder reads an update, remembering the first error.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s at offset %d", ErrMalformedUpdate, fmt.Sprintf(format, args...), d.off)
	}
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf[d.off:])
	if n <= 0 {
		d.fail("bad varint")
		return 0
	}
	d.off += n
	return v
}

func (d *decoder) flags() byte {
	if d.err != nil {
		return 0
	}
	if d.off >= len(d.buf) {
		d.fail("unexpected end")
		return 0
	}
	b := d.buf[d.off]
	d.off++
	return b
}

// count reads a collection length. Every element takes at least one byte,
// so a count larger than the remaining input is rejected up front.
func (d *decoder) count() int {
	n := d.uvarint()
	if d.err == nil && n > uint64(len(d.buf)-d.off) {
		d.fail("count %d exceeds input", n)
		return 0
	}
	return int(n)
}

func (d *decoder) bytes() []byte {
	n := d.uvarint()
	if d.err != nil {
		return nil
	}
	if n > uint64(len(d.buf)-d.off) {
		d.fail("length %d exceeds input", n)
		return nil
	}
	b := make([]byte, n)
	copy(b, d.buf[d.off:d.off+int(n)])
	d.off += int(n)
	return b
}

func (d *decoder) str() string {
	b := d.bytes()
	if d.err == nil && !utf8.Valid(b) {
		d.fail("invalid utf-8 string")
	}
	return string(b)
}

func decodeUpdate(buf []byte) (*update, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty update", ErrMalformedUpdate)
	}
	if buf[0] != updateVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, buf[0])
	}
	d := &decoder{buf: buf, off: 1}
	u := &update{}

	nTexts := d.count()
	for i := 0; i < nTexts && d.err == nil; i++ {
		ts := textState{name: d.str()}
		nItems := d.count()
		ts.items = make([]item, 0, nItems)
		for j := 0; j < nItems && d.err == nil; j++ {
			it := item{id: ID{Clock: d.uvarint(), Client: d.uvarint()}}
			flags := d.flags()
			it.deleted = flags&flagDeleted != 0
			if flags&flagHasOrigin != 0 {
				origin := ID{Clock: d.uvarint(), Client: d.uvarint()}
				if d.err == nil && origin.Clock >= it.id.Clock {
					d.fail("origin clock %d not before item clock %d", origin.Clock, it.id.Clock)
				}
				it.origin = &origin
			}
			r := d.uvarint()
			if d.err == nil && (r > utf8.MaxRune || !utf8.ValidRune(rune(r))) {
				d.fail("invalid rune %d", r)
			}
			it.value = rune(r)
			ts.items = append(ts.items, it)
		}
		u.texts = append(u.texts, ts)
	}

	nMaps := d.count()
	for i := 0; i < nMaps && d.err == nil; i++ {
		ms := mapState{name: d.str()}
		nEntries := d.count()
		ms.entries = make([]keyedEntry, 0, nEntries)
		for j := 0; j < nEntries && d.err == nil; j++ {
			ke := keyedEntry{key: d.str()}
			ke.id = ID{Clock: d.uvarint(), Client: d.uvarint()}
			ke.deleted = d.flags()&flagDeleted != 0
			value := d.bytes()
			if d.err == nil && !ke.deleted && !json.Valid(value) {
				d.fail("invalid json value for key %q", ke.key)
			}
			if !ke.deleted {
				ke.value = value
			}
			ms.entries = append(ms.entries, ke)
		}
		u.maps = append(u.maps, ms)
	}

	if d.err == nil && d.off != len(d.buf) {
		d.fail("%d trailing bytes", len(d.buf)-d.off)
	}
	if d.err != nil {
		return nil, d.err
	}
	return u, nil
}
