// Package crdt implements the replicated document shared between tabs.
//
// A Doc holds any number of named Text (RGA sequence of runes) and Map
// (last-writer-wins register per key) structures. Its full causal state can be
// encoded as a single update and merged into any other replica; merging is
// commutative, associative and idempotent, so replicas that have applied the
// same set of updates hold the same state regardless of order.
package crdt

import (
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
)

var (
	// ErrMalformedUpdate is returned when an encoded update cannot be decoded.
	ErrMalformedUpdate = errors.New("crdt: malformed update")
	// ErrUnsupportedVersion is returned for updates written by an unknown encoder.
	ErrUnsupportedVersion = errors.New("crdt: unsupported update version")
	// ErrMissingOrigin is returned when an update references an item that
	// neither the update nor the local replica knows about.
	ErrMissingOrigin = errors.New("crdt: update references unknown origin")
	// ErrOutOfRange is returned by Text edits outside the visible content.
	ErrOutOfRange = errors.New("crdt: index out of range")
)

// ID identifies one write: a Lamport clock and the replica that produced it.
// IDs are totally ordered by clock, then client.
type ID struct {
	Clock  uint64
	Client uint64
}

// Less reports whether id sorts before other.
func (id ID) Less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Client < other.Client
}

// Kind tells which structure an Event refers to.
type Kind string

const (
	KindText Kind = "text"
	KindMap  Kind = "map"
)

// Event describes a change to one named structure.
type Event struct {
	Field string
	Kind  Kind
	// Local is true for edits made through this Doc, false for merged updates.
	Local bool
	// Keys lists the map keys that changed. Empty for text events.
	Keys []string
}

// Option configures a Doc.
type Option func(*Doc)

// WithClientID fixes the replica id. Two live replicas must never share one.
func WithClientID(id uint64) Option {
	return func(d *Doc) {
		d.client = id
	}
}

// Doc is one replica of the shared document. It is safe for concurrent use;
// observers are called without the document lock held, so they may read it.
type Doc struct {
	mu     sync.Mutex
	client uint64
	clock  uint64
	texts  map[string]*Text
	maps   map[string]*Map

	observers    map[string]map[int]func(Event)
	nextObserver int
}

// NewDoc creates an empty replica with a random client id.
func NewDoc(opts ...Option) *Doc {
	d := &Doc{
		client:    rand.Uint64(),
		texts:     make(map[string]*Text),
		maps:      make(map[string]*Map),
		observers: make(map[string]map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ClientID returns the replica id stamped on local writes.
func (d *Doc) ClientID() uint64 {
	return d.client
}

// GetText returns the named text, creating it on first use.
func (d *Doc) GetText(name string) *Text {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.textLocked(name)
}

// GetMap returns the named map, creating it on first use.
func (d *Doc) GetMap(name string) *Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mapLocked(name)
}

func (d *Doc) textLocked(name string) *Text {
	t, ok := d.texts[name]
	if !ok {
		t = &Text{doc: d, name: name, byID: make(map[ID]*item)}
		d.texts[name] = t
	}
	return t
}

func (d *Doc) mapLocked(name string) *Map {
	m, ok := d.maps[name]
	if !ok {
		m = &Map{doc: d, name: name, entries: make(map[string]*entry)}
		d.maps[name] = m
	}
	return m
}

// Observe registers fn for changes to the structure called field. The
// returned function removes the observer.
func (d *Doc) Observe(field string, fn func(Event)) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextObserver
	d.nextObserver++
	if d.observers[field] == nil {
		d.observers[field] = make(map[int]func(Event))
	}
	d.observers[field][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			delete(d.observers[field], id)
		})
	}
}

// tick returns a fresh ID for a local write. Caller holds d.mu.
func (d *Doc) tick() ID {
	d.clock++
	return ID{Clock: d.clock, Client: d.client}
}

// witness advances the Lamport clock past a remote write. Caller holds d.mu.
func (d *Doc) witness(id ID) {
	if id.Clock > d.clock {
		d.clock = id.Clock
	}
}

// unlockAndEmit releases d.mu and then delivers events to observers.
func (d *Doc) unlockAndEmit(events []Event) {
	type call struct {
		fn func(Event)
		ev Event
	}
	var calls []call
	for _, ev := range events {
		ids := make([]int, 0, len(d.observers[ev.Field]))
		for id := range d.observers[ev.Field] {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			calls = append(calls, call{fn: d.observers[ev.Field][id], ev: ev})
		}
	}
	d.mu.Unlock()

	for _, c := range calls {
		c.fn(c.ev)
	}
}

// EncodeStateAsUpdate encodes the full state of the document, tombstones
// included, so that applying it to any replica brings that replica up to
// date with this one.
func (d *Doc) EncodeStateAsUpdate() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeState(d)
}

// ApplyUpdate merges an encoded update into the document. The update is
// fully decoded and validated first; on error the document is unchanged.
// Applying an update that is already incorporated is a no-op.
func (d *Doc) ApplyUpdate(update []byte) error {
	u, err := decodeUpdate(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if err := d.validateLocked(u); err != nil {
		d.mu.Unlock()
		return err
	}

	var events []Event
	for _, ts := range u.texts {
		if d.textLocked(ts.name).mergeLocked(ts.items) {
			events = append(events, Event{Field: ts.name, Kind: KindText})
		}
	}
	for _, ms := range u.maps {
		if keys := d.mapLocked(ms.name).mergeLocked(ms.entries); len(keys) > 0 {
			events = append(events, Event{Field: ms.name, Kind: KindMap, Keys: keys})
		}
	}
	d.unlockAndEmit(events)
	return nil
}

// validateLocked checks that every origin in u resolves against u or the
// local replica.
func (d *Doc) validateLocked(u *update) error {
	for _, ts := range u.texts {
		incoming := make(map[ID]struct{}, len(ts.items))
		for _, it := range ts.items {
			incoming[it.id] = struct{}{}
		}
		local := d.texts[ts.name]
		for _, it := range ts.items {
			if it.origin == nil {
				continue
			}
			if _, ok := incoming[*it.origin]; ok {
				continue
			}
			if local != nil {
				if _, ok := local.byID[*it.origin]; ok {
					continue
				}
			}
			return ErrMissingOrigin
		}
	}
	return nil
}
