package storage

import (
	"context"
	"sort"
	"sync"
)

// DefaultQuota mirrors the per-origin budget browsers give local storage.
const DefaultQuota = 5 << 20

// Origin is an in-process shared medium: the equivalent of one browser
// origin whose tabs all see the same local storage. Each tab talks to it
// through its own Local handle.
type Origin struct {
	mu       sync.Mutex
	items    map[string]string
	used     int
	quota    int
	disabled bool
	locals   map[*Local]struct{}
}

// NewOrigin creates an empty medium holding at most quota bytes of keys and
// values. A quota of zero or less means DefaultQuota.
func NewOrigin(quota int) *Origin {
	if quota <= 0 {
		quota = DefaultQuota
	}
	return &Origin{
		items:  make(map[string]string),
		quota:  quota,
		locals: make(map[*Local]struct{}),
	}
}

// NewLocal attaches a new handle to the origin.
func (o *Origin) NewLocal() *Local {
	l := &Local{origin: o, listeners: make(map[int]Listener)}
	o.mu.Lock()
	o.locals[l] = struct{}{}
	o.mu.Unlock()
	return l
}

// SetDisabled toggles the medium. While disabled every operation fails with
// ErrUnavailable, like local storage blocked by privacy settings.
func (o *Origin) SetDisabled(disabled bool) {
	o.mu.Lock()
	o.disabled = disabled
	o.mu.Unlock()
}

// Used returns the bytes currently accounted against the quota.
func (o *Origin) Used() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.used
}

// Keys returns the stored keys in sorted order.
func (o *Origin) Keys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.items))
	for k := range o.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// write stores value (or removes key when remove is set) and returns the
// handles that must be notified. Caller must not hold o.mu.
func (o *Origin) write(from *Local, key, value string, remove bool) (Event, []*Local, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.disabled {
		return Event{}, nil, ErrUnavailable
	}

	old, had := o.items[key]
	if remove {
		if !had {
			return Event{}, nil, nil
		}
		delete(o.items, key)
		o.used -= len(key) + len(old)
	} else {
		delta := len(value) - len(old)
		if !had {
			delta += len(key)
		}
		if o.used+delta > o.quota {
			return Event{}, nil, ErrQuotaExceeded
		}
		o.items[key] = value
		o.used += delta
		if had && old == value {
			// Rewriting the same value is not a change.
			return Event{}, nil, nil
		}
	}

	targets := make([]*Local, 0, len(o.locals))
	for l := range o.locals {
		if l != from {
			targets = append(targets, l)
		}
	}
	return Event{Key: key, OldValue: old, NewValue: value}, targets, nil
}

// Local is one tab's handle on an Origin.
type Local struct {
	origin *Origin

	mu        sync.Mutex
	listeners map[int]Listener
	next      int
	closed    bool
}

// GetItem returns the value stored under key.
func (l *Local) GetItem(ctx context.Context, key string) (string, bool, error) {
	if err := l.check(ctx); err != nil {
		return "", false, err
	}
	o := l.origin
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disabled {
		return "", false, ErrUnavailable
	}
	v, ok := o.items[key]
	return v, ok, nil
}

// SetItem stores value under key and notifies every other handle.
func (l *Local) SetItem(ctx context.Context, key, value string) error {
	if err := l.check(ctx); err != nil {
		return err
	}
	ev, targets, err := l.origin.write(l, key, value, false)
	if err != nil {
		return err
	}
	for _, t := range targets {
		t.dispatch(ev)
	}
	return nil
}

// RemoveItem deletes key and notifies every other handle.
func (l *Local) RemoveItem(ctx context.Context, key string) error {
	if err := l.check(ctx); err != nil {
		return err
	}
	ev, targets, err := l.origin.write(l, key, "", true)
	if err != nil {
		return err
	}
	for _, t := range targets {
		t.dispatch(ev)
	}
	return nil
}

// Watch registers fn for writes made through other handles.
func (l *Local) Watch(ctx context.Context, fn Listener) (Subscription, error) {
	if err := l.check(ctx); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.next
	l.next++
	l.listeners[id] = fn
	return &localSubscription{local: l, id: id}, nil
}

// Close detaches the handle from its origin and drops its listeners.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.listeners = make(map[int]Listener)
	l.mu.Unlock()

	l.origin.mu.Lock()
	delete(l.origin.locals, l)
	l.origin.mu.Unlock()
	return nil
}

func (l *Local) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return nil
}

// dispatch delivers ev synchronously, in registration order.
func (l *Local) dispatch(ev Event) {
	l.mu.Lock()
	ids := make([]int, 0, len(l.listeners))
	for id := range l.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.listeners[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

type localSubscription struct {
	local *Local
	id    int
	once  sync.Once
}

func (s *localSubscription) Close() error {
	s.once.Do(func() {
		s.local.mu.Lock()
		delete(s.local.listeners, s.id)
		s.local.mu.Unlock()
	})
	return nil
}
