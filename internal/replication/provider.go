// Package replication keeps a local document in sync with every other tab
// attached to the same shared storage slot.
//
// The slot holds one value: the full state of the document as a JSON array
// of bytes. Publishing overwrites it; other tabs are told about the write
// and merge the value into their own copy. Because every value is a full
// state and merging is commutative and idempotent, the last writer winning
// at the storage layer loses nothing, and a tab that misses intermediate
// writes catches up with the next one it sees.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"docsync/internal/middleware"
	"docsync/internal/storage"

	"go.opentelemetry.io/otel/attribute"
)

// DefaultKey is the well-known slot name shared by every tab.
const DefaultKey = "doc-sync"

var (
	// ErrTornDown is returned by every operation after Close.
	ErrTornDown = errors.New("replication: provider torn down")
	// ErrDecode marks slot values that could not be turned into a document update.
	ErrDecode = errors.New("replication: undecodable slot value")
)

// Document is the replicated document as seen by the provider.
type Document interface {
	EncodeStateAsUpdate() []byte
	ApplyUpdate(update []byte) error
}

// Storage is the shared slot medium.
type Storage interface {
	GetItem(ctx context.Context, key string) (string, bool, error)
	SetItem(ctx context.Context, key, value string) error
	Watch(ctx context.Context, fn storage.Listener) (storage.Subscription, error)
}

// State is the provider lifecycle stage.
type State int

const (
	StateConstructed State = iota
	StateActive
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateActive:
		return "active"
	case StateTornDown:
		return "torn-down"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is a snapshot of the provider's sync activity.
type Status struct {
	State           State
	Publishes       int
	Merges          int
	Rejected        int // slot values that failed to decode or merge
	LastPublishedAt time.Time
	LastMergedAt    time.Time
	LastError       error
}

// Option configures a Provider.
type Option func(*Provider)

// WithKey overrides the slot key.
func WithKey(key string) Option {
	return func(p *Provider) {
		p.key = key
	}
}

// WithErrorHandler is called for failures nobody else sees: values from
// other tabs that fail to decode or merge. It replaces the default log line.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Provider) {
		p.onError = fn
	}
}

// Provider bridges one Document to the shared slot.
//
// Merges of remote values are never published back; only Publish and
// Mutate write to the slot.
type Provider struct {
	doc     Document
	store   Storage
	key     string
	onError func(error)

	mu       sync.Mutex // guards state and inflight registration
	state    State
	sub      storage.Subscription
	inflight sync.WaitGroup

	publishMu sync.Mutex // serializes encode+write

	statusMu    sync.Mutex
	status      Status
	lastWritten string
}

// New attaches doc to the slot. It starts watching for changes first and
// then loads whatever the slot already holds, so no write between the two
// is missed. An undecodable slot value is reported and skipped; failing to
// reach the storage medium is an error.
func New(ctx context.Context, doc Document, store Storage, opts ...Option) (*Provider, error) {
	p := &Provider{
		doc:   doc,
		store: store,
		key:   DefaultKey,
		state: StateConstructed,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.onError == nil {
		p.onError = func(err error) {
			log.Printf("⚠️  Slot %q: %v", p.key, err)
		}
	}

	sub, err := store.Watch(ctx, p.HandleExternalChange)
	if err != nil {
		return nil, fmt.Errorf("failed to watch slot %q: %w", p.key, err)
	}
	p.sub = sub

	if err := p.load(ctx); err != nil && !errors.Is(err, ErrDecode) {
		p.mu.Lock()
		p.state = StateTornDown
		p.mu.Unlock()
		sub.Close()
		p.inflight.Wait()
		return nil, err
	}

	p.mu.Lock()
	p.state = StateActive
	p.mu.Unlock()
	return p, nil
}

// Key returns the slot key.
func (p *Provider) Key() string {
	return p.key
}

// State returns the lifecycle stage.
func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Status returns a snapshot of sync activity.
func (p *Provider) Status() Status {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	s := p.status
	s.State = p.State()
	return s
}

func (p *Provider) checkActive() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateActive {
		return ErrTornDown
	}
	return nil
}

// Publish writes the full current state of the document to the slot,
// replacing whatever was there.
func (p *Provider) Publish(ctx context.Context) error {
	if err := p.checkActive(); err != nil {
		return err
	}

	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	ctx, span := middleware.StartSpan(ctx, "Provider.Publish",
		attribute.String("slot.key", p.key),
	)
	defer span.End()

	value := EncodeSlotValue(p.doc.EncodeStateAsUpdate())
	span.SetAttributes(attribute.Int("slot.value_size", len(value)))

	if err := p.store.SetItem(ctx, p.key, value); err != nil {
		err = fmt.Errorf("failed to publish to slot %q: %w", p.key, err)
		middleware.AddSpanError(ctx, err)
		p.statusMu.Lock()
		p.status.LastError = err
		p.statusMu.Unlock()
		return err
	}

	p.statusMu.Lock()
	p.lastWritten = value
	p.status.Publishes++
	p.status.LastPublishedAt = time.Now()
	p.statusMu.Unlock()
	return nil
}

// Mutate runs fn, which edits the document, and publishes the result. If
// fn fails nothing is published.
func (p *Provider) Mutate(ctx context.Context, fn func() error) error {
	if err := p.checkActive(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return p.Publish(ctx)
}

// Load reads the slot and merges its value, if any, into the document.
// Undecodable values leave the document untouched and are reported as
// ErrDecode.
func (p *Provider) Load(ctx context.Context) error {
	if err := p.checkActive(); err != nil {
		return err
	}
	return p.load(ctx)
}

func (p *Provider) load(ctx context.Context) error {
	ctx, span := middleware.StartSpan(ctx, "Provider.Load",
		attribute.String("slot.key", p.key),
	)
	defer span.End()

	value, ok, err := p.store.GetItem(ctx, p.key)
	if err != nil {
		err = fmt.Errorf("failed to load slot %q: %w", p.key, err)
		middleware.AddSpanError(ctx, err)
		return err
	}
	if !ok || value == "" {
		return nil
	}
	return p.merge(ctx, value)
}

// HandleExternalChange merges a change notification for the slot. Changes
// to other keys, removals, and values this provider wrote itself are
// ignored, as is everything after Close.
func (p *Provider) HandleExternalChange(ev storage.Event) {
	if ev.Key != p.key || ev.NewValue == "" {
		return
	}

	p.mu.Lock()
	if p.state == StateTornDown {
		p.mu.Unlock()
		return
	}
	p.inflight.Add(1)
	p.mu.Unlock()
	defer p.inflight.Done()

	p.statusMu.Lock()
	own := ev.NewValue == p.lastWritten
	p.statusMu.Unlock()
	if own {
		return
	}

	_ = p.merge(context.Background(), ev.NewValue)
}

func (p *Provider) merge(ctx context.Context, value string) error {
	ctx, span := middleware.StartSpan(ctx, "Provider.Merge",
		attribute.String("slot.key", p.key),
		attribute.Int("slot.value_size", len(value)),
	)
	defer span.End()

	update, err := DecodeSlotValue(value)
	if err == nil {
		if applyErr := p.doc.ApplyUpdate(update); applyErr != nil {
			err = fmt.Errorf("%w: %w", ErrDecode, applyErr)
		}
	}
	if err != nil {
		middleware.AddSpanError(ctx, err)
		p.statusMu.Lock()
		p.status.Rejected++
		p.status.LastError = err
		p.statusMu.Unlock()
		p.onError(err)
		return err
	}

	p.statusMu.Lock()
	p.status.Merges++
	p.status.LastMergedAt = time.Now()
	p.statusMu.Unlock()
	return nil
}

// Close stops watching the slot. Notifications already being merged finish
// before Close returns; later ones are dropped. The slot itself is left
// alone, other tabs still use it. Close must not be called from a document
// observer while a merge is running.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.state == StateTornDown {
		p.mu.Unlock()
		return ErrTornDown
	}
	p.state = StateTornDown
	p.mu.Unlock()

	err := p.sub.Close()
	p.inflight.Wait()
	if err != nil {
		return fmt.Errorf("failed to stop watching slot %q: %w", p.key, err)
	}
	return nil
}
