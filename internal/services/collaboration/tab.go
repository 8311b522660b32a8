package collaboration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"docsync/internal/crdt"
	"docsync/internal/middleware"
	"docsync/internal/models"
	"docsync/internal/replication"

	"go.opentelemetry.io/otel/attribute"
)

/*
TABS

A Tab is one execution context editing the shared document: its own CRDT
replica, its own replication provider and its own participant entry. Several
tabs attached to the same storage medium behave like several browser tabs of
the same origin.

The document has two fields:
  - "content": the shared text
  - "participants": participant id -> participant record (JSON)
*/

const (
	ContentField      = "content"
	ParticipantsField = "participants"
)

// ErrTabClosed is returned by edits on a closed tab.
var ErrTabClosed = errors.New("tab closed")

// TabOption configures OpenTab.
type TabOption func(*tabConfig)

type tabConfig struct {
	key         string
	participant *models.Participant
	onError     func(error)
	newIdentity func() models.Participant
}

// maxIdentityAttempts bounds how many generated participants OpenTab tries
// before giving up on finding an id no live tab uses.
const maxIdentityAttempts = 32

// WithSlotKey attaches the tab to a slot other than replication.DefaultKey.
func WithSlotKey(key string) TabOption {
	return func(c *tabConfig) {
		c.key = key
	}
}

// WithParticipant uses p instead of a randomly generated participant.
// Opening fails with models.ErrInvalidParticipant if a live tab on the same
// slot already uses p.ID.
func WithParticipant(p models.Participant) TabOption {
	return func(c *tabConfig) {
		c.participant = &p
	}
}

// WithSyncErrorHandler receives slot values from other tabs that could not
// be merged.
func WithSyncErrorHandler(fn func(error)) TabOption {
	return func(c *tabConfig) {
		c.onError = fn
	}
}

// Tab is one open editing context.
type Tab struct {
	meta     models.Tab
	metaMu   sync.Mutex
	self     models.Participant
	store    replication.Storage
	doc      *crdt.Doc
	content  *crdt.Text
	members  *crdt.Map
	provider *replication.Provider

	closeMu sync.Mutex
	closed  bool
	done    chan struct{}
}

// OpenTab creates a replica, attaches it to store, registers the tab's
// participant and publishes the result. The tab owns store from here on:
// if store is an io.Closer it is closed with the tab.
func OpenTab(ctx context.Context, store replication.Storage, opts ...TabOption) (*Tab, error) {
	cfg := tabConfig{key: replication.DefaultKey, newIdentity: models.NewParticipant}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.participant != nil {
		if err := cfg.participant.Validate(); err != nil {
			return nil, err
		}
	}

	ctx, span := middleware.StartSpan(ctx, "Tab.Open",
		attribute.String("slot.key", cfg.key),
	)
	defer span.End()

	doc := crdt.NewDoc()
	t := &Tab{
		meta:    *models.NewTab(""),
		store:   store,
		doc:     doc,
		content: doc.GetText(ContentField),
		members: doc.GetMap(ParticipantsField),
		done:    make(chan struct{}),
	}

	popts := []replication.Option{replication.WithKey(cfg.key)}
	if cfg.onError != nil {
		popts = append(popts, replication.WithErrorHandler(cfg.onError))
	}
	provider, err := replication.New(ctx, doc, store, popts...)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		t.closeStore()
		return nil, err
	}
	t.provider = provider

	// The slot is loaded, so the participant map holds every live tab.
	err = provider.Mutate(ctx, func() error {
		self, err := t.claimIdentity(&cfg)
		if err != nil {
			return err
		}
		t.self = self
		t.meta.ParticipantID = self.ID
		return t.members.Set(self.ID, self)
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		provider.Close()
		t.closeStore()
		return nil, fmt.Errorf("failed to register participant: %w", err)
	}
	span.SetAttributes(attribute.String("participant.id", t.self.ID))

	log.Printf("✓ Tab %s opened as %s (slot %q)", t.meta.ID, t.self.Name, cfg.key)
	return t, nil
}

// claimIdentity picks a participant whose id is not in the participant map.
// An explicit participant is never renamed.
func (t *Tab) claimIdentity(cfg *tabConfig) (models.Participant, error) {
	if cfg.participant != nil {
		if t.members.Has(cfg.participant.ID) {
			return models.Participant{}, fmt.Errorf("%w: id %q is already in use", models.ErrInvalidParticipant, cfg.participant.ID)
		}
		return *cfg.participant, nil
	}
	for range maxIdentityAttempts {
		p := cfg.newIdentity()
		if err := p.Validate(); err != nil {
			return models.Participant{}, err
		}
		if !t.members.Has(p.ID) {
			return p, nil
		}
	}
	return models.Participant{}, fmt.Errorf("%w: no free participant id after %d attempts", models.ErrInvalidParticipant, maxIdentityAttempts)
}

// ID returns the tab id.
func (t *Tab) ID() string {
	return t.meta.ID
}

// Info returns the tab metadata.
func (t *Tab) Info() models.Tab {
	t.metaMu.Lock()
	defer t.metaMu.Unlock()
	return t.meta
}

// Self returns this tab's participant.
func (t *Tab) Self() models.Participant {
	return t.self
}

// Done is closed when the tab closes.
func (t *Tab) Done() <-chan struct{} {
	return t.done
}

func (t *Tab) touch() {
	t.metaMu.Lock()
	t.meta.LastActiveAt = time.Now()
	t.metaMu.Unlock()
}

func (t *Tab) edit(ctx context.Context, name string, fn func() error) error {
	if t.isClosed() {
		return ErrTabClosed
	}
	t.touch()

	ctx, span := middleware.StartSpan(ctx, name, attribute.String("tab.id", t.meta.ID))
	defer span.End()

	if err := t.provider.Mutate(ctx, fn); err != nil {
		middleware.AddSpanError(ctx, err)
		if errors.Is(err, replication.ErrTornDown) {
			return ErrTabClosed
		}
		return err
	}
	return nil
}

// SetText replaces the whole content with s and publishes.
func (t *Tab) SetText(ctx context.Context, s string) error {
	return t.edit(ctx, "Tab.SetText", func() error {
		if err := t.content.Delete(0, t.content.Len()); err != nil {
			return err
		}
		return t.content.Insert(0, s)
	})
}

// Insert inserts s at rune position index and publishes.
func (t *Tab) Insert(ctx context.Context, index int, s string) error {
	return t.edit(ctx, "Tab.Insert", func() error {
		return t.content.Insert(index, s)
	})
}

// Delete removes length runes starting at index and publishes.
func (t *Tab) Delete(ctx context.Context, index, length int) error {
	return t.edit(ctx, "Tab.Delete", func() error {
		return t.content.Delete(index, length)
	})
}

// Text returns the current content.
func (t *Tab) Text() string {
	return t.content.String()
}

// Participants returns every well-formed participant record in the
// document. Records another tab wrote in an unexpected shape are skipped.
func (t *Tab) Participants() map[string]models.Participant {
	entries := t.members.Entries()
	out := make(map[string]models.Participant, len(entries))
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p, err := models.DecodeParticipant(entries[k])
		if err != nil {
			log.Printf("⚠️  Tab %s: skipping participant %q: %v", t.meta.ID, k, err)
			continue
		}
		out[k] = p
	}
	return out
}

// Status returns the sync status indicator.
func (t *Tab) Status() models.SyncStatus {
	s := t.provider.Status()
	out := models.SyncStatus{
		State:           s.State.String(),
		Publishes:       s.Publishes,
		Merges:          s.Merges,
		Rejected:        s.Rejected,
		LastPublishedAt: s.LastPublishedAt,
		LastMergedAt:    s.LastMergedAt,
	}
	if s.LastError != nil {
		out.LastError = s.LastError.Error()
	}
	return out
}

// View returns a render snapshot.
func (t *Tab) View() models.View {
	return models.View{
		Text:         t.Text(),
		Participants: t.Participants(),
		Self:         t.self,
		Status:       t.Status(),
	}
}

// OnChange calls fn after every change to the content or the participant
// list, whether made locally or merged from another tab. fn runs
// synchronously on the goroutine that made the change and must not block.
func (t *Tab) OnChange(fn func()) (cancel func()) {
	handler := func(crdt.Event) {
		fn()
	}
	cancelContent := t.doc.Observe(ContentField, handler)
	cancelMembers := t.doc.Observe(ParticipantsField, handler)
	return func() {
		cancelContent()
		cancelMembers()
	}
}

// Watch is OnChange with a fresh View per change. Consumers that only need
// to know something changed should use OnChange; building a View decodes
// every participant record.
func (t *Tab) Watch(fn func(models.View)) (cancel func()) {
	return t.OnChange(func() {
		fn(t.View())
	})
}

func (t *Tab) isClosed() bool {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	return t.closed
}

// Close removes this tab's participant, publishes that removal and detaches
// from the slot. Closing twice is a no-op. The detach happens even when the
// final publish fails; that error is returned.
func (t *Tab) Close(ctx context.Context) error {
	t.closeMu.Lock()
	if t.closed {
		t.closeMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.closeMu.Unlock()

	ctx, span := middleware.StartSpan(ctx, "Tab.Close", attribute.String("tab.id", t.meta.ID))
	defer span.End()

	pubErr := t.provider.Mutate(ctx, func() error {
		t.members.Delete(t.self.ID)
		return nil
	})
	if pubErr != nil {
		middleware.AddSpanError(ctx, pubErr)
		log.Printf("⚠️  Tab %s: failed to publish departure: %v", t.meta.ID, pubErr)
	}

	closeErr := t.provider.Close()
	t.closeStore()

	log.Printf("✓ Tab %s closed", t.meta.ID)
	return errors.Join(pubErr, closeErr)
}

func (t *Tab) closeStore() {
	if c, ok := t.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Printf("⚠️  Tab %s: failed to close storage handle: %v", t.meta.ID, err)
		}
	}
}
