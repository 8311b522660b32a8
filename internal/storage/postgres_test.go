package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"docsync/internal/models"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

// fakeRecords is an in-memory storage_slots table.
type fakeRecords struct {
	mu   sync.Mutex
	rows map[string]models.SlotRecord
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{rows: make(map[string]models.SlotRecord)}
}

func (f *fakeRecords) Get(_ context.Context, key string) (*models.SlotRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakeRecords) Put(_ context.Context, rec *models.SlotRecord, _, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if old, ok := f.rows[rec.Key]; ok && old.Value == rec.Value {
		return false, nil
	}
	f.rows[rec.Key] = *rec
	return true, nil
}

func (f *fakeRecords) Delete(_ context.Context, key, _, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[key]
	delete(f.rows, key)
	return ok, nil
}

// fakeNotifications stands in for the pq listener connection.
type fakeNotifications struct {
	ch chan *pq.Notification
}

func (f *fakeNotifications) NotificationChannel() <-chan *pq.Notification { return f.ch }
func (f *fakeNotifications) Ping() error { return nil }
func (f *fakeNotifications) Close() error { return nil }

type pgHarness struct {
	rows   *fakeRecords
	src    *fakeNotifications
	slot   *PostgresSlot
	events chan Event
}

func newPgHarness(t *testing.T) *pgHarness {
	t.Helper()
	h := &pgHarness{
		rows:   newFakeRecords(),
		src:    &fakeNotifications{ch: make(chan *pq.Notification, 16)},
		events: make(chan Event, 16),
	}
	h.slot = &PostgresSlot{repo: h.rows, channel: defaultSlotChannel, origin: "self"}
	sub := h.slot.subscribe(h.src, func(ev Event) { h.events <- ev })
	t.Cleanup(func() { sub.Close() })
	return h
}

// write stores a row as if origin had written it and sends its notification.
func (h *pgHarness) write(t *testing.T, origin, key, value string) {
	t.Helper()
	_, err := h.rows.Put(context.Background(), &models.SlotRecord{Key: key, Value: value, Origin: origin}, "", "")
	require.NoError(t, err)
	h.notify(t, origin, key)
}

func (h *pgHarness) notify(t *testing.T, origin, key string) {
	t.Helper()
	payload, err := newEnvelope(origin, key, "", "").marshal()
	require.NoError(t, err)
	h.src.ch <- &pq.Notification{Channel: defaultSlotChannel, Extra: payload}
}

func (h *pgHarness) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no slot event delivered")
		return Event{}
	}
}

func TestPostgresWatchDeliversOtherWriters(t *testing.T) {
	h := newPgHarness(t)

	h.write(t, "other", "doc", "[1]")
	require.Equal(t, Event{Key: "doc", NewValue: "[1]"}, h.next(t))

	h.write(t, "other", "doc", "[1,2]")
	require.Equal(t, Event{Key: "doc", OldValue: "[1]", NewValue: "[1,2]"}, h.next(t))
}

func TestPostgresWatchSkipsOwnWrites(t *testing.T) {
	h := newPgHarness(t)

	// Our own notification is dropped before the row is read.
	h.write(t, "self", "doc", "[1]")

	// Another writer's notification arrives, but the row was since
	// overwritten by this handle.
	h.notify(t, "other", "doc")

	// Events are delivered in order, so the next one proves the two above
	// were dropped.
	h.write(t, "other", "marker", "[9]")
	require.Equal(t, Event{Key: "marker", NewValue: "[9]"}, h.next(t))
}

func TestPostgresWatchSuppressesDuplicates(t *testing.T) {
	h := newPgHarness(t)

	h.write(t, "other", "doc", "[1]")
	require.Equal(t, Event{Key: "doc", NewValue: "[1]"}, h.next(t))

	h.notify(t, "other", "doc")
	h.write(t, "other", "marker", "[9]")
	require.Equal(t, Event{Key: "marker", NewValue: "[9]"}, h.next(t))
}

func TestPostgresWatchRereadsSeenKeysAfterReconnect(t *testing.T) {
	h := newPgHarness(t)

	h.write(t, "other", "doc", "[1]")
	require.Equal(t, Event{Key: "doc", NewValue: "[1]"}, h.next(t))

	// A write whose notification was lost while disconnected.
	_, err := h.rows.Put(context.Background(), &models.SlotRecord{Key: "doc", Value: "[1,2]", Origin: "other"}, "", "")
	require.NoError(t, err)

	h.src.ch <- nil
	require.Equal(t, Event{Key: "doc", OldValue: "[1]", NewValue: "[1,2]"}, h.next(t))

	// A reconnect with nothing new delivers nothing.
	h.src.ch <- nil
	h.write(t, "other", "marker", "[9]")
	require.Equal(t, Event{Key: "marker", NewValue: "[9]"}, h.next(t))
}

func TestPostgresWatchReportsDeletion(t *testing.T) {
	h := newPgHarness(t)

	h.write(t, "other", "doc", "[1]")
	require.Equal(t, Event{Key: "doc", NewValue: "[1]"}, h.next(t))

	_, err := h.rows.Delete(context.Background(), "doc", "", "")
	require.NoError(t, err)
	h.notify(t, "other", "doc")
	require.Equal(t, Event{Key: "doc", OldValue: "[1]"}, h.next(t))
}

func TestPostgresWatchIgnoresMalformedPayloads(t *testing.T) {
	h := newPgHarness(t)

	h.src.ch <- &pq.Notification{Channel: defaultSlotChannel, Extra: "not json"}
	h.write(t, "other", "marker", "[9]")
	require.Equal(t, Event{Key: "marker", NewValue: "[9]"}, h.next(t))
}

func TestPostgresSlotReadsAndWritesThroughRepository(t *testing.T) {
	ctx := context.Background()
	rows := newFakeRecords()
	slot := &PostgresSlot{repo: rows, channel: defaultSlotChannel, origin: "self"}

	_, ok, err := slot.GetItem(ctx, "doc")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, slot.SetItem(ctx, "doc", "[1]"))
	v, ok, err := slot.GetItem(ctx, "doc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "[1]", v)
	require.Equal(t, "self", rows.rows["doc"].Origin)

	require.NoError(t, slot.RemoveItem(ctx, "doc"))
	_, ok, err = slot.GetItem(ctx, "doc")
	require.NoError(t, err)
	require.False(t, ok)
}
