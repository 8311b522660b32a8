// Package storage provides the shared key-value slot that tabs replicate
// through.
//
// Every medium offers the same local-storage shaped surface: GetItem,
// SetItem, RemoveItem and Watch. A Watch listener is told about writes made
// through every other handle on the same medium, never about writes made
// through its own handle.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/ksuid"
)

var (
	// ErrQuotaExceeded is returned when a write does not fit in the medium.
	ErrQuotaExceeded = errors.New("storage: quota exceeded")
	// ErrUnavailable is returned when the medium cannot be reached or is disabled.
	ErrUnavailable = errors.New("storage: unavailable")
	// ErrClosed is returned by handles that have been closed.
	ErrClosed = errors.New("storage: closed")
)

// Event is a change notification for one key. An empty NewValue means the
// key was removed.
type Event struct {
	Key      string
	OldValue string
	NewValue string
}

// Listener receives change notifications.
type Listener func(Event)

// Subscription is an active Watch registration. Close is safe to call more
// than once.
type Subscription interface {
	Close() error
}

// envelope is the notification payload for media that broadcast over a
// separate channel.
type envelope struct {
	ID     string `json:"id"`
	Origin string `json:"origin"`
	Key    string `json:"key"`
	Old    string `json:"old,omitempty"`
	New    string `json:"new,omitempty"`
}

func newEnvelope(origin, key, oldValue, newValue string) envelope {
	return envelope{
		ID:     ksuid.New().String(),
		Origin: origin,
		Key:    key,
		Old:    oldValue,
		New:    newValue,
	}
}

func (e envelope) marshal() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode change notification: %w", err)
	}
	return string(b), nil
}

func parseEnvelope(payload string) (envelope, error) {
	var e envelope
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return e, fmt.Errorf("failed to decode change notification: %w", err)
	}
	if e.Origin == "" || e.Key == "" {
		return e, fmt.Errorf("change notification missing origin or key")
	}
	return e, nil
}
