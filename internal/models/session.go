package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Tab is one editing context attached to the shared slot
type Tab struct {
	ID            string    `json:"id"`
	ParticipantID string    `json:"participant_id"`
	OpenedAt      time.Time `json:"opened_at"`
	LastActiveAt  time.Time `json:"last_active_at"`
}

// MessageType defines the client/server messages of the tab websocket stream
type MessageType string

const (
	// Client -> server edits
	MessageTypeSetText MessageType = "set_text"
	MessageTypeInsert  MessageType = "insert"
	MessageTypeDelete  MessageType = "delete"

	// Server -> client
	MessageTypeView  MessageType = "view"
	MessageTypeError MessageType = "error"
)

// ClientMessage is an edit sent by a websocket client.
type ClientMessage struct {
	Type   MessageType `json:"type"`
	Text   string      `json:"text,omitempty"`
	Index  int         `json:"index,omitempty"`
	Length int         `json:"length,omitempty"`
}

// ServerMessage is pushed to websocket clients.
type ServerMessage struct {
	Type  MessageType `json:"type"`
	View  *View       `json:"view,omitempty"`
	Error string      `json:"error,omitempty"`
}

// View is everything the UI needs to render a tab
type View struct {
	Text         string                 `json:"text"`
	Participants map[string]Participant `json:"participants"`
	Self         Participant            `json:"self"`
	Status       SyncStatus             `json:"status"`
}

// SyncStatus summarises how a tab's replication is doing, for a status
// indicator. Zero times mean "never".
type SyncStatus struct {
	State           string    `json:"state"`
	Publishes       int       `json:"publishes"`
	Merges          int       `json:"merges"`
	Rejected        int       `json:"rejected"`
	LastPublishedAt time.Time `json:"last_published_at"`
	LastMergedAt    time.Time `json:"last_merged_at"`
	LastError       string    `json:"last_error,omitempty"`
}

// NewTab creates tab metadata for a participant
func NewTab(participantID string) *Tab {
	now := time.Now()
	return &Tab{
		ID:            ksuid.New().String(),
		ParticipantID: participantID,
		OpenedAt:      now,
		LastActiveAt:  now,
	}
}
