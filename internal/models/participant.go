package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
)

// ErrInvalidParticipant is returned for participant records that do not
// have the expected shape.
var ErrInvalidParticipant = errors.New("invalid participant")

// Participant is one open tab as shown in the user list.
// IDs are unique per tab instantiation, not per person.
type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Color  string `json:"color"`  // CSS colour used to tell users apart
	Avatar string `json:"avatar"` // avatar image URL
}

// NewParticipant creates a participant with a random handle, colour and avatar.
func NewParticipant() Participant {
	hash := rand.IntN(1000)
	return Participant{
		ID:     fmt.Sprintf("Id-%d", hash),
		Name:   fmt.Sprintf("User-%d", hash),
		Color:  RandomColor(),
		Avatar: fmt.Sprintf("https://i.pravatar.cc/150?u=%d", hash),
	}
}

// RandomColor returns a saturated HSL colour with a random hue.
func RandomColor() string {
	return fmt.Sprintf("hsl(%d, 70%%, 50%%)", rand.IntN(360))
}

// Validate checks that every field is set.
func (p Participant) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidParticipant)
	case p.Name == "":
		return fmt.Errorf("%w: missing name", ErrInvalidParticipant)
	case p.Color == "":
		return fmt.Errorf("%w: missing color", ErrInvalidParticipant)
	case p.Avatar == "":
		return fmt.Errorf("%w: missing avatar", ErrInvalidParticipant)
	}
	return nil
}

// DecodeParticipant parses a participant record written by another tab.
// Unknown fields, missing fields and trailing data are all rejected.
func DecodeParticipant(raw []byte) (Participant, error) {
	var p Participant
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Participant{}, fmt.Errorf("%w: %v", ErrInvalidParticipant, err)
	}
	if dec.More() {
		return Participant{}, fmt.Errorf("%w: trailing data", ErrInvalidParticipant)
	}
	if err := p.Validate(); err != nil {
		return Participant{}, err
	}
	return p, nil
}
