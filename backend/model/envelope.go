package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ParticipantID identifies a group member. HostID is reserved for the host,
// peers get positive ids in join order.
type ParticipantID int

const HostID ParticipantID = 0

// Bio is an opaque description a participant supplies when it connects.
type Bio = json.RawMessage

// ControlType marks protocol envelopes. The zero value denotes an
// application message.
type ControlType string

const (
	ControlIntro  ControlType = "intro"
	ControlJoined ControlType = "joined"
	ControlLeft   ControlType = "left"
	ControlLeave  ControlType = "leave"
)

var (
	ErrUnknownControl = errors.New("unknown control type")
	ErrBadIntro       = errors.New("malformed intro payload")
)

func (c ControlType) Valid() bool {
	switch c {
	case "", ControlIntro, ControlJoined, ControlLeft, ControlLeave:
		return true
	}
	return false
}

// Envelope is the unit exchanged over group connections.
// Type and To are omitted from the wire when not applicable.
type Envelope struct {
	ID   ParticipantID   `json:"id"`
	Time int64           `json:"time"`
	Data json.RawMessage `json:"data"`
	Type ControlType     `json:"type,omitempty"`
	To   *ParticipantID  `json:"to,omitempty"`
}

// NewEnvelope builds an application envelope stamped with the current time.
func NewEnvelope(id ParticipantID, data json.RawMessage) Envelope {
	return Envelope{
		ID:   id,
		Time: time.Now().UnixMilli(),
		Data: data,
	}
}

// NewControl builds a control envelope.
func NewControl(id ParticipantID, typ ControlType, data json.RawMessage) Envelope {
	env := NewEnvelope(id, data)
	env.Type = typ
	return env
}

// WithTarget returns a copy of env addressed to a single participant.
func (env Envelope) WithTarget(to ParticipantID) Envelope {
	env.To = &to
	return env
}

// Target reports the addressed participant, if any.
func (env Envelope) Target() (ParticipantID, bool) {
	if env.To == nil {
		return 0, false
	}
	return *env.To, true
}

func (env Envelope) IsControl() bool {
	return env.Type != ""
}

func (env Envelope) Validate() error {
	if !env.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownControl, env.Type)
	}
	return nil
}

// EncodeData marshals an application payload. Already encoded payloads
// are passed through.
func EncodeData(v any) (json.RawMessage, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	}
	return json.Marshal(v)
}

// NewIntro builds the intro envelope a host sends to a newly accepted peer.
func NewIntro(id ParticipantID, roster map[ParticipantID]Bio) (Envelope, error) {
	b, err := json.Marshal(roster)
	if err != nil {
		return Envelope{}, err
	}
	return NewControl(id, ControlIntro, b), nil
}

// DecodeIntro extracts the roster snapshot carried by an intro envelope.
func DecodeIntro(env Envelope) (map[ParticipantID]Bio, error) {
	if env.Type != ControlIntro {
		return nil, fmt.Errorf("%w: type %q", ErrBadIntro, env.Type)
	}
	roster := make(map[ParticipantID]Bio)
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return roster, nil
	}
	if err := json.Unmarshal(env.Data, &roster); err != nil {
		return nil, errors.Join(ErrBadIntro, err)
	}
	return roster, nil
}
