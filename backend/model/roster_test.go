package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoster_DepartedIDsAreRemembered(t *testing.T) {
	r := NewRoster()
	require.NoError(t, r.Add(HostID, Bio(`"host"`)))
	require.NoError(t, r.Add(1, Bio(`"alice"`)))

	assert.True(t, r.Depart(1))
	assert.False(t, r.Depart(1), "second departure must not report a transition")
	assert.False(t, r.IsLive(1))
	assert.True(t, r.Contains(1))

	m, ok := r.Get(1)
	require.True(t, ok)
	assert.JSONEq(t, `"alice"`, string(m.Bio))

	assert.ErrorIs(t, r.Add(1, Bio(`"mallory"`)), ErrIDInUse)
}

func TestRoster_Snapshot(t *testing.T) {
	r := NewRoster()
	require.NoError(t, r.Add(HostID, Bio(`"h"`)))
	require.NoError(t, r.Add(1, Bio(`"a"`)))
	require.NoError(t, r.Add(2, Bio(`"b"`)))
	r.Depart(1)

	snap := r.Snapshot(2)
	assert.Len(t, snap, 1)
	assert.Contains(t, snap, HostID)
	assert.Equal(t, []ParticipantID{0, 2}, r.LiveIDs())
	assert.Len(t, r.Members(), 3)
}

func TestIntroRoundTrip(t *testing.T) {
	env, err := NewIntro(3, map[ParticipantID]Bio{0: Bio(`"h"`), 2: Bio(`{"n":"b"}`)})
	require.NoError(t, err)

	b, err := json.Marshal(env)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(b, &wire))
	assert.Equal(t, "intro", wire["type"])
	assert.NotContains(t, wire, "to")

	var decoded Envelope
	require.NoError(t, json.Unmarshal(b, &decoded))
	roster, err := DecodeIntro(decoded)
	require.NoError(t, err)
	assert.Len(t, roster, 2)
	assert.JSONEq(t, `{"n":"b"}`, string(roster[2]))
}

func TestDecodeIntro_RejectsOtherTypes(t *testing.T) {
	_, err := DecodeIntro(NewControl(1, ControlJoined, nil))
	assert.ErrorIs(t, err, ErrBadIntro)
}

func TestEnvelope_OmitsOptionalFields(t *testing.T) {
	b, err := json.Marshal(NewEnvelope(0, json.RawMessage(`"hi"`)))
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(b, &wire))
	assert.NotContains(t, wire, "type")
	assert.NotContains(t, wire, "to")

	b, err = json.Marshal(NewEnvelope(2, nil).WithTarget(0))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &wire))
	assert.Equal(t, float64(0), wire["to"])
}

func TestEnvelope_Validate(t *testing.T) {
	assert.NoError(t, NewControl(1, ControlLeave, nil).Validate())
	assert.ErrorIs(t, Envelope{Type: "bogus"}.Validate(), ErrUnknownControl)
}
