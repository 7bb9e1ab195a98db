package memory

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore_Claim(t *testing.T) {
	ms := NewMemStore()

	name, err := ms.Claim("ns", "room1")
	require.NoError(t, err)
	assert.Equal(t, "room1", name)

	_, err = ms.Claim("ns", "room1")
	assert.ErrorIs(t, err, ErrNameTaken)

	// namespaces are independent
	_, err = ms.Claim("other", "room1")
	assert.NoError(t, err)

	assert.True(t, ms.Claimed("ns", "room1"))
	assert.False(t, ms.Claimed("ns", "room2"))
	assert.False(t, ms.Claimed("missing", "room1"))
}

func TestMemStore_ClaimAnonymous(t *testing.T) {
	ms := NewMemStore()

	a, err := ms.Claim("ns", "")
	require.NoError(t, err)
	b, err := ms.Claim("ns", "")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	_, err = uuid.Parse(a)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{a, b}, ms.List("ns"))
}

func TestMemStore_Release(t *testing.T) {
	ms := NewMemStore()
	_, err := ms.Claim("ns", "b")
	require.NoError(t, err)
	_, err = ms.Claim("ns", "a")
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, ms.List("ns"))

	require.NoError(t, ms.Release("ns", "a"))
	assert.ErrorIs(t, ms.Release("ns", "a"), ErrNameUnknown)
	assert.ErrorIs(t, ms.Release("nope", "a"), ErrNameUnknown)
	assert.Equal(t, []string{"b"}, ms.List("ns"))

	// released names can be claimed again
	_, err = ms.Claim("ns", "a")
	assert.NoError(t, err)

	require.NoError(t, ms.Release("ns", "a"))
	require.NoError(t, ms.Release("ns", "b"))
	assert.Empty(t, ms.List("ns"))
}
