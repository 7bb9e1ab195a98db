package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/peergroup/backend/model"
	store "github.com/adwski/peergroup/backend/storage/memory"
	sw "github.com/adwski/peergroup/backend/switch"
)

func newTestService() *Service {
	logger := zerolog.Nop()
	ms := store.NewMemStore()
	return NewService(Config{
		NameStore: ms,
		Switch:    sw.NewSwitch(&logger, ms),
		Logger:    &logger,
	})
}

func TestService_Endpoints(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := newTestService()

	id, err := svc.OpenEndpoint("ns", "room")
	require.NoError(t, err)
	assert.Equal(t, "room", id)

	_, err = svc.OpenEndpoint("ns", "room")
	assert.ErrorIs(t, err, ErrNameTaken)

	anon, err := svc.OpenEndpoint("ns", "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"room", anon}, svc.ListNames("ns"))

	require.NoError(t, svc.AttachEndpoint(ctx, "ns", id, model.NewWire()))
	require.NoError(t, svc.CloseEndpoint(ctx, "ns", id))
	assert.Equal(t, []string{anon}, svc.ListNames("ns"))

	// name is free again once the endpoint is gone
	_, err = svc.OpenEndpoint("ns", "room")
	assert.NoError(t, err)
}

func TestService_NameHeldByLiveEndpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := zerolog.Nop()
	ms := store.NewMemStore()
	s := sw.NewSwitch(&logger, ms)
	svc := NewService(Config{NameStore: ms, Switch: s, Logger: &logger})

	id, err := svc.OpenEndpoint("ns", "room")
	require.NoError(t, err)
	require.NoError(t, svc.AttachEndpoint(ctx, "ns", id, model.NewWire()))
	require.NoError(t, ms.Release("ns", id))

	_, err = svc.OpenEndpoint("ns", "room")
	assert.ErrorIs(t, err, ErrNameTaken)
}

func TestService_AttachTwice(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := newTestService()

	id, err := svc.OpenEndpoint("ns", "room")
	require.NoError(t, err)
	require.NoError(t, svc.AttachEndpoint(ctx, "ns", id, model.NewWire()))
	assert.ErrorIs(t, svc.AttachEndpoint(ctx, "ns", id, model.NewWire()), ErrConnect)
}

func TestService_NewID(t *testing.T) {
	svc := newTestService()
	_, err := uuid.Parse(svc.NewID())
	assert.NoError(t, err)
	assert.NotEqual(t, svc.NewID(), svc.NewID())
}
