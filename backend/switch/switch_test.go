package _switch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/peergroup/backend/model"
	store "github.com/adwski/peergroup/backend/storage/memory"
)

const key = "ns"

type testEndpoint struct {
	name string
	wire model.Wire
}

func newTestSwitch(t *testing.T) (*Switch, *store.MemStore) {
	t.Helper()
	logger := zerolog.Nop()
	ms := store.NewMemStore()
	return NewSwitch(&logger, ms), ms
}

func attach(t *testing.T, ctx context.Context, sw *Switch, ms *store.MemStore, name string) *testEndpoint {
	t.Helper()
	return attachSized(t, ctx, sw, ms, name, 16)
}

func attachSized(t *testing.T, ctx context.Context, sw *Switch, ms *store.MemStore, name string, size int) *testEndpoint {
	t.Helper()
	name, err := ms.Claim(key, name)
	require.NoError(t, err)
	ep := &testEndpoint{
		name: name,
		wire: model.Wire{
			RX: make(chan model.Frame, 16),
			TX: make(chan model.Frame, size),
		},
	}
	require.NoError(t, sw.Connect(ctx, key, name, ep.wire))
	return ep
}

func (ep *testEndpoint) send(fr model.Frame) {
	fr.SRC = ep.name
	ep.wire.RX <- fr
}

func (ep *testEndpoint) recv(t *testing.T) model.Frame {
	t.Helper()
	select {
	case fr := <-ep.wire.TX:
		return fr
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: no frame", ep.name)
	}
	return model.Frame{}
}

func (ep *testEndpoint) quiet(t *testing.T) {
	t.Helper()
	select {
	case fr := <-ep.wire.TX:
		t.Fatalf("%s: unexpected frame %+v", ep.name, fr)
	case <-time.After(100 * time.Millisecond):
	}
}

func openChannel(t *testing.T, from, to *testEndpoint, conn string) {
	t.Helper()
	from.send(model.Frame{Type: model.FrameTypeConnect, DST: to.name, Conn: conn, Metadata: json.RawMessage(`"hi"`)})

	in := to.recv(t)
	assert.Equal(t, model.FrameTypeConnection, in.Type)
	assert.Equal(t, from.name, in.SRC)
	assert.Equal(t, conn, in.Conn)
	assert.JSONEq(t, `"hi"`, string(in.Metadata))

	open := from.recv(t)
	assert.Equal(t, model.FrameTypeOpen, open.Type)
	assert.Equal(t, conn, open.Conn)
	assert.Equal(t, to.name, open.SRC)
}

func TestSwitch_Channel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sw, ms := newTestSwitch(t)
	host := attach(t, ctx, sw, ms, "room")
	peer := attach(t, ctx, sw, ms, "")

	openChannel(t, peer, host, "c1")

	peer.send(model.Frame{Type: model.FrameTypeData, Conn: "c1", Payload: json.RawMessage(`{"id":1}`)})
	fr := host.recv(t)
	assert.Equal(t, model.FrameTypeData, fr.Type)
	assert.Equal(t, peer.name, fr.SRC)
	assert.JSONEq(t, `{"id":1}`, string(fr.Payload))

	host.send(model.Frame{Type: model.FrameTypeData, Conn: "c1", Payload: json.RawMessage(`{"id":0}`)})
	fr = peer.recv(t)
	assert.JSONEq(t, `{"id":0}`, string(fr.Payload))

	host.send(model.Frame{Type: model.FrameTypeClose, Conn: "c1"})
	fr = peer.recv(t)
	assert.Equal(t, model.FrameTypeClose, fr.Type)
	assert.Equal(t, "c1", fr.Conn)

	// channel is gone
	peer.send(model.Frame{Type: model.FrameTypeData, Conn: "c1", Payload: json.RawMessage(`1`)})
	host.quiet(t)
}

func TestSwitch_PeerUnavailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sw, ms := newTestSwitch(t)
	peer := attach(t, ctx, sw, ms, "")

	for _, dst := range []string{"missing", peer.name} {
		peer.send(model.Frame{Type: model.FrameTypeConnect, DST: dst, Conn: "c"})
		fr := peer.recv(t)
		assert.Equal(t, model.FrameTypeError, fr.Type, dst)
		assert.Equal(t, model.FrameCodePeerUnavailable, fr.Code)
		assert.Equal(t, "c", fr.Conn)
	}

	peer.send(model.Frame{Type: model.FrameTypeConnect, DST: "missing"})
	fr := peer.recv(t)
	assert.Equal(t, model.FrameCodeBadFrame, fr.Code)

	peer.send(model.Frame{Type: "bogus"})
	fr = peer.recv(t)
	assert.Equal(t, model.FrameCodeBadFrame, fr.Code)
}

func TestSwitch_Unregister(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sw, ms := newTestSwitch(t)
	host := attach(t, ctx, sw, ms, "room")
	peer := attach(t, ctx, sw, ms, "")
	openChannel(t, peer, host, "c1")

	peer.send(model.Frame{Type: model.FrameTypeUnregister})
	require.Eventually(t, func() bool {
		return !ms.Claimed(key, peer.name)
	}, time.Second, 10*time.Millisecond)
	assert.True(t, sw.Has(key, peer.name))

	// the open channel keeps working
	host.send(model.Frame{Type: model.FrameTypeData, Conn: "c1", Payload: json.RawMessage(`2`)})
	assert.Equal(t, model.FrameTypeData, peer.recv(t).Type)

	// but the name is no longer reachable
	host.send(model.Frame{Type: model.FrameTypeConnect, DST: peer.name, Conn: "c2"})
	assert.Equal(t, model.FrameCodePeerUnavailable, host.recv(t).Code)
}

func TestSwitch_Disconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sw, ms := newTestSwitch(t)
	host := attach(t, ctx, sw, ms, "room")
	a := attach(t, ctx, sw, ms, "")
	b := attach(t, ctx, sw, ms, "")
	openChannel(t, a, host, "ca")
	openChannel(t, b, host, "cb")

	require.NoError(t, sw.Disconnect(ctx, key, host.name))
	assert.False(t, sw.Has(key, host.name))

	fr := a.recv(t)
	assert.Equal(t, model.FrameTypeClose, fr.Type)
	assert.Equal(t, "ca", fr.Conn)
	fr = b.recv(t)
	assert.Equal(t, model.FrameTypeClose, fr.Type)
	assert.Equal(t, "cb", fr.Conn)

	assert.ErrorIs(t, sw.Connect(ctx, key, a.name, a.wire), ErrEndpointExists)
}

func TestSwitch_StuckEndpointLosesChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sw, ms := newTestSwitch(t)
	host := attachSized(t, ctx, sw, ms, "room", 1)
	peer := attach(t, ctx, sw, ms, "")
	openChannel(t, peer, host, "c1")

	// host stops reading: the first frame fills its queue, the second times out
	peer.send(model.Frame{Type: model.FrameTypeData, Conn: "c1", Payload: json.RawMessage(`1`)})
	peer.send(model.Frame{Type: model.FrameTypeData, Conn: "c1", Payload: json.RawMessage(`2`)})

	fr := peer.recv(t)
	assert.Equal(t, model.FrameTypeClose, fr.Type)
	assert.Equal(t, "c1", fr.Conn)
	assert.Equal(t, host.name, fr.SRC)

	fr = host.recv(t)
	assert.Equal(t, model.FrameTypeData, fr.Type)
	assert.JSONEq(t, `1`, string(fr.Payload))
	fr = host.recv(t)
	assert.Equal(t, model.FrameTypeClose, fr.Type)
	assert.Equal(t, "c1", fr.Conn)

	// nothing is relayed on the dropped channel
	peer.send(model.Frame{Type: model.FrameTypeData, Conn: "c1", Payload: json.RawMessage(`3`)})
	host.quiet(t)
}
