package group

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adwski/peergroup/backend/broker"
	"github.com/adwski/peergroup/backend/broker/loopback"
	"github.com/adwski/peergroup/backend/model"
)

const (
	waitTimeout = 2 * time.Second
	quietPeriod = 150 * time.Millisecond
)

type peerEvent struct {
	bio model.Bio
	id  model.ParticipantID
}

// recorder captures hook invocations.
type recorder struct {
	joined     chan map[model.ParticipantID]model.Bio
	left       chan struct{}
	peerJoined chan peerEvent
	peerLeft   chan model.ParticipantID
	received   chan model.Envelope
	errs       chan error
}

func newRecorder() *recorder {
	return &recorder{
		joined:     make(chan map[model.ParticipantID]model.Bio, 16),
		left:       make(chan struct{}, 16),
		peerJoined: make(chan peerEvent, 64),
		peerLeft:   make(chan model.ParticipantID, 64),
		received:   make(chan model.Envelope, 64),
		errs:       make(chan error, 64),
	}
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnJoinedGroup: func(roster map[model.ParticipantID]model.Bio) { r.joined <- roster },
		OnLeftGroup:   func() { r.left <- struct{}{} },
		OnPeerJoined:  func(id model.ParticipantID, bio model.Bio) { r.peerJoined <- peerEvent{id: id, bio: bio} },
		OnPeerLeft:    func(id model.ParticipantID) { r.peerLeft <- id },
		OnReceive:     func(env model.Envelope) { r.received <- env },
		OnError:       func(err error) { r.errs <- err },
	}
}

// countingService records registrations going through it.
type countingService struct {
	broker.Service
	mx      sync.Mutex
	names   []string
	handles []string
}

func (c *countingService) Register(ctx context.Context, name string, ev broker.Events) (broker.Handle, error) {
	h, err := c.Service.Register(ctx, name, ev)
	c.mx.Lock()
	defer c.mx.Unlock()
	c.names = append(c.names, name)
	if err == nil {
		c.handles = append(c.handles, h.ID())
	}
	return h, err
}

func (c *countingService) count(name string) int {
	c.mx.Lock()
	defer c.mx.Unlock()
	n := 0
	for _, v := range c.names {
		if v == name {
			n++
		}
	}
	return n
}

func (c *countingService) lastHandle() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	if len(c.handles) == 0 {
		return ""
	}
	return c.handles[len(c.handles)-1]
}

type fixture struct {
	t   *testing.T
	net *loopback.Network
}

func newFixture(t *testing.T) *fixture {
	logger := zerolog.Nop()
	return &fixture{t: t, net: loopback.NewNetwork(&logger)}
}

type member struct {
	*Session
	rec *recorder
	svc *countingService
}

func (f *fixture) session(group, bio string, retry RetryPolicy) *member {
	f.t.Helper()
	rec := newRecorder()
	svc := &countingService{Service: f.net}
	b, err := json.Marshal(bio)
	require.NoError(f.t, err)
	s, err := New(Config{
		Service: svc,
		Group:   group,
		Bio:     b,
		Hooks:   rec.hooks(),
		Retry:   retry,
	})
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = s.Close() })
	return &member{Session: s, rec: rec, svc: svc}
}

// join connects m and waits until it is live.
func (f *fixture) join(m *member, retry bool) map[model.ParticipantID]model.Bio {
	f.t.Helper()
	require.NoError(f.t, m.Connect(retry))
	return recv(f.t, m.rec.joined)
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %T", *new(T))
	}
	var zero T
	return zero
}

func quiet[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %T: %+v", v, v)
	case <-time.After(quietPeriod):
	}
}

func bio(s string) model.Bio {
	b, _ := json.Marshal(s)
	return b
}

func noRetry() RetryPolicy {
	return RetryPolicy{}
}
