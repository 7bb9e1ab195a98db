// Package loopback is an in-process broker.Service. Delivery is
// asynchronous and ordered per handle, like a real network, which makes it
// suitable for exercising group sessions without sockets.
package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adwski/peergroup/backend/broker"
	"github.com/adwski/peergroup/backend/mailbox"
	"github.com/adwski/peergroup/backend/model"
)

var (
	ErrNotFound    = errors.New("no such registration")
	ErrNoAcceptor  = errors.New("remote does not accept connections")
	ErrKilled      = errors.New("registration killed")
	errNotOpenConn = errors.New("connection is not open")
)

type Network struct {
	logger  zerolog.Logger
	mx      *sync.Mutex
	names   map[string]*handle
	handles map[string]*handle // every handle not yet destroyed, named or not
}

func NewNetwork(logger *zerolog.Logger) *Network {
	return &Network{
		logger:  logger.With().Str("component", "loopback").Logger(),
		mx:      &sync.Mutex{},
		names:   make(map[string]*handle),
		handles: make(map[string]*handle),
	}
}

func (n *Network) Register(ctx context.Context, name string, ev broker.Events) (broker.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, broker.NewError(broker.KindNetwork, err)
	}
	n.mx.Lock()
	defer n.mx.Unlock()

	if name == "" {
		name = uuid.NewString()
	}
	_, claimed := n.names[name]
	_, alive := n.handles[name]
	if claimed || alive {
		n.logger.Debug().Str("name", name).Msg("name collision")
		return nil, broker.NewError(broker.KindNameCollision, errors.New(name))
	}
	h := &handle{
		net:    n,
		id:     name,
		ev:     ev,
		events: mailbox.New[func()](),
		conns:  make(map[string]*conn),
	}
	n.names[name] = h
	n.handles[name] = h
	go h.run()

	n.logger.Debug().Str("name", name).Msg("registered")
	return h, nil
}

// Names lists currently registered names.
func (n *Network) Names() []string {
	n.mx.Lock()
	defer n.mx.Unlock()
	names := make([]string, 0, len(n.names))
	for name := range n.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Kill simulates a network failure of the registration with the given id,
// whether or not it still holds its name: its owner sees OnError followed
// by OnClose, remote ends of its channels see the channels close.
func (n *Network) Kill(id string) error {
	n.mx.Lock()
	h, ok := n.handles[id]
	n.mx.Unlock()
	if !ok {
		return ErrNotFound
	}
	h.post(func() {
		if h.ev.OnError != nil {
			h.ev.OnError(broker.NewError(broker.KindNetwork, ErrKilled))
		}
	})
	return h.Destroy()
}

// KillConns simulates failure of every channel of a registration while
// the registration itself stays up.
func (n *Network) KillConns(id string) error {
	n.mx.Lock()
	h, ok := n.handles[id]
	n.mx.Unlock()
	if !ok {
		return ErrNotFound
	}
	for _, c := range h.snapshotConns() {
		_ = c.Close()
	}
	return nil
}

func (n *Network) lookup(name string) (*handle, bool) {
	n.mx.Lock()
	defer n.mx.Unlock()
	h, ok := n.names[name]
	return h, ok
}

func (n *Network) release(h *handle) {
	n.mx.Lock()
	defer n.mx.Unlock()
	if cur, ok := n.names[h.id]; ok && cur == h {
		delete(n.names, h.id)
	}
}

func (n *Network) forget(h *handle) {
	n.mx.Lock()
	defer n.mx.Unlock()
	if cur, ok := n.handles[h.id]; ok && cur == h {
		delete(n.handles, h.id)
	}
}

type handle struct {
	net    *Network
	ev     broker.Events
	events *mailbox.Mailbox[func()]
	conns  map[string]*conn
	id     string

	mx        sync.Mutex
	destroyed bool
}

func (h *handle) ID() string { return h.id }

func (h *handle) run() {
	for range h.events.Ready() {
		for _, fn := range h.events.Drain() {
			fn()
		}
		if h.events.Closed() {
			for _, fn := range h.events.Drain() {
				fn()
			}
			return
		}
	}
}

func (h *handle) post(fn func()) bool {
	return h.events.Put(fn)
}

func (h *handle) Connect(ctx context.Context, name string, metadata []byte, ev broker.ConnEvents) (broker.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, broker.NewError(broker.KindNetwork, err)
	}
	h.mx.Lock()
	destroyed := h.destroyed
	h.mx.Unlock()
	if destroyed {
		return nil, broker.ErrClosed
	}

	remote, ok := h.net.lookup(name)
	if !ok {
		return nil, broker.NewError(broker.KindPeerUnavailable, ErrNotFound)
	}
	if remote.ev.OnConnection == nil {
		return nil, broker.NewError(broker.KindPeerUnavailable, ErrNoAcceptor)
	}

	id := uuid.NewString()
	local := &conn{id: id, owner: h, peer: remote.id, metadata: metadata, events: ev, open: true}
	far := &conn{id: id, owner: remote, peer: h.id, metadata: metadata, open: true}
	local.remote, far.remote = far, local

	if !h.attach(local) || !remote.attach(far) {
		h.detach(local)
		return nil, broker.NewError(broker.KindPeerUnavailable, ErrNotFound)
	}
	if !remote.post(func() {
		cev := remote.ev.OnConnection(far)
		far.mx.Lock()
		far.events = cev
		far.mx.Unlock()
	}) {
		h.detach(local)
		remote.detach(far)
		return nil, broker.NewError(broker.KindPeerUnavailable, ErrNotFound)
	}

	h.net.logger.Debug().
		Str("src", h.id).
		Str("dst", remote.id).
		Str("conn", id).
		Msg("channel opened")
	return local, nil
}

func (h *handle) attach(c *conn) bool {
	h.mx.Lock()
	defer h.mx.Unlock()
	if h.destroyed {
		return false
	}
	h.conns[c.id] = c
	return true
}

func (h *handle) detach(c *conn) {
	h.mx.Lock()
	defer h.mx.Unlock()
	delete(h.conns, c.id)
}

func (h *handle) snapshotConns() []*conn {
	h.mx.Lock()
	defer h.mx.Unlock()
	out := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *handle) Disconnect() error {
	h.net.release(h)
	return nil
}

func (h *handle) Destroy() error {
	h.mx.Lock()
	if h.destroyed {
		h.mx.Unlock()
		return nil
	}
	h.destroyed = true
	h.mx.Unlock()

	h.net.release(h)
	h.net.forget(h)
	for _, c := range h.snapshotConns() {
		_ = c.Close()
	}
	h.post(func() {
		if h.ev.OnClose != nil {
			h.ev.OnClose()
		}
	})
	h.events.Close()
	h.net.logger.Debug().Str("name", h.id).Msg("destroyed")
	return nil
}

type conn struct {
	owner    *handle
	remote   *conn
	id       string
	peer     string
	metadata []byte

	mx       sync.Mutex
	events   broker.ConnEvents
	open     bool
	notified bool // close already delivered to the owner
}

func (c *conn) ID() string       { return c.id }
func (c *conn) Peer() string     { return c.peer }
func (c *conn) Metadata() []byte { return c.metadata }

func (c *conn) IsOpen() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.open
}

// Send copies env through its wire encoding so receivers never share
// memory with senders.
func (c *conn) Send(env model.Envelope) error {
	if !c.IsOpen() {
		return broker.NewError(broker.KindClosed, errNotOpenConn)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return broker.NewError(broker.KindProtocol, err)
	}
	far := c.remote
	far.owner.post(func() {
		var in model.Envelope
		if err := json.Unmarshal(b, &in); err != nil {
			far.emitError(broker.NewError(broker.KindProtocol, err))
			return
		}
		far.emitData(in)
	})
	return nil
}

func (c *conn) Close() error {
	c.shut()
	c.remote.shut()
	return nil
}

// shut marks this end closed and queues its close notification once.
func (c *conn) shut() {
	c.mx.Lock()
	if !c.open {
		c.mx.Unlock()
		return
	}
	c.open = false
	c.mx.Unlock()

	c.owner.detach(c)
	c.owner.post(func() {
		c.mx.Lock()
		ev := c.events
		c.notified = true
		c.mx.Unlock()
		if ev.OnClose != nil {
			ev.OnClose()
		}
	})
}

func (c *conn) emitData(env model.Envelope) {
	c.mx.Lock()
	ev, notified := c.events, c.notified
	c.mx.Unlock()
	if !notified && ev.OnData != nil {
		ev.OnData(env)
	}
}

func (c *conn) emitError(err error) {
	c.mx.Lock()
	ev := c.events
	c.mx.Unlock()
	if ev.OnError != nil {
		ev.OnError(err)
	}
}
