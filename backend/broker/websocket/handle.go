package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/peergroup/backend/broker"
	"github.com/adwski/peergroup/backend/mailbox"
	"github.com/adwski/peergroup/backend/model"
)

type handle struct {
	ws     *websocket.Conn
	ev     broker.Events
	out    *mailbox.Mailbox[model.Frame]
	events *mailbox.Mailbox[func()]
	done   chan struct{}
	logger zerolog.Logger
	id     string

	once    sync.Once
	mx      sync.Mutex
	conns   map[string]*conn
	pending map[string]chan error
}

func (h *handle) ID() string { return h.id }

func (h *handle) post(fn func()) bool {
	return h.events.Put(fn)
}

// dispatch runs callbacks one at a time, in arrival order.
func (h *handle) dispatch() {
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

func (h *handle) write() {
	for {
		select {
		case <-h.done:
			return
		case <-h.out.Ready():
			for _, fr := range h.out.Drain() {
				if err := h.writeFrame(fr); err != nil {
					h.fail(err)
					return
				}
			}
		}
	}
}

func (h *handle) writeFrame(fr model.Frame) error {
	b, err := json.Marshal(&fr)
	if err != nil {
		h.logger.Error().Err(err).Str("type", fr.Type).Msg("failed to marshal frame")
		return nil
	}
	if err = h.ws.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return err
	}
	if err = h.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return err
	}
	h.logger.Trace().Str("type", fr.Type).Str("conn", fr.Conn).Msg("frame sent")
	return nil
}

func (h *handle) read() {
	h.ws.SetReadLimit(defaultMaxMessageSize)
	extend := func() error {
		return h.ws.SetReadDeadline(time.Now().Add(defaultReadTimeout))
	}
	h.ws.SetPingHandler(func(data string) error {
		h.logger.Trace().Msg("got ping")
		_ = extend()
		err := h.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(defaultWriteDeadline))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	if err := extend(); err != nil {
		h.fail(err)
		return
	}

	for {
		_, msg, err := h.ws.ReadMessage()
		if err != nil {
			h.fail(err)
			return
		}
		_ = extend()

		var fr model.Frame
		if err = json.Unmarshal(msg, &fr); err != nil {
			h.logger.Error().Err(err).Msg("failed to unmarshal frame")
			continue
		}
		h.handleFrame(fr)
	}
}

func (h *handle) handleFrame(fr model.Frame) {
	logger := h.logger.With().Str("type", fr.Type).Str("conn", fr.Conn).Logger()
	logger.Trace().Msg("frame received")

	switch fr.Type {
	case model.FrameTypeConnection:
		h.accept(fr)
	case model.FrameTypeOpen:
		h.resolve(fr.Conn, nil)
	case model.FrameTypeError:
		err := broker.NewError(codeKind(fr.Code), fmt.Errorf("%w: %s", ErrRemoteError, fr.Code))
		if h.resolve(fr.Conn, err) {
			return
		}
		logger.Warn().Str("code", fr.Code).Msg("broker error")
		h.post(func() {
			if h.ev.OnError != nil {
				h.ev.OnError(err)
			}
		})
	case model.FrameTypeData:
		c, ok := h.conn(fr.Conn)
		if !ok {
			logger.Debug().Msg("data for unknown channel dropped")
			return
		}
		var env model.Envelope
		if err := json.Unmarshal(fr.Payload, &env); err != nil {
			h.post(func() { c.emitError(broker.NewError(broker.KindProtocol, err)) })
			return
		}
		h.post(func() { c.emitData(env) })
	case model.FrameTypeClose:
		if c, ok := h.conn(fr.Conn); ok {
			// remote closed, nothing to tell the broker
			c.shut()
		}
	default:
		logger.Warn().Msg("unexpected frame")
	}
}

func (h *handle) accept(fr model.Frame) {
	c := newConn(h, fr.Conn, fr.SRC, fr.Metadata, broker.ConnEvents{})
	if h.ev.OnConnection == nil {
		h.out.Put(model.Frame{Type: model.FrameTypeClose, Conn: fr.Conn})
		return
	}
	if !h.attach(c) {
		return
	}
	h.post(func() {
		cev := h.ev.OnConnection(c)
		c.mx.Lock()
		c.events = cev
		c.mx.Unlock()
	})
}

// resolve completes a pending Connect. It reports whether one was waiting.
func (h *handle) resolve(id string, err error) bool {
	h.mx.Lock()
	res, ok := h.pending[id]
	delete(h.pending, id)
	h.mx.Unlock()
	if ok {
		res <- err
	}
	return ok
}

func (h *handle) attach(c *conn) bool {
	h.mx.Lock()
	defer h.mx.Unlock()
	select {
	case <-h.done:
		return false
	default:
	}
	h.conns[c.id] = c
	return true
}

func (h *handle) detach(id string) {
	h.mx.Lock()
	defer h.mx.Unlock()
	delete(h.conns, id)
	delete(h.pending, id)
}

func (h *handle) conn(id string) (*conn, bool) {
	h.mx.Lock()
	defer h.mx.Unlock()
	c, ok := h.conns[id]
	return c, ok
}

func (h *handle) Connect(ctx context.Context, name string, metadata []byte, ev broker.ConnEvents) (broker.Conn, error) {
	id := uuid.NewString()
	c := newConn(h, id, name, metadata, ev)
	res := make(chan error, 1)

	if !h.attach(c) {
		return nil, broker.ErrClosed
	}
	h.mx.Lock()
	h.pending[id] = res
	h.mx.Unlock()

	if !h.out.Put(model.Frame{
		Type:     model.FrameTypeConnect,
		DST:      name,
		Conn:     id,
		Metadata: encodeMetadata(metadata),
	}) {
		h.detach(id)
		return nil, broker.ErrClosed
	}

	select {
	case err := <-res:
		if err != nil {
			h.detach(id)
			return nil, err
		}
		h.logger.Debug().Str("dst", name).Str("conn", id).Msg("channel opened")
		return c, nil
	case <-ctx.Done():
		h.detach(id)
		h.out.Put(model.Frame{Type: model.FrameTypeClose, Conn: id})
		return nil, broker.NewError(broker.KindNetwork, ctx.Err())
	case <-h.done:
		return nil, broker.ErrClosed
	}
}

func (h *handle) Disconnect() error {
	if !h.out.Put(model.Frame{Type: model.FrameTypeUnregister}) {
		return broker.ErrClosed
	}
	return nil
}

func (h *handle) Destroy() error {
	h.teardown()
	return nil
}

// fail tears the handle down after a transport failure. Failures caused by
// our own teardown are not reported.
func (h *handle) fail(err error) {
	select {
	case <-h.done:
		return
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		h.logger.Debug().Err(err).Msg("broker closed connection")
	} else {
		h.logger.Error().Err(err).Msg("broker connection failed")
	}
	h.post(func() {
		if h.ev.OnError != nil {
			h.ev.OnError(broker.NewError(broker.KindNetwork, err))
		}
	})
	h.teardown()
}

func (h *handle) teardown() {
	h.once.Do(func() {
		h.mx.Lock()
		close(h.done)
		conns := make([]*conn, 0, len(h.conns))
		for _, c := range h.conns {
			conns = append(conns, c)
		}
		h.conns = make(map[string]*conn)
		h.pending = make(map[string]chan error)
		h.mx.Unlock()

		for _, c := range conns {
			c.shut()
		}

		err := h.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(defaultCloseWriteDeadline))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			h.logger.Debug().Err(err).Msg("failed to send close message")
		}
		if err = h.ws.Close(); err != nil {
			h.logger.Debug().Err(err).Msg("failed to close websocket")
		}

		h.post(func() {
			if h.ev.OnClose != nil {
				h.ev.OnClose()
			}
		})
		h.out.Close()
		h.events.Close()
		h.logger.Debug().Msg("destroyed")
	})
}

type conn struct {
	h        *handle
	id       string
	peer     string
	metadata []byte

	mx       sync.Mutex
	events   broker.ConnEvents
	open     bool
	notified bool
}

func newConn(h *handle, id, peer string, metadata []byte, ev broker.ConnEvents) *conn {
	return &conn{
		h:        h,
		id:       id,
		peer:     peer,
		metadata: metadata,
		events:   ev,
		open:     true,
	}
}

func (c *conn) ID() string       { return c.id }
func (c *conn) Peer() string     { return c.peer }
func (c *conn) Metadata() []byte { return c.metadata }

func (c *conn) IsOpen() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.open
}

func (c *conn) Send(env model.Envelope) error {
	if !c.IsOpen() {
		return broker.NewError(broker.KindClosed, errConnClosed)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return broker.NewError(broker.KindProtocol, err)
	}
	if !c.h.out.Put(model.Frame{Type: model.FrameTypeData, Conn: c.id, Payload: b}) {
		return broker.ErrClosed
	}
	return nil
}

func (c *conn) Close() error {
	if c.shut() {
		c.h.out.Put(model.Frame{Type: model.FrameTypeClose, Conn: c.id})
	}
	return nil
}

// shut marks the channel closed and queues its close notification. It
// reports false if the channel was closed already.
func (c *conn) shut() bool {
	c.mx.Lock()
	if !c.open {
		c.mx.Unlock()
		return false
	}
	c.open = false
	c.mx.Unlock()

	c.h.detach(c.id)
	c.h.post(func() {
		c.mx.Lock()
		ev := c.events
		c.notified = true
		c.mx.Unlock()
		if ev.OnClose != nil {
			ev.OnClose()
		}
	})
	return true
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
