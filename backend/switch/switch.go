package _switch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/peergroup/backend/model"
)

const (
	defaultFwdTimout = time.Second
)

var (
	ErrEndpointExists = errors.New("endpoint already connected")
)

type (
	// Registry tells which endpoints are reachable by name.
	Registry interface {
		Claimed(key, name string) bool
		Release(key, name string) error
	}

	// channel links two endpoints of the same namespace.
	channel struct {
		a, b string
	}

	instance struct {
		endpoints map[string]model.Wire
		channels  map[string]channel
	}

	Switch struct {
		logger   zerolog.Logger
		registry Registry
		mx       *sync.RWMutex
		fwd      map[string]*instance
	}
)

func (ch channel) other(end string) (string, bool) {
	switch end {
	case ch.a:
		return ch.b, true
	case ch.b:
		return ch.a, true
	}
	return "", false
}

func NewSwitch(logger *zerolog.Logger, registry Registry) *Switch {
	return &Switch{
		logger:   logger.With().Str("component", "switch").Logger(),
		registry: registry,
		mx:       &sync.RWMutex{},
		fwd:      make(map[string]*instance),
	}
}

// Has reports whether endpoint is connected, registered name or not.
func (sw *Switch) Has(key, endpoint string) bool {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	inst, ok := sw.fwd[key]
	if !ok {
		return false
	}
	_, ok = inst.endpoints[endpoint]
	return ok
}

func (sw *Switch) Connect(ctx context.Context, key, endpoint string, wire model.Wire) error {
	sw.mx.Lock()
	inst, ok := sw.fwd[key]
	if !ok {
		inst = &instance{
			endpoints: make(map[string]model.Wire),
			channels:  make(map[string]channel),
		}
		sw.fwd[key] = inst
	}
	if _, ok = inst.endpoints[endpoint]; ok {
		sw.mx.Unlock()
		return ErrEndpointExists
	}
	inst.endpoints[endpoint] = wire
	sw.mx.Unlock()

	sw.logger.Debug().
		Str("key", key).
		Str("endpoint", endpoint).
		Msg("endpoint connected")
	go sw.forwardFrames(ctx, key, endpoint, wire.RX)
	return nil
}

// Disconnect removes endpoint and closes every channel it took part in.
// Surviving ends are notified.
func (sw *Switch) Disconnect(ctx context.Context, key, endpoint string) error {
	var closed []model.Frame

	sw.mx.Lock()
	inst, ok := sw.fwd[key]
	if ok {
		delete(inst.endpoints, endpoint)
		for id, ch := range inst.channels {
			if other, member := ch.other(endpoint); member {
				delete(inst.channels, id)
				closed = append(closed, model.Frame{
					Type: model.FrameTypeClose,
					Conn: id,
					SRC:  endpoint,
					DST:  other,
				})
			}
		}
		if len(inst.endpoints) == 0 {
			delete(sw.fwd, key)
		}
	}
	sw.mx.Unlock()

	sw.logger.Debug().
		Str("key", key).
		Str("endpoint", endpoint).
		Int("channels", len(closed)).
		Msg("endpoint disconnected")

	for _, fr := range closed {
		sw.deliver(ctx, key, fr)
	}
	return nil
}

func (sw *Switch) forwardFrames(ctx context.Context, key, endpoint string, rx <-chan model.Frame) {
fwdLoop:
	for {
		select {
		case <-ctx.Done():
			break fwdLoop
		case fr := <-rx:
			if fr.SRC != endpoint {
				sw.logger.Error().
					Str("key", key).
					Str("endpoint", endpoint).
					Str("src", fr.SRC).
					Msg("frame with foreign src")
				continue
			}
			sw.handle(ctx, key, fr)
		}
	}
}

func (sw *Switch) handle(ctx context.Context, key string, fr model.Frame) {
	logger := sw.logger.With().
		Str("key", key).
		Str("type", fr.Type).
		Str("src", fr.SRC).
		Str("conn", fr.Conn).
		Logger()

	switch fr.Type {
	case model.FrameTypeConnect:
		sw.openChannel(ctx, key, fr, &logger)
	case model.FrameTypeData:
		dst, ok := sw.channelPeer(key, fr.Conn, fr.SRC)
		if !ok {
			logger.Debug().Msg("data for unknown channel dropped")
			return
		}
		if !sw.deliver(ctx, key, model.Frame{
			Type:    model.FrameTypeData,
			Conn:    fr.Conn,
			SRC:     fr.SRC,
			DST:     dst,
			Payload: fr.Payload,
		}) {
			logger.Warn().Str("dst", dst).Msg("data not delivered, closing channel")
			sw.dropChannel(ctx, key, fr.Conn, fr.SRC)
		}
	case model.FrameTypeClose:
		dst, ok := sw.closeChannel(key, fr.Conn, fr.SRC)
		if !ok {
			return
		}
		logger.Debug().Msg("channel closed")
		sw.deliver(ctx, key, model.Frame{
			Type: model.FrameTypeClose,
			Conn: fr.Conn,
			SRC:  fr.SRC,
			DST:  dst,
		})
	case model.FrameTypeUnregister:
		if err := sw.registry.Release(key, fr.SRC); err != nil {
			logger.Warn().Err(err).Msg("failed to release name")
			return
		}
		logger.Debug().Msg("name released")
	default:
		logger.Warn().Msg("unexpected frame")
		sw.deliver(ctx, key, model.Frame{
			Type: model.FrameTypeError,
			Code: model.FrameCodeBadFrame,
			Conn: fr.Conn,
			DST:  fr.SRC,
		})
	}
}

func (sw *Switch) openChannel(ctx context.Context, key string, fr model.Frame, logger *zerolog.Logger) {
	reject := model.Frame{
		Type: model.FrameTypeError,
		Code: model.FrameCodePeerUnavailable,
		Conn: fr.Conn,
		SRC:  fr.DST,
		DST:  fr.SRC,
	}
	if fr.Conn == "" {
		reject.Code = model.FrameCodeBadFrame
		sw.deliver(ctx, key, reject)
		return
	}
	if fr.DST == fr.SRC || !sw.registry.Claimed(key, fr.DST) {
		logger.Debug().Str("dst", fr.DST).Msg("peer unavailable")
		sw.deliver(ctx, key, reject)
		return
	}

	sw.mx.Lock()
	inst, ok := sw.fwd[key]
	var reachable, dup bool
	if ok {
		_, reachable = inst.endpoints[fr.DST]
		_, dup = inst.channels[fr.Conn]
		if reachable && !dup {
			inst.channels[fr.Conn] = channel{a: fr.SRC, b: fr.DST}
		}
	}
	sw.mx.Unlock()
	if !reachable || dup {
		logger.Debug().Str("dst", fr.DST).Bool("dup", dup).Msg("cannot open channel")
		sw.deliver(ctx, key, reject)
		return
	}

	if !sw.deliver(ctx, key, model.Frame{
		Type:     model.FrameTypeConnection,
		Conn:     fr.Conn,
		SRC:      fr.SRC,
		DST:      fr.DST,
		Metadata: fr.Metadata,
	}) {
		sw.closeChannel(key, fr.Conn, fr.SRC)
		sw.deliver(ctx, key, reject)
		return
	}
	logger.Debug().Str("dst", fr.DST).Msg("channel opened")
	sw.deliver(ctx, key, model.Frame{
		Type: model.FrameTypeOpen,
		Conn: fr.Conn,
		SRC:  fr.DST,
		DST:  fr.SRC,
	})
}

// dropChannel closes a channel that lost a frame. Channels are reliable, so
// both ends have to learn the channel is gone.
func (sw *Switch) dropChannel(ctx context.Context, key, conn, end string) {
	other, ok := sw.closeChannel(key, conn, end)
	if !ok {
		return
	}
	sw.deliver(ctx, key, model.Frame{
		Type: model.FrameTypeClose,
		Conn: conn,
		SRC:  other,
		DST:  end,
	})
	sw.deliver(ctx, key, model.Frame{
		Type: model.FrameTypeClose,
		Conn: conn,
		SRC:  end,
		DST:  other,
	})
}

func (sw *Switch) channelPeer(key, conn, end string) (string, bool) {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	inst, ok := sw.fwd[key]
	if !ok {
		return "", false
	}
	ch, ok := inst.channels[conn]
	if !ok {
		return "", false
	}
	return ch.other(end)
}

func (sw *Switch) closeChannel(key, conn, end string) (string, bool) {
	sw.mx.Lock()
	defer sw.mx.Unlock()
	inst, ok := sw.fwd[key]
	if !ok {
		return "", false
	}
	ch, ok := inst.channels[conn]
	if !ok {
		return "", false
	}
	other, ok := ch.other(end)
	if ok {
		delete(inst.channels, conn)
	}
	return other, ok
}

// deliver hands fr to the endpoint named by fr.DST.
func (sw *Switch) deliver(ctx context.Context, key string, fr model.Frame) bool {
	sw.mx.RLock()
	var (
		wire model.Wire
		ok   bool
	)
	if inst, found := sw.fwd[key]; found {
		wire, ok = inst.endpoints[fr.DST]
	}
	sw.mx.RUnlock()

	logger := sw.logger.With().
		Str("key", key).
		Str("type", fr.Type).
		Str("dst", fr.DST).
		Logger()
	if !ok {
		logger.Debug().Msg("cannot forward, dst not found")
		return false
	}
	sent, _ := send(ctx, fr, wire.TX, &logger)
	return sent
}

func send(ctx context.Context, fr model.Frame, tx chan<- model.Frame, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Msg("dead endpoint")
	case tx <- fr:
		logger.Trace().Msg("frame is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
