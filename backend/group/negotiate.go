package group

import (
	"errors"

	"github.com/adwski/peergroup/backend/broker"
	"github.com/adwski/peergroup/backend/model"
)

// negotiate starts a new run: try to claim the group name as host and fall
// back to joining as a peer when the name is taken.
func (s *Session) negotiate() {
	s.epoch++
	epoch := s.epoch
	s.host = newHostState(s.bio)
	s.setState(model.StateNegotiatingHost)
	s.logger.Debug().Msg("claiming host identity")

	events := s.hostEvents(epoch)
	go func() {
		ctx, cancel := s.negotiateContext()
		defer cancel()
		h, err := s.svc.Register(ctx, s.group, events)
		if !s.post(func() { s.hostRegistered(epoch, h, err) }) && h != nil {
			// session closed meanwhile, the name must not stay claimed
			_ = h.Destroy()
		}
	}()
}

func (s *Session) hostRegistered(epoch uint64, h broker.Handle, err error) {
	if epoch != s.epoch {
		if h != nil {
			_ = h.Destroy()
		}
		return
	}
	if err != nil {
		if broker.KindOf(err) == broker.KindNameCollision {
			s.logger.Debug().Msg("group is hosted already, joining as peer")
			s.host = nil
			s.negotiatePeer(epoch)
			return
		}
		s.reportError(errors.Join(ErrTransport, err))
		s.terminate(false)
		return
	}

	s.handle = h
	s.id = model.HostID
	s.attemptsLeft = s.retry.Attempts
	s.setState(model.StateLiveAsHost)
	s.logger.Info().Msg("hosting group")
	if fn := s.hooks.OnJoinedGroup; fn != nil {
		s.events.emit(func() { fn(map[model.ParticipantID]model.Bio{}) })
	}

	pending := s.host.pending
	s.host.pending = nil
	for _, c := range pending {
		s.hostAccept(epoch, c)
	}
}

func (s *Session) negotiatePeer(epoch uint64) {
	s.peer = &peerState{}
	s.setState(model.StateNegotiatingPeer)

	handleEvents := broker.Events{
		OnError: func(err error) { s.post(func() { s.transportFailed(epoch, err) }) },
		OnClose: func() { s.post(func() { s.registrationClosed(epoch) }) },
	}
	connEvents := broker.ConnEvents{
		OnData:  func(env model.Envelope) { s.post(func() { s.peerData(epoch, env) }) },
		OnError: func(err error) { s.post(func() { s.connFailed(epoch, err) }) },
		OnClose: func() { s.post(func() { s.peerConnClosed(epoch) }) },
	}
	go func() {
		ctx, cancel := s.negotiateContext()
		defer cancel()

		h, err := s.svc.Register(ctx, "", handleEvents)
		if err != nil {
			s.post(func() { s.peerFailed(epoch, nil, err) })
			return
		}
		c, err := h.Connect(ctx, s.group, s.bio, connEvents)
		if err != nil {
			if !s.post(func() { s.peerFailed(epoch, h, err) }) {
				_ = h.Destroy()
			}
			return
		}
		if !s.post(func() { s.peerConnected(epoch, h, c) }) {
			_ = c.Close()
			_ = h.Destroy()
		}
	}()
}

func (s *Session) peerFailed(epoch uint64, h broker.Handle, err error) {
	if epoch != s.epoch {
		if h != nil {
			_ = h.Destroy()
		}
		return
	}
	s.handle = h
	s.reportError(errors.Join(ErrTransport, err))
	s.terminate(true)
}

func (s *Session) hostEvents(epoch uint64) broker.Events {
	return broker.Events{
		OnConnection: func(c broker.Conn) broker.ConnEvents {
			if !s.post(func() { s.hostAccept(epoch, c) }) {
				_ = c.Close()
			}
			return broker.ConnEvents{
				OnData:  func(env model.Envelope) { s.post(func() { s.hostRelay(epoch, c, env) }) },
				OnError: func(err error) { s.post(func() { s.connFailed(epoch, err) }) },
				OnClose: func() { s.post(func() { s.hostConnClosed(epoch, c) }) },
			}
		},
		OnError: func(err error) { s.post(func() { s.transportFailed(epoch, err) }) },
		OnClose: func() { s.post(func() { s.registrationClosed(epoch) }) },
	}
}
