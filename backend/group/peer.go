package group

import (
	"errors"
	"fmt"
	"time"

	"github.com/adwski/peergroup/backend/broker"
	"github.com/adwski/peergroup/backend/model"
	"github.com/adwski/peergroup/backend/router"
)

// peerState is the client side of a run. Its roster mirrors the host's as
// of the last envelopes received.
type peerState struct {
	conn   broker.Conn
	roster *model.Roster
	// envelopes that arrived before the connection result was processed
	early []model.Envelope
}

func (p *peerState) close() {
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

func (s *Session) peerConnected(epoch uint64, h broker.Handle, c broker.Conn) {
	if epoch != s.epoch || s.peer == nil {
		_ = c.Close()
		_ = h.Destroy()
		return
	}
	s.handle = h
	s.peer.conn = c
	s.logger.Debug().Str("conn", c.ID()).Msg("connected to host, awaiting intro")
	time.AfterFunc(s.negotiateTimeout, func() {
		s.post(func() { s.introTimedOut(epoch) })
	})

	early := s.peer.early
	s.peer.early = nil
	for _, env := range early {
		s.peerData(epoch, env)
	}
}

func (s *Session) introTimedOut(epoch uint64) {
	if epoch != s.epoch || s.state != model.StateNegotiatingPeer {
		return
	}
	s.transportFailed(epoch, ErrIntroTimeout)
}

func (s *Session) peerData(epoch uint64, env model.Envelope) {
	if epoch != s.epoch || s.peer == nil {
		return
	}
	if s.peer.conn == nil {
		s.peer.early = append(s.peer.early, env)
		return
	}
	if s.state == model.StateNegotiatingPeer {
		s.peerIntro(env)
		return
	}
	if err := env.Validate(); err != nil {
		s.logger.Warn().Err(err).Msg("dropping envelope")
		return
	}
	if router.Route(env, router.RolePeer, s.id).Local {
		s.deliver(env)
	}
}

// peerIntro handles the first envelope from the host, which has to be an
// intro. Anything else tears the connection down without retrying.
func (s *Session) peerIntro(env model.Envelope) {
	snapshot, err := model.DecodeIntro(env)
	if err == nil && env.ID <= model.HostID {
		err = fmt.Errorf("%w: assigned id %d", model.ErrBadIntro, env.ID)
	}
	if err != nil {
		s.reportError(errors.Join(ErrProtocolViolation, fmt.Errorf("first envelope from host: %w", err)))
		s.terminate(false)
		return
	}

	s.id = env.ID
	s.peer.roster = model.RosterFromSnapshot(snapshot)
	s.peer.roster.Upsert(s.id, s.bio)
	s.attemptsLeft = s.retry.Attempts

	// the channel stays up, the anonymous name is no longer needed
	if err := s.handle.Disconnect(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to release registration")
	}

	s.setState(model.StateLiveAsPeer)
	s.logger.Info().Int("id", int(s.id)).Int("members", len(snapshot)).Msg("joined group")
	if fn := s.hooks.OnJoinedGroup; fn != nil {
		s.events.emit(func() { fn(snapshot) })
	}
}

func (s *Session) peerSend(env model.Envelope) error {
	d := router.Route(env, router.RolePeer, s.id)
	if d.Local {
		s.deliver(env)
	}
	if d.Forward.Kind != router.ForwardUpstream {
		return nil
	}
	if err := s.peer.conn.Send(env); err != nil {
		return errors.Join(ErrTransport, err)
	}
	return nil
}

func (s *Session) peerConnClosed(epoch uint64) {
	if epoch != s.epoch {
		return
	}
	s.logger.Warn().Msg("connection to host closed")
	s.terminate(true)
}
