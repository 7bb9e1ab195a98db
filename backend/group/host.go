package group

import (
	"encoding/json"
	"errors"

	"github.com/adwski/peergroup/backend/broker"
	"github.com/adwski/peergroup/backend/model"
	"github.com/adwski/peergroup/backend/router"
)

// hostState is the coordinator side of a run. The roster it holds is the
// authoritative one; departed peers stay in it so ids are never reused.
type hostState struct {
	roster  *model.Roster
	conns   map[model.ParticipantID]broker.Conn
	byConn  map[string]model.ParticipantID
	pending []broker.Conn
	nextID  model.ParticipantID
}

func newHostState(bio model.Bio) *hostState {
	roster := model.NewRoster()
	_ = roster.Add(model.HostID, bio)
	return &hostState{
		roster: roster,
		conns:  make(map[model.ParticipantID]broker.Conn),
		byConn: make(map[string]model.ParticipantID),
		nextID: model.HostID,
	}
}

func (h *hostState) closeAll() {
	for _, c := range h.pending {
		_ = c.Close()
	}
	for _, c := range h.conns {
		_ = c.Close()
	}
	h.pending = nil
	h.conns = make(map[model.ParticipantID]broker.Conn)
	h.byConn = make(map[string]model.ParticipantID)
}

// bioFromMetadata turns connection metadata into a bio. Metadata that is
// not JSON is carried as a JSON string.
func bioFromMetadata(md []byte) model.Bio {
	if len(md) == 0 {
		return nil
	}
	if json.Valid(md) {
		return model.Bio(md)
	}
	b, _ := json.Marshal(string(md))
	return b
}

func (s *Session) hostAccept(epoch uint64, c broker.Conn) {
	if epoch != s.epoch || s.host == nil {
		_ = c.Close()
		return
	}
	if s.state == model.StateNegotiatingHost {
		s.host.pending = append(s.host.pending, c)
		return
	}
	if s.state != model.StateLiveAsHost {
		_ = c.Close()
		return
	}

	h := s.host
	h.nextID++
	id := h.nextID
	bio := bioFromMetadata(c.Metadata())
	snapshot := h.roster.Snapshot(id)
	if err := h.roster.Add(id, bio); err != nil {
		// ids only grow, so this means the roster was tampered with
		s.reportError(errors.Join(ErrProtocolViolation, err))
		_ = c.Close()
		return
	}
	h.conns[id] = c
	h.byConn[c.ID()] = id

	logger := s.logger.With().Int("peer", int(id)).Str("conn", c.ID()).Logger()
	logger.Info().Msg("peer accepted")

	intro, err := model.NewIntro(id, snapshot)
	if err == nil {
		err = c.Send(intro)
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to send intro")
		s.reportError(errors.Join(ErrTransport, err))
	}

	_ = s.hostRoute(model.NewControl(id, model.ControlJoined, bio))
}

// hostRelay handles an envelope a peer sent to the host.
func (s *Session) hostRelay(epoch uint64, c broker.Conn, env model.Envelope) {
	if epoch != s.epoch || s.host == nil {
		return
	}
	id, ok := s.host.byConn[c.ID()]
	if !ok {
		return
	}
	if env.IsControl() {
		s.logger.Warn().
			Int("peer", int(id)).
			Str("type", string(env.Type)).
			Msg("dropping control envelope from peer")
		return
	}
	// sender identity is whatever connection it came in on
	env.ID = id
	s.logger.Trace().Int("peer", int(id)).Msg("relaying envelope")
	s.hostRoute(env)
}

func (s *Session) hostSend(env model.Envelope) error {
	if to, ok := env.Target(); ok && to != model.HostID && !s.host.roster.IsLive(to) {
		return ErrUnknownParticipant
	}
	return s.hostRoute(env)
}

// hostRoute delivers env per the routing table. Failures to individual
// peers are reported and do not stop the fan-out.
func (s *Session) hostRoute(env model.Envelope) error {
	d := router.Route(env, router.RoleHost, model.HostID)
	if d.Local {
		s.deliver(env)
	}
	var errs []error
	for _, id := range router.Recipients(d, s.host.roster.LiveIDs()) {
		if err := s.hostSendTo(id, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Session) hostSendTo(id model.ParticipantID, env model.Envelope) error {
	c, ok := s.host.conns[id]
	if !ok {
		return nil
	}
	if err := c.Send(env); err != nil {
		s.logger.Warn().Err(err).Int("peer", int(id)).Msg("failed to send")
		return errors.Join(ErrTransport, err)
	}
	return nil
}

// hostEvict asks a peer to leave. The peer closes its own connection and
// the usual departure handling follows.
func (s *Session) hostEvict(id model.ParticipantID) error {
	if id == model.HostID || !s.host.roster.IsLive(id) {
		return ErrUnknownParticipant
	}
	s.logger.Info().Int("peer", int(id)).Msg("evicting peer")
	return s.hostSendTo(id, model.NewControl(model.HostID, model.ControlLeave, nil))
}

func (s *Session) hostConnClosed(epoch uint64, c broker.Conn) {
	if epoch != s.epoch || s.host == nil {
		return
	}
	h := s.host
	id, ok := h.byConn[c.ID()]
	if !ok {
		for i, p := range h.pending {
			if p.ID() == c.ID() {
				h.pending = append(h.pending[:i], h.pending[i+1:]...)
				break
			}
		}
		return
	}
	delete(h.byConn, c.ID())
	delete(h.conns, id)

	if !h.roster.Depart(id) {
		return
	}
	s.logger.Info().Int("peer", int(id)).Msg("peer departed")
	_ = s.hostRoute(model.NewControl(id, model.ControlLeft, nil))
}
