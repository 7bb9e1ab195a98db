// Package group implements a star-topology group session on top of a
// broker.Service. The first participant to claim the group name becomes
// the host and relays all traffic; everyone else joins as a peer.
//
// A Session is an actor: every state transition runs on one goroutine fed
// by a mailbox. Broker callbacks and retry timers only post work to it.
package group

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/peergroup/backend/broker"
	"github.com/adwski/peergroup/backend/mailbox"
	"github.com/adwski/peergroup/backend/model"
)

const (
	defaultNegotiateTimeout = 10 * time.Second
)

type Config struct {
	Logger  *zerolog.Logger
	Service broker.Service
	Hooks   Hooks
	Group   string
	Bio     model.Bio
	Retry   RetryPolicy
	// NegotiateTimeout bounds registration and connection to the host.
	NegotiateTimeout time.Duration
}

type Session struct {
	svc    broker.Service
	loop   *mailbox.Mailbox[func()]
	events *dispatcher
	hooks  Hooks
	done   chan struct{}
	logger zerolog.Logger

	group            string
	bio              model.Bio
	retry            RetryPolicy
	negotiateTimeout time.Duration
	closeOnce        sync.Once

	// loop owned
	handle       broker.Handle
	host         *hostState
	peer         *peerState
	state        model.SessionState
	id           model.ParticipantID
	epoch        uint64
	attemptsLeft int
	retryOnFail  bool
}

func New(cfg Config) (*Session, error) {
	if cfg.Group == "" {
		return nil, errors.Join(ErrInvalidConfig, errors.New("empty group name"))
	}
	if cfg.Service == nil {
		return nil, errors.Join(ErrInvalidConfig, errors.New("no broker service"))
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	if cfg.NegotiateTimeout <= 0 {
		cfg.NegotiateTimeout = defaultNegotiateTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	s := &Session{
		svc:              cfg.Service,
		loop:             mailbox.New[func()](),
		events:           newDispatcher(),
		hooks:            cfg.Hooks,
		done:             make(chan struct{}),
		logger:           logger.With().Str("component", "group").Str("group", cfg.Group).Logger(),
		group:            cfg.Group,
		bio:              cfg.Bio,
		retry:            cfg.Retry,
		negotiateTimeout: cfg.NegotiateTimeout,
		state:            model.StateIdle,
	}
	go s.run()
	return s, nil
}

func (s *Session) run() {
	defer close(s.done)
	for range s.loop.Ready() {
		for _, fn := range s.loop.Drain() {
			fn()
		}
		if s.loop.Closed() {
			for _, fn := range s.loop.Drain() {
				fn()
			}
			return
		}
	}
}

func (s *Session) post(fn func()) bool {
	return s.loop.Put(fn)
}

// call runs fn on the loop and waits for its result.
func (s *Session) call(fn func() error) error {
	res := make(chan error, 1)
	if !s.post(func() { res <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-s.done:
		select {
		case err := <-res:
			return err
		default:
			return ErrClosed
		}
	}
}

// Connect joins the group, as host if the group name is free and as a peer
// otherwise. It returns once negotiation has started; progress is reported
// through hooks. Calling it while connecting or live only updates the retry
// flag.
func (s *Session) Connect(retryOnFail bool) error {
	return s.call(func() error {
		s.retryOnFail = retryOnFail
		if s.state.Live() || s.state.Connecting() {
			return nil
		}
		s.attemptsLeft = s.retry.Attempts
		s.negotiate()
		return nil
	})
}

// Disconnect leaves the group deliberately. No reconnection follows.
func (s *Session) Disconnect() error {
	return s.call(func() error {
		s.disconnect()
		return nil
	})
}

func (s *Session) disconnect() {
	s.retryOnFail = false
	if s.state == model.StateIdle || s.state == model.StateDisconnected {
		return
	}
	s.logger.Info().Msg("leaving group")
	s.terminate(false)
}

// Evict asks a peer to leave. Only the host can evict.
func (s *Session) Evict(id model.ParticipantID) error {
	return s.call(func() error {
		if s.state != model.StateLiveAsHost {
			return ErrNotHost
		}
		return s.hostEvict(id)
	})
}

// Send broadcasts data to the group.
func (s *Session) Send(data any) error {
	return s.send(data, nil)
}

// SendTo sends data to a single participant.
func (s *Session) SendTo(id model.ParticipantID, data any) error {
	return s.send(data, &id)
}

func (s *Session) send(data any, to *model.ParticipantID) error {
	payload, err := model.EncodeData(data)
	if err != nil {
		return errors.Join(ErrPayload, err)
	}
	return s.call(func() error {
		switch s.state {
		case model.StateLiveAsHost:
			return s.hostSend(s.envelope(payload, to))
		case model.StateLiveAsPeer:
			return s.peerSend(s.envelope(payload, to))
		default:
			return ErrNotConnected
		}
	})
}

func (s *Session) envelope(payload []byte, to *model.ParticipantID) model.Envelope {
	env := model.NewEnvelope(s.id, payload)
	if to != nil {
		env = env.WithTarget(*to)
	}
	return env
}

// ID returns the participant id of this session and whether it is live.
// After leaving, the last id is kept with live unset.
func (s *Session) ID() (model.ParticipantID, bool) {
	var (
		id   model.ParticipantID
		live bool
	)
	_ = s.call(func() error {
		id, live = s.id, s.state.Live()
		return nil
	})
	return id, live
}

func (s *Session) State() model.SessionState {
	state := model.StateIdle
	_ = s.call(func() error {
		state = s.state
		return nil
	})
	return state
}

func (s *Session) IsHost() bool {
	return s.State() == model.StateLiveAsHost
}

// Roster returns the members this session knows about, departed ones
// included. A host's view is authoritative, a peer's is a mirror.
func (s *Session) Roster() []model.Member {
	var members []model.Member
	_ = s.call(func() error {
		switch {
		case s.host != nil:
			members = s.host.roster.Members()
		case s.peer != nil && s.peer.roster != nil:
			members = s.peer.roster.Members()
		}
		return nil
	})
	return members
}

// Close leaves the group and stops the session. It must not be called
// from a hook.
func (s *Session) Close() error {
	err := s.Disconnect()
	s.closeOnce.Do(func() {
		s.loop.Close()
	})
	<-s.done
	s.events.stop()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (s *Session) setState(state model.SessionState) {
	if s.state == state {
		return
	}
	s.logger.Debug().
		Stringer("from", s.state).
		Stringer("to", state).
		Msg("state changed")
	s.state = state
	if fn := s.hooks.OnStateChange; fn != nil {
		s.events.emit(func() { fn(state) })
	}
}

// terminate ends the current run: every callback of it becomes stale,
// resources are released and, if the session was live, OnLeftGroup fires.
func (s *Session) terminate(allowRetry bool) {
	wasLive := s.state.Live()
	s.epoch++

	if s.host != nil {
		s.host.closeAll()
		s.host = nil
	}
	if s.peer != nil {
		s.peer.close()
		s.peer = nil
	}
	if s.handle != nil {
		if err := s.handle.Destroy(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to destroy registration")
		}
		s.handle = nil
	}

	s.setState(model.StateDisconnected)
	if wasLive {
		s.logger.Info().Int("id", int(s.id)).Msg("left group")
		if fn := s.hooks.OnLeftGroup; fn != nil {
			s.events.emit(fn)
		}
	}
	if allowRetry {
		s.scheduleRetry()
	}
}

func (s *Session) reportError(err error) {
	s.logger.Error().Err(err).Msg("group error")
	if fn := s.hooks.OnError; fn != nil {
		s.events.emit(func() { fn(err) })
	}
}

// deliver processes an envelope addressed to this session.
func (s *Session) deliver(env model.Envelope) {
	switch env.Type {
	case "":
		if fn := s.hooks.OnReceive; fn != nil {
			s.events.emit(func() { fn(env) })
		}
	case model.ControlJoined:
		if s.peer != nil && s.peer.roster != nil {
			s.peer.roster.Upsert(env.ID, env.Data)
		}
		s.logger.Debug().Int("peer", int(env.ID)).Msg("peer joined")
		if fn := s.hooks.OnPeerJoined; fn != nil {
			s.events.emit(func() { fn(env.ID, env.Data) })
		}
	case model.ControlLeft:
		if s.peer != nil && s.peer.roster != nil {
			s.peer.roster.Depart(env.ID)
		}
		s.logger.Debug().Int("peer", int(env.ID)).Msg("peer left")
		if fn := s.hooks.OnPeerLeft; fn != nil {
			s.events.emit(func() { fn(env.ID) })
		}
	case model.ControlLeave:
		if s.state != model.StateLiveAsPeer || env.ID != model.HostID {
			s.logger.Warn().Int("from", int(env.ID)).Msg("ignoring leave request")
			return
		}
		s.logger.Info().Msg("evicted by host")
		s.disconnect()
	default:
		s.logger.Warn().Str("type", string(env.Type)).Msg("unexpected control envelope")
	}
}

func (s *Session) negotiateContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.negotiateTimeout)
}
