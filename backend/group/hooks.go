package group

import (
	"github.com/adwski/peergroup/backend/mailbox"
	"github.com/adwski/peergroup/backend/model"
)

// Hooks are application callbacks. They run one at a time, in event order,
// on a goroutine of their own, so they may call back into the Session.
// Any of them may be nil.
type Hooks struct {
	// OnJoinedGroup reports the bios of the other live members when the
	// session becomes live. A fresh host gets an empty roster.
	OnJoinedGroup func(roster map[model.ParticipantID]model.Bio)
	OnLeftGroup   func()
	OnPeerJoined  func(id model.ParticipantID, bio model.Bio)
	OnPeerLeft    func(id model.ParticipantID)
	OnReceive     func(env model.Envelope)
	OnError       func(err error)
	OnStateChange func(state model.SessionState)
}

type dispatcher struct {
	mb   *mailbox.Mailbox[func()]
	done chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		mb:   mailbox.New[func()](),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) run() {
	defer close(d.done)
	for range d.mb.Ready() {
		for _, fn := range d.mb.Drain() {
			fn()
		}
		if d.mb.Closed() {
			for _, fn := range d.mb.Drain() {
				fn()
			}
			return
		}
	}
}

func (d *dispatcher) emit(fn func()) {
	d.mb.Put(fn)
}

func (d *dispatcher) stop() {
	d.mb.Close()
	<-d.done
}
