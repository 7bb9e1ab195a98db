// Package broker defines the connection service a group session runs on:
// unique name registration within a namespace and reliable, ordered
// point-to-point channels between registered parties.
package broker

import (
	"context"
	"errors"

	"github.com/adwski/peergroup/backend/model"
)

type (
	// Service hands out registrations.
	Service interface {
		// Register claims name. An empty name asks for an anonymous identity
		// assigned by the service. Errors carry an ErrorKind.
		Register(ctx context.Context, name string, ev Events) (Handle, error)
	}

	// Handle is a claimed registration.
	Handle interface {
		// ID is the registered name.
		ID() string
		// Connect opens a channel to the party registered under name and
		// returns once it is open. metadata is presented to the remote side.
		Connect(ctx context.Context, name string, metadata []byte, ev ConnEvents) (Conn, error)
		// Disconnect releases the name but keeps channels already open.
		Disconnect() error
		// Destroy releases the registration and closes every channel.
		Destroy() error
	}

	// Conn is one end of an open channel. It is owned by whoever received it.
	Conn interface {
		ID() string
		// Peer is the registered name of the remote party.
		Peer() string
		// Metadata is what the connecting party supplied to Connect.
		Metadata() []byte
		Send(env model.Envelope) error
		Close() error
		IsOpen() bool
	}

	// Events receives registration level notifications. Callbacks may run on
	// any goroutine but are never invoked concurrently for the same handle.
	Events struct {
		// OnConnection is called for each inbound channel once it is open.
		// The returned callbacks are attached before any data is delivered.
		OnConnection func(c Conn) ConnEvents
		OnError      func(err error)
		// OnClose fires once when the registration is gone, whether through
		// Destroy or a failure.
		OnClose func()
	}

	// ConnEvents receives channel level notifications, in order.
	ConnEvents struct {
		OnData  func(env model.Envelope)
		OnError func(err error)
		// OnClose fires exactly once, after all data.
		OnClose func()
	}
)

// ErrorKind is the closed set of failures a Service reports.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNameCollision
	KindNetwork
	KindPeerUnavailable
	KindProtocol
	KindClosed
)

func (k ErrorKind) String() string {
	switch k {
	case KindNameCollision:
		return "name-collision"
	case KindNetwork:
		return "network"
	case KindPeerUnavailable:
		return "peer-unavailable"
	case KindProtocol:
		return "protocol"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrNameCollision   = &Error{Kind: KindNameCollision}
	ErrPeerUnavailable = &Error{Kind: KindPeerUnavailable}
	ErrClosed          = &Error{Kind: KindClosed}
)

// Error is a classified service failure.
type Error struct {
	Err  error
	Kind ErrorKind
}

func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "broker: " + e.Kind.String()
	}
	return "broker: " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNameCollision)
// holds for every collision regardless of the wrapped cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the kind of a service failure.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
