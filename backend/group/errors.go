package group

import "errors"

var (
	ErrInvalidConfig      = errors.New("invalid group config")
	ErrNotConnected       = errors.New("not connected to group")
	ErrNotHost            = errors.New("only the host can do this")
	ErrUnknownParticipant = errors.New("no such live participant")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrTransport          = errors.New("transport failure")
	ErrIntroTimeout       = errors.New("host sent no intro in time")
	ErrPayload            = errors.New("unable to encode payload")
	ErrClosed             = errors.New("session is closed")
)
