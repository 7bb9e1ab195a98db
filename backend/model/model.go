package model

import "encoding/json"

// Frame types exchanged between the rendezvous broker and its clients.
const (
	FrameTypeOpen       = "open"       // registration claimed (no conn) or channel opened (conn set)
	FrameTypeConnect    = "connect"    // client asks to open a channel to DST
	FrameTypeConnection = "connection" // inbound channel from SRC
	FrameTypeData       = "data"
	FrameTypeClose      = "close"
	FrameTypeUnregister = "unregister" // release the registered name, keep channels
	FrameTypeError      = "error"
)

// Error codes carried by FrameTypeError frames.
const (
	FrameCodePeerUnavailable = "peer-unavailable"
	FrameCodeBadFrame        = "bad-frame"
)

type Frame struct {
	DST      string          `json:"dst,omitempty"`
	SRC      string          `json:"src,omitempty"` // for inbound frames broker re-assigns this based on websocket session
	Type     string          `json:"type"`
	Conn     string          `json:"conn,omitempty"`
	Code     string          `json:"code,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type Wire struct {
	RX chan Frame
	TX chan Frame
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Frame),
		TX: make(chan Frame),
	}
}
