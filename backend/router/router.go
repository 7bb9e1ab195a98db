// Package router decides where an envelope goes. The same table governs
// host relay of peer traffic, host originated sends and peer sends.
package router

import "github.com/adwski/peergroup/backend/model"

type Role int

const (
	RoleHost Role = iota
	RolePeer
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "peer"
}

type ForwardKind int

const (
	ForwardNone ForwardKind = iota
	// ForwardUpstream sends to the host over the peer's only connection.
	ForwardUpstream
	// ForwardUnicast sends to a single participant.
	ForwardUnicast
	// ForwardBroadcast sends to every live participant except Except.
	ForwardBroadcast
)

type Forward struct {
	Kind   ForwardKind
	To     model.ParticipantID
	Except model.ParticipantID
}

// Decision is the set of delivery actions for one envelope.
type Decision struct {
	Forward Forward
	// Local delivers the envelope to the local receive hook.
	Local bool
}

// Route computes delivery for env at a node with the given role and id.
// For a peer, env.ID == self means the envelope is outbound.
func Route(env model.Envelope, role Role, self model.ParticipantID) Decision {
	to, addressed := env.Target()

	if role == RolePeer {
		if env.ID != self {
			// everything a peer receives came through the host already
			return Decision{Local: true}
		}
		switch {
		case !addressed:
			// a peer's broadcast is delivered to the peer itself too, same
			// as on the host; callers filtering their own messages use env.ID
			return Decision{Local: true, Forward: Forward{Kind: ForwardUpstream}}
		case to == self:
			return Decision{Local: true}
		default:
			return Decision{Forward: Forward{Kind: ForwardUpstream, To: to}}
		}
	}

	switch {
	case !addressed:
		return Decision{Local: true, Forward: Forward{Kind: ForwardBroadcast, Except: env.ID}}
	case to == self:
		return Decision{Local: true}
	case to == env.ID:
		// self-addressed by a peer; it has already handled it locally
		return Decision{}
	default:
		return Decision{Forward: Forward{Kind: ForwardUnicast, To: to}}
	}
}

// Recipients expands a host side decision against the live members of the
// roster. The host itself never appears; its copy is Decision.Local.
func Recipients(d Decision, live []model.ParticipantID) []model.ParticipantID {
	switch d.Forward.Kind {
	case ForwardUnicast:
		for _, id := range live {
			if id == d.Forward.To {
				return []model.ParticipantID{id}
			}
		}
		return nil
	case ForwardBroadcast:
		out := make([]model.ParticipantID, 0, len(live))
		for _, id := range live {
			if id != model.HostID && id != d.Forward.Except {
				out = append(out, id)
			}
		}
		return out
	default:
		return nil
	}
}
