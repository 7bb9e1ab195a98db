package model

import (
	"errors"
	"sort"
)

var ErrIDInUse = errors.New("participant id already assigned")

// Member is a roster entry. Departed members stay in the roster with
// Live unset so their ids are never handed out again.
type Member struct {
	ID   ParticipantID `json:"id"`
	Bio  Bio           `json:"bio"`
	Live bool          `json:"live"`
}

// Roster maps participant ids to members. It is not safe for concurrent
// use; the owning session serializes access.
type Roster struct {
	members map[ParticipantID]*Member
}

func NewRoster() *Roster {
	return &Roster{members: make(map[ParticipantID]*Member)}
}

// RosterFromSnapshot builds a roster of live members from an intro snapshot.
func RosterFromSnapshot(snapshot map[ParticipantID]Bio) *Roster {
	r := NewRoster()
	for id, bio := range snapshot {
		r.members[id] = &Member{ID: id, Bio: bio, Live: true}
	}
	return r
}

// Add inserts a live member. Ids that were ever present are rejected.
func (r *Roster) Add(id ParticipantID, bio Bio) error {
	if _, ok := r.members[id]; ok {
		return ErrIDInUse
	}
	r.members[id] = &Member{ID: id, Bio: bio, Live: true}
	return nil
}

// Upsert inserts or revives a member. Peers use it to mirror joined
// announcements which the host guarantees to be fresh.
func (r *Roster) Upsert(id ParticipantID, bio Bio) {
	r.members[id] = &Member{ID: id, Bio: bio, Live: true}
}

// Depart marks a member non-live and reports whether it was live before.
func (r *Roster) Depart(id ParticipantID) bool {
	m, ok := r.members[id]
	if !ok || !m.Live {
		return false
	}
	m.Live = false
	return true
}

func (r *Roster) Get(id ParticipantID) (Member, bool) {
	m, ok := r.members[id]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

func (r *Roster) IsLive(id ParticipantID) bool {
	m, ok := r.members[id]
	return ok && m.Live
}

// Contains reports whether id was ever part of the roster.
func (r *Roster) Contains(id ParticipantID) bool {
	_, ok := r.members[id]
	return ok
}

// LiveIDs returns ids of live members in ascending order.
func (r *Roster) LiveIDs() []ParticipantID {
	ids := make([]ParticipantID, 0, len(r.members))
	for id, m := range r.members {
		if m.Live {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Members returns every entry, departed ones included, ordered by id.
func (r *Roster) Members() []Member {
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot returns bios of live members except the given one.
func (r *Roster) Snapshot(exclude ParticipantID) map[ParticipantID]Bio {
	out := make(map[ParticipantID]Bio, len(r.members))
	for id, m := range r.members {
		if m.Live && id != exclude {
			out[id] = m.Bio
		}
	}
	return out
}

func (r *Roster) Len() int {
	return len(r.members)
}
