package domain

import "time"

type RoomID string

type PeerID string

// Role is a peer's side of the connection. The first occupant of a room
// waits as the responder; the peer that completes the pair joins as the
// initiator and starts the handshake.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// DefaultRoomCapacity pairs exactly two peers per room.
const DefaultRoomCapacity = 2

type Member struct {
	ID       PeerID    `json:"id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// Room is a rendezvous point for one peer-to-peer connection.
type Room struct {
	ID        RoomID    `json:"id"`
	Capacity  int       `json:"capacity"`
	Members   []Member  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

func NewRoom(id RoomID, capacity int) *Room {
	if capacity <= 0 {
		capacity = DefaultRoomCapacity
	}
	return &Room{
		ID:        id,
		Capacity:  capacity,
		CreatedAt: time.Now(),
	}
}

func (r *Room) Full() bool {
	return len(r.Members) >= r.Capacity
}

func (r *Room) Member(id PeerID) (Member, bool) {
	for _, m := range r.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// Peers returns the IDs of all members except the given one.
func (r *Room) Peers(except PeerID) []PeerID {
	var out []PeerID
	for _, m := range r.Members {
		if m.ID != except {
			out = append(out, m.ID)
		}
	}
	return out
}
