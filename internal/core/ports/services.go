package ports

import (
	"context"

	"peerwire/internal/core/domain"
)

// RoomService manages rendezvous rooms and role assignment.
type RoomService interface {
	// Join puts a peer into a room, creating the room if needed, and
	// assigns the peer its role. The first occupant becomes the responder;
	// the joiner completing the pair becomes the initiator.
	Join(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) (*domain.Room, domain.Role, error)
	Leave(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) (*domain.Room, error)
	Get(ctx context.Context, roomID domain.RoomID) (*domain.Room, error)
	List(ctx context.Context) ([]*domain.Room, error)
}

// TokenService issues and verifies peer credentials for the relay.
type TokenService interface {
	Issue(peerID domain.PeerID) (string, error)
	Verify(token string) (domain.PeerID, error)
}
