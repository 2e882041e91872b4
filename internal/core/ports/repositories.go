package ports

import (
	"context"

	"peerwire/internal/core/domain"
)

type RoomRepository interface {
	Create(ctx context.Context, room *domain.Room) error
	GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	AddMember(ctx context.Context, id domain.RoomID, member domain.Member) (*domain.Room, error)
	RemoveMember(ctx context.Context, id domain.RoomID, peerID domain.PeerID) (*domain.Room, error)
	Delete(ctx context.Context, id domain.RoomID) error
	ListActive(ctx context.Context) ([]*domain.Room, error)
}
